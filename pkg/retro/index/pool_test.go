/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//nolint:testpackage // need to test internal types
package index

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEmbedder fails the first failures calls per text.
type flakyEmbedder struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
}

func (e *flakyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[text]++
	if e.calls[text] <= e.failures {
		return nil, errors.New("transient")
	}

	return []float32{float32(len(text)), 1}, nil
}

func testTasks() []embedTask {
	return []embedTask{
		{Offset: 32, Text: "ccc"},
		{Offset: 0, Text: "a"},
		{Offset: 16, Text: "bb"},
	}
}

func TestPool_Run(t *testing.T) {
	embedder := &flakyEmbedder{calls: map[string]int{}}
	p := newPool(&PoolConfig{WorkersCount: 2, MaxRetries: 3}, embedder)

	docs, err := p.run(t.Context(), testTasks())
	require.NoError(t, err)
	require.Len(t, docs, 3)

	// ordered by offset
	assert.Equal(t, 0, docs[0].Offset)
	assert.Equal(t, 16, docs[1].Offset)
	assert.Equal(t, 32, docs[2].Offset)
	assert.Equal(t, []float32{3, 1}, docs[2].Embedding)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	embedder := &flakyEmbedder{calls: map[string]int{}, failures: 2}
	p := newPool(&PoolConfig{WorkersCount: 1, MaxRetries: 3}, embedder)

	docs, err := p.run(t.Context(), testTasks())
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.Equal(t, 3, embedder.calls["a"])
}

func TestPool_GivesUp(t *testing.T) {
	embedder := &flakyEmbedder{calls: map[string]int{}, failures: 10}
	p := newPool(&PoolConfig{WorkersCount: 2, MaxRetries: 1}, embedder)

	_, err := p.run(t.Context(), testTasks())
	assert.Error(t, err)
}

func TestPool_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	embedder := &flakyEmbedder{calls: map[string]int{}}
	p := newPool(nil, embedder)

	_, err := p.run(ctx, testTasks())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_Empty(t *testing.T) {
	p := newPool(nil, &flakyEmbedder{calls: map[string]int{}})

	docs, err := p.run(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPool_CancelledMidRunReleasesGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	for range 10 {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		embedder := &flakyEmbedder{calls: map[string]int{}, failures: 1000}
		p := newPool(&PoolConfig{WorkersCount: 2, MaxRetries: 100}, embedder)

		_, err := p.run(ctx, testTasks())
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}
