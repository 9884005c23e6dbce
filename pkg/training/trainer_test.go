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

package training_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/llm-d/llm-d-retro/pkg/model"
	"github.com/llm-d/llm-d-retro/pkg/optim"
	"github.com/llm-d/llm-d-retro/pkg/retro/dataset"
	"github.com/llm-d/llm-d-retro/pkg/training"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Save(key string, value float64) error {
	return m.Called(key, value).Error(0)
}

func (m *mockTracker) AddGlobalStep(n int) {
	m.Called(n)
}

type staticLoader struct {
	batches []dataset.Batch
}

func (l *staticLoader) Batches() []dataset.Batch {
	return l.batches
}

// memTracker keeps every saved loss.
type memTracker struct {
	losses []float64
	step   int
}

func (m *memTracker) Save(_ string, value float64) error {
	m.losses = append(m.losses, value)
	return nil
}

func (m *memTracker) AddGlobalStep(n int) {
	m.step += n
}

func testBatches() []dataset.Batch {
	return []dataset.Batch{
		{
			Src:       [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}},
			Tgt:       [][]int{{1, 2, 3, 4}, {2, 1, 0, 4}},
			Neighbors: [][][][]int{{{{4, 4, 0, 1}}, {{2, 3, 4, 0}}}, {{{1, 1, 1, 1}}, {}}},
		},
		{
			Src:       [][]int{{4, 0, 1, 2}, {1, 2, 3, 4}, {2, 3, 4, 0}},
			Tgt:       [][]int{{0, 1, 2, 3}, {2, 3, 4, 0}, {3, 4, 0, 1}},
			Neighbors: [][][][]int{nil, {{{0, 1, 2, 3}}}, nil},
		},
	}
}

func newTestModel(t *testing.T) (*model.Model, *optim.Adam) {
	t.Helper()

	m, err := model.New(&model.Config{
		VocabSize: 5, ChunkLength: 2, DModel: 8, ContextWindow: 2, DHidden: 16, Seed: 5,
	})
	require.NoError(t, err)

	cfg := optim.DefaultConfig()
	cfg.DModel = 8
	cfg.Warmup = 10
	adam, err := optim.NewAdam(m.Params(), cfg)
	require.NoError(t, err)

	return m, adam
}

func TestTrainRecordsLossAndStep(t *testing.T) {
	m, adam := newTestModel(t)

	tracker := &mockTracker{}
	tracker.On("Save", "loss.train", mock.AnythingOfType("float64")).Return(nil)
	tracker.On("AddGlobalStep", 2).Once()
	tracker.On("AddGlobalStep", 3).Once()

	trainer := training.New(m, adam, &staticLoader{batches: testBatches()}, tracker)
	require.NoError(t, trainer.Train(t.Context()))

	tracker.AssertNumberOfCalls(t, "Save", 2)
	tracker.AssertExpectations(t)
	assert.Equal(t, 2, adam.Steps())
}

func TestTrainReducesLoss(t *testing.T) {
	m, adam := newTestModel(t)
	tracker := &memTracker{}
	trainer := training.New(m, adam, &staticLoader{batches: testBatches()[:1]}, tracker)

	for epoch := 0; epoch < 60; epoch++ {
		require.NoError(t, trainer.Train(t.Context()))
	}

	require.Len(t, tracker.losses, 60)
	assert.Less(t, tracker.losses[59], tracker.losses[0])
	assert.Equal(t, 120, tracker.step)
}

// nanModel returns NaN logits.
type nanModel struct {
	backwardCalls int
}

func (m *nanModel) Forward(src [][]int, _ [][][][]int) (*mat.Dense, error) {
	rows := 0
	for _, s := range src {
		rows += len(s)
	}
	logits := mat.NewDense(rows, 5, nil)
	logits.Set(0, 0, math.NaN())
	return logits, nil
}

func (m *nanModel) Backward(*mat.Dense) error {
	m.backwardCalls++
	return nil
}

type countingOptimizer struct {
	steps int
}

func (o *countingOptimizer) Step() float64 {
	o.steps++
	return 0
}

func TestTrainNonFiniteLoss(t *testing.T) {
	lm := &nanModel{}
	opt := &countingOptimizer{}
	tracker := &memTracker{}

	trainer := training.New(lm, opt, &staticLoader{batches: testBatches()}, tracker)
	err := trainer.Train(t.Context())

	assert.ErrorIs(t, err, training.ErrNonFiniteLoss)
	assert.Zero(t, lm.backwardCalls)
	assert.Zero(t, opt.steps)
	assert.Empty(t, tracker.losses)
	assert.Zero(t, tracker.step)
}

func TestTrainTrackerError(t *testing.T) {
	m, adam := newTestModel(t)

	tracker := &mockTracker{}
	tracker.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	trainer := training.New(m, adam, &staticLoader{batches: testBatches()}, tracker)
	assert.Error(t, trainer.Train(t.Context()))
	tracker.AssertNotCalled(t, "AddGlobalStep", mock.Anything)
}

func TestTrainShapeMismatch(t *testing.T) {
	m, adam := newTestModel(t)
	batches := []dataset.Batch{{
		Src:       [][]int{{0, 1}},
		Tgt:       [][]int{{1}},
		Neighbors: [][][][]int{nil},
	}}

	trainer := training.New(m, adam, &staticLoader{batches: batches}, &memTracker{})
	assert.ErrorIs(t, trainer.Train(t.Context()), model.ErrShapeMismatch)
}

func TestTrainCancelled(t *testing.T) {
	m, adam := newTestModel(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	trainer := training.New(m, adam, &staticLoader{batches: testBatches()}, &memTracker{})
	assert.ErrorIs(t, trainer.Train(ctx), context.Canceled)
}
