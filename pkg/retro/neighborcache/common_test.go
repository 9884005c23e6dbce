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

package neighborcache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/llm-d/llm-d-retro/pkg/retro/neighborcache"
)

// testCommonIndexBehavior runs a comprehensive test suite for any Index implementation.
// indexFactory should return a fresh index instance for each test to ensure test isolation.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		index := indexFactory(t)
		testBasicAddAndLookup(t, ctx, index)
	})

	t.Run("PartialHits", func(t *testing.T) {
		index := indexFactory(t)
		testPartialHits(t, ctx, index)
	})

	t.Run("OverwriteKeepsOrder", func(t *testing.T) {
		index := indexFactory(t)
		testOverwriteKeepsOrder(t, ctx, index)
	})

	t.Run("EmptyOffsetsSkipped", func(t *testing.T) {
		index := indexFactory(t)
		testEmptyOffsetsSkipped(t, ctx, index)
	})

	t.Run("MismatchedAdd", func(t *testing.T) {
		index := indexFactory(t)
		testMismatchedAdd(t, ctx, index)
	})

	t.Run("EvictBasic", func(t *testing.T) {
		index := indexFactory(t)
		testEvictBasic(t, ctx, index)
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		index := indexFactory(t)
		testConcurrentOperations(t, ctx, index)
	})
}

// testBasicAddAndLookup tests basic Add and Lookup functionality.
func testBasicAddAndLookup(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ChunkLength: 16, ChunkHash: 12345}

	err := index.Add(ctx, []Key{key}, [][]int{{64, 1024, 32}})
	require.NoError(t, err)

	offsetsPerKey, err := index.Lookup(ctx, []Key{key})
	require.NoError(t, err)
	assert.Len(t, offsetsPerKey, 1)
	assert.Equal(t, []int{64, 1024, 32}, offsetsPerKey[key])
}

// testPartialHits verifies that missing keys are absent from the result.
func testPartialHits(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	hit := Key{ChunkLength: 16, ChunkHash: 1}
	miss := Key{ChunkLength: 16, ChunkHash: 2}

	require.NoError(t, index.Add(ctx, []Key{hit}, [][]int{{7}}))

	offsetsPerKey, err := index.Lookup(ctx, []Key{miss, hit})
	require.NoError(t, err)
	assert.Len(t, offsetsPerKey, 1)
	assert.Equal(t, []int{7}, offsetsPerKey[hit])
	assert.NotContains(t, offsetsPerKey, miss)

	offsetsPerKey, err = index.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, offsetsPerKey)
}

// testOverwriteKeepsOrder verifies that re-adding a key replaces its offsets.
func testOverwriteKeepsOrder(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key := Key{ChunkLength: 16, ChunkHash: 54321}

	require.NoError(t, index.Add(ctx, []Key{key}, [][]int{{1, 2, 3}}))
	require.NoError(t, index.Add(ctx, []Key{key}, [][]int{{9, 8}}))

	offsetsPerKey, err := index.Lookup(ctx, []Key{key})
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8}, offsetsPerKey[key])
}

// testEmptyOffsetsSkipped verifies that keys without offsets are not cached.
func testEmptyOffsetsSkipped(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	empty := Key{ChunkLength: 16, ChunkHash: 3}
	full := Key{ChunkLength: 16, ChunkHash: 4}

	require.NoError(t, index.Add(ctx, []Key{empty, full}, [][]int{nil, {5}}))

	offsetsPerKey, err := index.Lookup(ctx, []Key{empty, full})
	require.NoError(t, err)
	assert.Len(t, offsetsPerKey, 1)
	assert.Contains(t, offsetsPerKey, full)
}

// testMismatchedAdd verifies that keys and offsets must line up.
func testMismatchedAdd(t *testing.T, ctx context.Context, index Index) {
	t.Helper()

	err := index.Add(ctx, []Key{{ChunkLength: 16, ChunkHash: 5}}, [][]int{{1}, {2}})
	assert.Error(t, err)

	err = index.Add(ctx, nil, nil)
	assert.Error(t, err)
}

// testEvictBasic tests basic eviction functionality.
func testEvictBasic(t *testing.T, ctx context.Context, index Index) {
	t.Helper()
	key1 := Key{ChunkLength: 16, ChunkHash: 11111}
	key2 := Key{ChunkLength: 16, ChunkHash: 22222}

	require.NoError(t, index.Add(ctx, []Key{key1, key2}, [][]int{{1}, {2}}))
	require.NoError(t, index.Evict(ctx, key1))

	offsetsPerKey, err := index.Lookup(ctx, []Key{key1, key2})
	require.NoError(t, err)
	assert.Len(t, offsetsPerKey, 1)
	assert.Contains(t, offsetsPerKey, key2)

	// evicting a missing key is a no-op
	require.NoError(t, index.Evict(ctx, key1))
}

// testConcurrentOperations tests thread safety with concurrent operations.
func testConcurrentOperations(t *testing.T, ctx context.Context, index Index) {
	t.Helper()

	var wg sync.WaitGroup
	errChan := make(chan error, 1000)

	for goroutineID := 0; goroutineID < 50; goroutineID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := Key{ChunkLength: 16, ChunkHash: uint64(id)}
			for operationIndex := 0; operationIndex < 10; operationIndex++ {
				switch operationIndex % 3 {
				case 0:
					if err := index.Add(ctx, []Key{key}, [][]int{{id, operationIndex}}); err != nil {
						errChan <- fmt.Errorf("add: %w", err)
					}
				case 1:
					if _, err := index.Lookup(ctx, []Key{key}); err != nil {
						errChan <- fmt.Errorf("lookup: %w", err)
					}
				case 2:
					if err := index.Evict(ctx, key); err != nil {
						errChan <- fmt.Errorf("evict: %w", err)
					}
				}
			}
		}(goroutineID)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	// last operation per goroutine (index 9) is an Add
	for id := 0; id < 50; id++ {
		key := Key{ChunkLength: 16, ChunkHash: uint64(id)}
		offsetsPerKey, err := index.Lookup(ctx, []Key{key})
		require.NoError(t, err)
		assert.Equal(t, []int{id, 9}, offsetsPerKey[key])
	}
}
