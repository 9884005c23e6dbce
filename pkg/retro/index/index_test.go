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

package index_test

import (
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-retro/pkg/corpus"
	"github.com/llm-d/llm-d-retro/pkg/retro/index"
	"github.com/llm-d/llm-d-retro/pkg/retro/neighborcache"
)

const testChunkLength = 8

// letterCorpus returns 20 chunks, each one letter repeated, so that every
// chunk's nearest neighbour is itself.
func letterCorpus(t *testing.T) *corpus.TextDataset {
	t.Helper()

	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString(strings.Repeat(string(rune('a'+i)), testChunkLength))
	}

	ds, err := corpus.NewTextDataset(sb.String(), 0)
	require.NoError(t, err)
	return ds
}

func newTestIndex(t *testing.T, mutate func(cfg *index.Config)) *index.Index {
	t.Helper()

	cfg := index.DefaultConfig()
	cfg.ChunkLength = testChunkLength
	if mutate != nil {
		mutate(cfg)
	}

	idx, err := index.NewIndex(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexBuild(t *testing.T) {
	idx := newTestIndex(t, nil)

	n, err := idx.Build(t.Context(), letterCorpus(t))
	require.NoError(t, err)

	// offsets o with o + 16 < 160
	assert.Equal(t, 18, n)

	count, err := idx.Store().Count(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 18, count)
}

func TestIndexNeighborsWithoutOffsets(t *testing.T) {
	idx := newTestIndex(t, nil)
	_, err := idx.Build(t.Context(), letterCorpus(t))
	require.NoError(t, err)

	neighbors, err := idx.Neighbors(t.Context(), []string{"cccccccc", "kkkkkkkk"}, nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	require.Len(t, neighbors[0], 2)
	assert.Equal(t, 16, neighbors[0][0])
	require.Len(t, neighbors[1], 2)
	assert.Equal(t, 80, neighbors[1][0])
}

func TestIndexNeighborsExcludesOwnSpan(t *testing.T) {
	idx := newTestIndex(t, nil)
	_, err := idx.Build(t.Context(), letterCorpus(t))
	require.NoError(t, err)

	neighbors, err := idx.Neighbors(t.Context(), []string{"cccccccc"}, []int{16})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.LessOrEqual(t, len(neighbors[0]), 2)

	for _, n := range neighbors[0] {
		assert.True(t, n < 0 || n > 32, "neighbour %d overlaps the query span", n)
	}
}

func TestIndexNeighborsUsesCache(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	idx := newTestIndex(t, func(cfg *index.Config) {
		cfg.NeighborCacheConfig = &neighborcache.IndexConfig{
			RedisConfig: &neighborcache.RedisIndexConfig{Address: server.Addr()},
		}
	})
	_, err = idx.Build(t.Context(), letterCorpus(t))
	require.NoError(t, err)

	first, err := idx.Neighbors(t.Context(), []string{"dddddddd"}, nil)
	require.NoError(t, err)

	keys := server.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "retro:neighbors:"))

	second, err := idx.Neighbors(t.Context(), []string{"dddddddd"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIndexCloseReleasesCache(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := index.DefaultConfig()
	cfg.ChunkLength = testChunkLength
	cfg.NeighborCacheConfig = &neighborcache.IndexConfig{
		RedisConfig:   &neighborcache.RedisIndexConfig{Address: server.Addr()},
		EnableMetrics: true,
	}

	idx, err := index.NewIndex(t.Context(), cfg, nil)
	require.NoError(t, err)
	_, err = idx.Build(t.Context(), letterCorpus(t))
	require.NoError(t, err)

	require.NoError(t, idx.Close())

	_, err = idx.Neighbors(t.Context(), []string{"dddddddd"}, nil)
	assert.ErrorIs(t, err, redis.ErrClosed)
}

func TestIndexNeighborsEmpty(t *testing.T) {
	idx := newTestIndex(t, nil)

	_, err := idx.Neighbors(t.Context(), []string{"aaaaaaaa"}, nil)
	assert.ErrorIs(t, err, index.ErrEmptyIndex)
}

func TestIndexNeighborsOffsetsMismatch(t *testing.T) {
	idx := newTestIndex(t, nil)

	_, err := idx.Neighbors(t.Context(), []string{"aaaaaaaa"}, []int{0, 8})
	assert.Error(t, err)
}

func TestNewIndexInvalidConfig(t *testing.T) {
	cfg := index.DefaultConfig()
	cfg.ChunkLength = 0
	_, err := index.NewIndex(t.Context(), cfg, nil)
	assert.Error(t, err)

	cfg = index.DefaultConfig()
	cfg.FilterConfig = &index.NeighborFilterConfig{Strategy: "Nearest"}
	_, err = index.NewIndex(t.Context(), cfg, nil)
	assert.Error(t, err)
}

func TestExcludeSpanFilter(t *testing.T) {
	filter, err := index.NewNeighborFilter(&index.NeighborFilterConfig{Strategy: index.ExcludeSpan, Span: 8}, 16)
	require.NoError(t, err)
	assert.Equal(t, index.ExcludeSpan, filter.Strategy())

	// distance 24 around offset 100: keep < 76 or > 124
	got := filter.Filter(100, []int{0, 75, 76, 100, 124, 125, 2000})
	assert.Equal(t, []int{0, 75, 125, 2000}, got)
}

func TestNoFilter(t *testing.T) {
	filter, err := index.NewNeighborFilter(&index.NeighborFilterConfig{Strategy: index.NoFilter}, 16)
	require.NoError(t, err)
	assert.Equal(t, index.NoFilter, filter.Strategy())
	assert.Equal(t, []int{100, 101}, filter.Filter(100, []int{100, 101}))
}
