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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
	"github.com/llm-d/llm-d-retro/pkg/retro/neighborcache"
)

func TestNewInstrumentedIndex(t *testing.T) {
	baseIndex, err := neighborcache.NewInMemoryIndex(nil)
	require.NoError(t, err)

	instrumented := neighborcache.NewInstrumentedIndex(baseIndex)
	assert.NotNil(t, instrumented)
	assert.Implements(t, (*neighborcache.Index)(nil), instrumented)
}

func TestInstrumentedIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) neighborcache.Index {
		t.Helper()
		baseIndex, err := neighborcache.NewInMemoryIndex(nil)
		require.NoError(t, err)
		return neighborcache.NewInstrumentedIndex(baseIndex)
	})
}

func TestInstrumentedIndexCounts(t *testing.T) {
	baseIndex, err := neighborcache.NewInMemoryIndex(nil)
	require.NoError(t, err)
	instrumented := neighborcache.NewInstrumentedIndex(baseIndex)

	ctx := t.Context()
	admissions := testutil.ToFloat64(metrics.Admissions)
	lookups := testutil.ToFloat64(metrics.LookupRequests)
	hits := testutil.ToFloat64(metrics.LookupHits)
	evictions := testutil.ToFloat64(metrics.Evictions)

	key := neighborcache.Key{ChunkLength: 8, ChunkHash: 99}
	miss := neighborcache.Key{ChunkLength: 8, ChunkHash: 100}
	require.NoError(t, instrumented.Add(ctx, []neighborcache.Key{key}, [][]int{{1}}))
	_, err = instrumented.Lookup(ctx, []neighborcache.Key{key, miss})
	require.NoError(t, err)
	require.NoError(t, instrumented.Evict(ctx, key))

	assert.InDelta(t, admissions+1, testutil.ToFloat64(metrics.Admissions), 1e-9)
	assert.InDelta(t, lookups+1, testutil.ToFloat64(metrics.LookupRequests), 1e-9)
	assert.InDelta(t, hits+1, testutil.ToFloat64(metrics.LookupHits), 1e-9)
	assert.InDelta(t, evictions+1, testutil.ToFloat64(metrics.Evictions), 1e-9)
}
