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

package neighborcache

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e7 // 10M keys
	defaultBufferItems = 64  // default buffer size for ristretto

	sliceHeaderBytes = 24
	offsetBytes      = 8
)

// CostAwareMemoryIndexConfig holds the configuration for the CostAwareMemoryIndex.
type CostAwareMemoryIndexConfig struct {
	// Size is the maximum memory size that can be used by the cache.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryIndexConfig returns a 256MiB budget.
func DefaultCostAwareMemoryIndexConfig() *CostAwareMemoryIndexConfig {
	return &CostAwareMemoryIndexConfig{
		Size: "256MiB",
	}
}

// NewCostAwareMemoryIndex creates a new CostAwareMemoryIndex instance.
func NewCostAwareMemoryIndex(cfg *CostAwareMemoryIndexConfig) (*CostAwareMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware neighbour cache: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []int]{
		NumCounters: defaultNumCounters, // number of keys to track.
		MaxCost:     int64(sizeBytes),   // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems, // number of keys per Get buffer.
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware neighbour cache: %w", err)
	}

	return &CostAwareMemoryIndex{data: cache}, nil
}

// CostAwareMemoryIndex implements the Index interface using a Ristretto
// cache bounded by the estimated memory footprint of its entries.
type CostAwareMemoryIndex struct {
	data *ristretto.Cache[string, []int]
}

var _ Index = &CostAwareMemoryIndex{}

// MaxCost returns the configured memory budget in bytes.
func (m *CostAwareMemoryIndex) MaxCost() int64 {
	return m.data.MaxCost()
}

// EntryCost estimates the bytes held by one cache entry.
func EntryCost(key Key, offsets []int) int64 {
	return int64(len(key.String()) + sliceHeaderBytes + offsetBytes*len(offsets))
}

// Add stores offsets[i] under keys[i].
func (m *CostAwareMemoryIndex) Add(ctx context.Context, keys []Key, offsets [][]int) error {
	if err := validateAdd(keys, offsets); err != nil {
		return err
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.CostAwareMemoryIndex.Add")

	for i, key := range keys {
		if len(offsets[i]) == 0 {
			continue
		}
		cost := EntryCost(key, offsets[i])
		m.data.Set(key.String(), slices.Clone(offsets[i]), cost)
		traceLogger.Info("added offsets to key", "key", key, "offsets", offsets[i], "cost-bytes", cost)
	}
	m.data.Wait()

	return nil
}

// Lookup returns the cached offsets of the keys that were found.
func (m *CostAwareMemoryIndex) Lookup(ctx context.Context, keys []Key) (map[Key][]int, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.CostAwareMemoryIndex.Lookup")

	offsetsPerKey := make(map[Key][]int, len(keys))
	for _, key := range keys {
		if offsets, found := m.data.Get(key.String()); found {
			offsetsPerKey[key] = slices.Clone(offsets)
		} else {
			traceLogger.Info("key not found in cache", "key", key)
		}
	}

	traceLogger.Info("lookup completed", "keys", len(keys), "hits", len(offsetsPerKey))

	return offsetsPerKey, nil
}

// Evict removes a key from the cache.
func (m *CostAwareMemoryIndex) Evict(ctx context.Context, key Key) error {
	m.data.Del(key.String())
	m.data.Wait()

	klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.CostAwareMemoryIndex.Evict").
		Info("evicted key", "key", key)

	return nil
}
