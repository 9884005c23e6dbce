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
	"time"

	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
)

// IndexConfig holds the configuration for the neighbour cache.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// InMemoryConfig holds the configuration for the in-memory cache.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware memory cache.
	CostAwareMemoryConfig *CostAwareMemoryIndexConfig `json:"costAwareMemoryConfig"`
	// RedisConfig holds the configuration for the Redis cache.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`

	// EnableMetrics toggles whether admissions/evictions/hits/lookups are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultIndexConfig returns a default configuration for the neighbour cache.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
		EnableMetrics:  false,
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory neighbour cache: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		idx, err = NewCostAwareMemoryIndex(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware neighbour cache: %w", err)
		}
	case cfg.RedisConfig != nil:
		idx, err = NewRedisIndex(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis neighbour cache: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid neighbour cache configuration provided")
	}

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return idx, nil
}

// Index caches the candidate neighbour offsets retrieved for a chunk, keyed
// by the chunk's content. Cached candidates are unfiltered: the retriever
// applies per-query exclusion on top.
//
// Index operations are thread-safe and can be performed concurrently.
// Backends holding connections also implement io.Closer.
type Index interface {
	// Lookup receives a list of keys and returns the cached offsets of the
	// keys that were found. Missing keys are absent from the result.
	Lookup(ctx context.Context, keys []Key) (map[Key][]int, error)
	// Add stores offsets[i] under keys[i]. Keys with no offsets are skipped.
	Add(ctx context.Context, keys []Key, offsets [][]int) error
	// Evict removes a key from the cache.
	Evict(ctx context.Context, key Key) error
}

// Key identifies a chunk by its length and content hash.
type Key struct {
	ChunkLength int
	ChunkHash   uint64
}

// String returns a string representation of the Key.
func (k *Key) String() string {
	return fmt.Sprintf("%d@%d", k.ChunkLength, k.ChunkHash)
}

func validateAdd(keys []Key, offsets [][]int) error {
	if len(keys) == 0 {
		return fmt.Errorf("no keys provided for adding to neighbour cache")
	}
	if len(keys) != len(offsets) {
		return fmt.Errorf("got %d keys but %d offset lists", len(keys), len(offsets))
	}

	return nil
}
