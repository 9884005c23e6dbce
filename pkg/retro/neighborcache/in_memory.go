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

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const defaultInMemoryIndexSize = 1 << 20 // number of chunk keys

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of keys that can be stored in the cache.
	Size int `json:"size"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size: defaultInMemoryIndexSize,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[Key, []int](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory neighbour cache: %w", err)
	}

	return &InMemoryIndex{data: cache}, nil
}

// InMemoryIndex is an LRU-bounded in-memory implementation of the Index
// interface.
type InMemoryIndex struct {
	// data holds the mapping of keys to candidate offsets. thread-safe.
	data *lru.Cache[Key, []int]
}

var _ Index = &InMemoryIndex{}

// Lookup returns the cached offsets of the keys that were found.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key) (map[Key][]int, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.InMemoryIndex.Lookup")

	offsetsPerKey := make(map[Key][]int, len(keys))
	for _, key := range keys {
		if offsets, found := m.data.Get(key); found {
			offsetsPerKey[key] = slices.Clone(offsets)
		} else {
			traceLogger.Info("key not found in cache", "key", key)
		}
	}

	traceLogger.Info("lookup completed", "keys", len(keys), "hits", len(offsetsPerKey))

	return offsetsPerKey, nil
}

// Add stores offsets[i] under keys[i].
func (m *InMemoryIndex) Add(ctx context.Context, keys []Key, offsets [][]int) error {
	if err := validateAdd(keys, offsets); err != nil {
		return err
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.InMemoryIndex.Add")

	for i, key := range keys {
		if len(offsets[i]) == 0 {
			continue
		}
		m.data.Add(key, slices.Clone(offsets[i]))
		traceLogger.Info("added offsets to key", "key", key, "offsets", offsets[i])
	}

	return nil
}

// Evict removes a key from the cache.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key) error {
	if m.data.Remove(key) {
		klog.FromContext(ctx).V(logging.TRACE).WithName("neighborcache.InMemoryIndex.Evict").
			Info("evicted key", "key", key)
	}

	return nil
}
