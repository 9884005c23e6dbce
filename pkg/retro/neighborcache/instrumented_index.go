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
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
)

type instrumentedIndex struct {
	next Index
}

// NewInstrumentedIndex wraps an Index and emits metrics for Add, Evict, and
// Lookup.
func NewInstrumentedIndex(next Index) Index {
	return &instrumentedIndex{next: next}
}

func (m *instrumentedIndex) Add(ctx context.Context, keys []Key, offsets [][]int) error {
	err := m.next.Add(ctx, keys, offsets)
	if err == nil {
		metrics.Admissions.Add(float64(len(keys)))
	}
	return err
}

func (m *instrumentedIndex) Evict(ctx context.Context, key Key) error {
	err := m.next.Evict(ctx, key)
	if err == nil {
		metrics.Evictions.Inc()
	}
	return err
}

func (m *instrumentedIndex) Lookup(ctx context.Context, keys []Key) (map[Key][]int, error) {
	timer := prometheus.NewTimer(metrics.LookupLatency)
	defer timer.ObserveDuration()

	metrics.LookupRequests.Inc()

	offsets, err := m.next.Lookup(ctx, keys)
	if err == nil {
		metrics.LookupHits.Add(float64(len(offsets)))
	}

	return offsets, err
}

// Close closes the wrapped Index if it holds resources.
func (m *instrumentedIndex) Close() error {
	if closer, ok := m.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
