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

package index

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// NeighborFilterStrategy defines how retrieved candidates are filtered
// against the position of the query chunk.
type NeighborFilterStrategy string

const (
	// ExcludeSpan drops candidates overlapping the query chunk's own
	// neighbourhood in the corpus.
	ExcludeSpan NeighborFilterStrategy = "ExcludeSpan"
	// NoFilter keeps every candidate.
	NoFilter NeighborFilterStrategy = "None"
)

const defaultExcludeNeighborSpan = 8

// NeighborFilterConfig holds the configuration for the NeighborFilter.
type NeighborFilterConfig struct {
	Strategy NeighborFilterStrategy `json:"strategy"`
	// Span is the extra distance, beyond one chunk length, that a candidate
	// must keep from the query offset.
	Span int `json:"span"`
}

// DefaultNeighborFilterConfig returns the ExcludeSpan strategy with a span of 8.
func DefaultNeighborFilterConfig() *NeighborFilterConfig {
	return &NeighborFilterConfig{
		Strategy: ExcludeSpan,
		Span:     defaultExcludeNeighborSpan,
	}
}

// NeighborFilter removes candidates that must not be used as neighbours of
// the chunk at offset.
type NeighborFilter interface {
	// Strategy returns the filter strategy type.
	Strategy() NeighborFilterStrategy
	// Filter returns the kept candidates in their original order.
	Filter(offset int, candidates []int) []int
}

// NewNeighborFilter creates a new NeighborFilter based on the provided strategy.
func NewNeighborFilter(config *NeighborFilterConfig, chunkLength int) (NeighborFilter, error) {
	if config == nil {
		config = DefaultNeighborFilterConfig()
	}

	switch config.Strategy {
	case ExcludeSpan:
		return &ExcludeSpanFilter{Distance: chunkLength + config.Span}, nil
	case NoFilter:
		return &passThroughFilter{}, nil
	default:
		return nil, fmt.Errorf("unsupported neighbour filter strategy: %s", config.Strategy)
	}
}

// ExcludeSpanFilter keeps candidates strictly further than Distance from the
// query offset, so that training samples never retrieve their own text.
type ExcludeSpanFilter struct {
	Distance int
}

// Strategy returns the strategy type: ExcludeSpan.
func (f *ExcludeSpanFilter) Strategy() NeighborFilterStrategy {
	return ExcludeSpan
}

// Filter implements the span exclusion.
func (f *ExcludeSpanFilter) Filter(offset int, candidates []int) []int {
	kept := make([]int, 0, len(candidates))
	for _, n := range candidates {
		if n < offset-f.Distance || n > offset+f.Distance {
			kept = append(kept, n)
		}
	}

	return kept
}

type passThroughFilter struct{}

func (f *passThroughFilter) Strategy() NeighborFilterStrategy {
	return NoFilter
}

func (f *passThroughFilter) Filter(_ int, candidates []int) []int {
	return candidates
}

// dedupe drops repeated offsets, keeping first occurrences.
func dedupe(offsets []int) []int {
	seen := sets.New[int]()
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if seen.Has(o) {
			continue
		}
		seen.Insert(o)
		out = append(out, o)
	}

	return out
}
