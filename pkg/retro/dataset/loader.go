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

package dataset

import (
	"fmt"
	"math/rand/v2"

	"github.com/llm-d/llm-d-retro/pkg/corpus"
)

const defaultBatchSize = 4

// LoaderConfig holds the configuration for batching encoded samples.
type LoaderConfig struct {
	BatchSize int    `json:"batchSize"`
	Shuffle   bool   `json:"shuffle"`
	Seed      uint64 `json:"seed"`
}

// DefaultLoaderConfig returns a default configuration for the Loader.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		BatchSize: defaultBatchSize,
		Shuffle:   true,
	}
}

// Batch is a minibatch of encoded samples.
type Batch struct {
	// Src and Tgt are [batch][position] token ids.
	Src [][]int
	Tgt [][]int
	// Neighbors is [batch][chunk][neighbour][2*chunk length] token ids.
	Neighbors [][][][]int
}

type encodedSample struct {
	src       []int
	tgt       []int
	neighbors [][][]int
}

// Loader yields encoded batches, one pass per epoch.
type Loader struct {
	samples   []encodedSample
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewLoader encodes samples with tokenizer once.
func NewLoader(samples []Sample, tokenizer corpus.Tokenizer, config *LoaderConfig) (*Loader, error) {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	encoded := make([]encodedSample, len(samples))
	for i, s := range samples {
		src, err := tokenizer.Encode(s.Src)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sample %d: %w", i, err)
		}
		tgt, err := tokenizer.Encode(s.Tgt)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sample %d: %w", i, err)
		}
		if len(src) != len(tgt) {
			return nil, fmt.Errorf("sample %d: src has %d tokens but tgt has %d", i, len(src), len(tgt))
		}

		neighbors := make([][][]int, len(s.Neighbors))
		for c, chunk := range s.Neighbors {
			neighbors[c] = make([][]int, len(chunk))
			for n, text := range chunk {
				if neighbors[c][n], err = tokenizer.Encode(text); err != nil {
					return nil, fmt.Errorf("failed to encode neighbour of sample %d: %w", i, err)
				}
			}
		}

		encoded[i] = encodedSample{src: src, tgt: tgt, neighbors: neighbors}
	}

	return &Loader{
		samples:   encoded,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed)), //nolint:gosec // reproducible shuffling
	}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Batches returns the batches of one epoch. Successive calls reshuffle when
// shuffling is enabled.
func (l *Loader) Batches() []Batch {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, l.Len())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))

		var batch Batch
		for _, i := range order[start:end] {
			s := l.samples[i]
			batch.Src = append(batch.Src, s.src)
			batch.Tgt = append(batch.Tgt, s.tgt)
			batch.Neighbors = append(batch.Neighbors, s.neighbors)
		}
		batches = append(batches, batch)
	}

	return batches
}
