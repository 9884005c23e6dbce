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

// Package dataset builds the retrieval-augmented training set: fixed-length
// samples of the training text paired with the neighbours of each of their
// chunks.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
	"github.com/llm-d/llm-d-retro/pkg/retro/index"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultChunksPerSample = 32
	defaultSkipRange       = 8
	defaultConcurrency     = 4
	defaultFileName        = "retro_train_dataset.json"
)

// Config holds the configuration for building the dataset.
type Config struct {
	// ChunkLength is the number of characters per chunk.
	ChunkLength int `json:"chunkLength"`
	// ChunksPerSample is the number of chunks in each source sequence.
	ChunksPerSample int `json:"chunksPerSample"`
	// SkipRange bounds the random gap between consecutive samples, drawn
	// from [0, SkipRange). Zero or one means no gap.
	SkipRange int    `json:"skipRange"`
	Seed      uint64 `json:"seed"`
	// FileName is the artifact name inside the data directory.
	FileName string `json:"fileName"`
	// Concurrency bounds the in-flight retrieval requests during Build.
	Concurrency int `json:"concurrency"`

	LoaderConfig *LoaderConfig `json:"loaderConfig"`
}

// DefaultConfig returns a default configuration for the dataset.
func DefaultConfig() *Config {
	return &Config{
		ChunkLength:     chunking.DefaultChunkLength,
		ChunksPerSample: defaultChunksPerSample,
		SkipRange:       defaultSkipRange,
		FileName:        defaultFileName,
		Concurrency:     defaultConcurrency,
		LoaderConfig:    DefaultLoaderConfig(),
	}
}

// Path returns the artifact path inside dataDir.
func (c *Config) Path(dataDir string) string {
	return filepath.Join(dataDir, c.FileName)
}

// SampleLength returns the number of characters read from the text per
// sample: the source plus one character of lookahead for the target.
func (c *Config) SampleLength() int {
	return c.ChunksPerSample*c.ChunkLength + 1
}

// Sample is one training example. It is serialized as the JSON triple
// [src, tgt, neighbours].
type Sample struct {
	Src string
	Tgt string
	// Neighbors holds, per chunk of Src, the corpus windows of its
	// neighbours.
	Neighbors [][]string
}

// MarshalJSON encodes the sample as a three element array.
func (s Sample) MarshalJSON() ([]byte, error) {
	neighbors := s.Neighbors
	if neighbors == nil {
		neighbors = [][]string{}
	}

	return json.Marshal([]any{s.Src, s.Tgt, neighbors})
}

// UnmarshalJSON decodes a three element array.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) != 3 {
		return fmt.Errorf("expected a [src, tgt, neighbours] triple, got %d fields", len(fields))
	}

	if err := json.Unmarshal(fields[0], &s.Src); err != nil {
		return fmt.Errorf("failed to decode src: %w", err)
	}
	if err := json.Unmarshal(fields[1], &s.Tgt); err != nil {
		return fmt.Errorf("failed to decode tgt: %w", err)
	}
	if err := json.Unmarshal(fields[2], &s.Neighbors); err != nil {
		return fmt.Errorf("failed to decode neighbours: %w", err)
	}

	return nil
}

// Build walks the training text of src with random gaps, and retrieves the
// neighbours of every chunk of every sample. Samples are returned in text
// order.
func Build(ctx context.Context, src index.TextSource, retriever index.Retriever, config *Config) ([]Sample, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkLength <= 0 || config.ChunksPerSample <= 0 || config.SkipRange < 0 {
		return nil, fmt.Errorf("invalid dataset configuration: chunk length %d, chunks per sample %d, skip range %d",
			config.ChunkLength, config.ChunksPerSample, config.SkipRange)
	}

	logger := klog.FromContext(ctx).WithName("dataset.Build")

	starts := sampleOffsets(src.TrainLen(), config)
	logger.Info("building dataset", "samples", len(starts))

	samples := make([]Sample, len(starts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(config.Concurrency, 1))

	for i, start := range starts {
		g.Go(func() error {
			sample, err := buildSample(gctx, src, retriever, config, start)
			if err != nil {
				return fmt.Errorf("failed to build sample at offset %d: %w", start, err)
			}

			samples[i] = sample
			logger.V(logging.TRACE).Info("built sample", "offset", start)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return samples, nil
}

// sampleOffsets returns the start offset of every sample.
func sampleOffsets(trainLen int, config *Config) []int {
	rng := rand.New(rand.NewPCG(config.Seed, config.Seed)) //nolint:gosec // reproducible sampling
	sampleLen := config.SampleLength()

	var starts []int
	for i := 0; ; {
		if config.SkipRange > 0 {
			i += rng.IntN(config.SkipRange)
		}
		if i+sampleLen > trainLen {
			break
		}

		starts = append(starts, i)
		i += sampleLen
	}

	return starts
}

func buildSample(ctx context.Context, src index.TextSource, retriever index.Retriever,
	config *Config, start int,
) (Sample, error) {
	text, err := src.Slice(start, start+config.SampleLength())
	if err != nil {
		return Sample{}, err
	}

	runes := []rune(text)
	sample := Sample{
		Src: string(runes[:len(runes)-1]),
		Tgt: string(runes[1:]),
	}

	chunks := chunking.Split(runes[:len(runes)-1], config.ChunkLength, false)
	texts := make([]string, len(chunks))
	offsets := make([]int, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
		offsets[i] = start + chunk.Offset
	}

	neighbors, err := retriever.Neighbors(ctx, texts, offsets)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to retrieve neighbours: %w", err)
	}

	sample.Neighbors = make([][]string, len(neighbors))
	for i, chunkNeighbors := range neighbors {
		sample.Neighbors[i] = make([]string, len(chunkNeighbors))
		for j, offset := range chunkNeighbors {
			window, err := src.Slice(offset, offset+2*config.ChunkLength)
			if err != nil {
				return Sample{}, err
			}
			sample.Neighbors[i][j] = window
		}
	}

	return sample, nil
}

// Save writes samples to path as a JSON array.
func Save(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if samples == nil {
		samples = []Sample{}
	}
	if err := json.NewEncoder(w).Encode(samples); err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}

	return f.Close()
}

// Load reads samples written by Save.
func Load(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	var samples []Sample
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&samples); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}

	return samples, nil
}
