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

// Package sampling generates text from the model, retrieving neighbours
// lazily as the prompt grows.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/corpus"
	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
	"github.com/llm-d/llm-d-retro/pkg/retro/index"
	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

// ErrEmptyPrompt is returned when sampling from an empty prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// PartialChunkPolicy controls retrieval for the trailing short chunk of a
// prompt.
type PartialChunkPolicy string

const (
	// PartialQuery retrieves neighbours for a short trailing chunk once.
	PartialQuery PartialChunkPolicy = "query"
	// PartialSkip retrieves neighbours for complete chunks only.
	PartialSkip PartialChunkPolicy = "skip"
)

const sampledTextKey = "sampled"

// Config holds the configuration for the Sampler.
type Config struct {
	ChunkLength    int                `json:"chunkLength"`
	PartialChunks  PartialChunkPolicy `json:"partialChunks"`
	DecodingConfig *DecodingConfig    `json:"decodingConfig"`
}

// DefaultConfig returns a default configuration for the Sampler.
func DefaultConfig() *Config {
	return &Config{
		ChunkLength:    chunking.DefaultChunkLength,
		PartialChunks:  PartialQuery,
		DecodingConfig: DefaultDecodingConfig(),
	}
}

// LanguageModel scores the token following a sequence.
type LanguageModel interface {
	// NextLogits returns next-token logits for tokens, given the neighbour
	// tokens of each of its chunks.
	NextLogits(tokens []int, neighbors [][][]int) ([]float64, error)
}

// WindowSource returns corpus text windows by offset.
type WindowSource interface {
	Window(offset, length int) (string, error)
}

// TextLogger records generated text.
type TextLogger interface {
	LogText(key, text string) error
}

// Sampler extends prompts one token at a time.
type Sampler struct {
	config    *Config
	partial   bool
	model     LanguageModel
	retriever index.Retriever
	windows   WindowSource
	tokenizer corpus.Tokenizer
	decoder   Decoder
	texts     TextLogger
}

// New creates a Sampler. texts may be nil.
func New(config *Config, model LanguageModel, retriever index.Retriever, windows WindowSource,
	tokenizer corpus.Tokenizer, texts TextLogger,
) (*Sampler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkLength <= 0 {
		return nil, fmt.Errorf("chunk length must be positive, got %d", config.ChunkLength)
	}

	var partial bool
	switch config.PartialChunks {
	case PartialQuery, "":
		partial = true
	case PartialSkip:
	default:
		return nil, fmt.Errorf("unsupported partial chunk policy: %s", config.PartialChunks)
	}

	decoder, err := NewDecoder(config.DecodingConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	metrics.Register()

	return &Sampler{
		config:    config,
		partial:   partial,
		model:     model,
		retriever: retriever,
		windows:   windows,
		tokenizer: tokenizer,
		decoder:   decoder,
		texts:     texts,
	}, nil
}

// GetNeighbours retrieves the neighbours of one chunk and returns their
// corpus windows of twice the chunk length.
func (s *Sampler) GetNeighbours(ctx context.Context, chunk string) ([]string, error) {
	neighbors, err := s.retriever.Neighbors(ctx, []string{chunk}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve neighbours: %w", err)
	}
	if len(neighbors) != 1 {
		return nil, fmt.Errorf("retriever returned %d neighbour lists for one chunk", len(neighbors))
	}

	windows := make([]string, len(neighbors[0]))
	for i, offset := range neighbors[0] {
		window, err := s.windows.Window(offset, 2*s.config.ChunkLength)
		if err != nil {
			return nil, fmt.Errorf("failed to read neighbour window: %w", err)
		}
		windows[i] = window
	}

	return windows, nil
}

// Sample generates sampleLen characters following prompt and returns them.
func (s *Sampler) Sample(ctx context.Context, prompt string, sampleLen int) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	logger := klog.FromContext(ctx).WithName("sampling.Sampler.Sample")
	traceLogger := logger.V(logging.TRACE)

	tokens, err := s.tokenizer.Encode(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}

	buf := NewTokenBuffer(s.config.ChunkLength, prompt, tokens)

	var out strings.Builder
	for i := 0; i < sampleLen; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if err := s.retrievePending(ctx, buf); err != nil {
			return "", err
		}

		logits, err := s.model.NextLogits(buf.Tokens(), buf.Neighbors())
		if err != nil {
			return "", fmt.Errorf("failed to run model: %w", err)
		}

		next := s.decoder.Decode(logits)
		text, err := s.tokenizer.Decode([]int{next})
		if err != nil {
			return "", fmt.Errorf("failed to decode token: %w", err)
		}

		buf.Append(text, []int{next})
		out.WriteString(text)
		metrics.SampledTokens.Inc()
		traceLogger.Info("sampled token", "token", next, "text", text, "cursor", buf.Cursor())
	}

	logger.V(logging.DEBUG).Info("sampled", "prompt", prompt, "length", sampleLen, "retrievals", buf.Cursor())

	if s.texts != nil {
		if err := s.texts.LogText(sampledTextKey, buf.Text()); err != nil {
			return "", err
		}
	}

	return out.String(), nil
}

// retrievePending fetches and encodes neighbours for every chunk of buf not
// covered yet.
func (s *Sampler) retrievePending(ctx context.Context, buf *TokenBuffer) error {
	for _, chunk := range buf.Pending(s.partial) {
		windows, err := s.GetNeighbours(ctx, chunk.Text)
		if err != nil {
			return err
		}

		encoded := make([][]int, len(windows))
		for i, w := range windows {
			if encoded[i], err = s.tokenizer.Encode(w); err != nil {
				return fmt.Errorf("failed to encode neighbour: %w", err)
			}
		}

		buf.AddNeighbors(encoded)
	}

	return nil
}
