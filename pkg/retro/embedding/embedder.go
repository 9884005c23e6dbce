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

// Package embedding turns chunk text into dense vectors for nearest-neighbour
// search.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Embedder maps text to a vector. Vectors of one Embedder share a dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TokenEncoder converts text to subword token ids for a named model.
type TokenEncoder interface {
	Encode(input, modelName string) ([]uint32, error)
}

// Kind names an embedder implementation.
type Kind string

const (
	KindNGram    Kind = "ngram"
	KindTokenBag Kind = "tokenBag"
	KindOllama   Kind = "ollama"
)

// Config holds the configuration for the embedder.
// If multiple embedders are configured, only the first one will be used, in
// field order. The default sets NGramConfig, so a config file selecting
// another embedder must set `ngramConfig: null`.
type Config struct {
	// NGramConfig configures the hashed character n-gram embedder.
	NGramConfig *NGramConfig `json:"ngramConfig"`
	// TokenBagConfig configures the hashed subword token embedder.
	TokenBagConfig *TokenBagConfig `json:"tokenBagConfig"`
	// OllamaConfig configures embeddings served by an Ollama server.
	OllamaConfig *OllamaConfig `json:"ollamaConfig"`
}

// DefaultConfig returns a config using the n-gram embedder.
func DefaultConfig() *Config {
	return &Config{
		NGramConfig: DefaultNGramConfig(),
	}
}

// Selected returns the kind of embedder NewEmbedder creates from c, or an
// empty Kind if none is configured.
func (c *Config) Selected() Kind {
	if c == nil {
		return KindNGram
	}

	switch {
	case c.NGramConfig != nil:
		return KindNGram
	case c.TokenBagConfig != nil:
		return KindTokenBag
	case c.OllamaConfig != nil:
		return KindOllama
	default:
		return ""
	}
}

// NeedsTokenEncoder reports whether the selected embedder encodes text with
// a subword tokenizer.
func (c *Config) NeedsTokenEncoder() bool {
	return c.Selected() == KindTokenBag
}

// NewEmbedder creates the configured Embedder. encoder is only required by
// the token bag embedder.
func NewEmbedder(cfg *Config, encoder TokenEncoder) (Embedder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Selected() {
	case KindNGram:
		return NewNGramEmbedder(cfg.NGramConfig)
	case KindTokenBag:
		if encoder == nil {
			return nil, fmt.Errorf("token bag embedder requires a token encoder")
		}
		return NewTokenBagEmbedder(cfg.TokenBagConfig, encoder)
	case KindOllama:
		return NewOllamaEmbedder(cfg.OllamaConfig)
	default:
		return nil, fmt.Errorf("no valid embedder configuration provided")
	}
}

// normalize scales v to unit L2 norm in place. A zero vector becomes the
// first basis vector so that cosine similarity stays defined.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}

	if sum == 0 {
		if len(v) > 0 {
			v[0] = 1
		}
		return v
	}

	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}

	return v
}

// bucket maps a hash to a vector position and a sign.
func bucket(h uint64, dims int) (int, float32) {
	sign := float32(1)
	if h>>63 == 1 {
		sign = -1
	}

	return int(h % uint64(dims)), sign //nolint:gosec // dims is positive
}
