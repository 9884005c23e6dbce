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

package embedding

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const defaultTokenBagModel = "google-bert/bert-base-uncased"

// TokenBagConfig holds the configuration for the TokenBagEmbedder.
type TokenBagConfig struct {
	// ModelName selects the tokenizer.
	ModelName string `json:"modelName"`
	// Dimensions is the embedding size.
	Dimensions int `json:"dimensions"`
}

// DefaultTokenBagConfig returns a BERT tokenizer with 256 dimensions.
func DefaultTokenBagConfig() *TokenBagConfig {
	return &TokenBagConfig{
		ModelName:  defaultTokenBagModel,
		Dimensions: defaultDimensions,
	}
}

// TokenBagEmbedder embeds text as a feature-hashed bag of subword tokens.
type TokenBagEmbedder struct {
	cfg     TokenBagConfig
	encoder TokenEncoder
}

var _ Embedder = &TokenBagEmbedder{}

// NewTokenBagEmbedder creates a new TokenBagEmbedder.
func NewTokenBagEmbedder(cfg *TokenBagConfig, encoder TokenEncoder) (*TokenBagEmbedder, error) {
	if cfg == nil {
		cfg = DefaultTokenBagConfig()
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}

	return &TokenBagEmbedder{cfg: *cfg, encoder: encoder}, nil
}

// Embed returns the token bag embedding of text.
func (e *TokenBagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	ids, err := e.encoder.Encode(text, e.cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize chunk: %w", err)
	}

	vec := make([]float32, e.cfg.Dimensions)
	var buf [4]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[:], id)
		pos, sign := bucket(xxhash.Sum64(buf[:]), e.cfg.Dimensions)
		vec[pos] += sign
	}

	return normalize(vec), nil
}
