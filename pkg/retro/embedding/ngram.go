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
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultDimensions = 256
	defaultMinN       = 1
	defaultMaxN       = 3
)

// NGramConfig holds the configuration for the NGramEmbedder.
type NGramConfig struct {
	// Dimensions is the embedding size.
	Dimensions int `json:"dimensions"`
	// MinN and MaxN bound the n-gram lengths, in characters.
	MinN int `json:"minN"`
	MaxN int `json:"maxN"`
	// CaseSensitive keeps letter case when hashing.
	CaseSensitive bool `json:"caseSensitive"`
}

// DefaultNGramConfig returns 256 dimensions over 1..3-grams.
func DefaultNGramConfig() *NGramConfig {
	return &NGramConfig{
		Dimensions: defaultDimensions,
		MinN:       defaultMinN,
		MaxN:       defaultMaxN,
	}
}

// NGramEmbedder embeds text as a signed feature-hashed bag of character
// n-grams, normalized to unit length. It needs no model and is
// deterministic.
type NGramEmbedder struct {
	cfg NGramConfig
}

var _ Embedder = &NGramEmbedder{}

// NewNGramEmbedder creates a new NGramEmbedder.
func NewNGramEmbedder(cfg *NGramConfig) (*NGramEmbedder, error) {
	if cfg == nil {
		cfg = DefaultNGramConfig()
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.MinN <= 0 || cfg.MaxN < cfg.MinN {
		return nil, fmt.Errorf("invalid n-gram range [%d, %d]", cfg.MinN, cfg.MaxN)
	}

	return &NGramEmbedder{cfg: *cfg}, nil
}

// Embed returns the n-gram embedding of text.
func (e *NGramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if !e.cfg.CaseSensitive {
		text = strings.ToLower(text)
	}

	runes := []rune(text)
	vec := make([]float32, e.cfg.Dimensions)

	var digest xxhash.Digest
	for n := e.cfg.MinN; n <= e.cfg.MaxN; n++ {
		for i := 0; i+n <= len(runes); i++ {
			digest.Reset()
			_, _ = digest.Write([]byte{byte(n)})
			_, _ = digest.WriteString(string(runes[i : i+n]))

			pos, sign := bucket(digest.Sum64(), e.cfg.Dimensions)
			vec[pos] += sign
		}
	}

	return normalize(vec), nil
}
