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

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaConfig holds the configuration for Ollama-served embeddings.
type OllamaConfig struct {
	ServerURL string `json:"serverURL"`
	Model     string `json:"model"`
}

// DefaultOllamaConfig returns a local Ollama server with nomic-embed-text.
func DefaultOllamaConfig() *OllamaConfig {
	return &OllamaConfig{
		ServerURL: "http://localhost:11434",
		Model:     "nomic-embed-text",
	}
}

// OllamaEmbedder embeds text with a model served by Ollama.
type OllamaEmbedder struct {
	embedder embeddings.Embedder
}

var _ Embedder = &OllamaEmbedder{}

// NewOllamaEmbedder creates a new OllamaEmbedder.
func NewOllamaEmbedder(cfg *OllamaConfig) (*OllamaEmbedder, error) {
	if cfg == nil {
		cfg = DefaultOllamaConfig()
	}

	llm, err := ollama.New(
		ollama.WithServerURL(cfg.ServerURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
	}

	return &OllamaEmbedder{embedder: embedder}, nil
}

// Embed returns the model embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunk with ollama: %w", err)
	}

	return vec, nil
}
