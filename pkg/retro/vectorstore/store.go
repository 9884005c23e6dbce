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

// Package vectorstore holds the chunk embeddings of the retrieval database
// and answers nearest-neighbour queries over them.
package vectorstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Document is one indexed corpus chunk.
type Document struct {
	// Offset is the rune offset of the chunk in the training text.
	Offset    int
	Text      string
	Embedding []float32
}

// Match is a query result.
type Match struct {
	Offset     int
	Similarity float32
}

// Store is a nearest-neighbour index over chunk embeddings.
type Store interface {
	// Add inserts documents. Re-adding an offset replaces it.
	Add(ctx context.Context, docs []Document) error
	// Query returns up to k documents most similar to embedding, ordered by
	// decreasing similarity.
	Query(ctx context.Context, embedding []float32, k int) ([]Match, error)
	// Count returns the number of indexed documents.
	Count(ctx context.Context) (int, error)
}

// Config holds the configuration for the vector store.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// ChromemConfig configures the embedded chromem-go store.
	ChromemConfig *ChromemConfig `json:"chromemConfig"`
	// PostgresConfig configures a Postgres store with the pgvector extension.
	PostgresConfig *PostgresConfig `json:"postgresConfig"`
}

// DefaultConfig returns an in-memory chromem store.
func DefaultConfig() *Config {
	return &Config{
		ChromemConfig: DefaultChromemConfig(),
	}
}

// NewStore creates the configured Store.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case cfg.ChromemConfig != nil:
		store, err := NewChromemStore(cfg.ChromemConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create chromem store: %w", err)
		}
		return store, nil
	case cfg.PostgresConfig != nil:
		store, err := NewPostgresStore(ctx, cfg.PostgresConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("no valid vector store configuration provided")
	}
}

// sortMatches orders by decreasing similarity, ties by increasing offset.
func sortMatches(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.Offset, b.Offset)
	})
}
