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

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/utils"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultCollection = "retro-chunks"
	offsetMetadataKey = "offset"
)

var errNoEmbedding = errors.New("documents must carry precomputed embeddings")

// ChromemConfig holds the configuration for the ChromemStore.
type ChromemConfig struct {
	// PersistDir persists the database on disk. Empty keeps it in memory.
	PersistDir string `json:"persistDir"`
	// Compress gzips persisted documents.
	Compress bool `json:"compress"`
	// Collection is the chromem collection name.
	Collection string `json:"collection"`
	// Concurrency bounds parallel document insertion.
	Concurrency int `json:"concurrency"`
}

// DefaultChromemConfig returns an in-memory configuration.
func DefaultChromemConfig() *ChromemConfig {
	return &ChromemConfig{
		Collection:  defaultCollection,
		Concurrency: runtime.NumCPU(),
	}
}

// ChromemStore implements Store with an embedded chromem-go collection.
type ChromemStore struct {
	collection  *chromem.Collection
	concurrency int
}

var _ Store = &ChromemStore{}

// NewChromemStore opens or creates the configured collection.
func NewChromemStore(cfg *ChromemConfig) (*ChromemStore, error) {
	if cfg == nil {
		cfg = DefaultChromemConfig()
	}

	var db *chromem.DB
	if cfg.PersistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistDir, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem database at %s: %w", cfg.PersistDir, err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.Collection
	if name == "" {
		name = defaultCollection
	}

	// embeddings are always computed upstream
	collection, err := db.GetOrCreateCollection(name, nil,
		func(context.Context, string) ([]float32, error) { return nil, errNoEmbedding })
	if err != nil {
		return nil, fmt.Errorf("failed to get chromem collection %s: %w", name, err)
	}

	return &ChromemStore{
		collection:  collection,
		concurrency: max(cfg.Concurrency, 1),
	}, nil
}

// Add inserts documents.
func (s *ChromemStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	chromemDocs := utils.SliceMap(docs, func(doc Document) chromem.Document {
		id := strconv.Itoa(doc.Offset)
		return chromem.Document{
			ID:        id,
			Metadata:  map[string]string{offsetMetadataKey: id},
			Embedding: doc.Embedding,
			Content:   doc.Text,
		}
	})

	if err := s.collection.AddDocuments(ctx, chromemDocs, s.concurrency); err != nil {
		return fmt.Errorf("failed to add documents to chromem: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("vectorstore.ChromemStore.Add").
		Info("added documents", "count", len(docs), "total", s.collection.Count())

	return nil
}

// Query returns up to k documents most similar to embedding.
func (s *ChromemStore) Query(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	k = min(k, s.collection.Count())
	if k <= 0 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query chromem: %w", err)
	}

	matches, err := utils.SliceMapE(results, func(r chromem.Result) (Match, error) {
		offset, err := strconv.Atoi(r.ID)
		if err != nil {
			return Match{}, fmt.Errorf("malformed document id %q: %w", r.ID, err)
		}
		return Match{Offset: offset, Similarity: r.Similarity}, nil
	})
	if err != nil {
		return nil, err
	}

	sortMatches(matches)

	return matches, nil
}

// Count returns the number of indexed documents.
func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.collection.Count(), nil
}
