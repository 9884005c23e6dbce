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

// Package index implements the retrieval database: it embeds corpus chunks
// into a vector store and answers neighbour queries for text chunks.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
	"github.com/llm-d/llm-d-retro/pkg/retro/embedding"
	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
	"github.com/llm-d/llm-d-retro/pkg/retro/neighborcache"
	"github.com/llm-d/llm-d-retro/pkg/retro/vectorstore"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultNumNeighbors = 2
	defaultNumExtra     = 2
	defaultAddBatchSize = 1024
)

// ErrEmptyIndex is returned when querying a database that holds no chunks.
var ErrEmptyIndex = errors.New("neighbour index is empty")

// Retriever returns neighbour offsets for text chunks.
type Retriever interface {
	// Neighbors returns, for each chunk, the offsets of its nearest corpus
	// chunks. When offsets is non-nil, offsets[i] is the position of
	// chunks[i] in the corpus and candidates overlapping it are dropped.
	Neighbors(ctx context.Context, chunks []string, offsets []int) ([][]int, error)
}

// TextSource is the training text the database is built from.
type TextSource interface {
	TrainLen() int
	Slice(start, end int) (string, error)
}

// Config holds the configuration for the neighbour Index.
// The configuration covers the different components found in the Index
// module.
type Config struct {
	// ChunkLength is the number of characters per chunk.
	ChunkLength int `json:"chunkLength"`
	// NumNeighbors is the number of neighbours returned per chunk.
	NumNeighbors int `json:"numNeighbors"`
	// NumExtra is the number of additional candidates fetched so that
	// filtering still leaves NumNeighbors.
	NumExtra int `json:"numExtra"`
	// AddBatchSize is the number of documents written to the store at once.
	AddBatchSize int `json:"addBatchSize"`

	FilterConfig        *NeighborFilterConfig      `json:"filterConfig"`
	EmbeddingConfig     *embedding.Config          `json:"embeddingConfig"`
	VectorStoreConfig   *vectorstore.Config        `json:"vectorStoreConfig"`
	NeighborCacheConfig *neighborcache.IndexConfig `json:"neighborCacheConfig"`
	ChunkKeyConfig      *neighborcache.KeyConfig   `json:"chunkKeyConfig"`
	BuildPoolConfig     *PoolConfig                `json:"buildPoolConfig"`
}

// DefaultConfig returns a default configuration for the Index module.
func DefaultConfig() *Config {
	return &Config{
		ChunkLength:         chunking.DefaultChunkLength,
		NumNeighbors:        defaultNumNeighbors,
		NumExtra:            defaultNumExtra,
		AddBatchSize:        defaultAddBatchSize,
		FilterConfig:        DefaultNeighborFilterConfig(),
		EmbeddingConfig:     embedding.DefaultConfig(),
		VectorStoreConfig:   vectorstore.DefaultConfig(),
		NeighborCacheConfig: neighborcache.DefaultIndexConfig(),
		ChunkKeyConfig:      neighborcache.DefaultKeyConfig(),
		BuildPoolConfig:     DefaultPoolConfig(),
	}
}

// Index is the retrieval database.
type Index struct {
	config *Config

	embedder embedding.Embedder  // turns chunks to vectors
	store    vectorstore.Store   // nearest-neighbour search over corpus chunks
	cache    neighborcache.Index // chunk key -> unfiltered candidates
	keyer    *neighborcache.ChunkKeyer
	filter   NeighborFilter

	group singleflight.Group
}

var _ Retriever = &Index{}

// NewIndex creates an Index given a Config. encoder is only needed by the
// token bag embedder and may be nil otherwise.
func NewIndex(ctx context.Context, config *Config, encoder embedding.TokenEncoder) (*Index, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkLength <= 0 || config.NumNeighbors <= 0 || config.NumExtra < 0 {
		return nil, fmt.Errorf("invalid index configuration: chunk length %d, neighbours %d, extra %d",
			config.ChunkLength, config.NumNeighbors, config.NumExtra)
	}

	embedder, err := embedding.NewEmbedder(config.EmbeddingConfig, encoder)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	store, err := vectorstore.NewStore(ctx, config.VectorStoreConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	idx := &Index{
		config:   config,
		embedder: embedder,
		store:    store,
	}

	idx.cache, err = neighborcache.NewIndex(ctx, config.NeighborCacheConfig)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create neighbour cache: %w", err), idx.Close())
	}

	idx.keyer, err = neighborcache.NewChunkKeyer(config.ChunkKeyConfig)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create chunk keyer: %w", err), idx.Close())
	}

	idx.filter, err = NewNeighborFilter(config.FilterConfig, config.ChunkLength)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create neighbour filter: %w", err), idx.Close())
	}

	metrics.Register()

	return idx, nil
}

// Close releases the connections held by the vector store and the
// neighbour cache.
func (idx *Index) Close() error {
	var errs []error
	for _, component := range []any{idx.store, idx.cache} {
		if closer, ok := component.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// Store returns the vector store used by the Index.
func (idx *Index) Store() vectorstore.Store {
	return idx.store
}

// Build embeds every database chunk of src and adds it to the vector store.
// It returns the number of chunks indexed.
func (idx *Index) Build(ctx context.Context, src TextSource) (int, error) {
	logger := klog.FromContext(ctx).WithName("index.Build")

	offsets := chunking.DatabaseOffsets(src.TrainLen(), idx.config.ChunkLength)
	tasks := make([]embedTask, len(offsets))
	for i, offset := range offsets {
		text, err := src.Slice(offset, offset+idx.config.ChunkLength)
		if err != nil {
			return 0, fmt.Errorf("failed to slice chunk at offset %d: %w", offset, err)
		}
		tasks[i] = embedTask{Offset: offset, Text: text}
	}

	logger.Info("embedding database chunks", "chunks", len(tasks))

	docs, err := newPool(idx.config.BuildPoolConfig, idx.embedder).run(ctx, tasks)
	if err != nil {
		return 0, err
	}

	batchSize := max(idx.config.AddBatchSize, 1)
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		if err := idx.store.Add(ctx, docs[start:end]); err != nil {
			return 0, fmt.Errorf("failed to add chunks to vector store: %w", err)
		}
		logger.V(logging.DEBUG).Info("added chunks", "done", end, "total", len(docs))
	}

	metrics.IndexedChunks.Set(float64(len(docs)))
	logger.Info("database built", "chunks", len(docs))

	return len(docs), nil
}

// Neighbors returns the neighbour offsets of each chunk.
func (idx *Index) Neighbors(ctx context.Context, chunks []string, offsets []int) ([][]int, error) {
	if offsets != nil && len(offsets) != len(chunks) {
		return nil, fmt.Errorf("got %d chunks but %d offsets", len(chunks), len(offsets))
	}

	timer := prometheus.NewTimer(metrics.RetrievalLatency)
	defer timer.ObserveDuration()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("index.Neighbors")

	neighbors := make([][]int, len(chunks))
	for i, chunk := range chunks {
		candidates, err := idx.candidates(ctx, chunk)
		if err != nil {
			return nil, err
		}

		candidates = dedupe(candidates)
		if offsets != nil {
			candidates = idx.filter.Filter(offsets[i], candidates)
		}
		if len(candidates) > idx.config.NumNeighbors {
			candidates = candidates[:idx.config.NumNeighbors]
		}

		neighbors[i] = candidates
		traceLogger.Info("retrieved neighbours", "chunk", chunk, "neighbours", candidates)
	}

	return neighbors, nil
}

// candidates returns the unfiltered nearest offsets of chunk, from the cache
// when possible. Concurrent queries for the same chunk share one search.
func (idx *Index) candidates(ctx context.Context, chunk string) ([]int, error) {
	key, err := idx.keyer.Key(chunk, idx.config.ChunkLength)
	if err != nil {
		return nil, err
	}

	cached, err := idx.cache.Lookup(ctx, []neighborcache.Key{key})
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbour cache: %w", err)
	}
	if offsets, ok := cached[key]; ok {
		return offsets, nil
	}

	result, err, _ := idx.group.Do(key.String(), func() (any, error) {
		return idx.search(ctx, key, chunk)
	})
	if err != nil {
		return nil, err
	}

	offsets, ok := result.([]int)
	if !ok {
		return nil, fmt.Errorf("unexpected candidates type from singleflight result")
	}

	return offsets, nil
}

func (idx *Index) search(ctx context.Context, key neighborcache.Key, chunk string) ([]int, error) {
	count, err := idx.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count indexed chunks: %w", err)
	}
	if count == 0 {
		return nil, ErrEmptyIndex
	}

	vec, err := idx.embedder.Embed(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query chunk: %w", err)
	}

	k := idx.config.NumNeighbors + idx.config.NumExtra
	matches, err := idx.store.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}

	offsets := make([]int, len(matches))
	for i, m := range matches {
		offsets[i] = m.Offset
	}

	if err := idx.cache.Add(ctx, []neighborcache.Key{key}, [][]int{offsets}); err != nil {
		return nil, fmt.Errorf("failed to cache candidates: %w", err)
	}

	return offsets, nil
}
