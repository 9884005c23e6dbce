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

package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/retro/embedding"
	"github.com/llm-d/llm-d-retro/pkg/retro/vectorstore"
)

const (
	defaultWorkers    = 5
	defaultMaxRetries = 3
)

// PoolConfig holds the configuration for the embedding pool used while
// building the database.
type PoolConfig struct {
	WorkersCount int `json:"workersCount"`
	// MaxRetries is how many times a failed chunk is re-queued before the
	// build fails.
	MaxRetries int `json:"maxRetries"`
}

// DefaultPoolConfig returns a default configuration for the embedding pool.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		WorkersCount: defaultWorkers,
		MaxRetries:   defaultMaxRetries,
	}
}

// embedTask represents a unit of work for embedding one corpus chunk.
type embedTask struct {
	Offset int
	Text   string
}

// pool encapsulates the queue and worker goroutines embedding chunks.
type pool struct {
	workers    int
	maxRetries int
	embedder   embedding.Embedder

	queue workqueue.TypedRateLimitingInterface[embedTask]
	wg    sync.WaitGroup // workers

	mu        sync.Mutex
	remaining int // tasks not yet finished
	done      chan struct{}
	docs      []vectorstore.Document
	errs      []error
}

func newPool(config *PoolConfig, embedder embedding.Embedder) *pool {
	if config == nil {
		config = DefaultPoolConfig()
	}

	return &pool{
		workers:    max(config.WorkersCount, 1),
		maxRetries: config.MaxRetries,
		embedder:   embedder,
		queue:      workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[embedTask]()),
		done:       make(chan struct{}),
	}
}

// run embeds every task and returns the documents ordered by offset. A pool
// runs once.
func (p *pool) run(ctx context.Context, tasks []embedTask) ([]vectorstore.Document, error) {
	p.remaining = len(tasks)
	if p.remaining == 0 {
		close(p.done)
	}
	for _, task := range tasks {
		p.queue.Add(task)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
	}

	p.queue.ShutDown()
	p.wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("database build interrupted: %w", err)
	}
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("failed to embed %d chunks: %w", len(p.errs), errors.Join(p.errs...))
	}

	slices.SortFunc(p.docs, func(a, b vectorstore.Document) int { return a.Offset - b.Offset })

	return p.docs, nil
}

// workerLoop is the main processing loop for each worker.
func (p *pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		task, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		p.processTask(ctx, task)
		p.queue.Done(task)
	}
}

// processTask embeds one chunk, re-queueing it on failure until the retry
// budget is spent.
func (p *pool) processTask(ctx context.Context, task embedTask) {
	if ctx.Err() != nil {
		p.queue.Forget(task)
		p.finish(nil, nil)
		return
	}

	vec, err := p.embedder.Embed(ctx, task.Text)
	if err != nil {
		if p.queue.NumRequeues(task) < p.maxRetries {
			klog.FromContext(ctx).V(1).Info("retrying chunk embedding", "offset", task.Offset, "err", err)
			p.queue.AddRateLimited(task)
			return
		}

		p.queue.Forget(task)
		p.finish(nil, fmt.Errorf("chunk at offset %d: %w", task.Offset, err))
		return
	}

	p.queue.Forget(task)
	p.finish(&vectorstore.Document{Offset: task.Offset, Text: task.Text, Embedding: vec}, nil)
}

// finish records the outcome of a task and closes done once every task has
// finished.
func (p *pool) finish(doc *vectorstore.Document, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if doc != nil {
		p.docs = append(p.docs, *doc)
	}
	if err != nil {
		p.errs = append(p.errs, err)
	}

	p.remaining--
	if p.remaining == 0 {
		close(p.done)
	}
}
