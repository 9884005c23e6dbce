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

package retro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/corpus"
	"github.com/llm-d/llm-d-retro/pkg/model"
	"github.com/llm-d/llm-d-retro/pkg/optim"
	"github.com/llm-d/llm-d-retro/pkg/retro/dataset"
	"github.com/llm-d/llm-d-retro/pkg/retro/embedding"
	"github.com/llm-d/llm-d-retro/pkg/retro/index"
	"github.com/llm-d/llm-d-retro/pkg/sampling"
	"github.com/llm-d/llm-d-retro/pkg/tracking"
	"github.com/llm-d/llm-d-retro/pkg/training"
)

// Checkpoint is what the experiment saves after every epoch.
type Checkpoint struct {
	Model      *model.State `msgpack:"model"`
	Optimizer  *optim.State `msgpack:"optimizer"`
	GlobalStep int          `msgpack:"globalStep"`
}

// Experiment owns every component of one run.
type Experiment struct {
	config *Config

	corpus    *corpus.TextDataset
	index     *index.Index
	model     *model.Model
	optimizer *optim.Adam
	sampler   *sampling.Sampler
	tracker   *tracking.Tracker
}

// NewExperiment loads the corpus and creates the components described by
// config. encoder is only needed by the token bag embedder and may be nil.
func NewExperiment(ctx context.Context, config *Config, encoder embedding.TokenEncoder) (*Experiment, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.complete(); err != nil {
		return nil, fmt.Errorf("invalid experiment configuration: %w", err)
	}

	ds, err := corpus.Load(ctx, config.CorpusConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	idx, err := index.NewIndex(ctx, config.IndexConfig, encoder)
	if err != nil {
		return nil, fmt.Errorf("failed to create neighbour index: %w", err)
	}

	config.ModelConfig.VocabSize = ds.Vocabulary().Size()
	m, err := model.New(config.ModelConfig)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create model: %w", err), idx.Close())
	}

	tracker, err := tracking.New(ctx, config.TrackerConfig, config)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create tracker: %w", err), idx.Close())
	}

	e := &Experiment{
		config:  config,
		corpus:  ds,
		index:   idx,
		tracker: tracker,
	}
	if err := e.setModel(m); err != nil {
		return nil, errors.Join(err, e.Close())
	}

	return e, nil
}

// setModel installs m with a fresh optimizer and sampler.
func (e *Experiment) setModel(m *model.Model) error {
	optimizer, err := optim.NewAdam(m.Params(), e.config.OptimizerConfig)
	if err != nil {
		return fmt.Errorf("failed to create optimizer: %w", err)
	}

	sampler, err := sampling.New(e.config.SamplerConfig, m, e.index, e.corpus, e.corpus.Vocabulary(), e.tracker)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	e.model = m
	e.optimizer = optimizer
	e.sampler = sampler

	return nil
}

// Tracker returns the run tracker.
func (e *Experiment) Tracker() *tracking.Tracker {
	return e.tracker
}

// Index returns the neighbour index.
func (e *Experiment) Index() *index.Index {
	return e.index
}

// Model returns the current model.
func (e *Experiment) Model() *model.Model {
	return e.model
}

// Close releases the run logs and the index connections.
func (e *Experiment) Close() error {
	return errors.Join(e.tracker.Close(), e.index.Close())
}

// BuildIndex embeds the training text into the neighbour database.
func (e *Experiment) BuildIndex(ctx context.Context) (int, error) {
	return e.index.Build(ctx, e.corpus)
}

// ensureIndex builds the database unless the vector store already holds
// chunks, as a persisted store does.
func (e *Experiment) ensureIndex(ctx context.Context) error {
	count, err := e.index.Store().Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count indexed chunks: %w", err)
	}
	if count > 0 {
		return nil
	}

	_, err = e.BuildIndex(ctx)
	return err
}

// BuildDataset builds the training samples and saves them to the data
// directory.
func (e *Experiment) BuildDataset(ctx context.Context) ([]dataset.Sample, error) {
	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}

	samples, err := dataset.Build(ctx, e.corpus, e.index, e.config.DatasetConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build dataset: %w", err)
	}

	path := e.config.DatasetConfig.Path(e.config.CorpusConfig.DataDir)
	if err := dataset.Save(path, samples); err != nil {
		return nil, err
	}
	klog.FromContext(ctx).WithName("retro.Experiment.BuildDataset").Info("saved dataset",
		"path", path, "samples", len(samples))

	return samples, nil
}

// loadDataset reads the saved dataset, building it first if it is missing.
func (e *Experiment) loadDataset(ctx context.Context) ([]dataset.Sample, error) {
	path := e.config.DatasetConfig.Path(e.config.CorpusConfig.DataDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return e.BuildDataset(ctx)
	}

	return dataset.Load(path)
}

// Train runs the configured number of epochs. After every epoch it samples
// from the configured prompt, closes the tracker line and saves a
// checkpoint.
func (e *Experiment) Train(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("retro.Experiment.Train")

	samples, err := e.loadDataset(ctx)
	if err != nil {
		return err
	}
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}

	loader, err := dataset.NewLoader(samples, e.corpus.Vocabulary(), e.config.DatasetConfig.LoaderConfig)
	if err != nil {
		return fmt.Errorf("failed to create data loader: %w", err)
	}

	trainer := training.New(e.model, e.optimizer, loader, e.tracker)

	if err := e.logSample(ctx); err != nil {
		return err
	}

	for epoch := 0; epoch < e.config.Epochs; epoch++ {
		if err := trainer.Train(ctx); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		e.tracker.NewLine()
		if err := e.logSample(ctx); err != nil {
			return err
		}

		if _, err := e.SaveCheckpoint(); err != nil {
			return err
		}
		logger.Info("finished epoch", "epoch", epoch+1, "of", e.config.Epochs, "step", e.tracker.GlobalStep(),
			"optimizerSteps", e.optimizer.Steps(), "learningRate", e.optimizer.Rate())
	}

	return nil
}

func (e *Experiment) logSample(ctx context.Context) error {
	if e.config.SampleLength == 0 || e.config.SamplePrompt == "" {
		return nil
	}

	sampled, err := e.sampler.Sample(ctx, e.config.SamplePrompt, e.config.SampleLength)
	if err != nil {
		return fmt.Errorf("failed to sample: %w", err)
	}

	tail := []rune(e.config.SamplePrompt)
	tail = tail[max(len(tail)-10, 0):]
	klog.FromContext(ctx).Info("sample", "prompt", string(tail),
		"sampled", strings.ReplaceAll(sampled, "\n", "\\n"))

	return nil
}

// Sample generates length characters after prompt.
func (e *Experiment) Sample(ctx context.Context, prompt string, length int) (string, error) {
	if err := e.ensureIndex(ctx); err != nil {
		return "", err
	}
	return e.sampler.Sample(ctx, prompt, length)
}

// SaveCheckpoint saves the model and optimizer at the current global step.
func (e *Experiment) SaveCheckpoint() (string, error) {
	return e.tracker.SaveCheckpoint(&Checkpoint{
		Model:      e.model.State(),
		Optimizer:  e.optimizer.State(),
		GlobalStep: e.tracker.GlobalStep(),
	})
}

// LoadCheckpoint restores a checkpoint file or the latest checkpoint of a
// run directory.
func (e *Experiment) LoadCheckpoint(path string) error {
	var ckpt Checkpoint
	if err := tracking.LoadCheckpoint(path, &ckpt); err != nil {
		return err
	}
	if ckpt.Model == nil {
		return fmt.Errorf("checkpoint %s holds no model", path)
	}

	if vocab := e.corpus.Vocabulary().Size(); ckpt.Model.Config.VocabSize != vocab {
		return fmt.Errorf("%w: checkpoint vocabulary has %d tokens, corpus has %d",
			model.ErrShapeMismatch, ckpt.Model.Config.VocabSize, vocab)
	}
	if ckpt.Model.Config.ChunkLength != e.config.ChunkLength {
		return fmt.Errorf("%w: checkpoint chunk length %d, configured %d",
			model.ErrShapeMismatch, ckpt.Model.Config.ChunkLength, e.config.ChunkLength)
	}

	m, err := model.FromState(ckpt.Model)
	if err != nil {
		return fmt.Errorf("failed to restore model: %w", err)
	}

	e.config.ModelConfig = &ckpt.Model.Config
	e.config.OptimizerConfig.DModel = ckpt.Model.Config.DModel
	if err := e.setModel(m); err != nil {
		return err
	}
	if ckpt.Optimizer != nil {
		if err := e.optimizer.LoadState(ckpt.Optimizer); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	e.tracker.SetGlobalStep(ckpt.GlobalStep)

	return nil
}
