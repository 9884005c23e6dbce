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

// Package retro wires the retrieval-augmented language model experiment:
// corpus, neighbour index, dataset, model, trainer, sampler and tracker.
package retro

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-retro/pkg/corpus"
	"github.com/llm-d/llm-d-retro/pkg/model"
	"github.com/llm-d/llm-d-retro/pkg/optim"
	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
	"github.com/llm-d/llm-d-retro/pkg/retro/dataset"
	"github.com/llm-d/llm-d-retro/pkg/retro/index"
	"github.com/llm-d/llm-d-retro/pkg/sampling"
	"github.com/llm-d/llm-d-retro/pkg/tracking"
)

const (
	defaultEpochs       = 32
	defaultSampleLength = 128
)

// DefaultPrompt is the prompt sampled from after every epoch.
const DefaultPrompt = `First Citizen:
We are accounted poor citizens, the patricians good.
What authority surfeits on would relieve us: if they
would yield us but the superfluity, while it were
wholesome, we might guess they relieved us humanely;
but they think we are too dear: the leanness that
afflicts us, the object of our misery, is as an
inventory to particularise their abundance; our
sufferance is a gain to them Let us revenge this with
our pikes, ere we become rakes: for the gods know I
speak this in hunger for bread, not in `

// Config holds the configuration for the Experiment.
// The configuration covers the different components found in the
// experiment. ChunkLength is propagated to every component that chunks
// text, and the model width to the optimizer.
type Config struct {
	ChunkLength  int    `json:"chunkLength"`
	Epochs       int    `json:"epochs"`
	SampleLength int    `json:"sampleLength"`
	SamplePrompt string `json:"samplePrompt"`

	CorpusConfig    *corpus.Config   `json:"corpusConfig"`
	IndexConfig     *index.Config    `json:"indexConfig"`
	DatasetConfig   *dataset.Config  `json:"datasetConfig"`
	ModelConfig     *model.Config    `json:"modelConfig"`
	OptimizerConfig *optim.Config    `json:"optimizerConfig"`
	SamplerConfig   *sampling.Config `json:"samplerConfig"`
	TrackerConfig   *tracking.Config `json:"trackerConfig"`
}

// NewDefaultConfig returns a default configuration for the Experiment.
func NewDefaultConfig() *Config {
	return &Config{
		ChunkLength:     chunking.DefaultChunkLength,
		Epochs:          defaultEpochs,
		SampleLength:    defaultSampleLength,
		SamplePrompt:    DefaultPrompt,
		CorpusConfig:    corpus.DefaultConfig(),
		IndexConfig:     index.DefaultConfig(),
		DatasetConfig:   dataset.DefaultConfig(),
		ModelConfig:     model.DefaultConfig(),
		OptimizerConfig: optim.DefaultConfig(),
		SamplerConfig:   sampling.DefaultConfig(),
		TrackerConfig:   tracking.DefaultConfig(),
	}
}

// LoadConfig reads a YAML or JSON configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// complete fills unset sections with defaults and propagates the shared
// values. It is idempotent.
func (c *Config) complete() error {
	defaults := NewDefaultConfig()
	if c.CorpusConfig == nil {
		c.CorpusConfig = defaults.CorpusConfig
	}
	if c.IndexConfig == nil {
		c.IndexConfig = defaults.IndexConfig
	}
	if c.DatasetConfig == nil {
		c.DatasetConfig = defaults.DatasetConfig
	}
	if c.ModelConfig == nil {
		c.ModelConfig = defaults.ModelConfig
	}
	if c.OptimizerConfig == nil {
		c.OptimizerConfig = defaults.OptimizerConfig
	}
	if c.SamplerConfig == nil {
		c.SamplerConfig = defaults.SamplerConfig
	}
	if c.TrackerConfig == nil {
		c.TrackerConfig = defaults.TrackerConfig
	}

	if c.ChunkLength <= 0 {
		return fmt.Errorf("chunk length must be positive, got %d", c.ChunkLength)
	}
	if c.Epochs < 0 || c.SampleLength < 0 {
		return fmt.Errorf("epochs and sample length must not be negative, got %d and %d", c.Epochs, c.SampleLength)
	}

	c.IndexConfig.ChunkLength = c.ChunkLength
	c.DatasetConfig.ChunkLength = c.ChunkLength
	c.ModelConfig.ChunkLength = c.ChunkLength
	c.SamplerConfig.ChunkLength = c.ChunkLength
	c.OptimizerConfig.DModel = c.ModelConfig.DModel

	return nil
}
