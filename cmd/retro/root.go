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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-retro/pkg/retro"
	"github.com/llm-d/llm-d-retro/pkg/retro/embedding"
	"github.com/llm-d/llm-d-retro/pkg/tokenization"
)

// fileConfig is the configuration file layout: the experiment configuration
// plus the tokenizer used by the token bag embedder.
type fileConfig struct {
	*retro.Config
	TokenizerConfig *tokenization.HFTokenizerConfig `json:"tokenizerConfig"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		Config:          retro.NewDefaultConfig(),
		TokenizerConfig: tokenization.DefaultHFTokenizerConfig(),
	}
}

func loadFileConfig(path string) (*fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// needsTokenizer reports whether the embedder the index will actually create
// is the token bag one.
func (c *fileConfig) needsTokenizer() bool {
	if c.IndexConfig == nil || c.IndexConfig.EmbeddingConfig == nil {
		return false
	}

	return c.IndexConfig.EmbeddingConfig.NeedsTokenEncoder()
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "retro",
		Short:         "Train and sample a retrieval-augmented character language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML or JSON configuration file")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	cmd.AddCommand(
		newBuildIndexCommand(opts),
		newBuildDatasetCommand(opts),
		newTrainCommand(opts),
		newSampleCommand(opts),
	)

	return cmd
}

// newExperiment loads the configuration and creates the experiment,
// with a HuggingFace tokenizer when the token bag embedder is selected.
func (o *rootOptions) newExperiment(ctx context.Context) (*retro.Experiment, error) {
	cfg, err := loadFileConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	var encoder embedding.TokenEncoder
	if cfg.needsTokenizer() {
		tokenizer, err := tokenization.NewCachedHFTokenizer(cfg.TokenizerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tokenizer: %w", err)
		}
		encoder = tokenizer
	}

	return retro.NewExperiment(ctx, cfg.Config, encoder)
}

func newBuildIndexCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build-index",
		Short: "Embed the training text into the neighbour database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := opts.newExperiment(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.BuildIndex(ctx)
			if err != nil {
				return err
			}
			klog.FromContext(ctx).Info("built neighbour database", "chunks", n)
			return nil
		},
	}
}

func newBuildDatasetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build-dataset",
		Short: "Build the training samples and their neighbours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := opts.newExperiment(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			samples, err := e.BuildDataset(ctx)
			if err != nil {
				return err
			}
			klog.FromContext(ctx).Info("built dataset", "samples", len(samples))
			return nil
		},
	}
}

func newTrainCommand(opts *rootOptions) *cobra.Command {
	var resume string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model, sampling and checkpointing after every epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := opts.newExperiment(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if resume != "" {
				if err := e.LoadCheckpoint(resume); err != nil {
					return err
				}
			}

			return e.Train(ctx)
		},
	}

	cmd.Flags().StringVar(&resume, "resume", "", "checkpoint file or run directory to resume from")

	return cmd
}

func newSampleCommand(opts *rootOptions) *cobra.Command {
	var (
		checkpoint string
		prompt     string
		length     int
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate text from a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := opts.newExperiment(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.LoadCheckpoint(checkpoint); err != nil {
				return err
			}

			sampled, err := e.Sample(ctx, prompt, length)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), prompt+sampled)
			return err
		},
	}

	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint file or run directory")
	cmd.Flags().StringVar(&prompt, "prompt", retro.DefaultPrompt, "text to continue")
	cmd.Flags().IntVar(&length, "length", 10, "number of characters to generate")
	_ = cmd.MarkFlagRequired("checkpoint")

	return cmd
}
