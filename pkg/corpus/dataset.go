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

package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultDataDir       = "data"
	defaultFileName      = "tiny_shakespeare.txt"
	defaultURL           = "https://raw.githubusercontent.com/karpathy/char-rnn/master/data/tinyshakespeare/input.txt"
	defaultValidFraction = 0.1
)

// ErrWindowOutOfRange is returned when a requested corpus window does not fit
// inside the training text.
var ErrWindowOutOfRange = errors.New("window out of range")

// Config holds the configuration for loading the text corpus.
type Config struct {
	// DataDir is the directory holding the corpus file and derived artifacts.
	DataDir string `json:"dataDir"`
	// FileName is the corpus file name inside DataDir.
	FileName string `json:"fileName"`
	// URL is where the corpus is downloaded from when the file is missing.
	// If empty, a missing file is an error.
	URL string `json:"url"`
	// ValidFraction is the trailing fraction of characters held out for
	// validation.
	ValidFraction float64 `json:"validFraction"`
}

// DefaultConfig returns the tiny shakespeare configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       defaultDataDir,
		FileName:      defaultFileName,
		URL:           defaultURL,
		ValidFraction: defaultValidFraction,
	}
}

// Path returns the corpus file path.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, c.FileName)
}

// TextDataset exposes a character corpus split into training and validation
// text, together with its vocabulary. Offsets and lengths count runes.
type TextDataset struct {
	text  []rune
	train []rune
	valid []rune
	vocab *Vocabulary
}

// Load reads the corpus described by cfg, downloading it first if the file
// is absent.
func Load(ctx context.Context, cfg *Config) (*TextDataset, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("corpus.Load")

	path := cfg.Path()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("corpus file %s not found and no download url configured", path)
		}
		logger.Info("corpus file missing, downloading", "path", path, "url", cfg.URL)
		if err := Download(ctx, cfg.URL, path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat corpus file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file: %w", err)
	}

	ds, err := NewTextDataset(string(data), cfg.ValidFraction)
	if err != nil {
		return nil, err
	}

	logger.Info("loaded corpus", "path", path, "chars", len(ds.text),
		"train", len(ds.train), "valid", len(ds.valid), "vocab", ds.vocab.Size())

	return ds, nil
}

// NewTextDataset builds a dataset from in-memory text.
func NewTextDataset(text string, validFraction float64) (*TextDataset, error) {
	if validFraction < 0 || validFraction >= 1 {
		return nil, fmt.Errorf("valid fraction must be in [0, 1), got %v", validFraction)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, fmt.Errorf("corpus is empty")
	}

	split := len(runes) - int(float64(len(runes))*validFraction)

	return &TextDataset{
		text:  runes,
		train: runes[:split],
		valid: runes[split:],
		vocab: NewVocabulary(text),
	}, nil
}

// Vocabulary returns the character vocabulary of the whole corpus.
func (d *TextDataset) Vocabulary() *Vocabulary {
	return d.vocab
}

// Train returns the training text.
func (d *TextDataset) Train() string {
	return string(d.train)
}

// Valid returns the validation text.
func (d *TextDataset) Valid() string {
	return string(d.valid)
}

// TrainLen returns the number of characters in the training text.
func (d *TextDataset) TrainLen() int {
	return len(d.train)
}

// Slice returns train[start:end].
func (d *TextDataset) Slice(start, end int) (string, error) {
	if start < 0 || end > len(d.train) || start > end {
		return "", fmt.Errorf("%w: [%d, %d) of %d", ErrWindowOutOfRange, start, end, len(d.train))
	}

	return string(d.train[start:end]), nil
}

// Window returns the length characters of training text starting at offset.
// Windows are never truncated: one that runs past the end is an error.
func (d *TextDataset) Window(offset, length int) (string, error) {
	return d.Slice(offset, offset+length)
}
