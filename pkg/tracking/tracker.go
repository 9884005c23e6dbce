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

// Package tracking records a training run: global step, scalar and text logs,
// and checkpoints, all under one run directory.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-retro/pkg/retro/metrics"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

const (
	defaultDir  = "logs"
	defaultName = "retro_small"

	runConfigFile = "run.yaml"
	scalarsFile   = "scalars.jsonl"
	textsFile     = "texts.jsonl"
)

// Config holds the configuration for the Tracker.
type Config struct {
	// Dir is the root directory of all runs.
	Dir string `json:"dir"`
	// Name groups runs of the same experiment.
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// DefaultConfig returns a default configuration for the Tracker.
func DefaultConfig() *Config {
	return &Config{
		Dir:  defaultDir,
		Name: defaultName,
	}
}

type scalarRecord struct {
	Step  int       `json:"step"`
	Key   string    `json:"key"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

type textRecord struct {
	Step int       `json:"step"`
	Key  string    `json:"key"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

type runInfo struct {
	RunID   string    `json:"runID"`
	Name    string    `json:"name"`
	Comment string    `json:"comment,omitempty"`
	Started time.Time `json:"started"`
	Config  any       `json:"config,omitempty"`
}

type mean struct {
	sum   float64
	count int
}

// Tracker is the context of one run. It is passed explicitly to whatever
// reports progress and is safe for concurrent use.
type Tracker struct {
	runID  string
	runDir string
	logger klog.Logger

	mu      sync.Mutex
	step    int
	scalars *os.File
	texts   *os.File
	means   map[string]*mean
}

// New creates a run directory <Dir>/<Name>/<run id> and writes runConfig to
// its run.yaml.
func New(ctx context.Context, config *Config, runConfig any) (*Tracker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	runID := uuid.NewString()
	runDir := filepath.Join(config.Dir, config.Name, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	info, err := yaml.Marshal(runInfo{
		RunID:   runID,
		Name:    config.Name,
		Comment: config.Comment,
		Started: time.Now().UTC(),
		Config:  runConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, runConfigFile), info, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write run configuration: %w", err)
	}

	scalars, err := openLog(filepath.Join(runDir, scalarsFile))
	if err != nil {
		return nil, err
	}
	texts, err := openLog(filepath.Join(runDir, textsFile))
	if err != nil {
		scalars.Close()
		return nil, err
	}

	metrics.Register()
	metrics.GlobalStep.Set(0)

	logger := klog.FromContext(ctx).WithName("tracking.Tracker").WithValues("run", runID)
	logger.Info("started run", "dir", runDir)

	return &Tracker{
		runID:   runID,
		runDir:  runDir,
		logger:  logger,
		scalars: scalars,
		texts:   texts,
		means:   map[string]*mean{},
	}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// RunID returns the unique id of the run.
func (t *Tracker) RunID() string {
	return t.runID
}

// RunDir returns the directory the run writes to.
func (t *Tracker) RunDir() string {
	return t.runDir
}

// GlobalStep returns the current global step.
func (t *Tracker) GlobalStep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// AddGlobalStep advances the global step by n.
func (t *Tracker) AddGlobalStep(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.step += n
	metrics.GlobalStep.Set(float64(t.step))
}

// SetGlobalStep sets the global step, e.g. when resuming from a checkpoint.
func (t *Tracker) SetGlobalStep(step int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.step = step
	metrics.GlobalStep.Set(float64(step))
}

// Save records a scalar at the current global step.
func (t *Tracker) Save(key string, value float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(scalarRecord{Step: t.step, Key: key, Value: value, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode scalar %s: %w", key, err)
	}
	if _, err := t.scalars.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write scalar %s: %w", key, err)
	}

	m, ok := t.means[key]
	if !ok {
		m = &mean{}
		t.means[key] = m
	}
	m.sum += value
	m.count++

	metrics.Scalars.WithLabelValues(key).Set(value)
	t.logger.V(logging.TRACE).Info("saved scalar", "step", t.step, "key", key, "value", value)

	return nil
}

// LogText records a text, such as a generated sample, at the current global
// step.
func (t *Tracker) LogText(key, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(textRecord{Step: t.step, Key: key, Text: text, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode text %s: %w", key, err)
	}
	if _, err := t.texts.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write text %s: %w", key, err)
	}

	t.logger.V(logging.DEBUG).Info("logged text", "step", t.step, "key", key, "text", text)

	return nil
}

// NewLine closes the current reporting period: it logs the mean of every
// scalar saved since the previous call, resets them, and returns them.
func (t *Tracker) NewLine() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	means := make(map[string]float64, len(t.means))
	keysAndValues := []any{"step", t.step}

	keys := make([]string, 0, len(t.means))
	for key := range t.means {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		m := t.means[key]
		means[key] = m.sum / float64(m.count)
		keysAndValues = append(keysAndValues, key, means[key])
	}

	t.means = map[string]*mean{}
	t.logger.Info("progress", keysAndValues...)

	return means
}

// Close flushes and closes the run logs.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return errors.Join(t.scalars.Close(), t.texts.Close())
}
