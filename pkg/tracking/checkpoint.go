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

package tracking

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	checkpointsDir = "checkpoints"
	checkpointFile = "model.msgpack"
)

// ErrNoCheckpoint is returned when a run directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// SaveCheckpoint writes v to checkpoints/<global step>/model.msgpack in the
// run directory and returns the file path.
func (t *Tracker) SaveCheckpoint(v any) (string, error) {
	step := t.GlobalStep()

	dir := filepath.Join(t.runDir, checkpointsDir, strconv.Itoa(step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	path := filepath.Join(dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	t.logger.Info("saved checkpoint", "step", step, "path", path)

	return path, nil
}

// LoadCheckpoint decodes the checkpoint at path into v. path may be a
// checkpoint file or a run directory, in which case its latest checkpoint
// is used.
func LoadCheckpoint(path string, v any) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	if info.IsDir() {
		if path, err = LatestCheckpoint(path); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return nil
}

// LatestCheckpoint returns the checkpoint file with the highest step in
// runDir.
func LatestCheckpoint(runDir string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, checkpointsDir))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, runDir)
	}
	if err != nil {
		return "", fmt.Errorf("failed to list checkpoints: %w", err)
	}

	latest := -1
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		step, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		path := filepath.Join(runDir, checkpointsDir, entry.Name(), checkpointFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		latest = max(latest, step)
	}

	if latest < 0 {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, runDir)
	}

	return filepath.Join(runDir, checkpointsDir, strconv.Itoa(latest), checkpointFile), nil
}
