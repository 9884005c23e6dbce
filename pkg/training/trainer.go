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

// Package training runs optimisation epochs over the retrieval dataset.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-retro/pkg/model"
	"github.com/llm-d/llm-d-retro/pkg/retro/dataset"
	"github.com/llm-d/llm-d-retro/pkg/utils/logging"
)

// ErrNonFiniteLoss is returned when a batch loss is NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

const lossKey = "loss.train"

// Model is the trainable sequence model.
type Model interface {
	Forward(src [][]int, neighbors [][][][]int) (*mat.Dense, error)
	Backward(dLogits *mat.Dense) error
}

// Optimizer applies one update from the gradients of the last Backward.
type Optimizer interface {
	Step() float64
}

// BatchSource yields the batches of one epoch.
type BatchSource interface {
	Batches() []dataset.Batch
}

// Tracker records training progress.
type Tracker interface {
	Save(key string, value float64) error
	AddGlobalStep(n int)
}

// Trainer runs one optimizer step per batch.
type Trainer struct {
	model     Model
	optimizer Optimizer
	loader    BatchSource
	tracker   Tracker
}

// New creates a Trainer.
func New(m Model, optimizer Optimizer, loader BatchSource, tracker Tracker) *Trainer {
	return &Trainer{
		model:     m,
		optimizer: optimizer,
		loader:    loader,
		tracker:   tracker,
	}
}

// Train runs one epoch. It stops at the first failing batch.
func (t *Trainer) Train(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("training.Trainer.Train")

	batches := t.loader.Batches()
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		loss, lr, err := t.step(batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}

		if err := t.tracker.Save(lossKey, loss); err != nil {
			return fmt.Errorf("failed to record loss: %w", err)
		}
		t.tracker.AddGlobalStep(len(batch.Src))

		logger.V(logging.DEBUG).Info("trained batch", "batch", i, "of", len(batches), "loss", loss, "lr", lr)
	}

	return nil
}

func (t *Trainer) step(batch dataset.Batch) (float64, float64, error) {
	logits, err := t.model.Forward(batch.Src, batch.Neighbors)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to run model: %w", err)
	}

	loss, dLogits, err := model.CrossEntropy(logits, batch.Tgt)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute loss: %w", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}

	if err := t.model.Backward(dLogits); err != nil {
		return 0, 0, fmt.Errorf("failed to backpropagate: %w", err)
	}

	return loss, t.optimizer.Step(), nil
}
