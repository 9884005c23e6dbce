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

// Package model implements the retrieval-conditioned next character model:
// a windowed context MLP whose hidden layer also sees the mean embedding of
// the neighbours retrieved for the current chunk.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
)

const (
	defaultDModel        = 32
	defaultContextWindow = 16
	defaultDHidden       = 128
	embeddingInitScale   = 0.1
)

// ErrShapeMismatch is returned when inputs, targets or a loaded state do not
// fit the model.
var ErrShapeMismatch = errors.New("shape mismatch")

// Parameter names, in Params order.
const (
	ParamEmbedding         = "emb"
	ParamNeighborEmbedding = "nbr_emb"
	ParamContextWeights    = "w_ctx"
	ParamNeighborWeights   = "w_nbr"
	ParamHiddenBias        = "b_hidden"
	ParamOutputWeights     = "w_out"
	ParamOutputBias        = "b_out"
)

// Config holds the model hyper-parameters.
type Config struct {
	// VocabSize is the number of token ids. It is normally taken from the
	// corpus vocabulary.
	VocabSize int `json:"vocabSize"`
	// ChunkLength is the number of tokens per retrieval chunk.
	ChunkLength int `json:"chunkLength"`
	// DModel is the embedding width.
	DModel int `json:"dModel"`
	// ContextWindow is the number of previous tokens each position sees.
	ContextWindow int `json:"contextWindow"`
	// DHidden is the hidden layer width.
	DHidden int    `json:"dHidden"`
	Seed    uint64 `json:"seed"`
}

// DefaultConfig returns the default model shape. VocabSize is left unset.
func DefaultConfig() *Config {
	return &Config{
		ChunkLength:   chunking.DefaultChunkLength,
		DModel:        defaultDModel,
		ContextWindow: defaultContextWindow,
		DHidden:       defaultDHidden,
	}
}

func (c *Config) validate() error {
	if c.VocabSize <= 0 || c.ChunkLength <= 0 || c.DModel <= 0 || c.ContextWindow <= 0 || c.DHidden <= 0 {
		return fmt.Errorf("invalid model configuration: %+v", *c)
	}
	return nil
}

// Param is a trainable matrix and the gradient written by the last Backward.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Model is the sequence model. It is not safe for concurrent use: Forward
// keeps the activations Backward needs.
type Model struct {
	config Config

	emb    *Param // [vocab x d]
	nbrEmb *Param // [vocab x d]
	wCtx   *Param // [window*d x hidden]
	wNbr   *Param // [d x hidden]
	bHid   *Param // [1 x hidden]
	wOut   *Param // [hidden x vocab]
	bOut   *Param // [1 x vocab]

	last *activations
}

// New creates a model with seeded random weights.
func New(config *Config) (*Model, error) {
	if config == nil {
		return nil, errors.New("model configuration is required")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	cfg := *config
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)) //nolint:gosec // reproducible init

	normal := func(rows, cols int, scale float64) *mat.Dense {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = rng.NormFloat64() * scale
		}
		return mat.NewDense(rows, cols, data)
	}

	ctxIn := cfg.ContextWindow * cfg.DModel
	m := &Model{
		config: cfg,
		emb:    newParam(ParamEmbedding, normal(cfg.VocabSize, cfg.DModel, embeddingInitScale)),
		nbrEmb: newParam(ParamNeighborEmbedding, normal(cfg.VocabSize, cfg.DModel, embeddingInitScale)),
		wCtx:   newParam(ParamContextWeights, normal(ctxIn, cfg.DHidden, 1/math.Sqrt(float64(ctxIn)))),
		wNbr:   newParam(ParamNeighborWeights, normal(cfg.DModel, cfg.DHidden, 1/math.Sqrt(float64(cfg.DModel)))),
		bHid:   newParam(ParamHiddenBias, mat.NewDense(1, cfg.DHidden, nil)),
		wOut:   newParam(ParamOutputWeights, normal(cfg.DHidden, cfg.VocabSize, 1/math.Sqrt(float64(cfg.DHidden)))),
		bOut:   newParam(ParamOutputBias, mat.NewDense(1, cfg.VocabSize, nil)),
	}

	return m, nil
}

func newParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config {
	return m.config
}

// Params returns the trainable parameters in a fixed order.
func (m *Model) Params() []*Param {
	return []*Param{m.emb, m.nbrEmb, m.wCtx, m.wNbr, m.bHid, m.wOut, m.bOut}
}
