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

// Package optim implements the Adam optimizer with a Noam learning-rate
// schedule.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/llm-d/llm-d-retro/pkg/model"
)

const (
	defaultLearningRate = 1.0
	defaultWarmup       = 2000
	defaultDModel       = 32
	defaultBeta1        = 0.9
	defaultBeta2        = 0.98
	defaultEpsilon      = 1e-9
)

// Config holds the optimizer configuration.
type Config struct {
	// LearningRate scales the Noam schedule.
	LearningRate float64 `json:"learningRate"`
	// Warmup is the number of steps the rate grows for.
	Warmup int `json:"warmup"`
	// DModel is the model width the schedule is normalized by.
	DModel  int     `json:"dModel"`
	Beta1   float64 `json:"beta1"`
	Beta2   float64 `json:"beta2"`
	Epsilon float64 `json:"epsilon"`
}

// DefaultConfig returns a default configuration for the optimizer.
func DefaultConfig() *Config {
	return &Config{
		LearningRate: defaultLearningRate,
		Warmup:       defaultWarmup,
		DModel:       defaultDModel,
		Beta1:        defaultBeta1,
		Beta2:        defaultBeta2,
		Epsilon:      defaultEpsilon,
	}
}

// NoamRate returns the learning rate of step (1-based):
// lr * dModel^-0.5 * min(step^-0.5, step * warmup^-1.5).
func NoamRate(lr float64, dModel, warmup, step int) float64 {
	s := float64(max(step, 1))
	return lr * math.Pow(float64(dModel), -0.5) *
		math.Min(math.Pow(s, -0.5), s*math.Pow(float64(warmup), -1.5))
}

// Adam updates model parameters from their gradients.
type Adam struct {
	config *Config
	params []*model.Param
	m, v   []*mat.Dense
	step   int
}

// NewAdam creates an optimizer over params.
func NewAdam(params []*model.Param, config *Config) (*Adam, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LearningRate <= 0 || config.Warmup <= 0 || config.DModel <= 0 {
		return nil, fmt.Errorf("invalid optimizer configuration: %+v", *config)
	}

	a := &Adam{config: config, params: params}
	for _, p := range params {
		r, c := p.Value.Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
	}

	return a, nil
}

// Steps returns the number of updates applied.
func (a *Adam) Steps() int {
	return a.step
}

// Rate returns the learning rate the next Step will use.
func (a *Adam) Rate() float64 {
	return NoamRate(a.config.LearningRate, a.config.DModel, a.config.Warmup, a.step+1)
}

// Step applies one bias-corrected Adam update to every parameter and returns
// the learning rate used.
func (a *Adam) Step() float64 {
	lr := a.Rate()
	a.step++

	b1, b2, eps := a.config.Beta1, a.config.Beta2, a.config.Epsilon
	c1 := 1 / (1 - math.Pow(b1, float64(a.step)))
	c2 := 1 / (1 - math.Pow(b2, float64(a.step)))

	for i, p := range a.params {
		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		m := a.m[i].RawMatrix().Data
		v := a.v[i].RawMatrix().Data

		for j, g := range grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			value[j] -= lr * (m[j] * c1) / (math.Sqrt(v[j]*c2) + eps)
		}
	}

	return lr
}

// State is the serialized optimizer state.
type State struct {
	Step int         `msgpack:"step"`
	M    [][]float64 `msgpack:"m"`
	V    [][]float64 `msgpack:"v"`
}

// State returns a copy of the moment estimates and step count.
func (a *Adam) State() *State {
	s := &State{Step: a.step}
	for i := range a.params {
		s.M = append(s.M, append([]float64(nil), a.m[i].RawMatrix().Data...))
		s.V = append(s.V, append([]float64(nil), a.v[i].RawMatrix().Data...))
	}
	return s
}

// LoadState restores a state returned by State.
func (a *Adam) LoadState(s *State) error {
	if len(s.M) != len(a.params) || len(s.V) != len(a.params) {
		return fmt.Errorf("%w: optimizer state has %d moments, expected %d", model.ErrShapeMismatch, len(s.M), len(a.params))
	}
	for i := range a.params {
		if len(s.M[i]) != len(a.m[i].RawMatrix().Data) || len(s.V[i]) != len(a.v[i].RawMatrix().Data) {
			return fmt.Errorf("%w: optimizer moments of %s", model.ErrShapeMismatch, a.params[i].Name)
		}
	}

	for i := range a.params {
		copy(a.m[i].RawMatrix().Data, s.M[i])
		copy(a.v[i].RawMatrix().Data, s.V[i])
	}
	a.step = s.Step

	return nil
}
