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

package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ParamState is the serialized form of one parameter.
type ParamState struct {
	Name string    `msgpack:"name"`
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

// State is a checkpoint of the model.
type State struct {
	Config Config       `msgpack:"config"`
	Params []ParamState `msgpack:"params"`
}

// State returns a copy of the model configuration and weights.
func (m *Model) State() *State {
	params := m.Params()
	state := &State{Config: m.config, Params: make([]ParamState, len(params))}
	for i, p := range params {
		r, c := p.Value.Dims()
		state.Params[i] = ParamState{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.Value.RawMatrix().Data...),
		}
	}

	return state
}

// LoadState replaces the model weights with the ones in state. The state
// must come from a model of the same shape.
func (m *Model) LoadState(state *State) error {
	params := m.Params()
	if len(state.Params) != len(params) {
		return fmt.Errorf("%w: state has %d parameters, model has %d", ErrShapeMismatch, len(state.Params), len(params))
	}

	for i, p := range params {
		ps := state.Params[i]
		r, c := p.Value.Dims()
		if ps.Name != p.Name || ps.Rows != r || ps.Cols != c || len(ps.Data) != r*c {
			return fmt.Errorf("%w: parameter %s is %dx%d, state has %s %dx%d",
				ErrShapeMismatch, p.Name, r, c, ps.Name, ps.Rows, ps.Cols)
		}
	}

	for i, p := range params {
		ps := state.Params[i]
		p.Value.Copy(mat.NewDense(ps.Rows, ps.Cols, ps.Data))
		p.Grad.Zero()
	}
	m.last = nil

	return nil
}

// FromState creates a model from a checkpoint.
func FromState(state *State) (*Model, error) {
	cfg := state.Config
	m, err := New(&cfg)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(state); err != nil {
		return nil, err
	}

	return m, nil
}
