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
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropy returns the mean next-token cross-entropy of logits against
// targets, flattened in the row order of Forward, together with the gradient
// of the loss with respect to logits.
func CrossEntropy(logits *mat.Dense, targets [][]int) (float64, *mat.Dense, error) {
	rows, vocab := logits.Dims()

	flat := make([]int, 0, rows)
	for _, seq := range targets {
		flat = append(flat, seq...)
	}
	if len(flat) != rows {
		return 0, nil, fmt.Errorf("%w: %d logit rows but %d targets", ErrShapeMismatch, rows, len(flat))
	}

	grad := mat.NewDense(rows, vocab, nil)
	scale := 1 / float64(rows)

	var loss float64
	for i, target := range flat {
		if target < 0 || target >= vocab {
			return 0, nil, fmt.Errorf("%w: target %d outside vocabulary of %d", ErrShapeMismatch, target, vocab)
		}

		row := logits.RawRowView(i)
		lse := floats.LogSumExp(row)
		loss += lse - row[target]

		g := grad.RawRowView(i)
		for j, v := range row {
			g[j] = math.Exp(v-lse) * scale
		}
		g[target] -= scale
	}

	return loss * scale, grad, nil
}

// Backward writes the gradient of every parameter given the gradient of the
// loss with respect to the logits of the last Forward. Previous gradients
// are overwritten.
func (m *Model) Backward(dLogits *mat.Dense) error {
	act := m.last
	if act == nil {
		return errors.New("backward called before forward")
	}

	n := len(act.positions)
	if r, c := dLogits.Dims(); r != n || c != m.config.VocabSize {
		return fmt.Errorf("%w: logits gradient is %dx%d, expected %dx%d",
			ErrShapeMismatch, r, c, n, m.config.VocabSize)
	}

	for _, p := range m.Params() {
		p.Grad.Zero()
	}

	m.wOut.Grad.Mul(act.hidden.T(), dLogits)
	sumRows(m.bOut.Grad, dLogits)

	dPre := mat.NewDense(n, m.config.DHidden, nil)
	dPre.Mul(dLogits, m.wOut.Value.T())
	dPre.Apply(func(i, j int, v float64) float64 {
		if act.pre.At(i, j) > 0 {
			return v
		}
		return 0
	}, dPre)

	m.wCtx.Grad.Mul(act.xCtx.T(), dPre)
	m.wNbr.Grad.Mul(act.xNbr.T(), dPre)
	sumRows(m.bHid.Grad, dPre)

	var dCtx mat.Dense
	dCtx.Mul(dPre, m.wCtx.Value.T())
	m.scatterContext(act, &dCtx)

	var dNbr mat.Dense
	dNbr.Mul(dPre, m.wNbr.Value.T())
	m.scatterNeighbors(act, &dNbr)

	return nil
}

// scatterContext routes the context input gradient back to the embedding
// rows of the tokens in each window.
func (m *Model) scatterContext(act *activations, dCtx *mat.Dense) {
	d, window := m.config.DModel, m.config.ContextWindow
	for i, p := range act.positions {
		row := dCtx.RawRowView(i)
		for w := 0; w < window; w++ {
			pos := p.t - (window - 1) + w
			if pos < 0 {
				continue
			}
			floats.Add(m.emb.Grad.RawRowView(act.src[p.b][pos]), row[w*d:(w+1)*d])
		}
	}
}

// scatterNeighbors routes the pooled neighbour gradient back to every
// neighbour token of the pooled group.
func (m *Model) scatterNeighbors(act *activations, dNbr *mat.Dense) {
	if len(act.groups) == 0 {
		return
	}

	sums := make([][]float64, len(act.groups))
	for i, p := range act.positions {
		if p.group < 0 {
			continue
		}
		if sums[p.group] == nil {
			sums[p.group] = make([]float64, m.config.DModel)
		}
		floats.Add(sums[p.group], dNbr.RawRowView(i))
	}

	for g, sum := range sums {
		if sum == nil {
			continue
		}
		scale := 1 / float64(len(act.groups[g].tokens))
		for _, tok := range act.groups[g].tokens {
			floats.AddScaled(m.nbrEmb.Grad.RawRowView(tok), scale, sum)
		}
	}
}

// sumRows writes the column sums of a into the [1 x c] matrix dst.
func sumRows(dst, a *mat.Dense) {
	out := dst.RawRowView(0)
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		floats.Add(out, a.RawRowView(i))
	}
}
