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

// position addresses one output row: token t of sequence b.
type position struct {
	b, t  int
	group int // index into activations.groups, -1 when no neighbours
}

// neighborGroup is the pooled neighbour input of one (sequence, chunk).
type neighborGroup struct {
	tokens []int
	mean   []float64
}

// activations is what Backward needs from the last Forward.
type activations struct {
	src       [][]int
	positions []position
	groups    []neighborGroup

	xCtx   *mat.Dense // [n x window*d]
	xNbr   *mat.Dense // [n x d]
	pre    *mat.Dense // [n x hidden]
	hidden *mat.Dense // [n x hidden]
}

// Forward returns the logits of every position of every sequence, one row per
// position, sequences in order. src is [batch][position] and neighbors is
// [batch][chunk][neighbour][tokens]. The neighbours of chunk g are visible
// from the last token of the chunk on.
func (m *Model) Forward(src [][]int, neighbors [][][][]int) (*mat.Dense, error) {
	if err := m.checkInputs(src, neighbors); err != nil {
		return nil, err
	}

	var positions []position
	for b, seq := range src {
		for t := range seq {
			positions = append(positions, position{b: b, t: t})
		}
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no tokens in batch", ErrShapeMismatch)
	}

	return m.forward(src, neighbors, positions), nil
}

// NextLogits returns the logits for the token following src, given the
// neighbours of its chunks.
func (m *Model) NextLogits(src []int, neighbors [][][]int) ([]float64, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrShapeMismatch)
	}

	batch := [][]int{src}
	nbrs := [][][][]int{neighbors}
	if err := m.checkInputs(batch, nbrs); err != nil {
		return nil, err
	}

	logits := m.forward(batch, nbrs, []position{{b: 0, t: len(src) - 1}})
	return mat.Row(nil, 0, logits), nil
}

func (m *Model) checkInputs(src [][]int, neighbors [][][][]int) error {
	if len(src) == 0 {
		return fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	if len(neighbors) != len(src) {
		return fmt.Errorf("%w: %d sequences but %d neighbour sets", ErrShapeMismatch, len(src), len(neighbors))
	}

	for b, seq := range src {
		if err := m.checkTokens(seq); err != nil {
			return fmt.Errorf("sequence %d: %w", b, err)
		}
		for _, chunk := range neighbors[b] {
			for _, nbr := range chunk {
				if err := m.checkTokens(nbr); err != nil {
					return fmt.Errorf("neighbours of sequence %d: %w", b, err)
				}
			}
		}
	}

	return nil
}

func (m *Model) checkTokens(tokens []int) error {
	for _, tok := range tokens {
		if tok < 0 || tok >= m.config.VocabSize {
			return fmt.Errorf("%w: token %d outside vocabulary of %d", ErrShapeMismatch, tok, m.config.VocabSize)
		}
	}
	return nil
}

func (m *Model) forward(src [][]int, neighbors [][][][]int, positions []position) *mat.Dense {
	d, window := m.config.DModel, m.config.ContextWindow
	n := len(positions)

	act := &activations{
		src:       src,
		positions: positions,
		xCtx:      mat.NewDense(n, window*d, nil),
		xNbr:      mat.NewDense(n, d, nil),
	}

	groupIdx := map[[2]int]int{}
	for i := range positions {
		p := &positions[i]

		row := act.xCtx.RawRowView(i)
		for w := 0; w < window; w++ {
			pos := p.t - (window - 1) + w
			if pos < 0 {
				continue
			}
			copy(row[w*d:(w+1)*d], m.emb.Value.RawRowView(src[p.b][pos]))
		}

		p.group = -1
		g := (p.t+1)/m.config.ChunkLength - 1
		if g < 0 || g >= len(neighbors[p.b]) {
			continue
		}

		key := [2]int{p.b, g}
		idx, ok := groupIdx[key]
		if !ok {
			group := m.poolNeighbors(neighbors[p.b][g])
			if group == nil {
				groupIdx[key] = -1
				continue
			}
			idx = len(act.groups)
			act.groups = append(act.groups, *group)
			groupIdx[key] = idx
		}
		if idx < 0 {
			continue
		}

		p.group = idx
		copy(act.xNbr.RawRowView(i), act.groups[idx].mean)
	}

	hidden := m.config.DHidden
	act.pre = mat.NewDense(n, hidden, nil)
	act.pre.Mul(act.xCtx, m.wCtx.Value)

	var nbrTerm mat.Dense
	nbrTerm.Mul(act.xNbr, m.wNbr.Value)
	act.pre.Add(act.pre, &nbrTerm)
	addRowVector(act.pre, m.bHid.Value)

	act.hidden = mat.NewDense(n, hidden, nil)
	act.hidden.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, act.pre)

	logits := mat.NewDense(n, m.config.VocabSize, nil)
	logits.Mul(act.hidden, m.wOut.Value)
	addRowVector(logits, m.bOut.Value)

	m.last = act

	return logits
}

// poolNeighbors averages the neighbour embeddings of every token of one
// chunk's neighbours. It returns nil when there are no tokens.
func (m *Model) poolNeighbors(chunk [][]int) *neighborGroup {
	var tokens []int
	for _, nbr := range chunk {
		tokens = append(tokens, nbr...)
	}
	if len(tokens) == 0 {
		return nil
	}

	mean := make([]float64, m.config.DModel)
	for _, tok := range tokens {
		row := m.nbrEmb.Value.RawRowView(tok)
		for j := range mean {
			mean[j] += row[j]
		}
	}
	scale := 1 / float64(len(tokens))
	for j := range mean {
		mean[j] *= scale
	}

	return &neighborGroup{tokens: tokens, mean: mean}
}

// addRowVector adds the [1 x c] vector v to every row of a.
func addRowVector(a, v *mat.Dense) {
	bias := v.RawRowView(0)
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		row := a.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
}
