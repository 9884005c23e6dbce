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

package sampling

import (
	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
)

// TokenBuffer is the append-only state of a prompt being extended: its
// characters, their token ids, and the neighbours retrieved so far, one
// group per chunk. The cursor is the number of chunk groups retrieved.
type TokenBuffer struct {
	chunkLength int
	runes       []rune
	tokens      []int
	neighbors   [][][]int // [chunk][neighbour][tokens]
}

// NewTokenBuffer creates a buffer holding text, whose token ids are tokens.
func NewTokenBuffer(chunkLength int, text string, tokens []int) *TokenBuffer {
	return &TokenBuffer{
		chunkLength: chunkLength,
		runes:       []rune(text),
		tokens:      append([]int(nil), tokens...),
	}
}

// Append extends the buffer by text and its token ids.
func (b *TokenBuffer) Append(text string, tokens []int) {
	b.runes = append(b.runes, []rune(text)...)
	b.tokens = append(b.tokens, tokens...)
}

// Len returns the number of characters in the buffer.
func (b *TokenBuffer) Len() int {
	return len(b.runes)
}

// Text returns the buffered text.
func (b *TokenBuffer) Text() string {
	return string(b.runes)
}

// Tokens returns the token ids of the buffered text. The slice must not be
// modified.
func (b *TokenBuffer) Tokens() []int {
	return b.tokens
}

// Cursor returns the number of chunk groups whose neighbours were retrieved.
func (b *TokenBuffer) Cursor() int {
	return len(b.neighbors)
}

// Neighbors returns the neighbour tokens of every retrieved chunk group.
func (b *TokenBuffer) Neighbors() [][][]int {
	return b.neighbors
}

// Pending returns the chunks not retrieved yet. With partial set, a trailing
// short chunk is pending as well; once retrieved it is not returned again
// when it later fills up.
func (b *TokenBuffer) Pending(partial bool) []chunking.Chunk {
	want := chunking.Count(len(b.runes), b.chunkLength, partial)

	var pending []chunking.Chunk
	for g := b.Cursor(); g < want; g++ {
		start := g * b.chunkLength
		end := min(start+b.chunkLength, len(b.runes))
		pending = append(pending, chunking.Chunk{Offset: start, Text: string(b.runes[start:end])})
	}

	return pending
}

// AddNeighbors records the neighbour tokens of the next chunk group and
// advances the cursor.
func (b *TokenBuffer) AddNeighbors(neighbors [][]int) {
	b.neighbors = append(b.neighbors, neighbors)
}
