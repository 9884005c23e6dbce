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

// Package chunking splits character sequences into the fixed-length chunks
// used as retrieval queries.
package chunking

import "github.com/llm-d/llm-d-retro/pkg/utils"

// DefaultChunkLength is the number of characters per chunk.
const DefaultChunkLength = 16

// Chunk is a run of characters and its rune offset in the source text.
type Chunk struct {
	Offset int
	Text   string
}

// Split cuts text into chunks of chunkLength runes. A trailing chunk shorter
// than chunkLength is kept only if partial is set.
func Split(text []rune, chunkLength int, partial bool) []Chunk {
	if chunkLength <= 0 {
		return nil
	}

	var chunks []Chunk
	for i := 0; i < len(text); i += chunkLength {
		end := i + chunkLength
		if end > len(text) {
			if !partial {
				break
			}
			end = len(text)
		}

		chunks = append(chunks, Chunk{Offset: i, Text: string(text[i:end])})
	}

	return chunks
}

// Count returns how many chunks Split would return.
func Count(length, chunkLength int, partial bool) int {
	if chunkLength <= 0 || length <= 0 {
		return 0
	}
	if partial {
		return utils.CeilDiv(length, chunkLength)
	}

	return length / chunkLength
}

// DatabaseOffsets returns the offsets of the chunks indexed from a text of
// the given length: every chunk whose 2*chunkLength neighbour window lies
// strictly inside the text.
func DatabaseOffsets(length, chunkLength int) []int {
	if chunkLength <= 0 {
		return nil
	}

	var offsets []int
	for i := 0; i+2*chunkLength < length; i += chunkLength {
		offsets = append(offsets, i)
	}

	return offsets
}
