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

package chunking_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
)

func TestSplit(t *testing.T) {
	text := []rune("abcdefghij")

	cases := []struct {
		name    string
		partial bool
		want    []chunking.Chunk
	}{
		{
			name:    "complete chunks only",
			partial: false,
			want: []chunking.Chunk{
				{Offset: 0, Text: "abcd"},
				{Offset: 4, Text: "efgh"},
			},
		},
		{
			name:    "with trailing partial chunk",
			partial: true,
			want: []chunking.Chunk{
				{Offset: 0, Text: "abcd"},
				{Offset: 4, Text: "efgh"},
				{Offset: 8, Text: "ij"},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, chunking.Split(text, 4, c.partial))
			assert.Equal(t, len(c.want), chunking.Count(len(text), 4, c.partial))
		})
	}
}

func TestSplitEdgeCases(t *testing.T) {
	assert.Empty(t, chunking.Split(nil, 4, true))
	assert.Empty(t, chunking.Split([]rune("abc"), 0, true))
	assert.Empty(t, chunking.Split([]rune("abc"), 4, false))
	assert.Equal(t, []chunking.Chunk{{Offset: 0, Text: "abc"}}, chunking.Split([]rune("abc"), 4, true))
	assert.Equal(t, 0, chunking.Count(0, 4, true))
}

func TestDatabaseOffsets(t *testing.T) {
	// windows [o, o+8) must end strictly before 13
	assert.Equal(t, []int{0, 4}, chunking.DatabaseOffsets(13, 4))
	assert.Equal(t, []int{0}, chunking.DatabaseOffsets(12, 4))
	assert.Empty(t, chunking.DatabaseOffsets(8, 4))
}
