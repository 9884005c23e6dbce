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

package sampling_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/llm-d-retro/pkg/retro/chunking"
	"github.com/llm-d/llm-d-retro/pkg/sampling"
)

func TestTokenBuffer(t *testing.T) {
	buf := sampling.NewTokenBuffer(4, "abcdef", []int{0, 1, 2, 3, 4, 5})

	assert.Equal(t, 6, buf.Len())
	assert.Equal(t, 0, buf.Cursor())
	assert.Equal(t, []chunking.Chunk{{Offset: 0, Text: "abcd"}}, buf.Pending(false))
	assert.Equal(t, []chunking.Chunk{{Offset: 0, Text: "abcd"}, {Offset: 4, Text: "ef"}}, buf.Pending(true))

	buf.AddNeighbors([][]int{{9}})
	buf.AddNeighbors([][]int{{8}})
	assert.Equal(t, 2, buf.Cursor())
	assert.Empty(t, buf.Pending(true))

	buf.Append("gh", []int{6, 7})
	assert.Equal(t, "abcdefgh", buf.Text())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, buf.Tokens())
	// the second chunk was retrieved while short and is not pending again
	assert.Empty(t, buf.Pending(true))

	buf.Append("i", []int{8})
	assert.Equal(t, []chunking.Chunk{{Offset: 8, Text: "i"}}, buf.Pending(true))
	assert.Equal(t, [][][]int{{{9}}, {{8}}}, buf.Neighbors())
}
