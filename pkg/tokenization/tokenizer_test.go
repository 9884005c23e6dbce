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

package tokenization_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-retro/pkg/tokenization"
)

// This should be skipped in fast unit tests.
const testModelName = "google-bert/bert-base-uncased"

func TestCachedHFTokenizer_Encode(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping tokenizer integration test in short mode")
	}

	tokenizer, err := tokenization.NewCachedHFTokenizer(&tokenization.HFTokenizerConfig{
		TokenizersCacheDir: t.TempDir(),
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		empty bool
	}{
		{name: "simple text", input: "hear me speak"},
		{name: "empty string", input: "", empty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := tokenizer.Encode(tt.input, testModelName)
			require.NoError(t, err)
			if tt.empty {
				assert.Empty(t, ids)
			} else {
				assert.NotEmpty(t, ids)
			}
		})
	}
}

func TestCachedHFTokenizer_SpecialTokens(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping tokenizer integration test in short mode")
	}

	dir := t.TempDir()
	plain, err := tokenization.NewCachedHFTokenizer(&tokenization.HFTokenizerConfig{TokenizersCacheDir: dir})
	require.NoError(t, err)
	special, err := tokenization.NewCachedHFTokenizer(&tokenization.HFTokenizerConfig{
		TokenizersCacheDir: dir,
		AddSpecialTokens:   true,
	})
	require.NoError(t, err)

	plainIDs, err := plain.Encode("speak", testModelName)
	require.NoError(t, err)
	specialIDs, err := special.Encode("speak", testModelName)
	require.NoError(t, err)

	assert.Len(t, specialIDs, len(plainIDs)+2)
}

func TestCachedHFTokenizer_ConcurrentLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping tokenizer integration test in short mode")
	}

	tokenizer, err := tokenization.NewCachedHFTokenizer(&tokenization.HFTokenizerConfig{
		TokenizersCacheDir: t.TempDir(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]uint32, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids, err := tokenizer.Encode("First Citizen", testModelName)
			assert.NoError(t, err)
			results[i] = ids
		}(i)
	}
	wg.Wait()

	for _, ids := range results[1:] {
		assert.Equal(t, results[0], ids)
	}
}
