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

package corpus

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnknownCharacter is returned when encoding a character outside the
	// vocabulary.
	ErrUnknownCharacter = errors.New("unknown character")
	// ErrUnknownToken is returned when decoding an id outside the vocabulary.
	ErrUnknownToken = errors.New("unknown token")
)

// Tokenizer maps between text and token ids.
type Tokenizer interface {
	// Encode converts text to token ids.
	Encode(text string) ([]int, error)
	// Decode converts token ids back to text.
	Decode(ids []int) (string, error)
	// Size returns the number of distinct tokens.
	Size() int
}

// Vocabulary is a character-level tokenizer over the sorted distinct runes
// of a text.
type Vocabulary struct {
	itos []rune
	stoi map[rune]int
}

var _ Tokenizer = &Vocabulary{}

// NewVocabulary builds a vocabulary from every distinct rune in text.
func NewVocabulary(text string) *Vocabulary {
	seen := make(map[rune]struct{})
	for _, r := range text {
		seen[r] = struct{}{}
	}

	itos := make([]rune, 0, len(seen))
	for r := range seen {
		itos = append(itos, r)
	}
	slices.Sort(itos)

	stoi := make(map[rune]int, len(itos))
	for i, r := range itos {
		stoi[r] = i
	}

	return &Vocabulary{itos: itos, stoi: stoi}
}

// Size returns the number of characters in the vocabulary.
func (v *Vocabulary) Size() int {
	return len(v.itos)
}

// EncodeRune returns the id of a single character.
func (v *Vocabulary) EncodeRune(r rune) (int, error) {
	id, ok := v.stoi[r]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCharacter, r)
	}

	return id, nil
}

// DecodeToken returns the character of a single id.
func (v *Vocabulary) DecodeToken(id int) (rune, error) {
	if id < 0 || id >= len(v.itos) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}

	return v.itos[id], nil
}

// Encode converts text to token ids.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id, err := v.EncodeRune(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Decode converts token ids to text.
func (v *Vocabulary) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		r, err := v.DecodeToken(id)
		if err != nil {
			return "", err
		}
		sb.WriteRune(r)
	}

	return sb.String(), nil
}
