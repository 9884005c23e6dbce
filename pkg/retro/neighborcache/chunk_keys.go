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

package neighborcache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// KeyConfig holds the configuration for chunk key derivation.
type KeyConfig struct {
	// HashSeed is mixed into every chunk hash. Caches shared between runs
	// built over different corpora or indexes should use different seeds.
	HashSeed string `json:"hashSeed"`
}

// DefaultKeyConfig returns the default key configuration.
func DefaultKeyConfig() *KeyConfig {
	return &KeyConfig{HashSeed: ""}
}

// ChunkKeyer turns chunk text into cache keys.
type ChunkKeyer struct {
	seed    string
	encMode cbor.EncMode
}

// NewChunkKeyer creates a ChunkKeyer.
func NewChunkKeyer(cfg *KeyConfig) (*ChunkKeyer, error) {
	if cfg == nil {
		cfg = DefaultKeyConfig()
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	return &ChunkKeyer{seed: cfg.HashSeed, encMode: encMode}, nil
}

// Key computes the key of a chunk: the lower 64 bits of the SHA-256 of the
// canonical CBOR encoding of (seed, chunk length, chunk).
func (k *ChunkKeyer) Key(chunk string, chunkLength int) (Key, error) {
	b, err := k.encMode.Marshal([]interface{}{k.seed, chunkLength, chunk})
	if err != nil {
		return Key{}, fmt.Errorf("failed to marshal chunk to CBOR: %w", err)
	}

	sum := sha256.Sum256(b)

	return Key{
		ChunkLength: chunkLength,
		ChunkHash:   binary.BigEndian.Uint64(sum[24:]),
	}, nil
}

// Keys computes the keys of several chunks.
func (k *ChunkKeyer) Keys(chunks []string, chunkLength int) ([]Key, error) {
	keys := make([]Key, len(chunks))
	for i, chunk := range chunks {
		key, err := k.Key(chunk, chunkLength)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	return keys, nil
}
