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
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// DecodingStrategy names the rule used to pick the next token.
type DecodingStrategy string

const (
	// Greedy picks the most likely token.
	Greedy DecodingStrategy = "greedy"
	// Temperature samples from the softmax of logits / temperature.
	Temperature DecodingStrategy = "temperature"
	// TopK samples among the k most likely tokens.
	TopK DecodingStrategy = "top-k"
	// TopP samples among the smallest set of tokens whose probability
	// reaches p.
	TopP DecodingStrategy = "top-p"
)

const (
	defaultTemperature = 1.0
	defaultTopK        = 5
	defaultTopP        = 0.9
)

// DecodingConfig holds the configuration for the Decoder.
type DecodingConfig struct {
	Strategy    DecodingStrategy `json:"strategy"`
	Temperature float64          `json:"temperature"`
	TopK        int              `json:"topK"`
	TopP        float64          `json:"topP"`
	Seed        uint64           `json:"seed"`
}

// DefaultDecodingConfig returns a default configuration: greedy decoding.
func DefaultDecodingConfig() *DecodingConfig {
	return &DecodingConfig{
		Strategy:    Greedy,
		Temperature: defaultTemperature,
		TopK:        defaultTopK,
		TopP:        defaultTopP,
	}
}

// Decoder picks a token id from next-token logits.
type Decoder interface {
	Decode(logits []float64) int
	Strategy() DecodingStrategy
}

// NewDecoder creates a Decoder given a DecodingConfig.
func NewDecoder(config *DecodingConfig) (Decoder, error) {
	if config == nil {
		config = DefaultDecodingConfig()
	}

	newRand := func() *rand.Rand {
		return rand.New(rand.NewPCG(config.Seed, config.Seed)) //nolint:gosec // reproducible sampling
	}

	switch config.Strategy {
	case Greedy, "":
		return &GreedyDecoder{}, nil
	case Temperature:
		if config.Temperature <= 0 {
			return nil, fmt.Errorf("temperature must be positive, got %v", config.Temperature)
		}
		return &SamplingDecoder{strategy: Temperature, temperature: config.Temperature, rng: newRand()}, nil
	case TopK:
		if config.TopK <= 0 || config.Temperature <= 0 {
			return nil, fmt.Errorf("invalid top-k decoding: k %d, temperature %v", config.TopK, config.Temperature)
		}
		return &SamplingDecoder{strategy: TopK, temperature: config.Temperature, topK: config.TopK, rng: newRand()}, nil
	case TopP:
		if config.TopP <= 0 || config.TopP > 1 || config.Temperature <= 0 {
			return nil, fmt.Errorf("invalid top-p decoding: p %v, temperature %v", config.TopP, config.Temperature)
		}
		return &SamplingDecoder{strategy: TopP, temperature: config.Temperature, topP: config.TopP, rng: newRand()}, nil
	default:
		return nil, fmt.Errorf("unsupported decoding strategy: %s", config.Strategy)
	}
}

// GreedyDecoder returns the arg max of the logits.
type GreedyDecoder struct{}

var _ Decoder = &GreedyDecoder{}

// Strategy returns Greedy.
func (d *GreedyDecoder) Strategy() DecodingStrategy {
	return Greedy
}

// Decode returns the index of the largest logit, the lowest on ties.
func (d *GreedyDecoder) Decode(logits []float64) int {
	return floats.MaxIdx(logits)
}

// SamplingDecoder draws from the tempered softmax, optionally restricted to
// the top k tokens or the top p probability mass.
type SamplingDecoder struct {
	strategy    DecodingStrategy
	temperature float64
	topK        int
	topP        float64
	rng         *rand.Rand
}

var _ Decoder = &SamplingDecoder{}

// Strategy returns the configured strategy.
func (d *SamplingDecoder) Strategy() DecodingStrategy {
	return d.strategy
}

// Decode draws one token id.
func (d *SamplingDecoder) Decode(logits []float64) int {
	probs := softmax(logits, d.temperature)

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case probs[a] > probs[b]:
			return -1
		case probs[a] < probs[b]:
			return 1
		default:
			return 0
		}
	})

	keep := len(order)
	switch d.strategy {
	case TopK:
		keep = min(d.topK, keep)
	case TopP:
		var mass float64
		for i, idx := range order {
			mass += probs[idx]
			if mass >= d.topP {
				keep = i + 1
				break
			}
		}
	}
	order = order[:keep]

	var total float64
	for _, idx := range order {
		total += probs[idx]
	}

	r := d.rng.Float64() * total
	for _, idx := range order {
		r -= probs[idx]
		if r < 0 {
			return idx
		}
	}

	return order[len(order)-1]
}

func softmax(logits []float64, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	floats.ScaleTo(scaled, 1/temperature, logits)

	lse := floats.LogSumExp(scaled)
	for i, v := range scaled {
		scaled[i] = math.Exp(v - lse)
	}

	return scaled
}
