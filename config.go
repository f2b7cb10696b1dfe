// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package megablocks

import "fmt"

// Config holds the hyperparameters defining one MoE layer.
//
// CapacityFactor sets the per-expert token budget as a multiple of the
// expected perfectly-balanced load (SeqLen*BatchSize / experts-per-rank).
// A factor of 0 selects dynamic capacity: each forward call sizes the
// buffers to the largest observed per-expert count, so no token is dropped.
type Config struct {
	HiddenDim, FFNDim  int
	NumExperts, TopK   int
	SeqLen, BatchSize  int
	CapacityFactor     float32
	JitterEps          float32 // multiplicative routing jitter; 0 disables
	ExpertParallel     bool    // shard experts across the collective group
	Seed               int64   // weight init seed, shared across ranks
}

// Tiny returns a minimal config for tests: 16 hidden, 4 experts (top-1),
// 8x2 tokens, dynamic capacity.
func Tiny() Config {
	return Config{
		HiddenDim: 16, FFNDim: 32,
		NumExperts: 4, TopK: 1,
		SeqLen: 8, BatchSize: 2,
		Seed: 42,
	}
}

// Small returns a config with top-2 routing and a fixed capacity factor,
// large enough to exercise truncation under imbalanced assignments.
func Small() Config {
	return Config{
		HiddenDim: 32, FFNDim: 64,
		NumExperts: 8, TopK: 2,
		SeqLen: 16, BatchSize: 4,
		CapacityFactor: 1.0,
		Seed:           42,
	}
}

// Tokens returns the flattened token count of one forward call.
func (c Config) Tokens() int { return c.SeqLen * c.BatchSize }

// validate panics on configuration errors. Divisibility against the world
// size is checked separately in NewMoE, where the group is known.
func (c Config) validate() {
	if c.HiddenDim < 1 || c.FFNDim < 1 {
		panic(fmt.Sprintf("invalid dims: hidden=%d ffn=%d", c.HiddenDim, c.FFNDim))
	}
	if c.NumExperts < 1 {
		panic(fmt.Sprintf("invalid expert count %d", c.NumExperts))
	}
	if c.TopK < 1 || c.TopK > c.NumExperts {
		panic(fmt.Sprintf("invalid topK %d for %d experts", c.TopK, c.NumExperts))
	}
	if c.SeqLen < 1 || c.BatchSize < 1 {
		panic(fmt.Sprintf("invalid batch: seq=%d batch=%d", c.SeqLen, c.BatchSize))
	}
	if c.CapacityFactor < 0 {
		panic(fmt.Sprintf("invalid capacity factor %f", c.CapacityFactor))
	}
}
