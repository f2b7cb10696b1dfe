// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package megablocks

import (
	"fmt"

	"github.com/sashaDoubov/megablocks/tensor"
)

// Contribution is one layer's load-balancing inputs: the per-expert token
// counts and the full routing scores of a single forward call. Both are
// snapshots; mutating them after recording corrupts the step's loss.
type Contribution struct {
	TokensPerExpert []int32
	Scores          *tensor.Tensor // [T, E]
}

// LossTracker accumulates load-balancing contributions across the MoE
// layers of one training step. It is owned by the training-step driver:
// BeginStep clears it before the forward passes, each layer Records once,
// and Drain hands the contributions to the loss aggregator before the
// step's loss is finalized. Not safe for concurrent use; in SPMD runs each
// rank owns its own tracker.
type LossTracker struct {
	contributions []Contribution
}

// NewLossTracker creates an empty tracker.
func NewLossTracker() *LossTracker { return &LossTracker{} }

// BeginStep discards any recorded contributions, keeping the backing array.
func (lt *LossTracker) BeginStep() { lt.contributions = lt.contributions[:0] }

// Record appends one layer's contribution.
func (lt *LossTracker) Record(c Contribution) {
	lt.contributions = append(lt.contributions, c)
}

// Drain returns all recorded contributions and resets the tracker.
func (lt *LossTracker) Drain() []Contribution {
	out := lt.contributions
	lt.contributions = nil
	return out
}

// Len returns the number of recorded contributions.
func (lt *LossTracker) Len() int { return len(lt.contributions) }

// LoadBalancingLoss computes one layer's load-balancing loss:
//
//	loss = E/(T*k) * dot(tokensPerExpert, mean_t scores[t])
//
// It is minimized by a uniform assignment; the scale keeps it independent
// of expert count and batch size.
func LoadBalancingLoss(tokensPerExpert []int32, scores *tensor.Tensor, topK int) float32 {
	if scores.Shape().NDim() != 2 {
		panic(fmt.Sprintf("load balancing loss: expected [T, E] scores, got %v", scores.Shape()))
	}
	numTokens, numExperts := scores.Shape().At(0), scores.Shape().At(1)
	if len(tokensPerExpert) != numExperts {
		panic(fmt.Sprintf("load balancing loss: %d counts for %d experts",
			len(tokensPerExpert), numExperts))
	}

	sData := scores.DataPtr()
	var loss float32
	for e := 0; e < numExperts; e++ {
		var meanScore float32
		for t := 0; t < numTokens; t++ {
			meanScore += sData[t*numExperts+e]
		}
		meanScore /= float32(numTokens)
		loss += float32(tokensPerExpert[e]) * meanScore
	}
	scale := float32(numExperts) / float32(numTokens*topK)
	return scale * loss
}

// BalanceConfig scales the batched load-balancing loss across layers.
type BalanceConfig struct {
	NumLayers      int
	NumExperts     int
	TopK           int
	LossWeight     float32
	TokensPerBatch int
}

// BatchedLoadBalancingLoss combines the contributions drained from a
// tracker into the step's total load-balancing loss:
//
//	scale = E * weight / (layers * tokens * k)
//	loss  = scale * sum_l dot(tokensPerExpert_l, mean_t scores_l[t])
//
// Exactly one contribution per layer is expected; a mismatch means a layer
// was skipped or recorded twice and is a caller bug.
func BatchedLoadBalancingLoss(contributions []Contribution, cfg BalanceConfig) float32 {
	if len(contributions) != cfg.NumLayers {
		panic(fmt.Sprintf("expected %d contributions, got %d", cfg.NumLayers, len(contributions)))
	}

	var dot float32
	for _, c := range contributions {
		numTokens, numExperts := c.Scores.Shape().At(0), c.Scores.Shape().At(1)
		if numExperts != cfg.NumExperts || len(c.TokensPerExpert) != cfg.NumExperts {
			panic(fmt.Sprintf("expected %d experts, got scores for %d and %d counts",
				cfg.NumExperts, numExperts, len(c.TokensPerExpert)))
		}
		sData := c.Scores.DataPtr()
		for e := 0; e < numExperts; e++ {
			var meanScore float32
			for t := 0; t < numTokens; t++ {
				meanScore += sData[t*numExperts+e]
			}
			meanScore /= float32(numTokens)
			dot += float32(c.TokensPerExpert[e]) * meanScore
		}
	}

	scale := (float32(cfg.NumExperts) * cfg.LossWeight) /
		(float32(cfg.NumLayers) * float32(cfg.TokensPerBatch) * float32(cfg.TopK))
	return scale * dot
}
