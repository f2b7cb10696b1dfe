// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package megablocks

import (
	"fmt"
	"math/rand"

	"github.com/sashaDoubov/megablocks/tensor"
)

// Router computes per-token expert assignments via a learned gate.
//
// Gating:
//
//	scores = softmax(x @ weight)         -- probability over all experts
//	expert_id, expert_weight = top-k(scores)
//
// Unlike a renormalizing gate, the selected weights are the raw softmax
// probabilities of the chosen experts; they need not sum to 1. The router
// weight matrix is replicated on every rank (never sharded) so each rank
// can route its own batch.
type Router struct {
	weight     *tensor.Tensor // [H, E]
	hiddenDim  int
	numExperts int
	topK       int
	jitterEps  float32
	rng        *rand.Rand

	Training bool

	selected []bool // reusable per-token top-k selection flags
}

// NewRouter creates a top-k router with weights drawn from rng.
func NewRouter(hiddenDim, numExperts, topK int, jitterEps float32, rng *rand.Rand) *Router {
	if topK < 1 || topK > numExperts {
		panic(fmt.Sprintf("invalid topK %d for %d experts", topK, numExperts))
	}
	return &Router{
		weight:     tensor.RandnFrom(rng, tensor.NewShape(hiddenDim, numExperts), tensor.F32, initStd),
		hiddenDim:  hiddenDim,
		numExperts: numExperts,
		topK:       topK,
		jitterEps:  jitterEps,
		rng:        rng,
		selected:   make([]bool, numExperts),
	}
}

// jitter returns x perturbed by multiplicative uniform noise in
// [1-eps, 1+eps]. A training-time regularizer only; it never runs in eval.
func (r *Router) jitter(x *tensor.Tensor) *tensor.Tensor {
	low := 1.0 - r.jitterEps
	span := 2 * r.jitterEps
	out := tensor.New(x.Shape(), x.DType())
	src, dst := x.DataPtr(), out.DataPtr()
	for i := range dst {
		dst[i] = src[i] * (low + r.rng.Float32()*span)
	}
	return out
}

// RoutingScores routes a flattened token batch x of shape [T, H].
//
// Returns scores [T, E] (the full softmax, consumed by load-balancing
// bookkeeping), expertWeights [T, topK], and expertIDs as a fixed-size flat
// []int32 of length T*topK (token-major: token t's k-th choice is
// expertIDs[t*topK+k]). Selection is by descending score; ties resolve to
// the lowest expert id.
func (r *Router) RoutingScores(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, []int32) {
	if x.Shape().NDim() != 2 || x.Shape().At(1) != r.hiddenDim {
		panic(fmt.Sprintf("router: expected [T, %d] input, got %v", r.hiddenDim, x.Shape()))
	}
	if r.Training && r.jitterEps > 0 {
		x = r.jitter(x)
	}

	numTokens := x.Shape().At(0)
	scores := tensor.Matmul(x, r.weight).Softmax()
	sData := scores.DataPtr()

	weights := tensor.New(tensor.NewShape(numTokens, r.topK), tensor.F32)
	wData := weights.DataPtr()
	ids := make([]int32, numTokens*r.topK)

	// Greedy top-k per token: pick the highest-probability unselected
	// expert, k times. Strict > keeps the lowest expert id on ties.
	for t := 0; t < numTokens; t++ {
		row := sData[t*r.numExperts : (t+1)*r.numExperts]
		for e := range r.selected {
			r.selected[e] = false
		}
		for k := 0; k < r.topK; k++ {
			bestIdx, bestVal := -1, float32(-1)
			for e, v := range row {
				if !r.selected[e] && v > bestVal {
					bestIdx, bestVal = e, v
				}
			}
			r.selected[bestIdx] = true
			ids[t*r.topK+k] = int32(bestIdx)
			wData[t*r.topK+k] = bestVal
		}
	}
	return scores, weights, ids
}
