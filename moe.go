// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package megablocks implements the token routing and permutation engine of
// a Mixture-of-Experts layer: a learned top-k router, capacity-bounded
// grouping of tokens by expert, and — when experts are sharded across ranks
// — an all-to-all exchange that redistributes tokens to the rank owning
// their expert and inverts every permutation exactly on the way back.
package megablocks

import (
	"fmt"
	"math/rand"

	"github.com/sashaDoubov/megablocks/tensor"
)

// initStd is the standard deviation for router and expert weight init.
const initStd = 0.02

// ComputeFn is the expert feed-forward kernel applied to the gathered,
// per-expert-grouped token block [E_local*capacity, H]. The layer treats it
// as an opaque row transform; tests substitute identity to check the
// permutation round trip.
type ComputeFn func(x *tensor.Tensor) *tensor.Tensor

// MoE is one Mixture-of-Experts layer.
//
// The forward strategy is selected once at construction: single-device
// grouping, or expert-parallel grouping in which each rank owns
// NumExperts/worldSize experts and tokens cross rank boundaries through two
// all-to-all exchanges per forward call.
type MoE struct {
	cfg     Config
	ops     TensorOps
	group   CollectiveOps
	tracker *LossTracker

	numExpertsPerRank int
	expertCapacity    int // 0 means dynamic (max observed count, no drops)

	router *Router
	w1     *tensor.Tensor // [E_local, H, F]
	w2     *tensor.Tensor // [E_local, F, H]
	bias   *tensor.Tensor // [1, 1, H], not sharded

	compute   ComputeFn
	forwardFn func(x *tensor.Tensor, topExpert []int32) (*tensor.Tensor, []int32)
}

// NewMoE creates a MoE layer. ops must be non-nil; group is required when
// cfg.ExpertParallel is set and ignored otherwise. tracker may be nil to
// skip load-balancing bookkeeping. Configuration errors (including
// NumExperts not divisible by the group size) panic here, never per-call.
func NewMoE(cfg Config, tops TensorOps, group CollectiveOps, tracker *LossTracker) *MoE {
	cfg.validate()
	if tops == nil {
		panic("nil TensorOps")
	}

	worldSize := 1
	if cfg.ExpertParallel {
		if group == nil {
			panic("expert parallelism requires a collective group")
		}
		worldSize = group.Size()
		if cfg.NumExperts%worldSize != 0 {
			panic(fmt.Sprintf("%d experts not divisible by world size %d", cfg.NumExperts, worldSize))
		}
	}

	m := &MoE{
		cfg:               cfg,
		ops:               tops,
		group:             group,
		tracker:           tracker,
		numExpertsPerRank: cfg.NumExperts / worldSize,
	}
	if !cfg.ExpertParallel {
		m.numExpertsPerRank = cfg.NumExperts
	}

	// Capacity in tokens from the capacity factor and the expected
	// perfectly-balanced load. A zero factor leaves capacity dynamic.
	tokensPerExpert := float32(cfg.Tokens()) / float32(m.numExpertsPerRank)
	m.expertCapacity = int(cfg.CapacityFactor * tokensPerExpert)

	// All ranks draw from the same seeded source in the same order, so the
	// master weights are identical everywhere and each rank slices out its
	// own expert shard. The router weight is deliberately not sharded:
	// every rank routes its full batch.
	rng := rand.New(rand.NewSource(cfg.Seed))
	m.router = NewRouter(cfg.HiddenDim, cfg.NumExperts, cfg.TopK, cfg.JitterEps, rng)

	rank := 0
	if cfg.ExpertParallel {
		rank = group.Rank()
	}
	m.w1 = createExpertWeights(rng, cfg.NumExperts, cfg.HiddenDim, cfg.FFNDim, rank, worldSize)
	m.w2 = createExpertWeights(rng, cfg.NumExperts, cfg.FFNDim, cfg.HiddenDim, rank, worldSize)
	m.bias = tensor.Zeros(tensor.NewShape(1, 1, cfg.HiddenDim), tensor.F32)

	m.compute = m.expertMLP
	if cfg.ExpertParallel {
		m.forwardFn = m.parallelForwardOnce
	} else {
		m.forwardFn = m.forwardOnce
	}
	return m
}

// createExpertWeights samples the full [numExperts, rows, cols] master
// tensor and returns this rank's contiguous expert shard. Sampling the
// master first keeps the drawn weights independent of the sharding layout
// for a fixed seed.
func createExpertWeights(rng *rand.Rand, numExperts, rows, cols, rank, worldSize int) *tensor.Tensor {
	master := tensor.RandnFrom(rng, tensor.NewShape(numExperts, rows, cols), tensor.F32, initStd)
	if worldSize == 1 {
		return master
	}
	perRank := numExperts / worldSize
	shard := tensor.New(tensor.NewShape(perRank, rows, cols), tensor.F32)
	chunk := rows * cols
	copy(shard.DataPtr(), master.DataPtr()[rank*perRank*chunk:(rank+1)*perRank*chunk])
	return shard
}

// SetTraining toggles training-only behavior (routing jitter).
func (m *MoE) SetTraining(training bool) { m.router.Training = training }

// ExpertCapacity returns the configured per-expert token budget (0 =
// dynamic).
func (m *MoE) ExpertCapacity() int { return m.expertCapacity }

// indicesAndBins sorts the expert assignment to produce the permutation for
// grouping, plus the per-expert histogram and cumulative bin boundaries.
func (m *MoE) indicesAndBins(topExpert []int32) (indices, binIDs, bins, tokensPerExpert []int32) {
	binIDs, indices = m.ops.Sort(topExpert, m.cfg.NumExperts)
	tokensPerExpert = m.ops.Histogram(topExpert, m.cfg.NumExperts)
	bins = m.ops.InclusiveCumsum(tokensPerExpert)
	return indices, binIDs, bins, tokensPerExpert
}

// expertMLP is the default expert compute kernel: a two-layer feed-forward
// with GELU, batched over this rank's experts. x is [E_local*capacity, H];
// the linear layers carry no bias.
func (m *MoE) expertMLP(x *tensor.Tensor) *tensor.Tensor {
	rows := x.Shape().At(0)
	capacity := rows / m.numExpertsPerRank
	h := x.Reshape(tensor.NewShape(m.numExpertsPerRank, capacity, m.cfg.HiddenDim))
	inner := tensor.Matmul(h, m.w1)
	inner.GELUInPlace()
	out := tensor.Matmul(inner, m.w2)
	return out.Reshape(tensor.NewShape(rows, m.cfg.HiddenDim))
}

// permuteAndCompute groups tokens by expert with capacity truncation, runs
// the expert kernel, and scatters results back to original token order.
// Tokens dropped by truncation come back as zero rows.
func (m *MoE) permuteAndCompute(x *tensor.Tensor, indices, bins []int32, capacity int) *tensor.Tensor {
	gathered := m.ops.BinnedGather(x, indices, bins, capacity)
	computed := m.compute(gathered)
	return m.ops.BinnedScatter(computed, indices, bins)
}

// forwardOnce is the single-device strategy:
// sort/histogram -> capacity resolve -> gather -> compute -> scatter.
// x is the flattened [T, H] batch; topExpert is one expert id per token.
func (m *MoE) forwardOnce(x *tensor.Tensor, topExpert []int32) (*tensor.Tensor, []int32) {
	indices, _, bins, tokensPerExpert := m.indicesAndBins(topExpert)

	capacity := m.expertCapacity
	if capacity == 0 {
		capacity = int(maxInt32(tokensPerExpert))
	}

	out := m.permuteAndCompute(x, indices, bins, capacity)
	return out, tokensPerExpert
}

// parallelForwardOnce is the expert-parallel strategy. Same computation as
// forwardOnce, with the tokens crossing rank boundaries:
//
//  1. Group tokens locally by (global) expert so each peer's tokens are
//     contiguous.
//  2. Exchange tokens across ranks; afterwards this rank holds every token
//     assigned to its expert shard, grouped by source rank.
//  3. Re-group locally by expert, compute, and run the whole sequence in
//     reverse to restore original token order on the original rank.
//
// The per-expert count exchange is issued before the local permutation and
// waited after it, hiding the collective's latency behind the gather.
func (m *MoE) parallelForwardOnce(x *tensor.Tensor, topExpert []int32) (*tensor.Tensor, []int32) {
	indices, binIDs, bins, tokensPerExpert := m.indicesAndBins(topExpert)

	// Tell every peer how many tokens it will receive for each of its
	// local experts. Non-blocking: the gather below runs while counts are
	// in flight.
	tpeHandle := m.group.ExchangeCounts(tokensPerExpert)

	// Group tokens by expert without any padding or truncation, so the
	// rows destined for each peer are contiguous and none are lost before
	// the receiving rank applies its own capacity.
	gathered := m.ops.PaddedGather(x, indices, binIDs, bins, bins)

	parallelTokensPerExpert := tpeHandle.Wait()
	worldSize := m.group.Size()
	eLocal := m.numExpertsPerRank

	// Row counts per peer: what we send is our per-expert counts summed
	// over each destination's expert shard; what we receive is the peers'
	// counts for our shard, summed per source.
	sendCounts := make([]int, worldSize)
	recvCounts := make([]int, worldSize)
	tokensReceived := 0
	for r := 0; r < worldSize; r++ {
		var s, p int32
		for e := 0; e < eLocal; e++ {
			s += tokensPerExpert[r*eLocal+e]
			p += parallelTokensPerExpert[r*eLocal+e]
		}
		sendCounts[r] = int(s)
		recvCounts[r] = int(p)
		tokensReceived += int(p)
	}

	// Received tokens arrive grouped by source rank, not by expert. Label
	// every incoming token with its local expert shard id and re-sort to
	// group by expert for the compute.
	replicateBins := m.ops.InclusiveCumsum(parallelTokensPerExpert)
	shardIDs := make([]int32, worldSize*eLocal)
	for i := range shardIDs {
		shardIDs[i] = int32(i % eLocal)
	}
	parallelTopExpert := m.ops.Replicate(shardIDs, replicateBins, tokensReceived)
	_, parallelIndices := m.ops.Sort(parallelTopExpert, eLocal)

	// Bin boundaries over the union of received tokens.
	parallelTPE := make([]int32, eLocal)
	for r := 0; r < worldSize; r++ {
		for e := 0; e < eLocal; e++ {
			parallelTPE[e] += parallelTokensPerExpert[r*eLocal+e]
		}
	}
	parallelBins := m.ops.InclusiveCumsum(parallelTPE)

	capacity := m.expertCapacity
	if capacity == 0 {
		capacity = int(maxInt32(parallelTPE))
	}

	// Bulk data exchange, then the local capacity-bounded compute.
	parallelX := m.group.Exchange(gathered, recvCounts, sendCounts).Wait()
	parallelX = m.permuteAndCompute(parallelX, parallelIndices, parallelBins, capacity)

	// Reverse exchange (send/recv roles swapped) returns each token's
	// result to its origin rank.
	returned := m.group.Exchange(parallelX, sendCounts, recvCounts).Wait()

	// Invert the initial local permutation.
	out := m.ops.PaddedScatter(returned, indices, binIDs, bins, bins)
	return out, tokensPerExpert
}

// Forward routes x of shape [S, B, H] through the experts and returns the
// combined output of the same shape plus the (unsharded) output bias
// [1, 1, H]. Top-k > 1 runs the routing/permutation machinery once per k
// and combines outputs weighted by the router probabilities:
//
//	output = sum_k output_k * expert_weight_k
//
// Per call, (tokensPerExpert, scores) is recorded into the tracker for
// external load-balancing loss bookkeeping; both are snapshots the caller
// must treat as immutable.
func (m *MoE) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	if x.Shape().NDim() != 3 {
		panic(fmt.Sprintf("moe: expected [S, B, H] input, got %v", x.Shape()))
	}
	sl, bs, hs := x.Shape().At(0), x.Shape().At(1), x.Shape().At(2)
	if hs != m.cfg.HiddenDim {
		panic(fmt.Sprintf("moe: hidden dim %d != configured %d", hs, m.cfg.HiddenDim))
	}
	numTokens := sl * bs
	flat := x.Reshape(tensor.NewShape(numTokens, hs))

	scores, expertWeights, expertIDs := m.router.RoutingScores(flat)
	wData := expertWeights.DataPtr()
	topK := m.cfg.TopK

	// Each k is an independent expert choice: run the selected forward
	// strategy per k, weight its rows, and accumulate.
	var combined *tensor.Tensor
	var tokensPerExpert []int32
	topExpert := make([]int32, numTokens)
	for k := 0; k < topK; k++ {
		for t := 0; t < numTokens; t++ {
			topExpert[t] = expertIDs[t*topK+k]
		}
		outK, tpeK := m.forwardFn(flat, topExpert)

		oData := outK.DataPtr()
		for t := 0; t < numTokens; t++ {
			w := wData[t*topK+k]
			row := oData[t*hs : (t+1)*hs]
			for d := range row {
				row[d] *= w
			}
		}

		if combined == nil {
			combined, tokensPerExpert = outK, tpeK
			continue
		}
		combined.AddInPlace(outK)
		for e := range tokensPerExpert {
			tokensPerExpert[e] += tpeK[e]
		}
	}

	if m.tracker != nil {
		m.tracker.Record(Contribution{TokensPerExpert: tokensPerExpert, Scores: scores})
	}
	return combined.Reshape(tensor.NewShape(sl, bs, hs)), m.bias
}

func maxInt32(xs []int32) int32 {
	best := int32(0)
	for _, x := range xs {
		if x > best {
			best = x
		}
	}
	return best
}
