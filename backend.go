// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package megablocks

import (
	"github.com/sashaDoubov/megablocks/comm"
	"github.com/sashaDoubov/megablocks/ops"
	"github.com/sashaDoubov/megablocks/tensor"
)

// TensorOps is the permutation-primitive capability consumed by the MoE
// layer: sort/histogram/cumsum index bookkeeping and the gather/scatter
// permutations. CPUOps is the reference implementation; an accelerated
// backend can be swapped in without touching the orchestration.
type TensorOps interface {
	Sort(expertIDs []int32, numExperts int) (binIDs, indices []int32)
	Histogram(expertIDs []int32, numExperts int) []int32
	InclusiveCumsum(counts []int32) []int32
	Replicate(values, bins []int32, total int) []int32
	BinnedGather(x *tensor.Tensor, indices, bins []int32, capacity int) *tensor.Tensor
	BinnedScatter(y *tensor.Tensor, indices, bins []int32) *tensor.Tensor
	PaddedGather(x *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor
	PaddedScatter(y *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor
}

// CountWaiter completes an in-flight count exchange.
type CountWaiter interface {
	Wait() []int32
}

// RowWaiter completes an in-flight row exchange.
type RowWaiter interface {
	Wait() *tensor.Tensor
}

// CollectiveOps is the collective-communication capability: a rank-addressed
// asynchronous all-to-all. GroupOps adapts the in-process comm package to
// it, which is the reference runtime the property tests run against; an
// alternative backend only has to produce handles satisfying the waiter
// interfaces.
type CollectiveOps interface {
	Rank() int
	Size() int
	ExchangeCounts(counts []int32) CountWaiter
	Exchange(x *tensor.Tensor, recvCounts, sendCounts []int) RowWaiter
}

// GroupOps implements CollectiveOps over one rank's comm endpoint.
type GroupOps struct {
	Comm *comm.Comm
}

var _ CollectiveOps = GroupOps{}

func (g GroupOps) Rank() int { return g.Comm.Rank() }

func (g GroupOps) Size() int { return g.Comm.Size() }

func (g GroupOps) ExchangeCounts(counts []int32) CountWaiter {
	return g.Comm.ExchangeCounts(counts)
}

func (g GroupOps) Exchange(x *tensor.Tensor, recvCounts, sendCounts []int) RowWaiter {
	return g.Comm.Exchange(x, recvCounts, sendCounts)
}

// CPUOps implements TensorOps with the pure-Go primitives in the ops package.
type CPUOps struct{}

func (CPUOps) Sort(expertIDs []int32, numExperts int) (binIDs, indices []int32) {
	return ops.Sort(expertIDs, numExperts)
}

func (CPUOps) Histogram(expertIDs []int32, numExperts int) []int32 {
	return ops.Histogram(expertIDs, numExperts)
}

func (CPUOps) InclusiveCumsum(counts []int32) []int32 {
	return ops.InclusiveCumsum(counts)
}

func (CPUOps) Replicate(values, bins []int32, total int) []int32 {
	return ops.Replicate(values, bins, total)
}

func (CPUOps) BinnedGather(x *tensor.Tensor, indices, bins []int32, capacity int) *tensor.Tensor {
	return ops.BinnedGather(x, indices, bins, capacity)
}

func (CPUOps) BinnedScatter(y *tensor.Tensor, indices, bins []int32) *tensor.Tensor {
	return ops.BinnedScatter(y, indices, bins)
}

func (CPUOps) PaddedGather(x *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor {
	return ops.PaddedGather(x, indices, binIDs, bins, paddedBins)
}

func (CPUOps) PaddedScatter(y *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor {
	return ops.PaddedScatter(y, indices, binIDs, bins, paddedBins)
}
