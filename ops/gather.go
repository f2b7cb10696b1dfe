package ops

import (
	"fmt"

	"github.com/sashaDoubov/megablocks/tensor"
)

// BinnedGather permutes token rows into a contiguous, capacity-bounded,
// per-expert layout.
//
// x is [T, H]; indices and bins come from Sort/InclusiveCumsum. The output
// is [E*capacity, H]: expert e's tokens occupy rows
// [e*capacity, e*capacity+count) where count = min(segment length,
// capacity). Tokens beyond capacity are dropped (the earliest tokens in
// sort order are kept); unused capacity rows stay zero.
func BinnedGather(x *tensor.Tensor, indices, bins []int32, capacity int) *tensor.Tensor {
	rows, width := rowWidth(x, "binned_gather")
	if len(indices) != rows {
		panic(fmt.Sprintf("binned_gather: %d indices for %d rows", len(indices), rows))
	}
	numExperts := len(bins)
	out := tensor.New(tensor.NewShape(numExperts*capacity, width), x.DType())
	src, dst := x.DataPtr(), out.DataPtr()

	for e := 0; e < numExperts; e++ {
		start, end := binStart(bins, int32(e)), bins[e]
		count := int(end - start)
		if count > capacity {
			count = capacity
		}
		for i := 0; i < count; i++ {
			tok := int(indices[int(start)+i])
			copy(dst[(e*capacity+i)*width:(e*capacity+i+1)*width],
				src[tok*width:(tok+1)*width])
		}
	}
	return out
}

// BinnedScatter is the exact inverse of BinnedGather: it writes each
// gathered row back to its original token row. y is [E*capacity, H] with
// capacity derived from the row count; the output is [T, H] with
// T = len(indices). Rows dropped at gather time are left zero.
func BinnedScatter(y *tensor.Tensor, indices, bins []int32) *tensor.Tensor {
	rows, width := rowWidth(y, "binned_scatter")
	numExperts := len(bins)
	if rows%numExperts != 0 {
		panic(fmt.Sprintf("binned_scatter: %d rows not divisible by %d experts", rows, numExperts))
	}
	capacity := rows / numExperts
	out := tensor.New(tensor.NewShape(len(indices), width), y.DType())
	src, dst := y.DataPtr(), out.DataPtr()

	for e := 0; e < numExperts; e++ {
		start, end := binStart(bins, int32(e)), bins[e]
		count := int(end - start)
		if count > capacity {
			count = capacity
		}
		for i := 0; i < count; i++ {
			tok := int(indices[int(start)+i])
			copy(dst[tok*width:(tok+1)*width],
				src[(e*capacity+i)*width:(e*capacity+i+1)*width])
		}
	}
	return out
}

// PaddedGather permutes all token rows (no capacity drop) into per-expert
// segments laid out by paddedBins. With paddedBins == bins the output is the
// dense sorted permutation; padding, when present, rounds segments up to
// exchange-friendly sizes and leaves the pad rows zero.
//
// For sorted slot i assigned to expert e = binIDs[i], the output row is
// paddedBins[e-1] + (i - bins[e-1]).
func PaddedGather(x *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor {
	rows, width := rowWidth(x, "padded_gather")
	if len(indices) != rows || len(binIDs) != rows {
		panic(fmt.Sprintf("padded_gather: %d indices / %d bin ids for %d rows",
			len(indices), len(binIDs), rows))
	}
	if len(bins) != len(paddedBins) {
		panic(fmt.Sprintf("padded_gather: %d bins vs %d padded bins", len(bins), len(paddedBins)))
	}
	outRows := 0
	if len(paddedBins) > 0 {
		outRows = int(paddedBins[len(paddedBins)-1])
	}
	out := tensor.New(tensor.NewShape(outRows, width), x.DType())
	src, dst := x.DataPtr(), out.DataPtr()

	for i := 0; i < rows; i++ {
		e := binIDs[i]
		row := int(binStart(paddedBins, e) + (int32(i) - binStart(bins, e)))
		tok := int(indices[i])
		copy(dst[row*width:(row+1)*width], src[tok*width:(tok+1)*width])
	}
	return out
}

// PaddedScatter is the exact inverse of PaddedGather: it restores the
// original token order from the padded per-expert layout, skipping pad rows.
func PaddedScatter(y *tensor.Tensor, indices, binIDs, bins, paddedBins []int32) *tensor.Tensor {
	_, width := rowWidth(y, "padded_scatter")
	if len(indices) != len(binIDs) {
		panic(fmt.Sprintf("padded_scatter: %d indices vs %d bin ids", len(indices), len(binIDs)))
	}
	if len(bins) != len(paddedBins) {
		panic(fmt.Sprintf("padded_scatter: %d bins vs %d padded bins", len(bins), len(paddedBins)))
	}
	out := tensor.New(tensor.NewShape(len(indices), width), y.DType())
	src, dst := y.DataPtr(), out.DataPtr()

	for i := range indices {
		e := binIDs[i]
		row := int(binStart(paddedBins, e) + (int32(i) - binStart(bins, e)))
		tok := int(indices[i])
		copy(dst[tok*width:(tok+1)*width], src[row*width:(row+1)*width])
	}
	return out
}
