// Package ops implements the index-bookkeeping primitives behind MoE token
// routing: stable sort of expert assignments, histogram and cumulative bin
// boundaries, and the gather/scatter permutations (capacity-truncating
// "binned" variants and layout-preserving "padded" variants).
//
// All primitives are deterministic pure functions over their inputs.
package ops

import (
	"fmt"

	"github.com/sashaDoubov/megablocks/tensor"
)

// Sort stably sorts token positions by their assigned expert id.
//
// Returns binIDs (the expert ids in sorted order, non-decreasing) and
// indices (a permutation of [0, len(expertIDs)) giving, for each sorted
// slot, the original token row). Stability matters: ties keep original
// token order, so under capacity truncation the earliest tokens win the
// capacity slots.
//
// The expert id domain is small ([0, numExperts)), so a single counting
// pass replaces a general comparison or radix sort.
func Sort(expertIDs []int32, numExperts int) (binIDs, indices []int32) {
	n := len(expertIDs)
	binIDs = make([]int32, n)
	indices = make([]int32, n)

	// Exclusive prefix sum of per-expert counts gives each expert's
	// starting slot in the sorted order.
	starts := make([]int32, numExperts)
	for _, id := range expertIDs {
		if id < 0 || int(id) >= numExperts {
			panic(fmt.Sprintf("expert id %d out of range [0, %d)", id, numExperts))
		}
		starts[id]++
	}
	total := int32(0)
	for e := range starts {
		c := starts[e]
		starts[e] = total
		total += c
	}

	for i, id := range expertIDs {
		pos := starts[id]
		starts[id]++
		binIDs[pos] = id
		indices[pos] = int32(i)
	}
	return binIDs, indices
}

// Histogram counts how many tokens are assigned to each expert.
// counts[e] may be zero for experts that received no tokens.
func Histogram(expertIDs []int32, numExperts int) []int32 {
	counts := make([]int32, numExperts)
	for _, id := range expertIDs {
		if id < 0 || int(id) >= numExperts {
			panic(fmt.Sprintf("expert id %d out of range [0, %d)", id, numExperts))
		}
		counts[id]++
	}
	return counts
}

// InclusiveCumsum returns bins with bins[e] = sum(counts[0..e]).
// bins[len-1] equals the total token count; each expert's sorted segment is
// the half-open range [bins[e-1], bins[e]) (with bins[-1] taken as 0).
func InclusiveCumsum(counts []int32) []int32 {
	bins := make([]int32, len(counts))
	sum := int32(0)
	for i, c := range counts {
		sum += c
		bins[i] = sum
	}
	return bins
}

// Replicate expands values across bin ranges: output slot j gets values[e]
// where j falls inside bin e. total must equal bins[len(bins)-1].
//
// The parallel forward path uses this to label every received token with
// the local expert shard it belongs to, since tokens arrive grouped by
// source device rather than by expert.
func Replicate(values, bins []int32, total int) []int32 {
	if len(values) != len(bins) {
		panic(fmt.Sprintf("replicate: %d values for %d bins", len(values), len(bins)))
	}
	out := make([]int32, total)
	start := int32(0)
	for e, end := range bins {
		if end > int32(total) {
			panic(fmt.Sprintf("replicate: bin end %d exceeds total %d", end, total))
		}
		for j := start; j < end; j++ {
			out[j] = values[e]
		}
		start = end
	}
	return out
}

// binStart returns the start of expert e's segment given inclusive bins.
func binStart(bins []int32, e int32) int32 {
	if e == 0 {
		return 0
	}
	return bins[e-1]
}

// rowWidth returns (rows, width) for a 2D tensor, panicking otherwise.
func rowWidth(t *tensor.Tensor, name string) (int, int) {
	if t.Shape().NDim() != 2 {
		panic(fmt.Sprintf("%s: expected 2D tensor, got %v", name, t.Shape()))
	}
	return t.Shape().At(0), t.Shape().At(1)
}
