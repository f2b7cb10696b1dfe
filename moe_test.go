// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package megablocks

import (
	"sync"
	"testing"

	"github.com/sashaDoubov/megablocks/comm"
	"github.com/sashaDoubov/megablocks/tensor"
)

func identityCompute(x *tensor.Tensor) *tensor.Tensor { return x }

// tokenBatch builds a [T, H] tensor whose row t is
// [(t+1)*10, (t+1)*10+1, ...] so every row is globally identifiable.
func tokenBatch(numTokens, hidden int) *tensor.Tensor {
	x := tensor.New(tensor.NewShape(numTokens, hidden), tensor.F32)
	data := x.DataPtr()
	for t := 0; t < numTokens; t++ {
		for d := 0; d < hidden; d++ {
			data[t*hidden+d] = float32((t+1)*10 + d)
		}
	}
	return x
}

func TestForwardShapes(t *testing.T) {
	cfg := Tiny()
	tracker := NewLossTracker()
	m := NewMoE(cfg, CPUOps{}, nil, tracker)

	x := tensor.Randn(tensor.NewShape(cfg.SeqLen, cfg.BatchSize, cfg.HiddenDim), tensor.F32)
	out, bias := m.Forward(x)

	if !out.Shape().Equal(x.Shape()) {
		t.Errorf("output shape %v != input shape %v", out.Shape(), x.Shape())
	}
	if !bias.Shape().Equal(tensor.NewShape(1, 1, cfg.HiddenDim)) {
		t.Errorf("unexpected bias shape %v", bias.Shape())
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 recorded contribution, got %d", tracker.Len())
	}
	// Every token is counted exactly topK times.
	var total int32
	for _, n := range tracker.Drain()[0].TokensPerExpert {
		total += n
	}
	if int(total) != cfg.Tokens()*cfg.TopK {
		t.Errorf("token counts sum to %d, want %d", total, cfg.Tokens()*cfg.TopK)
	}
}

// With an identity expert kernel and no truncation, gather/compute/scatter
// is a pure permutation round trip: the output must equal the input exactly.
func TestForwardOnceIdentityRoundTrip(t *testing.T) {
	cfg := Tiny() // dynamic capacity
	m := NewMoE(cfg, CPUOps{}, nil, nil)
	m.compute = identityCompute

	x := tokenBatch(cfg.Tokens(), cfg.HiddenDim)
	topExpert := make([]int32, cfg.Tokens())
	for i := range topExpert {
		topExpert[i] = int32(i % cfg.NumExperts)
	}

	out, tpe := m.forwardOnce(x, topExpert)
	a, b := out.DataPtr(), x.DataPtr()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("round trip mismatch at %d: got %f, want %f", i, a[i], b[i])
		}
	}
	for e, n := range tpe {
		if n != int32(cfg.Tokens()/cfg.NumExperts) {
			t.Errorf("expert %d: count %d", e, n)
		}
	}
}

// 4 tokens, 2 experts, capacity 2, assignment [0 1 0 1]: both experts fill
// exactly to capacity and the scatter restores original token order.
func TestForwardOnceFixedCapacity(t *testing.T) {
	cfg := Config{
		HiddenDim: 2, FFNDim: 4,
		NumExperts: 2, TopK: 1,
		SeqLen: 4, BatchSize: 1,
		CapacityFactor: 1.0, // 4 tokens / 2 experts = capacity 2
		Seed:           1,
	}
	m := NewMoE(cfg, CPUOps{}, nil, nil)
	if m.ExpertCapacity() != 2 {
		t.Fatalf("expected capacity 2, got %d", m.ExpertCapacity())
	}
	m.compute = identityCompute

	x := tokenBatch(4, 2)
	out, tpe := m.forwardOnce(x, []int32{0, 1, 0, 1})

	if tpe[0] != 2 || tpe[1] != 2 {
		t.Errorf("unexpected counts %v", tpe)
	}
	a, b := out.DataPtr(), x.DataPtr()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("mismatch at %d: got %f, want %f", i, a[i], b[i])
		}
	}
}

// Dynamic capacity sizes to the largest observed count, so an imbalanced
// assignment still drops nothing.
func TestForwardOnceDynamicCapacityNoDrops(t *testing.T) {
	cfg := Config{
		HiddenDim: 2, FFNDim: 4,
		NumExperts: 2, TopK: 1,
		SeqLen: 4, BatchSize: 1,
		Seed: 1, // CapacityFactor 0 = dynamic
	}
	m := NewMoE(cfg, CPUOps{}, nil, nil)
	if m.ExpertCapacity() != 0 {
		t.Fatalf("expected dynamic capacity, got %d", m.ExpertCapacity())
	}
	m.compute = identityCompute

	x := tokenBatch(4, 2)
	out, tpe := m.forwardOnce(x, []int32{0, 0, 0, 1})

	if tpe[0] != 3 || tpe[1] != 1 {
		t.Errorf("unexpected counts %v", tpe)
	}
	a, b := out.DataPtr(), x.DataPtr()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("mismatch at %d: got %f, want %f", i, a[i], b[i])
		}
	}
}

// A fixed capacity below the observed load truncates silently: the earliest
// tokens (in sorted order) are kept, the overflow comes back as zero rows.
func TestForwardOnceCapacityTruncation(t *testing.T) {
	cfg := Config{
		HiddenDim: 2, FFNDim: 4,
		NumExperts: 2, TopK: 1,
		SeqLen: 4, BatchSize: 1,
		CapacityFactor: 0.5, // capacity 1
		Seed:           1,
	}
	m := NewMoE(cfg, CPUOps{}, nil, nil)
	if m.ExpertCapacity() != 1 {
		t.Fatalf("expected capacity 1, got %d", m.ExpertCapacity())
	}
	m.compute = identityCompute

	x := tokenBatch(4, 2)
	out, _ := m.forwardOnce(x, []int32{0, 0, 1, 1})

	oData, xData := out.DataPtr(), x.DataPtr()
	kept := map[int]bool{0: true, 2: true} // first token of each expert
	for tok := 0; tok < 4; tok++ {
		for d := 0; d < 2; d++ {
			got := oData[tok*2+d]
			want := float32(0)
			if kept[tok] {
				want = xData[tok*2+d]
			}
			if got != want {
				t.Errorf("token %d dim %d: got %f, want %f", tok, d, got, want)
			}
		}
	}
}

// Top-k combine: with identity experts and dynamic capacity, the combined
// output of token t is x[t] scaled by the sum of its selected routing
// weights, accumulated in the same order Forward accumulates.
func TestForwardTopKCombine(t *testing.T) {
	cfg := Config{
		HiddenDim: 8, FFNDim: 16,
		NumExperts: 4, TopK: 2,
		SeqLen: 4, BatchSize: 2,
		Seed: 9,
	}
	m := NewMoE(cfg, CPUOps{}, nil, nil)
	m.compute = identityCompute

	x := tensor.Randn(tensor.NewShape(cfg.SeqLen, cfg.BatchSize, cfg.HiddenDim), tensor.F32)
	flat := x.Reshape(tensor.NewShape(cfg.Tokens(), cfg.HiddenDim))

	// Routing is deterministic in eval mode, so recompute the weights the
	// combine will use.
	_, weights, _ := m.router.RoutingScores(flat)
	wData := weights.DataPtr()

	out, _ := m.Forward(x)
	oData, xData := out.DataPtr(), flat.DataPtr()
	hs := cfg.HiddenDim
	for tok := 0; tok < cfg.Tokens(); tok++ {
		w0, w1 := wData[tok*2], wData[tok*2+1]
		for d := 0; d < hs; d++ {
			want := xData[tok*hs+d]*w0 + xData[tok*hs+d]*w1
			if got := oData[tok*hs+d]; got != want {
				t.Fatalf("token %d dim %d: got %f, want %f", tok, d, got, want)
			}
		}
	}
}

// Expert parallelism is a pure layout change: with the same seed every rank
// holds the same master weights, so a 2-rank sharded forward must produce
// bit-identical output to the single-device forward on the same batch.
func TestParallelForwardMatchesSingle(t *testing.T) {
	cfg := Config{
		HiddenDim: 16, FFNDim: 32,
		NumExperts: 4, TopK: 2,
		SeqLen: 4, BatchSize: 2,
		Seed: 7, // dynamic capacity, no drops
	}
	single := NewMoE(cfg, CPUOps{}, nil, nil)

	x := tensor.Randn(tensor.NewShape(cfg.SeqLen, cfg.BatchSize, cfg.HiddenDim), tensor.F32)
	want, _ := single.Forward(x)

	const worldSize = 2
	cfgP := cfg
	cfgP.ExpertParallel = true
	group := comm.NewGroup(worldSize)

	outs := make([]*tensor.Tensor, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			m := NewMoE(cfgP, CPUOps{}, GroupOps{group.Comm(rank)}, nil)
			// Both ranks route the same batch; each must reconstruct the
			// full output from its remote expert results.
			outs[rank], _ = m.Forward(x.Clone())
		}(rank)
	}
	wg.Wait()

	wData := want.DataPtr()
	for rank, out := range outs {
		got := out.DataPtr()
		for i := range got {
			if got[i] != wData[i] {
				t.Fatalf("rank %d: output differs from single device at %d: got %f, want %f",
					rank, i, got[i], wData[i])
			}
		}
	}
}

// Capacity applies on the rank that owns the expert, over the union of
// received tokens in re-sorted order: with every token routed to expert 0
// and capacity 1, only rank 0's earliest token survives the round trip, and
// every overflow token returns to its origin rank as a zero row.
func TestParallelCapacityTruncation(t *testing.T) {
	cfg := Config{
		HiddenDim: 2, FFNDim: 4,
		NumExperts: 2, TopK: 1,
		SeqLen: 2, BatchSize: 1,
		CapacityFactor: 0.5, // 2 tokens / 1 local expert * 0.5 = capacity 1
		ExpertParallel: true,
		Seed:           1,
	}
	const worldSize = 2
	group := comm.NewGroup(worldSize)

	outs := make([]*tensor.Tensor, worldSize)
	tpes := make([][]int32, worldSize)
	xs := make([]*tensor.Tensor, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			m := NewMoE(cfg, CPUOps{}, GroupOps{group.Comm(rank)}, nil)
			if m.ExpertCapacity() != 1 {
				t.Errorf("rank %d: expected capacity 1, got %d", rank, m.ExpertCapacity())
			}
			m.compute = identityCompute

			x := tensor.New(tensor.NewShape(2, 2), tensor.F32)
			data := x.DataPtr()
			for i := range data {
				data[i] = float32(100*rank + i + 1)
			}
			xs[rank] = x
			outs[rank], tpes[rank] = m.parallelForwardOnce(x, []int32{0, 0})
		}(rank)
	}
	wg.Wait()

	// Rank 0 owns expert 0; received tokens re-sort to (rank 0 token 0,
	// rank 0 token 1, rank 1 token 0, rank 1 token 1) and capacity keeps
	// only the first.
	o0, x0 := outs[0].DataPtr(), xs[0].DataPtr()
	for d := 0; d < 2; d++ {
		if o0[d] != x0[d] {
			t.Errorf("rank 0 token 0 dim %d: got %f, want %f", d, o0[d], x0[d])
		}
		if o0[2+d] != 0 {
			t.Errorf("rank 0 token 1 dim %d: got %f, want zero (dropped)", d, o0[2+d])
		}
	}
	for i, v := range outs[1].DataPtr() {
		if v != 0 {
			t.Errorf("rank 1 value %d: got %f, want zero (dropped)", i, v)
		}
	}
	// Local routing counts are reported before truncation.
	for rank, tpe := range tpes {
		if tpe[0] != 2 || tpe[1] != 0 {
			t.Errorf("rank %d: unexpected local counts %v", rank, tpe)
		}
	}
}

type loopbackCounts struct{ out []int32 }

func (h loopbackCounts) Wait() []int32 { return h.out }

type loopbackRows struct{ out *tensor.Tensor }

func (h loopbackRows) Wait() *tensor.Tensor { return h.out }

// loopback is a world-size-1 collective backend: every exchange returns the
// local payload. It plugs into the same seam an external runtime would.
type loopback struct{}

func (loopback) Rank() int { return 0 }
func (loopback) Size() int { return 1 }

func (loopback) ExchangeCounts(counts []int32) CountWaiter {
	out := make([]int32, len(counts))
	copy(out, counts)
	return loopbackCounts{out}
}

func (loopback) Exchange(x *tensor.Tensor, recvCounts, sendCounts []int) RowWaiter {
	return loopbackRows{x.Clone()}
}

// The parallel path must run against any CollectiveOps implementation, not
// just the in-process group.
func TestParallelForwardOverCustomCollective(t *testing.T) {
	cfg := Tiny()
	cfg.ExpertParallel = true
	m := NewMoE(cfg, CPUOps{}, loopback{}, nil)
	m.compute = identityCompute

	x := tokenBatch(cfg.Tokens(), cfg.HiddenDim)
	topExpert := make([]int32, cfg.Tokens())
	for i := range topExpert {
		topExpert[i] = int32(i % cfg.NumExperts)
	}
	out, _ := m.parallelForwardOnce(x, topExpert)
	a, b := out.DataPtr(), x.DataPtr()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("round trip mismatch at %d: got %f, want %f", i, a[i], b[i])
		}
	}
}

func TestNewMoEDivisibilityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for experts not divisible by world size")
		}
	}()
	cfg := Tiny()
	cfg.ExpertParallel = true
	group := comm.NewGroup(3) // 4 experts over 3 ranks
	NewMoE(cfg, CPUOps{}, GroupOps{group.Comm(0)}, nil)
}

func TestConfigValidatePanics(t *testing.T) {
	cases := map[string]Config{
		"zero hidden":  {HiddenDim: 0, FFNDim: 4, NumExperts: 2, TopK: 1, SeqLen: 2, BatchSize: 1},
		"zero experts": {HiddenDim: 4, FFNDim: 4, NumExperts: 0, TopK: 1, SeqLen: 2, BatchSize: 1},
		"topK too big": {HiddenDim: 4, FFNDim: 4, NumExperts: 2, TopK: 3, SeqLen: 2, BatchSize: 1},
		"zero batch":   {HiddenDim: 4, FFNDim: 4, NumExperts: 2, TopK: 1, SeqLen: 2, BatchSize: 0},
		"neg capacity": {HiddenDim: 4, FFNDim: 4, NumExperts: 2, TopK: 1, SeqLen: 2, BatchSize: 1, CapacityFactor: -1},
	}
	for name, cfg := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", name)
				}
			}()
			NewMoE(cfg, CPUOps{}, nil, nil)
		}()
	}
}

// Sharded weight construction: every rank slices the same master tensor, so
// rank r's shard must equal the corresponding experts of the unsharded run.
func TestCreateExpertWeightsSharding(t *testing.T) {
	cfg := Tiny()
	single := NewMoE(cfg, CPUOps{}, nil, nil)

	cfgP := cfg
	cfgP.ExpertParallel = true
	group := comm.NewGroup(2)

	sharded := make([]*tensor.Tensor, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			sharded[rank] = NewMoE(cfgP, CPUOps{}, GroupOps{group.Comm(rank)}, nil).w1
		}(rank)
	}
	wg.Wait()

	master := single.w1.DataPtr()
	half := len(master) / 2
	for rank := 0; rank < 2; rank++ {
		shard := sharded[rank].DataPtr()
		if len(shard) != half {
			t.Fatalf("rank %d: shard has %d values, want %d", rank, len(shard), half)
		}
		for i, v := range shard {
			if v != master[rank*half+i] {
				t.Fatalf("rank %d: shard differs from master at %d", rank, i)
			}
		}
	}
}
