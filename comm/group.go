// Package comm provides an in-process SPMD process group and the
// variable-length all-to-all collective used by expert-parallel routing.
//
// Every rank runs the same program (one goroutine per rank) and synchronizes
// only through collectives. Each collective is issued non-blocking and
// completed with an explicit Wait, so local permutation work can overlap
// in-flight transfers. Caller discipline: all ranks must issue the same
// sequence of collectives on the same group, and each handle must be waited
// before the rank issues its next collective of the same kind — otherwise
// the group deadlocks. This mirrors collective-runtime semantics and is not
// enforced internally.
package comm

import (
	"fmt"

	"github.com/sashaDoubov/megablocks/tensor"
)

type rowChunk struct {
	data  []float32
	rows  int
	width int
}

// Group is the construction-time membership for a set of ranks. Message
// channels are per (destination, source) pair and FIFO, so back-to-back
// collectives issued in the same order on every rank stay matched.
type Group struct {
	size   int
	counts [][]chan []int32
	rows   [][]chan rowChunk
}

// NewGroup creates an in-process group with the given world size.
func NewGroup(size int) *Group {
	if size < 1 {
		panic(fmt.Sprintf("group size %d < 1", size))
	}
	g := &Group{size: size}
	g.counts = make([][]chan []int32, size)
	g.rows = make([][]chan rowChunk, size)
	for dst := 0; dst < size; dst++ {
		g.counts[dst] = make([]chan []int32, size)
		g.rows[dst] = make([]chan rowChunk, size)
		for src := 0; src < size; src++ {
			// Capacity 1 lets a rank buffer one in-flight message per peer;
			// anything beyond that blocks the sender's completion goroutine,
			// never the rank's main thread.
			g.counts[dst][src] = make(chan []int32, 1)
			g.rows[dst][src] = make(chan rowChunk, 1)
		}
	}
	return g
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Comm returns rank r's handle on the group.
func (g *Group) Comm(rank int) *Comm {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("rank %d out of range [0, %d)", rank, g.size))
	}
	return &Comm{group: g, rank: rank}
}

// Comm is one rank's endpoint on a Group. It is the collective-operations
// capability handed to the MoE layer; a single Comm must only be used from
// its own rank's goroutine.
type Comm struct {
	group *Group
	rank  int
}

// Rank returns this endpoint's rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns the group's world size.
func (c *Comm) Size() int { return c.group.size }

// CountHandle is an in-flight count exchange. Wait returns the received
// counts, concatenated in ascending source-rank order.
type CountHandle struct {
	done chan struct{}
	out  []int32
}

// Wait blocks until the exchange (sends and receives) has completed.
func (h *CountHandle) Wait() []int32 {
	<-h.done
	return h.out
}

// ExchangeCounts launches a fixed-split all-to-all of per-expert counts:
// len(counts) must be divisible by the world size, and peer j receives the
// j-th equal slice. The returned handle completes only after this rank's
// sends and receives have both finished.
func (c *Comm) ExchangeCounts(counts []int32) *CountHandle {
	w := c.group.size
	if len(counts)%w != 0 {
		panic(fmt.Sprintf("count exchange: %d counts not divisible by world size %d", len(counts), w))
	}
	chunk := len(counts) / w
	h := &CountHandle{done: make(chan struct{}), out: make([]int32, len(counts))}

	// Snapshot before returning: the caller may mutate counts while the
	// exchange is in flight.
	send := make([]int32, len(counts))
	copy(send, counts)

	go func() {
		for dst := 0; dst < w; dst++ {
			msg := make([]int32, chunk)
			copy(msg, send[dst*chunk:(dst+1)*chunk])
			c.group.counts[dst][c.rank] <- msg
		}
		for src := 0; src < w; src++ {
			msg := <-c.group.counts[c.rank][src]
			copy(h.out[src*chunk:(src+1)*chunk], msg)
		}
		close(h.done)
	}()
	return h
}

// RowHandle is an in-flight row exchange. Wait returns the received rows.
type RowHandle struct {
	done  chan struct{}
	out   []float32
	rows  int
	width int
}

// Wait blocks until the exchange (sends and receives) has completed and
// returns the [sum(recvCounts), H] result.
func (h *RowHandle) Wait() *tensor.Tensor {
	<-h.done
	return tensor.FromSliceNoCopy(h.out, tensor.NewShape(h.rows, h.width))
}

// Exchange launches a variable-length all-to-all of tensor rows: this rank
// sends sendCounts[j] contiguous rows of x (in ascending destination order)
// to rank j and receives recvCounts[j] rows from rank j, concatenated in
// ascending source order. sum(sendCounts) must equal x's row count;
// sum(sendCounts) and sum(recvCounts) generally differ.
func (c *Comm) Exchange(x *tensor.Tensor, recvCounts, sendCounts []int) *RowHandle {
	w := c.group.size
	if len(sendCounts) != w || len(recvCounts) != w {
		panic(fmt.Sprintf("exchange: got %d send / %d recv counts for world size %d",
			len(sendCounts), len(recvCounts), w))
	}
	if x.Shape().NDim() != 2 {
		panic(fmt.Sprintf("exchange: expected 2D tensor, got %v", x.Shape()))
	}
	width := x.Shape().At(1)
	totalSend := 0
	for _, n := range sendCounts {
		totalSend += n
	}
	if totalSend != x.Shape().At(0) {
		panic(fmt.Sprintf("exchange: send counts sum to %d but tensor has %d rows",
			totalSend, x.Shape().At(0)))
	}
	totalRecv := 0
	for _, n := range recvCounts {
		totalRecv += n
	}

	h := &RowHandle{
		done:  make(chan struct{}),
		out:   make([]float32, totalRecv*width),
		rows:  totalRecv,
		width: width,
	}

	// Snapshot the outgoing rows so the caller can reuse x immediately.
	send := make([]float32, totalSend*width)
	copy(send, x.DataPtr())

	go func() {
		off := 0
		for dst := 0; dst < w; dst++ {
			n := sendCounts[dst]
			msg := rowChunk{data: send[off*width : (off+n)*width], rows: n, width: width}
			c.group.rows[dst][c.rank] <- msg
			off += n
		}
		off = 0
		for src := 0; src < w; src++ {
			msg := <-c.group.rows[c.rank][src]
			if msg.rows != recvCounts[src] || msg.width != width {
				panic(fmt.Sprintf("exchange: rank %d expected %d rows of width %d from rank %d, got %d x %d",
					c.rank, recvCounts[src], width, src, msg.rows, msg.width))
			}
			copy(h.out[off*width:(off+msg.rows)*width], msg.data)
			off += msg.rows
		}
		close(h.done)
	}()
	return h
}
