// Package dataflow implements the minimal channel primitives the operator
// layer (ParallelProcessor, MergeProcessor) is built on: unbounded FIFO
// channels carrying tuples of values, a distinguished PoisonPill control
// message signaling end-of-stream, and a one-shot BroadcastVar used to
// publish a shared input's resolved value to every firing after the first.
//
// The surface workflow language and its parser decide how many upstream
// channels feed a process and how firings are assembled into tuples; that
// machinery is out of scope here (SPEC_FULL.md §E). This package only
// supplies the primitives the operator layer needs to drive firings.
package dataflow

import "sync"

// poisonPill is the sentinel value written to a Channel to signal that no
// further data will arrive. A channel is exhausted once a Tuple carrying
// it has been received.
type poisonPill struct{}

// PoisonPill is the control message broadcast on a Channel's close to
// signal end-of-stream to every reader.
var PoisonPill = poisonPill{}

// IsPoisonPill reports whether v is the PoisonPill sentinel.
func IsPoisonPill(v interface{}) bool {
	_, ok := v.(poisonPill)
	return ok
}

// Tuple is one message traveling through a Channel: either ordinary
// payload data, or the PoisonPill.
type Tuple struct {
	Value interface{}
	Pill  bool
}

// Data wraps v as an ordinary (non-pill) Tuple.
func Data(v interface{}) Tuple { return Tuple{Value: v} }

// Pill returns the poison-pill Tuple.
func Pill() Tuple { return Tuple{Pill: true} }

// Channel is an unbounded single-writer, many-reader FIFO. Reflow's runtime
// is assumed to supply such channels (spec.md §6); here they're modeled
// directly as Go channels of Tuple, unbounded via an internal buffering
// goroutine so that Send never blocks the operator thread on a slow reader.
type Channel struct {
	in     chan Tuple
	out    chan Tuple
	closed chan struct{}
	once   sync.Once
}

// NewChannel returns a new, open Channel.
func NewChannel() *Channel {
	c := &Channel{
		in:     make(chan Tuple),
		out:    make(chan Tuple),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump relays buffered Tuples from in to out, growing an internal slice
// queue rather than blocking the sender, so Send is always non-blocking
// with respect to downstream consumption speed.
func (c *Channel) pump() {
	var queue []Tuple
	for {
		if len(queue) == 0 {
			t, ok := <-c.in
			if !ok {
				close(c.out)
				return
			}
			queue = append(queue, t)
		}
		select {
		case t, ok := <-c.in:
			if !ok {
				for _, q := range queue {
					c.out <- q
				}
				close(c.out)
				return
			}
			queue = append(queue, t)
		case c.out <- queue[0]:
			queue = queue[1:]
		}
	}
}

// Send enqueues a value for delivery. Send panics if called after Close.
func (c *Channel) Send(v interface{}) {
	c.in <- Data(v)
}

// Close sends the PoisonPill and prevents further Sends.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.in <- Pill()
		close(c.in)
		close(c.closed)
	})
}

// Recv blocks until a Tuple is available. The second return is false once
// the channel is fully drained (after its PoisonPill has been delivered and
// consumed).
func (c *Channel) Recv() (Tuple, bool) {
	t, ok := <-c.out
	return t, ok
}

// BroadcastVar is a one-shot value: the first Set call stores the value and
// wakes every current and future waiter; subsequent Set calls are no-ops.
// It models a shared input's "resolve once, reuse by reference" semantics
// (spec.md §3 Invariants).
type BroadcastVar struct {
	once sync.Once
	done chan struct{}
	val  interface{}
}

// NewBroadcastVar returns an unset BroadcastVar.
func NewBroadcastVar() *BroadcastVar {
	return &BroadcastVar{done: make(chan struct{})}
}

// Set stores v as the broadcast value. Only the first call has effect.
func (b *BroadcastVar) Set(v interface{}) {
	b.once.Do(func() {
		b.val = v
		close(b.done)
	})
}

// Get blocks until Set has been called, then returns the stored value.
func (b *BroadcastVar) Get() interface{} {
	<-b.done
	return b.val
}

// Ready reports whether Set has already been called, without blocking.
func (b *BroadcastVar) Ready() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
