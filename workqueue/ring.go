package workqueue

import (
	"log"
	"sync/atomic"
)

// Health grades the ring's recent behavior.
type Health uint8

const (
	// Healthy means the ring is keeping up with the interrupt rate.
	Healthy Health = iota

	// Backlogged means the ring is near full right now; the worker is
	// falling behind.
	Backlogged

	// Undersized means a meaningful share of offered items has been
	// rejected; the capacity does not match the interrupt rate.
	Undersized
)

var healthNames = map[Health]string{
	Healthy:    "Healthy",
	Backlogged: "Backlogged",
	Undersized: "Undersized",
}

func (h Health) String() string {
	if s, ok := healthNames[h]; ok {
		return s
	}
	return "Unknown"
}

// backlogNum/backlogDen: depth at or above 3/4 of capacity is a backlog.
const (
	backlogNum = 3
	backlogDen = 4
)

// undersizedPercent: rejecting at least this share of offered items marks
// the ring undersized.
const undersizedPercent = 5

// Stats is a point-in-time snapshot of the ring counters.
type Stats struct {
	Capacity int
	Depth    int
	Enqueued uint64
	Dequeued uint64
	Overruns uint64
	Spurious uint64
}

type slot struct {
	item WorkItem
	seq  atomic.Uint64
}

// A Ring is the SPSC queue between the interrupt handler and the worker.
//
// Publication follows slot sequence tickets: a slot's ticket equals the
// enqueue cursor when the producer may fill it, cursor+1 when the consumer
// may drain it, and jumps a full lap when the slot is recycled. The ticket
// store after the item copy is the release that makes the item visible; the
// ticket load before the copy-out is the matching acquire. Go's sync/atomic
// provides exactly those semantics.
type Ring struct {
	name  string
	slots []slot
	mask  uint64

	head atomic.Uint64
	tail atomic.Uint64

	pending  atomic.Uint32
	enqueued atomic.Uint64
	dequeued atomic.Uint64
	overruns atomic.Uint64
	spurious atomic.Uint64
}

// RingBuilder assembles a Ring.
type RingBuilder struct {
	capacity int
}

// MakeRingBuilder returns a builder with a 64-slot default.
func MakeRingBuilder() RingBuilder {
	return RingBuilder{capacity: 64}
}

// WithCapacity sets the slot count. Must be a power of two so cursor
// arithmetic never divides.
func (b RingBuilder) WithCapacity(n int) RingBuilder {
	b.capacity = n
	return b
}

// Build creates the ring.
func (b RingBuilder) Build(name string) *Ring {
	if b.capacity <= 0 || b.capacity&(b.capacity-1) != 0 {
		log.Panicf("capacity %d is not a power of two", b.capacity)
	}

	r := &Ring{
		name:  name,
		slots: make([]slot, b.capacity),
		mask:  uint64(b.capacity - 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Name returns the name of the ring.
func (r *Ring) Name() string {
	return r.name
}

// Capacity returns the slot count.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Enqueue offers one item from the interrupt side. A full ring rejects the
// item and counts an overrun; nothing is ever overwritten and nothing
// blocks. Returns whether the item was accepted.
func (r *Ring) Enqueue(item WorkItem) bool {
	t := r.tail.Load()
	s := &r.slots[t&r.mask]

	if s.seq.Load() != t {
		r.overruns.Add(1)
		return false
	}

	s.item = item
	s.seq.Store(t + 1)
	r.tail.Store(t + 1)
	r.enqueued.Add(1)
	r.pending.Store(1)
	return true
}

// Dequeue takes the oldest item on the worker side. An empty ring clears
// the pending flag and counts the wakeup as spurious.
func (r *Ring) Dequeue() (WorkItem, bool) {
	h := r.head.Load()
	s := &r.slots[h&r.mask]

	if s.seq.Load() != h+1 {
		r.pending.Store(0)
		r.spurious.Add(1)
		return WorkItem{}, false
	}

	item := s.item
	s.seq.Store(h + uint64(len(r.slots)))
	r.head.Store(h + 1)
	r.dequeued.Add(1)
	return item, true
}

// DrainBatch hands up to max items to fn in arrival order and returns how
// many were processed. The worker sizes max from the policy batch
// parameter.
func (r *Ring) DrainBatch(fn func(WorkItem), max int) int {
	n := 0
	for n < max {
		item, ok := r.Dequeue()
		if !ok {
			break
		}
		fn(item)
		n++
	}
	return n
}

// Pending reports whether the producer has signaled undrained work. A
// cleared flag with items still queued is possible in the enqueue/drain
// race; the worker also polls, so the items are picked up on the next pass.
func (r *Ring) Pending() bool {
	return r.pending.Load() != 0
}

// Depth returns the current number of queued items. Loading the tail
// before the head keeps a concurrent observer from seeing the head pass
// a stale tail and underflowing the subtraction.
func (r *Ring) Depth() int {
	t := r.tail.Load()
	h := r.head.Load()
	if h >= t {
		return 0
	}
	return int(t - h)
}

// Utilization returns the filled fraction of the ring.
func (r *Ring) Utilization() float64 {
	return float64(r.Depth()) / float64(len(r.slots))
}

// Stats snapshots the counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Capacity: len(r.slots),
		Depth:    r.Depth(),
		Enqueued: r.enqueued.Load(),
		Dequeued: r.dequeued.Load(),
		Overruns: r.overruns.Load(),
		Spurious: r.spurious.Load(),
	}
}

// Health grades the ring: a near-full ring is Backlogged, a ring that has
// rejected a meaningful share of its offered load is Undersized, anything
// else is Healthy.
func (r *Ring) Health() Health {
	st := r.Stats()

	if st.Depth*backlogDen >= st.Capacity*backlogNum {
		return Backlogged
	}

	offered := st.Enqueued + st.Overruns
	if st.Overruns > 0 && st.Overruns*100 >= offered*undersizedPercent {
		return Undersized
	}
	return Healthy
}
