// pkg/faaqueue/faaqueue.go
package faaqueue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"loom/internal/backoff"
	"loom/pkg/marked"
	"loom/pkg/reclaim"
)

var ErrNilValue = errors.New("value must not be nil")

// strideSize is the fetch-add increment for the slot indices. Using a
// prime stride spreads consecutive operations across cache lines; the
// effective slot is the raw index modulo the entry count.
const strideSize = 11

// Config customizes a Queue.
type Config[T any] struct {
	// EntriesPerNode is the number of value slots per node. Defaults to
	// 512; powers of two are recommended.
	EntriesPerNode int
	// PopRetries is the number of probes a popper spends on a slot whose
	// push is still in flight before tombstoning it. Defaults to 1000.
	PopRetries int
	// Drain, if set, receives every value that is still unclaimed when a
	// node is destroyed.
	Drain func(*T)
}

// DefaultConfig returns the default configuration.
func DefaultConfig[T any]() Config[T] {
	return Config[T]{EntriesPerNode: 512, PopRetries: 1000}
}

// Queue is a fast unbounded lock-free multi-producer/multi-consumer FIFO
// queue after Ramalhete and Correia (FAAArrayQueue).
//
// The queue is a linked list of nodes, each carrying an array of slots.
// Producers and consumers claim slots with a fetch-add on the per-node
// indices; a consumer that overtakes a slow producer tombstones the slot
// and moves on. Values are pointers; nil is reserved for empty slots.
type Queue[T any] struct {
	scheme reclaim.Scheme
	cfg    Config[T]
	maxIdx uint64
	drain  reclaim.Deleter
	head   reclaim.ConcurrentPtr
	_      cpu.CacheLinePad
	tail   reclaim.ConcurrentPtr
	_      cpu.CacheLinePad
}

type entry[T any] struct {
	value marked.Atomic[T]
}

type node[T any] struct {
	reclaim.Node
	popIdx  atomic.Uint64
	_       cpu.CacheLinePad
	pushIdx atomic.Uint64
	_       cpu.CacheLinePad
	next    reclaim.ConcurrentPtr
	entries []entry[T]
}

func ref[T any](n *node[T]) reclaim.NodePtr {
	return marked.Compose(&n.Node, 0)
}

func deref[T any](p reclaim.NodePtr) *node[T] {
	return (*node[T])(unsafe.Pointer(p.Get()))
}

// New creates an empty queue with the default configuration.
func New[T any](s reclaim.Scheme) *Queue[T] {
	return NewWithConfig(s, DefaultConfig[T]())
}

// NewWithConfig creates an empty queue with the given configuration.
func NewWithConfig[T any](s reclaim.Scheme, cfg Config[T]) *Queue[T] {
	if cfg.EntriesPerNode < 1 {
		cfg.EntriesPerNode = DefaultConfig[T]().EntriesPerNode
	}
	if cfg.PopRetries < 0 {
		cfg.PopRetries = 0
	}
	q := &Queue[T]{
		scheme: s,
		cfg:    cfg,
		maxIdx: strideSize * uint64(cfg.EntriesPerNode),
	}
	if cfg.Drain != nil {
		q.drain = q.drainNode
	}
	n := q.newNode(nil)
	q.head.Store(ref(n))
	q.tail.Store(ref(n))
	return q
}

// newNode allocates a node, optionally pre-filled with first in slot 0.
func (q *Queue[T]) newNode(first *T) *node[T] {
	n := &node[T]{entries: make([]entry[T], q.cfg.EntriesPerNode)}
	if first != nil {
		n.entries[0].value.Store(marked.Compose(first, 0))
		n.pushIdx.Store(strideSize)
	}
	q.scheme.InitNode(&n.Node)
	return n
}

// drainNode hands every still unclaimed value of a destroyed node to the
// configured Drain callback.
func (q *Queue[T]) drainNode(p unsafe.Pointer) {
	n := (*node[T])(p)
	epn := uint64(len(n.entries))
	for i := n.popIdx.Load(); i < n.pushIdx.Load() && i < q.maxIdx; i += strideSize {
		if v := n.entries[i%epn].value.Load(); v.Get() != nil {
			q.cfg.Drain(v.Get())
		}
	}
}

// Push appends value to the queue. A nil value is rejected, because nil
// marks an empty slot.
func (q *Queue[T]) Push(value *T) error {
	if value == nil {
		return ErrNilValue
	}

	r := q.scheme.Enter()
	defer r.Leave()
	t := r.Guard()

	var bo backoff.Exponential
	for {
		tp := t.Acquire(&q.tail)
		n := deref[T](tp)

		idx := n.pushIdx.Add(strideSize) - strideSize
		if idx >= q.maxIdx {
			// This node is full.
			if q.tail.Load() != tp {
				continue // someone already appended a new node
			}
			next := n.next.Load()
			if next.Get() == nil {
				nn := q.newNode(value)
				if n.next.CompareAndSwap(reclaim.NodePtr{}, ref(nn)) {
					q.tail.CompareAndSwap(tp, ref(nn))
					return nil
				}
				// Lost the race; keep the pre-stored value out of the
				// drain path and retry with the winner's node.
				nn.pushIdx.Store(0)
			} else {
				next = n.next.Load()
				q.tail.CompareAndSwap(tp, next)
			}
			continue
		}

		slot := &n.entries[idx%uint64(len(n.entries))].value
		// The swap fails if a consumer tombstoned the slot first.
		if slot.CompareAndSwap(marked.Ptr[T]{}, marked.Compose(value, 0)) {
			return nil
		}
		bo.Pause()
	}
}

// TryPop removes and returns the oldest value. It returns false if the
// queue was observed empty.
func (q *Queue[T]) TryPop() (*T, bool) {
	r := q.scheme.Enter()
	defer r.Leave()
	h := r.Guard()

	var bo backoff.Exponential
	for {
		hp := h.Acquire(&q.head)
		n := deref[T](hp)

		// Read popIdx before pushIdx: popIdx may be the staler of the two
		// values, which can only over-report the fill level, never report
		// a filled node as drained. A drained node reported as filled is
		// caught by the fetch-add path below.
		popIdx := n.popIdx.Load()
		pushIdx := n.pushIdx.Load()
		if popIdx >= pushIdx && n.next.Load().Get() == nil {
			return nil, false
		}

		idx := n.popIdx.Add(strideSize) - strideSize
		if idx >= q.maxIdx {
			// This node is drained; move on to the next one.
			next := n.next.Load()
			if next.Get() == nil {
				return nil, false
			}
			if q.head.CompareAndSwap(hp, next) {
				h.Reclaim(q.drain)
			}
			continue
		}

		slot := &n.entries[idx%uint64(len(n.entries))].value
		v := slot.Load()
		if v.Get() == nil && q.cfg.PopRetries > 0 {
			// The push for this slot is still in flight; give it a moment.
			var retry backoff.Exponential
			for cnt := 0; v.Get() == nil && cnt < q.cfg.PopRetries; cnt++ {
				retry.Pause()
				v = slot.Load()
			}
		}
		if v.Get() != nil {
			// Reload the slot once more before handing out the probed
			// value. The reload is kept as a separate ordering point after
			// the probe loop; its result is not used.
			_ = slot.Load()
			return v.Get(), true
		}

		// Give up on the slot: tombstone it so the straggling push fails.
		v = slot.Swap(marked.Compose[T](nil, 1))
		if v.Get() != nil {
			return v.Get(), true
		}
		bo.Pause()
	}
}
