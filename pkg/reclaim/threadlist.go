// pkg/reclaim/threadlist.go
package reclaim

import "sync/atomic"

// BlockState is the ownership state of a ThreadBlock.
type BlockState int32

const (
	// BlockFree marks a block that is not owned and may be adopted.
	BlockFree BlockState = iota
	// BlockInactive marks an owned block outside any critical region.
	BlockInactive
	// BlockActive marks an owned block inside a critical region.
	BlockActive
)

// ThreadBlock is the shared part of a per-thread control block. Scheme
// specific control blocks embed it as their first field; the embedding
// block and the ThreadBlock share the same address.
type ThreadBlock struct {
	// next is set once when the block is linked into the list and never
	// changes afterwards.
	next  *ThreadBlock
	state atomic.Int32
}

// Next returns the successor in the thread list.
func (b *ThreadBlock) Next() *ThreadBlock { return b.next }

// IsActive reports whether the owner is inside a critical region.
func (b *ThreadBlock) IsActive() bool { return BlockState(b.state.Load()) == BlockActive }

// Activate publishes that the owner entered a critical region.
func (b *ThreadBlock) Activate() { b.state.Store(int32(BlockActive)) }

// Deactivate publishes that the owner left its critical region.
func (b *ThreadBlock) Deactivate() { b.state.Store(int32(BlockInactive)) }

func (b *ThreadBlock) tryAdopt(initial BlockState) bool {
	if BlockState(b.state.Load()) != BlockFree {
		return false
	}
	return b.state.CompareAndSwap(int32(BlockFree), int32(initial))
}

// ThreadList is a lock-free singly linked list of thread control blocks.
// Blocks are inserted with a CAS on the head and are never unlinked; a
// block released by its owner returns to the free state and is adopted by
// a later Acquire instead of being allocated anew.
type ThreadList struct {
	head atomic.Pointer[ThreadBlock]
}

// Head returns the first block for traversal.
func (l *ThreadList) Head() *ThreadBlock { return l.head.Load() }

// Acquire adopts a free block or, if none is available, creates a new one
// via create and links it. The returned block is owned by the caller and
// carries the given initial state.
func (l *ThreadList) Acquire(initial BlockState, create func() *ThreadBlock) *ThreadBlock {
	for b := l.head.Load(); b != nil; b = b.next {
		if b.tryAdopt(initial) {
			return b
		}
	}
	b := create()
	b.state.Store(int32(initial))
	for {
		h := l.head.Load()
		b.next = h
		if l.head.CompareAndSwap(h, b) {
			return b
		}
	}
}

// Release returns an owned block to the free state so another thread can
// adopt it.
func (l *ThreadList) Release(b *ThreadBlock) {
	b.state.Store(int32(BlockFree))
}
