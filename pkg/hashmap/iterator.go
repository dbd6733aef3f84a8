// pkg/hashmap/iterator.go
package hashmap

import (
	"sync/atomic"

	"loom/internal/backoff"
	"loom/pkg/reclaim"
)

// Iterator walks the map bucket by bucket. It protects the block through a
// guard and holds the lock of the bucket it currently points into, so the
// current entry cannot move underneath it; writers on other buckets are
// unaffected. Iterators must be released with Close.
type Iterator[K IntKey, V any] struct {
	m      *Map[K, V]
	region reclaim.Region
	guard  reclaim.Guard

	blk       *block[V]
	bucket    *bucket[V]
	bucketIdx int
	state     bucketState // pre-lock state, restored on unlock
	index     int
	ext       *extensionItem[V]
	prev      *atomic.Pointer[extensionItem[V]]
}

// Begin returns an iterator positioned on the first entry, or an invalid
// iterator if the map is empty.
func (m *Map[K, V]) Begin() *Iterator[K, V] {
	it := &Iterator[K, V]{m: m, region: m.scheme.Enter()}
	it.guard = it.region.Guard()
	blk, bkt, state := m.lockBucket(it.guard, 0)
	it.blk = blk
	it.bucket = bkt
	it.bucketIdx = 0
	it.state = state
	if it.state.itemCount() == 0 {
		it.moveToNextBucket()
	}
	return it
}

// Find returns an iterator positioned on the entry for k, or an invalid
// (already closed) iterator if the key is not present.
func (m *Map[K, V]) Find(k K) *Iterator[K, V] {
	h := hashOf(k)
	it := &Iterator[K, V]{m: m, region: m.scheme.Enter()}
	it.guard = it.region.Guard()
	blk, bkt, state := m.lockBucket(it.guard, h)
	it.blk = blk
	it.bucket = bkt
	it.bucketIdx = int(h & blk.mask)
	it.state = state

	for i := 0; i < int(state.itemCount()); i++ {
		if bkt.keys[i].Load() == uint64(k) {
			it.index = i
			return it
		}
	}
	it.prev = &bkt.head
	for ext := bkt.head.Load(); ext != nil; ext = ext.next.Load() {
		if ext.key.Load() == uint64(k) {
			it.ext = ext
			return it
		}
		it.prev = &ext.next
	}

	it.Close()
	return it
}

// Valid reports whether the iterator points at an entry.
func (it *Iterator[K, V]) Valid() bool { return it.bucket != nil }

// Key returns the key of the current entry.
func (it *Iterator[K, V]) Key() K {
	if it.ext != nil {
		return K(it.ext.key.Load())
	}
	return K(it.bucket.keys[it.index].Load())
}

// Value returns the value of the current entry.
func (it *Iterator[K, V]) Value() V {
	if it.ext != nil {
		return *it.ext.value.Load()
	}
	return *it.bucket.values[it.index].Load()
}

// Next advances to the next entry.
func (it *Iterator[K, V]) Next() {
	if it.ext != nil {
		it.prev = &it.ext.next
		it.ext = it.ext.next.Load()
		if it.ext == nil {
			it.moveToNextBucket()
		}
		return
	}
	it.index++
	if it.index == int(it.state.itemCount()) {
		it.prev = &it.bucket.head
		it.ext = it.bucket.head.Load()
		if it.ext == nil {
			it.moveToNextBucket()
		}
	}
}

// Close unlocks the current bucket and releases the iterator's region.
// Closing an iterator twice is harmless.
func (it *Iterator[K, V]) Close() {
	it.invalidate()
	if it.region != nil {
		it.region.Leave()
		it.region = nil
		it.guard = nil
	}
}

func (it *Iterator[K, V]) invalidate() {
	if it.bucket != nil {
		it.bucket.state.Store(uint32(it.state))
		it.bucket = nil
	}
	it.blk = nil
	it.ext = nil
	it.prev = nil
	it.index = 0
	it.state = 0
}

// moveToNextBucket unlocks the current bucket after locking its successor;
// at the end of the table the iterator becomes invalid.
func (it *Iterator[K, V]) moveToNextBucket() {
	if it.bucketIdx == int(it.blk.bucketCount)-1 {
		it.invalidate()
		return
	}

	oldBucket := it.bucket
	oldState := it.state
	it.bucketIdx++
	it.bucket = &it.blk.buckets[it.bucketIdx]

	var bo backoff.Exponential
	for {
		st := bucketState(it.bucket.state.Load())
		if st.isLocked() {
			bo.Pause()
			continue
		}
		if it.bucket.state.CompareAndSwap(uint32(st), uint32(st.locked())) {
			it.state = st
			break
		}
		bo.Pause()
	}

	oldBucket.state.Store(uint32(oldState))

	it.index = 0
	it.ext = nil
	it.prev = nil
	if it.state.itemCount() == 0 {
		it.moveToNextBucket()
	}
}

// EraseAt removes the entry the iterator points at and advances it to the
// next entry. The iterator must be valid.
func (m *Map[K, V]) EraseAt(it *Iterator[K, V]) {
	if it.ext != nil {
		// The current entry is an extension item; unlink it.
		next := it.ext.next.Load()
		it.prev.Store(next)
		it.state = it.state.newVersion()
		it.bucket.state.Store(uint32(it.state.locked()))
		freeExtensionItem(it.ext)
		it.ext = next
		if next == nil {
			it.moveToNextBucket()
		}
		return
	}

	bkt := it.bucket
	lockedState := it.state.locked()
	if ext := bkt.head.Load(); ext != nil {
		// Refill the inline slot from the extension list under the delete
		// marker so lock-free readers can recognize the move.
		bkt.state.Store(uint32(lockedState.setDeleteMarker(uint32(it.index + 1))))

		bkt.keys[it.index].Store(ext.key.Load())
		bkt.values[it.index].Store(ext.value.Load())

		it.state = it.state.newVersion()
		bkt.state.Store(uint32(it.state.locked()))

		next := ext.next.Load()
		bkt.head.Store(next)

		it.state = it.state.newVersion()
		bkt.state.Store(uint32(it.state.locked()))
		freeExtensionItem(ext)
		// The moved-in entry occupies the current index; do not advance.
		return
	}

	maxIndex := int(it.state.itemCount()) - 1
	if it.index != maxIndex {
		bkt.state.Store(uint32(lockedState.setDeleteMarker(uint32(it.index + 1))))
		bkt.keys[it.index].Store(bkt.keys[maxIndex].Load())
		bkt.values[it.index].Store(bkt.values[maxIndex].Load())
	}

	it.state = it.state.newVersion().decItemCount()
	bkt.state.Store(uint32(it.state.locked()))
	if it.index == int(it.state.itemCount()) {
		it.prev = &bkt.head
		it.ext = bkt.head.Load()
		if it.ext == nil {
			it.moveToNextBucket()
		}
	}
}
