// pkg/hashmap/hashmap.go
package hashmap

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"loom/internal/backoff"
	"loom/pkg/marked"
	"loom/pkg/reclaim"
)

const (
	// bucketItemCount is the number of inline key/value pairs per bucket.
	bucketItemCount = 3
	// extensionItemCount is the number of items per extension bucket.
	extensionItemCount = 10
	// bucketToExtensionRatio is the number of buckets per extension bucket.
	// Tables smaller than the ratio have no extension pool and grow instead.
	bucketToExtensionRatio = 128

	defaultCapacity = 128
)

// IntKey is the set of key types the map stores inline in atomic words.
type IntKey interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Map is a concurrent hash map after Vyukov: writers lock individual
// buckets with a single-bit spin lock, readers are lock-free and validate
// their snapshots against the bucket version.
//
// Keys are stored inline in atomic words; values live behind an atomically
// swapped pointer, so a reader never observes a torn value. The bucket
// array is grown by doubling under a single-writer resize lock, and the old
// block is retired through the reclamation scheme so stale readers finish
// their scan on it safely.
type Map[K IntKey, V any] struct {
	scheme     reclaim.Scheme
	resizeLock atomic.Uint32
	dataBlock  reclaim.ConcurrentPtr
}

type bucket[V any] struct {
	state  atomic.Uint32
	head   atomic.Pointer[extensionItem[V]]
	keys   [bucketItemCount]atomic.Uint64
	values [bucketItemCount]atomic.Pointer[V]
}

type extensionItem[V any] struct {
	key   atomic.Uint64
	value atomic.Pointer[V]
	next  atomic.Pointer[extensionItem[V]]
	owner *extensionBucket[V]
}

// extensionBucket is a spin-locked free list of extension items. Items are
// taken starting at the bucket addressed by the key's hash.
type extensionBucket[V any] struct {
	lock  atomic.Uint32
	head  atomic.Pointer[extensionItem[V]]
	items [extensionItemCount]extensionItem[V]
}

func (eb *extensionBucket[V]) acquireLock() {
	var bo backoff.Exponential
	for {
		for eb.lock.Load() != 0 {
			bo.Pause()
		}
		if eb.lock.Swap(1) == 0 {
			return
		}
		bo.Pause()
	}
}

func (eb *extensionBucket[V]) releaseLock() {
	eb.lock.Store(0)
}

type block[V any] struct {
	reclaim.Node
	mask             uint64
	bucketCount      uint32
	buckets          []bucket[V]
	extensionBuckets []extensionBucket[V]
}

func blockRef[V any](b *block[V]) reclaim.NodePtr {
	return marked.Compose(&b.Node, 0)
}

func blockOf[V any](p reclaim.NodePtr) *block[V] {
	return (*block[V])(unsafe.Pointer(p.Get()))
}

// New creates a map with the default initial capacity.
func New[K IntKey, V any](s reclaim.Scheme) *Map[K, V] {
	return NewWithCapacity[K, V](s, defaultCapacity)
}

// NewWithCapacity creates a map with at least the given number of buckets.
func NewWithCapacity[K IntKey, V any](s reclaim.Scheme, capacity int) *Map[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	m := &Map[K, V]{scheme: s}
	b := m.allocBlock(nextPowerOfTwo(uint32(capacity)))
	m.dataBlock.Store(blockRef(b))
	return m
}

func (m *Map[K, V]) allocBlock(bucketCount uint32) *block[V] {
	b := &block[V]{
		mask:             uint64(bucketCount - 1),
		bucketCount:      bucketCount,
		buckets:          make([]bucket[V], bucketCount),
		extensionBuckets: make([]extensionBucket[V], bucketCount/bucketToExtensionRatio),
	}
	for i := range b.extensionBuckets {
		eb := &b.extensionBuckets[i]
		var head *extensionItem[V]
		for j := range eb.items {
			eb.items[j].owner = eb
			eb.items[j].next.Store(head)
			head = &eb.items[j]
		}
		eb.head.Store(head)
	}
	m.scheme.InitNode(&b.Node)
	return b
}

func hashOf[K IntKey](k K) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	return xxhash.Sum64(buf[:])
}

func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}

// Emplace inserts the pair if the key is not present. It reports whether
// the pair was inserted; an existing key keeps its value.
func (m *Map[K, V]) Emplace(k K, v V) bool {
	_, inserted := m.getOrEmplace(k, func() *V { return &v })
	return inserted
}

// GetOrEmplace returns the value stored under k, inserting the value
// produced by factory if the key is not present. The boolean reports
// whether an insertion happened.
func (m *Map[K, V]) GetOrEmplace(k K, factory func() V) (V, bool) {
	vp, inserted := m.getOrEmplace(k, func() *V {
		v := factory()
		return &v
	})
	return *vp, inserted
}

func (m *Map[K, V]) getOrEmplace(k K, factory func() *V) (*V, bool) {
	h := hashOf(k)
	r := m.scheme.Enter()
	defer r.Leave()
	g := r.Guard()

	for {
		blk, bkt, state := m.lockBucket(g, h)

		itemCount := int(state.itemCount())
		for i := 0; i < itemCount; i++ {
			if bkt.keys[i].Load() == uint64(k) {
				vp := bkt.values[i].Load()
				bkt.state.Store(uint32(state)) // unlock, nothing changed
				return vp, false
			}
		}

		if itemCount < bucketItemCount {
			vp := factory()
			bkt.keys[itemCount].Store(uint64(k))
			bkt.values[itemCount].Store(vp)
			// Unlock and publish the new item count in one store.
			bkt.state.Store(uint32(state.incItemCount()))
			return vp, true
		}

		for ext := bkt.head.Load(); ext != nil; ext = ext.next.Load() {
			if ext.key.Load() == uint64(k) {
				vp := ext.value.Load()
				bkt.state.Store(uint32(state))
				return vp, false
			}
		}

		ext := m.allocExtensionItem(blk, h)
		if ext == nil {
			// The extension pool is exhausted; grow the table and retry.
			// grow releases the bucket lock.
			m.grow(r, bkt, state)
			continue
		}
		vp := factory()
		ext.key.Store(uint64(k))
		ext.value.Store(vp)
		ext.next.Store(bkt.head.Load())
		bkt.head.Store(ext)
		bkt.state.Store(uint32(state))
		return vp, true
	}
}

// TryGetValue returns the value stored under k. Readers take no locks;
// they validate the bucket version around every observation and restart
// the bucket scan when a remove operation intervened.
func (m *Map[K, V]) TryGetValue(k K) (V, bool) {
	var zero V
	h := hashOf(k)

	r := m.scheme.Enter()
	defer r.Leave()
	g := r.Guard()

	// The block can only change due to a concurrent grow, and grow does not
	// alter bucket contents, so the snapshot below stays valid across it.
	bp := g.Acquire(&m.dataBlock)
	blk := blockOf[V](bp)
	bkt := &blk.buckets[h&blk.mask]

	state := bucketState(bkt.state.Load())
retry:
	for {
		itemCount := int(state.itemCount())
		for i := 0; i < itemCount; i++ {
			if bkt.keys[i].Load() != uint64(k) {
				continue
			}
			vp := bkt.values[i].Load()

			state2 := bucketState(bkt.state.Load())
			if state.version() != state2.version() {
				// A remove operation intervened; rescan the bucket.
				state = state2
				continue retry
			}
			if state2.deleteMarker() == uint32(i+1) {
				// A remover is operating on this slot; the key we read may
				// belong to the item being moved in. Skip the slot; if the
				// remove finishes before our scan does, the version check
				// catches it.
				continue
			}
			return *vp, true
		}

		for ext := bkt.head.Load(); ext != nil; {
			if ext.key.Load() == uint64(k) {
				vp := ext.value.Load()
				state2 := bucketState(bkt.state.Load())
				if state.version() != state2.version() {
					state = state2
					continue retry
				}
				return *vp, true
			}
			ext = ext.next.Load()
			state2 := bucketState(bkt.state.Load())
			if state.version() != state2.version() {
				state = state2
				continue retry
			}
		}

		state2 := bucketState(bkt.state.Load())
		if state.version() != state2.version() {
			// The entry we are looking for might have been moved while we
			// were searching.
			state = state2
			continue retry
		}
		return zero, false
	}
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	_, ok := m.TryGetValue(k)
	return ok
}

// Erase removes the pair stored under k and reports whether it was present.
func (m *Map[K, V]) Erase(k K) bool {
	_, ok := m.extract(k)
	return ok
}

func (m *Map[K, V]) extract(k K) (*V, bool) {
	h := hashOf(k)
	var bo backoff.Exponential

	r := m.scheme.Enter()
	defer r.Leave()
	g := r.Guard()

	for {
		bp := g.Acquire(&m.dataBlock)
		blk := blockOf[V](bp)
		bkt := &blk.buckets[h&blk.mask]
		state := bucketState(bkt.state.Load())
		itemCount := int(state.itemCount())

		if itemCount == 0 {
			// Extensions are only populated while the inline slots are
			// full, so an empty bucket has nothing to check.
			return nil, false
		}
		if state.isLocked() {
			bo.Pause()
			continue
		}
		lockedState := state.locked()
		if !bkt.state.CompareAndSwap(uint32(state), uint32(lockedState)) {
			bo.Pause()
			continue
		}

		for i := 0; i < itemCount; i++ {
			if bkt.keys[i].Load() != uint64(k) {
				continue
			}
			vp := bkt.values[i].Load()
			if ext := bkt.head.Load(); ext != nil {
				// Refill the inline slot from the extension list. Flag the
				// slot first so lock-free readers can recognize the move.
				bkt.state.Store(uint32(lockedState.setDeleteMarker(uint32(i + 1))))

				bkt.keys[i].Store(ext.key.Load())
				bkt.values[i].Store(ext.value.Load())

				// Clear the marker again under a new version.
				lockedState = lockedState.newVersion()
				bkt.state.Store(uint32(lockedState))

				bkt.head.Store(ext.next.Load())

				// Unlock with yet another version bump.
				bkt.state.Store(uint32(lockedState.newVersion().clearLock()))

				freeExtensionItem(ext)
			} else {
				if i != itemCount-1 {
					bkt.state.Store(uint32(lockedState.setDeleteMarker(uint32(i + 1))))
					bkt.keys[i].Store(bkt.keys[itemCount-1].Load())
					bkt.values[i].Store(bkt.values[itemCount-1].Load())
				}
				// Unlock, clear the marker, bump the version and drop the
				// item count in a single store.
				bkt.state.Store(uint32(state.newVersion().decItemCount()))
			}
			return vp, true
		}

		prev := &bkt.head
		for ext := prev.Load(); ext != nil; ext = prev.Load() {
			if ext.key.Load() == uint64(k) {
				vp := ext.value.Load()
				prev.Store(ext.next.Load())
				bkt.state.Store(uint32(state.newVersion()))
				freeExtensionItem(ext)
				return vp, true
			}
			prev = &ext.next
		}

		// Key not found; unlock without a version bump.
		bkt.state.Store(uint32(state))
		return nil, false
	}
}

// lockBucket acquires the bucket for h on the current block. The guard
// protects the returned block; the returned state is the pre-lock value.
func (m *Map[K, V]) lockBucket(g reclaim.Guard, h uint64) (*block[V], *bucket[V], bucketState) {
	var bo backoff.Exponential
	for {
		bp := g.Acquire(&m.dataBlock)
		blk := blockOf[V](bp)
		bkt := &blk.buckets[h&blk.mask]
		state := bucketState(bkt.state.Load())
		if state.isLocked() {
			bo.Pause()
			continue
		}
		if bkt.state.CompareAndSwap(uint32(state), uint32(state.locked())) {
			return blk, bkt, state
		}
		bo.Pause()
	}
}

func (m *Map[K, V]) allocExtensionItem(blk *block[V], h uint64) *extensionItem[V] {
	extCount := len(blk.extensionBuckets)
	if extCount == 0 {
		return nil
	}
	modMask := uint64(extCount - 1)
	for iter := 0; iter < 2; iter++ {
		for idx := 0; idx < extCount; idx++ {
			eb := &blk.extensionBuckets[(h+uint64(idx))&modMask]
			if eb.head.Load() == nil {
				continue
			}
			eb.acquireLock()
			if item := eb.head.Load(); item != nil {
				eb.head.Store(item.next.Load())
				eb.releaseLock()
				return item
			}
			eb.releaseLock()
		}
	}
	return nil
}

func freeExtensionItem[V any](item *extensionItem[V]) {
	eb := item.owner
	eb.acquireLock()
	item.value.Store(nil)
	item.next.Store(eb.head.Load())
	eb.head.Store(item)
	eb.releaseLock()
}

// grow doubles the bucket array. The caller holds the lock on bkt with the
// given pre-lock state; grow releases it before resizing so the lock-all
// phase cannot deadlock. Only one writer resizes at a time; latecomers wait
// for it to finish and then retry their insert.
func (m *Map[K, V]) grow(r reclaim.Region, bkt *bucket[V], state bucketState) {
	alreadyResizing := m.resizeLock.Swap(1)

	// Release the bucket lock only after taking the resize lock, so a
	// resize performed by some other thread cannot slip by unnoticed.
	bkt.state.Store(uint32(state))

	if alreadyResizing != 0 {
		var bo backoff.Exponential
		for m.resizeLock.Load() != 0 {
			bo.Pause()
		}
		return
	}

	m.doGrow(r)
}

func (m *Map[K, V]) doGrow(r reclaim.Region) {
	// Nobody can replace the block while we hold the resize lock.
	oldPtr := m.dataBlock.Load()
	old := blockOf[V](oldPtr)
	newBlk := m.allocBlock(old.bucketCount * 2)

	// Lock every bucket of the current block.
	for i := range old.buckets {
		b := &old.buckets[i]
		var bo backoff.Exponential
		for {
			st := bucketState(b.state.Load())
			if st.isLocked() {
				bo.Pause()
				continue
			}
			if b.state.CompareAndSwap(uint32(st), uint32(st.locked())) {
				break
			}
			bo.Pause()
		}
	}

	for i := range old.buckets {
		ob := &old.buckets[i]
		itemCount := int(bucketState(ob.state.Load()).itemCount())
		for j := 0; j < itemCount; j++ {
			m.growInsert(newBlk, ob.keys[j].Load(), ob.values[j].Load())
		}
		for ext := ob.head.Load(); ext != nil; ext = ext.next.Load() {
			m.growInsert(newBlk, ext.key.Load(), ext.value.Load())
		}
	}

	m.dataBlock.Store(blockRef(newBlk))
	m.resizeLock.Store(0)

	// The old block is unreachable for new operations now; readers that
	// still hold it are covered by the reclamation scheme.
	r.Retire(oldPtr, nil)
}

// growInsert redistributes one pair into the new block. The new block is
// private to the resizer, so plain ordering suffices.
func (m *Map[K, V]) growInsert(blk *block[V], key uint64, vp *V) {
	h := hashOf(K(key))
	nb := &blk.buckets[h&blk.mask]
	state := bucketState(nb.state.Load())
	count := int(state.itemCount())
	if count < bucketItemCount {
		nb.keys[count].Store(key)
		nb.values[count].Store(vp)
		nb.state.Store(uint32(state.incItemCount()))
		return
	}
	ext := m.allocExtensionItem(blk, h)
	if ext == nil {
		// The doubled table always carries a proportionally doubled
		// extension pool; running dry here means the hash is broken.
		panic("hashmap: extension pool exhausted during grow")
	}
	ext.key.Store(key)
	ext.value.Store(vp)
	ext.next.Store(nb.head.Load())
	nb.head.Store(ext)
}
