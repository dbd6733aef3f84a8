// pkg/hashmap/state.go
package hashmap

// bucketState packs the per-bucket bookkeeping into one 32-bit word so
// readers can validate a whole bucket with a single atomic load:
//
//	lock:1 | itemCount:2 | deleteMarker:2 | version:27
//
// The delete marker is shifted by exactly the item count width; the state
// word must stay 32 bits wide so it is atomic on 32-bit platforms.
type bucketState uint32

const (
	lockBit         = 1
	itemCounterBits = 2 // enough for counts 0..bucketItemCount

	itemCountShift    = 1
	deleteMarkerShift = itemCountShift + itemCounterBits
	versionShift      = deleteMarkerShift + itemCounterBits

	itemCountInc = 1 << itemCountShift
	versionInc   = 1 << versionShift

	itemCountMask = (1 << itemCounterBits) - 1
)

func (s bucketState) locked() bucketState    { return s | lockBit }
func (s bucketState) clearLock() bucketState { return s ^ lockBit }

// newVersion bumps the version counter; it is bumped at the end of every
// remove operation.
func (s bucketState) newVersion() bucketState { return s + versionInc }

func (s bucketState) incItemCount() bucketState { return s + itemCountInc }
func (s bucketState) decItemCount() bucketState { return s - itemCountInc }

// setDeleteMarker flags the inline slot (1-based) that is being moved by a
// remove operation. While a bucket is unlocked the marker is always zero.
func (s bucketState) setDeleteMarker(marker uint32) bucketState {
	return s | bucketState(marker<<deleteMarkerShift)
}

func (s bucketState) itemCount() uint32 {
	return uint32(s>>itemCountShift) & itemCountMask
}

func (s bucketState) deleteMarker() uint32 {
	return uint32(s>>deleteMarkerShift) & itemCountMask
}

func (s bucketState) version() uint32 { return uint32(s >> versionShift) }

func (s bucketState) isLocked() bool { return s&lockBit != 0 }
