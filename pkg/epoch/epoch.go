// pkg/epoch/epoch.go
package epoch

import (
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"loom/pkg/reclaim"
)

// numEpochs is the number of distinct epochs. A node retired in epoch e is
// destroyed once the global epoch has advanced past e+1, so three epochs
// (current, previous, safe-to-free) suffice.
const numEpochs = 3

// Domain is a generalized epoch based reclamation scheme.
//
// Threads publish the epoch they operate in when they enter a critical
// region; retired nodes are binned by their retirement epoch. The global
// epoch advances once every published epoch has caught up, at which point
// the bin two epochs back contains only nodes no reader can still see.
//
// The scan, abandonment and region extension policies are configured via
// Config; the classical schemes are recovered by NewEBR, NewNEBR and
// NewDEBRA.
type Domain struct {
	cfg         Config
	globalEpoch atomic.Uint64
	_           cpu.CacheLinePad
	threads     reclaim.ThreadList
	orphans     [numEpochs]reclaim.OrphanList
	stats       stats
}

type stats struct {
	retired   atomic.Uint64
	reclaimed atomic.Uint64
	scans     atomic.Uint64
	advances  atomic.Uint64
}

// Stats is a point-in-time snapshot of domain counters.
type Stats struct {
	Retired       uint64 // nodes handed to the domain for destruction
	Reclaimed     uint64 // nodes destroyed
	Scans         uint64 // epoch advance attempts
	EpochAdvances uint64 // successful epoch advances
}

// New creates a domain with the given configuration.
func New(cfg Config) *Domain {
	if cfg.ScanFrequency < 1 {
		cfg.ScanFrequency = DefaultConfig().ScanFrequency
	}
	if cfg.Scan == ScanNThreads && cfg.ScanCount < 1 {
		cfg.ScanCount = 1
	}
	return &Domain{cfg: cfg}
}

// Stats returns a snapshot of the domain counters.
func (d *Domain) Stats() Stats {
	return Stats{
		Retired:       d.stats.retired.Load(),
		Reclaimed:     d.stats.reclaimed.Load(),
		Scans:         d.stats.scans.Load(),
		EpochAdvances: d.stats.advances.Load(),
	}
}

// InitNode implements reclaim.Scheme. Epoch based reclamation keeps no
// per-node construction state.
func (d *Domain) InitNode(*reclaim.Node) {}

// Enter implements reclaim.Scheme.
func (d *Domain) Enter() reclaim.Region {
	b := d.threads.Acquire(reclaim.BlockInactive, func() *reclaim.ThreadBlock {
		t := &thread{domain: d}
		return &t.ThreadBlock
	})
	t := threadOf(b)
	if d.cfg.Extension == ExtensionEager {
		t.enterRegion()
	}
	return t
}

// thread is the per-thread control block. The embedded ThreadBlock state
// doubles as the critical region flag: an adopted block outside a critical
// region is inactive, inside it is active.
type thread struct {
	reclaim.ThreadBlock
	localEpoch atomic.Uint64
	_          cpu.CacheLinePad

	// Everything below is owned by the current lessee.
	domain        *Domain
	inRegion      bool
	guardCount    int
	regionEntries int
	scanCursor    *reclaim.ThreadBlock
	retireLists   [numEpochs]reclaim.RetireList
	guards        []*guard
	guardsUsed    int
}

func threadOf(b *reclaim.ThreadBlock) *thread {
	return (*thread)(unsafe.Pointer(b))
}

// Guard implements reclaim.Region.
func (t *thread) Guard() reclaim.Guard {
	if t.guardsUsed < len(t.guards) {
		g := t.guards[t.guardsUsed]
		t.guardsUsed++
		return g
	}
	g := &guard{t: t}
	t.guards = append(t.guards, g)
	t.guardsUsed++
	return g
}

// Retire implements reclaim.Region. The node is binned by the epoch at the
// moment of retirement; binning by the freshly loaded global epoch is never
// earlier than the epoch in which the node became unreachable.
func (t *thread) Retire(p reclaim.NodePtr, d reclaim.Deleter) {
	n := p.Get()
	if n == nil {
		return
	}
	n.PrepareRetire(unsafe.Pointer(n), d)
	e := t.domain.globalEpoch.Load()
	t.retireLists[e%numEpochs].Push(n)
	t.domain.stats.retired.Add(1)
}

// Leave implements reclaim.Region.
func (t *thread) Leave() {
	for i := 0; i < t.guardsUsed; i++ {
		t.guards[i].Reset()
	}
	t.guardsUsed = 0
	t.leaveRegion()
	t.domain.threads.Release(&t.ThreadBlock)
}

func (t *thread) enterRegion() {
	if t.inRegion {
		return
	}
	// The activation store and the subsequent epoch load are both
	// sequentially consistent; a concurrent scanner either sees this block
	// active or this block sees the scanner's epoch advance.
	t.Activate()
	t.inRegion = true
	e := t.domain.globalEpoch.Load()
	if e != t.localEpoch.Load() {
		t.onNewEpoch(e)
		return
	}
	t.regionEntries++
	if t.regionEntries >= t.domain.cfg.ScanFrequency {
		t.regionEntries = 0
		t.scan(e)
	}
}

func (t *thread) leaveRegion() {
	if !t.inRegion {
		return
	}
	t.Deactivate()
	t.inRegion = false

	d := t.domain
	switch d.cfg.Abandon {
	case AbandonNever:
	case AbandonAlways:
		for s := 0; s < numEpochs; s++ {
			if !t.retireLists[s].Empty() {
				d.orphans[s].Add(t.retireLists[s].Steal())
			}
		}
	case AbandonOnThreshold:
		for s := 0; s < numEpochs; s++ {
			if t.retireLists[s].Size() > d.cfg.AbandonThreshold {
				d.orphans[s].Add(t.retireLists[s].Steal())
			}
		}
	}
}

// onNewEpoch records the freshly observed epoch and frees the bin that the
// advance proved quiescent, together with its orphans.
func (t *thread) onNewEpoch(e uint64) {
	t.localEpoch.Store(e)
	t.regionEntries = 0
	t.scanCursor = nil
	t.reclaimBin(int((e + 1) % numEpochs))
}

func (t *thread) reclaimBin(s int) {
	d := t.domain
	if orphan := d.orphans[s].Adopt(); orphan != nil {
		d.stats.reclaimed.Add(uint64(reclaim.FreeAll(orphan)))
	}
	if !t.retireLists[s].Empty() {
		nodes := t.retireLists[s].Steal()
		d.stats.reclaimed.Add(uint64(reclaim.FreeAll(nodes.First)))
	}
}

// scan checks thread blocks for stragglers in older epochs. Partial
// strategies keep a cursor; the epoch is advanced only after a full clean
// lap over the list, so a block checked early cannot re-enter an older
// epoch behind the cursor's back.
func (t *thread) scan(e uint64) {
	d := t.domain
	d.stats.scans.Add(1)

	limit := math.MaxInt
	switch d.cfg.Scan {
	case ScanOneThread:
		limit = 1
	case ScanNThreads:
		limit = d.cfg.ScanCount
	}

	cur := t.scanCursor
	if cur == nil {
		cur = d.threads.Head()
	}
	for checked := 0; cur != nil && checked < limit; checked++ {
		if cur != &t.ThreadBlock && cur.IsActive() && threadOf(cur).localEpoch.Load() != e {
			// A thread is still operating in an older epoch; retry later
			// from the same position.
			t.scanCursor = cur
			return
		}
		cur = cur.Next()
	}
	t.scanCursor = cur
	if cur != nil {
		return
	}

	if d.globalEpoch.CompareAndSwap(e, e+1) {
		d.stats.advances.Add(1)
		t.onNewEpoch(e + 1)
	} else {
		t.onNewEpoch(d.globalEpoch.Load())
	}
}

// guard protects one node. The owning thread's critical region spans the
// lifetime of its non-empty guards, subject to the region extension policy.
type guard struct {
	t   *thread
	ptr reclaim.NodePtr
}

// Acquire implements reclaim.Guard. Inside an epoch critical region a
// single load suffices; the activation preceding it orders the load after
// any epoch advance a reclaimer could base destruction on.
func (g *guard) Acquire(src *reclaim.ConcurrentPtr) reclaim.NodePtr {
	g.Reset()
	t := g.t
	if !t.inRegion {
		t.enterRegion()
	}
	p := src.Load()
	g.ptr = p
	if !p.IsNil() {
		t.guardCount++
	} else if t.guardCount == 0 && t.domain.cfg.Extension == ExtensionNone {
		t.leaveRegion()
	}
	return p
}

// AcquireIfEqual implements reclaim.Guard.
func (g *guard) AcquireIfEqual(src *reclaim.ConcurrentPtr, expected reclaim.NodePtr) bool {
	g.Reset()
	t := g.t
	if !t.inRegion {
		t.enterRegion()
	}
	p := src.Load()
	if p != expected {
		if t.guardCount == 0 && t.domain.cfg.Extension == ExtensionNone {
			t.leaveRegion()
		}
		return false
	}
	g.ptr = p
	if !p.IsNil() {
		t.guardCount++
	} else if t.guardCount == 0 && t.domain.cfg.Extension == ExtensionNone {
		t.leaveRegion()
	}
	return true
}

// Get implements reclaim.Guard.
func (g *guard) Get() reclaim.NodePtr { return g.ptr }

// Reset implements reclaim.Guard.
func (g *guard) Reset() {
	if g.ptr.IsNil() {
		return
	}
	g.ptr = reclaim.NodePtr{}
	t := g.t
	t.guardCount--
	if t.guardCount == 0 && t.domain.cfg.Extension == ExtensionNone {
		t.leaveRegion()
	}
}

// Reclaim implements reclaim.Guard.
func (g *guard) Reclaim(d reclaim.Deleter) {
	p := g.ptr
	if p.IsNil() {
		return
	}
	g.t.Retire(p, d)
	g.Reset()
}
