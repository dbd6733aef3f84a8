// pkg/eras/eras.go
package eras

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"loom/pkg/reclaim"
)

// ErrHazardErasExhausted is the panic value raised when a thread needs more
// era slots than the static strategy allows.
var ErrHazardErasExhausted = errors.New("hazard era slots exhausted")

// SlotStrategy selects how era slots are allocated per thread.
type SlotStrategy int

const (
	// StrategyStatic pre-allocates K slots per thread. Exhaustion panics
	// with ErrHazardErasExhausted; it is a configuration error.
	StrategyStatic SlotStrategy = iota
	// StrategyDynamic chains additional slot segments, each holding 1.5x
	// the slots of all previous segments combined.
	StrategyDynamic
)

// Config customizes a Domain. The retire threshold is A*S+B where S is the
// total number of reachable slots.
type Config struct {
	Strategy SlotStrategy
	K        int
	A        int
	B        int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Strategy: StrategyStatic, K: 3, A: 2, B: 100}
}

// Domain is an implementation of the hazard eras reclamation scheme.
//
// A global era clock advances on every retirement. Nodes carry the era
// interval during which they were reachable; guards publish the era they
// operate in. A retired node is destroyed once no published era intersects
// its interval.
type Domain struct {
	cfg         Config
	eraClock    atomic.Uint64
	activeSlots atomic.Int64
	_           cpu.CacheLinePad
	threads     reclaim.ThreadList
	orphans     reclaim.OrphanList
	stats       stats
}

type stats struct {
	retired   atomic.Uint64
	reclaimed atomic.Uint64
	scans     atomic.Uint64
}

// Stats is a point-in-time snapshot of domain counters.
type Stats struct {
	Retired   uint64
	Reclaimed uint64
	Scans     uint64
}

// New creates a domain with the given configuration.
func New(cfg Config) *Domain {
	def := DefaultConfig()
	if cfg.K < 1 {
		cfg.K = def.K
	}
	if cfg.A < 1 {
		cfg.A = def.A
	}
	if cfg.B < 1 {
		cfg.B = def.B
	}
	d := &Domain{cfg: cfg}
	d.eraClock.Store(1)
	return d
}

// Stats returns a snapshot of the domain counters.
func (d *Domain) Stats() Stats {
	return Stats{
		Retired:   d.stats.retired.Load(),
		Reclaimed: d.stats.reclaimed.Load(),
		Scans:     d.stats.scans.Load(),
	}
}

// InitNode implements reclaim.Scheme: it stamps the construction era.
func (d *Domain) InitNode(n *reclaim.Node) {
	n.SetBirthEra(d.eraClock.Load())
}

// Enter implements reclaim.Scheme.
func (d *Domain) Enter() reclaim.Region {
	b := d.threads.Acquire(reclaim.BlockActive, func() *reclaim.ThreadBlock {
		t := &thread{domain: d}
		t.segHead = &segment{slots: make([]slot, d.cfg.K)}
		t.capacity = d.cfg.K
		for i := range t.segHead.slots {
			t.free = append(t.free, &t.segHead.slots[i])
		}
		d.activeSlots.Add(int64(d.cfg.K))
		return &t.ThreadBlock
	})
	return threadOf(b)
}

// slot publishes one era; zero means unused.
type slot = atomic.Uint64

type segment struct {
	slots []slot
	next  atomic.Pointer[segment]
}

type thread struct {
	reclaim.ThreadBlock
	segHead *segment // immutable once the block is published
	_       cpu.CacheLinePad

	// Everything below is owned by the current lessee.
	domain     *Domain
	capacity   int
	free       []*slot
	retired    reclaim.RetireList
	guards     []*guard
	guardsUsed int
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

// Retire implements reclaim.Region.
func (t *thread) Retire(p reclaim.NodePtr, d reclaim.Deleter) {
	n := p.Get()
	if n == nil {
		return
	}
	t.retire(n, d)
}

// Leave implements reclaim.Region.
func (t *thread) Leave() {
	for i := 0; i < t.guardsUsed; i++ {
		t.guards[i].Reset()
	}
	t.guardsUsed = 0
	if t.retired.Size() > t.threshold() {
		t.domain.orphans.Add(t.retired.Steal())
	}
	t.domain.threads.Release(&t.ThreadBlock)
}

func (t *thread) threshold() int {
	d := t.domain
	return d.cfg.A*int(d.activeSlots.Load()) + d.cfg.B
}

// retire stamps the retirement era and bumps the era clock.
func (t *thread) retire(n *reclaim.Node, d reclaim.Deleter) {
	n.PrepareRetire(unsafe.Pointer(n), d)
	n.SetRetireEra(t.domain.eraClock.Add(1) - 1)
	t.retired.Push(n)
	t.domain.stats.retired.Add(1)
	if t.retired.Size() >= t.threshold() {
		t.scanAndReclaim()
	}
}

func (t *thread) allocSlot() *slot {
	if len(t.free) > 0 {
		s := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		return s
	}
	if t.domain.cfg.Strategy == StrategyStatic {
		panic(ErrHazardErasExhausted)
	}
	grow := t.capacity * 3 / 2
	if grow < 1 {
		grow = 1
	}
	seg := &segment{slots: make([]slot, grow)}
	last := t.segHead
	for next := last.next.Load(); next != nil; next = last.next.Load() {
		last = next
	}
	last.next.Store(seg)
	t.capacity += grow
	t.domain.activeSlots.Add(int64(grow))
	for i := range seg.slots {
		t.free = append(t.free, &seg.slots[i])
	}
	return t.allocSlot()
}

func (t *thread) releaseSlot(s *slot) {
	s.Store(0)
	t.free = append(t.free, s)
}

// scanAndReclaim snapshots every published era and destroys retired nodes
// whose era interval no published era intersects.
func (t *thread) scanAndReclaim() {
	d := t.domain
	d.stats.scans.Add(1)

	eras := make([]uint64, 0, d.activeSlots.Load())
	for b := d.threads.Head(); b != nil; b = b.Next() {
		tb := threadOf(b)
		for seg := tb.segHead; seg != nil; seg = seg.next.Load() {
			for i := range seg.slots {
				if e := seg.slots[i].Load(); e != 0 {
					eras = append(eras, e)
				}
			}
		}
	}

	if orphan := d.orphans.Adopt(); orphan != nil {
		t.retired.PushAll(orphan)
	}

	nodes := t.retired.Steal()
	survivors, freed := reclaim.Sweep(nodes.First, func(n *reclaim.Node) bool {
		for _, e := range eras {
			if n.BirthEra() <= e && e <= n.RetireEra() {
				return true
			}
		}
		return false
	})
	t.retired.PushChain(survivors)
	d.stats.reclaimed.Add(uint64(freed))
}

// guard protects one node by publishing the era it was acquired in.
type guard struct {
	t   *thread
	s   *slot
	ptr reclaim.NodePtr
}

// Acquire implements reclaim.Guard: publish the current era, load the
// field, and retry until the era clock is stable across both.
func (g *guard) Acquire(src *reclaim.ConcurrentPtr) reclaim.NodePtr {
	g.ptr = reclaim.NodePtr{}
	if g.s == nil {
		g.s = g.t.allocSlot()
	}
	clock := &g.t.domain.eraClock
	era := clock.Load()
	for {
		g.s.Store(era)
		p := src.Load()
		next := clock.Load()
		if next == era {
			g.ptr = p
			return p
		}
		era = next
	}
}

// AcquireIfEqual implements reclaim.Guard.
func (g *guard) AcquireIfEqual(src *reclaim.ConcurrentPtr, expected reclaim.NodePtr) bool {
	g.ptr = reclaim.NodePtr{}
	if g.s == nil {
		g.s = g.t.allocSlot()
	}
	clock := &g.t.domain.eraClock
	era := clock.Load()
	for {
		g.s.Store(era)
		p := src.Load()
		if p != expected {
			g.s.Store(0)
			return false
		}
		next := clock.Load()
		if next == era {
			g.ptr = p
			return true
		}
		era = next
	}
}

// Get implements reclaim.Guard.
func (g *guard) Get() reclaim.NodePtr { return g.ptr }

// Reset implements reclaim.Guard.
func (g *guard) Reset() {
	if g.s != nil {
		g.t.releaseSlot(g.s)
		g.s = nil
	}
	g.ptr = reclaim.NodePtr{}
}

// Reclaim implements reclaim.Guard.
func (g *guard) Reclaim(d reclaim.Deleter) {
	n := g.ptr.Get()
	g.Reset()
	if n != nil {
		g.t.retire(n, d)
	}
}
