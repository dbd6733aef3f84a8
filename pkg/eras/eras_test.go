// pkg/eras/eras_test.go
package eras

import (
	"errors"
	"sync/atomic"
	"testing"
	"unsafe"

	"loom/pkg/marked"
	"loom/pkg/reclaim"
)

type testNode struct {
	reclaim.Node
	payload int
}

func newShared(d *Domain, payload int) (*testNode, *reclaim.ConcurrentPtr) {
	n := &testNode{payload: payload}
	d.InitNode(&n.Node)
	var cp reclaim.ConcurrentPtr
	cp.Store(marked.Compose(&n.Node, 0))
	return n, &cp
}

func churn(d *Domain, count int) {
	r := d.Enter()
	defer r.Leave()
	for i := 0; i < count; i++ {
		n := &testNode{}
		d.InitNode(&n.Node)
		r.Retire(marked.Compose(&n.Node, 0), nil)
	}
}

func testConfig() Config {
	return Config{Strategy: StrategyStatic, K: 2, A: 1, B: 1}
}

func TestInitNodeStampsBirthEra(t *testing.T) {
	d := New(DefaultConfig())
	n := &testNode{}
	d.InitNode(&n.Node)
	if n.BirthEra() == 0 {
		t.Error("birth era not stamped")
	}

	// Retiring bumps the era clock, so a later node is born in a later era.
	churn(d, 3)
	m := &testNode{}
	d.InitNode(&m.Node)
	if m.BirthEra() <= n.BirthEra() {
		t.Errorf("birth eras not monotone: %d then %d", n.BirthEra(), m.BirthEra())
	}
}

func TestGuardBlocksReclamation(t *testing.T) {
	d := New(testConfig())
	n, cp := newShared(d, 42)

	reader := d.Enter()
	g := reader.Guard()
	p := g.Acquire(cp)
	if got := (*testNode)(unsafe.Pointer(p.Get())); got != n {
		t.Fatalf("guard protects %p, want %p", got, n)
	}

	var freed atomic.Int32
	w := d.Enter()
	cp.Store(reclaim.NodePtr{})
	w.Retire(p, func(unsafe.Pointer) { freed.Add(1) })
	w.Leave()

	churn(d, 64)
	if freed.Load() != 0 {
		t.Fatal("node destroyed while its era interval is published")
	}
	if got := (*testNode)(unsafe.Pointer(p.Get())); got.payload != 42 {
		t.Errorf("payload: got %d, want 42", got.payload)
	}

	g.Reset()
	reader.Leave()
	churn(d, 64)
	if freed.Load() != 1 {
		t.Fatalf("destructor ran %d times after guard release, want 1", freed.Load())
	}
}

func TestEraIntervalsDoNotProtectLaterNodes(t *testing.T) {
	d := New(testConfig())

	// The reader publishes an era before the victim node is even created;
	// its guard cannot cover the victim's interval.
	_, early := newShared(d, 0)
	reader := d.Enter()
	g := reader.Guard()
	g.Acquire(early)

	// Let the era clock move past the published era.
	churn(d, 4)

	var freed atomic.Int32
	w := d.Enter()
	victim, cp := newShared(d, 1)
	_ = victim
	p := cp.Load()
	cp.Store(reclaim.NodePtr{})
	w.Retire(p, func(unsafe.Pointer) { freed.Add(1) })
	w.Leave()

	churn(d, 64)
	if freed.Load() != 1 {
		t.Fatalf("node born after the published era destroyed %d times, want 1", freed.Load())
	}

	g.Reset()
	reader.Leave()
}

func TestAcquireIfEqual(t *testing.T) {
	d := New(DefaultConfig())
	n, cp := newShared(d, 1)

	r := d.Enter()
	defer r.Leave()
	g := r.Guard()

	if !g.AcquireIfEqual(cp, marked.Compose(&n.Node, 0)) {
		t.Fatal("AcquireIfEqual failed on matching field")
	}
	g.Reset()

	other := &testNode{}
	d.InitNode(&other.Node)
	if g.AcquireIfEqual(cp, marked.Compose(&other.Node, 0)) {
		t.Fatal("AcquireIfEqual succeeded on mismatching field")
	}
}

func TestStaticStrategyExhaustionPanics(t *testing.T) {
	d := New(Config{Strategy: StrategyStatic, K: 1})
	_, cp1 := newShared(d, 1)
	_, cp2 := newShared(d, 2)

	r := d.Enter()
	defer r.Leave()

	g1 := r.Guard()
	g1.Acquire(cp1)

	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.Is(err, ErrHazardErasExhausted) {
			t.Errorf("recovered %v, want ErrHazardErasExhausted", err)
		}
	}()
	g2 := r.Guard()
	g2.Acquire(cp2)
	t.Fatal("second acquisition did not panic")
}

func TestDynamicStrategyGrowsSlots(t *testing.T) {
	d := New(Config{Strategy: StrategyDynamic, K: 1})

	r := d.Enter()
	defer r.Leave()

	const guards = 6
	for i := 0; i < guards; i++ {
		_, cp := newShared(d, i)
		g := r.Guard()
		g.Acquire(cp)
	}
	if got := d.activeSlots.Load(); got < guards {
		t.Errorf("activeSlots: got %d, want >= %d", got, guards)
	}
}
