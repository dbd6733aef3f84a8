// pkg/msqueue/msqueue_test.go
package msqueue

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"loom/pkg/epoch"
	"loom/pkg/eras"
	"loom/pkg/hazard"
	"loom/pkg/reclaim"
)

func schemes() map[string]func() reclaim.Scheme {
	return map[string]func() reclaim.Scheme{
		"ebr":   func() reclaim.Scheme { return epoch.NewEBR() },
		"nebr":  func() reclaim.Scheme { return epoch.NewNEBR() },
		"debra": func() reclaim.Scheme { return epoch.NewDEBRA() },
		"hp":    func() reclaim.Scheme { return hazard.New(hazard.DefaultConfig()) },
		"he":    func() reclaim.Scheme { return eras.New(eras.DefaultConfig()) },
	}
}

func TestPushPopOrder(t *testing.T) {
	for name, scheme := range schemes() {
		t.Run(name, func(t *testing.T) {
			q := New[int](scheme())
			q.Push(1)
			q.Push(2)

			a, ok := q.TryPop()
			if !ok || a != 1 {
				t.Fatalf("first pop: got (%d, %v), want (1, true)", a, ok)
			}
			b, ok := q.TryPop()
			if !ok || b != 2 {
				t.Fatalf("second pop: got (%d, %v), want (2, true)", b, ok)
			}
			if c, ok := q.TryPop(); ok {
				t.Fatalf("third pop: got (%d, true), want empty", c)
			}
		})
	}
}

func TestFIFOSequence(t *testing.T) {
	q := New[int](epoch.NewNEBR())
	const n = 1000
	for i := 0; i < n; i++ {
		q.Push(i)
	}
	for i := 0; i < n; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if v != i {
			t.Fatalf("pop %d: got %d", i, v)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("queue not empty after draining")
	}
}

func TestPopEmpty(t *testing.T) {
	q := New[string](epoch.NewEBR())
	if v, ok := q.TryPop(); ok {
		t.Fatalf("empty queue popped %q", v)
	}
	q.Push("x")
	if v, ok := q.TryPop(); !ok || v != "x" {
		t.Fatalf("got (%q, %v), want (x, true)", v, ok)
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("drained queue popped a value")
	}
}

func TestConcurrentPushPop(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	for name, scheme := range schemes() {
		t.Run(name, func(t *testing.T) {
			const (
				producers = 4
				consumers = 4
				perThread = 10000
			)
			q := New[int](scheme())

			popped := make([]atomic.Int32, producers*perThread)
			var done atomic.Int32

			var g errgroup.Group
			for p := 0; p < producers; p++ {
				p := p
				g.Go(func() error {
					for i := 0; i < perThread; i++ {
						q.Push(p*perThread + i)
					}
					done.Add(1)
					return nil
				})
			}
			for c := 0; c < consumers; c++ {
				g.Go(func() error {
					for {
						v, ok := q.TryPop()
						if !ok {
							if done.Load() == producers {
								v, ok := q.TryPop()
								if !ok {
									return nil
								}
								popped[v].Add(1)
							}
							continue
						}
						popped[v].Add(1)
					}
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}

			for v := range popped {
				if got := popped[v].Load(); got != 1 {
					t.Fatalf("value %d popped %d times", v, got)
				}
			}
		})
	}
}
