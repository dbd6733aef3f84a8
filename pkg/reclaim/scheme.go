// pkg/reclaim/scheme.go
//
// The uniform reclamation interface. Every scheme (epoch based, hazard
// pointers, hazard eras) exposes the same protocol:
//
//	r := scheme.Enter()
//	defer r.Leave()
//	g := r.Guard()
//	p := g.Acquire(&q.head)
//	... dereference p.Get() ...
//	g.Reset()                       // or g.Reclaim(deleter)
//
// A non-empty guard implies its region is inside a critical region; a node
// that was reachable when the guard acquired it stays alive until the guard
// releases it. Dereferencing a pointer obtained from a guard after Reset or
// Reclaim is undefined.
//
// The per-thread control blocks of the original design are leased from a
// shared free list per Enter/Leave pair instead of living in thread-local
// storage; the retire lists ride the control block across leases.
package reclaim

// Scheme is a safe memory reclamation scheme.
type Scheme interface {
	// InitNode prepares a freshly allocated node for use with this scheme.
	// Must be called once, before the node is published.
	InitNode(n *Node)

	// Enter leases a control block and returns the region handle for it.
	Enter() Region
}

// Region is a leased per-thread context of a scheme.
type Region interface {
	// Guard returns an empty guard owned by this region. Guards are pooled
	// per control block and recycled on Leave.
	Guard() Guard

	// Retire schedules an unreachable node for destruction without holding
	// a guard on it. The caller must guarantee the node has been unlinked.
	Retire(p NodePtr, d Deleter)

	// Leave releases all outstanding guards and returns the control block
	// to the free list.
	Leave()
}

// Guard protects a single node from reclamation while it is non-empty.
type Guard interface {
	// Acquire publishes protection for the node currently stored in src and
	// returns the protected snapshot. It retries until the protected
	// pointer and the field agree.
	Acquire(src *ConcurrentPtr) NodePtr

	// AcquireIfEqual is Acquire with an early exit: it succeeds only if the
	// field still equals expected after protection is published.
	AcquireIfEqual(src *ConcurrentPtr, expected NodePtr) bool

	// Get returns the currently protected snapshot.
	Get() NodePtr

	// Reset releases protection. The guard is empty afterwards.
	Reset()

	// Reclaim releases protection and schedules the previously protected
	// node for destruction with d once its grace period has expired.
	Reclaim(d Deleter)
}
