// pkg/reclaim/node.go
package reclaim

import (
	"unsafe"

	"loom/pkg/marked"
)

// Deleter destroys a node once its grace period has expired. The pointer is
// the address of the enclosing object (the one that embeds Node). A nil
// Deleter simply drops the last reference and leaves the rest to the
// garbage collector.
type Deleter func(obj unsafe.Pointer)

// Node is the intrusive header of every object managed by a reclamation
// scheme. It must be embedded as the first field of the enclosing object so
// that a *Node and a pointer to the object share the same address.
//
// A node is owned by its data structure until it is retired; after
// retirement it is shared between the retire list and any guard that still
// protects it, and it is destroyed exactly once.
type Node struct {
	next      *Node
	self      unsafe.Pointer
	deleter   Deleter
	birthEra  uint64
	retireEra uint64
}

// ConcurrentPtr is atomic storage for a marked node pointer. Data
// structures declare their links and shared roots with this type and access
// them through guards.
type ConcurrentPtr = marked.Atomic[Node]

// NodePtr is a marked snapshot of a ConcurrentPtr.
type NodePtr = marked.Ptr[Node]

// PrepareRetire records the deleter and the enclosing object's address on
// the header. Called by the schemes when a node is retired.
func (n *Node) PrepareRetire(obj unsafe.Pointer, d Deleter) {
	n.self = obj
	n.deleter = d
}

// Self returns the address of the enclosing object.
func (n *Node) Self() unsafe.Pointer { return n.self }

// BirthEra returns the era recorded at construction (hazard eras only).
func (n *Node) BirthEra() uint64 { return n.birthEra }

// SetBirthEra records the construction era.
func (n *Node) SetBirthEra(e uint64) { n.birthEra = e }

// RetireEra returns the era recorded at retirement (hazard eras only).
func (n *Node) RetireEra() uint64 { return n.retireEra }

// SetRetireEra records the retirement era.
func (n *Node) SetRetireEra(e uint64) { n.retireEra = e }

// free invokes the deleter and severs the header's references.
func (n *Node) free() {
	d, obj := n.deleter, n.self
	n.next = nil
	n.self = nil
	n.deleter = nil
	if d != nil {
		d(obj)
	}
}

// FreeAll destroys every node on the chain starting at head and returns the
// number of nodes destroyed.
func FreeAll(head *Node) int {
	freed := 0
	for cur := head; cur != nil; {
		next := cur.next
		cur.free()
		cur = next
		freed++
	}
	return freed
}

// Sweep walks the chain starting at head and destroys every node for which
// protected reports false. It returns the chain of surviving nodes (in the
// original order) and the number of nodes destroyed.
func Sweep(head *Node, protected func(*Node) bool) (RetiredNodes, int) {
	var survivors RetiredNodes
	freed := 0
	for cur := head; cur != nil; {
		next := cur.next
		if protected(cur) {
			cur.next = nil
			survivors.append(cur)
		} else {
			cur.free()
			freed++
		}
		cur = next
	}
	return survivors, freed
}
