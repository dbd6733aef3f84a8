// pkg/reclaim/retire.go
package reclaim

import "sync/atomic"

// RetiredNodes is a stolen chain of retired nodes.
type RetiredNodes struct {
	First *Node
	Last  *Node
}

// Empty reports whether the chain holds no nodes.
func (r *RetiredNodes) Empty() bool { return r.First == nil }

func (r *RetiredNodes) append(n *Node) {
	if r.First == nil {
		r.First = n
		r.Last = n
		return
	}
	r.Last.next = n
	r.Last = n
}

// RetireList is a single-owner intrusive list of nodes awaiting
// destruction. Nodes are destroyed in retirement (FIFO) order.
type RetireList struct {
	nodes RetiredNodes
	count int
}

// Push appends a retired node.
func (l *RetireList) Push(n *Node) {
	n.next = nil
	l.nodes.append(n)
	l.count++
}

// PushChain appends a whole chain of retired nodes.
func (l *RetireList) PushChain(nodes RetiredNodes) {
	if nodes.Empty() {
		return
	}
	for n := nodes.First; n != nil; n = n.next {
		l.count++
	}
	if l.nodes.First == nil {
		l.nodes = nodes
		return
	}
	l.nodes.Last.next = nodes.First
	l.nodes.Last = nodes.Last
}

// PushAll appends every node on the chain starting at head.
func (l *RetireList) PushAll(head *Node) {
	for n := head; n != nil; {
		next := n.next
		n.next = nil
		l.nodes.append(n)
		l.count++
		n = next
	}
}

// Steal detaches and returns the current chain.
func (l *RetireList) Steal() RetiredNodes {
	nodes := l.nodes
	l.nodes = RetiredNodes{}
	l.count = 0
	return nodes
}

// Empty reports whether the list holds no nodes.
func (l *RetireList) Empty() bool { return l.nodes.First == nil }

// Size returns the number of nodes on the list.
func (l *RetireList) Size() int { return l.count }

// OrphanList is a lock-free global list of abandoned retired nodes. A
// thread that gives up its local retire list splices it here with a
// release-CAS; any thread performing reclamation may adopt the whole list
// with an exchange.
type OrphanList struct {
	head atomic.Pointer[Node]
}

// Add splices a chain of retired nodes onto the list.
func (l *OrphanList) Add(nodes RetiredNodes) {
	if nodes.Empty() {
		return
	}
	for {
		h := l.head.Load()
		nodes.Last.next = h
		if l.head.CompareAndSwap(h, nodes.First) {
			return
		}
	}
}

// Adopt detaches and returns the current chain, or nil if it is empty.
func (l *OrphanList) Adopt() *Node {
	if l.head.Load() == nil {
		return nil
	}
	return l.head.Swap(nil)
}
