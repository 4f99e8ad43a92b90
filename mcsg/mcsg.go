// Package mcsg implements an MCS queue lock extended with a node-free "guest" mode.
//
// Queued acquirers behave like a regular MCS lock:
//   - FIFO ordering among queued acquirers
//   - Each waiter spins on the waiting flag of its own Node, not on shared lock state
//   - Memory usage scales with the number of goroutines contending for the lock
//
// Guest acquirers treat the same tail slot as a two-state spinlock (free / guest-held) and need
// no Node at all. Both modes exclude each other.
//
// Example usage:
//
//	lock := mcsg.NewLock()
//	node := mcsg.NewNode()
//
//	// Queued acquisition
//	lock.Lock(node)
//	// ... critical section ...
//	lock.Unlock(node)
//
//	// Guest acquisition
//	lock.GLock()
//	// ... critical section ...
//	lock.GUnlock()
//
// A Node belongs to one in-flight acquisition at a time and must be passed to the matching
// Unlock. Guests get no ordering guarantee relative to queued acquirers: a guest that keeps
// re-acquiring the lock can delay queued goroutines indefinitely.
package mcsg

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrNodeInUse is the panic value when a Node is passed to Lock or TryLock while it is
	// still part of another acquisition.
	ErrNodeInUse = errors.New("mcsg: node already in use")
	// ErrNodeNotHeld is the panic value when Unlock is called with a Node that does not hold
	// the lock.
	ErrNodeNotHeld = errors.New("mcsg: unlock of node that does not hold the lock")
)

// Node is the per-acquisition handshake record of a queued acquirer.
type Node struct {
	next    atomic.Pointer[Node]
	waiting atomic.Bool
	inUse   atomic.Bool
}

// NewNode creates a new Node. The zero value is ready to use as well.
func NewNode() *Node { return new(Node) }

func (n *Node) claim() {
	if !n.inUse.CompareAndSwap(false, true) {
		panic(ErrNodeInUse)
	}
	n.next.Store(nil)
	n.waiting.Store(true)
}

// Lock represents the MCS lock with guest support.
//
// tail is empty when the lock is idle, points to guest while a guest holds the lock, and
// otherwise points to the most recently enqueued Node. guest is only ever compared by address.
type Lock struct {
	_     noCopy
	tail  atomic.Pointer[Node]
	guest Node
}

// NewLock creates a new idle lock.
func NewLock() *Lock { return new(Lock) }

type tailState uint8

const (
	tailFree tailState = iota
	tailGuestHeld
	tailQueued
)

func (s tailState) String() string {
	switch s {
	case tailFree:
		return "free"
	case tailGuestHeld:
		return "guest-held"
	case tailQueued:
		return "queued"
	}
	return "unknown"
}

// classify interprets a value displaced from tail. The returned Node is the predecessor and is
// only set for tailQueued.
func (l *Lock) classify(pred *Node) (tailState, *Node) {
	switch pred {
	case nil:
		return tailFree, nil
	case &l.guest:
		return tailGuestHeld, nil
	default:
		return tailQueued, pred
	}
}

// Lock acquires the lock using node as the queue entry. node must not be used by any other
// acquisition until the matching Unlock returns.
func (l *Lock) Lock(node *Node) {
	node.claim()

	// candidate is node itself, or the tail of a chain headed by node after a guest collision.
	candidate := node
	var spins int
	for {
		state, pred := l.classify(l.tail.Swap(candidate))
		if state == tailFree {
			break
		}

		if state == tailQueued {
			node.waiting.Store(true)
			pred.next.Store(node) // Link to predecessor

			// Spin until predecessor signals us.
			for node.waiting.Load() {
				spin(&spins)
			}
			break
		}

		// A guest holds the lock. Put the guest marker back and retry with whatever we
		// displaced, which is node or the newest node queued behind it.
		candidate = l.tail.Swap(&l.guest)
		spin(&spins)
	}

	// Ownership was confirmed by the atomic that returned above; Go atomics are sequentially
	// consistent, so critical-section accesses cannot move before it.
}

// TryLock attempts to acquire the lock without spinning.
// Returns true if lock was acquired, false otherwise.
func (l *Lock) TryLock(node *Node) bool {
	node.claim()
	if l.tail.CompareAndSwap(nil, node) {
		return true
	}
	node.inUse.Store(false)
	return false
}

// Unlock releases the lock held through node and hands it to the next queued Node, if any.
func (l *Lock) Unlock(node *Node) {
	if !node.inUse.Load() {
		panic(ErrNodeNotHeld)
	}

	// The Load below is the release point: every write made while holding the lock happens
	// before it, and thus before the successor observes waiting == false.
	succ := node.next.Load()
	if succ == nil {
		// No one waiting? Try to set tail to nil.
		if l.tail.CompareAndSwap(node, nil) {
			node.inUse.Store(false)
			return
		}

		// Someone is in the process of enqueuing behind us, wait for the link.
		var spins int
		for succ = node.next.Load(); succ == nil; succ = node.next.Load() {
			spin(&spins)
		}
	}

	// node is unreachable from the queue once the successor is released.
	node.inUse.Store(false)
	succ.waiting.Store(false)
}

// GLock acquires the lock as a guest, without a Node.
func (l *Lock) GLock() {
	var spins int
	for !l.tail.CompareAndSwap(nil, &l.guest) {
		spin(&spins)
	}
}

// TryGLock attempts to acquire the lock as a guest without spinning.
func (l *Lock) TryGLock() bool { return l.tail.CompareAndSwap(nil, &l.guest) }

// GUnlock releases a guest acquisition. The CAS can fail transiently while a queued acquirer
// has displaced the guest marker and not yet put it back.
func (l *Lock) GUnlock() {
	var spins int
	for !l.tail.CompareAndSwap(&l.guest, nil) {
		spin(&spins)
	}
}

// IsFree returns true if the lock is currently free.
func (l *Lock) IsFree() bool { return l.tail.Load() == nil }

// Guest returns a sync.Locker backed by GLock and GUnlock.
func (l *Lock) Guest() sync.Locker { return guestLocker{l} }

// Queued returns a sync.Locker backed by Lock and Unlock with node.
func (l *Lock) Queued(node *Node) sync.Locker { return queuedLocker{l, node} }

type guestLocker struct{ l *Lock }

func (g guestLocker) Lock()   { g.l.GLock() }
func (g guestLocker) Unlock() { g.l.GUnlock() }

type queuedLocker struct {
	l    *Lock
	node *Node
}

func (q queuedLocker) Lock()   { q.l.Lock(q.node) }
func (q queuedLocker) Unlock() { q.l.Unlock(q.node) }

const maxSpins = 16

// spin busy-waits for a few iterations and then yields the processor.
func spin(spins *int) {
	*spins++
	if *spins > maxSpins {
		*spins = 0
		runtime.Gosched()
	}
}

// noCopy may be embedded into structs which must not be copied after first use.
// The guest marker is identified by address, so a copied Lock would not recognize it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
