// Package pool implements the lock-free connection pool: a bag of slots whose
// per-connection atomic state is the single source of truth, a FIFO waiter
// queue for fairness, and the background maintenance loops that keep the
// population healthy.
package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of one pooled connection. All transitions are CAS
// operations; Removed is terminal.
type State int32

const (
	// StateIdle means the connection sits in the bag, reservable.
	StateIdle State = iota
	// StateReserved means a reserver holds the slot but has not started
	// using the connection yet.
	StateReserved
	// StateInUse means the reserver is running commands.
	StateInUse
	// StateRemoved means the connection left the pool for good.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReserved:
		return "reserved"
	case StateInUse:
		return "in-use"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Resource is the pooled payload: the protocol session, seen through the
// narrow seam the pool needs.
type Resource interface {
	// Validate probes liveness under the given deadline.
	Validate(timeout time.Duration) error
	// Clean restores session state before reuse (rollback of leftover work).
	Clean() error
	// Poisoned reports whether the protocol state is unknown; poisoned
	// resources never return to the bag.
	Poisoned() bool
	Close() error
}

// PooledConn is one slot payload: the resource plus its reservation metadata.
// The pool owns it; reservation yields a temporary exclusive reference. The
// underlying resource is never touched once the state reaches Removed.
type PooledConn struct {
	id       uint64
	resource Resource
	state    atomic.Int32
	// slot is the index in the bag's arena; background tasks hold indices,
	// never back-pointers.
	slot int

	createdAt       time.Time
	lastUsedAt      atomic.Int64 // UnixNano
	lastValidatedAt atomic.Int64 // UnixNano
	useCount        atomic.Uint64

	// leakTimer, when armed, fires if the reservation outlives the leak
	// detection threshold. Guarded by leakMu: the timer is armed by the
	// reserving task and cancelled by the releasing one.
	leakMu    sync.Mutex
	leakTimer *time.Timer

	// hookCtx carries the before-hook's result to the after hook.
	hookCtx any
}

func newPooledConn(id uint64, slot int, res Resource) *PooledConn {
	now := time.Now()
	pc := &PooledConn{
		id:        id,
		resource:  res,
		slot:      slot,
		createdAt: now,
	}
	pc.lastUsedAt.Store(now.UnixNano())
	pc.lastValidatedAt.Store(now.UnixNano())
	return pc
}

// ID returns the pool-unique id of this connection.
func (pc *PooledConn) ID() uint64 {
	return pc.id
}

// Resource returns the pooled payload.
func (pc *PooledConn) Resource() Resource {
	return pc.resource
}

// State loads the current lifecycle state.
func (pc *PooledConn) State() State {
	return State(pc.state.Load())
}

// cas attempts one atomic state transition.
func (pc *PooledConn) cas(from, to State) bool {
	return pc.state.CompareAndSwap(int32(from), int32(to))
}

// CreatedAt returns the connection build time.
func (pc *PooledConn) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsedAt returns the instant of the last release.
func (pc *PooledConn) LastUsedAt() time.Time {
	return time.Unix(0, pc.lastUsedAt.Load())
}

// LastValidatedAt returns the instant of the last successful probe.
func (pc *PooledConn) LastValidatedAt() time.Time {
	return time.Unix(0, pc.lastValidatedAt.Load())
}

// UseCount returns how many reservations this connection has served.
func (pc *PooledConn) UseCount() uint64 {
	return pc.useCount.Load()
}

func (pc *PooledConn) touchUsed() {
	pc.lastUsedAt.Store(time.Now().UnixNano())
}

func (pc *PooledConn) touchValidated() {
	pc.lastValidatedAt.Store(time.Now().UnixNano())
}

// armLeakTimer schedules the leak report for this reservation.
func (pc *PooledConn) armLeakTimer(threshold time.Duration, report func()) {
	pc.leakMu.Lock()
	defer pc.leakMu.Unlock()
	if pc.leakTimer != nil {
		pc.leakTimer.Stop()
	}
	pc.leakTimer = time.AfterFunc(threshold, report)
}

// disarmLeakTimer cancels a pending leak report.
func (pc *PooledConn) disarmLeakTimer() {
	pc.leakMu.Lock()
	defer pc.leakMu.Unlock()
	if pc.leakTimer != nil {
		pc.leakTimer.Stop()
		pc.leakTimer = nil
	}
}
