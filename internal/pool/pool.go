package pool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// Config holds the pool tuning knobs. Callers fill it from the data source
// options after their defaults are applied; New itself fills in only a nil
// Logger.
type Config struct {
	MinConnections         int
	MaxConnections         int
	ConnectionTimeout      time.Duration
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
	KeepaliveTime          time.Duration
	ValidationTimeout      time.Duration
	AliveBypassWindow      time.Duration
	MaintenanceInterval    time.Duration
	AdaptiveSizing         bool
	AdaptiveInterval       time.Duration
	LeakDetectionThreshold time.Duration
	Logger                 *slog.Logger
}

// Factory builds a fresh resource. It runs off the reservation path.
type Factory func(ctx context.Context) (Resource, error)

// Hooks run at the reservation boundaries. Before runs immediately after a
// connection is reserved; its result is carried to After, which runs
// immediately before release. A Before failure aborts the acquisition and
// evicts the connection; an After failure evicts but still frees the slot.
type Hooks struct {
	Before func(pc *PooledConn) (any, error)
	After  func(hookCtx any, pc *PooledConn) error
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Idle      int   `json:"idle"`
	Reserved  int   `json:"reserved"`
	InUse     int   `json:"in_use"`
	Total     int   `json:"total"`
	Waiting   int   `json:"waiting"`
	Target    int   `json:"target"`
	Min       int   `json:"min"`
	Max       int   `json:"max"`
	Exhausted int64 `json:"exhausted_total"`
	Evicted   int64 `json:"evicted_total"`
	Leaks     int64 `json:"leaks_detected_total"`
}

// Pool is the lock-free connection pool. Reservation never takes a lock:
// idle scan, waiter queue and counters are all atomic. Fairness among parked
// acquirers is FIFO.
type Pool struct {
	cfg     Config
	factory Factory
	hooks   Hooks
	bag     *bag
	queue   *waiterQueue
	log     *slog.Logger

	total    atomic.Int64
	inUse    atomic.Int64
	nextID   atomic.Uint64
	minConns atomic.Int64
	maxConns atomic.Int64
	// target is the adaptive sizing goal within [MinConnections,
	// MaxConnections]; without adaptive sizing it stays at MinConnections.
	target atomic.Int64

	exhausted atomic.Int64
	evicted   atomic.Int64
	leaks     atomic.Int64

	// OnExhausted fires when an acquirer must park.
	OnExhausted func()
	// OnLeak fires when a reservation outlives the leak threshold; stack is
	// the reservation-time stack context.
	OnLeak func(pc *PooledConn, stack []byte)

	closed  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New builds a pool and starts its maintenance loops. The factory is not
// invoked here; the first warm-up happens on the house-keeper's initial tick
// or on demand.
func New(cfg Config, factory Factory, hooks Hooks) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		hooks:   hooks,
		bag:     newBag(cfg.MaxConnections),
		queue:   newWaiterQueue(),
		log:     cfg.Logger,
		stopCh:  make(chan struct{}),
	}
	p.minConns.Store(int64(cfg.MinConnections))
	p.maxConns.Store(int64(cfg.MaxConnections))
	p.target.Store(int64(cfg.MinConnections))
	p.startMaintenance()
	return p
}

// WarmUp pre-builds connections up to MinConnections so the pool is ready
// for traffic. Failures stop the warm-up; the house-keeper retries later.
func (p *Pool) WarmUp(ctx context.Context) {
	for i := 0; p.total.Load() < p.minConns.Load(); i++ {
		pc, err := p.create(ctx)
		if err != nil {
			p.log.Warn("pool warm-up stopped", "built", i, "want", p.minConns.Load(), "err", err)
			return
		}
		p.releaseToIdle(pc)
	}
}

// Acquire reserves a connection, creating one below the ceiling or parking
// FIFO behind other acquirers. The deadline is the earlier of the context's
// and now+ConnectionTimeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if p.closed.Load() {
		return nil, sqlerr.New(sqlerr.KindTransientConnection, "pool is closed")
	}
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, sqlerr.Wrap(sqlerr.KindTransientConnection, err, "acquire cancelled")
		}
		if pc := p.bag.reserveIdle(); pc != nil {
			if out, err := p.checkout(pc); err == nil {
				return out, nil
			} else if !isEvicted(err) {
				return nil, err
			}
			continue // evicted a dead idle connection; rescan
		}
		pc, created, err := p.tryCreate(ctx)
		if created {
			if err != nil {
				return nil, err
			}
			return p.handOut(pc)
		}
		pc, err = p.park(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if pc == nil {
			continue // woken to retry: a slot was vacated
		}
		if out, err := p.checkout(pc); err == nil {
			return out, nil
		} else if !isEvicted(err) {
			return nil, err
		}
	}
}

// evictedError signals the acquire loop that the candidate died and the scan
// resumes; it never escapes Acquire.
type evictedError struct{}

func (evictedError) Error() string { return "connection evicted during checkout" }

func isEvicted(err error) bool {
	_, ok := err.(evictedError)
	return ok
}

// checkout validates a freshly Reserved connection and hands it out. The
// pre-checkout probe is skipped inside the alive-bypass window.
func (p *Pool) checkout(pc *PooledConn) (*PooledConn, error) {
	if time.Since(pc.LastUsedAt()) > p.cfg.AliveBypassWindow {
		if err := pc.resource.Validate(p.cfg.ValidationTimeout); err != nil {
			p.log.Debug("pre-checkout validation failed", "conn", pc.id, "err", err)
			p.evict(pc, StateReserved)
			return nil, evictedError{}
		}
		pc.touchValidated()
	}
	return p.handOut(pc)
}

// handOut runs the before hook, arms leak detection and moves the state to
// InUse.
func (p *Pool) handOut(pc *PooledConn) (*PooledConn, error) {
	if p.hooks.Before != nil {
		hookCtx, err := p.hooks.Before(pc)
		if err != nil {
			p.evict(pc, StateReserved)
			return nil, sqlerr.Wrap(sqlerr.KindTransientConnection, err, "before-acquire hook")
		}
		pc.hookCtx = hookCtx
	}
	if !pc.cas(StateReserved, StateInUse) {
		return nil, sqlerr.New(sqlerr.KindTransientConnection,
			"connection %d left reserved state unexpectedly", pc.id)
	}
	pc.useCount.Add(1)
	p.inUse.Add(1)
	if p.cfg.LeakDetectionThreshold > 0 {
		stack := debug.Stack()
		pc.armLeakTimer(p.cfg.LeakDetectionThreshold, func() {
			if pc.State() != StateInUse {
				return
			}
			p.leaks.Add(1)
			p.log.Warn("connection possibly leaked",
				"conn", pc.id, "held_for", p.cfg.LeakDetectionThreshold,
				"reserved_at_stack", string(stack))
			if p.OnLeak != nil {
				p.OnLeak(pc, stack)
			}
		})
	}
	return pc, nil
}

// tryCreate builds a new connection when the population sits below the
// ceiling. created=false means the pool was already full.
func (p *Pool) tryCreate(ctx context.Context) (*PooledConn, bool, error) {
	for {
		total := p.total.Load()
		if total >= p.maxConns.Load() {
			return nil, false, nil
		}
		if p.total.CompareAndSwap(total, total+1) {
			break
		}
	}
	pc, err := p.build(ctx)
	if err != nil {
		p.total.Add(-1)
		p.signalRetry()
		return nil, true, err
	}
	return pc, true, nil
}

// build dials a resource and inserts it Reserved. The total counter was
// already claimed by the caller.
func (p *Pool) build(ctx context.Context) (*PooledConn, error) {
	res, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	pc := newPooledConn(p.nextID.Add(1), -1, res)
	pc.state.Store(int32(StateReserved))
	if p.bag.insert(pc) < 0 {
		// The arena is MaxConnections wide and the counter was claimed, so a
		// vacancy must exist; reaching this means the counters corrupted.
		res.Close()
		return nil, sqlerr.New(sqlerr.KindTransientConnection, "no vacant pool slot")
	}
	p.log.Debug("connection created", "conn", pc.id, "slot", pc.slot, "total", p.total.Load())
	return pc, nil
}

// create builds a connection for maintenance paths (warm-up, sizing) and
// leaves it Reserved for the caller to settle.
func (p *Pool) create(ctx context.Context) (*PooledConn, error) {
	pc, created, err := p.tryCreate(ctx)
	if !created {
		return nil, sqlerr.New(sqlerr.KindTransientConnection, "pool at capacity")
	}
	return pc, err
}

// park enqueues a waiter and blocks until a releaser hands a Reserved
// connection over, a retry signal arrives, or the deadline fires.
func (p *Pool) park(ctx context.Context, deadline time.Time) (*PooledConn, error) {
	w := newWaiter()
	p.queue.push(w)
	p.exhausted.Add(1)
	if p.OnExhausted != nil {
		p.OnExhausted()
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return p.abandon(w, sqlerr.Timeout(sqlerr.TimeoutAcquire,
			"no connection available within %s", p.cfg.ConnectionTimeout))
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case pc := <-w.ch:
		return pc, nil
	case <-timer.C:
		return p.abandon(w, sqlerr.Timeout(sqlerr.TimeoutAcquire,
			"no connection available within %s", p.cfg.ConnectionTimeout))
	case <-ctx.Done():
		return p.abandon(w, sqlerr.Wrap(sqlerr.KindTransientConnection, ctx.Err(), "acquire cancelled"))
	case <-p.stopCh:
		return p.abandon(w, sqlerr.New(sqlerr.KindTransientConnection, "pool is closed"))
	}
}

// abandon resolves the race between a timed-out waiter and an in-flight
// handoff: whoever claims first wins. Losing the claim means a connection is
// about to land on the channel; it goes straight back to the pool.
func (p *Pool) abandon(w *waiter, cause error) (*PooledConn, error) {
	if w.claim() {
		return nil, cause
	}
	if pc := <-w.ch; pc != nil {
		pc.cas(StateReserved, StateIdle)
		p.wakeWaiter(pc)
	}
	return nil, cause
}

// Release returns a reservation. Poisoned or expired connections leave the
// pool; everything else goes back to Idle and the oldest waiter is served.
func (p *Pool) Release(pc *PooledConn) {
	if pc.State() != StateInUse {
		p.log.Error("release of connection not in use", "conn", pc.id, "state", pc.State().String())
		return
	}
	pc.disarmLeakTimer()
	p.inUse.Add(-1)

	evict := false
	if p.hooks.After != nil {
		if err := p.hooks.After(pc.hookCtx, pc); err != nil {
			p.log.Warn("after-release hook failed; evicting", "conn", pc.id, "err", err)
			evict = true
		}
	}
	pc.hookCtx = nil

	switch {
	case evict, pc.resource.Poisoned(), p.closed.Load():
		evict = true
	case p.cfg.MaxLifetime > 0 && time.Since(pc.createdAt) > p.cfg.MaxLifetime:
		evict = true
	default:
		if err := pc.resource.Clean(); err != nil {
			p.log.Debug("session cleanup failed; evicting", "conn", pc.id, "err", err)
			evict = true
		}
	}
	if evict {
		p.evict(pc, StateInUse)
		p.signalRetry()
		return
	}

	pc.touchUsed()
	if !pc.cas(StateInUse, StateIdle) {
		return
	}
	p.wakeWaiter(pc)
}

// wakeWaiter hands a just-idled connection to the oldest parked waiter by
// re-reserving it on their behalf. Losing the reservation race to a scanning
// acquirer still wakes the waiter so it rescans.
func (p *Pool) wakeWaiter(pc *PooledConn) {
	w := p.queue.popUnclaimed()
	if w == nil {
		return
	}
	if pc != nil && pc.cas(StateIdle, StateReserved) {
		w.ch <- pc
		return
	}
	w.ch <- nil
}

// signalRetry wakes the oldest waiter without a connection: a slot was
// vacated, so the creation path is worth retrying.
func (p *Pool) signalRetry() {
	if w := p.queue.popUnclaimed(); w != nil {
		w.ch <- nil
	}
}

// releaseToIdle settles a Reserved connection back to Idle without the
// in-use bookkeeping (maintenance and warm-up paths), waking a waiter if one
// is parked.
func (p *Pool) releaseToIdle(pc *PooledConn) {
	if pc.cas(StateReserved, StateIdle) {
		p.wakeWaiter(pc)
	}
}

// evict removes a connection: state to Removed, slot vacated, resource
// closed in the background. from names the state the caller holds it in.
func (p *Pool) evict(pc *PooledConn, from State) {
	if !pc.cas(from, StateRemoved) {
		if !pc.cas(StateReserved, StateRemoved) {
			return
		}
	}
	p.bag.remove(pc)
	p.total.Add(-1)
	p.evicted.Add(1)
	p.log.Debug("connection evicted", "conn", pc.id, "total", p.total.Load())
	go pc.resource.Close()
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	idle, reserved, inUse := p.bag.count()
	return Stats{
		Idle:      idle,
		Reserved:  reserved,
		InUse:     inUse,
		Total:     int(p.total.Load()),
		Waiting:   p.queue.Len(),
		Target:    int(p.target.Load()),
		Min:       int(p.minConns.Load()),
		Max:       int(p.maxConns.Load()),
		Exhausted: p.exhausted.Load(),
		Evicted:   p.evicted.Load(),
		Leaks:     p.leaks.Load(),
	}
}

// Resize adjusts the floor and ceiling at runtime (config hot-reload). The
// ceiling cannot exceed the arena capacity fixed at construction.
func (p *Pool) Resize(minConns, maxConns int) {
	if maxConns > len(p.bag.slots) {
		maxConns = len(p.bag.slots)
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	p.minConns.Store(int64(minConns))
	p.maxConns.Store(int64(maxConns))
	if t := p.target.Load(); t < int64(minConns) {
		p.target.Store(int64(minConns))
	} else if t > int64(maxConns) {
		p.target.Store(int64(maxConns))
	}
	p.log.Info("pool resized", "min", minConns, "max", maxConns)
}

// Close stops maintenance, drains waiters and closes every connection it can
// take out of the bag. InUse connections are evicted on their release.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	for w := p.queue.popUnclaimed(); w != nil; w = p.queue.popUnclaimed() {
		w.ch <- nil
	}
	p.bag.each(func(pc *PooledConn) {
		if pc.cas(StateIdle, StateRemoved) || pc.cas(StateReserved, StateRemoved) {
			p.bag.remove(pc)
			p.total.Add(-1)
			pc.resource.Close()
		}
	})
	p.log.Info("pool closed", "remaining_in_use", p.inUse.Load())
}
