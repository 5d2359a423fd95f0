package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// fakeResource is a pool payload with scriptable health.
type fakeResource struct {
	id          int
	validateErr atomic.Value // error
	poisoned    atomic.Bool
	closed      atomic.Bool
	validations atomic.Int32
	cleans      atomic.Int32
}

func (f *fakeResource) Validate(time.Duration) error {
	f.validations.Add(1)
	if err, ok := f.validateErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (f *fakeResource) Clean() error {
	f.cleans.Add(1)
	return nil
}

func (f *fakeResource) Poisoned() bool { return f.poisoned.Load() }

func (f *fakeResource) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeFactory builds fakeResources, counting dials.
type fakeFactory struct {
	dials   atomic.Int32
	dialErr atomic.Value // error
	last    atomic.Value // *fakeResource
}

func (f *fakeFactory) build(context.Context) (Resource, error) {
	if err, ok := f.dialErr.Load().(error); ok && err != nil {
		return nil, err
	}
	res := &fakeResource{id: int(f.dials.Add(1))}
	f.last.Store(res)
	return res, nil
}

func testPoolConfig() Config {
	return Config{
		MinConnections:    0,
		MaxConnections:    3,
		ConnectionTimeout: 200 * time.Millisecond,
		ValidationTimeout: 100 * time.Millisecond,
		AliveBypassWindow: time.Minute,
	}
}

func newTestPool(t *testing.T, cfg Config, hooks Hooks) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p := New(cfg, f.build, hooks)
	t.Cleanup(p.Close)
	return p, f
}

func TestAcquireCreatesBelowCeiling(t *testing.T) {
	p, f := newTestPool(t, testPoolConfig(), Hooks{})
	ctx := context.Background()

	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if pc.State() != StateInUse {
			t.Fatalf("acquired connection in state %s", pc.State())
		}
		conns = append(conns, pc)
	}
	if got := f.dials.Load(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	s := p.Stats()
	if s.InUse != 3 || s.Total != 3 {
		t.Errorf("stats = %+v", s)
	}

	// The ceiling holds: the next acquire parks and times out.
	start := time.Now()
	_, err := p.Acquire(ctx)
	if !sqlerr.Is(err, sqlerr.KindTimeout) {
		t.Fatalf("expected acquire timeout, got %v", err)
	}
	var e *sqlerr.Error
	if errors.As(err, &e) && e.Scope != sqlerr.TimeoutAcquire {
		t.Errorf("timeout scope = %v", e.Scope)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("timed out after %s, before the deadline", elapsed)
	}

	for _, pc := range conns {
		p.Release(pc)
	}
}

func TestReleaseReusesConnection(t *testing.T) {
	p, f := newTestPool(t, testPoolConfig(), Hooks{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	id := pc.ID()
	p.Release(pc)

	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pc2.ID() != id {
		t.Errorf("acquired connection %d, want reused %d", pc2.ID(), id)
	}
	if f.dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", f.dials.Load())
	}
	if pc2.UseCount() != 2 {
		t.Errorf("use count = %d, want 2", pc2.UseCount())
	}
	// Inside the alive-bypass window no validation probe runs.
	res := pc2.Resource().(*fakeResource)
	if res.validations.Load() != 0 {
		t.Errorf("validations = %d, want 0 within bypass window", res.validations.Load())
	}
	p.Release(pc2)
}

func TestCheckoutValidatesOutsideBypassWindow(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AliveBypassWindow = 0
	p, f := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res := pc.Resource().(*fakeResource)
	p.Release(pc)

	// Healthy probe: same connection comes back.
	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.validations.Load() != 1 {
		t.Errorf("validations = %d, want 1", res.validations.Load())
	}
	p.Release(pc2)

	// Dead probe: the idle connection is evicted and a fresh one dialled.
	res.validateErr.Store(errors.New("gone"))
	pc3, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pc3.ID() == pc.ID() {
		t.Error("dead connection was handed out again")
	}
	// Eviction closes the resource in the background.
	waitFor(t, func() bool { return res.closed.Load() })
	if f.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", f.dials.Load())
	}
	p.Release(pc3)
}

func TestPoisonedConnectionNeverReturns(t *testing.T) {
	p, f := newTestPool(t, testPoolConfig(), Hooks{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res := pc.Resource().(*fakeResource)
	res.poisoned.Store(true)
	p.Release(pc)

	if pc.State() != StateRemoved {
		t.Errorf("state = %s, want removed", pc.State())
	}
	waitFor(t, func() bool { return res.closed.Load() })
	if res.cleans.Load() != 0 {
		t.Error("poisoned connection must not be cleaned")
	}

	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pc2.ID() == pc.ID() {
		t.Error("poisoned connection came back")
	}
	if f.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", f.dials.Load())
	}
	p.Release(pc2)
}

func TestWaiterFIFOOrder(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	cfg.ConnectionTimeout = 2 * time.Second
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 2)
	ready := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for _, i := range []int{1, 2} {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready <- struct{}{}
			pc, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			time.Sleep(10 * time.Millisecond)
			p.Release(pc)
		}(i)
		<-ready
		// Give waiter i time to park before starting the next, so the
		// enqueue order is deterministic.
		time.Sleep(50 * time.Millisecond)
	}

	p.Release(held)
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("wakeup order = %v, want [1 2]", got)
	}
}

func TestBeforeHookFailureAbortsAcquisition(t *testing.T) {
	hookErr := errors.New("before failed")
	fail := atomic.Bool{}
	fail.Store(true)
	p, f := newTestPool(t, testPoolConfig(), Hooks{
		Before: func(pc *PooledConn) (any, error) {
			if fail.Load() {
				return nil, hookErr
			}
			return "ctx", nil
		},
		After: func(hookCtx any, pc *PooledConn) error {
			if hookCtx != "ctx" {
				return errors.New("hook context lost")
			}
			return nil
		},
	})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	if err == nil || !errors.Is(err, hookErr) {
		t.Fatalf("expected before-hook failure, got %v", err)
	}
	res, _ := f.last.Load().(*fakeResource)
	waitFor(t, func() bool { return res.closed.Load() })

	fail.Store(false)
	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(pc)
	if pc.State() != StateIdle {
		t.Errorf("state after clean release = %s, want idle", pc.State())
	}
}

func TestAfterHookFailureEvictsButReleases(t *testing.T) {
	p, f := newTestPool(t, testPoolConfig(), Hooks{
		After: func(any, *PooledConn) error { return errors.New("after failed") },
	})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(pc)

	if pc.State() != StateRemoved {
		t.Errorf("state = %s, want removed", pc.State())
	}
	res, _ := f.last.Load().(*fakeResource)
	waitFor(t, func() bool { return res.closed.Load() })
	if got := p.Stats().InUse; got != 0 {
		t.Errorf("in use = %d after release", got)
	}
}

func TestLeakDetection(t *testing.T) {
	cfg := testPoolConfig()
	cfg.LeakDetectionThreshold = 30 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	var leaked atomic.Int32
	p.OnLeak = func(pc *PooledConn, stack []byte) {
		if len(stack) == 0 {
			t.Error("leak report without stack context")
		}
		leaked.Add(1)
	}

	// Held past the threshold: flagged.
	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return leaked.Load() == 1 })
	p.Release(pc)

	// Released in time: not flagged.
	pc2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(pc2)
	time.Sleep(60 * time.Millisecond)
	if leaked.Load() != 1 {
		t.Errorf("leaks = %d, want 1", leaked.Load())
	}
}

func TestHouseKeeperEvictsIdleDownToFloor(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinConnections = 1
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.MaintenanceInterval = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		p.Release(pc)
	}

	// Idle eviction respects the floor.
	waitFor(t, func() bool { return p.Stats().Total == 1 })
}

func TestHouseKeeperEvictsExpiredIgnoringFloor(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinConnections = 1
	cfg.MaxLifetime = 30 * time.Millisecond
	cfg.MaintenanceInterval = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(pc)

	// Lifetime eviction runs even though the pool sits at its floor; the
	// house-keeper then replenishes with a fresh connection.
	waitFor(t, func() bool { return pc.State() == StateRemoved })
}

func TestKeepaliveRevalidatesIdle(t *testing.T) {
	cfg := testPoolConfig()
	cfg.KeepaliveTime = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res := pc.Resource().(*fakeResource)
	p.Release(pc)

	waitFor(t, func() bool { return res.validations.Load() >= 1 })
	if pc.State() != StateIdle {
		t.Errorf("state after keepalive = %s, want idle", pc.State())
	}

	// A failing probe evicts.
	res.validateErr.Store(errors.New("gone"))
	waitFor(t, func() bool { return pc.State() == StateRemoved })
}

func TestWarmUpReachesFloor(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinConnections = 2
	p, f := newTestPool(t, cfg, Hooks{})

	p.WarmUp(context.Background())
	s := p.Stats()
	if s.Total != 2 || s.Idle != 2 {
		t.Errorf("stats after warm-up = %+v", s)
	}
	if f.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", f.dials.Load())
	}
}

func TestAdaptiveSizerScalesUpUnderLoad(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 3
	cfg.AdaptiveSizing = true
	cfg.AdaptiveInterval = 15 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	// Saturate: one connection, fully in use.
	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().Target >= 2 })
	p.Release(pc)
}

func TestCloseWakesWaiters(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	cfg.ConnectionTimeout = 5 * time.Second
	f := &fakeFactory{}
	p := New(cfg, f.build, Hooks{})
	ctx := context.Background()

	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	go p.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("waiter must fail when the pool closes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
	p.Release(pc)
}

func TestPoolCeilingInvariant(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 4
	cfg.ConnectionTimeout = 500 * time.Millisecond
	p, _ := newTestPool(t, cfg, Hooks{})
	ctx := context.Background()

	var wg sync.WaitGroup
	var peak atomic.Int64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			if t := p.total.Load(); t > peak.Load() {
				peak.Store(t)
			}
			time.Sleep(time.Millisecond)
			p.Release(pc)
		}()
	}
	wg.Wait()
	if peak.Load() > 4 {
		t.Errorf("total peaked at %d, ceiling 4", peak.Load())
	}
	if s := p.Stats(); s.Total > 4 {
		t.Errorf("total = %d after burst", s.Total)
	}
}

// waitFor polls until cond holds or the test deadline approaches.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
