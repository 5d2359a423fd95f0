package pool

import (
	"sync"
	"sync/atomic"
	"testing"
)

func newIdleConn(id uint64) *PooledConn {
	return newPooledConn(id, -1, &fakeResource{})
}

func TestBagInsertAndReserve(t *testing.T) {
	b := newBag(2)
	if b.reserveIdle() != nil {
		t.Fatal("empty bag must not reserve")
	}

	a := newIdleConn(1)
	if b.insert(a) < 0 {
		t.Fatal("insert into empty bag failed")
	}
	c := newIdleConn(2)
	if b.insert(c) < 0 {
		t.Fatal("second insert failed")
	}
	if d := newIdleConn(3); b.insert(d) >= 0 {
		t.Fatal("insert into full bag must fail")
	}

	got := b.reserveIdle()
	if got == nil || got.State() != StateReserved {
		t.Fatal("reserve must CAS an idle connection to reserved")
	}
	// The reserved one is skipped on the next scan.
	second := b.reserveIdle()
	if second == nil || second == got {
		t.Fatal("scan must find the remaining idle connection")
	}
	if b.reserveIdle() != nil {
		t.Fatal("no idle connections left")
	}
}

func TestBagRemoveVacatesSlot(t *testing.T) {
	b := newBag(1)
	pc := newIdleConn(1)
	b.insert(pc)

	pc.cas(StateIdle, StateReserved)
	pc.cas(StateReserved, StateRemoved)
	b.remove(pc)

	if b.insert(newIdleConn(2)) < 0 {
		t.Fatal("vacated slot must be reusable")
	}
}

func TestBagConcurrentReservationIsExclusive(t *testing.T) {
	const slots = 8
	b := newBag(slots)
	for i := 0; i < slots; i++ {
		b.insert(newIdleConn(uint64(i)))
	}

	seen := sync.Map{}
	var wg sync.WaitGroup
	var dup atomic.Bool
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pc := b.reserveIdle()
				if pc == nil {
					return
				}
				if _, loaded := seen.LoadOrStore(pc.ID(), true); loaded {
					dup.Store(true)
				}
			}
		}()
	}
	wg.Wait()
	if dup.Load() {
		t.Fatal("a connection was reserved twice")
	}
	count := 0
	seen.Range(func(any, any) bool { count++; return true })
	if count != slots {
		t.Errorf("reserved %d distinct connections, want %d", count, slots)
	}
}
