package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/myriadb/myriad/internal/sqlerr"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		MaxFailures:              5,
		ResetTimeout:             50 * time.Millisecond,
		ExponentialBackoffFactor: 2.0,
		MaxResetTimeout:          200 * time.Millisecond,
	}
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Do(func() error { return errBoom })
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := New(testConfig())

	failN(b, 4)
	if b.State() != Closed {
		t.Fatalf("state %s after 4 failures, want closed", b.State())
	}
	failN(b, 1)
	if b.State() != Open {
		t.Fatalf("state %s after 5 failures, want open", b.State())
	}

	// The sixth call fails synchronously without running the operation.
	ran := false
	err := b.Do(func() error { ran = true; return nil })
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	if !sqlerr.Is(err, sqlerr.KindTransientConnection) {
		t.Errorf("error kind = %v", sqlerr.KindOf(err))
	}
	if ran {
		t.Error("operation must not run while open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig())
	failN(b, 4)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d after success, want 0", b.Failures())
	}
	failN(b, 4)
	if b.State() != Closed {
		t.Error("4 failures after a success must not open the breaker")
	}
}

func TestHalfOpenAdmitsOneProbe(t *testing.T) {
	b := New(testConfig())
	failN(b, 5)
	time.Sleep(60 * time.Millisecond)

	if b.State() != HalfOpen {
		t.Fatalf("state %s after reset timeout, want half-open", b.State())
	}

	// Many concurrent calls; exactly one runs as the probe.
	var probes atomic.Int32
	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Do(func() error {
				probes.Add(1)
				<-block
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if probes.Load() != 1 {
		t.Errorf("probes = %d, want exactly 1", probes.Load())
	}
	if b.State() != Closed {
		t.Errorf("state %s after successful probe, want closed", b.State())
	}
}

func TestProbeFailureBacksOffExponentially(t *testing.T) {
	b := New(testConfig())
	failN(b, 5)

	// Fail the probe repeatedly; the window doubles up to the cap.
	waits := []time.Duration{
		100 * time.Millisecond, // 50ms * 2
		200 * time.Millisecond, // capped
		200 * time.Millisecond, // stays capped
	}
	wait := 50 * time.Millisecond
	for i, next := range waits {
		time.Sleep(wait + 20*time.Millisecond)
		if b.State() != HalfOpen {
			t.Fatalf("round %d: state %s, want half-open", i, b.State())
		}
		b.Do(func() error { return errBoom })
		if b.State() != Open {
			t.Fatalf("round %d: state %s after failed probe, want open", i, b.State())
		}
		if got := time.Duration(b.timeout.Load()); got != next {
			t.Fatalf("round %d: timeout %s, want %s", i, got, next)
		}
		wait = next
	}
}

func TestClosedAfterSuccessfulProbe(t *testing.T) {
	b := New(testConfig())
	failN(b, 5)
	time.Sleep(60 * time.Millisecond)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if b.State() != Closed {
		t.Fatalf("state %s, want closed", b.State())
	}
	// Reset timeout returns to its base value for the next trip.
	if got := time.Duration(b.timeout.Load()); got != 50*time.Millisecond {
		t.Errorf("timeout %s after close, want 50ms", got)
	}
}
