// Package breaker implements the circuit breaker guarding pool acquisition.
// State transitions are linearised by CAS; while half-open exactly one probe
// call is admitted.
package breaker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// State is the breaker position.
type State int32

const (
	// Closed lets calls through and counts consecutive failures.
	Closed State = iota
	// Open fails every call fast until the reset timeout elapses.
	Open
	// HalfOpen admits a single probe; its outcome decides the next state.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Zero values take the defaults.
type Config struct {
	MaxFailures              int
	ResetTimeout             time.Duration
	ExponentialBackoffFactor float64
	MaxResetTimeout          time.Duration
	Logger                   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.ExponentialBackoffFactor <= 1 {
		c.ExponentialBackoffFactor = 2.0
	}
	if c.MaxResetTimeout <= 0 {
		c.MaxResetTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Breaker is safe for concurrent use; it takes no locks.
type Breaker struct {
	cfg Config

	state    atomic.Int32
	failures atomic.Int32
	// openedAt and timeout describe the current Open window, in monotonic
	// nanoseconds relative to the breaker's epoch.
	openedAt atomic.Int64
	timeout  atomic.Int64
	probe    atomic.Bool

	epoch time.Time
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), epoch: time.Now()}
	b.timeout.Store(int64(b.cfg.ResetTimeout))
	return b
}

// State reports the current position, resolving an elapsed Open window to
// HalfOpen.
func (b *Breaker) State() State {
	b.maybeHalfOpen()
	return State(b.state.Load())
}

func (b *Breaker) now() int64 {
	return int64(time.Since(b.epoch))
}

// maybeHalfOpen moves Open to HalfOpen once the window has elapsed.
func (b *Breaker) maybeHalfOpen() {
	if State(b.state.Load()) != Open {
		return
	}
	if b.now()-b.openedAt.Load() < b.timeout.Load() {
		return
	}
	if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
		b.probe.Store(false)
		b.cfg.Logger.Info("circuit breaker half-open", "after", time.Duration(b.timeout.Load()))
	}
}

// Do runs fn under the breaker's admission policy. While open, every call
// fails immediately with a typed circuit-open error; while half-open all but
// the single probe do.
func (b *Breaker) Do(fn func() error) error {
	release, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	release(err == nil)
	return err
}

// admit decides whether a call may proceed. The returned function records
// the outcome.
func (b *Breaker) admit() (func(success bool), error) {
	b.maybeHalfOpen()
	switch State(b.state.Load()) {
	case Closed:
		return b.settleClosed, nil
	case HalfOpen:
		if b.probe.CompareAndSwap(false, true) {
			return b.settleProbe, nil
		}
		return nil, circuitOpenErr()
	default:
		return nil, circuitOpenErr()
	}
}

func circuitOpenErr() error {
	return sqlerr.New(sqlerr.KindTransientConnection, "circuit breaker is open")
}

func (b *Breaker) settleClosed(success bool) {
	if success {
		b.failures.Store(0)
		return
	}
	if int(b.failures.Add(1)) < b.cfg.MaxFailures {
		return
	}
	if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
		b.openedAt.Store(b.now())
		b.timeout.Store(int64(b.cfg.ResetTimeout))
		b.cfg.Logger.Warn("circuit breaker opened",
			"failures", b.failures.Load(), "reset_timeout", b.cfg.ResetTimeout)
	}
}

func (b *Breaker) settleProbe(success bool) {
	if success {
		if b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
			b.failures.Store(0)
			b.timeout.Store(int64(b.cfg.ResetTimeout))
			b.cfg.Logger.Info("circuit breaker closed")
		}
		return
	}
	// Back off: the next Open window grows geometrically up to the cap.
	next := time.Duration(float64(b.timeout.Load()) * b.cfg.ExponentialBackoffFactor)
	if next > b.cfg.MaxResetTimeout {
		next = b.cfg.MaxResetTimeout
	}
	if b.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
		b.openedAt.Store(b.now())
		b.timeout.Store(int64(next))
		b.cfg.Logger.Warn("circuit breaker re-opened", "reset_timeout", next)
	}
}

// Failures returns the consecutive failure count while closed.
func (b *Breaker) Failures() int {
	return int(b.failures.Load())
}
