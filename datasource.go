package myriad

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/myriadb/myriad/internal/api"
	"github.com/myriadb/myriad/internal/auth"
	"github.com/myriadb/myriad/internal/breaker"
	"github.com/myriadb/myriad/internal/metrics"
	"github.com/myriadb/myriad/internal/pool"
	"github.com/myriadb/myriad/internal/protocol"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// DataSource is the entry point: it owns the pool, the circuit breaker and
// the metrics, and hands out pooled connections.
type DataSource struct {
	cfg     Config
	pool    *pool.Pool
	breaker *breaker.Breaker
	metrics *metrics.Collector
	tracer  Tracer
	dialer  Dialer
	plugins *auth.Registry
	debug   *api.Server
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	closeOnce sync.Once
}

// Open validates the configuration, builds the pool and warms it to the
// floor. No sockets are touched when validation fails.
func Open(cfg Config) (*DataSource, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nopTracer{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = tcpDialer{opts: cfg.SocketOptions, timeout: cfg.ConnectionTimeout}
	}
	ds := &DataSource{
		cfg:     cfg,
		metrics: metrics.New(),
		tracer:  tracer,
		dialer:  dialer,
		plugins: auth.NewRegistry(cfg.Plugins...),
		stopCh:  make(chan struct{}),
	}
	ds.breaker = breaker.New(breaker.Config{
		MaxFailures:              cfg.Breaker.MaxFailures,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		ExponentialBackoffFactor: cfg.Breaker.ExponentialBackoffFactor,
		MaxResetTimeout:          cfg.Breaker.MaxResetTimeout,
		Logger:                   cfg.Logger,
	})
	ds.pool = pool.New(pool.Config{
		MinConnections:         cfg.MinConnections,
		MaxConnections:         cfg.MaxConnections,
		ConnectionTimeout:      cfg.ConnectionTimeout,
		IdleTimeout:            cfg.IdleTimeout,
		MaxLifetime:            cfg.MaxLifetime,
		KeepaliveTime:          cfg.KeepaliveTime,
		ValidationTimeout:      cfg.ValidationTimeout,
		AliveBypassWindow:      cfg.AliveBypassWindow,
		MaintenanceInterval:    cfg.MaintenanceInterval,
		AdaptiveSizing:         cfg.AdaptiveSizing,
		AdaptiveInterval:       cfg.AdaptiveInterval,
		LeakDetectionThreshold: cfg.LeakDetectionThreshold,
		Logger:                 cfg.Logger,
	}, ds.buildSession, poolHooks(cfg.Hooks))
	ds.pool.OnExhausted = ds.metrics.PoolExhausted
	ds.pool.OnLeak = func(pc *pool.PooledConn, _ []byte) {
		ds.metrics.LeakDetected()
	}

	go ds.statsLoop()

	if cfg.DebugAddr != "" {
		ds.debug = api.New(cfg.DebugAddr, ds.metrics.Registry, func() any { return ds.Stats() }, cfg.Logger)
		if err := ds.debug.Start(); err != nil {
			ds.pool.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	ds.pool.WarmUp(ctx)
	return ds, nil
}

// poolHooks adapts the public hook callbacks to the pool's seam.
func poolHooks(hooks ConnectionHooks) pool.Hooks {
	var ph pool.Hooks
	if hooks.Before != nil {
		before := hooks.Before
		ph.Before = func(pc *pool.PooledConn) (any, error) {
			return before(connectionInfo(pc))
		}
	}
	if hooks.After != nil {
		after := hooks.After
		ph.After = func(hookCtx any, pc *pool.PooledConn) error {
			return after(hookCtx, connectionInfo(pc))
		}
	}
	return ph
}

func connectionInfo(pc *pool.PooledConn) ConnectionInfo {
	sess := pc.Resource().(*session)
	return ConnectionInfo{
		ID:            pc.ID(),
		ThreadID:      sess.proto.ThreadID(),
		ServerVersion: sess.proto.ServerVersion(),
	}
}

// buildSession dials and authenticates one protocol session.
func (ds *DataSource) buildSession(ctx context.Context) (pool.Resource, error) {
	addr := net.JoinHostPort(ds.cfg.Host, fmt.Sprintf("%d", ds.cfg.Port))
	netConn, err := ds.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.KindTransientConnection, err, "dialing %s", addr)
	}
	proto, err := protocol.Connect(netConn, protocol.Config{
		User:                    ds.cfg.User,
		Password:                ds.cfg.Password,
		Database:                ds.cfg.Database,
		TLS:                     ds.cfg.tlsConfig(),
		AllowPublicKeyRetrieval: ds.cfg.AllowPublicKeyRetrieval,
		ReadTimeout:             ds.cfg.ReadTimeout,
		Logger:                  ds.cfg.Logger,
	}, ds.plugins)
	if err != nil {
		return nil, err
	}
	ds.tracer.ConnectionCreated(uint64(proto.ThreadID()), proto.ServerVersion())
	return &session{proto: proto, testQuery: ds.cfg.ConnectionTestQuery, tracer: ds.tracer}, nil
}

// GetConnection reserves a pooled connection through the circuit breaker.
// Release it with Conn.Release (or use WithConnection for a scoped form).
func (ds *DataSource) GetConnection(ctx context.Context) (*Conn, error) {
	start := time.Now()
	var pc *pool.PooledConn
	err := ds.breaker.Do(func() error {
		var err error
		pc, err = ds.pool.Acquire(ctx)
		return err
	})
	ds.metrics.SetBreakerState(int(ds.breaker.State()))
	if err != nil {
		ds.metrics.ObserveAcquire(time.Since(start), sqlerr.KindOf(err).String())
		return nil, err
	}
	ds.metrics.ObserveAcquire(time.Since(start), "")
	sess := pc.Resource().(*session)
	ds.tracer.ConnectionAcquired(pc.ID(), time.Since(start))
	return &Conn{ds: ds, pc: pc, sess: sess, proto: sess.proto, autocommit: true}, nil
}

// WithConnection reserves a connection for the scope of fn and always
// releases it, on error and panic paths included. Each scope binds exactly
// one reservation.
func (ds *DataSource) WithConnection(ctx context.Context, fn func(*Conn) error) error {
	conn, err := ds.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Stats snapshots the pool.
func (ds *DataSource) Stats() pool.Stats {
	return ds.pool.Stats()
}

// BreakerState reports the circuit breaker position.
func (ds *DataSource) BreakerState() breaker.State {
	return ds.breaker.State()
}

// WatchConfig hot-reloads the resizable knobs (min/max connections) from the
// given YAML file whenever it changes. The rest of the configuration stays
// fixed for the life of the data source.
func (ds *DataSource) WatchConfig(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return sqlerr.Wrap(sqlerr.KindConfiguration, err, "creating config watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return sqlerr.Wrap(sqlerr.KindConfiguration, err, "watching %s", path)
	}
	ds.watcher = w
	go ds.watchLoop(path)
	return nil
}

func (ds *DataSource) watchLoop(path string) {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-ds.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cfg, err := LoadConfig(path)
					if err != nil {
						ds.cfg.Logger.Warn("config reload skipped", "path", path, "err", err)
						return
					}
					ds.pool.Resize(cfg.MinConnections, cfg.MaxConnections)
				})
			}
		case err, ok := <-ds.watcher.Errors:
			if !ok {
				return
			}
			ds.cfg.Logger.Warn("config watcher error", "err", err)
		case <-ds.stopCh:
			return
		}
	}
}

func (ds *DataSource) statsLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := ds.pool.Stats()
			ds.metrics.UpdatePoolStats(s.Idle, s.InUse, s.Total, s.Waiting, s.Target)
			ds.metrics.SetBreakerState(int(ds.breaker.State()))
		case <-ds.stopCh:
			return
		}
	}
}

// Close shuts down the pool, the watcher and the debug server. Safe to call
// more than once.
func (ds *DataSource) Close() {
	ds.closeOnce.Do(func() {
		close(ds.stopCh)
		if ds.watcher != nil {
			ds.watcher.Close()
		}
		if ds.debug != nil {
			ds.debug.Stop()
		}
		ds.pool.Close()
	})
}

// session adapts a protocol connection to the pool's resource seam.
type session struct {
	proto     *protocol.Conn
	testQuery string
	tracer    Tracer
	// autocommitOff mirrors whether the client disabled autocommit so the
	// release path knows to restore it.
	autocommitOff bool
}

// Validate probes liveness: COM_PING by default, or the configured test
// query.
func (s *session) Validate(timeout time.Duration) error {
	if s.testQuery == "" {
		return s.proto.Ping(timeout)
	}
	prev := s.proto.SetReadTimeout(timeout)
	defer s.proto.SetReadTimeout(prev)
	res, err := s.proto.Query(s.testQuery)
	if err != nil {
		if sqlerr.Is(err, sqlerr.KindTimeout) {
			return sqlerr.Timeout(sqlerr.TimeoutValidation, "test query exceeded %s", timeout)
		}
		return err
	}
	if res.Rows != nil {
		return res.Rows.Drain()
	}
	return nil
}

// Clean restores session state before the connection re-enters the bag:
// leftover transactions roll back and autocommit returns to on.
func (s *session) Clean() error {
	if s.proto.InTransaction() {
		if _, err := s.proto.Query("ROLLBACK"); err != nil {
			return err
		}
	}
	if s.autocommitOff || !s.proto.AutocommitEnabled() {
		if _, err := s.proto.Query("SET autocommit=1"); err != nil {
			return err
		}
		s.autocommitOff = false
	}
	return nil
}

func (s *session) Poisoned() bool {
	return s.proto.Poisoned()
}

func (s *session) Close() error {
	if s.tracer != nil {
		s.tracer.ConnectionClosed(uint64(s.proto.ThreadID()))
	}
	return s.proto.Close()
}
