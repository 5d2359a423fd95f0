package myriad

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/myriadb/myriad/internal/pool"
	"github.com/myriadb/myriad/internal/protocol"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// Conn is one reserved pooled connection. It is not safe for concurrent use:
// the protocol serialises one command at a time. Release returns it to the
// pool; after that every method fails.
type Conn struct {
	ds    *DataSource
	pc    *pool.PooledConn
	sess  *session
	proto *protocol.Conn

	autocommit   bool
	multiQueries bool
	released     atomic.Bool
}

// IsolationLevel names a SQL transaction isolation level.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	ReadCommitted   IsolationLevel = "READ COMMITTED"
	RepeatableRead  IsolationLevel = "REPEATABLE READ"
	Serializable    IsolationLevel = "SERIALIZABLE"
)

// Savepoint is a named transaction savepoint. Two savepoints constructed
// with the same name are distinct values; rollbacks and releases resolve by
// the savepoint handle, not its name.
type Savepoint struct {
	name  string
	token uuid.UUID
}

// Name returns the savepoint's SQL name.
func (s Savepoint) Name() string {
	return s.name
}

// ID is unsupported; savepoints in MySQL have no numeric id.
func (s Savepoint) ID() (int, error) {
	return 0, sqlerr.New(sqlerr.KindFeatureNotSupported, "savepoints have no numeric id")
}

func (c *Conn) guard() error {
	if c.released.Load() {
		return sqlerr.New(sqlerr.KindMisuse, "connection already released to the pool")
	}
	if c.proto.Poisoned() {
		return sqlerr.New(sqlerr.KindTransientConnection, "connection is poisoned")
	}
	return nil
}

// Release returns the connection to the pool. Dirty state (open transaction,
// autocommit off) is rolled back by the pool's cleanup; poisoned connections
// are evicted. Safe to call more than once.
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.sess.autocommitOff = !c.autocommit
	c.ds.tracer.ConnectionReleased(c.pc.ID())
	c.ds.pool.Release(c.pc)
}

// Query runs SQL expected to produce rows. The context aborts a stuck query
// by closing the socket, poisoning the connection.
func (c *Conn) Query(ctx context.Context, sql string) (*Rows, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	stop := c.proto.WatchContext(ctx)
	res, err := c.proto.Query(sql)
	stop()
	if err != nil {
		return nil, err
	}
	return c.rowsFromResult(res, nil, 0)
}

// QueryScrollable runs SQL and buffers the whole result for scrollable
// navigation.
func (c *Conn) QueryScrollable(ctx context.Context, sql string) (*ScrollableRows, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return rows.Materialize()
}

// Exec runs SQL with no result rows and reports the update count.
func (c *Conn) Exec(ctx context.Context, sql string) (*Result, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	stop := c.proto.WatchContext(ctx)
	res, err := c.proto.Query(sql)
	stop()
	if err != nil {
		return nil, err
	}
	return c.resultFromResponse(res, sql)
}

// resultFromResponse turns a protocol response into a Result, draining any
// unexpected rows so the session stays usable.
func (c *Conn) resultFromResponse(res *protocol.Result, sql string) (*Result, error) {
	if res.Rows != nil {
		if err := res.Rows.Drain(); err != nil {
			return nil, err
		}
		return nil, sqlerr.New(sqlerr.KindMisuse, "statement produced a result set; use Query").WithSQL(sql)
	}
	return newResult(res.OK), nil
}

// rowsFromResult wraps a protocol response as Rows. A nil Rows side means
// the statement produced only an update count, which still surfaces as an
// empty result set for callers that asked for rows.
func (c *Conn) rowsFromResult(res *protocol.Result, stmt *protocol.PreparedStatement, fetchSize uint32) (*Rows, error) {
	if res.Rows == nil {
		return emptyRows(), nil
	}
	src := &streamSource{conn: c, rs: res.Rows, stmt: stmt, fetchSize: fetchSize, cursor: res.Rows.Cursor()}
	return newRows(res.Rows.Columns, src), nil
}

// Prepare creates a server-side prepared statement (COM_STMT_PREPARE). Close
// it before releasing the connection.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Stmt, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	stop := c.proto.WatchContext(ctx)
	prepared, err := c.proto.Prepare(sql)
	stop()
	if err != nil {
		return nil, err
	}
	return &Stmt{
		conn:       c,
		sql:        sql,
		mode:       modeServerPrepared,
		prepared:   prepared,
		paramCount: int(prepared.ParamCount),
		params:     map[int]protocol.Parameter{},
	}, nil
}

// PrepareClient creates a client-side prepared statement: placeholders are
// substituted as quoted literals and the statement travels as COM_QUERY.
func (c *Conn) PrepareClient(sql string) (*Stmt, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return &Stmt{
		conn:       c,
		sql:        sql,
		mode:       modeClientPrepared,
		paramCount: countPlaceholders(sql),
		params:     map[int]protocol.Parameter{},
	}, nil
}

// PrepareCall creates a callable statement for a stored procedure
// ("CALL proc(?, ?)"-style text).
func (c *Conn) PrepareCall(sql string) (*CallableStmt, error) {
	stmt, err := c.PrepareClient(sql)
	if err != nil {
		return nil, err
	}
	return &CallableStmt{Stmt: stmt, modes: map[int]ParameterMode{}}, nil
}

// SetAutoCommit toggles autocommit. Disabling it opens a transaction scope
// whose pending work rolls back if the connection is released uncommitted.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if on == c.autocommit {
		return nil
	}
	v := "0"
	if on {
		v = "1"
	}
	if _, err := c.Exec(ctx, "SET autocommit="+v); err != nil {
		return err
	}
	c.autocommit = on
	return nil
}

// AutoCommit reports the client-side autocommit flag.
func (c *Conn) AutoCommit() bool {
	return c.autocommit
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	_, err := c.Exec(ctx, "COMMIT")
	return err
}

// Rollback rolls the open transaction back.
func (c *Conn) Rollback(ctx context.Context) error {
	_, err := c.Exec(ctx, "ROLLBACK")
	return err
}

// SetTransactionIsolation applies the given isolation level to subsequent
// transactions on this session.
func (c *Conn) SetTransactionIsolation(ctx context.Context, level IsolationLevel) error {
	switch level {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
	default:
		return sqlerr.New(sqlerr.KindMisuse, "unknown isolation level %q", string(level))
	}
	_, err := c.Exec(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+string(level))
	return err
}

// SetSavepoint creates a savepoint. With no name given, a UUID-derived one
// is generated. Savepoints require autocommit to be off.
func (c *Conn) SetSavepoint(ctx context.Context, name ...string) (Savepoint, error) {
	if c.autocommit {
		return Savepoint{}, sqlerr.New(sqlerr.KindMisuse, "savepoints require autocommit to be disabled")
	}
	token := uuid.New()
	sp := Savepoint{token: token}
	if len(name) > 0 && name[0] != "" {
		sp.name = name[0]
	} else {
		sp.name = "sp_" + strings.ReplaceAll(token.String(), "-", "")
	}
	if _, err := c.Exec(ctx, "SAVEPOINT "+quoteIdentifier(sp.name)); err != nil {
		return Savepoint{}, err
	}
	return sp, nil
}

// RollbackTo rolls back to a savepoint without ending the transaction.
func (c *Conn) RollbackTo(ctx context.Context, sp Savepoint) error {
	if c.autocommit {
		return sqlerr.New(sqlerr.KindMisuse, "savepoints require autocommit to be disabled")
	}
	_, err := c.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdentifier(sp.name))
	return err
}

// ReleaseSavepoint discards a savepoint.
func (c *Conn) ReleaseSavepoint(ctx context.Context, sp Savepoint) error {
	if c.autocommit {
		return sqlerr.New(sqlerr.KindMisuse, "savepoints require autocommit to be disabled")
	}
	_, err := c.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdentifier(sp.name))
	return err
}

// IsValid probes the session with COM_PING (or the configured test query)
// under the supplied deadline.
func (c *Conn) IsValid(timeout time.Duration) bool {
	if c.guard() != nil {
		return false
	}
	return c.sess.Validate(timeout) == nil
}

// Ping runs COM_PING.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	return c.proto.Ping(0)
}

// Statistics runs COM_STATISTICS and returns the parsed status line.
func (c *Conn) Statistics(ctx context.Context) (*ServerStatistics, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	return c.proto.Statistics()
}

// EnableMultiQueries allows ";"-separated statements on this session.
func (c *Conn) EnableMultiQueries(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	if err := c.proto.SetOption(protocol.OptionMultiStatementsOn); err != nil {
		return err
	}
	c.multiQueries = true
	return nil
}

// DisableMultiQueries forbids ";"-separated statements again.
func (c *Conn) DisableMultiQueries(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	if err := c.proto.SetOption(protocol.OptionMultiStatementsOff); err != nil {
		return err
	}
	c.multiQueries = false
	return nil
}

// SetSchema switches the default database (COM_INIT_DB).
func (c *Conn) SetSchema(ctx context.Context, schema string) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	return c.proto.InitDB(schema)
}

// ChangeUser re-authenticates the session under new credentials
// (COM_CHANGE_USER).
func (c *Conn) ChangeUser(ctx context.Context, user, password, database string) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	return c.proto.ChangeUser(user, password, database)
}

// ResetServerState discards session state (COM_RESET_CONNECTION).
func (c *Conn) ResetServerState(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	if err := c.proto.ResetConnection(); err != nil {
		return err
	}
	c.autocommit = true
	c.multiQueries = false
	return nil
}

// ServerVersion reports the server version from the handshake.
func (c *Conn) ServerVersion() string {
	return c.proto.ServerVersion()
}

// ExecBatch runs several SQL texts as one ";"-joined round trip and returns
// one affected-row count per statement. Requires EnableMultiQueries. On a
// mid-batch failure the error carries the counts gathered so far, with
// BatchAborted for the statements that never ran.
func (c *Conn) ExecBatch(ctx context.Context, statements []string) ([]int64, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if !c.multiQueries {
		return nil, sqlerr.New(sqlerr.KindMisuse, "batch execution requires EnableMultiQueries")
	}
	if len(statements) == 0 {
		return nil, nil
	}
	stop := c.proto.WatchContext(ctx)
	defer stop()
	return c.runBatchText(strings.Join(statements, ";"), len(statements))
}

// runBatchText drives the multi-resultset loop of a ";"-joined batch,
// fail-fast on the first server error.
func (c *Conn) runBatchText(sql string, n int) ([]int64, error) {
	counts := make([]int64, 0, n)
	fail := func(err error) ([]int64, error) {
		for len(counts) < n {
			counts = append(counts, sqlerr.BatchAborted)
		}
		return counts, sqlerr.Batch(err, counts)
	}
	res, err := c.proto.Query(sql)
	for {
		if err != nil {
			return fail(err)
		}
		var status protocol.ServerStatus
		if res.Rows != nil {
			// A SELECT inside a batch contributes no update count.
			if err := res.Rows.Drain(); err != nil {
				return fail(err)
			}
			counts = append(counts, 0)
			status = res.Rows.Status()
		} else {
			counts = append(counts, int64(res.OK.AffectedRows))
			status = res.OK.Status
		}
		if !status.Has(protocol.StatusMoreResultsExists) {
			break
		}
		res, err = c.proto.NextResult(false)
	}
	if len(counts) != n {
		return counts, sqlerr.New(sqlerr.KindProtocolViolation,
			"batch of %d statements produced %d results", n, len(counts))
	}
	return counts, nil
}

// quoteIdentifier backtick-quotes a SQL identifier.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// countPlaceholders counts ? outside quotes, comments and backticks.
func countPlaceholders(sql string) int {
	n := 0
	forEachPlaceholder(sql, func(int) { n++ })
	return n
}
