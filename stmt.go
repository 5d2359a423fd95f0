package myriad

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/myriadb/myriad/internal/protocol"
	"github.com/myriadb/myriad/internal/sqlerr"
)

type stmtMode int

const (
	modeClientPrepared stmtMode = iota
	modeServerPrepared
)

// StatementOptions tune a single statement's execution.
type StatementOptions struct {
	// QueryTimeout bounds the whole round trip.
	QueryTimeout time.Duration
	// MaxRows truncates result sets client-side. Zero means unlimited.
	MaxRows int
	// FetchSize requests a server cursor and pages rows in chunks of this
	// size (server-prepared statements only). Zero streams the whole set.
	FetchSize int
}

// Stmt is a prepared statement, client- or server-side. Parameter indices
// are 1-based; setting an index twice replaces the prior value, and the
// last-set type code wins. Executing with an unset placeholder fails.
//
// A Stmt is bound to its connection and must be closed before the connection
// is released.
type Stmt struct {
	conn       *Conn
	sql        string
	mode       stmtMode
	prepared   *protocol.PreparedStatement
	paramCount int
	params     map[int]protocol.Parameter
	longData   map[int]bool
	batch      []map[int]protocol.Parameter
	opts       StatementOptions
	closed     bool
}

// SetOptions replaces the statement options.
func (s *Stmt) SetOptions(opts StatementOptions) {
	s.opts = opts
}

// ParamCount returns the number of ? placeholders.
func (s *Stmt) ParamCount() int {
	return s.paramCount
}

func (s *Stmt) setParam(index int, p protocol.Parameter) error {
	if s.closed {
		return sqlerr.New(sqlerr.KindMisuse, "statement is closed")
	}
	if index < 1 || index > s.paramCount {
		return sqlerr.New(sqlerr.KindMisuse,
			"parameter index %d out of range 1..%d", index, s.paramCount)
	}
	s.params[index] = p
	return nil
}

// SetNull binds NULL with an explicit type code.
func (s *Stmt) SetNull(index int, code TypeCode) error {
	return s.setParam(index, protocol.Parameter{Type: code, Null: true})
}

// SetBool binds a BOOL (TINYINT) parameter.
func (s *Stmt) SetBool(index int, v bool) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeTiny, Value: v})
}

// SetInt8 binds a TINYINT parameter.
func (s *Stmt) SetInt8(index int, v int8) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeTiny, Value: int64(v)})
}

// SetInt16 binds a SMALLINT parameter.
func (s *Stmt) SetInt16(index int, v int16) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeShort, Value: int64(v)})
}

// SetInt32 binds an INT parameter.
func (s *Stmt) SetInt32(index int, v int32) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeLong, Value: int64(v)})
}

// SetInt binds a BIGINT parameter.
func (s *Stmt) SetInt(index int, v int64) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeLongLong, Value: v})
}

// SetUint binds an UNSIGNED BIGINT parameter.
func (s *Stmt) SetUint(index int, v uint64) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeLongLong, Unsigned: true, Value: v})
}

// SetFloat32 binds a FLOAT parameter.
func (s *Stmt) SetFloat32(index int, v float32) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeFloat, Value: v})
}

// SetFloat64 binds a DOUBLE parameter.
func (s *Stmt) SetFloat64(index int, v float64) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeDouble, Value: v})
}

// SetDecimal binds a DECIMAL parameter.
func (s *Stmt) SetDecimal(index int, v decimal.Decimal) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeNewDecimal, Value: v})
}

// SetString binds a VARCHAR parameter.
func (s *Stmt) SetString(index int, v string) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeVarString, Value: v})
}

// SetBytes binds a BLOB/VARBINARY parameter.
func (s *Stmt) SetBytes(index int, v []byte) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeBlob, Value: v})
}

// SetJSON binds a JSON document parameter.
func (s *Stmt) SetJSON(index int, v string) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeJSON, Value: v})
}

// SetStrings binds a SET parameter from its member list.
func (s *Stmt) SetStrings(index int, v []string) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeSet, Value: v})
}

// SetTime binds a DATETIME parameter.
func (s *Stmt) SetTime(index int, v time.Time) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeDatetime, Value: v})
}

// SetDate binds a DATE parameter.
func (s *Stmt) SetDate(index int, v time.Time) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeDate, Value: v})
}

// SetDuration binds a TIME parameter.
func (s *Stmt) SetDuration(index int, v time.Duration) error {
	return s.setParam(index, protocol.Parameter{Type: protocol.TypeTime, Value: v})
}

// SetValue binds any supported Go value, inferring the wire type. An
// unmapped type is a misuse error; there is no string fallback.
func (s *Stmt) SetValue(index int, v any) error {
	p, err := protocol.ParameterFor(v)
	if err != nil {
		return err
	}
	return s.setParam(index, p)
}

// SendLongData streams a large parameter ahead of execution
// (server-prepared statements only).
func (s *Stmt) SendLongData(ctx context.Context, index int, data []byte) error {
	if s.mode != modeServerPrepared {
		return sqlerr.New(sqlerr.KindMisuse, "long data requires a server-prepared statement")
	}
	if index < 1 || index > s.paramCount {
		return sqlerr.New(sqlerr.KindMisuse,
			"parameter index %d out of range 1..%d", index, s.paramCount)
	}
	stop := s.conn.proto.WatchContext(ctx)
	defer stop()
	if err := s.conn.proto.SendLongData(s.prepared, uint16(index-1), data); err != nil {
		return err
	}
	if s.longData == nil {
		s.longData = map[int]bool{}
	}
	s.longData[index] = true
	s.params[index] = protocol.Parameter{Type: protocol.TypeLongBlob, LongData: true}
	return nil
}

// collectParams orders the bound parameters, failing on unset placeholders.
func (s *Stmt) collectParams(bound map[int]protocol.Parameter) ([]protocol.Parameter, error) {
	out := make([]protocol.Parameter, s.paramCount)
	for i := 1; i <= s.paramCount; i++ {
		p, ok := bound[i]
		if !ok {
			return nil, sqlerr.New(sqlerr.KindMisuse, "parameter %d is not set", i).WithSQL(s.sql)
		}
		out[i-1] = p
	}
	return out, nil
}

func (s *Stmt) renderParams(params []protocol.Parameter) []string {
	out := make([]string, len(params))
	for i, p := range params {
		var sb strings.Builder
		if err := p.AppendTextLiteral(&sb); err != nil {
			out[i] = "?"
			continue
		}
		out[i] = sb.String()
	}
	return out
}

func (s *Stmt) applyOptions() (restore func()) {
	if s.opts.QueryTimeout <= 0 {
		return func() {}
	}
	prev := s.conn.proto.SetReadTimeout(s.opts.QueryTimeout)
	return func() { s.conn.proto.SetReadTimeout(prev) }
}

// Query executes the statement expecting rows.
func (s *Stmt) Query(ctx context.Context) (*Rows, error) {
	rows, _, err := s.run(ctx, true)
	return rows, err
}

// Exec executes the statement expecting an update count.
func (s *Stmt) Exec(ctx context.Context) (*Result, error) {
	_, res, err := s.run(ctx, false)
	return res, err
}

func (s *Stmt) run(ctx context.Context, wantRows bool) (*Rows, *Result, error) {
	if err := s.conn.guard(); err != nil {
		return nil, nil, err
	}
	if s.closed {
		return nil, nil, sqlerr.New(sqlerr.KindMisuse, "statement is closed")
	}
	params, err := s.collectParams(s.params)
	if err != nil {
		return nil, nil, err
	}
	restore := s.applyOptions()
	defer restore()
	stop := s.conn.proto.WatchContext(ctx)
	defer stop()

	var res *protocol.Result
	switch s.mode {
	case modeServerPrepared:
		cursor := protocol.CursorTypeNoCursor
		if wantRows && s.opts.FetchSize > 0 {
			cursor = protocol.CursorTypeReadOnly
		}
		res, err = s.conn.proto.Execute(s.prepared, params, cursor)
	default:
		rendered, rerr := substitutePlaceholders(s.sql, params)
		if rerr != nil {
			return nil, nil, rerr
		}
		res, err = s.conn.proto.Query(rendered)
	}
	if err != nil {
		return nil, nil, attachParams(err, s.renderParams(params))
	}
	if wantRows {
		rows, err := s.conn.rowsFromResult(res, s.prepared, uint32(s.opts.FetchSize))
		if err != nil {
			return nil, nil, err
		}
		rows.maxRows = s.opts.MaxRows
		return rows, nil, nil
	}
	result, err := s.conn.resultFromResponse(res, s.sql)
	return nil, result, err
}

func attachParams(err error, params []string) error {
	var e *sqlerr.Error
	if errors.As(err, &e) {
		return e.WithParams(params)
	}
	return err
}

// AddBatch snapshots the current parameter bindings as one batch entry and
// clears them for the next row.
func (s *Stmt) AddBatch() error {
	params := make(map[int]protocol.Parameter, len(s.params))
	for i := 1; i <= s.paramCount; i++ {
		p, ok := s.params[i]
		if !ok {
			return sqlerr.New(sqlerr.KindMisuse, "parameter %d is not set", i).WithSQL(s.sql)
		}
		params[i] = p
	}
	s.batch = append(s.batch, params)
	s.params = map[int]protocol.Parameter{}
	return nil
}

// ClearBatch discards the accumulated batch.
func (s *Stmt) ClearBatch() {
	s.batch = nil
}

// ExecBatch runs the accumulated parameter sets and returns one update count
// per entry. INSERT batches on server-prepared statements are rewritten to a
// single multi-values INSERT when the statement shape allows; otherwise each
// entry executes in order, failing fast with BatchAborted counts for the
// tail.
func (s *Stmt) ExecBatch(ctx context.Context) ([]int64, error) {
	if err := s.conn.guard(); err != nil {
		return nil, err
	}
	if len(s.batch) == 0 {
		return nil, nil
	}
	batch := s.batch
	s.batch = nil

	restore := s.applyOptions()
	defer restore()
	stop := s.conn.proto.WatchContext(ctx)
	defer stop()

	if s.mode == modeServerPrepared {
		if sql, ok := rewriteMultiValuesInsert(s.sql, len(batch)); ok {
			return s.execMultiValues(sql, batch)
		}
		return s.execBatchOneByOne(ctx, batch)
	}
	return s.execBatchText(batch)
}

// execMultiValues prepares the rewritten INSERT and binds every batch row's
// parameters in one execute. The server reports one total count; per-row
// counts are attributed evenly, the way multi-values INSERT semantics
// guarantee for non-duplicate rows.
func (s *Stmt) execMultiValues(sql string, batch []map[int]protocol.Parameter) ([]int64, error) {
	prepared, err := s.conn.proto.Prepare(sql)
	if err != nil {
		return nil, err
	}
	defer s.conn.proto.StmtClose(prepared)

	var all []protocol.Parameter
	for _, bound := range batch {
		params, err := s.collectParams(bound)
		if err != nil {
			return nil, err
		}
		all = append(all, params...)
	}
	res, err := s.conn.proto.Execute(prepared, all, protocol.CursorTypeNoCursor)
	if err != nil {
		counts := make([]int64, len(batch))
		for i := range counts {
			counts[i] = sqlerr.BatchAborted
		}
		return counts, sqlerr.Batch(err, counts)
	}
	if res.Rows != nil {
		if err := res.Rows.Drain(); err != nil {
			return nil, err
		}
	}
	counts := make([]int64, len(batch))
	for i := range counts {
		counts[i] = 1
	}
	return counts, nil
}

// execBatchOneByOne executes entries sequentially, fail-fast.
func (s *Stmt) execBatchOneByOne(ctx context.Context, batch []map[int]protocol.Parameter) ([]int64, error) {
	counts := make([]int64, 0, len(batch))
	for _, bound := range batch {
		if err := ctx.Err(); err != nil {
			return counts, sqlerr.Wrap(sqlerr.KindTransientConnection, err, "batch cancelled")
		}
		params, err := s.collectParams(bound)
		if err != nil {
			return nil, err
		}
		res, err := s.conn.proto.Execute(s.prepared, params, protocol.CursorTypeNoCursor)
		if err != nil {
			for len(counts) < len(batch) {
				counts = append(counts, sqlerr.BatchAborted)
			}
			return counts, sqlerr.Batch(err, counts)
		}
		if res.Rows != nil {
			if err := res.Rows.Drain(); err != nil {
				return nil, err
			}
			counts = append(counts, 0)
			continue
		}
		counts = append(counts, int64(res.OK.AffectedRows))
	}
	return counts, nil
}

// execBatchText renders every entry as literal SQL and runs them as one
// ";"-joined multi-statement when the session allows it, else sequentially.
func (s *Stmt) execBatchText(batch []map[int]protocol.Parameter) ([]int64, error) {
	rendered := make([]string, len(batch))
	for i, bound := range batch {
		params, err := s.collectParams(bound)
		if err != nil {
			return nil, err
		}
		sql, err := substitutePlaceholders(s.sql, params)
		if err != nil {
			return nil, err
		}
		rendered[i] = sql
	}
	if s.conn.multiQueries {
		return s.conn.runBatchText(strings.Join(rendered, ";"), len(rendered))
	}
	counts := make([]int64, 0, len(rendered))
	for _, sql := range rendered {
		res, err := s.conn.proto.Query(sql)
		if err != nil {
			for len(counts) < len(rendered) {
				counts = append(counts, sqlerr.BatchAborted)
			}
			return counts, sqlerr.Batch(err, counts)
		}
		if res.Rows != nil {
			if err := res.Rows.Drain(); err != nil {
				return nil, err
			}
			counts = append(counts, 0)
			continue
		}
		counts = append(counts, int64(res.OK.AffectedRows))
	}
	return counts, nil
}

// Reset clears accumulated long data and any open server cursor
// (COM_STMT_RESET, server-prepared statements only), plus the local
// parameter bindings.
func (s *Stmt) Reset(ctx context.Context) error {
	if err := s.conn.guard(); err != nil {
		return err
	}
	s.params = map[int]protocol.Parameter{}
	s.longData = nil
	if s.mode != modeServerPrepared {
		return nil
	}
	stop := s.conn.proto.WatchContext(ctx)
	defer stop()
	return s.conn.proto.StmtReset(s.prepared)
}

// Close releases the server-side handle, if any. The statement is unusable
// afterwards.
func (s *Stmt) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mode == modeServerPrepared && !s.conn.released.Load() && !s.conn.proto.Poisoned() {
		return s.conn.proto.StmtClose(s.prepared)
	}
	return nil
}

// forEachPlaceholder walks sql reporting the byte offset of every ? that
// sits outside string literals, quoted identifiers and comments.
func forEachPlaceholder(sql string, fn func(offset int)) {
	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; c {
		case '?':
			fn(i)
		case '\'', '"', '`':
			// Skip to the closing quote, honouring backslash escapes in
			// strings (but not in quoted identifiers).
			for i++; i < len(sql); i++ {
				if sql[i] == '\\' && c != '`' {
					i++
					continue
				}
				if sql[i] == c {
					break
				}
			}
		case '-':
			if i+2 < len(sql) && sql[i+1] == '-' && (sql[i+2] == ' ' || sql[i+2] == '\t') {
				for i += 2; i < len(sql) && sql[i] != '\n'; i++ {
				}
			}
		case '#':
			for i++; i < len(sql) && sql[i] != '\n'; i++ {
			}
		case '/':
			if i+1 < len(sql) && sql[i+1] == '*' {
				for i += 2; i+1 < len(sql); i++ {
					if sql[i] == '*' && sql[i+1] == '/' {
						i++
						break
					}
				}
			}
		}
	}
}

// substitutePlaceholders renders a client-prepared statement by replacing
// each ? with its parameter's quoted literal.
func substitutePlaceholders(sql string, params []protocol.Parameter) (string, error) {
	var offsets []int
	forEachPlaceholder(sql, func(off int) { offsets = append(offsets, off) })
	if len(offsets) != len(params) {
		return "", sqlerr.New(sqlerr.KindMisuse,
			"statement has %d placeholders, %d parameters bound", len(offsets), len(params)).WithSQL(sql)
	}
	var sb strings.Builder
	sb.Grow(len(sql) + 16*len(params))
	prev := 0
	for i, off := range offsets {
		sb.WriteString(sql[prev:off])
		if err := params[i].AppendTextLiteral(&sb); err != nil {
			return "", err
		}
		prev = off + 1
	}
	sb.WriteString(sql[prev:])
	return sb.String(), nil
}

// multiValuesInsertPattern matches "INSERT ... VALUES (...)" with a single
// values group and nothing after it, the only shape safe to rewrite.
var multiValuesInsertPattern = regexp.MustCompile(
	`(?is)^\s*(insert\s+(?:ignore\s+)?into\s+.+?\bvalues?)\s*(\([^()]*\))\s*$`)

// rewriteMultiValuesInsert turns a single-row INSERT into an n-row
// multi-values INSERT, duplicating the values group.
func rewriteMultiValuesInsert(sql string, n int) (string, bool) {
	if n < 2 {
		return sql, n == 1
	}
	m := multiValuesInsertPattern.FindStringSubmatch(sql)
	if m == nil {
		return "", false
	}
	group := m[2]
	var sb strings.Builder
	sb.Grow(len(sql) + (len(group)+1)*(n-1))
	sb.WriteString(m[1])
	sb.WriteByte(' ')
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(group)
	}
	return sb.String(), true
}
