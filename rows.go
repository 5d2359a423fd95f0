package myriad

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/myriadb/myriad/internal/protocol"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// ServerStatistics is the parsed COM_STATISTICS status line.
type ServerStatistics = protocol.ServerStatistics

// TypeCode is the MySQL wire type of a column or parameter.
type TypeCode = protocol.FieldType

// ColumnMetadata describes one result column.
type ColumnMetadata struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharacterSet uint16
	Length       uint32
	Type         TypeCode
	Flags        []string
	Decimals     uint8
}

// FullName joins table and column name when both are present.
func (m ColumnMetadata) FullName() string {
	if m.Table != "" && m.Name != "" {
		return m.Table + "." + m.Name
	}
	return m.Name
}

func metadataFor(cols []*protocol.ColumnDefinition) []ColumnMetadata {
	out := make([]ColumnMetadata, len(cols))
	for i, c := range cols {
		out[i] = ColumnMetadata{
			Catalog:      c.Catalog,
			Schema:       c.Schema,
			Table:        c.Table,
			OrgTable:     c.OrgTable,
			Name:         c.Name,
			OrgName:      c.OrgName,
			CharacterSet: c.CharacterSet,
			Length:       c.Length,
			Type:         c.Type,
			Flags:        c.Flags.Names(),
			Decimals:     c.Decimals,
		}
	}
	return out
}

// rowSource feeds Rows: a streamed protocol result set, a cursor-paged
// fetch, or an in-memory buffer (generated keys, OUT parameters).
type rowSource interface {
	next() ([]any, bool, error)
	close() error
}

// streamSource streams rows straight off the wire. When the execute response
// opened a server cursor it pages rows in through COM_STMT_FETCH instead.
type streamSource struct {
	conn      *Conn
	rs        *protocol.ResultSet
	stmt      *protocol.PreparedStatement
	fetchSize uint32
	cursor    bool
}

func (s *streamSource) next() ([]any, bool, error) {
	for {
		row, ok, err := s.rs.Next()
		if err != nil || ok {
			return row, ok, err
		}
		if !s.cursor {
			return nil, false, nil
		}
		// The current page is exhausted; the cursor closes itself once the
		// server has sent the last row.
		if s.rs.Status().Has(protocol.StatusLastRowSent) {
			return nil, false, nil
		}
		n := s.fetchSize
		if n == 0 {
			n = 100
		}
		rs, err := s.conn.proto.Fetch(s.stmt, s.rs.Columns, n)
		if err != nil {
			return nil, false, err
		}
		s.rs = rs
	}
}

func (s *streamSource) close() error {
	return s.rs.Drain()
}

// memSource serves buffered rows.
type memSource struct {
	rows [][]any
	pos  int
}

func (m *memSource) next() ([]any, bool, error) {
	if m.pos >= len(m.rows) {
		return nil, false, nil
	}
	row := m.rows[m.pos]
	m.pos++
	return row, true, nil
}

func (m *memSource) close() error { return nil }

// Rows is a forward-only result set. Iterate with Next, read columns with
// the typed accessors (1-based indices), then Close. Advancing past the end
// closes any server cursor.
type Rows struct {
	cols    []*protocol.ColumnDefinition
	meta    []ColumnMetadata
	src     rowSource
	current []any
	rowNum  int
	wasNull bool
	err     error
	done    bool
	closed  bool
	// maxRows, when set, truncates the iteration client-side.
	maxRows   int
	truncated bool
}

func newRows(cols []*protocol.ColumnDefinition, src rowSource) *Rows {
	return &Rows{cols: cols, meta: metadataFor(cols), src: src}
}

func emptyRows() *Rows {
	return &Rows{src: &memSource{}, done: true}
}

// Next advances to the next row, reporting false at the end or on error.
func (r *Rows) Next() bool {
	if r.done || r.err != nil {
		return false
	}
	if r.maxRows > 0 && r.rowNum >= r.maxRows {
		r.truncated = true
		r.done = true
		_ = r.src.close()
		return false
	}
	row, ok, err := r.src.next()
	if err != nil {
		r.err = err
		return false
	}
	if !ok {
		r.done = true
		return false
	}
	r.current = row
	r.rowNum++
	return true
}

// Err returns the first error hit during iteration.
func (r *Rows) Err() error {
	return r.err
}

// Truncated reports whether a MaxRows limit cut the iteration short.
func (r *Rows) Truncated() bool {
	return r.truncated
}

// Row returns the 1-based index of the current row.
func (r *Rows) Row() int {
	return r.rowNum
}

// Metadata returns the frozen column definition list.
func (r *Rows) Metadata() []ColumnMetadata {
	return r.meta
}

// Close drains and releases the underlying stream.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.done = true
	return r.src.close()
}

// Materialize buffers all remaining rows into a scrollable result set and
// closes the stream.
func (r *Rows) Materialize() (*ScrollableRows, error) {
	var buf [][]any
	for r.Next() {
		buf = append(buf, r.current)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return &ScrollableRows{cols: r.cols, meta: r.meta, rows: buf}, nil
}

// WasNull reports whether the last accessor read a NULL.
func (r *Rows) WasNull() bool {
	return r.wasNull
}

func (r *Rows) value(index int) (any, error) {
	if r.current == nil {
		return nil, sqlerr.New(sqlerr.KindMisuse, "no current row; call Next first")
	}
	if index < 1 || index > len(r.current) {
		return nil, sqlerr.New(sqlerr.KindMisuse,
			"column index %d out of range 1..%d", index, len(r.current))
	}
	v := r.current[index-1]
	r.wasNull = v == nil
	return v, nil
}

func (r *Rows) indexOf(name string) (int, error) {
	for i, c := range r.cols {
		if c.Name == name || c.FullName() == name {
			return i + 1, nil
		}
	}
	return 0, sqlerr.New(sqlerr.KindMisuse, "no column named %q", name)
}

// Value returns the raw decoded column value, 1-based.
func (r *Rows) Value(index int) (any, error) {
	return r.value(index)
}

// ValueNamed returns the raw decoded column value by name.
func (r *Rows) ValueNamed(name string) (any, error) {
	i, err := r.indexOf(name)
	if err != nil {
		return nil, err
	}
	return r.value(i)
}

// Int reads an integer column.
func (r *Rows) Int(index int) (int64, error) {
	v, err := r.value(index)
	if err != nil {
		return 0, err
	}
	return coerceInt(v, r.colName(index))
}

// IntNamed reads an integer column by name.
func (r *Rows) IntNamed(name string) (int64, error) {
	i, err := r.indexOf(name)
	if err != nil {
		return 0, err
	}
	return r.Int(i)
}

// Uint reads an unsigned integer column.
func (r *Rows) Uint(index int) (uint64, error) {
	v, err := r.value(index)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case uint64:
		return t, nil
	case int64:
		return uint64(t), nil
	default:
		return 0, sqlerr.New(sqlerr.KindData, "column %s is %T, not an unsigned integer", r.colName(index), v)
	}
}

// String reads a text column.
func (r *Rows) String(index int) (string, error) {
	v, err := r.value(index)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", sqlerr.New(sqlerr.KindData, "column %s is %T, not a string", r.colName(index), v)
	}
}

// StringNamed reads a text column by name.
func (r *Rows) StringNamed(name string) (string, error) {
	i, err := r.indexOf(name)
	if err != nil {
		return "", err
	}
	return r.String(i)
}

// Bytes reads a binary column.
func (r *Rows) Bytes(index int) ([]byte, error) {
	v, err := r.value(index)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, sqlerr.New(sqlerr.KindData, "column %s is %T, not bytes", r.colName(index), v)
	}
}

// Float64 reads a floating-point column.
func (r *Rows) Float64(index int) (float64, error) {
	v, err := r.value(index)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, sqlerr.New(sqlerr.KindData, "column %s is %T, not a float", r.colName(index), v)
	}
}

// Bool reads a boolean (TINYINT) column.
func (r *Rows) Bool(index int) (bool, error) {
	n, err := r.Int(index)
	return n != 0, err
}

// Decimal reads a DECIMAL column.
func (r *Rows) Decimal(index int) (decimal.Decimal, error) {
	v, err := r.value(index)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch t := v.(type) {
	case nil:
		return decimal.Decimal{}, nil
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	default:
		return decimal.Decimal{}, sqlerr.New(sqlerr.KindData, "column %s is %T, not a decimal", r.colName(index), v)
	}
}

// Time reads a DATE/DATETIME/TIMESTAMP column.
func (r *Rows) Time(index int) (time.Time, error) {
	v, err := r.value(index)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	default:
		return time.Time{}, sqlerr.New(sqlerr.KindData, "column %s is %T, not a time", r.colName(index), v)
	}
}

// Duration reads a TIME column.
func (r *Rows) Duration(index int) (time.Duration, error) {
	v, err := r.value(index)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return t, nil
	default:
		return 0, sqlerr.New(sqlerr.KindData, "column %s is %T, not a duration", r.colName(index), v)
	}
}

// Strings reads a SET column as its member list.
func (r *Rows) Strings(index int) ([]string, error) {
	v, err := r.value(index)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	default:
		return nil, sqlerr.New(sqlerr.KindData, "column %s is %T, not a set", r.colName(index), v)
	}
}

func (r *Rows) colName(index int) string {
	if index >= 1 && index <= len(r.cols) {
		return r.cols[index-1].FullName()
	}
	return "?"
}

func coerceInt(v any, col string) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	default:
		return 0, sqlerr.New(sqlerr.KindData, "column %s is %T, not an integer", col, v)
	}
}

// ScrollableRows buffers a whole result set and supports absolute and
// relative positioning. Positions run 0 (before first) to len+1 (after
// last); row indices are 1-based.
type ScrollableRows struct {
	cols    []*protocol.ColumnDefinition
	meta    []ColumnMetadata
	rows    [][]any
	pos     int
	wasNull bool
}

// Len returns the buffered row count.
func (s *ScrollableRows) Len() int {
	return len(s.rows)
}

// Metadata returns the frozen column definition list.
func (s *ScrollableRows) Metadata() []ColumnMetadata {
	return s.meta
}

// Next advances one row, reporting false past the end.
func (s *ScrollableRows) Next() bool {
	return s.Relative(1)
}

// Previous steps one row back, reporting false before the start.
func (s *ScrollableRows) Previous() bool {
	return s.Relative(-1)
}

// BeforeFirst rewinds ahead of the first row.
func (s *ScrollableRows) BeforeFirst() {
	s.pos = 0
}

// AfterLast positions past the last row.
func (s *ScrollableRows) AfterLast() {
	s.pos = len(s.rows) + 1
}

// First positions on the first row, reporting false when empty.
func (s *ScrollableRows) First() bool {
	if len(s.rows) == 0 {
		return false
	}
	s.pos = 1
	return true
}

// Last positions on the last row, reporting false when empty.
func (s *ScrollableRows) Last() bool {
	if len(s.rows) == 0 {
		return false
	}
	s.pos = len(s.rows)
	return true
}

// Absolute positions on row k (1-based; negative counts from the end).
// Reports whether the position landed on a row.
func (s *ScrollableRows) Absolute(k int) bool {
	switch {
	case k == 0:
		s.pos = 0
		return false
	case k > 0:
		if k > len(s.rows) {
			s.pos = len(s.rows) + 1
			return false
		}
		s.pos = k
	default:
		k = len(s.rows) + 1 + k
		if k < 1 {
			s.pos = 0
			return false
		}
		s.pos = k
	}
	return true
}

// Relative moves k rows from the current position.
func (s *ScrollableRows) Relative(k int) bool {
	pos := s.pos + k
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.rows)+1 {
		pos = len(s.rows) + 1
	}
	s.pos = pos
	return pos >= 1 && pos <= len(s.rows)
}

// Row returns the 1-based current row index, 0 when off the ends.
func (s *ScrollableRows) Row() int {
	if s.pos < 1 || s.pos > len(s.rows) {
		return 0
	}
	return s.pos
}

// WasNull reports whether the last accessor read a NULL.
func (s *ScrollableRows) WasNull() bool {
	return s.wasNull
}

// Value returns the raw decoded column value, 1-based.
func (s *ScrollableRows) Value(index int) (any, error) {
	if s.pos < 1 || s.pos > len(s.rows) {
		return nil, sqlerr.New(sqlerr.KindMisuse, "cursor is not on a row")
	}
	row := s.rows[s.pos-1]
	if index < 1 || index > len(row) {
		return nil, sqlerr.New(sqlerr.KindMisuse,
			"column index %d out of range 1..%d", index, len(row))
	}
	v := row[index-1]
	s.wasNull = v == nil
	return v, nil
}

// ValueNamed returns the raw decoded column value by name.
func (s *ScrollableRows) ValueNamed(name string) (any, error) {
	for i, c := range s.cols {
		if c.Name == name || c.FullName() == name {
			return s.Value(i + 1)
		}
	}
	return nil, sqlerr.New(sqlerr.KindMisuse, "no column named %q", name)
}

// Int reads an integer column.
func (s *ScrollableRows) Int(index int) (int64, error) {
	v, err := s.Value(index)
	if err != nil {
		return 0, err
	}
	return coerceInt(v, "")
}

// String reads a text column.
func (s *ScrollableRows) String(index int) (string, error) {
	v, err := s.Value(index)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", sqlerr.New(sqlerr.KindData, "column %d is %T, not a string", index, v)
	}
}

// Result is the outcome of a statement without result rows.
type Result struct {
	affectedRows uint64
	lastInsertID uint64
	warnings     uint16
	info         string
}

func newResult(ok *protocol.OKPacket) *Result {
	return &Result{
		affectedRows: ok.AffectedRows,
		lastInsertID: ok.LastInsertID,
		warnings:     ok.Warnings,
		info:         ok.Info,
	}
}

// AffectedRows returns the server-reported update count.
func (r *Result) AffectedRows() uint64 {
	return r.affectedRows
}

// LastInsertID returns the first auto-increment id the statement generated.
func (r *Result) LastInsertID() uint64 {
	return r.lastInsertID
}

// Warnings returns the statement's warning count.
func (r *Result) Warnings() uint16 {
	return r.warnings
}

// Info returns the human-readable info string, when the server sent one.
func (r *Result) Info() string {
	return r.info
}

// GeneratedKeys materialises the consecutive auto-increment ids as a
// single-column result set, the way the server hands them out: the first id
// plus one per affected row.
func (r *Result) GeneratedKeys() *Rows {
	col := &protocol.ColumnDefinition{
		Name:    "GENERATED_KEY",
		OrgName: "GENERATED_KEY",
		Type:    protocol.TypeLongLong,
		Flags:   protocol.FlagUnsigned | protocol.FlagAutoIncrement,
	}
	var buf [][]any
	if r.lastInsertID > 0 {
		for i := uint64(0); i < r.affectedRows; i++ {
			buf = append(buf, []any{r.lastInsertID + i})
		}
	}
	return newRows([]*protocol.ColumnDefinition{col}, &memSource{rows: buf})
}
