package protocol

import (
	"errors"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// Result is the Either of the response contract: exactly one of OK and Rows
// is set. OK carries the update count for statements without a result set.
type Result struct {
	OK   *OKPacket
	Rows *ResultSet
}

// HasRows reports whether the server answered with a result set.
func (r *Result) HasRows() bool {
	return r.Rows != nil
}

// ResultSet streams one server result set. Rows arrive in server order;
// Next must be driven to completion (or the set closed) before the owning
// connection can run another command.
type ResultSet struct {
	conn    *Conn
	Columns []*ColumnDefinition
	binary  bool
	done    bool
	// moreResults is latched from the terminating OK/EOF when the server
	// has further result sets queued (multi-statement, stored procedures).
	moreResults bool
	// cursor marks an execute response that carried metadata only; rows are
	// paged in through COM_STMT_FETCH.
	cursor   bool
	warnings uint16
	status   ServerStatus
}

// Cursor reports whether rows must be fetched through a server cursor.
func (rs *ResultSet) Cursor() bool {
	return rs.cursor
}

// Binary reports whether rows use the binary protocol.
func (rs *ResultSet) Binary() bool {
	return rs.binary
}

// MoreResults reports whether another result set follows this one.
func (rs *ResultSet) MoreResults() bool {
	return rs.moreResults
}

// Status returns the server status flags from the set's terminator.
func (rs *ResultSet) Status() ServerStatus {
	return rs.status
}

// Next decodes the next row, or returns (nil, false, nil) when the set is
// exhausted.
func (rs *ResultSet) Next() ([]any, bool, error) {
	if rs.done {
		return nil, false, nil
	}
	payload, err := rs.conn.io.readPacket()
	if err != nil {
		rs.conn.Poison()
		return nil, false, err
	}
	if len(payload) == 0 {
		rs.conn.Poison()
		return nil, false, sqlerr.New(sqlerr.KindProtocolViolation, "empty row packet")
	}
	if payload[0] == ErrHeader {
		rs.done = true
		return nil, false, parseErr(payload)
	}
	if isEOF(payload) {
		eof, err := parseEOF(payload, rs.conn.capabilities)
		if err != nil {
			rs.conn.Poison()
			return nil, false, err
		}
		rs.finish(eof.Status, eof.Warnings)
		return nil, false, nil
	}
	row, err := rs.decodeRow(payload)
	if err != nil {
		// Decoding failures surface but do not poison: framing stayed intact.
		return nil, false, err
	}
	return row, true, nil
}

func (rs *ResultSet) finish(status ServerStatus, warnings uint16) {
	rs.done = true
	rs.status = status
	rs.warnings = warnings
	rs.moreResults = status.Has(StatusMoreResultsExists)
	rs.conn.status = status
}

// Drain consumes and discards any remaining rows so the connection is free
// for the next command.
func (rs *ResultSet) Drain() error {
	for !rs.done {
		if _, ok, err := rs.Next(); err != nil {
			return err
		} else if !ok {
			break
		}
	}
	return nil
}

func (rs *ResultSet) decodeRow(payload []byte) ([]any, error) {
	if rs.binary {
		return rs.decodeBinaryRow(payload)
	}
	return rs.decodeTextRow(payload)
}

func (rs *ResultSet) decodeTextRow(payload []byte) ([]any, error) {
	r := NewReader(payload)
	row := make([]any, len(rs.Columns))
	for i, col := range rs.Columns {
		next, err := r.Peek()
		if err != nil {
			return nil, sqlerr.Wrap(sqlerr.KindProtocolViolation, err, "truncated text row")
		}
		if next == nullValue {
			_ = r.Skip(1)
			row[i] = nil
			continue
		}
		raw, err := r.LenencBytes()
		if err != nil {
			return nil, sqlerr.Wrap(sqlerr.KindProtocolViolation, err, "truncated text row")
		}
		v, err := DecodeTextValue(raw, col)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (rs *ResultSet) decodeBinaryRow(payload []byte) ([]any, error) {
	r := NewReader(payload)
	if header, err := r.Uint8(); err != nil || header != 0x00 {
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "malformed binary row header")
	}
	bits, err := r.Bytes(NullBitmapLen(len(rs.Columns), 2))
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.KindProtocolViolation, err, "truncated null bitmap")
	}
	bitmap := ReadNullBitmap(bits, 2)
	row := make([]any, len(rs.Columns))
	for i, col := range rs.Columns {
		if bitmap.IsNull(i) {
			row[i] = nil
			continue
		}
		v, err := DecodeBinaryValue(r, col)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// Query sends COM_QUERY and decodes the first response. Further result sets
// of a multi-statement text are fetched with NextResult once the current set
// reports MoreResults.
func (c *Conn) Query(sql string) (*Result, error) {
	if err := c.io.writeCommand(ComQuery, []byte(sql)); err != nil {
		return nil, err
	}
	res, err := c.readResult(false)
	if err != nil {
		return nil, attachSQL(err, sql)
	}
	return res, nil
}

// NextResult reads the next result of a multi-result response.
func (c *Conn) NextResult(binary bool) (*Result, error) {
	return c.readResult(binary)
}

func attachSQL(err error, sql string) error {
	var e *sqlerr.Error
	if errors.As(err, &e) {
		return e.WithSQL(sql)
	}
	return err
}

// readResult decodes OK | ERR | resultset-header, then column definitions.
func (c *Conn) readResult(binary bool) (*Result, error) {
	payload, err := c.io.readPacket()
	if err != nil {
		c.Poison()
		return nil, err
	}
	if len(payload) == 0 {
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "empty response packet")
	}
	switch payload[0] {
	case OKHeader:
		ok, err := parseOK(payload, c.capabilities)
		if err != nil {
			c.Poison()
			return nil, err
		}
		c.status = ok.Status
		return &Result{OK: ok}, nil
	case ErrHeader:
		return nil, parseErr(payload)
	case LocalInfileHeader:
		// LOAD DATA LOCAL is out of scope; refuse and keep the session sane
		// by answering with an empty data packet and draining the response.
		if err := c.io.writePacket(nil); err != nil {
			return nil, err
		}
		if _, err := c.readOKOrErr(); err != nil {
			return nil, err
		}
		return nil, sqlerr.New(sqlerr.KindFeatureNotSupported, "LOAD DATA LOCAL INFILE is not supported")
	}

	r := NewReader(payload)
	columnCount, err := r.LenencUint()
	if err != nil || r.More() {
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "malformed column count packet")
	}
	columns, err := c.readColumns(int(columnCount))
	if err != nil {
		return nil, err
	}
	return &Result{Rows: &ResultSet{conn: c, Columns: columns, binary: binary}}, nil
}

// readColumns reads count ColumnDefinition41 frames plus the trailing EOF.
func (c *Conn) readColumns(count int) ([]*ColumnDefinition, error) {
	columns := make([]*ColumnDefinition, 0, count)
	for len(columns) < count {
		payload, err := c.io.readPacket()
		if err != nil {
			c.Poison()
			return nil, err
		}
		col, err := parseColumnDefinition(payload)
		if err != nil {
			c.Poison()
			return nil, sqlerr.Wrap(sqlerr.KindProtocolViolation, err, "column definition")
		}
		columns = append(columns, col)
	}
	payload, err := c.io.readPacket()
	if err != nil {
		c.Poison()
		return nil, err
	}
	if !isEOF(payload) {
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "missing EOF after column definitions")
	}
	eof, err := parseEOF(payload, c.capabilities)
	if err != nil {
		c.Poison()
		return nil, err
	}
	c.status = eof.Status
	return columns, nil
}
