package protocol

import (
	"github.com/myriadb/myriad/internal/sqlerr"
)

// PreparedStatement is a server-side statement handle from COM_STMT_PREPARE.
// It stays valid until StmtClose; the handle must be released before the
// owning connection returns to the pool.
type PreparedStatement struct {
	ID           uint32
	ParamCount   uint16
	ColumnCount  uint16
	WarningCount uint16
	Params       []*ColumnDefinition
	Columns      []*ColumnDefinition
}

// Prepare sends COM_STMT_PREPARE and decodes PrepareOK plus the parameter and
// column definition runs.
func (c *Conn) Prepare(sql string) (*PreparedStatement, error) {
	if err := c.io.writeCommand(ComStmtPrepare, []byte(sql)); err != nil {
		return nil, err
	}
	payload, err := c.io.readPacket()
	if err != nil {
		c.Poison()
		return nil, err
	}
	if len(payload) == 0 {
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "empty prepare response")
	}
	if payload[0] == ErrHeader {
		return nil, attachSQL(parseErr(payload), sql)
	}
	if payload[0] != OKHeader {
		c.Poison()
		return nil, sqlerr.New(sqlerr.KindProtocolViolation,
			"unexpected prepare status byte 0x%02x", payload[0])
	}
	r := NewReader(payload)
	_ = r.Skip(1)
	stmt := &PreparedStatement{}
	if stmt.ID, err = r.Uint32(); err != nil {
		return nil, err
	}
	if stmt.ColumnCount, err = r.Uint16(); err != nil {
		return nil, err
	}
	if stmt.ParamCount, err = r.Uint16(); err != nil {
		return nil, err
	}
	if err = r.Skip(1); err != nil { // filler
		return nil, err
	}
	if stmt.WarningCount, err = r.Uint16(); err != nil {
		return nil, err
	}
	if stmt.ParamCount > 0 {
		if stmt.Params, err = c.readColumns(int(stmt.ParamCount)); err != nil {
			return nil, err
		}
	}
	if stmt.ColumnCount > 0 {
		if stmt.Columns, err = c.readColumns(int(stmt.ColumnCount)); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// Execute sends COM_STMT_EXECUTE with the null bitmap, the new-params-bound
// flag, the type vector and the encoded values, then decodes the binary
// response. cursorType requests a server cursor for paged fetches.
func (c *Conn) Execute(stmt *PreparedStatement, params []Parameter, cursorType byte) (*Result, error) {
	if len(params) != int(stmt.ParamCount) {
		return nil, sqlerr.New(sqlerr.KindMisuse,
			"statement %d wants %d parameters, got %d", stmt.ID, stmt.ParamCount, len(params))
	}
	buf := make([]byte, 0, 64)
	buf = AppendUint32(buf, stmt.ID)
	buf = append(buf, cursorType)
	buf = AppendUint32(buf, 1) // iteration count, always 1
	if len(params) > 0 {
		bitmap := NewNullBitmap(len(params), 0)
		for i, p := range params {
			if p.Null {
				bitmap.Set(i)
			}
		}
		buf = append(buf, bitmap.Bytes()...)
		buf = append(buf, 1) // new-params-bound flag
		for _, p := range params {
			entry := p.TypeVectorEntry()
			buf = append(buf, entry[0], entry[1])
		}
		var err error
		for _, p := range params {
			if p.LongData {
				continue
			}
			if buf, err = p.AppendBinaryValue(buf); err != nil {
				return nil, err
			}
		}
	}
	if err := c.io.writeCommand(ComStmtExecute, buf); err != nil {
		return nil, err
	}
	res, err := c.readResult(true)
	if err != nil {
		return nil, err
	}
	// With a read-only cursor the server answers with metadata only; rows
	// come later through COM_STMT_FETCH.
	if res.Rows != nil && cursorType != CursorTypeNoCursor && c.status.Has(StatusCursorExists) {
		res.Rows.done = true
		res.Rows.cursor = true
		res.Rows.status = c.status
	}
	return res, nil
}

// Fetch requests up to n rows from an open server cursor (COM_STMT_FETCH).
// The returned set shares the statement's column metadata.
func (c *Conn) Fetch(stmt *PreparedStatement, columns []*ColumnDefinition, n uint32) (*ResultSet, error) {
	arg := make([]byte, 0, 8)
	arg = AppendUint32(arg, stmt.ID)
	arg = AppendUint32(arg, n)
	if err := c.io.writeCommand(ComStmtFetch, arg); err != nil {
		return nil, err
	}
	return &ResultSet{conn: c, Columns: columns, binary: true}, nil
}

// SendLongData streams one parameter's bytes ahead of execution
// (COM_STMT_SEND_LONG_DATA). The server sends no response.
func (c *Conn) SendLongData(stmt *PreparedStatement, paramIndex uint16, data []byte) error {
	chunkCeiling := c.io.maxPacket - 7
	for first := true; first || len(data) > 0; first = false {
		chunk := data
		if len(chunk) > chunkCeiling {
			chunk = chunk[:chunkCeiling]
		}
		arg := make([]byte, 0, 6+len(chunk))
		arg = AppendUint32(arg, stmt.ID)
		arg = AppendUint16(arg, paramIndex)
		arg = append(arg, chunk...)
		if err := c.io.writeCommand(ComStmtSendLongData, arg); err != nil {
			return err
		}
		data = data[len(chunk):]
	}
	return nil
}

// StmtReset clears accumulated long data and any open cursor
// (COM_STMT_RESET).
func (c *Conn) StmtReset(stmt *PreparedStatement) error {
	arg := make([]byte, 0, 4)
	arg = AppendUint32(arg, stmt.ID)
	if err := c.io.writeCommand(ComStmtReset, arg); err != nil {
		return err
	}
	_, err := c.readOKOrErr()
	return err
}

// StmtClose releases the server-side handle (COM_STMT_CLOSE). The server
// sends no response.
func (c *Conn) StmtClose(stmt *PreparedStatement) error {
	arg := make([]byte, 0, 4)
	arg = AppendUint32(arg, stmt.ID)
	return c.io.writeCommand(ComStmtClose, arg)
}
