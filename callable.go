package myriad

import (
	"context"
	"fmt"
	"strings"

	"github.com/myriadb/myriad/internal/protocol"
	"github.com/myriadb/myriad/internal/sqlerr"
)

// ParameterMode classifies a stored-procedure parameter.
type ParameterMode int

const (
	// ModeIn parameters travel to the server only.
	ModeIn ParameterMode = iota
	// ModeOut parameters come back in the synthetic final result set.
	ModeOut
	// ModeInOut parameters travel both ways.
	ModeInOut
)

// CallableStmt executes "CALL proc(?, ?, ?)" statements. IN parameters use
// the regular setters; OUT and INOUT positions are declared with
// RegisterOutParameter or implied by a setter on an INOUT index — the
// last-seen of the two wins the type. OUT and INOUT values are exchanged
// through session user variables and surface as a synthetic final result
// set after the procedure's own results.
type CallableStmt struct {
	*Stmt
	modes   map[int]ParameterMode
	outRows *ScrollableRows
	outIdx  map[int]int // parameter index -> column in outRows
}

// RegisterOutParameter declares position index as an OUT parameter of the
// given type. Calling a setter on the same index afterwards upgrades it to
// INOUT with the setter's value.
func (cs *CallableStmt) RegisterOutParameter(index int, code TypeCode) error {
	if index < 1 || index > cs.paramCount {
		return sqlerr.New(sqlerr.KindMisuse,
			"parameter index %d out of range 1..%d", index, cs.paramCount)
	}
	if p, bound := cs.params[index]; bound {
		cs.modes[index] = ModeInOut
		p.Type = code
		cs.params[index] = p
	} else {
		cs.modes[index] = ModeOut
		cs.params[index] = protocol.Parameter{Type: code, Null: true}
	}
	return nil
}

// mode resolves the effective mode of a parameter position.
func (cs *CallableStmt) mode(index int) ParameterMode {
	if m, ok := cs.modes[index]; ok {
		if m == ModeOut {
			return ModeOut
		}
		return ModeInOut
	}
	return ModeIn
}

func (cs *CallableStmt) outVar(index int) string {
	return fmt.Sprintf("@_call_out_%d", index)
}

// Call runs the procedure. The returned slice holds one Rows per result set
// the procedure produced, followed by the synthetic OUT-parameter set (also
// readable through the Out accessors). Every result set is fully buffered
// before Call returns.
func (cs *CallableStmt) Call(ctx context.Context) ([]*ScrollableRows, error) {
	if err := cs.conn.guard(); err != nil {
		return nil, err
	}
	params, err := cs.collectParams(cs.params)
	if err != nil {
		return nil, err
	}

	stop := cs.conn.proto.WatchContext(ctx)
	defer stop()

	// Stage OUT/INOUT values in user variables so the procedure can write
	// through them.
	var outIndices []int
	for i := 1; i <= cs.paramCount; i++ {
		if cs.mode(i) == ModeIn {
			continue
		}
		outIndices = append(outIndices, i)
		var sb strings.Builder
		sb.WriteString("SET ")
		sb.WriteString(cs.outVar(i))
		sb.WriteString(" = ")
		if err := params[i-1].AppendTextLiteral(&sb); err != nil {
			return nil, err
		}
		if _, err := cs.conn.proto.Query(sb.String()); err != nil {
			return nil, err
		}
	}

	// Substitute: OUT/INOUT placeholders become their user variables, IN
	// placeholders their literals.
	rendered, err := cs.renderCall(params)
	if err != nil {
		return nil, err
	}

	var sets []*ScrollableRows
	res, err := cs.conn.proto.Query(rendered)
	for {
		if err != nil {
			return nil, err
		}
		var status protocol.ServerStatus
		if res.Rows != nil {
			buffered, berr := bufferResultSet(res.Rows)
			if berr != nil {
				return nil, berr
			}
			sets = append(sets, buffered)
			status = res.Rows.Status()
		} else {
			status = res.OK.Status
		}
		if !status.Has(protocol.StatusMoreResultsExists) {
			break
		}
		res, err = cs.conn.proto.NextResult(false)
	}

	// Read the OUT parameters back as the synthetic final result set.
	if len(outIndices) > 0 {
		var sb strings.Builder
		sb.WriteString("SELECT ")
		cs.outIdx = make(map[int]int, len(outIndices))
		for n, i := range outIndices {
			if n > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(cs.outVar(i))
			cs.outIdx[i] = n + 1
		}
		res, err := cs.conn.proto.Query(sb.String())
		if err != nil {
			return nil, err
		}
		if res.Rows == nil {
			return nil, sqlerr.New(sqlerr.KindProtocolViolation, "out-parameter select produced no rows")
		}
		out, err := bufferResultSet(res.Rows)
		if err != nil {
			return nil, err
		}
		cs.outRows = out
		sets = append(sets, out)
	}
	return sets, nil
}

// renderCall substitutes placeholders: user variables for OUT/INOUT
// positions, literals for IN.
func (cs *CallableStmt) renderCall(params []protocol.Parameter) (string, error) {
	var offsets []int
	forEachPlaceholder(cs.sql, func(off int) { offsets = append(offsets, off) })
	if len(offsets) != len(params) {
		return "", sqlerr.New(sqlerr.KindMisuse,
			"statement has %d placeholders, %d parameters bound", len(offsets), len(params)).WithSQL(cs.sql)
	}
	var sb strings.Builder
	prev := 0
	for i, off := range offsets {
		sb.WriteString(cs.sql[prev:off])
		if cs.mode(i+1) != ModeIn {
			sb.WriteString(cs.outVar(i + 1))
		} else if err := params[i].AppendTextLiteral(&sb); err != nil {
			return "", err
		}
		prev = off + 1
	}
	sb.WriteString(cs.sql[prev:])
	return sb.String(), nil
}

func (cs *CallableStmt) outValue(index int) (any, error) {
	if cs.outRows == nil {
		return nil, sqlerr.New(sqlerr.KindMisuse, "no OUT parameters available; run Call first")
	}
	col, ok := cs.outIdx[index]
	if !ok {
		return nil, sqlerr.New(sqlerr.KindMisuse, "parameter %d is not an OUT parameter", index)
	}
	if !cs.outRows.First() {
		return nil, sqlerr.New(sqlerr.KindProtocolViolation, "empty OUT parameter row")
	}
	return cs.outRows.Value(col)
}

// OutInt reads an integer OUT/INOUT parameter after Call. User variables
// come back as text, so numeric values are parsed leniently.
func (cs *CallableStmt) OutInt(index int) (int64, error) {
	v, err := cs.outValue(index)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	case string:
		var n int64
		if _, err := fmt.Sscan(t, &n); err != nil {
			return 0, sqlerr.New(sqlerr.KindData, "OUT parameter %d is %q, not an integer", index, t)
		}
		return n, nil
	case []byte:
		var n int64
		if _, err := fmt.Sscan(string(t), &n); err != nil {
			return 0, sqlerr.New(sqlerr.KindData, "OUT parameter %d is %q, not an integer", index, t)
		}
		return n, nil
	default:
		return 0, sqlerr.New(sqlerr.KindData, "OUT parameter %d is %T, not an integer", index, v)
	}
}

// OutString reads a text OUT/INOUT parameter after Call.
func (cs *CallableStmt) OutString(index int) (string, error) {
	v, err := cs.outValue(index)
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
		return "", sqlerr.New(sqlerr.KindData, "OUT parameter %d is %T, not a string", index, v)
	}
}

// OutValue reads a raw OUT/INOUT parameter after Call.
func (cs *CallableStmt) OutValue(index int) (any, error) {
	return cs.outValue(index)
}

// WasNull reports whether the last Out accessor read a NULL.
func (cs *CallableStmt) WasNull() bool {
	return cs.outRows != nil && cs.outRows.WasNull()
}

// bufferResultSet drains a protocol result set into a scrollable buffer.
func bufferResultSet(rs *protocol.ResultSet) (*ScrollableRows, error) {
	var buf [][]any
	for {
		row, ok, err := rs.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		buf = append(buf, row)
	}
	return &ScrollableRows{cols: rs.Columns, meta: metadataFor(rs.Columns), rows: buf}, nil
}
