package protocol

import (
	"github.com/myriadb/myriad/internal/sqlerr"
)

// OKPacket is the server's success response: affected rows, last insert id,
// status flags, warning count and an optional human-readable info string.
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	Status       ServerStatus
	Warnings     uint16
	Info         string
}

func parseOK(payload []byte, caps Capability) (*OKPacket, error) {
	r := NewReader(payload)
	if _, err := r.Uint8(); err != nil { // header byte, 0x00 or 0xFE
		return nil, err
	}
	ok := &OKPacket{}
	var err error
	if ok.AffectedRows, err = r.LenencUint(); err != nil {
		return nil, err
	}
	if ok.LastInsertID, err = r.LenencUint(); err != nil {
		return nil, err
	}
	if caps.Has(CapProtocol41) {
		status, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		ok.Status = ServerStatus(status)
		if ok.Warnings, err = r.Uint16(); err != nil {
			return nil, err
		}
	}
	if r.More() {
		if caps.Has(CapSessionTrack) {
			info, err := r.LenencString()
			if err == nil {
				ok.Info = info
			}
		} else {
			ok.Info = string(r.Rest())
		}
	}
	return ok, nil
}

// EOFPacket terminates column definition and row runs in pre-DEPRECATE_EOF
// streams. Status 0xFE with a payload shorter than 9 bytes.
type EOFPacket struct {
	Warnings uint16
	Status   ServerStatus
}

func parseEOF(payload []byte, caps Capability) (*EOFPacket, error) {
	r := NewReader(payload)
	if _, err := r.Uint8(); err != nil {
		return nil, err
	}
	eof := &EOFPacket{}
	if caps.Has(CapProtocol41) {
		warnings, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		status, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		eof.Warnings = warnings
		eof.Status = ServerStatus(status)
	}
	return eof, nil
}

// isEOF reports whether a payload is an EOF packet rather than a row whose
// first column happens to start with 0xFE.
func isEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOFHeader && len(payload) < 9
}

// parseErr maps an ERR packet to a classified error. Format: 0xFF, 2-byte
// code, '#' marker, 5-byte SQL state, human text.
func parseErr(payload []byte) error {
	r := NewReader(payload)
	if _, err := r.Uint8(); err != nil {
		return err
	}
	code, err := r.Uint16()
	if err != nil {
		return err
	}
	var state string
	if marker, err := r.Peek(); err == nil && marker == '#' {
		_ = r.Skip(1)
		stateBytes, err := r.Bytes(5)
		if err != nil {
			return err
		}
		state = string(stateBytes)
	}
	return sqlerr.FromServer(code, state, string(r.Rest()))
}

// ColumnDefinition is the decoded ColumnDefinition41 frame describing one
// result column.
type ColumnDefinition struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharacterSet uint16
	Length       uint32
	Type         FieldType
	Flags        ColumnFlag
	Decimals     uint8
}

// FullName joins table and column name when both are present.
func (c *ColumnDefinition) FullName() string {
	if c.Table != "" && c.Name != "" {
		return c.Table + "." + c.Name
	}
	return c.Name
}

// Unsigned reports whether the column carries the UNSIGNED flag.
func (c *ColumnDefinition) Unsigned() bool {
	return c.Flags.Has(FlagUnsigned)
}

func parseColumnDefinition(payload []byte) (*ColumnDefinition, error) {
	r := NewReader(payload)
	col := &ColumnDefinition{}
	var err error
	if col.Catalog, err = r.LenencString(); err != nil {
		return nil, err
	}
	if col.Schema, err = r.LenencString(); err != nil {
		return nil, err
	}
	if col.Table, err = r.LenencString(); err != nil {
		return nil, err
	}
	if col.OrgTable, err = r.LenencString(); err != nil {
		return nil, err
	}
	if col.Name, err = r.LenencString(); err != nil {
		return nil, err
	}
	if col.OrgName, err = r.LenencString(); err != nil {
		return nil, err
	}
	if _, err = r.LenencUint(); err != nil { // fixed-length field count, always 0x0C
		return nil, err
	}
	if col.CharacterSet, err = r.Uint16(); err != nil {
		return nil, err
	}
	if col.Length, err = r.Uint32(); err != nil {
		return nil, err
	}
	typ, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	col.Type = FieldType(typ)
	flags, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	col.Flags = ColumnFlag(flags)
	if col.Decimals, err = r.Uint8(); err != nil {
		return nil, err
	}
	return col, nil
}
