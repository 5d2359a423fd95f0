package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/myriadb/myriad/internal/sqlerr"
)

// The codec table maps MySQL column types to Go values and back, for both the
// text protocol (COM_QUERY rows) and the binary protocol (COM_STMT_EXECUTE
// parameters and rows). Decoded representations:
//
//	integer family      int64 (uint64 when the column is UNSIGNED BIGINT)
//	FLOAT               float32
//	DOUBLE              float64
//	DECIMAL             decimal.Decimal
//	string/blob family  []byte
//	VARCHAR/TEXT/ENUM   string
//	SET                 []string
//	JSON                string
//	DATE/DATETIME/TIMESTAMP  time.Time
//	TIME                time.Duration
//	YEAR                int64
//	BIT                 []byte
//
// GEOMETRY is unsupported in both directions and reports a typed
// feature-not-supported error.

func errGeometry() error {
	return sqlerr.New(sqlerr.KindFeatureNotSupported, "GEOMETRY types are not supported")
}

// DecodeTextValue interprets one length-encoded text-protocol field.
func DecodeTextValue(raw []byte, col *ColumnDefinition) (any, error) {
	switch col.Type {
	case TypeNull:
		return nil, nil
	case TypeTiny, TypeShort, TypeInt24, TypeLong, TypeYear:
		if col.Unsigned() {
			v, err := strconv.ParseUint(string(raw), 10, 64)
			return int64(v), numErr(err, col)
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		return v, numErr(err, col)
	case TypeLongLong:
		if col.Unsigned() {
			v, err := strconv.ParseUint(string(raw), 10, 64)
			return v, numErr(err, col)
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		return v, numErr(err, col)
	case TypeFloat:
		v, err := strconv.ParseFloat(string(raw), 32)
		return float32(v), numErr(err, col)
	case TypeDouble:
		v, err := strconv.ParseFloat(string(raw), 64)
		return v, numErr(err, col)
	case TypeDecimal, TypeNewDecimal:
		d, err := decimal.NewFromString(string(raw))
		return d, numErr(err, col)
	case TypeDate, TypeNewDate:
		t, err := parseTextDate(string(raw))
		return t, err
	case TypeDatetime, TypeTimestamp:
		t, err := parseTextDatetime(string(raw))
		return t, err
	case TypeTime:
		d, err := parseTextTime(string(raw))
		return d, err
	case TypeSet:
		if len(raw) == 0 {
			return []string{}, nil
		}
		return strings.Split(string(raw), ","), nil
	case TypeEnum, TypeVarchar, TypeJSON:
		return string(raw), nil
	case TypeVarString, TypeString, TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeBit:
		if isTextual(col) {
			return string(raw), nil
		}
		return append([]byte{}, raw...), nil
	case TypeGeometry:
		return nil, errGeometry()
	default:
		return nil, sqlerr.New(sqlerr.KindProtocolViolation,
			"unknown column type 0x%02x for %s", byte(col.Type), col.FullName())
	}
}

// A character-set id of 63 is the binary pseudo-charset; everything else in a
// string column decodes to string.
func isTextual(col *ColumnDefinition) bool {
	return col.CharacterSet != 63 && col.Type != TypeBit
}

func numErr(err error, col *ColumnDefinition) error {
	if err == nil {
		return nil
	}
	return sqlerr.Wrap(sqlerr.KindData, err, "decoding column %s", col.FullName())
}

// DecodeBinaryValue interprets one binary-protocol field.
func DecodeBinaryValue(r *Reader, col *ColumnDefinition) (any, error) {
	switch col.Type {
	case TypeNull:
		return nil, nil
	case TypeTiny:
		v, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		if col.Unsigned() {
			return int64(v), nil
		}
		return int64(int8(v)), nil
	case TypeShort, TypeYear:
		v, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		if col.Unsigned() || col.Type == TypeYear {
			return int64(v), nil
		}
		return int64(int16(v)), nil
	case TypeInt24, TypeLong:
		v, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if col.Unsigned() {
			return int64(v), nil
		}
		return int64(int32(v)), nil
	case TypeLongLong:
		v, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		if col.Unsigned() {
			return v, nil
		}
		return int64(v), nil
	case TypeFloat:
		v, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil
	case TypeDouble:
		v, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil
	case TypeDecimal, TypeNewDecimal:
		raw, err := r.LenencBytes()
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(string(raw))
		return d, numErr(err, col)
	case TypeDate, TypeNewDate:
		return decodeBinaryDate(r)
	case TypeDatetime, TypeTimestamp:
		return decodeBinaryDatetime(r)
	case TypeTime:
		return decodeBinaryTime(r)
	case TypeSet:
		raw, err := r.LenencBytes()
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return []string{}, nil
		}
		return strings.Split(string(raw), ","), nil
	case TypeEnum, TypeVarchar, TypeJSON:
		s, err := r.LenencString()
		return s, err
	case TypeVarString, TypeString, TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeBit:
		raw, err := r.LenencBytes()
		if err != nil {
			return nil, err
		}
		if isTextual(col) {
			return string(raw), nil
		}
		return append([]byte{}, raw...), nil
	case TypeGeometry:
		return nil, errGeometry()
	default:
		return nil, sqlerr.New(sqlerr.KindProtocolViolation,
			"unknown column type 0x%02x for %s", byte(col.Type), col.FullName())
	}
}

// Parameter is one bound statement parameter: a wire type code plus the value
// to encode. NULL is first class; it occupies the null bitmap rather than the
// value stream.
type Parameter struct {
	Type     FieldType
	Unsigned bool
	Null     bool
	// LongData marks parameters already streamed via COM_STMT_SEND_LONG_DATA;
	// they appear in the type vector but not in the value stream.
	LongData bool
	Value    any
}

// TypeVectorEntry returns the two bytes this parameter contributes to the
// COM_STMT_EXECUTE type vector.
func (p Parameter) TypeVectorEntry() [2]byte {
	flag := byte(0)
	if p.Unsigned {
		flag = 0x80
	}
	return [2]byte{byte(p.Type), flag}
}

// AppendBinaryValue appends the parameter's binary-protocol encoding.
func (p Parameter) AppendBinaryValue(buf []byte) ([]byte, error) {
	if p.Null {
		return buf, nil
	}
	switch p.Type {
	case TypeTiny:
		switch v := p.Value.(type) {
		case int64:
			return append(buf, byte(v)), nil
		case uint64:
			return append(buf, byte(v)), nil
		case bool:
			if v {
				return append(buf, 1), nil
			}
			return append(buf, 0), nil
		}
	case TypeShort, TypeYear:
		switch v := p.Value.(type) {
		case int64:
			return AppendUint16(buf, uint16(v)), nil
		case uint64:
			return AppendUint16(buf, uint16(v)), nil
		}
	case TypeInt24, TypeLong:
		switch v := p.Value.(type) {
		case int64:
			return AppendUint32(buf, uint32(v)), nil
		case uint64:
			return AppendUint32(buf, uint32(v)), nil
		}
	case TypeLongLong:
		switch v := p.Value.(type) {
		case int64:
			return AppendUint64(buf, uint64(v)), nil
		case uint64:
			return AppendUint64(buf, v), nil
		}
	case TypeFloat:
		if v, ok := p.Value.(float32); ok {
			return AppendUint32(buf, math.Float32bits(v)), nil
		}
	case TypeDouble:
		if v, ok := p.Value.(float64); ok {
			return AppendUint64(buf, math.Float64bits(v)), nil
		}
	case TypeDecimal, TypeNewDecimal:
		if v, ok := p.Value.(decimal.Decimal); ok {
			return AppendLenencString(buf, v.String()), nil
		}
	case TypeDate, TypeDatetime, TypeTimestamp:
		if v, ok := p.Value.(time.Time); ok {
			return appendBinaryDatetime(buf, v, p.Type == TypeDate), nil
		}
	case TypeTime:
		if v, ok := p.Value.(time.Duration); ok {
			return appendBinaryTime(buf, v), nil
		}
	case TypeVarchar, TypeVarString, TypeString, TypeEnum, TypeJSON:
		switch v := p.Value.(type) {
		case string:
			return AppendLenencString(buf, v), nil
		case []byte:
			return AppendLenencBytes(buf, v), nil
		}
	case TypeSet:
		if v, ok := p.Value.([]string); ok {
			return AppendLenencString(buf, strings.Join(v, ",")), nil
		}
		if v, ok := p.Value.(string); ok {
			return AppendLenencString(buf, v), nil
		}
	case TypeBlob, TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeBit:
		switch v := p.Value.(type) {
		case []byte:
			return AppendLenencBytes(buf, v), nil
		case string:
			return AppendLenencString(buf, v), nil
		}
	case TypeGeometry:
		return nil, errGeometry()
	}
	return nil, sqlerr.New(sqlerr.KindMisuse,
		"cannot encode %T as wire type 0x%02x", p.Value, byte(p.Type))
}

// AppendTextLiteral appends the parameter as a quoted SQL literal for
// client-side prepared statements.
func (p Parameter) AppendTextLiteral(sb *strings.Builder) error {
	if p.Null {
		sb.WriteString("NULL")
		return nil
	}
	switch v := p.Value.(type) {
	case int64:
		sb.WriteString(strconv.FormatInt(v, 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(v, 10))
	case bool:
		if v {
			sb.WriteString("1")
		} else {
			sb.WriteString("0")
		}
	case float32:
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case decimal.Decimal:
		sb.WriteString(v.String())
	case time.Time:
		sb.WriteByte('\'')
		if p.Type == TypeDate {
			sb.WriteString(v.Format("2006-01-02"))
		} else {
			sb.WriteString(v.Format("2006-01-02 15:04:05.000000"))
		}
		sb.WriteByte('\'')
	case time.Duration:
		sb.WriteByte('\'')
		sb.WriteString(FormatTextTime(v))
		sb.WriteByte('\'')
	case string:
		appendQuoted(sb, []byte(v))
	case []byte:
		sb.WriteString("_binary")
		appendQuoted(sb, v)
	case []string:
		appendQuoted(sb, []byte(strings.Join(v, ",")))
	default:
		if p.Type == TypeGeometry {
			return errGeometry()
		}
		return sqlerr.New(sqlerr.KindMisuse, "cannot render %T as a SQL literal", p.Value)
	}
	return nil
}

// appendQuoted writes a single-quoted literal with MySQL escaping.
func appendQuoted(sb *strings.Builder, raw []byte) {
	sb.WriteByte('\'')
	for _, b := range raw {
		switch b {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0x1A:
			sb.WriteString(`\Z`)
		case '\'':
			sb.WriteString(`\'`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			sb.WriteByte(b)
		}
	}
	sb.WriteByte('\'')
}

// ParameterFor infers the wire parameter for a Go value. It is the seam the
// typed setters of the public API funnel through.
func ParameterFor(v any) (Parameter, error) {
	switch t := v.(type) {
	case nil:
		return Parameter{Type: TypeNull, Null: true}, nil
	case bool:
		return Parameter{Type: TypeTiny, Value: t}, nil
	case int:
		return Parameter{Type: TypeLongLong, Value: int64(t)}, nil
	case int8:
		return Parameter{Type: TypeTiny, Value: int64(t)}, nil
	case int16:
		return Parameter{Type: TypeShort, Value: int64(t)}, nil
	case int32:
		return Parameter{Type: TypeLong, Value: int64(t)}, nil
	case int64:
		return Parameter{Type: TypeLongLong, Value: t}, nil
	case uint8:
		return Parameter{Type: TypeTiny, Unsigned: true, Value: uint64(t)}, nil
	case uint16:
		return Parameter{Type: TypeShort, Unsigned: true, Value: uint64(t)}, nil
	case uint32:
		return Parameter{Type: TypeLong, Unsigned: true, Value: uint64(t)}, nil
	case uint64:
		return Parameter{Type: TypeLongLong, Unsigned: true, Value: t}, nil
	case uint:
		return Parameter{Type: TypeLongLong, Unsigned: true, Value: uint64(t)}, nil
	case float32:
		return Parameter{Type: TypeFloat, Value: t}, nil
	case float64:
		return Parameter{Type: TypeDouble, Value: t}, nil
	case decimal.Decimal:
		return Parameter{Type: TypeNewDecimal, Value: t}, nil
	case string:
		return Parameter{Type: TypeVarString, Value: t}, nil
	case []byte:
		return Parameter{Type: TypeBlob, Value: t}, nil
	case []string:
		return Parameter{Type: TypeSet, Value: t}, nil
	case time.Time:
		return Parameter{Type: TypeDatetime, Value: t}, nil
	case time.Duration:
		return Parameter{Type: TypeTime, Value: t}, nil
	default:
		return Parameter{}, sqlerr.New(sqlerr.KindMisuse, "no codec for Go type %T", v)
	}
}

// --- temporal codecs ---

func decodeBinaryDate(r *Reader) (time.Time, error) {
	n, err := r.Uint8()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	if n != 4 {
		return time.Time{}, sqlerr.New(sqlerr.KindProtocolViolation, "date field length %d", n)
	}
	year, _ := r.Uint16()
	month, _ := r.Uint8()
	day, err := r.Uint8()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC), nil
}

func decodeBinaryDatetime(r *Reader) (time.Time, error) {
	n, err := r.Uint8()
	if err != nil {
		return time.Time{}, err
	}
	switch n {
	case 0:
		return time.Time{}, nil
	case 4:
		return decodeDatetimeParts(r, false, false)
	case 7:
		return decodeDatetimeParts(r, true, false)
	case 11:
		return decodeDatetimeParts(r, true, true)
	default:
		return time.Time{}, sqlerr.New(sqlerr.KindProtocolViolation, "datetime field length %d", n)
	}
}

func decodeDatetimeParts(r *Reader, withTime, withMicros bool) (time.Time, error) {
	year, _ := r.Uint16()
	month, _ := r.Uint8()
	day, err := r.Uint8()
	if err != nil {
		return time.Time{}, err
	}
	var hour, minute, sec uint8
	var micros uint32
	if withTime {
		hour, _ = r.Uint8()
		minute, _ = r.Uint8()
		if sec, err = r.Uint8(); err != nil {
			return time.Time{}, err
		}
	}
	if withMicros {
		if micros, err = r.Uint32(); err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(int(year), time.Month(month), int(day),
		int(hour), int(minute), int(sec), int(micros)*1000, time.UTC), nil
}

func decodeBinaryTime(r *Reader) (time.Duration, error) {
	n, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	switch n {
	case 0:
		return 0, nil
	case 8, 12:
	default:
		return 0, sqlerr.New(sqlerr.KindProtocolViolation, "time field length %d", n)
	}
	negative, _ := r.Uint8()
	days, _ := r.Uint32()
	hour, _ := r.Uint8()
	minute, _ := r.Uint8()
	sec, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	var micros uint32
	if n == 12 {
		if micros, err = r.Uint32(); err != nil {
			return 0, err
		}
	}
	d := time.Duration(days)*24*time.Hour +
		time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(micros)*time.Microsecond
	if negative == 1 {
		d = -d
	}
	return d, nil
}

func appendBinaryDatetime(buf []byte, t time.Time, dateOnly bool) []byte {
	if t.IsZero() {
		return append(buf, 0)
	}
	year, month, day := t.Date()
	if dateOnly {
		buf = append(buf, 4)
		buf = AppendUint16(buf, uint16(year))
		return append(buf, byte(month), byte(day))
	}
	micros := t.Nanosecond() / 1000
	if micros != 0 {
		buf = append(buf, 11)
	} else {
		buf = append(buf, 7)
	}
	buf = AppendUint16(buf, uint16(year))
	buf = append(buf, byte(month), byte(day), byte(t.Hour()), byte(t.Minute()), byte(t.Second()))
	if micros != 0 {
		buf = AppendUint32(buf, uint32(micros))
	}
	return buf
}

func appendBinaryTime(buf []byte, d time.Duration) []byte {
	if d == 0 {
		return append(buf, 0)
	}
	neg := byte(0)
	if d < 0 {
		neg = 1
		d = -d
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	secs := d / time.Second
	micros := (d - secs*time.Second) / time.Microsecond
	if micros != 0 {
		buf = append(buf, 12)
	} else {
		buf = append(buf, 8)
	}
	buf = append(buf, neg)
	buf = AppendUint32(buf, uint32(days))
	buf = append(buf, byte(hours), byte(minutes), byte(secs))
	if micros != 0 {
		buf = AppendUint32(buf, uint32(micros))
	}
	return buf
}

func parseTextDate(s string) (time.Time, error) {
	if s == "0000-00-00" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, sqlerr.Wrap(sqlerr.KindData, err, "invalid date %q", s)
	}
	return t, nil
}

func parseTextDatetime(s string) (time.Time, error) {
	if strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, nil
	}
	layout := "2006-01-02 15:04:05"
	if strings.ContainsRune(s, '.') {
		layout = "2006-01-02 15:04:05.999999"
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, sqlerr.Wrap(sqlerr.KindData, err, "invalid datetime %q", s)
	}
	return t, nil
}

// parseTextTime parses MySQL's [-]HHH:MM:SS[.ffffff] time literal, where the
// hour field can exceed 24 (up to 838:59:59).
func parseTextTime(s string) (time.Duration, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var frac time.Duration
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		fs := s[dot+1:]
		for len(fs) < 6 {
			fs += "0"
		}
		micros, err := strconv.Atoi(fs[:6])
		if err != nil {
			return 0, sqlerr.New(sqlerr.KindData, "invalid time %q", orig)
		}
		frac = time.Duration(micros) * time.Microsecond
		s = s[:dot]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, sqlerr.New(sqlerr.KindData, "invalid time %q", orig)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, sqlerr.New(sqlerr.KindData, "invalid time %q", orig)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second + frac
	if neg {
		d = -d
	}
	return d, nil
}

// FormatTextTime renders a duration as a MySQL time literal.
func FormatTextTime(d time.Duration) string {
	neg := ""
	if d < 0 {
		neg = "-"
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	micros := (d - s*time.Second) / time.Microsecond
	if micros != 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d.%06d", neg, h, m, s, micros)
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", neg, h, m, s)
}
