package protocol

import (
	"testing"
)

func TestLenencUintRoundTrip(t *testing.T) {
	cases := []struct {
		value uint64
		size  int
	}{
		{0, 1},
		{1, 1},
		{250, 1},
		{251, 3},
		{1000, 3},
		{1<<16 - 1, 3},
		{1 << 16, 4},
		{1<<24 - 1, 4},
		{1 << 24, 9},
		{1 << 32, 9},
		{1<<64 - 1, 9},
	}
	for _, tc := range cases {
		buf := AppendLenencUint(nil, tc.value)
		if len(buf) != tc.size {
			t.Errorf("encode(%d): got %d bytes, want %d", tc.value, len(buf), tc.size)
		}
		got, err := NewReader(buf).LenencUint()
		if err != nil {
			t.Fatalf("decode(%d): %v", tc.value, err)
		}
		if got != tc.value {
			t.Errorf("round trip %d: got %d", tc.value, got)
		}
	}
}

func TestLenencStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", string(make([]byte, 300))} {
		buf := AppendLenencString(nil, s)
		got, err := NewReader(buf).LenencString()
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
}

func TestNulString(t *testing.T) {
	buf := AppendNulString(nil, "mysql_native_password")
	buf = append(buf, 0xDE, 0xAD)
	r := NewReader(buf)
	got, err := r.NulString()
	if err != nil {
		t.Fatal(err)
	}
	if got != "mysql_native_password" {
		t.Errorf("got %q", got)
	}
	if r.Remaining() != 2 {
		t.Errorf("remaining = %d, want 2", r.Remaining())
	}

	if _, err := NewReader([]byte("no terminator")).NulString(); err == nil {
		t.Error("expected error for unterminated string")
	}
}

func TestReaderPastEnd(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.Uint32(); err == nil {
		t.Error("expected error reading past end")
	}
}

func TestNullBitmap(t *testing.T) {
	for _, offset := range []int{0, 2} {
		for _, n := range []int{1, 7, 8, 9, 21} {
			m := NewNullBitmap(n, offset)
			if len(m.Bytes()) != (n+offset+7)/8 {
				t.Fatalf("n=%d offset=%d: bitmap length %d", n, offset, len(m.Bytes()))
			}
			m.Set(0)
			m.Set(n - 1)
			reread := ReadNullBitmap(m.Bytes(), offset)
			for i := 0; i < n; i++ {
				want := i == 0 || i == n-1
				if reread.IsNull(i) != want {
					t.Errorf("n=%d offset=%d field %d: IsNull=%v, want %v", n, offset, i, reread.IsNull(i), want)
				}
			}
		}
	}
}

func TestColumnFlagNamesRoundTrip(t *testing.T) {
	flags := FlagNotNull | FlagPrimaryKey | FlagUnsigned | FlagAutoIncrement | FlagBlob
	names := flags.Names()
	if got := ColumnFlagsFromNames(names); got != flags {
		t.Errorf("round trip: got %016b, want %016b (names %v)", got, flags, names)
	}
}
