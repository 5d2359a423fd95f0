package myriad

import (
	"strings"
	"testing"

	"github.com/myriadb/myriad/internal/protocol"
)

func TestCountPlaceholders(t *testing.T) {
	cases := []struct {
		sql  string
		want int
	}{
		{"SELECT 1", 0},
		{"SELECT * FROM t WHERE a = ?", 1},
		{"INSERT INTO t VALUES (?, ?, ?)", 3},
		{"SELECT '?' FROM t WHERE a = ?", 1},
		{`SELECT "?" FROM t WHERE a = ?`, 1},
		{"SELECT `weird?col` FROM t WHERE a = ?", 1},
		{"SELECT 1 -- trailing ? comment\nFROM t WHERE a = ?", 1},
		{"SELECT 1 # inline ? comment\nFROM t WHERE a = ?", 1},
		{"SELECT /* block ? comment */ ? FROM t", 1},
		{`SELECT 'it\'s ?' , ?`, 1},
	}
	for _, tc := range cases {
		if got := countPlaceholders(tc.sql); got != tc.want {
			t.Errorf("countPlaceholders(%q) = %d, want %d", tc.sql, got, tc.want)
		}
	}
}

func TestSubstitutePlaceholders(t *testing.T) {
	params := []protocol.Parameter{
		{Type: protocol.TypeLongLong, Value: int64(42)},
		{Type: protocol.TypeVarString, Value: "o'neill"},
		{Type: protocol.TypeVarString, Null: true},
	}
	got, err := substitutePlaceholders("INSERT INTO t VALUES (?, ?, ?)", params)
	if err != nil {
		t.Fatal(err)
	}
	want := `INSERT INTO t VALUES (42, 'o\'neill', NULL)`
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestSubstitutePlaceholdersCountMismatch(t *testing.T) {
	_, err := substitutePlaceholders("SELECT ?", nil)
	if err == nil || !IsKind(err, KindMisuse) {
		t.Fatalf("expected misuse error, got %v", err)
	}
}

func TestRewriteMultiValuesInsert(t *testing.T) {
	sql, ok := rewriteMultiValuesInsert("INSERT INTO t (a, b) VALUES (?, ?)", 3)
	if !ok {
		t.Fatal("rewrite refused a plain single-group insert")
	}
	want := "INSERT INTO t (a, b) VALUES (?, ?),(?, ?),(?, ?)"
	if sql != want {
		t.Errorf("got  %s\nwant %s", sql, want)
	}

	if got := countPlaceholders(sql); got != 6 {
		t.Errorf("rewritten statement has %d placeholders, want 6", got)
	}
}

func TestRewriteMultiValuesInsertRefusals(t *testing.T) {
	cases := []string{
		"UPDATE t SET a = ?",
		"INSERT INTO t (a) VALUES (?) ON DUPLICATE KEY UPDATE a = ?",
		"INSERT INTO t SELECT * FROM s",
		"DELETE FROM t WHERE a = ?",
	}
	for _, sql := range cases {
		if _, ok := rewriteMultiValuesInsert(sql, 2); ok {
			t.Errorf("rewrite accepted %q", sql)
		}
	}
}

func TestRewriteMultiValuesInsertCaseInsensitive(t *testing.T) {
	sql, ok := rewriteMultiValuesInsert("insert ignore into `t` values (?)", 2)
	if !ok {
		t.Fatal("rewrite refused lowercase insert")
	}
	if !strings.Contains(sql, "(?),(?)") {
		t.Errorf("got %s", sql)
	}
}

func TestSavepointDistinctness(t *testing.T) {
	// Two savepoints with the same textual name are distinct values.
	a := Savepoint{name: "s"}
	b := Savepoint{name: "s"}
	a.token[0] = 1
	b.token[0] = 2
	if a == b {
		t.Error("savepoints with the same name must not be equal")
	}
	if a.Name() != b.Name() {
		t.Error("names should match")
	}
}

func TestSavepointIDUnsupported(t *testing.T) {
	sp := Savepoint{name: "s"}
	if _, err := sp.ID(); err == nil || !IsKind(err, KindFeatureNotSupported) {
		t.Fatalf("expected feature-not-supported, got %v", err)
	}
}
