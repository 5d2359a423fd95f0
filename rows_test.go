package myriad

import (
	"testing"

	"github.com/myriadb/myriad/internal/protocol"
)

func textCol(name string) *protocol.ColumnDefinition {
	return &protocol.ColumnDefinition{Table: "t", Name: name, OrgName: name, Type: protocol.TypeVarString, CharacterSet: 45}
}

func intCol(name string) *protocol.ColumnDefinition {
	return &protocol.ColumnDefinition{Table: "t", Name: name, OrgName: name, Type: protocol.TypeLong}
}

func memRows(cols []*protocol.ColumnDefinition, data [][]any) *Rows {
	return newRows(cols, &memSource{rows: data})
}

func TestRowsForwardIteration(t *testing.T) {
	rows := memRows(
		[]*protocol.ColumnDefinition{intCol("id"), textCol("name")},
		[][]any{
			{int64(1), "ada"},
			{int64(2), nil},
			{int64(3), "joan"},
		},
	)
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		id, err := rows.Int(1)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		t.Fatal(rows.Err())
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v", ids)
	}
	// Iteration is exhausted; further Next calls stay false.
	if rows.Next() {
		t.Error("Next after exhaustion must return false")
	}
}

func TestRowsAccessorsAndWasNull(t *testing.T) {
	rows := memRows(
		[]*protocol.ColumnDefinition{intCol("id"), textCol("name")},
		[][]any{{int64(7), nil}},
	)
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("expected a row")
	}
	id, err := rows.IntNamed("id")
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 || rows.WasNull() {
		t.Errorf("id = %d, wasNull = %v", id, rows.WasNull())
	}
	name, err := rows.StringNamed("name")
	if err != nil {
		t.Fatal(err)
	}
	if name != "" || !rows.WasNull() {
		t.Errorf("name = %q, wasNull = %v", name, rows.WasNull())
	}
	// Qualified names resolve too.
	if _, err := rows.ValueNamed("t.name"); err != nil {
		t.Errorf("qualified lookup: %v", err)
	}
	if _, err := rows.ValueNamed("missing"); err == nil || !IsKind(err, KindMisuse) {
		t.Errorf("missing column: %v", err)
	}
	if _, err := rows.Value(0); err == nil {
		t.Error("index 0 must fail; columns are 1-based")
	}
	if _, err := rows.Value(3); err == nil {
		t.Error("index past the last column must fail")
	}
}

func TestRowsAccessBeforeNext(t *testing.T) {
	rows := memRows([]*protocol.ColumnDefinition{intCol("id")}, [][]any{{int64(1)}})
	defer rows.Close()
	if _, err := rows.Int(1); err == nil || !IsKind(err, KindMisuse) {
		t.Fatalf("expected misuse before Next, got %v", err)
	}
}

func TestRowsMaxRowsTruncation(t *testing.T) {
	rows := memRows([]*protocol.ColumnDefinition{intCol("id")},
		[][]any{{int64(1)}, {int64(2)}, {int64(3)}})
	rows.maxRows = 2

	n := 0
	for rows.Next() {
		n++
	}
	if n != 2 || !rows.Truncated() {
		t.Errorf("rows = %d, truncated = %v", n, rows.Truncated())
	}
}

func TestRowsMetadataFrozen(t *testing.T) {
	rows := memRows([]*protocol.ColumnDefinition{intCol("id"), textCol("name")}, nil)
	defer rows.Close()
	meta := rows.Metadata()
	if len(meta) != 2 || meta[0].FullName() != "t.id" || meta[1].Name != "name" {
		t.Errorf("metadata = %+v", meta)
	}
}

func scrollable(t *testing.T, n int) *ScrollableRows {
	t.Helper()
	var data [][]any
	for i := 1; i <= n; i++ {
		data = append(data, []any{int64(i)})
	}
	rows := memRows([]*protocol.ColumnDefinition{intCol("id")}, data)
	s, err := rows.Materialize()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestScrollableNavigation(t *testing.T) {
	s := scrollable(t, 5)

	if !s.First() || s.Row() != 1 {
		t.Fatalf("First: row %d", s.Row())
	}
	if !s.Last() || s.Row() != 5 {
		t.Fatalf("Last: row %d", s.Row())
	}
	if !s.Absolute(3) || s.Row() != 3 {
		t.Fatalf("Absolute(3): row %d", s.Row())
	}
	// Negative absolute counts from the end.
	if !s.Absolute(-1) || s.Row() != 5 {
		t.Fatalf("Absolute(-1): row %d", s.Row())
	}
	if !s.Absolute(-5) || s.Row() != 1 {
		t.Fatalf("Absolute(-5): row %d", s.Row())
	}
	if s.Absolute(-6) || s.Row() != 0 {
		t.Fatalf("Absolute(-6) must land before the first row, row %d", s.Row())
	}
	if !s.Relative(2) || s.Row() != 2 {
		t.Fatalf("Relative(2): row %d", s.Row())
	}
	if !s.Relative(-1) || s.Row() != 1 {
		t.Fatalf("Relative(-1): row %d", s.Row())
	}

	s.BeforeFirst()
	if s.Row() != 0 {
		t.Fatal("BeforeFirst must leave the cursor off-row")
	}
	count := 0
	for s.Next() {
		count++
	}
	if count != 5 {
		t.Errorf("iterated %d rows, want 5", count)
	}

	s.AfterLast()
	if s.Next() {
		t.Error("Next after AfterLast must fail")
	}
	if !s.Previous() || s.Row() != 5 {
		t.Errorf("Previous from after-last: row %d", s.Row())
	}

	if s.Absolute(6) {
		t.Error("Absolute past the end must report false")
	}
	if s.Absolute(0) {
		t.Error("Absolute(0) must report false")
	}
}

func TestScrollableEmpty(t *testing.T) {
	s := scrollable(t, 0)
	if s.First() || s.Last() || s.Next() {
		t.Error("navigation on an empty set must report false")
	}
	if _, err := s.Value(1); err == nil {
		t.Error("Value off-row must fail")
	}
}

func TestGeneratedKeysMaterialised(t *testing.T) {
	res := &Result{affectedRows: 3, lastInsertID: 10}
	keys := res.GeneratedKeys()

	var got []uint64
	for keys.Next() {
		v, err := keys.Uint(1)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Errorf("generated keys = %v", got)
	}
	meta := keys.Metadata()
	if len(meta) != 1 || meta[0].Name != "GENERATED_KEY" {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestGeneratedKeysEmptyWithoutInsertID(t *testing.T) {
	res := &Result{affectedRows: 2}
	keys := res.GeneratedKeys()
	if keys.Next() {
		t.Error("no generated keys expected without an insert id")
	}
}
