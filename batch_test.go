package myriad

import (
	"context"
	"errors"
	"testing"

	"github.com/myriadb/myriad/internal/protocol"
)

func TestExecBatchRequiresMultiQueries(t *testing.T) {
	srv := newFakeServer()
	ds := testDataSource(t, srv, nil)

	err := ds.WithConnection(context.Background(), func(conn *Conn) error {
		_, err := conn.ExecBatch(context.Background(), []string{"INSERT INTO t VALUES (1)"})
		return err
	})
	if err == nil || !IsKind(err, KindMisuse) {
		t.Fatalf("expected misuse without multi-queries, got %v", err)
	}
}

func TestExecBatchMultiStatement(t *testing.T) {
	srv := newFakeServer()
	srv.onQuery("INSERT INTO t VALUES (1);INSERT INTO t VALUES (2)", func(w *frameWriter) {
		w.ok(1, 0, protocol.StatusAutocommit|protocol.StatusMoreResultsExists)
		w.ok(1, 0, protocol.StatusAutocommit)
	})
	ds := testDataSource(t, srv, nil)
	ctx := context.Background()

	err := ds.WithConnection(ctx, func(conn *Conn) error {
		if err := conn.EnableMultiQueries(ctx); err != nil {
			return err
		}
		counts, err := conn.ExecBatch(ctx, []string{
			"INSERT INTO t VALUES (1)",
			"INSERT INTO t VALUES (2)",
		})
		if err != nil {
			return err
		}
		if len(counts) != 2 || counts[0] != 1 || counts[1] != 1 {
			t.Errorf("counts = %v", counts)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecBatchFailsFastWithAbortedCounts(t *testing.T) {
	srv := newFakeServer()
	srv.onQuery("INSERT INTO t VALUES (1);BROKEN;INSERT INTO t VALUES (3)", func(w *frameWriter) {
		w.ok(1, 0, protocol.StatusAutocommit|protocol.StatusMoreResultsExists)
		w.err(1064, "42000", "syntax error near 'BROKEN'")
	})
	ds := testDataSource(t, srv, nil)
	ctx := context.Background()

	err := ds.WithConnection(ctx, func(conn *Conn) error {
		if err := conn.EnableMultiQueries(ctx); err != nil {
			return err
		}
		counts, err := conn.ExecBatch(ctx, []string{
			"INSERT INTO t VALUES (1)",
			"BROKEN",
			"INSERT INTO t VALUES (3)",
		})
		if err == nil {
			t.Fatal("expected batch failure")
		}
		if !IsKind(err, KindBatchUpdate) {
			t.Errorf("kind = %v, want batch update", KindOf(err))
		}
		var e *Error
		if !errors.As(err, &e) {
			t.Fatal("expected module error")
		}
		want := []int64{1, BatchAborted, BatchAborted}
		if len(e.UpdateCounts) != 3 {
			t.Fatalf("update counts = %v", e.UpdateCounts)
		}
		for i, c := range want {
			if e.UpdateCounts[i] != c {
				t.Errorf("count[%d] = %d, want %d", i, e.UpdateCounts[i], c)
			}
		}
		// The wrapped cause keeps the server's classification.
		if KindOf(e.Unwrap()) != KindSyntax {
			t.Errorf("cause kind = %v, want syntax", KindOf(e.Unwrap()))
		}
		_ = counts
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClientPreparedBatchSequential(t *testing.T) {
	srv := newFakeServer()
	srv.onQuery("INSERT INTO t (v) VALUES ('a')", func(w *frameWriter) {
		w.ok(1, 0, protocol.StatusAutocommit)
	})
	srv.onQuery("INSERT INTO t (v) VALUES ('b')", func(w *frameWriter) {
		w.ok(1, 0, protocol.StatusAutocommit)
	})
	ds := testDataSource(t, srv, nil)
	ctx := context.Background()

	err := ds.WithConnection(ctx, func(conn *Conn) error {
		stmt, err := conn.PrepareClient("INSERT INTO t (v) VALUES (?)")
		if err != nil {
			return err
		}
		for _, v := range []string{"a", "b"} {
			if err := stmt.SetString(1, v); err != nil {
				return err
			}
			if err := stmt.AddBatch(); err != nil {
				return err
			}
		}
		counts, err := stmt.ExecBatch(ctx)
		if err != nil {
			return err
		}
		if len(counts) != 2 || counts[0] != 1 || counts[1] != 1 {
			t.Errorf("counts = %v", counts)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddBatchRejectsUnsetParameters(t *testing.T) {
	srv := newFakeServer()
	ds := testDataSource(t, srv, nil)

	err := ds.WithConnection(context.Background(), func(conn *Conn) error {
		stmt, err := conn.PrepareClient("INSERT INTO t (a, b) VALUES (?, ?)")
		if err != nil {
			return err
		}
		if err := stmt.SetInt(1, 1); err != nil {
			return err
		}
		return stmt.AddBatch()
	})
	if err == nil || !IsKind(err, KindMisuse) {
		t.Fatalf("expected misuse for unset parameter, got %v", err)
	}
}
