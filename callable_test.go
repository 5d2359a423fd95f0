package myriad

import (
	"context"
	"testing"

	"github.com/myriadb/myriad/internal/protocol"
)

func TestCallableWithInOutParameter(t *testing.T) {
	srv := newFakeServer()
	srv.onQuery("CALL demoSp('abcdefg', @_call_out_2)", func(w *frameWriter) {
		// Two procedure result sets, each flagged as having more to come,
		// then the terminating OK.
		w.frame(protocol.AppendLenencUint(nil, 1))
		w.columnDef("res1", protocol.TypeVarString)
		w.eof(0)
		w.frame(protocol.AppendLenencString(nil, "abcdefg"))
		w.eof(protocol.StatusAutocommit | protocol.StatusMoreResultsExists)

		w.frame(protocol.AppendLenencUint(nil, 1))
		w.columnDef("res2", protocol.TypeVarString)
		w.eof(0)
		w.frame(protocol.AppendLenencString(nil, "zyxwabcdefg"))
		w.eof(protocol.StatusAutocommit | protocol.StatusMoreResultsExists)

		w.ok(0, 0, protocol.StatusAutocommit)
	})
	srv.onQuery("SELECT @_call_out_2", func(w *frameWriter) {
		w.textResultSet([]string{"@_call_out_2"},
			[]protocol.FieldType{protocol.TypeLongLong},
			[][]string{{"2"}})
	})
	ds := testDataSource(t, srv, nil)
	ctx := context.Background()

	err := ds.WithConnection(ctx, func(conn *Conn) error {
		call, err := conn.PrepareCall("CALL demoSp(?, ?)")
		if err != nil {
			return err
		}
		if err := call.SetString(1, "abcdefg"); err != nil {
			return err
		}
		if err := call.SetInt32(2, 1); err != nil {
			return err
		}
		if err := call.RegisterOutParameter(2, protocol.TypeLong); err != nil {
			return err
		}

		sets, err := call.Call(ctx)
		if err != nil {
			return err
		}
		// Two procedure sets plus the synthetic OUT-parameter set.
		if len(sets) != 3 {
			t.Fatalf("result sets = %d, want 3", len(sets))
		}
		if !sets[0].First() {
			t.Fatal("first set is empty")
		}
		if v, err := sets[0].String(1); err != nil || v != "abcdefg" {
			t.Errorf("first set value = %q (%v)", v, err)
		}
		if !sets[1].First() {
			t.Fatal("second set is empty")
		}
		if v, err := sets[1].String(1); err != nil || v != "zyxwabcdefg" {
			t.Errorf("second set value = %q (%v)", v, err)
		}

		out, err := call.OutInt(2)
		if err != nil {
			return err
		}
		if out != 2 {
			t.Errorf("OUT parameter = %d, want 2", out)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The INOUT value was staged into its user variable before the call.
	staged := false
	for _, q := range srv.log() {
		if q == "SET @_call_out_2 = 1" {
			staged = true
		}
	}
	if !staged {
		t.Errorf("missing staging query; log: %v", srv.log())
	}
}

func TestCallableOutParameterRequiresRegistration(t *testing.T) {
	srv := newFakeServer()
	srv.onQuery("CALL plain('x')", func(w *frameWriter) {
		w.ok(0, 0, protocol.StatusAutocommit)
	})
	ds := testDataSource(t, srv, nil)
	ctx := context.Background()

	err := ds.WithConnection(ctx, func(conn *Conn) error {
		call, err := conn.PrepareCall("CALL plain(?)")
		if err != nil {
			return err
		}
		if err := call.SetString(1, "x"); err != nil {
			return err
		}
		if _, err := call.Call(ctx); err != nil {
			return err
		}
		if _, err := call.OutInt(1); err == nil {
			t.Error("reading an unregistered OUT parameter must fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCallableUnsetParameter(t *testing.T) {
	srv := newFakeServer()
	ds := testDataSource(t, srv, nil)

	err := ds.WithConnection(context.Background(), func(conn *Conn) error {
		call, err := conn.PrepareCall("CALL demoSp(?, ?)")
		if err != nil {
			return err
		}
		_, err = call.Call(context.Background())
		return err
	})
	if err == nil || !IsKind(err, KindMisuse) {
		t.Fatalf("expected parameter-not-set misuse, got %v", err)
	}
}
