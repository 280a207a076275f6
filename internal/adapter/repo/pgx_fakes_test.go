package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"enhancer/internal/infra"
)

type simpleRow struct {
	scan func(dest ...any) error
}

func (r simpleRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type testRowsBase struct{}

func (testRowsBase) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (testRowsBase) Conn() *pgx.Conn { return nil }

func (testRowsBase) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (testRowsBase) Values() ([]any, error) {
	return nil, fmt.Errorf("values not supported in test rows")
}

func (testRowsBase) RawValues() [][]byte { return nil }

// funcRows yields one scanner per row.
type funcRows struct {
	testRowsBase
	rows []func(dest ...any) error
	idx  int
	err  error
}

func (r *funcRows) Close() {}

func (r *funcRows) Err() error { return r.err }

func (r *funcRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *funcRows) Scan(dest ...any) error {
	return r.rows[r.idx-1](dest...)
}

type call struct {
	query string
	args  []any
	inTx  bool
}

// fakeDB records statements and answers them from queued responses.
type fakeDB struct {
	calls   []call
	tags    []pgconn.CommandTag
	execErr error
	row     func(dest ...any) error
	rows    *funcRows
	inTx    bool
	txs     int

	savepoints int
}

func (f *fakeDB) record(query string, args []any) {
	f.calls = append(f.calls, call{query: query, args: args, inTx: f.inTx})
}

func (f *fakeDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.record(query, args)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if len(f.tags) == 0 {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return tag, nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	f.record(query, args)
	return simpleRow{scan: f.row}
}

func (f *fakeDB) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	f.record(query, args)
	if f.rows == nil {
		return &funcRows{}, nil
	}
	return f.rows, nil
}

// InTx counts the outermost call as a transaction and nested calls as savepoints.
func (f *fakeDB) InTx(_ context.Context, fn func(tx infra.TxRunner) error) error {
	if f.inTx {
		f.savepoints++
		return fn(f)
	}
	f.txs++
	f.inTx = true
	defer func() { f.inTx = false }()
	return fn(f)
}

func (f *fakeDB) ran(query string) bool {
	for _, c := range f.calls {
		if c.query == query {
			return true
		}
	}
	return false
}

func (f *fakeDB) count(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c.query, prefix) {
			n++
		}
	}
	return n
}

var _ infra.TxRunner = (*fakeDB)(nil)
