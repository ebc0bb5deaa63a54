// Package storetest provides a scripted in-memory stand-in for store.DBTX so
// cache behavior — including the degrade-to-miss policy when the store is
// down — can be exercised without a running Postgres.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one statement the code under test issued.
type Call struct {
	SQL  string
	Args []any
}

// DB is a fake store.DBTX driven by per-method hooks. A zero DB behaves like
// an empty database: QueryRow yields pgx.ErrNoRows and Exec succeeds.
type DB struct {
	QueryRowFn func(sql string, args ...any) pgx.Row
	ExecFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	QueryFn    func(sql string, args ...any) (pgx.Rows, error)

	mu    sync.Mutex
	calls []Call
}

func (d *DB) record(sql string, args []any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{SQL: sql, Args: args})
}

// Calls returns a copy of every statement issued so far.
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.record(sql, args)
	if d.QueryRowFn != nil {
		return d.QueryRowFn(sql, args...)
	}
	return ErrRow(pgx.ErrNoRows)
}

func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.record(sql, args)
	if d.ExecFn != nil {
		return d.ExecFn(sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	d.record(sql, args)
	if d.QueryFn != nil {
		return d.QueryFn(sql, args...)
	}
	return nil, errors.New("storetest: unexpected Query")
}

type row struct {
	vals []any
	err  error
}

// ValueRow builds a pgx.Row whose Scan assigns vals positionally. A nil
// value leaves the destination at its zero value, which models SQL NULL for
// pointer destinations.
func ValueRow(vals ...any) pgx.Row { return row{vals: vals} }

// ErrRow builds a pgx.Row whose Scan fails with err.
func ErrRow(err error) pgx.Row { return row{err: err} }

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("storetest: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, v := range r.vals {
		dv := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		switch {
		case sv.Type().AssignableTo(dv.Type()):
			dv.Set(sv)
		case dv.Kind() == reflect.Ptr && sv.Type().AssignableTo(dv.Type().Elem()):
			p := reflect.New(dv.Type().Elem())
			p.Elem().Set(sv)
			dv.Set(p)
		case sv.Type().ConvertibleTo(dv.Type()):
			dv.Set(sv.Convert(dv.Type()))
		default:
			return fmt.Errorf("storetest: cannot scan %T into %T", v, dest[i])
		}
	}
	return nil
}

// UniqueViolation fabricates the Postgres duplicate-key error for the named
// constraint, as the registry sees under collision.
func UniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}
