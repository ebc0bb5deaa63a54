package rescache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dleitner/syllaparse/internal/store/storetest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(db *storetest.DB) *Cache {
	c := New(db, 2*time.Minute)
	c.now = func() time.Time { return base }
	return c
}

func entryRow(handle string, expiresAt time.Time) pgx.Row {
	return storetest.ValueRow(
		"res-1", "abc123", handle, expiresAt,
		int64(2048), "syllabus.pdf", base.Add(-time.Hour), base.Add(-time.Minute),
	)
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(&storetest.DB{})
	if got := c.Lookup(context.Background(), "abc123"); got != nil {
		t.Fatalf("expected miss, got %+v", got)
	}
}

func TestLookupHitValidHandle(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return entryRow("files/xyz", base.Add(time.Hour))
		},
	}
	c := newTestCache(db)
	got := c.Lookup(context.Background(), "abc123")
	if got == nil {
		t.Fatalf("expected hit")
	}
	if got.ExternalHandle == nil || *got.ExternalHandle != "files/xyz" {
		t.Fatalf("expected usable handle, got %+v", got.ExternalHandle)
	}
	// The hit must also touch last_accessed_at.
	var touched bool
	for _, call := range db.Calls() {
		if strings.Contains(call.SQL, "SET last_accessed_at") {
			touched = true
		}
	}
	if !touched {
		t.Fatalf("expected lookup to touch last_accessed_at")
	}
}

func TestLookupNullsHandleInsideSafetyMargin(t *testing.T) {
	// Expires 30s from now, margin is 2m: the entry comes back for its id and
	// metadata but the handle must be withheld.
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return entryRow("files/xyz", base.Add(30*time.Second))
		},
	}
	c := newTestCache(db)
	got := c.Lookup(context.Background(), "abc123")
	if got == nil {
		t.Fatalf("expected entry despite stale handle")
	}
	if got.ID != "res-1" || got.SizeBytes != 2048 {
		t.Fatalf("expected metadata preserved, got %+v", got)
	}
	if got.ExternalHandle != nil || got.HandleExpiresAt != nil {
		t.Fatalf("expected handle fields nulled, got %+v", got)
	}
}

func TestLookupTouchFailureDoesNotFailLookup(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return entryRow("files/xyz", base.Add(time.Hour))
		},
		ExecFn: func(sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection reset")
		},
	}
	c := newTestCache(db)
	if got := c.Lookup(context.Background(), "abc123"); got == nil {
		t.Fatalf("touch failure must not fail the lookup")
	}
}

func TestLookupStoreErrorDegradesToMiss(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return storetest.ErrRow(errors.New("connection refused"))
		},
	}
	c := newTestCache(db)
	if got := c.Lookup(context.Background(), "abc123"); got != nil {
		t.Fatalf("store error must degrade to miss, got %+v", got)
	}
}

func TestUpsertReturnsRow(t *testing.T) {
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return entryRow("files/new", base.Add(time.Hour))
		},
	}
	c := newTestCache(db)
	got := c.Upsert(context.Background(), "abc123", 2048, "syllabus.pdf", "files/new", base.Add(time.Hour))
	if got == nil || got.ID != "res-1" {
		t.Fatalf("expected upserted row, got %+v", got)
	}
	calls := db.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].SQL, "ON CONFLICT (checksum)") {
		t.Fatalf("expected a single conditional insert, got %+v", calls)
	}
}

func TestUpsertTwiceKeepsOneRowWithNewestHandle(t *testing.T) {
	// Stateful enough to honor the conflict clause: one row per checksum,
	// handle fields overwritten in place on a duplicate insert.
	type stored struct {
		id      string
		handle  string
		expires time.Time
	}
	rows := map[string]*stored{}
	db := &storetest.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "INSERT INTO resources") {
				checksum := args[1].(string)
				r, ok := rows[checksum]
				if !ok {
					r = &stored{id: args[0].(string)}
					rows[checksum] = r
				}
				r.handle = args[2].(string)
				r.expires = args[3].(time.Time)
				return storetest.ValueRow(r.id, checksum, r.handle, r.expires, args[4].(int64), args[5].(string), base, base)
			}
			r, ok := rows[args[0].(string)]
			if !ok {
				return storetest.ErrRow(pgx.ErrNoRows)
			}
			return storetest.ValueRow(r.id, args[0].(string), r.handle, r.expires, int64(2048), "syllabus.pdf", base, base)
		},
	}
	c := newTestCache(db)
	ctx := context.Background()

	first := c.Upsert(ctx, "abc123", 2048, "syllabus.pdf", "files/one", base.Add(time.Hour))
	second := c.Upsert(ctx, "abc123", 2048, "syllabus.pdf", "files/two", base.Add(2*time.Hour))
	if first == nil || second == nil {
		t.Fatalf("expected both upserts to return rows, got %+v and %+v", first, second)
	}
	if second.ID != first.ID {
		t.Fatalf("upserts for one checksum must share a row, got ids %q then %q", first.ID, second.ID)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(rows))
	}
	if second.ExternalHandle == nil || *second.ExternalHandle != "files/two" {
		t.Fatalf("expected the later handle to win, got %+v", second.ExternalHandle)
	}
	got := c.Lookup(ctx, "abc123")
	if got == nil || got.ExternalHandle == nil || *got.ExternalHandle != "files/two" {
		t.Fatalf("lookup must see the newest handle, got %+v", got)
	}
}

func TestNilStoreIsAlwaysAMiss(t *testing.T) {
	c := New(nil, 2*time.Minute)
	ctx := context.Background()
	if c.Lookup(ctx, "abc123") != nil {
		t.Fatalf("nil store lookup must miss")
	}
	if c.Upsert(ctx, "abc123", 1, "f", "h", time.Now()) != nil {
		t.Fatalf("nil store upsert must no-op")
	}
	c.RefreshHandle(ctx, "res-1", "h", time.Now()) // must not panic
}

func TestRefreshHandleUpdatesOnlyHandleFields(t *testing.T) {
	db := &storetest.DB{}
	c := newTestCache(db)
	c.RefreshHandle(context.Background(), "res-1", "files/fresh", base.Add(time.Hour))
	calls := db.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one statement, got %d", len(calls))
	}
	if !strings.Contains(calls[0].SQL, "SET external_handle") || strings.Contains(calls[0].SQL, "size_bytes=") {
		t.Fatalf("unexpected refresh statement: %s", calls[0].SQL)
	}
}
