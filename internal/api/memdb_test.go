package api

// memDB is a stateful in-memory stand-in for the three cache tables, faithful
// to the conditional-insert and uniqueness semantics the components rely on.
// It lets the full submit/link/resolve flow run in tests without Postgres.

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dleitner/syllaparse/internal/store/storetest"
)

type resRow struct {
	id             string
	checksum       string
	handle         *string
	expiresAt      *time.Time
	size           int64
	source         string
	createdAt      time.Time
	lastAccessedAt time.Time
}

type drRow struct {
	id         string
	resourceID string
	key        string
	display    string
	payload    []byte
	createdAt  time.Time
}

type linkRow struct {
	id        string
	code      string
	resultID  string
	viewCount int64
	createdAt time.Time
}

type memDB struct {
	mu        sync.Mutex
	resources map[string]*resRow // by checksum
	results   map[string]*drRow  // by id
	links     map[string]*linkRow
}

func newMemDB() *memDB {
	return &memDB{
		resources: make(map[string]*resRow),
		results:   make(map[string]*drRow),
		links:     make(map[string]*linkRow),
	}
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (m *memDB) resourceRow(r *resRow) pgx.Row {
	return storetest.ValueRow(r.id, r.checksum, strOrNil(r.handle), timeOrNil(r.expiresAt), r.size, r.source, r.createdAt, r.lastAccessedAt)
}

func (m *memDB) resultRow(r *drRow) pgx.Row {
	return storetest.ValueRow(r.id, r.resourceID, r.key, r.display, r.payload, r.createdAt)
}

func (m *memDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM resources WHERE checksum"):
		if r, ok := m.resources[args[0].(string)]; ok {
			return m.resourceRow(r)
		}
		return storetest.ErrRow(pgx.ErrNoRows)

	case strings.Contains(sql, "INSERT INTO resources"):
		id, checksum := args[0].(string), args[1].(string)
		handle, expires := args[2].(string), args[3].(time.Time)
		now := args[6].(time.Time)
		if r, ok := m.resources[checksum]; ok {
			r.handle = &handle
			r.expiresAt = &expires
			r.lastAccessedAt = now
			return m.resourceRow(r)
		}
		r := &resRow{
			id: id, checksum: checksum, handle: &handle, expiresAt: &expires,
			size: args[4].(int64), source: args[5].(string), createdAt: now, lastAccessedAt: now,
		}
		m.resources[checksum] = r
		return m.resourceRow(r)

	case strings.Contains(sql, "FROM derived_results WHERE resource_id"):
		resourceID, key := args[0].(string), args[1].(string)
		for _, r := range m.results {
			if r.resourceID == resourceID && r.key == key {
				return m.resultRow(r)
			}
		}
		return storetest.ErrRow(pgx.ErrNoRows)

	case strings.Contains(sql, "INSERT INTO derived_results"):
		id, resourceID, key := args[0].(string), args[1].(string), args[2].(string)
		display, payload := args[3].(string), args[4].([]byte)
		for _, r := range m.results {
			if r.resourceID == resourceID && r.key == key {
				r.display = display
				r.payload = payload
				return m.resultRow(r)
			}
		}
		r := &drRow{id: id, resourceID: resourceID, key: key, display: display, payload: payload, createdAt: args[5].(time.Time)}
		m.results[id] = r
		return m.resultRow(r)

	case strings.Contains(sql, "FROM derived_results WHERE id"):
		if r, ok := m.results[args[0].(string)]; ok {
			return m.resultRow(r)
		}
		return storetest.ErrRow(pgx.ErrNoRows)

	case strings.Contains(sql, "SELECT code FROM share_links WHERE result_id"):
		for _, l := range m.links {
			if l.resultID == args[0].(string) {
				return storetest.ValueRow(l.code)
			}
		}
		return storetest.ErrRow(pgx.ErrNoRows)

	case strings.Contains(sql, "SELECT result_id, view_count FROM share_links"):
		for _, l := range m.links {
			if l.code == args[0].(string) {
				return storetest.ValueRow(l.resultID, l.viewCount)
			}
		}
		return storetest.ErrRow(pgx.ErrNoRows)
	}
	return storetest.ErrRow(pgx.ErrNoRows)
}

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "UPDATE resources SET last_accessed_at"):
		for _, r := range m.resources {
			if r.id == args[1].(string) {
				r.lastAccessedAt = args[0].(time.Time)
			}
		}

	case strings.Contains(sql, "UPDATE resources SET external_handle"):
		handle, expires := args[0].(string), args[1].(time.Time)
		for _, r := range m.resources {
			if r.id == args[3].(string) {
				r.handle = &handle
				r.expiresAt = &expires
				r.lastAccessedAt = args[2].(time.Time)
			}
		}

	case strings.Contains(sql, "INSERT INTO share_links"):
		id, code, resultID := args[0].(string), args[1].(string), args[2].(string)
		for _, l := range m.links {
			if l.code == code {
				return pgconn.CommandTag{}, storetest.UniqueViolation("share_links_code_key")
			}
			if l.resultID == resultID {
				return pgconn.CommandTag{}, storetest.UniqueViolation("share_links_result_id_key")
			}
		}
		m.links[id] = &linkRow{id: id, code: code, resultID: resultID, createdAt: args[3].(time.Time)}

	case strings.Contains(sql, "UPDATE share_links SET view_count"):
		for _, l := range m.links {
			if l.code == args[0].(string) {
				l.viewCount++
			}
		}
	}
	return pgconn.NewCommandTag("OK 1"), nil
}

func (m *memDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (m *memDB) linkViewCount(code string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.code == code {
			return l.viewCount, true
		}
	}
	return 0, false
}

func (m *memDB) linkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

func (m *memDB) resourceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

func (m *memDB) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *memDB) expireHandle(checksum string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[checksum]; ok {
		r.expiresAt = &at
	}
}
