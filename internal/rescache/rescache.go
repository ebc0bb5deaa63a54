// Package rescache is the content-addressed resource cache. It remembers,
// per document checksum, the handle the inference backend issued when the
// document was last uploaded, so an already-seen document skips the upload
// entirely while its handle is still comfortably valid.
//
// Every operation is best-effort: a store failure is logged and surfaced as
// a miss, never as an error. A caching outage degrades the service to
// "always re-upload", it never takes the primary path down.
package rescache

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dleitner/syllaparse/internal/store"
)

var (
	lookupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syllaparse_resource_cache_hits_total",
		Help: "Resource cache lookups that found a row.",
	})
	lookupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syllaparse_resource_cache_misses_total",
		Help: "Resource cache lookups that found nothing or hit a store error.",
	})
)

// Entry is one row of the resource cache. ExternalHandle and HandleExpiresAt
// are nil together when the document needs (re)uploading — either because no
// handle was ever issued or because the stored one is too close to expiry to
// trust for an in-flight request.
type Entry struct {
	ID              string
	Checksum        string
	ExternalHandle  *string
	HandleExpiresAt *time.Time
	SizeBytes       int64
	SourceName      string
	CreatedAt       time.Time
	LastAccessedAt  time.Time
}

// Cache maps content checksums to resource entries.
type Cache struct {
	db     store.DBTX
	margin time.Duration
	now    func() time.Time
}

// New constructs the cache. db may be nil, in which case every operation is
// a no-op miss — the supported "caching disabled" deployment mode.
func New(db store.DBTX, margin time.Duration) *Cache {
	return &Cache{db: db, margin: margin, now: time.Now}
}

// Lookup returns the entry for checksum, or nil on miss or store failure.
// A found entry whose handle is not valid for at least the safety margin is
// returned with the handle fields nulled so callers always re-upload rather
// than risk a handle expiring mid-request. Touching last_accessed_at is a
// best-effort side effect.
func (c *Cache) Lookup(ctx context.Context, checksum string) *Entry {
	if c.db == nil {
		lookupMisses.Inc()
		return nil
	}
	row := c.db.QueryRow(ctx, `
		SELECT id, checksum, external_handle, handle_expires_at, size_bytes, COALESCE(source_name,''), created_at, last_accessed_at
		FROM resources WHERE checksum=$1
	`, checksum)
	entry, err := scanEntry(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("resource cache lookup %s: %v", checksum, err)
		}
		lookupMisses.Inc()
		return nil
	}
	lookupHits.Inc()
	if _, err := c.db.Exec(ctx, `UPDATE resources SET last_accessed_at=$1 WHERE id=$2`, c.now().UTC(), entry.ID); err != nil {
		log.Printf("resource cache touch %s: %v", entry.ID, err)
	}
	if !c.handleUsable(entry) {
		entry.ExternalHandle = nil
		entry.HandleExpiresAt = nil
	}
	return entry
}

// Upsert records that checksum was uploaded and received handle, valid until
// expiresAt. Keyed on the unique checksum: a race between two uploads of the
// same content resolves inside Postgres to a single row holding whichever
// handle landed last. created_at, size_bytes and source_name are set only at
// first insert. Returns nil if the store is unavailable.
func (c *Cache) Upsert(ctx context.Context, checksum string, sizeBytes int64, sourceName, handle string, expiresAt time.Time) *Entry {
	if c.db == nil {
		return nil
	}
	now := c.now().UTC()
	row := c.db.QueryRow(ctx, `
		INSERT INTO resources (id, checksum, external_handle, handle_expires_at, size_bytes, source_name, created_at, last_accessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (checksum) DO UPDATE
		SET external_handle=EXCLUDED.external_handle,
			handle_expires_at=EXCLUDED.handle_expires_at,
			last_accessed_at=EXCLUDED.last_accessed_at
		RETURNING id, checksum, external_handle, handle_expires_at, size_bytes, COALESCE(source_name,''), created_at, last_accessed_at
	`, uuid.NewString(), checksum, handle, expiresAt.UTC(), sizeBytes, sourceName, now)
	entry, err := scanEntry(row)
	if err != nil {
		log.Printf("resource cache upsert %s: %v", checksum, err)
		return nil
	}
	return entry
}

// RefreshHandle updates only the handle fields of an existing entry, used
// when a known document had to be re-uploaded because its handle went stale.
func (c *Cache) RefreshHandle(ctx context.Context, id, handle string, expiresAt time.Time) {
	if c.db == nil {
		return
	}
	_, err := c.db.Exec(ctx, `
		UPDATE resources SET external_handle=$1, handle_expires_at=$2, last_accessed_at=$3 WHERE id=$4
	`, handle, expiresAt.UTC(), c.now().UTC(), id)
	if err != nil {
		log.Printf("resource cache refresh %s: %v", id, err)
	}
}

// handleUsable applies the validity policy: the stored expiry must be
// strictly later than now plus the safety margin.
func (c *Cache) handleUsable(e *Entry) bool {
	if e.ExternalHandle == nil || e.HandleExpiresAt == nil {
		return false
	}
	return e.HandleExpiresAt.After(c.now().Add(c.margin))
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.ID, &e.Checksum, &e.ExternalHandle, &e.HandleExpiresAt, &e.SizeBytes, &e.SourceName, &e.CreatedAt, &e.LastAccessedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
