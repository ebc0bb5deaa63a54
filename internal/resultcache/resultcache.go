// Package resultcache memoizes inference output per (resource, entity) pair
// so an extraction is computed at most once for a given document and person.
// Like the resource cache it is strictly best-effort: store failures are
// logged and reported as misses.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dleitner/syllaparse/internal/identity"
	"github.com/dleitner/syllaparse/internal/model"
	"github.com/dleitner/syllaparse/internal/store"
)

var (
	lookupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syllaparse_result_cache_hits_total",
		Help: "Derived-result cache lookups that found a row.",
	})
	lookupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syllaparse_result_cache_misses_total",
		Help: "Derived-result cache lookups that found nothing or hit a store error.",
	})
)

// Result is one cached extraction.
type Result struct {
	ID            string
	ResourceID    string
	EntityKey     string
	EntityDisplay string
	Schedule      model.Schedule
	CreatedAt     time.Time
}

// Cache maps (resource id, normalized entity key) to extraction results.
type Cache struct {
	db  store.DBTX
	now func() time.Time
}

// New constructs the cache; db may be nil for the caching-disabled mode.
func New(db store.DBTX) *Cache {
	return &Cache{db: db, now: time.Now}
}

// storedPayload is the flat JSONB shape a schedule is persisted as. The term
// bounds are kept separately nullable so the DateRange is only reconstituted
// when the source document stated both.
type storedPayload struct {
	TermStart *time.Time    `json:"termStart,omitempty"`
	TermEnd   *time.Time    `json:"termEnd,omitempty"`
	Events    []model.Event `json:"events"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Lookup normalizes entityName and returns the cached result for
// (resourceID, key), or nil on miss or store failure.
func (c *Cache) Lookup(ctx context.Context, resourceID, entityName string) *Result {
	if c.db == nil {
		lookupMisses.Inc()
		return nil
	}
	name := identity.NormalizeName(entityName)
	row := c.db.QueryRow(ctx, `
		SELECT id, resource_id, entity_key, entity_display, payload, created_at
		FROM derived_results WHERE resource_id=$1 AND entity_key=$2
	`, resourceID, name.Key)
	res, err := scanResult(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("result cache lookup %s/%s: %v", resourceID, name.Key, err)
		}
		lookupMisses.Inc()
		return nil
	}
	lookupHits.Inc()
	return res
}

// Upsert stores an extraction keyed on (resourceID, normalized name). On
// conflict the payload is overwritten in place, so calling twice with the
// same pair leaves exactly one row holding the latest schedule. Returns nil
// when the store is unavailable.
func (c *Cache) Upsert(ctx context.Context, resourceID, entityName string, sched model.Schedule) *Result {
	if c.db == nil {
		return nil
	}
	name := identity.NormalizeName(entityName)
	payload, err := json.Marshal(encodePayload(sched))
	if err != nil {
		log.Printf("result cache encode %s/%s: %v", resourceID, name.Key, err)
		return nil
	}
	row := c.db.QueryRow(ctx, `
		INSERT INTO derived_results (id, resource_id, entity_key, entity_display, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (resource_id, entity_key) DO UPDATE
		SET entity_display=EXCLUDED.entity_display, payload=EXCLUDED.payload
		RETURNING id, resource_id, entity_key, entity_display, payload, created_at
	`, uuid.NewString(), resourceID, name.Key, name.Display, payload, c.now().UTC())
	res, err := scanResult(row)
	if err != nil {
		log.Printf("result cache upsert %s/%s: %v", resourceID, name.Key, err)
		return nil
	}
	return res
}

// Get fetches a result by primary key, used by the reference registry when
// resolving a share code.
func (c *Cache) Get(ctx context.Context, id string) *Result {
	if c.db == nil {
		return nil
	}
	row := c.db.QueryRow(ctx, `
		SELECT id, resource_id, entity_key, entity_display, payload, created_at
		FROM derived_results WHERE id=$1
	`, id)
	res, err := scanResult(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("result cache get %s: %v", id, err)
		}
		return nil
	}
	return res
}

func encodePayload(sched model.Schedule) storedPayload {
	p := storedPayload{Events: sched.Events, Warnings: sched.Warnings}
	if sched.Term != nil {
		start, end := sched.Term.Start, sched.Term.End
		p.TermStart = &start
		p.TermEnd = &end
	}
	return p
}

func scanResult(row pgx.Row) (*Result, error) {
	var (
		res Result
		raw []byte
	)
	if err := row.Scan(&res.ID, &res.ResourceID, &res.EntityKey, &res.EntityDisplay, &raw, &res.CreatedAt); err != nil {
		return nil, err
	}
	var p storedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	res.Schedule = model.Schedule{
		EntityName: res.EntityDisplay,
		Events:     p.Events,
		Warnings:   p.Warnings,
	}
	// The range exists only when both bounds were stored.
	if p.TermStart != nil && p.TermEnd != nil {
		res.Schedule.Term = &model.DateRange{Start: *p.TermStart, End: *p.TermEnd}
	}
	return &res, nil
}
