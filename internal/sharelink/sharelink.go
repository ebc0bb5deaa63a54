// Package sharelink is the reference registry: it publishes a cached
// extraction under a compact random code. Creation is idempotent per result,
// code issuance is collision-checked by the store's unique constraint, and
// resolution counts views through a detached background increment.
package sharelink

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dleitner/syllaparse/internal/resultcache"
	"github.com/dleitner/syllaparse/internal/store"
)

const (
	codeLength   = 8
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	maxAttempts  = 5
)

// ErrCodeExhausted is returned when maxAttempts candidate codes in a row
// collided with live rows. Distinct from "not found" so heavy collision
// pressure is observable instead of silently retried forever.
var ErrCodeExhausted = errors.New("sharelink: could not allocate a unique code")

// ErrUnavailable is returned by CreateOrGet when the registry has no backing
// store or the store failed. Resolve never returns it: there a backend fault
// is indistinguishable from an unknown code.
var ErrUnavailable = errors.New("sharelink: registry unavailable")

var codeCollisions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syllaparse_share_code_collisions_total",
	Help: "Candidate share codes that collided with an existing row.",
})

// HitQueue hands the durable view-count increment to a background worker so
// the resolve path never waits on the write.
type HitQueue interface {
	EnqueueHit(ctx context.Context, code string) error
}

// Registry mints and resolves share codes.
type Registry struct {
	db      store.DBTX
	results *resultcache.Cache
	hits    HitQueue
	now     func() time.Time
}

// New constructs the registry. db may be nil (registry disabled); hits may
// be nil, in which case increments run directly in a detached goroutine.
func New(db store.DBTX, results *resultcache.Cache, hits HitQueue) *Registry {
	return &Registry{db: db, results: results, hits: hits, now: time.Now}
}

// CreateOrGet returns the share code for resultID, minting one on first
// request. Re-requesting a link for an already-linked result returns the
// existing code; a concurrent mint for the same result is resolved by the
// store's uniqueness on result_id, with the loser adopting the winner's code.
func (r *Registry) CreateOrGet(ctx context.Context, resultID string) (string, error) {
	if r.db == nil {
		return "", ErrUnavailable
	}
	if code, ok := r.codeFor(ctx, resultID); ok {
		return code, nil
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		_, err = r.db.Exec(ctx, `
			INSERT INTO share_links (id, code, result_id, view_count, created_at)
			VALUES ($1,$2,$3,0,$4)
		`, uuid.NewString(), code, resultID, r.now().UTC())
		if err == nil {
			return code, nil
		}
		if store.IsUniqueViolation(err, "share_links_result_id_key") {
			// Another request linked this result first; use its code.
			if code, ok := r.codeFor(ctx, resultID); ok {
				return code, nil
			}
			return "", ErrUnavailable
		}
		if store.IsUniqueViolation(err, "share_links_code_key") {
			codeCollisions.Inc()
			continue
		}
		log.Printf("share link insert for result %s: %v", resultID, err)
		return "", ErrUnavailable
	}
	return "", ErrCodeExhausted
}

// Resolve looks up code and returns the linked result together with the view
// count this resolution represents. The durable increment is fire-and-forget:
// the caller gets the stored count plus one immediately while the write
// completes in the background. Unknown code, expired link, removed result and
// store failure all present as a plain miss.
func (r *Registry) Resolve(ctx context.Context, code string) (*resultcache.Result, int64, bool) {
	if r.db == nil {
		return nil, 0, false
	}
	var (
		resultID  string
		viewCount int64
	)
	row := r.db.QueryRow(ctx, `
		SELECT result_id, view_count FROM share_links
		WHERE code=$1 AND (expires_at IS NULL OR expires_at > $2)
	`, code, r.now().UTC())
	if err := row.Scan(&resultID, &viewCount); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("share link resolve %s: %v", code, err)
		}
		return nil, 0, false
	}
	res := r.results.Get(ctx, resultID)
	if res == nil {
		return nil, 0, false
	}
	go r.recordHit(code)
	return res, viewCount + 1, true
}

// IncrementViewCount performs the durable increment. The background worker
// calls this when it picks up a hit task.
func (r *Registry) IncrementViewCount(ctx context.Context, code string) error {
	if r.db == nil {
		return ErrUnavailable
	}
	if _, err := r.db.Exec(ctx, `UPDATE share_links SET view_count=view_count+1 WHERE code=$1`, code); err != nil {
		return fmt.Errorf("increment view count: %w", err)
	}
	return nil
}

// recordHit runs detached from the request that triggered it, so it uses a
// fresh context and only ever logs failures.
func (r *Registry) recordHit(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r.hits != nil {
		err := r.hits.EnqueueHit(ctx, code)
		if err == nil {
			return
		}
		log.Printf("share link hit enqueue %s: %v", code, err)
	}
	if err := r.IncrementViewCount(ctx, code); err != nil {
		log.Printf("share link hit %s: %v", code, err)
	}
}

func (r *Registry) codeFor(ctx context.Context, resultID string) (string, bool) {
	var code string
	row := r.db.QueryRow(ctx, `SELECT code FROM share_links WHERE result_id=$1`, resultID)
	if err := row.Scan(&code); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("share link select for result %s: %v", resultID, err)
		}
		return "", false
	}
	return code, true
}

// generateCode draws codeLength characters uniformly from codeAlphabet using
// crypto/rand. Rejection sampling keeps the distribution uniform; guessable
// codes would let one party enumerate another's links.
func generateCode() (string, error) {
	const limit = byte(248) // largest multiple of 62 that fits a byte
	out := make([]byte, 0, codeLength)
	var buf [16]byte
	for len(out) < codeLength {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}
