// Package ratelimit gates the expensive extraction path with a fixed-window
// counter per client. The state is process-local and deliberately so: it is
// abuse dampening, not a durable quota ledger, and resets on restart.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syllaparse_rate_limit_rejections_total",
	Help: "Admission checks rejected by the fixed-window limiter.",
})

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long a rejected client should wait before the window
	// resets. Zero when Allowed.
	RetryAfter time.Duration
	ResetAt    time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts admissions per client key within a fixed window. Safe for
// concurrent use; per-key updates happen atomically under one lock, so a
// burst from a single client can never undercount.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// New constructs a Limiter admitting limit checks per period and per key.
// Created once at service start and injected into request handling.
func New(limit int, period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow performs one admission check for key. A fresh or elapsed window
// resets to count=1 and admits; within the window it admits while the count
// is below the ceiling and rejects with the time left until reset otherwise.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(l.period)}
		l.windows[key] = w
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - 1, ResetAt: w.resetAt}
	}
	if w.count < l.limit {
		w.count++
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - w.count, ResetAt: w.resetAt}
	}
	rejections.Inc()
	return Decision{
		Allowed:    false,
		Limit:      l.limit,
		Remaining:  0,
		RetryAfter: w.resetAt.Sub(now),
		ResetAt:    w.resetAt,
	}
}

// ClientKey identifies the client behind r: the first hop of X-Forwarded-For
// when a proxy supplied one, otherwise the connection address, otherwise a
// shared "unknown" bucket.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
