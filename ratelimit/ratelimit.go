// Package ratelimit provides a per-client token-bucket registry used to
// enforce the MAX_RPM cap. Each client key gets its own limiter refilled at
// the configured requests-per-minute rate with a burst of the same size.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused limiter survives before being pruned.
const idleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry tracks one limiter per client key.
type Registry struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*entry
}

// NewRegistry returns a Registry allowing perMinute requests per client per
// minute.
func NewRegistry(perMinute int) *Registry {
	return &Registry{
		perMinute: perMinute,
		clients:   make(map[string]*entry),
	}
}

// Allow reports whether the client identified by key may proceed now.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.clients[key]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMinute)), r.perMinute),
			lastSeen: now,
		}
		r.clients[key] = e
		r.pruneLocked(now)
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// pruneLocked drops limiters idle past idleTTL. Called with the lock held,
// piggybacked on new-client creation so steady traffic never pays for it.
func (r *Registry) pruneLocked(now time.Time) {
	for key, e := range r.clients {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(r.clients, key)
		}
	}
}
