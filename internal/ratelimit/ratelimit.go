// Package ratelimit implements a per-client token bucket rate limiter for
// job submissions, backed by golang.org/x/time/rate. Thread-safe. Idle
// clients are evicted lazily; there is no background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultIdleTTL = 10 * time.Minute
	evictEvery     = 256 // Allow calls between idle sweeps.
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter gives every client an independent bucket; one client cannot
// exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	calls   int
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		idleTTL: defaultIdleTTL,
		now:     time.Now,
	}
}

// Allow consumes one token for clientID. It returns ErrRateLimited and the
// time until the next token when the bucket is empty.
func (l *Limiter) Allow(clientID string) (time.Duration, error) {
	if l.limit <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[clientID]
	if !ok {
		// First request: start with a full bucket.
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = now

	l.calls++
	if l.calls%evictEvery == 0 {
		l.evictIdle(now)
	}

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0, ErrRateLimited
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, ErrRateLimited
	}
	return 0, nil
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// evictIdle must be called with l.mu held. A client idle for idleTTL has a
// full bucket again, so forgetting it changes nothing.
func (l *Limiter) evictIdle(now time.Time) {
	for id, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idleTTL {
			delete(l.clients, id)
		}
	}
}
