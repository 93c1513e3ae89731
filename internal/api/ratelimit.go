package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// limitClass groups endpoints that share a per-user request budget.
type limitClass string

const (
	classWrite  limitClass = "write"
	classRead   limitClass = "read"
	classStream limitClass = "stream"
)

type bucketKey struct {
	user  string
	class limitClass
}

// tokens is a token bucket refilled at limit per minute.
type tokens struct {
	level float64
	last  time.Time
}

// RateLimiter enforces per-user, per-class request budgets with token
// buckets. A budget of n allows a burst of n and then n per minute.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[limitClass]int
	buckets map[bucketKey]*tokens
	now     func() time.Time
}

// NewRateLimiter builds a limiter from the configured per-minute budgets.
// A class with no positive budget is unlimited.
func NewRateLimiter(cfg Config) *RateLimiter {
	return &RateLimiter{
		limits: map[limitClass]int{
			classWrite:  cfg.RateLimitWrite,
			classRead:   cfg.RateLimitRead,
			classStream: cfg.RateLimitOther,
		},
		buckets: make(map[bucketKey]*tokens),
		now:     time.Now,
	}
}

// Allow takes one token for user in class. When the bucket is empty it
// reports how long until the next token.
func (rl *RateLimiter) Allow(user string, class limitClass) (bool, time.Duration) {
	limit := rl.limits[class]
	if limit <= 0 {
		return true, 0
	}
	perSec := float64(limit) / 60

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	k := bucketKey{user, class}
	b, ok := rl.buckets[k]
	if !ok {
		b = &tokens{level: float64(limit), last: now}
		rl.buckets[k] = b
	}
	b.level = math.Min(float64(limit), b.level+now.Sub(b.last).Seconds()*perSec)
	b.last = now
	if b.level < 1 {
		wait := time.Duration((1 - b.level) / perSec * float64(time.Second))
		return false, wait
	}
	b.level--
	return true, 0
}

// Run drops idle buckets every interval until ctx is done. A bucket idle
// for a full minute has refilled and carries no state.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-time.Minute)
	for k, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// limited wraps an authenticated handler with the user's budget for class.
func (s *Server) limited(class limitClass, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := getUserFromContext(r.Context())
		if user == nil {
			handler(w, r)
			return
		}
		if ok, wait := s.rateLimiter.Allow(user.UserID, class); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			logFor(r.Context()).Warn("rate limited", "class", class, "retry_after", secs)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}
