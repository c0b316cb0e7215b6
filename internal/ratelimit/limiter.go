// Package ratelimit throttles how fast a single user can send messages.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-user token buckets
type Limiter struct {
	mu      sync.Mutex
	users   map[int64]*userLimiter
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	exempt  map[int64]struct{}
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLimiter allows perSecond messages per user with a burst of three.
// Users in exempt are never throttled.
func NewLimiter(perSecond float64, exempt []int64, logger zerolog.Logger) *Limiter {
	ex := make(map[int64]struct{}, len(exempt))
	for _, id := range exempt {
		ex[id] = struct{}{}
	}

	return &Limiter{
		users:   make(map[int64]*userLimiter),
		limit:   rate.Limit(perSecond),
		burst:   3,
		idleTTL: 10 * time.Minute,
		exempt:  ex,
		now:     time.Now,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow reports whether userID may send one more message now
func (l *Limiter) Allow(userID int64) bool {
	if _, ok := l.exempt[userID]; ok {
		return true
	}
	if l.limit <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	allowed := u.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		l.logger.Debug().
			Int64("user_id", userID).
			Msg("Message throttled")
	}
	return allowed
}

// Cleanup forgets users idle for longer than the idle TTL
func (l *Limiter) Cleanup() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, u := range l.users {
		if u.lastSeen.Before(cutoff) {
			delete(l.users, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.users)).
			Msg("Idle limiters cleaned up")
	}
	return removed
}

// Len returns the number of tracked users
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
