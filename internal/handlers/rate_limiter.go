package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimiterIdleTTL = 10 * time.Minute

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per client key.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*rateBucket
	lastPrune time.Time
}

type rateBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newPerMinuteRateLimiter allows perMinute requests per key, refilled evenly. A
// non-positive limit disables throttling.
func newPerMinuteRateLimiter(perMinute int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clock:   clock,
		buckets: make(map[string]*rateBucket),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &rateBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = bucket
	}
	bucket.seen = now
	l.pruneIdleLocked(now)
	return bucket.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	if now.Sub(l.lastPrune) < rateLimiterIdleTTL {
		return
	}
	l.lastPrune = now
	for key, bucket := range l.buckets {
		if now.Sub(bucket.seen) > rateLimiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}
