package rqueue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter hands out a token-bucket limiter per client id and evicts
// buckets idle longer than limiterIdleTTL.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientBucket
	rps      rate.Limit
	burst    int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleTTL = 10 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 20
	}
	return &clientLimiter{
		limiters: make(map[string]*clientBucket),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the client may submit right now. An empty client id
// is never rate limited.
func (c *clientLimiter) Allow(clientID string) bool {
	if clientID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.limiters[clientID]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(c.rps, c.burst)}
		c.limiters[clientID] = bucket
	}
	bucket.lastSeen = time.Now()
	return bucket.limiter.Allow()
}

// evictIdle drops buckets idle past the TTL. Called from the queue's
// cleanup loop.
func (c *clientLimiter) evictIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-limiterIdleTTL)
	for id, bucket := range c.limiters {
		if bucket.lastSeen.Before(cutoff) {
			delete(c.limiters, id)
		}
	}
}
