// Package ratelimit implements the request-boundary token-bucket
// RateLimiter: tryAcquire/retryAfterSeconds/reset/cleanup over a
// sharded bucket table, refilled on read rather than via a background
// ticker per bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"predictioncore/pkg/cache"
)

const (
	// DefaultCapacity is the maximum tokens a bucket can hold.
	DefaultCapacity = 100
	// DefaultRefillRate is tokens added per second.
	DefaultRefillRate = 10.0
	// idleEvictAfter is how long a full, untouched bucket survives
	// before Cleanup reclaims it.
	idleEvictAfter = 300 * time.Second
)

// bucket is one identifier's token-bucket state. Refill granularity is
// one second: sub-second requests within the same wall-clock second
// see the same token pool, by design.
type bucket struct {
	mu             sync.Mutex
	tokens         float64
	lastRefillTime time.Time
}

// Limiter is the token-bucket RateLimiter.
type Limiter struct {
	capacity   float64
	refillRate float64
	buckets    *cache.ShardedMap[*bucket]
}

// New constructs a Limiter with the given capacity and refill rate.
func New(capacity float64, refillRate float64) *Limiter {
	return &Limiter{capacity: capacity, refillRate: refillRate, buckets: cache.NewShardedMap[*bucket]()}
}

// NewDefault constructs a Limiter using DefaultCapacity/DefaultRefillRate.
func NewDefault() *Limiter {
	return New(DefaultCapacity, DefaultRefillRate)
}

func (l *Limiter) bucketFor(identifier string) *bucket {
	b, _ := l.buckets.GetOrCompute(identifier, func() (*bucket, error) {
		return &bucket{tokens: l.capacity, lastRefillTime: time.Now()}, nil
	})
	return b
}

// refillLocked advances a bucket's token count by whole elapsed seconds
// * refillRate, clamped to capacity. Refill granularity is 1 second:
// sub-second requests see the same token pool until the next
// whole-second boundary, so lastRefillTime only ever advances by whole
// seconds and any sub-second remainder carries forward. Caller must
// hold b.mu.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsedSeconds := math.Floor(now.Sub(b.lastRefillTime).Seconds())
	if elapsedSeconds <= 0 {
		return
	}
	b.tokens = math.Min(l.capacity, b.tokens+elapsedSeconds*l.refillRate)
	b.lastRefillTime = b.lastRefillTime.Add(time.Duration(elapsedSeconds) * time.Second)
}

// TryAcquire refills identifier's bucket for elapsed time, then
// consumes one token if available. Returns false without mutating
// lastRefillTime's consumption outcome when the bucket is empty.
func (l *Limiter) TryAcquire(identifier string) bool {
	b := l.bucketFor(identifier)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b, now)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfterSeconds reports how many whole seconds identifier must
// wait before its next token is available: ceil((1-tokens)/refillRate)
// when tokens < 1, else 0.
func (l *Limiter) RetryAfterSeconds(identifier string) int {
	b := l.bucketFor(identifier)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b, now)

	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / l.refillRate
	return int(math.Ceil(seconds))
}

// Reset restores identifier's bucket to a full, freshly-refilled state.
func (l *Limiter) Reset(identifier string) {
	b := l.bucketFor(identifier)
	b.mu.Lock()
	b.tokens = l.capacity
	b.lastRefillTime = time.Now()
	b.mu.Unlock()
}

// Cleanup drops buckets that are both idle longer than 300s and
// currently full, so identifiers that stop sending traffic don't pin
// memory forever while buckets mid-drain are left alone.
func (l *Limiter) Cleanup() int {
	cutoff := time.Now().Add(-idleEvictAfter)
	return l.buckets.CleanupFunc(func(_ string, b *bucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.lastRefillTime.Before(cutoff) && b.tokens >= l.capacity
	})
}
