// Package ratelimit implements the token-bucket rate limiter with FIFO
// backpressure queueing used to meter outbound traffic on a wsclient.Client.
//
// Refill is lazy and discrete: tokens are topped up in whole-interval steps
// computed from elapsed wall-clock time at the moment of use, not on a
// continuously-running clock. Two consumers calling Consume a millisecond
// apart see the same bucket state a free-running goroutine ticking every
// millisecond would, without the extra wakeups.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket holds capacity tokens, replenished at refillRate tokens per
// refillInterval. All mutation happens under mu; refill is computed lazily
// on TryConsume/Tokens rather than via a background goroutine.
type TokenBucket struct {
	mu             sync.Mutex
	capacity       int
	tokens         int
	refillRate     int
	refillInterval time.Duration
	lastRefill     time.Time
}

// NewTokenBucket creates a bucket starting full.
func NewTokenBucket(capacity, refillRate int, refillInterval time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	return &TokenBucket{
		capacity:       capacity,
		tokens:         capacity,
		refillRate:     refillRate,
		refillInterval: refillInterval,
		lastRefill:     time.Now(),
	}
}

// refill tops up tokens by whole refillInterval steps elapsed since
// lastRefill. Must be called with mu held.
func (b *TokenBucket) refill() {
	elapsed := time.Since(b.lastRefill)
	steps := int(elapsed / b.refillInterval)
	if steps <= 0 {
		return
	}
	b.tokens += steps * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(steps) * b.refillInterval)
}

// TryConsume refills, then takes cost tokens if available.
func (b *TokenBucket) TryConsume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Tokens reports the current token count after a lazy refill.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity reports the bucket's maximum token count.
func (b *TokenBucket) Capacity() int { return b.capacity }
