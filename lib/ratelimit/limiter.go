// Package ratelimit provides a simple token bucket rate limiter.
// The admin server uses it to stop health probes that reach the database
// from competing with storefront requests for pooled connections.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter is a token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	rate     float64   // tokens per second
	capacity float64   // max tokens
	tokens   float64   // current tokens
	lastTime time.Time // last refill time
	lastUsed time.Time // last Allow or AllowN call
}

// New creates a new rate limiter.
// rate is tokens per second, capacity is the maximum burst size.
func New(rate float64, capacity int) *Limiter {
	return NewWithClock(rate, capacity, clockwork.NewRealClock())
}

// NewWithClock is New with an explicit clock.
func NewWithClock(rate float64, capacity int, clock clockwork.Clock) *Limiter {
	return &Limiter{
		clock:    clock,
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: clock.Now(),
		lastUsed: clock.Now(),
	}
}

// Allow returns true if a request is allowed, consuming one token.
// Returns false if rate limit is exceeded.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN returns true if n requests are allowed.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	l.lastUsed = l.lastTime

	needed := float64(n)
	if l.tokens >= needed {
		l.tokens -= needed
		return true
	}
	return false
}

// RetryAfter returns how long until the next token is available.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 || l.rate <= 0 {
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastTime = now
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// KeyedLimiter provides per-key rate limiting, typically per client address.
type KeyedLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limiters map[string]*Limiter
	rate     float64
	capacity int
	cleanup  time.Duration // how long to keep idle limiters
	stopCh   chan struct{} // channel to stop the cleanup goroutine
	stopOnce sync.Once
	done     chan struct{}
}

// NewKeyed creates a per-key rate limiter. Limiters idle for longer than
// cleanup are forgotten. A nil clock means the real clock.
func NewKeyed(rate float64, capacity int, cleanup time.Duration, clock clockwork.Clock) *KeyedLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	kl := &KeyedLimiter{
		clock:    clock,
		limiters: make(map[string]*Limiter),
		rate:     rate,
		capacity: capacity,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stopCh) })
	<-kl.done
}

// Allow checks if a request for the given key is allowed.
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.limiter(key).Allow()
}

// RetryAfter returns how long key must wait for its next token.
func (kl *KeyedLimiter) RetryAfter(key string) time.Duration {
	return kl.limiter(key).RetryAfter()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

func (kl *KeyedLimiter) limiter(key string) *Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	limiter, ok := kl.limiters[key]
	if !ok {
		limiter = NewWithClock(kl.rate, kl.capacity, kl.clock)
		kl.limiters[key] = limiter
	}
	return limiter
}

// cleanupLoop periodically removes idle limiters.
func (kl *KeyedLimiter) cleanupLoop() {
	defer close(kl.done)
	ticker := kl.clock.NewTicker(kl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stopCh:
			return
		case <-ticker.Chan():
			kl.sweep()
		}
	}
}

func (kl *KeyedLimiter) sweep() {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	now := kl.clock.Now()
	for key, limiter := range kl.limiters {
		limiter.mu.Lock()
		limiter.refill()
		// Remove if idle and at full capacity
		if now.Sub(limiter.lastUsed) > kl.cleanup && limiter.tokens >= limiter.capacity {
			delete(kl.limiters, key)
		}
		limiter.mu.Unlock()
	}
}
