package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return newAt(rate, window, time.Now)
}

func newAt(rate int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{rate: rate, window: window, windowStart: now(), now: now}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

func (l *Limiter) idle(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.windowStart) > l.window
}

// Keyed keeps one Limiter per key, e.g. per host ID on the scheduler RPC.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     int
	window   time.Duration
	now      func() time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per window per key.
// A rate of zero or less disables limiting.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// Allow reports whether key may make another request in its current window.
func (k *Keyed) Allow(key string) bool {
	if k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = newAt(k.rate, k.window, k.now)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Prune drops limiters whose window has expired. Returns how many were removed.
func (k *Keyed) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, l := range k.limiters {
		if l.idle(now) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
