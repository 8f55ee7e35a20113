package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket sized for a per-minute request budget. Up
// to burst calls proceed at once; beyond that each caller is handed a slot
// in the future and sleeps until it, so waiters are served in call order.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64 // negative while slots are reserved ahead
	last   time.Time
	now    func() time.Time
}

// NewRateLimiter allows perMinute calls per minute with a burst of a tenth
// of that.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstLimiter(perMinute, perMinute/10)
}

// NewBurstLimiter allows perMinute calls per minute, burst of them at once.
func NewBurstLimiter(perMinute, burst int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

// reserve takes a token and returns how long the caller must wait for it.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now
	rl.tokens--
	if rl.tokens >= 0 {
		return 0
	}
	return time.Duration(-rl.tokens / rl.rate * float64(time.Second))
}

func (rl *RateLimiter) release() {
	rl.mu.Lock()
	rl.tokens++
	rl.mu.Unlock()
}

// Wait blocks until the caller's slot arrives or ctx is cancelled. A
// cancelled wait returns its slot.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	delay := rl.reserve()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.release()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
