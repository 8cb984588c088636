package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/config"
)

// rateLimiter is a token bucket holding burst tokens, refilled at burst
// tokens per interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Every(every), capacity)}
}

func newRateLimiterFromConfig(cfg config.RateLimitConfig) *rateLimiter {
	return newRateLimiter(cfg.Burst, cfg.RefillInterval)
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
