package log

import (
	"sync"
	"time"

	"github.com/go-kit/log"
)

// RateLimitedLogger drops log lines once more than n have been logged within
// the current one-second window. It exists for hot per-dispatch paths (skew
// sampler warnings, dispatcher churn) that would otherwise flood the logger.
type RateLimitedLogger struct {
	next         log.Logger
	maxPerSecond int

	mtx         sync.Mutex
	windowStart time.Time
	count       int
}

// NewRateLimitedLogger wraps next, allowing at most maxPerSecond Log calls
// to pass through in any given second.
func NewRateLimitedLogger(maxPerSecond int, next log.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		next:         next,
		maxPerSecond: maxPerSecond,
	}
}

// Log implements log.Logger.
func (r *RateLimitedLogger) Log(keyvals ...interface{}) error {
	r.mtx.Lock()
	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.windowStart = now
		r.count = 0
	}

	r.count++
	drop := r.count > r.maxPerSecond
	r.mtx.Unlock()

	if drop {
		return nil
	}

	return r.next.Log(keyvals...)
}
