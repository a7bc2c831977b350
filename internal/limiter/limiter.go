// Package limiter bounds inbound frames on a single connection.
package limiter

import (
	"github.com/Shugur-Network/broker/internal/config"
	"golang.org/x/time/rate"
)

// Verdict is the result of one Allow call.
type Verdict struct {
	Allowed bool
	// Exhausted is set once the connection has used up its strikes and
	// should be dropped.
	Exhausted bool
	Strikes   int
}

// Inbound is a token bucket with a strike counter. A rejected frame adds a
// strike; an accepted one clears them. It is not safe for concurrent use,
// each connection's reader owns one.
type Inbound struct {
	bucket     *rate.Limiter
	maxStrikes int
	strikes    int
}

// New returns nil when rate limiting is disabled; a nil *Inbound allows
// everything.
func New(cfg config.RateLimitConfig) *Inbound {
	if !cfg.Enabled || cfg.MaxMessagesPerSecond <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Inbound{
		bucket:     rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), burst),
		maxStrikes: cfg.MaxStrikes,
	}
}

// Allow consumes one token.
func (l *Inbound) Allow() Verdict {
	if l == nil {
		return Verdict{Allowed: true}
	}
	if l.bucket.Allow() {
		l.strikes = 0
		return Verdict{Allowed: true}
	}
	l.strikes++
	return Verdict{
		Strikes:   l.strikes,
		Exhausted: l.maxStrikes > 0 && l.strikes >= l.maxStrikes,
	}
}

// Strikes returns the current consecutive rejection count.
func (l *Inbound) Strikes() int {
	if l == nil {
		return 0
	}
	return l.strikes
}
