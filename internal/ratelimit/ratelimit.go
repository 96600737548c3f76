// Package ratelimit enforces the broker's call budgets. Order submissions
// and cancels draw from the order bucket; polls and lookups draw from the
// info bucket.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter holds the two token buckets shared by every broker caller.
type Limiter struct {
	order *rate.Limiter
	info  *rate.Limiter
}

// NewLimiter creates a limiter with the given sustained rates. Burst equals
// one second of budget so a quiet period cannot bank more than that.
func NewLimiter(orderPerSec, infoPerSec float64) *Limiter {
	return &Limiter{
		order: rate.NewLimiter(rate.Limit(orderPerSec), atLeastOne(orderPerSec)),
		info:  rate.NewLimiter(rate.Limit(infoPerSec), atLeastOne(infoPerSec)),
	}
}

func atLeastOne(perSec float64) int {
	if perSec < 1 {
		return 1
	}
	return int(perSec)
}

// WaitOrder blocks until an order-class token is available.
func (l *Limiter) WaitOrder(ctx context.Context) error {
	return l.order.Wait(ctx)
}

// WaitInfo blocks until an info-class token is available.
func (l *Limiter) WaitInfo(ctx context.Context) error {
	return l.info.Wait(ctx)
}

// AllowOrder reports whether an order token is available right now, without
// consuming wait time. Used by tests.
func (l *Limiter) AllowOrder() bool {
	return l.order.Allow()
}

// AllowInfo reports whether an info token is available right now.
func (l *Limiter) AllowInfo() bool {
	return l.info.Allow()
}
