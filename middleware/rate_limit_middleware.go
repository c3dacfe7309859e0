package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"busrpc/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects sends beyond r packets per second (token bucket of size burst).
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, pkt)
		}
	}
}
