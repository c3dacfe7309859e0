package middleware

import (
	"context"
	"errors"
	"time"

	"busrpc/message"
)

type temporary interface {
	Temporary() bool
}

// Retryable reports whether a failed send may be attempted again.
func Retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// Retry resends after retryable failures with exponential backoff starting at baseDelay.
// Duplicate delivery is possible when a send times out after reaching the bus.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error {
			err := next(ctx, pkt)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				select {
				case <-ctx.Done():
					return err
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				err = next(ctx, pkt)
			}
			return err
		}
	}
}
