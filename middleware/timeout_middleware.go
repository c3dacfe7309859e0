package middleware

import (
	"context"
	"time"

	"busrpc/message"
)

// Timeout bounds a single send. The bus sees a context that expires after d.
func Timeout(d time.Duration) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, pkt)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
