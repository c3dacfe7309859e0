package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"busrpc/message"
)

// Logging records every packet handed to the bus at debug level and failed sends at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error {
			start := time.Now()
			err := next(ctx, pkt)
			fields := []zap.Field{
				zap.String("to", pkt.Recipient),
				zap.String("thread", pkt.Thread),
				zap.Int("messages", len(pkt.Body)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("send failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("packet sent", fields...)
			return nil
		}
	}
}
