// Package middleware wraps the outbound send path of a transport session.
//
// Middlewares compose like an onion: Chain(A, B)(send) runs A, then B, then send.
package middleware

import (
	"context"

	"busrpc/message"
)

// SendFunc hands one packet to the bus.
type SendFunc func(ctx context.Context, pkt *message.Packet) error

type Middleware func(next SendFunc) SendFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next SendFunc) SendFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
