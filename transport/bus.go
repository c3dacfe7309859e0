// Package transport is the client's view of the message bus.
//
// A Bus moves Packets between addresses and is store-and-forward: Send returns
// once the bus has accepted the packet, and delivery to the recipient happens
// later on the recipient's Subscribe loop. A Session layers the per-conversation
// state on top of a Bus: connection state, locale, thread and the remote node
// packets are currently addressed to.
package transport

import (
	"context"
	"errors"

	"busrpc/message"
)

var (
	// ErrBusClosed is returned by Send and Subscribe after Close.
	ErrBusClosed = errors.New("bus closed")
	// ErrAlreadySubscribed is returned when an address already has a subscriber.
	ErrAlreadySubscribed = errors.New("address already subscribed")
)

// Handler receives packets delivered to a subscribed address. It runs on the
// bus delivery path and must not block.
type Handler func(ctx context.Context, pkt *message.Packet)

type Bus interface {
	// Send hands pkt to the bus for delivery to pkt.Recipient.
	Send(ctx context.Context, pkt *message.Packet) error

	// Subscribe delivers packets addressed to address to h, in arrival order,
	// until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, address string, h Handler) error

	Close() error
}

// Cleaner is implemented by buses that keep per-address state after the
// subscriber goes away.
type Cleaner interface {
	Cleanup(ctx context.Context, address string) error
}
