package transport

import (
	"context"
	"sync"

	"busrpc/message"
)

// MemoryBus is an in-process Bus. Packets for an address are queued until a
// subscriber drains them, so senders never wait for receivers. State is local
// to the process; use it for tests and single-binary deployments.
type MemoryBus struct {
	mu     sync.Mutex
	boxes  map[string]*mailbox
	done   chan struct{}
	closed bool
}

type mailbox struct {
	mu         sync.Mutex
	queue      []*message.Packet
	notify     chan struct{} // capacity 1; signalled on every enqueue
	subscribed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		boxes: make(map[string]*mailbox),
		done:  make(chan struct{}),
	}
}

func (b *MemoryBus) box(address string) (*mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	mb, ok := b.boxes[address]
	if !ok {
		mb = &mailbox{notify: make(chan struct{}, 1)}
		b.boxes[address] = mb
	}
	return mb, nil
}

func (b *MemoryBus) Send(ctx context.Context, pkt *message.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb, err := b.box(pkt.Recipient)
	if err != nil {
		return err
	}

	// Copy so the sender may reuse its packet.
	cp := *pkt
	cp.Body = append([]message.Message(nil), pkt.Body...)

	mb.mu.Lock()
	mb.queue = append(mb.queue, &cp)
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, address string, h Handler) error {
	mb, err := b.box(address)
	if err != nil {
		return err
	}

	mb.mu.Lock()
	if mb.subscribed {
		mb.mu.Unlock()
		return ErrAlreadySubscribed
	}
	mb.subscribed = true
	mb.mu.Unlock()

	defer func() {
		mb.mu.Lock()
		mb.subscribed = false
		mb.mu.Unlock()
	}()

	for {
		mb.mu.Lock()
		pending := mb.queue
		mb.queue = nil
		mb.mu.Unlock()

		for _, pkt := range pending {
			h(ctx, pkt)
		}

		select {
		case <-mb.notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrBusClosed
		}
	}
}

// Pending returns the number of packets queued for address and not yet delivered.
func (b *MemoryBus) Pending(address string) int {
	b.mu.Lock()
	mb, ok := b.boxes[address]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Cleanup drops queued packets for address, and the mailbox itself when
// nobody is subscribed to it.
func (b *MemoryBus) Cleanup(ctx context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.boxes[address]
	if !ok {
		return nil
	}
	mb.mu.Lock()
	mb.queue = nil
	if !mb.subscribed {
		delete(b.boxes, address)
	}
	mb.mu.Unlock()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
