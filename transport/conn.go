package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"busrpc/codec"
	"busrpc/message"
	"busrpc/protocol"
)

// ConnBus speaks the frame protocol to a hub over one TCP connection.
// Every local address subscribed through it shares the connection; the hub
// routes by Packet.Recipient.
//
//	Subscribe(addr-1) ──Bind──┐
//	Send(pkt)        ──Packet─┼──→ single TCP conn ──→ hub
//	Subscribe(addr-2) ──Bind──┘
//
//	recvLoop:  ←── Packet(to=addr-2) → handlers[addr-2]
type ConnBus struct {
	conn    net.Conn
	codec   codec.Codec
	logger  *zap.Logger
	seq     uint32     // frame counter (protected by sending)
	sending sync.Mutex // one frame on the wire at a time

	mu       sync.Mutex
	handlers map[string]*subscriber

	closed  atomic.Bool
	done    chan struct{}
	readErr error // set before done is closed
}

type subscriber struct {
	ctx context.Context
	h   Handler
}

// DialConnBus connects to a hub at addr.
func DialConnBus(ctx context.Context, addr string, t codec.Type, logger *zap.Logger) (*ConnBus, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", addr, err)
	}
	return NewConnBus(conn, t, logger)
}

// NewConnBus wraps conn and starts two background goroutines:
//   - recvLoop: reads frames and dispatches packets to subscribers
//   - heartbeatLoop: sends periodic heartbeat frames so the hub can detect dead peers
func NewConnBus(conn net.Conn, t codec.Type, logger *zap.Logger) (*ConnBus, error) {
	c, err := codec.Get(t)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &ConnBus{
		conn:     conn,
		codec:    c,
		logger:   logger,
		handlers: make(map[string]*subscriber),
		done:     make(chan struct{}),
	}
	go b.recvLoop()
	go b.heartbeatLoop(30 * time.Second)
	return b, nil
}

// writeFrame writes one frame; a non-zero deadline bounds the write.
//
// A failed write may leave part of a frame on the stream, after which the
// hub can no longer find frame boundaries, so the connection is closed and
// every later call returns ErrBusClosed.
func (b *ConnBus) writeFrame(ft protocol.FrameType, body []byte, deadline time.Time) error {
	if uint64(len(body)) > uint64(protocol.MaxBodySize) {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	b.sending.Lock()
	defer b.sending.Unlock()
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !deadline.IsZero() {
		b.conn.SetWriteDeadline(deadline)
		defer b.conn.SetWriteDeadline(time.Time{})
	}
	b.seq++
	err := protocol.Encode(b.conn, &protocol.Header{
		CodecType: byte(b.codec.Type()),
		FrameType: ft,
		Seq:       b.seq,
	}, body)
	if err != nil {
		b.logger.Warn("closing hub connection after failed write", zap.Uint32("seq", b.seq), zap.Error(err))
		b.closed.Store(true)
		b.conn.Close()
	}
	return err
}

func (b *ConnBus) Send(ctx context.Context, pkt *message.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := b.codec.Encode(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	deadline, _ := ctx.Deadline()
	if err := b.writeFrame(protocol.FrameTypePacket, body, deadline); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("send to %s: %w", pkt.Recipient, context.DeadlineExceeded)
		}
		return fmt.Errorf("send to %s: %w", pkt.Recipient, err)
	}
	return nil
}

// Subscribe binds address on the hub and blocks until ctx is done or the
// connection fails.
func (b *ConnBus) Subscribe(ctx context.Context, address string, h Handler) error {
	b.mu.Lock()
	if _, ok := b.handlers[address]; ok {
		b.mu.Unlock()
		return ErrAlreadySubscribed
	}
	b.handlers[address] = &subscriber{ctx: ctx, h: h}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.handlers, address)
		b.mu.Unlock()
	}()

	if err := b.writeFrame(protocol.FrameTypeBind, []byte(address), time.Time{}); err != nil {
		return fmt.Errorf("bind %s: %w", address, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		if b.readErr != nil && !b.closed.Load() {
			return b.readErr
		}
		return ErrBusClosed
	}
}

// recvLoop is the only reader of the connection; frames must be read
// sequentially to keep their boundaries.
func (b *ConnBus) recvLoop() {
	defer close(b.done)
	for {
		header, body, err := protocol.Decode(b.conn)
		if err != nil {
			if !b.closed.Load() {
				b.logger.Error("hub connection lost", zap.Error(err))
			}
			b.readErr = err
			return
		}
		if header.FrameType != protocol.FrameTypePacket {
			continue
		}

		c, err := codec.Get(codec.Type(header.CodecType))
		if err != nil {
			b.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		var pkt message.Packet
		if err := c.Decode(body, &pkt); err != nil {
			b.logger.Warn("dropping undecodable packet", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}

		b.mu.Lock()
		sub, ok := b.handlers[pkt.Recipient]
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("no subscriber for packet", zap.String("to", pkt.Recipient))
			continue
		}
		sub.h(sub.ctx, &pkt)
	}
}

func (b *ConnBus) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.writeFrame(protocol.FrameTypeHeartbeat, nil, time.Time{}); err != nil {
				return
			}
		}
	}
}

// Conn returns the underlying connection.
func (b *ConnBus) Conn() net.Conn {
	return b.conn
}

func (b *ConnBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}
