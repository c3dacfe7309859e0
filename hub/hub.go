// Package hub implements the TCP rendezvous point that ConnBus peers dial.
//
// Each peer claims addresses with Bind frames. A Packet frame is forwarded
// unchanged to the peer bound to its Recipient:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  Bind   → binds[address] = peer
//	  Packet → decode Recipient → write frame to binds[Recipient]
//
// A packet for an unbound address is answered with STATUS 404 on behalf of
// the missing recipient, so the caller fails fast instead of timing out.
//
// Writes to a peer are bounded by the write timeout. A peer that stops
// reading is disconnected and its addresses unbound, so it cannot stall the
// peers that send to it.
package hub

import (
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

// DefaultWriteTimeout bounds one frame write to a peer.
const DefaultWriteTimeout = 5 * time.Second

// Hub routes frames between connected peers.
type Hub struct {
	logger       *zap.Logger
	writeTimeout atomic.Int64 // nanoseconds
	listener net.Listener
	wg       sync.WaitGroup // tracks open connections for Shutdown
	shutdown atomic.Bool    // set before the listener is closed

	mu    sync.Mutex
	binds map[string]*peer
	peers map[*peer]struct{}
}

type peer struct {
	conn    net.Conn
	writeMu sync.Mutex // one frame on the wire at a time
	seq     uint32     // protected by writeMu
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger: logger,
		binds:  make(map[string]*peer),
		peers:  make(map[*peer]struct{}),
	}
	h.writeTimeout.Store(int64(DefaultWriteTimeout))
	return h
}

// SetWriteTimeout changes the bound on a single frame write. Zero or less
// restores DefaultWriteTimeout.
func (h *Hub) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	h.writeTimeout.Store(int64(d))
}

// ListenAndServe listens on the TCP address and calls Serve.
func (h *Hub) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return h.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (h *Hub) Serve(ln net.Listener) error {
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	if h.shutdown.Load() {
		ln.Close()
		return nil
	}
	h.logger.Info("hub listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.shutdown.Load() {
				return nil
			}
			return err
		}
		p := &peer{conn: conn}
		h.mu.Lock()
		h.peers[p] = struct{}{}
		if h.shutdown.Load() {
			conn.Close()
		}
		h.mu.Unlock()

		h.wg.Add(1)
		go h.handleConn(p)
	}
}

// Addr returns the listening address, or nil before Serve.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Bound reports whether some peer has claimed address.
func (h *Hub) Bound(address string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.binds[address]
	return ok
}

func (h *Hub) handleConn(p *peer) {
	defer h.wg.Done()
	defer h.drop(p)

	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			if !h.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("peer gone", zap.String("remote", p.conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch header.FrameType {
		case protocol.FrameTypeHeartbeat:
		case protocol.FrameTypeBind:
			address := string(body)
			h.mu.Lock()
			h.binds[address] = p
			h.mu.Unlock()
			h.logger.Debug("address bound", zap.String("address", address))
		case protocol.FrameTypePacket:
			h.forward(p, header, body)
		}
	}
}

func (h *Hub) forward(from *peer, header *protocol.Header, body []byte) {
	c, err := codec.Get(codec.Type(header.CodecType))
	if err != nil {
		h.logger.Warn("dropping frame", zap.Error(err))
		return
	}
	var pkt message.Packet
	if err := c.Decode(body, &pkt); err != nil {
		h.logger.Warn("dropping undecodable packet", zap.Error(err))
		return
	}

	h.mu.Lock()
	dst, ok := h.binds[pkt.Recipient]
	h.mu.Unlock()
	if ok {
		if err := h.write(dst, protocol.FrameTypePacket, header.CodecType, body); err != nil {
			h.logger.Warn("forward failed, dropping peer", zap.String("to", pkt.Recipient), zap.Error(err))
			h.drop(dst)
		}
		return
	}

	h.logger.Debug("no peer for recipient", zap.String("to", pkt.Recipient), zap.String("from", pkt.Sender))
	h.bounce(from, c, &pkt)
}

// bounce answers every REQUEST and CONNECT in pkt with STATUS 404.
func (h *Hub) bounce(to *peer, c codec.Codec, pkt *message.Packet) {
	var replies []message.Message
	for _, m := range pkt.Body {
		if m.Type != message.TypeRequest && m.Type != message.TypeConnect {
			continue
		}
		status := fmt.Sprintf("Service %s not found", pkt.Recipient)
		replies = append(replies, *message.NewStatus(m.ThreadTrace, message.StatusNotFound, status))
	}
	if len(replies) == 0 || pkt.Sender == "" {
		return
	}
	body, err := c.Encode(&message.Packet{
		Recipient: pkt.Sender,
		Sender:    pkt.Recipient,
		Thread:    pkt.Thread,
		Locale:    pkt.Locale,
		Body:      replies,
	})
	if err != nil {
		h.logger.Error("encode bounce", zap.Error(err))
		return
	}
	if err := h.write(to, protocol.FrameTypePacket, byte(c.Type()), body); err != nil {
		h.logger.Warn("bounce failed, dropping peer", zap.String("to", pkt.Sender), zap.Error(err))
		h.drop(to)
	}
}

// write sends one frame to p within the hub's write timeout. A failed write
// may leave a partial frame on the stream; the caller must drop p.
func (h *Hub) write(p *peer, ft protocol.FrameType, codecType byte, body []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(time.Duration(h.writeTimeout.Load())))
	defer p.conn.SetWriteDeadline(time.Time{})
	p.seq++
	return protocol.Encode(p.conn, &protocol.Header{
		CodecType: codecType,
		FrameType: ft,
		Seq:       p.seq,
		BodyLen:   uint32(len(body)),
	}, body)
}

func (h *Hub) drop(p *peer) {
	p.conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
	for address, bound := range h.binds {
		if bound == p {
			delete(h.binds, address)
		}
	}
}

// Shutdown stops accepting, closes every peer connection and waits for the
// connection goroutines to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.shutdown.Store(true)

	h.mu.Lock()
	if h.listener != nil {
		h.listener.Close()
	}
	for p := range h.peers {
		p.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for peer connections to close")
	}
}
