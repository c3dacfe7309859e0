package transport

import (
	"context"
	"errors"
	"sync"

	"busrpc/message"
	"busrpc/middleware"
)

// ErrNotConnected is returned by WaitState when the session leaves the
// Connecting state without reaching Connected.
var ErrNotConnected = errors.New("session not connected")

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// SessionConfig describes the fixed parts of a Session.
type SessionConfig struct {
	LocalAddress string // where replies for this session are delivered
	Thread       string // groups every packet of the conversation
	Locale       string
	RemoteNode   string // initial recipient
	Middleware   []middleware.Middleware
}

// Session is the per-conversation transport state shared by a client session
// and the delivery path. All methods are safe for concurrent use.
type Session struct {
	local  string
	thread string
	locale string
	send   middleware.SendFunc

	mu         sync.Mutex
	remoteNode string
	state      State
	changed    chan struct{} // closed and replaced on every state change
}

func NewSession(bus Bus, cfg SessionConfig) *Session {
	return &Session{
		local:      cfg.LocalAddress,
		thread:     cfg.Thread,
		locale:     cfg.Locale,
		send:       middleware.Chain(cfg.Middleware...)(bus.Send),
		remoteNode: cfg.RemoteNode,
		changed:    make(chan struct{}),
	}
}

func (s *Session) LocalAddress() string { return s.local }
func (s *Session) Thread() string       { return s.thread }
func (s *Session) Locale() string       { return s.locale }

func (s *Session) RemoteNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteNode
}

func (s *Session) SetRemoteNode(node string) {
	s.mu.Lock()
	s.remoteNode = node
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records a new connection state and wakes WaitState callers.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

// WaitState blocks until the session is in want. While waiting for Connected
// it gives up with ErrNotConnected if the state falls back to Disconnected.
func (s *Session) WaitState(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()

		if state == want {
			return nil
		}
		if want == Connected && state == Disconnected {
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send addresses msgs to the current remote node.
func (s *Session) Send(ctx context.Context, msgs ...*message.Message) error {
	return s.SendTo(ctx, s.RemoteNode(), msgs...)
}

// SendTo wraps msgs in one packet for addr and hands it to the bus.
func (s *Session) SendTo(ctx context.Context, addr string, msgs ...*message.Message) error {
	body := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		body = append(body, *m)
	}
	return s.send(ctx, &message.Packet{
		Recipient: addr,
		Sender:    s.local,
		Thread:    s.thread,
		Locale:    s.locale,
		Body:      body,
	})
}
