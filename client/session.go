package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"busrpc/message"
	"busrpc/transport"
)

type sessionOptions struct {
	locale string
}

type SessionOption func(*sessionOptions)

// WithLocale overrides the configured locale for one session.
func WithLocale(locale string) SessionOption {
	return func(o *sessionOptions) { o.locale = locale }
}

// Session is a conversation with one service. Requests get consecutive ids
// starting at 0; replies are matched to them by thread trace.
//
// All methods are safe for concurrent use.
type Session struct {
	client             *Client
	service            string
	domain             string
	router             string
	originalRemoteNode string
	transport          *transport.Session
	logger             *zap.Logger

	mu       sync.Mutex
	nextID   int
	requests map[int]*Request
}

func newSession(c *Client, service, domain, router, thread, locale string) *Session {
	orig := fmt.Sprintf("%s@%s/%s", router, domain, service)
	return &Session{
		client:             c,
		service:            service,
		domain:             domain,
		router:             router,
		originalRemoteNode: orig,
		transport: transport.NewSession(c.bus, transport.SessionConfig{
			LocalAddress: c.local,
			Thread:       thread,
			Locale:       locale,
			RemoteNode:   orig,
			Middleware:   c.middlewares,
		}),
		logger:   c.logger.With(zap.String("service", service), zap.String("thread", thread)),
		requests: make(map[int]*Request),
	}
}

func (s *Session) Service() string            { return s.service }
func (s *Session) Domain() string             { return s.domain }
func (s *Session) Router() string             { return s.router }
func (s *Session) OriginalRemoteNode() string { return s.originalRemoteNode }
func (s *Session) Thread() string             { return s.transport.Thread() }
func (s *Session) Locale() string             { return s.transport.Locale() }
func (s *Session) RemoteNode() string         { return s.transport.RemoteNode() }
func (s *Session) State() transport.State     { return s.transport.State() }

// Pending returns the number of registered requests.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// ResetRemoteID routes the next send through the router again.
func (s *Session) ResetRemoteID() {
	s.transport.SetRemoteNode(s.originalRemoteNode)
	s.logger.Debug("remote node reset", zap.String("remote", s.originalRemoteNode))
}

// Request registers a new request for method and sends it. params may be nil.
//
// A bus failure is returned as a *SendError; the request stays registered
// under SendError.ID until CleanupRequest is called.
func (s *Session) Request(ctx context.Context, method string, params []any) (*Request, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	req := newRequest(s, id, method, params)
	if s.transport.State() != transport.Connected {
		s.ResetRemoteID()
	}
	s.requests[id] = req
	s.mu.Unlock()

	s.client.metrics.request()
	s.logger.Debug("sending request", zap.String("method", method), zap.Int("id", id))

	if err := req.Send(ctx); err != nil {
		s.client.metrics.sendError()
		return nil, &SendError{ID: id, Method: method, Err: err}
	}
	return req, nil
}

// RequestArgs is Request with variadic params.
func (s *Session) RequestArgs(ctx context.Context, method string, params ...any) (*Request, error) {
	return s.Request(ctx, method, params)
}

// RequestNoParams sends method with an empty parameter list.
func (s *Session) RequestNoParams(ctx context.Context, method string) (*Request, error) {
	return s.Request(ctx, method, nil)
}

// FindRequest returns the registered request with id.
func (s *Session) FindRequest(id int) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	return req, ok
}

// CleanupRequest forgets request id. Unknown ids are ignored.
func (s *Session) CleanupRequest(id int) {
	s.mu.Lock()
	_, ok := s.requests[id]
	delete(s.requests, id)
	s.mu.Unlock()
	if ok {
		s.client.metrics.released(1)
	}
}

// PushResponse converts msg into a Result and queues it on the request named
// by its thread trace. A response without a matching request is dropped and
// reported according to the client's OrphanPolicy.
func (s *Session) PushResponse(msg *message.Message) error {
	req, ok := s.FindRequest(msg.ThreadTrace)
	if !ok {
		return s.orphan(msg.ThreadTrace)
	}
	p, err := msg.Result()
	if err != nil {
		return err
	}
	req.PushResponse(&Result{Status: p.Status, StatusCode: p.StatusCode, Content: p.Content})
	s.client.metrics.response()
	return nil
}

func (s *Session) orphan(id int) error {
	s.client.metrics.orphan()
	s.logger.Warn("no request found for response", zap.Int("id", id))
	if s.client.orphans == OrphanReject {
		return fmt.Errorf("thread trace %d: %w", id, ErrOrphanResponse)
	}
	return nil
}

// SetRequestComplete marks request id complete. Unknown ids are ignored.
func (s *Session) SetRequestComplete(id int) {
	if req, ok := s.FindRequest(id); ok {
		req.SetComplete()
	}
}

// ResetRequestTimeout restarts the Recv timer of request id.
func (s *Session) ResetRequestTimeout(id int) {
	if req, ok := s.FindRequest(id); ok {
		req.ResetTimeout()
	}
}

// Connect sends CONNECT through the router and waits up to timeout for the
// service to accept. It is a no-op on a connected session.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	if s.State() == transport.Connected {
		return nil
	}
	s.ResetRemoteID()
	s.transport.SetState(transport.Connecting)
	if err := s.transport.Send(ctx, message.NewConnect()); err != nil {
		s.transport.SetState(transport.Disconnected)
		return fmt.Errorf("connect to %s: %w", s.service, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.transport.WaitState(ctx, transport.Connected); err != nil {
		s.transport.SetState(transport.Disconnected)
		return fmt.Errorf("unable to connect to %s: %w", s.service, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and marks the session disconnected even if the
// send fails.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.State() == transport.Disconnected {
		return nil
	}
	err := s.transport.Send(ctx, message.NewDisconnect())
	s.transport.SetState(transport.Disconnected)
	if err != nil {
		return fmt.Errorf("disconnect from %s: %w", s.service, err)
	}
	return nil
}

// Close removes the session from its client and forgets its requests.
func (s *Session) Close() {
	s.client.unregister(s)
	s.mu.Lock()
	n := len(s.requests)
	s.requests = make(map[int]*Request)
	s.mu.Unlock()
	s.client.metrics.released(n)
}

func (s *Session) handle(msg *message.Message) error {
	switch msg.Type {
	case message.TypeResult:
		return s.PushResponse(msg)
	case message.TypeStatus:
		return s.handleStatus(msg)
	default:
		s.logger.Warn("unexpected message type", zap.String("type", string(msg.Type)), zap.Int("id", msg.ThreadTrace))
		return nil
	}
}

func (s *Session) handleStatus(msg *message.Message) error {
	p, err := msg.Result()
	if err != nil {
		s.logger.Warn("malformed status", zap.Error(err))
		return err
	}
	id := msg.ThreadTrace

	switch code := p.StatusCode; {
	case code == message.StatusComplete:
		s.SetRequestComplete(id)
	case code == message.StatusOK:
		s.transport.SetState(transport.Connected)
	case code == message.StatusContinue:
		s.ResetRequestTimeout(id)
	case code == message.StatusTimeout:
		s.transport.SetState(transport.Disconnected)
	case code == message.StatusRedirected:
		s.transport.SetState(transport.Disconnected)
		s.ResetRemoteID()
	case code >= message.StatusBadRequest && s.State() == transport.Connecting:
		// CONNECT shares thread trace 0 with the first request; while a
		// connect is pending the failure belongs to the connect.
		s.logger.Error("connect failed", zap.Int("code", code), zap.String("status", p.Status))
		s.transport.SetState(transport.Disconnected)
	case code >= message.StatusBadRequest:
		s.logger.Error("request failed", zap.Int("id", id), zap.Int("code", code), zap.String("status", p.Status))
		if code == message.StatusNotFound {
			s.transport.SetState(transport.Disconnected)
		}
		req, ok := s.FindRequest(id)
		if !ok {
			return s.orphan(id)
		}
		req.PushResponse(&Result{Status: p.Status, StatusCode: code})
		req.SetComplete()
	default:
		s.logger.Warn("unexpected status", zap.Int("id", id), zap.Int("code", code), zap.String("status", p.Status))
	}
	return nil
}
