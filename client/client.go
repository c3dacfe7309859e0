// Package client implements the caller side of the bus RPC protocol.
//
// A Client owns the local reply address and routes every inbound packet to
// the Session whose thread it carries. A Session talks to one service and
// correlates replies to its Requests by thread trace:
//
//	c := client.NewClient(cfg, bus, client.WithLogger(logger))
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Close()
//
//	s, _ := c.NewSession("opensrf.math")
//	req, _ := s.RequestArgs(ctx, "add", 1, 2)
//	res, _ := req.Recv(ctx, 10*time.Second)
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"busrpc/config"
	"busrpc/loadbalance"
	"busrpc/message"
	"busrpc/middleware"
	"busrpc/transport"
)

// OrphanPolicy decides what PushResponse reports for a response whose
// request is unknown. The session state is never changed either way.
type OrphanPolicy int

const (
	// OrphanLog logs and drops the response.
	OrphanLog OrphanPolicy = iota
	// OrphanReject logs, drops and returns ErrOrphanResponse.
	OrphanReject
)

// maxThreadAttempts bounds how often NewSession retries a thread token that
// is already used by a live session.
const maxThreadAttempts = 3

const cleanupTimeout = 5 * time.Second

type Client struct {
	cfg         *config.Config
	bus         transport.Bus
	logger      *zap.Logger
	picker      loadbalance.Picker
	metrics     *Metrics
	orphans     OrphanPolicy
	newThread   ThreadGenerator
	middlewares []middleware.Middleware
	local       string

	mu       sync.Mutex
	sessions map[string]*Session // keyed by thread
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPicker selects the domain of each new session. The default is the
// first configured domain.
func WithPicker(p loadbalance.Picker) Option {
	return func(c *Client) { c.picker = p }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithOrphanPolicy(p OrphanPolicy) Option {
	return func(c *Client) { c.orphans = p }
}

func WithThreadGenerator(g ThreadGenerator) Option {
	return func(c *Client) { c.newThread = g }
}

// WithMiddleware wraps every send of every session, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mw...) }
}

// WithLocalAddress overrides the address replies are delivered to.
func WithLocalAddress(addr string) Option {
	return func(c *Client) { c.local = addr }
}

func NewClient(cfg *config.Config, bus transport.Bus, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		bus:       bus,
		logger:    zap.NewNop(),
		picker:    loadbalance.First{},
		newThread: UUIDThread,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.local == "" {
		c.local = localAddress(cfg.Domain())
	}
	return c
}

func localAddress(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("client@%s/%s/%s", domain, host, uuid.NewString())
}

func (c *Client) LocalAddress() string { return c.local }

// Start subscribes the local address. Inbound packets are handed to Deliver
// until Close is called or ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		err := c.bus.Subscribe(ctx, c.local, func(ctx context.Context, pkt *message.Packet) {
			if err := c.Deliver(ctx, pkt); err != nil {
				c.logger.Error("deliver packet", zap.String("thread", pkt.Thread), zap.Error(err))
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Error("subscription ended", zap.String("address", c.local), zap.Error(err))
		}
	}()

	c.logger.Debug("client started", zap.String("address", c.local))
	return nil
}

// Close stops the subscription and forgets every session. Requests already
// handed out stay usable but receive nothing further.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, s := range sessions {
		s.Close()
	}

	if cl, ok := c.bus.(transport.Cleaner); ok {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := cl.Cleanup(ctx, c.local); err != nil && !errors.Is(err, transport.ErrBusClosed) {
			return fmt.Errorf("cleanup %s: %w", c.local, err)
		}
	}
	return nil
}

// Lookup returns the live session using thread.
func (c *Client) Lookup(thread string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[thread]
	return s, ok
}

// Sessions returns the number of live sessions.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// NewSession opens a session with service. The configuration is validated
// here, so a missing key surfaces as a *config.Error.
func (c *Client) NewSession(service string, opts ...SessionOption) (*Session, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	domain, err := c.picker.Pick(service, c.cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("pick domain for %s: %w", service, err)
	}
	locale := o.locale
	if locale == "" {
		locale = c.cfg.Locale
	}
	if locale == "" {
		locale = config.DefaultLocale
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	thread := c.newThread()
	for i := 1; i < maxThreadAttempts; i++ {
		if _, taken := c.sessions[thread]; !taken {
			break
		}
		thread = c.newThread()
	}
	if _, taken := c.sessions[thread]; taken {
		return nil, fmt.Errorf("thread %s already in use", thread)
	}

	s := newSession(c, service, domain, c.cfg.RouterName, thread, locale)
	c.sessions[thread] = s
	s.logger.Debug("session created", zap.String("remote", s.RemoteNode()))
	return s, nil
}

func (c *Client) unregister(s *Session) {
	c.mu.Lock()
	if c.sessions[s.Thread()] == s {
		delete(c.sessions, s.Thread())
	}
	c.mu.Unlock()
}

// Deliver routes pkt to the session owning its thread. The session's remote
// node is pinned to the sender, so follow-up requests go straight to the
// node that answered.
func (c *Client) Deliver(ctx context.Context, pkt *message.Packet) error {
	s, ok := c.Lookup(pkt.Thread)
	if !ok {
		c.logger.Warn("packet for unknown thread dropped",
			zap.String("thread", pkt.Thread), zap.String("from", pkt.Sender))
		return nil
	}
	if pkt.Sender != "" {
		s.transport.SetRemoteNode(pkt.Sender)
	}

	var errs []error
	for i := range pkt.Body {
		if err := s.handle(&pkt.Body[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
