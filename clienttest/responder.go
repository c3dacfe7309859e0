// Package clienttest provides an in-process service that answers client
// sessions over any transport.Bus.
//
// For every inbound packet the service replies on the same thread:
//
//	CONNECT    → STATUS 200
//	REQUEST    → RESULT 200 (one per handler result) + STATUS 205
//	             a StatusResult keeps its own code
//	unknown    → STATUS 404
//	handler error → STATUS 500
package clienttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"busrpc/message"
	"busrpc/transport"
)

// StatusResult is a handler result sent with its own status line instead of
// 200 OK.
type StatusResult struct {
	Code    int
	Status  string
	Content any
}

// HandlerFunc answers one request. Each returned value is sent as a separate
// RESULT message, in order.
type HandlerFunc func(ctx context.Context, params []json.RawMessage) ([]any, error)

type Service struct {
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	silent    map[string]bool
	replyFrom string
	received  []*message.Packet
}

func NewService(name string) *Service {
	return &Service{
		name:     name,
		logger:   zap.NewNop(),
		handlers: make(map[string]HandlerFunc),
		silent:   make(map[string]bool),
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) SetLogger(l *zap.Logger) { s.logger = l }

// Handle registers fn for method, replacing any previous handler.
func (s *Service) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Silent makes the service swallow requests for method without replying.
func (s *Service) Silent(method string) {
	s.mu.Lock()
	s.silent[method] = true
	s.mu.Unlock()
}

// ReplyFrom sets the sender address of replies. By default replies come from
// the address the request was delivered to.
func (s *Service) ReplyFrom(address string) {
	s.mu.Lock()
	s.replyFrom = address
	s.mu.Unlock()
}

// Received returns every packet delivered so far.
func (s *Service) Received() []*message.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Packet(nil), s.received...)
}

// Serve answers packets delivered to address until ctx is done.
func (s *Service) Serve(ctx context.Context, bus transport.Bus, address string) error {
	return bus.Subscribe(ctx, address, func(ctx context.Context, pkt *message.Packet) {
		s.handlePacket(ctx, bus, address, pkt)
	})
}

func (s *Service) handlePacket(ctx context.Context, bus transport.Bus, address string, pkt *message.Packet) {
	s.mu.Lock()
	s.received = append(s.received, pkt)
	from := s.replyFrom
	s.mu.Unlock()
	if from == "" {
		from = address
	}

	var replies []message.Message
	for i := range pkt.Body {
		replies = append(replies, s.reply(ctx, &pkt.Body[i])...)
	}
	if len(replies) == 0 {
		return
	}

	err := bus.Send(ctx, &message.Packet{
		Recipient: pkt.Sender,
		Sender:    from,
		Thread:    pkt.Thread,
		Locale:    pkt.Locale,
		Body:      replies,
	})
	if err != nil {
		s.logger.Error("send reply", zap.String("to", pkt.Sender), zap.Error(err))
	}
}

func (s *Service) reply(ctx context.Context, msg *message.Message) []message.Message {
	id := msg.ThreadTrace
	switch msg.Type {
	case message.TypeConnect:
		return []message.Message{*message.NewStatus(id, message.StatusOK, "Connection Successful")}
	case message.TypeRequest:
	default:
		return nil
	}

	var m struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return []message.Message{*message.NewStatus(id, message.StatusBadRequest, err.Error())}
	}

	s.mu.Lock()
	fn, ok := s.handlers[m.Method]
	silent := s.silent[m.Method]
	s.mu.Unlock()

	if silent {
		return nil
	}
	if !ok {
		status := fmt.Sprintf("Method [%s] not found for %s", m.Method, s.name)
		return []message.Message{*message.NewStatus(id, message.StatusNotFound, status)}
	}

	results, err := fn(ctx, m.Params)
	if err != nil {
		s.logger.Debug("handler failed", zap.String("method", m.Method), zap.Error(err))
		return []message.Message{*message.NewStatus(id, message.StatusInternalServerError, err.Error())}
	}

	out := make([]message.Message, 0, len(results)+1)
	for _, r := range results {
		var (
			res *message.Message
			err error
		)
		if sr, ok := r.(StatusResult); ok {
			res, err = message.NewResultStatus(id, sr.Code, sr.Status, sr.Content)
		} else {
			res, err = message.NewResult(id, r)
		}
		if err != nil {
			return []message.Message{*message.NewStatus(id, message.StatusInternalServerError, err.Error())}
		}
		out = append(out, *res)
	}
	return append(out, *message.NewStatus(id, message.StatusComplete, "Request Complete"))
}
