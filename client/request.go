package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"busrpc/message"
)

// Request is one outstanding call within a Session. Results pushed by the
// delivery path queue up in arrival order until Recv takes them.
type Request struct {
	session *Session
	id      int
	method  string
	params  []any

	mu       sync.Mutex
	queue    []*Result
	complete bool
	reset    bool
	notify   chan struct{} // capacity 1, signalled on every change
}

func newRequest(s *Session, id int, method string, params []any) *Request {
	return &Request{
		session: s,
		id:      id,
		method:  method,
		params:  params,
		notify:  make(chan struct{}, 1),
	}
}

func (r *Request) ID() int        { return r.id }
func (r *Request) Method() string { return r.method }
func (r *Request) Params() []any  { return r.params }

// Send transmits the request to the session's current remote node.
func (r *Request) Send(ctx context.Context) error {
	msg, err := message.NewRequest(r.id, r.session.Locale(), r.method, r.params)
	if err != nil {
		return err
	}
	return r.session.transport.Send(ctx, msg)
}

// PushResponse queues res. It never blocks.
func (r *Request) PushResponse(res *Result) {
	r.mu.Lock()
	r.queue = append(r.queue, res)
	r.mu.Unlock()
	r.signal()
}

// SetComplete records that the service will send no more results.
func (r *Request) SetComplete() {
	r.mu.Lock()
	r.complete = true
	r.mu.Unlock()
	r.signal()
}

func (r *Request) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

// ResetTimeout restarts the timer of a Recv in progress.
func (r *Request) ResetTimeout() {
	r.mu.Lock()
	r.reset = true
	r.mu.Unlock()
	r.signal()
}

func (r *Request) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Recv returns the oldest queued result. With an empty queue it waits until
// a result arrives, the request completes (io.EOF), timeout elapses
// (ErrRecvTimeout) or ctx is done. A negative timeout waits without bound.
func (r *Request) Recv(ctx context.Context, timeout time.Duration) (*Result, error) {
	var (
		timer   *time.Timer
		expired <-chan time.Time
	)
	if timeout >= 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			res := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return res, nil
		}
		if r.complete {
			r.mu.Unlock()
			return nil, io.EOF
		}
		reset := r.reset
		r.reset = false
		r.mu.Unlock()

		if reset && timer != nil {
			timer.Reset(timeout)
		}

		select {
		case <-r.notify:
		case <-expired:
			return nil, ErrRecvTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cleanup removes the request from its session.
func (r *Request) Cleanup() {
	r.session.CleanupRequest(r.id)
}

// Result is one response to a Request.
type Result struct {
	Status     string
	StatusCode int
	Content    json.RawMessage
}

// Decode unmarshals the content into v.
func (r *Result) Decode(v any) error {
	if len(r.Content) == 0 {
		return fmt.Errorf("result %d (%s) has no content", r.StatusCode, r.Status)
	}
	return json.Unmarshal(r.Content, v)
}

// Err returns a *StatusError for failure codes and nil otherwise.
func (r *Result) Err() error {
	if r.StatusCode >= message.StatusBadRequest {
		return &StatusError{Code: r.StatusCode, Status: r.Status}
	}
	return nil
}
