package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"busrpc/message"
)

// DefaultAtomicTimeout bounds the wait for the single result of AtomicRequest.
const DefaultAtomicTimeout = 600000 * time.Millisecond

// AtomicRequest calls method on service in a fresh session and returns the
// content of its first result.
func AtomicRequest(ctx context.Context, c *Client, service, method string, params ...any) (json.RawMessage, error) {
	return AtomicRequestTimeout(ctx, c, DefaultAtomicTimeout, service, method, params...)
}

// AtomicRequestTimeout is AtomicRequest with an explicit timeout. Every
// failure is a *CallError; the session and request are released on return.
func AtomicRequestTimeout(ctx context.Context, c *Client, timeout time.Duration, service, method string, params ...any) (json.RawMessage, error) {
	fail := func(code int, err error) error {
		return &CallError{Service: service, Method: method, StatusCode: code, Err: err}
	}

	s, err := c.NewSession(service)
	if err != nil {
		return nil, fail(0, err)
	}
	defer s.Close()

	req, err := s.Request(ctx, method, params)
	if err != nil {
		var serr *SendError
		if errors.As(err, &serr) {
			s.CleanupRequest(serr.ID)
		}
		return nil, fail(0, err)
	}
	defer req.Cleanup()

	res, err := req.Recv(ctx, timeout)
	if errors.Is(err, io.EOF) {
		err = ErrNoResult
	}
	if err != nil {
		return nil, fail(0, err)
	}
	if res.StatusCode != message.StatusOK {
		err := res.Err()
		if err == nil {
			err = fmt.Errorf("unexpected status %d: %s", res.StatusCode, res.Status)
		}
		return nil, fail(res.StatusCode, err)
	}
	return res.Content, nil
}
