package client

import (
	"errors"
	"fmt"
)

var (
	// ErrRecvTimeout is returned by Request.Recv when no result arrived in time.
	ErrRecvTimeout = errors.New("timed out waiting for response")
	// ErrOrphanResponse is returned under OrphanReject for a response whose
	// request id is not in the session's table.
	ErrOrphanResponse = errors.New("response has no corresponding request")
	// ErrClientClosed is returned by NewSession after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrNoResult is wrapped by AtomicRequest when the request completed without a result.
	ErrNoResult = errors.New("request completed without a result")
)

// SendError reports that the bus refused a request. The request stays in the
// session's table until CleanupRequest(ID).
type SendError struct {
	ID     int
	Method string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send request %d (%s): %v", e.ID, e.Method, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// StatusError is a non-success status reported by the remote service.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Status)
}

// CallError is the single failure kind of AtomicRequest. StatusCode is zero
// when the call failed before a result arrived.
type CallError struct {
	Service    string
	Method     string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s:%s failed with status code %d: %v", e.Service, e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request %s:%s failed: %v", e.Service, e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
