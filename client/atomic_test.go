package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrpc/clienttest"
	"busrpc/codec"
	"busrpc/config"
	"busrpc/hub"
	"busrpc/message"
	"busrpc/transport"
)

func TestAtomicRequest(t *testing.T) {
	c, bus := newTestClient(t)
	serve(t, bus, arithService(t), "math")

	content, err := AtomicRequest(context.Background(), c, "math", "Arith.Add", Args{A: 20, B: 22})
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(content, &reply))
	assert.Equal(t, 42, reply.Result)
	assert.Equal(t, 0, c.Sessions())
}

func TestAtomicRequestNotFound(t *testing.T) {
	c, bus := newTestClient(t)
	serve(t, bus, arithService(t), "math")

	_, err := AtomicRequestTimeout(context.Background(), c, timeout, "math", "Arith.Mul", Args{})
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "math", cerr.Service)
	assert.Equal(t, "Arith.Mul", cerr.Method)
	assert.Equal(t, message.StatusNotFound, cerr.StatusCode)
	var serr *StatusError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, c.Sessions())
}

func TestAtomicRequestHandlerError(t *testing.T) {
	c, bus := newTestClient(t)
	svc := clienttest.NewService("math")
	svc.Handle("fail", func(ctx context.Context, params []json.RawMessage) ([]any, error) {
		return nil, errors.New("boom")
	})
	serve(t, bus, svc, "math")

	_, err := AtomicRequestTimeout(context.Background(), c, timeout, "math", "fail")
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, message.StatusInternalServerError, cerr.StatusCode)
}

func TestAtomicRequestNon200(t *testing.T) {
	c, bus := newTestClient(t)
	svc := clienttest.NewService("math")
	svc.Handle("cached", func(ctx context.Context, params []json.RawMessage) ([]any, error) {
		return []any{clienttest.StatusResult{Code: 203, Status: "Non-Authoritative", Content: 7}}, nil
	})
	serve(t, bus, svc, "math")

	content, err := AtomicRequestTimeout(context.Background(), c, timeout, "math", "cached")
	assert.Nil(t, content)
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 203, cerr.StatusCode)
	assert.ErrorContains(t, err, "unexpected status 203")
	var serr *StatusError
	assert.False(t, errors.As(err, &serr))
	assert.Equal(t, 0, c.Sessions())
}

func TestAtomicRequestNoResult(t *testing.T) {
	c, bus := newTestClient(t)
	svc := clienttest.NewService("math")
	svc.Handle("partial", func(ctx context.Context, params []json.RawMessage) ([]any, error) {
		return nil, nil
	})
	serve(t, bus, svc, "math")

	// Completes without a result.
	_, err := AtomicRequestTimeout(context.Background(), c, timeout, "math", "partial")
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 0, cerr.StatusCode)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestAtomicRequestTimeout(t *testing.T) {
	c, bus := newTestClient(t)
	svc := arithService(t)
	svc.Silent("Arith.Add")
	serve(t, bus, svc, "math")

	_, err := AtomicRequestTimeout(context.Background(), c, 50*time.Millisecond, "math", "Arith.Add", Args{})
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 0, cerr.StatusCode)
	assert.ErrorIs(t, err, ErrRecvTimeout)
	assert.Equal(t, 0, c.Sessions())
}

func TestAtomicRequestConfigurationError(t *testing.T) {
	c := NewClient(&config.Config{}, transport.NewMemoryBus())
	_, err := AtomicRequest(context.Background(), c, "math", "Arith.Add")
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, config.ErrMissing)
}

func TestAtomicRequestSendError(t *testing.T) {
	c, bus := newTestClient(t)
	bus.Close()

	_, err := AtomicRequest(context.Background(), c, "math", "Arith.Add")
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	var serr *SendError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, c.Sessions())
}

func TestAtomicRequestOverHub(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := hub.New(nil)
	go h.Serve(ln)
	defer h.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverBus, err := transport.DialConnBus(ctx, ln.Addr().String(), codec.TypeBinary, nil)
	require.NoError(t, err)
	defer serverBus.Close()
	go arithService(t).Serve(ctx, serverBus, "router@example.org/math")
	require.Eventually(t, func() bool { return h.Bound("router@example.org/math") }, timeout, tick)

	clientBus, err := transport.DialConnBus(ctx, ln.Addr().String(), codec.TypeBinary, nil)
	require.NoError(t, err)
	defer clientBus.Close()
	c := NewClient(testConfig(), clientBus)
	require.NoError(t, c.Start(ctx))
	defer c.Close()
	require.Eventually(t, func() bool { return h.Bound(c.LocalAddress()) }, timeout, tick)

	content, err := AtomicRequestTimeout(ctx, c, timeout, "math", "Arith.Add", Args{A: 1, B: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":3}`, string(content))

	// The hub answers for services nobody serves.
	_, err = AtomicRequestTimeout(ctx, c, timeout, "nobody", "Arith.Add")
	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, message.StatusNotFound, cerr.StatusCode)
}
