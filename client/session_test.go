package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busrpc/message"
	"busrpc/middleware"
	"busrpc/transport"
)

func TestRequestIDsStartAtZero(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	ctx := context.Background()

	r0, err := s.RequestNoParams(ctx, "a")
	require.NoError(t, err)
	r1, err := s.Request(ctx, "b", []any{1})
	require.NoError(t, err)

	assert.Equal(t, 0, r0.ID())
	assert.Equal(t, 1, r1.ID())
	assert.Equal(t, "b", r1.Method())
	assert.Equal(t, []any{1}, r1.Params())
	assert.Equal(t, 2, s.Pending())
}

func TestConcurrentRequestIDs(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last = -1
			for j := 0; j < 4; j++ {
				req, err := s.RequestNoParams(context.Background(), "ping")
				if err != nil {
					t.Errorf("request failed: %v", err)
					return
				}
				if req.ID() <= last {
					t.Errorf("ids not increasing: %d after %d", req.ID(), last)
				}
				last = req.ID()
				mu.Lock()
				ids = append(ids, req.ID())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Ints(ids)
	require.Len(t, ids, n*4)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}
	assert.Equal(t, n*4, s.Pending())
}

func TestSessionAddressing(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("foo", WithLocale("fr-CA"))
	require.NoError(t, err)

	assert.Equal(t, "foo", s.Service())
	assert.Equal(t, "example.org", s.Domain())
	assert.Equal(t, "router", s.Router())
	assert.Equal(t, "router@example.org/foo", s.OriginalRemoteNode())
	assert.Equal(t, "router@example.org/foo", s.RemoteNode())
	assert.Equal(t, "fr-CA", s.Locale())
	assert.Equal(t, transport.Disconnected, s.State())

	s.transport.SetRemoteNode("opensrf@example.org/foo_drone")
	s.ResetRemoteID()
	assert.Equal(t, "router@example.org/foo", s.RemoteNode())
}

func TestRequestResetsRemoteWhenNotConnected(t *testing.T) {
	c, bus := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	ctx := context.Background()
	drone := "opensrf@example.org/foo_drone"

	// Pinned but not connected: the request goes through the router.
	require.NoError(t, deliver(t, c, s, drone, message.NewStatus(0, message.StatusContinue, "Continue")))
	require.Equal(t, drone, s.RemoteNode())
	_, err = s.RequestNoParams(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, s.OriginalRemoteNode(), s.RemoteNode())
	assert.Equal(t, 1, bus.Pending(s.OriginalRemoteNode()))

	// Connected: the request follows the pinned node.
	require.NoError(t, deliver(t, c, s, drone, message.NewStatus(0, message.StatusOK, "Connection Successful")))
	require.Equal(t, transport.Connected, s.State())
	_, err = s.RequestNoParams(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, drone, s.RemoteNode())
	assert.Equal(t, 1, bus.Pending(drone))
}

func TestSendErrorKeepsRequest(t *testing.T) {
	c, bus := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	bus.Close()

	req, err := s.RequestNoParams(context.Background(), "ping")
	assert.Nil(t, req)
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, serr.ID)
	assert.Equal(t, "ping", serr.Method)
	assert.ErrorIs(t, err, transport.ErrBusClosed)

	_, ok := s.FindRequest(serr.ID)
	assert.True(t, ok)
	s.CleanupRequest(serr.ID)
	assert.Equal(t, 0, s.Pending())
}

func TestSessionMiddleware(t *testing.T) {
	var calls int
	var mu sync.Mutex
	count := func(next middleware.SendFunc) middleware.SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return next(ctx, pkt)
		}
	}
	reject := errors.New("rejected")
	deny := func(next middleware.SendFunc) middleware.SendFunc {
		return func(ctx context.Context, pkt *message.Packet) error { return reject }
	}

	c, _ := newTestClient(t, WithMiddleware(count))
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	_, err = s.RequestNoParams(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c2, _ := newTestClient(t, WithMiddleware(deny))
	s2, err := c2.NewSession("foo")
	require.NoError(t, err)
	_, err = s2.RequestNoParams(context.Background(), "ping")
	assert.ErrorIs(t, err, reject)
}

func TestOrphanResponse(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	req, err := s.RequestNoParams(context.Background(), "ping")
	require.NoError(t, err)

	orphan, err := message.NewResult(99, "late")
	require.NoError(t, err)
	assert.NoError(t, s.PushResponse(orphan))
	assert.Equal(t, 1, s.Pending())

	_, err = req.Recv(context.Background(), 0)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestOrphanReject(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, _ := newTestClient(t, WithOrphanPolicy(OrphanReject), WithMetrics(m))
	s, err := c.NewSession("foo")
	require.NoError(t, err)

	orphan, err := message.NewResult(3, "late")
	require.NoError(t, err)
	assert.ErrorIs(t, s.PushResponse(orphan), ErrOrphanResponse)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, transport.Disconnected, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orphans))

	err = deliver(t, c, s, "x", orphan)
	assert.ErrorIs(t, err, ErrOrphanResponse)
}

func TestPushResponseThenRecv(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := s.RequestNoParams(context.Background(), "ping")
		require.NoError(t, err)
	}

	res, err := message.NewResult(7, 42)
	require.NoError(t, err)
	require.NoError(t, s.PushResponse(res))

	req, ok := s.FindRequest(7)
	require.True(t, ok)
	got, err := req.Recv(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, got.StatusCode)
	var n int
	require.NoError(t, got.Decode(&n))
	assert.Equal(t, 42, n)
}

func TestCleanupRequestIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, _ := newTestClient(t, WithMetrics(m))
	s, err := c.NewSession("foo")
	require.NoError(t, err)

	req, err := s.RequestNoParams(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pending))

	req.Cleanup()
	s.CleanupRequest(req.ID())
	s.CleanupRequest(12345)
	_, ok := s.FindRequest(req.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests))
}

func TestConnectDisconnect(t *testing.T) {
	c, bus := newTestClient(t)
	svc := arithService(t)
	serve(t, bus, svc, "math")
	s, err := c.NewSession("math")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx, timeout))
	assert.Equal(t, transport.Connected, s.State())
	require.NoError(t, s.Connect(ctx, timeout))

	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, transport.Disconnected, s.State())
	require.NoError(t, s.Disconnect(ctx))

	assert.Eventually(t, func() bool { return len(svc.Received()) == 2 }, timeout, tick)
	types := []message.Type{svc.Received()[0].Body[0].Type, svc.Received()[1].Body[0].Type}
	assert.Equal(t, []message.Type{message.TypeConnect, message.TypeDisconnect}, types)
}

func TestConnectTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("nobody")
	require.NoError(t, err)

	err = s.Connect(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, transport.Disconnected, s.State())
}

func TestConnectNotFoundLeavesFirstRequest(t *testing.T) {
	c, _ := newTestClient(t)
	s, err := c.NewSession("nobody")
	require.NoError(t, err)
	ctx := context.Background()

	req, err := s.RequestNoParams(ctx, "ping")
	require.NoError(t, err)
	require.Equal(t, 0, req.ID())

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(ctx, timeout) }()
	require.Eventually(t, func() bool { return s.State() == transport.Connecting }, timeout, tick)

	require.NoError(t, deliver(t, c, s, "hub", message.NewStatus(0, message.StatusNotFound, "Recipient not found")))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	case <-time.After(timeout):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, transport.Disconnected, s.State())

	assert.False(t, req.Complete())
	_, err = req.Recv(ctx, 0)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestSessionCloseReleasesRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, _ := newTestClient(t, WithMetrics(m))
	s, err := c.NewSession("foo")
	require.NoError(t, err)
	req, err := s.RequestNoParams(context.Background(), "ping")
	require.NoError(t, err)

	s.Close()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))

	req.PushResponse(&Result{StatusCode: message.StatusOK, Content: []byte(`1`)})
	res, err := req.Recv(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, res.StatusCode)
}
