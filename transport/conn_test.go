package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"busrpc/codec"
	"busrpc/hub"
	"busrpc/message"
)

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := hub.New(nil)
	go h.Serve(ln)
	t.Cleanup(func() { h.Shutdown(time.Second) })
	return h, ln.Addr().String()
}

func TestConnBusRoundTrip(t *testing.T) {
	for _, ct := range []codec.Type{codec.TypeJSON, codec.TypeBinary} {
		h, addr := startHub(t)
		ctx, cancel := context.WithCancel(context.Background())

		a, err := DialConnBus(ctx, addr, ct, zap.NewNop())
		require.NoError(t, err)
		b, err := DialConnBus(ctx, addr, ct, zap.NewNop())
		require.NoError(t, err)

		c := newCollector()
		go b.Subscribe(ctx, "router@example.org/foo", c.handle)
		require.Eventually(t, func() bool { return h.Bound("router@example.org/foo") }, timeout, tick)

		req, err := message.NewRequest(0, "en-US", "echo", []any{"hi"})
		require.NoError(t, err)
		require.NoError(t, a.Send(ctx, &message.Packet{
			Recipient: "router@example.org/foo",
			Sender:    "client@example.org/x",
			Thread:    "t1",
			Body:      []message.Message{*req},
		}))

		pkts := c.wait(t, 1)
		assert.Equal(t, "client@example.org/x", pkts[0].Sender)
		assert.Equal(t, message.TypeRequest, pkts[0].Body[0].Type)

		cancel()
		a.Close()
		b.Close()
	}
}

func TestConnBusConcurrentSend(t *testing.T) {
	h, addr := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := DialConnBus(ctx, addr, codec.TypeBinary, nil)
	require.NoError(t, err)
	defer a.Close()

	c := newCollector()
	go a.Subscribe(ctx, "self", c.handle)
	require.Eventually(t, func() bool { return h.Bound("self") }, timeout, tick)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := a.Send(ctx, &message.Packet{Recipient: "self", Body: []message.Message{{ThreadTrace: n}}}); err != nil {
				t.Errorf("send failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, p := range c.wait(t, 50) {
		seen[p.Body[0].ThreadTrace] = true
	}
	assert.Len(t, seen, 50)
}

func TestConnBusClosed(t *testing.T) {
	_, addr := startHub(t)
	a, err := DialConnBus(context.Background(), addr, codec.TypeJSON, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(context.Background(), &message.Packet{Recipient: "x"}), ErrBusClosed)
}

func TestConnBusClosesAfterPartialWrite(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	b, err := NewConnBus(local, codec.TypeJSON, nil)
	require.NoError(t, err)
	defer b.Close()

	// The peer takes the first bytes of the frame and then stops reading.
	go io.ReadFull(remote, make([]byte, 20))

	pkt := &message.Packet{Recipient: "r", Thread: strings.Repeat("x", 4096)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Send(ctx, pkt)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, b.Send(context.Background(), pkt), ErrBusClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), "r", func(context.Context, *message.Packet) {}), ErrBusClosed)
}
