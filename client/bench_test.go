package client

import (
	"context"
	"testing"

	"busrpc/clienttest"
	"busrpc/transport"
)

func setupBench(b *testing.B) *Client {
	bus := transport.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	svc := clienttest.NewService("math")
	if err := svc.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	go svc.Serve(ctx, bus, "router@example.org/math")

	c := NewClient(testConfig(), bus)
	if err := c.Start(ctx); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		c.Close()
		cancel()
		bus.Close()
	})
	return c
}

// One session per call.
func BenchmarkAtomicRequest(b *testing.B) {
	c := setupBench(b)
	args := &Args{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := AtomicRequest(context.Background(), c, "math", "Arith.Add", args); err != nil {
			b.Fatal(err)
		}
	}
}

// Many requests multiplexed on one session.
func BenchmarkSessionConcurrent(b *testing.B) {
	c := setupBench(b)
	s, err := c.NewSession("math")
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		for pb.Next() {
			req, err := s.RequestArgs(context.Background(), "Arith.Add", args)
			if err != nil {
				b.Error(err)
				return
			}
			if _, err := req.Recv(context.Background(), timeout); err != nil {
				b.Error(err)
				return
			}
			req.Cleanup()
		}
	})
}
