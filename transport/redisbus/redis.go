// Package redisbus is a Redis Streams implementation of transport.Bus.
//
// Every bus address owns one stream. Send appends to the recipient's stream
// (XADD) and returns as soon as Redis accepted the entry; the recipient's
// Subscribe loop reads it later (XREAD), so packets survive a subscriber that
// is briefly away. Delivered entries are removed from the stream.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"busrpc/codec"
	"busrpc/message"
	"busrpc/transport"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr and
	// closed by Close.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to "localhost:6379".
	Addr string
	// KeyPrefix is prepended to all Redis keys. Defaults to "busrpc:".
	KeyPrefix string
	// Codec used for packets on the wire. Defaults to JSON.
	Codec codec.Type
	// MaxLen caps each stream (approximate trimming). Zero means 10000.
	MaxLen int64
	// Block is how long one XREAD waits before re-checking the context. Defaults to 1s.
	Block time.Duration
	Logger *zap.Logger
}

type Bus struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	codec     codec.Codec
	maxLen    int64
	block     time.Duration
	logger    *zap.Logger
}

var _ transport.Bus = (*Bus)(nil)

// New creates a Redis-backed bus.
func New(cfg Config) (*Bus, error) {
	c, err := codec.Get(cfg.Codec)
	if err != nil {
		return nil, err
	}
	b := &Bus{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		codec:     c,
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
		logger:    cfg.Logger,
	}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{Addr: addr})
		b.ownClient = true
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "busrpc:"
	}
	if b.maxLen == 0 {
		b.maxLen = 10000
	}
	if b.block == 0 {
		b.block = time.Second
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

// Ping checks that Redis is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) streamKey(address string) string {
	return b.keyPrefix + "stream:" + address
}

func (b *Bus) Send(ctx context.Context, pkt *message.Packet) error {
	data, err := b.codec.Encode(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	key := b.streamKey(pkt.Recipient)
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish packet to stream %s: %w", key, err)
	}
	return nil
}

// Subscribe reads the stream for address from its oldest entry, so packets
// sent before the subscription started are delivered too.
func (b *Bus) Subscribe(ctx context.Context, address string, h transport.Handler) error {
	key := b.streamKey(address)
	startID := "0-0"

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return transport.ErrBusClosed
			}
			return fmt.Errorf("failed to read from stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				startID = entry.ID
				b.deliver(ctx, key, entry, h)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, key string, entry redis.XMessage, h transport.Handler) {
	defer b.client.XDel(ctx, key, entry.ID)

	data, ok := entry.Values["d"].(string)
	if !ok {
		b.logger.Warn("skipping malformed stream entry", zap.String("stream", key), zap.String("id", entry.ID))
		return
	}
	var pkt message.Packet
	if err := b.codec.Decode([]byte(data), &pkt); err != nil {
		b.logger.Warn("skipping undecodable packet", zap.String("stream", key), zap.String("id", entry.ID), zap.Error(err))
		return
	}
	h(ctx, &pkt)
}

// Cleanup removes the stream of address.
func (b *Bus) Cleanup(ctx context.Context, address string) error {
	key := b.streamKey(address)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup stream %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection if the bus created it.
func (b *Bus) Close() error {
	if b.ownClient {
		return b.client.Close()
	}
	return nil
}
