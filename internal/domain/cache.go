package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld when
// another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns up to count entries after lastID ("0" for the start).
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// SettlementChannel carries SettlementEvent payloads, both as a pub/sub
// channel and as the name of the durable stream.
const SettlementChannel = "settlements"
