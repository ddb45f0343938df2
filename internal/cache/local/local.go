// Package local provides single-process implementations of the
// coordination interfaces, used when Redis is not configured.
package local

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// LockManager is an in-process domain.LockManager with TTL expiry.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), clock: time.Now}
}

// Acquire implements domain.LockManager.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := lm.clock()
	if cur, ok := lm.held[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	lm.seq++
	token := lm.seq
	lm.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if cur, ok := lm.held[key]; ok && cur.token == token {
				delete(lm.held, key)
			}
		})
	}, nil
}

// RateLimiter is an in-process sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	clock func() time.Time
}

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), clock: time.Now}
}

// Allow implements domain.RateLimiter.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// SignalBus is an in-process domain.SignalBus. Published messages are
// dropped; stream entries are kept up to maxLen per stream.
type SignalBus struct {
	mu      sync.Mutex
	maxLen  int
	seq     uint64
	streams map[string][]domain.StreamMessage
}

// NewSignalBus returns a SignalBus keeping at most maxLen entries per stream.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &SignalBus{maxLen: maxLen, streams: make(map[string][]domain.StreamMessage)}
}

// Publish implements domain.SignalBus.
func (b *SignalBus) Publish(context.Context, string, []byte) error { return nil }

// StreamAppend implements domain.SignalBus.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead implements domain.SignalBus.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, fmt.Errorf("local: stream read %s: %w", stream, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		seq, _ := streamSeq(m.ID)
		if seq <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseUint(id, 10, 64)
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
)
