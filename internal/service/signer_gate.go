package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// SignerGate serializes every ledger write signed by one identity: payouts,
// auction creation and seizures all draw nonces from the same account. In
// process a mutex orders callers; across processes a distributed lock keyed
// on the identity's address does.
type SignerGate struct {
	identity domain.SigningIdentity
	locks    domain.LockManager
	ttl      time.Duration
	wait     time.Duration
	mu       sync.Mutex
}

// NewSignerGate creates a gate for identity. ttl must cover the ledger's
// confirmation wait; wait defaults to ttl. locks may be nil.
func NewSignerGate(identity domain.SigningIdentity, locks domain.LockManager, ttl, wait time.Duration) *SignerGate {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if wait <= 0 {
		wait = ttl
	}
	return &SignerGate{identity: identity, locks: locks, ttl: ttl, wait: wait}
}

// Identity returns the signing identity the gate guards.
func (g *SignerGate) Identity() domain.SigningIdentity {
	return g.identity
}

// LockKey is the distributed lock key shared by every process signing as
// the same identity.
func (g *SignerGate) LockKey() string {
	return "signer:" + g.identity.Address()
}

// Acquire blocks until the caller may sign and returns the release func.
func (g *SignerGate) Acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	unlock, err := acquire(ctx, g.locks, g.LockKey(), g.ttl, g.wait)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("signer lock: %w", err)
	}
	return func() {
		unlock()
		g.mu.Unlock()
	}, nil
}
