// Package service holds the settlement engine: the consumption Builder and
// Verifier, the Distributor that pays users from the platform identity, the
// pending obligation queue, the auction state machine, prediction market
// settlement and referral commissions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Payer sends a single platform-initiated transfer. *Distributor satisfies it.
type Payer interface {
	Distribute(ctx context.Context, recipient string, amount int64, kind domain.PayoutKind) domain.DistributionResult
}

const lockRetryInterval = 50 * time.Millisecond

// acquire takes a distributed lock, retrying while it is held until wait
// elapses. A nil LockManager always succeeds.
func acquire(ctx context.Context, locks domain.LockManager, key string, ttl, wait time.Duration) (func(), error) {
	if locks == nil {
		return func() {}, nil
	}
	deadline := time.Now().Add(wait)
	for {
		unlock, err := locks.Acquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || !time.Now().Before(deadline) {
			return nil, err
		}
		t := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// keyedMutex serializes work per key within the process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// recorder bundles the side channels every service writes to. Failures are
// logged and never fail the operation that produced them.
type recorder struct {
	audit  domain.AuditStore
	bus    domain.SignalBus
	alerts Alerter
	logger *slog.Logger
}

func (r recorder) record(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r recorder) alert(ctx context.Context, event, title, message string) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends v on channel and appends it to the stream of the same name.
func (r recorder) publish(ctx context.Context, channel string, v any) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Publish(ctx, channel, payload); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := r.bus.StreamAppend(ctx, channel, payload); err != nil {
		r.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", channel),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func requireAddress(op, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s: %w: empty address", op, domain.ErrInvalidAddress)
	}
	return nil
}
