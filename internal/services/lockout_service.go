package services

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
)

// LockoutStore holds per-key failure counters. RecordFailure must be a single atomic
// compare-and-set: concurrent failures for one key may never both see JustLocked.
type LockoutStore interface {
	RecordFailure(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error)
	Reset(ctx context.Context, key string) error
	State(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error)
}

// LockoutStatus is the guard's view of a key at one instant.
type LockoutStatus struct {
	Locked      bool
	Remaining   time.Duration
	FailedCount int
	JustLocked  bool
}

// LockoutGuard applies one lockout policy over a store. Unlocked → Locked once the
// counter reaches MaxAttempts; a lapsed lock reads as unlocked with no cleanup pass.
type LockoutGuard struct {
	store  LockoutStore
	policy models.LockoutPolicy
	now    func() time.Time
}

// NewLockoutGuard creates a guard. Policies with no threshold or duration are rejected.
func NewLockoutGuard(store LockoutStore, policy models.LockoutPolicy) (*LockoutGuard, error) {
	if policy.MaxAttempts < 1 || policy.Duration <= 0 {
		return nil, fmt.Errorf("%w: lockout policy needs a positive threshold and duration", models.ErrConfiguration)
	}
	return &LockoutGuard{store: store, policy: policy, now: time.Now}, nil
}

// WithClock overrides the time source.
func (g *LockoutGuard) WithClock(now func() time.Time) *LockoutGuard {
	g.now = now
	return g
}

// Policy returns the guard's attempt and lock settings.
func (g *LockoutGuard) Policy() models.LockoutPolicy {
	return g.policy
}

// RecordFailure counts one failure against key.
func (g *LockoutGuard) RecordFailure(ctx context.Context, key string) (LockoutStatus, error) {
	now := g.now()
	state, err := g.store.RecordFailure(ctx, key, g.policy, now)
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("record lockout failure: %w", err)
	}
	return statusOf(state, now), nil
}

// RecordSuccess clears the counter and any lock.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, key string) error {
	if err := g.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}

// IsLocked reads the current state without changing it.
func (g *LockoutGuard) IsLocked(ctx context.Context, key string) (LockoutStatus, error) {
	now := g.now()
	state, err := g.store.State(ctx, key, g.policy, now)
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("read lockout state: %w", err)
	}
	return statusOf(state, now), nil
}

func statusOf(state models.LockoutState, now time.Time) LockoutStatus {
	return LockoutStatus{
		Locked:      state.Locked(now),
		Remaining:   state.Remaining(now),
		FailedCount: state.FailedCount,
		JustLocked:  state.JustLocked,
	}
}
