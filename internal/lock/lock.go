// Package lock provides named, lease-based mutual exclusion backed by a
// single database row per lock. A lease is held while it is unreleased and
// younger than the staleness window; a crashed holder's lease expires on its own.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
)

const (
	DefaultStaleness      = 30 * time.Minute
	DefaultReleaseTimeout = 5 * time.Second
)

// Store persists lease rows. Each method is one conditional statement.
type Store interface {
	// AcquireLease inserts or takes over the lease when it is released or
	// acquired before staleBefore. It reports whether the caller now holds it.
	AcquireLease(ctx context.Context, name string, now, staleBefore time.Time) (bool, error)
	// ReleaseLease marks the lease released. A non-zero token restricts the
	// release to the acquisition that produced it.
	ReleaseLease(ctx context.Context, name string, token, now time.Time) (bool, error)
	GetLease(ctx context.Context, name string) (domain.Lease, bool, error)
}

// MetricsSink records lock attempts. Implementations must not block.
type MetricsSink interface {
	LockAttempt(name string, acquired bool)
}

type Manager struct {
	store          Store
	staleness      time.Duration
	releaseTimeout time.Duration
	clock          func() time.Time
	metrics        MetricsSink // optional, nil = disabled
	logger         *zap.SugaredLogger
}

func New(store Store, staleness time.Duration) *Manager {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Manager{
		store:          store,
		staleness:      staleness,
		releaseTimeout: DefaultReleaseTimeout,
		clock:          time.Now,
		logger:         zap.NewNop().Sugar(),
	}
}

func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

func (m *Manager) WithLogger(logger *zap.SugaredLogger) *Manager {
	m.logger = logger
	return m
}

func (m *Manager) WithReleaseTimeout(d time.Duration) *Manager {
	m.releaseTimeout = d
	return m
}

// Staleness returns the lease expiry window.
func (m *Manager) Staleness() time.Duration { return m.staleness }

// now truncates to microseconds so the token compares equal after a
// round trip through a timestamptz column.
func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

// Acquire tries to take the named lease. Losing to a live holder returns
// (false, nil); only storage failures are errors.
func (m *Manager) Acquire(ctx context.Context, name string) (bool, error) {
	_, ok, err := m.acquire(ctx, name)
	return ok, err
}

func (m *Manager) acquire(ctx context.Context, name string) (time.Time, bool, error) {
	now := m.now()
	ok, err := m.store.AcquireLease(ctx, name, now, now.Add(-m.staleness))
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "acquire lock %s", name)
	}
	if m.metrics != nil {
		m.metrics.LockAttempt(name, ok)
	}
	return now, ok, nil
}

// Release marks the lease released. Releasing a free lock is a no-op.
func (m *Manager) Release(ctx context.Context, name string) error {
	if _, err := m.store.ReleaseLease(ctx, name, time.Time{}, m.now()); err != nil {
		return errors.Wrapf(err, "release lock %s", name)
	}
	return nil
}

// Status reports whether the lease is currently held.
func (m *Manager) Status(ctx context.Context, name string) (domain.LockState, error) {
	lease, found, err := m.store.GetLease(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "lock status %s", name)
	}
	if !found || !lease.HeldAt(m.clock(), m.staleness) {
		return domain.LockFree, nil
	}
	return domain.LockHeld, nil
}

// WithLock runs fn while holding the named lease. When the lease is held
// elsewhere fn is skipped and ran is false. The lease is released on every
// exit path, panics included.
func (m *Manager) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	token, ok, err := m.acquire(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debugw("lock held elsewhere, skipping", "lock", name)
		return false, nil
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
		defer cancel()
		released, relErr := m.store.ReleaseLease(relCtx, name, token, m.now())
		switch {
		case relErr != nil:
			m.logger.Errorw("lock release failed", "lock", name, "error", relErr)
			if err == nil {
				err = errors.Wrapf(relErr, "release lock %s", name)
			}
		case !released:
			// The lease expired and another holder took it over.
			m.logger.Warnw("lock lost before release", "lock", name, "held_for", m.clock().Sub(token))
		}
	}()

	return true, fn(ctx)
}
