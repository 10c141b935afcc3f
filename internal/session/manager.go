package session

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mieweb/mieapi-go/internal/metrics"
)

// Manager owns one identity's session. It reuses a cached credential while
// it is fresh and re-authenticates through its AuthStrategy otherwise.
// Safe for concurrent use; at most one authentication per Manager is in
// flight at a time and concurrent callers share its result.
//
// Managers sharing a Store share sessions, but two Managers refreshing the
// same identity at once both authenticate and the later write wins.
type Manager struct {
	strategy AuthStrategy
	store    Store
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// nowFunc returns the current time. Tests override it to step the clock.
	nowFunc func() time.Time

	flight singleflight.Group

	mu         sync.RWMutex
	credential string
}

// NewManager creates a Manager. A non-positive ttl uses DefaultTTL; a nil
// store gets a private MemoryStore.
func NewManager(strategy AuthStrategy, store Store, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if store == nil {
		store = NewMemoryStore()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		strategy: strategy,
		store:    store,
		ttl:      ttl,
		metrics:  m,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// EnsureValid returns a usable credential, from the cache when the cached
// record is still fresh and from a new authentication otherwise. Stale
// records are deleted before refreshing.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	id := m.strategy.Identity()
	key := id.Key()

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		// The cache only saves round-trips; an unreadable cache means
		// authenticating again, not failing the call.
		m.metrics.ObserveCache(metrics.CacheError)
		m.logger.Warn("session cache lookup failed, refreshing",
			slog.String("principal", id.Principal),
			slog.String("error", err.Error()),
		)

		return m.Refresh(ctx)
	}

	now := m.nowFunc()

	switch {
	case rec.Usable(now):
		m.metrics.ObserveCache(metrics.CacheHit)
		m.logger.Debug("using cached session",
			slog.String("principal", id.Principal),
			slog.Time("expires", rec.ExpiresAt),
		)
		m.adopt(rec.Credential)

		return rec.Credential, nil

	case rec != nil:
		m.metrics.ObserveCache(metrics.CacheExpired)
		m.logger.Info("cached session expired",
			slog.String("principal", id.Principal),
			slog.Time("expired", rec.ExpiresAt),
		)

		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete stale session",
				slog.String("principal", id.Principal),
				slog.String("error", err.Error()),
			)
		}

	default:
		m.metrics.ObserveCache(metrics.CacheMiss)
		m.logger.Info("no cached session",
			slog.String("principal", id.Principal),
		)
	}

	return m.Refresh(ctx)
}

// Refresh authenticates unconditionally, caches the new record, and returns
// the credential. If a refresh is already running on this Manager the call
// waits for it and returns its result instead of starting another.
//
// The shared handshake is detached from any single caller's cancellation;
// each caller stops waiting when its own ctx is done.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	key := m.strategy.Identity().Key()

	ch := m.flight.DoChan(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		cred, _ := res.Val.(string)

		return cred, nil
	}
}

func (m *Manager) refresh(ctx context.Context, key string) (string, error) {
	id := m.strategy.Identity()
	name := m.strategy.Name()

	m.logger.Info("refreshing session",
		slog.String("strategy", name),
		slog.String("principal", id.Principal),
	)

	start := time.Now()
	cred, err := m.strategy.Authenticate(ctx)
	m.metrics.ObserveAuth(name, time.Since(start), err)

	if err != nil {
		m.logger.Error("session refresh failed",
			slog.String("strategy", name),
			slog.String("principal", id.Principal),
			slog.String("error", err.Error()),
		)

		return "", err
	}

	rec := newRecord(cred, m.nowFunc(), m.ttl)
	if err := m.store.Set(ctx, key, rec); err != nil {
		m.logger.Warn("failed to cache session",
			slog.String("principal", id.Principal),
			slog.String("error", err.Error()),
		)
	}

	m.adopt(cred)

	m.logger.Info("session refreshed",
		slog.String("strategy", name),
		slog.String("principal", id.Principal),
		slog.Time("expires", rec.ExpiresAt),
	)

	return cred, nil
}

// Invalidate drops the cached record and the adopted credential, forcing
// the next EnsureValid to authenticate.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.adopt("")

	return m.store.Delete(ctx, m.strategy.Identity().Key())
}

// Cached returns the cached record for this identity without checking its
// freshness, or nil if there is none.
func (m *Manager) Cached(ctx context.Context) (*Record, error) {
	return m.store.Get(ctx, m.strategy.Identity().Key())
}

// Credential returns the credential adopted by the last successful
// EnsureValid or Refresh, or "" if there has been none.
func (m *Manager) Credential() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.credential
}

// Identity returns the identity this Manager serves.
func (m *Manager) Identity() Identity {
	return m.strategy.Identity()
}

// StrategyName returns the name of the authentication strategy.
func (m *Manager) StrategyName() string {
	return m.strategy.Name()
}

// AuthQuery returns query-string credentials when the strategy supports
// them, nil otherwise.
func (m *Manager) AuthQuery() url.Values {
	if qa, ok := m.strategy.(QueryAuthenticator); ok {
		return qa.AuthQuery()
	}

	return nil
}

func (m *Manager) adopt(cred string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credential = cred
}
