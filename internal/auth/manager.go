// Package auth mints and caches retailer access tokens. Refreshes are
// at most one in flight per retailer: concurrent callers share the result of
// the refresh already running instead of spending the refresh token twice.
package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/distlock"
	"github.com/ignite/ecomm-report-extractor/internal/pkg/logger"
)

// DefaultSafetyMargin is how long before expiry a token stops being handed
// out.
const DefaultSafetyMargin = 60 * time.Second

// CredentialSource returns a retailer's client registration.
type CredentialSource interface {
	Get(retailer string) (domain.Credential, error)
}

// ProfileSource returns a retailer's token endpoint profile.
type ProfileSource interface {
	Retailer(name string) (*catalog.Retailer, bool)
}

// Exchanger performs one token exchange against the retailer's token
// endpoint. It must not retry.
type Exchanger interface {
	Exchange(ctx context.Context, profile *catalog.Retailer, cred domain.Credential) (domain.Token, error)
}

// SharedCache lets several processes reuse one token per retailer.
type SharedCache interface {
	Get(ctx context.Context, retailer string) (domain.Token, bool, error)
	Set(ctx context.Context, tok domain.Token) error
	// Delete removes the cached token only if it is still accessToken.
	Delete(ctx context.Context, retailer, accessToken string) error
}

// LockFactory returns the cross-process lock guarding a retailer's refresh,
// or nil when no coordination is configured.
type LockFactory func(retailer string) distlock.DistLock

// TokenManager caches one valid token per retailer.
type TokenManager struct {
	creds     CredentialSource
	profiles  ProfileSource
	exchanger Exchanger
	margin    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	tokens map[string]domain.Token
	group  singleflight.Group

	shared    SharedCache
	locks     LockFactory
	lockWait  time.Duration
	lockPoll  time.Duration
	exchanges atomic.Int64
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) Option {
	return func(m *TokenManager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// WithSharedCache enables the cross-process cache. When locks is non-nil, a
// process that loses the refresh lock waits up to lockWait for the winner to
// publish its token before refreshing on its own.
func WithSharedCache(cache SharedCache, locks LockFactory, lockWait time.Duration) Option {
	return func(m *TokenManager) {
		m.shared = cache
		m.locks = locks
		if lockWait > 0 {
			m.lockWait = lockWait
		}
	}
}

// NewTokenManager creates a manager with an empty cache.
func NewTokenManager(creds CredentialSource, profiles ProfileSource, exchanger Exchanger, opts ...Option) *TokenManager {
	m := &TokenManager{
		creds:     creds,
		profiles:  profiles,
		exchanger: exchanger,
		margin:    DefaultSafetyMargin,
		now:       time.Now,
		tokens:    make(map[string]domain.Token),
		lockWait:  10 * time.Second,
		lockPoll:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a token valid for at least the safety margin, refreshing
// synchronously when the cached one is absent or about to expire.
func (m *TokenManager) Token(ctx context.Context, retailer string) (domain.Token, error) {
	key := strings.ToLower(retailer)
	if tok, ok := m.cached(key); ok {
		return tok, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		if tok, ok := m.cached(key); ok {
			return tok, nil
		}
		// Waiters may give up individually; the refresh itself completes
		// for whoever is still waiting.
		return m.refresh(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Token{}, res.Err
		}
		return res.Val.(domain.Token), nil
	case <-ctx.Done():
		return domain.Token{}, ctx.Err()
	}
}

// ForceRefresh discards stale (if it is still the cached token) and returns
// a freshly minted one. If another caller already replaced stale, that token
// is returned without a second refresh.
func (m *TokenManager) ForceRefresh(ctx context.Context, retailer string, stale domain.Token) (domain.Token, error) {
	key := strings.ToLower(retailer)

	m.mu.Lock()
	if cur, ok := m.tokens[key]; ok && cur.AccessToken == stale.AccessToken {
		delete(m.tokens, key)
	}
	m.mu.Unlock()

	if m.shared != nil && stale.AccessToken != "" {
		if err := m.shared.Delete(ctx, key, stale.AccessToken); err != nil {
			logger.Warn("auth: shared cache delete failed", "retailer", key, "error", err.Error())
		}
	}

	logger.Info("auth: forced token refresh", "retailer", key)
	return m.Token(ctx, retailer)
}

// Invalidate drops any cached token for retailer.
func (m *TokenManager) Invalidate(retailer string) {
	m.mu.Lock()
	delete(m.tokens, strings.ToLower(retailer))
	m.mu.Unlock()
}

// Exchanges returns how many token exchanges this manager has performed.
func (m *TokenManager) Exchanges() int64 {
	return m.exchanges.Load()
}

func (m *TokenManager) cached(key string) (domain.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok || !tok.ValidAt(m.now(), m.margin) {
		return domain.Token{}, false
	}
	return tok, true
}

func (m *TokenManager) store(tok domain.Token) {
	m.mu.Lock()
	m.tokens[tok.Retailer] = tok
	m.mu.Unlock()
}

func (m *TokenManager) refresh(ctx context.Context, key string) (domain.Token, error) {
	cred, err := m.creds.Get(key)
	if err != nil {
		return domain.Token{}, err
	}
	profile, ok := m.profiles.Retailer(key)
	if !ok {
		e := domain.NewAuthError(key, "unknown_retailer", nil)
		e.Message = "no token endpoint configured"
		return domain.Token{}, e
	}

	if m.shared != nil {
		if tok, ok := m.fromShared(ctx, key); ok {
			return tok, nil
		}
		if m.locks != nil {
			if lock := m.locks(key); lock != nil {
				acquired, err := lock.Acquire(ctx)
				switch {
				case err != nil:
					logger.Warn("auth: refresh lock unavailable", "retailer", key, "error", err.Error())
				case acquired:
					defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
					if tok, ok := m.fromShared(ctx, key); ok {
						return tok, nil
					}
				default:
					if tok, ok := m.awaitShared(ctx, key); ok {
						return tok, nil
					}
					logger.Warn("auth: refresh lock holder did not publish a token", "retailer", key)
				}
			}
		}
	}

	m.exchanges.Add(1)
	tok, err := m.exchanger.Exchange(ctx, profile, cred)
	if err != nil {
		logger.Error("auth: token exchange failed", "retailer", key, "error", err.Error())
		return domain.Token{}, err
	}
	tok.Retailer = key
	if !tok.ValidAt(m.now(), m.margin) {
		e := domain.NewAuthError(key, "token_expires_within_margin", nil)
		e.Message = "token endpoint returned a token that expires within the safety margin"
		return domain.Token{}, e
	}

	m.store(tok)
	if m.shared != nil {
		if err := m.shared.Set(ctx, tok); err != nil {
			logger.Warn("auth: shared cache write failed", "retailer", key, "error", err.Error())
		}
	}
	logger.Info("auth: token refreshed", "retailer", key, "expires_in_seconds", int(tok.Expiry.Sub(m.now()).Seconds()))
	return tok, nil
}

func (m *TokenManager) fromShared(ctx context.Context, key string) (domain.Token, bool) {
	tok, ok, err := m.shared.Get(ctx, key)
	if err != nil {
		logger.Warn("auth: shared cache read failed", "retailer", key, "error", err.Error())
		return domain.Token{}, false
	}
	if !ok || !tok.ValidAt(m.now(), m.margin) {
		return domain.Token{}, false
	}
	tok.Retailer = key
	m.store(tok)
	return tok, true
}

func (m *TokenManager) awaitShared(ctx context.Context, key string) (domain.Token, bool) {
	deadline := time.NewTimer(m.lockWait)
	defer deadline.Stop()
	tick := time.NewTicker(m.lockPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.Token{}, false
		case <-deadline.C:
			return domain.Token{}, false
		case <-tick.C:
			if tok, ok := m.fromShared(ctx, key); ok {
				return tok, true
			}
		}
	}
}
