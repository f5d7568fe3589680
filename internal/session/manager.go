package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dabba-client/internal/kvstore"
	"dabba-client/internal/logging"
	"dabba-client/internal/metrics"
)

// refreshAhead is the low-water-mark: tokens with less remaining lifetime are
// refreshed before use.
const refreshAhead = 5 * time.Minute

var ErrInvalidAccessToken = errors.New("invalid access token")

type TokenPair struct {
	Access  string
	Refresh string
}

// Refresher exchanges a refresh token for a new pair. Implemented by the API
// layer's auth client.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Manager owns the persisted credential pair. Construct exactly one per
// process and share it by reference; concurrent refreshes collapse into a
// single network call.
type Manager struct {
	store     kvstore.Store
	refresher Refresher
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	nextID   int
	onExpire map[int]func()
}

func NewManager(store kvstore.Store, refresher Refresher, logger *logging.Logger) *Manager {
	if store == nil {
		panic("session.NewManager: store must not be nil")
	}
	if logger == nil {
		panic("session.NewManager: logger must not be nil")
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		onExpire:  map[int]func(){},
	}
}

// SetMetrics attaches optional instrumentation for refresh outcomes.
func (m *Manager) SetMetrics(metrics *metrics.Metrics) {
	m.metrics = metrics
}

// OnSessionExpired registers a callback invoked when credentials are cleared
// after an irrecoverable refresh failure. Returns an unsubscribe func.
func (m *Manager) OnSessionExpired(fn func()) func() {
	if fn == nil {
		panic("session.Manager.OnSessionExpired: callback must not be nil")
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.onExpire[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.onExpire, id)
		m.mu.Unlock()
	}
}

// Validate decodes token locally and reports liveness. Pure; no network.
func (m *Manager) Validate(token string) TokenStatus {
	claims, err := decodeClaims(token)
	if err != nil {
		return TokenStatus{}
	}
	return statusAt(claims, m.now())
}

// AccessToken returns a token with positive remaining lifetime, refreshing
// when the cached one is within the low-water-mark. Returns "" when no valid
// session exists. On refresh failure a stale-but-live token is returned as an
// explicit degraded mode.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	access := m.storedAccessToken(ctx)
	if access == "" {
		return "", nil
	}

	status := m.storedStatus(ctx, access)
	if status.Valid && status.ExpiresIn > refreshAhead {
		return access, nil
	}

	refreshed, err := m.Refresh(ctx)
	if refreshed != "" {
		return refreshed, nil
	}
	if !status.Expired && status.Valid {
		m.logger.Warn("token refresh failed, continuing with stale token (degraded)",
			logging.Field("expires_in", status.ExpiresIn.String()),
			logging.Field("error", err),
		)
		return access, nil
	}
	return "", err
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers share one in-flight exchange and observe the same outcome. On
// failure all credential material is cleared and "" is returned.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	result, err, shared := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight token refresh")
	}
	token, _ := result.(string)
	return token, err
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	raw, err := m.store.Get(ctx, kvstore.KeyRefreshToken)
	if err != nil || len(raw) == 0 {
		m.logger.Debug("no refresh token available", logging.Field("error", err))
		m.clearAndSignal(ctx)
		return "", errors.New("no refresh token stored")
	}
	if m.refresher == nil {
		m.clearAndSignal(ctx)
		return "", errors.New("no refresher configured")
	}

	pair, err := m.refresher.RefreshTokens(ctx, string(raw))
	if err != nil {
		m.logger.Warn("token refresh failed", logging.Field("error", err))
		m.metrics.TokenRefresh("failure")
		m.clearAndSignal(ctx)
		return "", err
	}
	if err := m.StoreTokens(ctx, pair.Access, pair.Refresh); err != nil {
		m.logger.Warn("failed to persist refreshed tokens", logging.Field("error", err))
		m.metrics.TokenRefresh("failure")
		m.clearAndSignal(ctx)
		return "", err
	}
	m.logger.Debug("access token refreshed")
	m.metrics.TokenRefresh("success")
	return pair.Access, nil
}

// StoreTokens persists a new pair. The access token's expiry claim is decoded
// once and cached under its own key for fast subsequent checks. An empty
// refresh token leaves the stored one untouched.
func (m *Manager) StoreTokens(ctx context.Context, access, refresh string) error {
	access = strings.TrimSpace(access)
	if access == "" {
		return ErrInvalidAccessToken
	}
	claims, err := decodeClaims(access)
	if err != nil {
		return ErrInvalidAccessToken
	}

	if err := m.store.Set(ctx, kvstore.KeyAccessToken, []byte(access)); err != nil {
		return err
	}
	if claims.ExpiresAt != nil {
		expiry := strconv.FormatInt(claims.ExpiresAt.Unix(), 10)
		if err := m.store.Set(ctx, kvstore.KeyTokenExpiresAt, []byte(expiry)); err != nil {
			return err
		}
	}
	if refresh = strings.TrimSpace(refresh); refresh != "" {
		if err := m.store.Set(ctx, kvstore.KeyRefreshToken, []byte(refresh)); err != nil {
			return err
		}
	}
	return nil
}

// ClearTokens removes all persisted credential material. Never returns an
// error; storage failures are logged and swallowed.
func (m *Manager) ClearTokens(ctx context.Context) {
	for _, key := range []string{
		kvstore.KeyAccessToken,
		kvstore.KeyRefreshToken,
		kvstore.KeyTokenExpiresAt,
		kvstore.KeyUserProfile,
	} {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Debug("failed to delete credential key",
				logging.Field("key", key),
				logging.Field("error", err),
			)
		}
	}
}

// StoreProfile caches the last-known user profile next to the credentials.
func (m *Manager) StoreProfile(ctx context.Context, profile []byte) error {
	return m.store.Set(ctx, kvstore.KeyUserProfile, profile)
}

func (m *Manager) Profile(ctx context.Context) []byte {
	profile, err := m.store.Get(ctx, kvstore.KeyUserProfile)
	if err != nil {
		m.logger.Debug("failed to read cached profile", logging.Field("error", err))
		return nil
	}
	return profile
}

func (m *Manager) storedAccessToken(ctx context.Context) string {
	raw, err := m.store.Get(ctx, kvstore.KeyAccessToken)
	if err != nil {
		// Storage failure reads as "no valid session", not a crash.
		m.logger.Warn("failed to read access token", logging.Field("error", err))
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// storedStatus prefers the cached expiry over a full decode.
func (m *Manager) storedStatus(ctx context.Context, access string) TokenStatus {
	raw, err := m.store.Get(ctx, kvstore.KeyTokenExpiresAt)
	if err == nil && len(raw) > 0 {
		if unix, parseErr := strconv.ParseInt(string(raw), 10, 64); parseErr == nil {
			expiresAt := time.Unix(unix, 0)
			expiresIn := expiresAt.Sub(m.now())
			return TokenStatus{
				Valid:     expiresIn > 0,
				Expired:   expiresIn <= 0,
				ExpiresIn: expiresIn,
				ExpiresAt: expiresAt,
			}
		}
	}
	return m.Validate(access)
}

func (m *Manager) clearAndSignal(ctx context.Context) {
	m.ClearTokens(ctx)

	m.mu.Lock()
	callbacks := make([]func(), 0, len(m.onExpire))
	for _, cb := range m.onExpire {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}
