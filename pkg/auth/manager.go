package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrTokenMissing is terminal: the application has never been authorized.
	ErrTokenMissing = errors.New("agency token missing")

	// ErrTokenExpired is returned for an expired token that has no refresh token.
	ErrTokenExpired = errors.New("agency token expired and no refresh token is stored")
)

const (
	// DefaultExpiresIn applies when a token response omits expires_in
	DefaultExpiresIn = 3600 * time.Second

	// DefaultCacheSkew is subtracted from location token expiry when caching
	DefaultCacheSkew = 5 * time.Minute

	locationTokenKeyPrefix = "clover:location-token:"
	refreshLockKeyPrefix   = "token-refresh:"
	refreshLockTTL         = 30 * time.Second
)

// Cache stores exchanged location tokens.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, expiration time.Duration) error
}

// Locker serializes agency token refreshes across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl, timeout time.Duration, fn func() error) error
}

// AgencyToken is the stored application-level token and its derived status.
type AgencyToken struct {
	AccessToken string             `json:"-"`
	Expiry      *time.Time         `json:"expiry,omitempty"`
	Status      models.TokenStatus `json:"status"`
}

// LocationToken is a tenant-scoped token exchanged from an agency token.
type LocationToken struct {
	LocationID  string    `json:"location_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Manager owns both token tiers. Refreshed agency tokens are persisted before they are returned.
type Manager struct {
	apps      repositories.ApplicationRepo
	locations repositories.LocationRepo
	crm       *crm.Client
	cache     Cache
	locker    Locker
	cacheSkew time.Duration
	now       func() time.Time
	logger    ectologger.Logger
}

type Option func(*Manager)

func WithCache(cache Cache) Option {
	return func(m *Manager) {
		m.cache = cache
	}
}

func WithLocker(locker Locker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

func WithCacheSkew(skew time.Duration) Option {
	return func(m *Manager) {
		m.cacheSkew = skew
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(apps repositories.ApplicationRepo, locations repositories.LocationRepo, client *crm.Client, logger ectologger.Logger, opts ...Option) *Manager {
	m := &Manager{
		apps:      apps,
		locations: locations,
		crm:       client,
		cacheSkew: DefaultCacheSkew,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetAgencyToken reads the stored token. Callers must check Status before use.
func (m *Manager) GetAgencyToken(ctx context.Context, applicationID uuid.UUID) (*AgencyToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.GetAgencyToken")
	defer span.End()

	app, err := m.apps.GetByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return m.agencyToken(app), nil
}

func (m *Manager) agencyToken(app *models.Application) *AgencyToken {
	token := &AgencyToken{Expiry: app.TokenExpiry, Status: app.TokenStatus(m.now())}
	if app.AccessToken != nil {
		token.AccessToken = *app.AccessToken
	}
	return token
}

// RefreshAgencyToken exchanges the refresh token and persists the new pair. On failure the
// application is left unchanged and the upstream status is returned as *httpclient.StatusError.
func (m *Manager) RefreshAgencyToken(ctx context.Context, app *models.Application) error {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.RefreshAgencyToken")
	defer span.End()

	if !app.HasRefreshToken() {
		return ErrTokenExpired
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("refresh_token", *app.RefreshToken)

	if err := m.exchange(ctx, app, form); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("refresh", "failed").Inc()
		tracing.Fail(span, err)
		m.logger.WithContext(ctx).WithError(err).Errorf("failed to refresh agency token for application %s", app.ID)
		return fmt.Errorf("refresh agency token: %w", err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues("refresh", "success").Inc()
	m.logger.WithContext(ctx).Infof("Refreshed agency token for application %s", app.ID)
	return nil
}

// ExchangeAuthorizationCode completes the install flow for app.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, app *models.Application, code string) error {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.ExchangeAuthorizationCode")
	defer span.End()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("code", code)

	if err := m.exchange(ctx, app, form); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("authorization_code", "failed").Inc()
		tracing.Fail(span, err)
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("authorization_code", "success").Inc()
	return nil
}

// exchange posts form and, on success, writes the new tokens to app and the store.
func (m *Manager) exchange(ctx context.Context, app *models.Application, form url.Values) error {
	resp, err := m.crm.ExchangeToken(ctx, form)
	if err != nil {
		return err
	}

	expiresIn := DefaultExpiresIn
	if resp.ExpiresIn > 0 {
		expiresIn = time.Duration(resp.ExpiresIn) * time.Second
	}
	expiry := m.now().Add(expiresIn)

	updated := *app
	updated.AccessToken = &resp.AccessToken
	if resp.RefreshToken != "" {
		updated.RefreshToken = &resp.RefreshToken
	}
	updated.TokenExpiry = &expiry

	if err := m.apps.UpdateTokens(ctx, &updated); err != nil {
		return err
	}
	*app = updated
	return nil
}

// ExchangeLocationToken exchanges an agency token for a location token. Any non-2xx is an error;
// whether to retry is the caller's decision.
func (m *Manager) ExchangeLocationToken(ctx context.Context, agencyToken, companyID, locationID string) (*LocationToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.ExchangeLocationToken")
	defer span.End()

	resp, err := m.crm.LocationToken(ctx, agencyToken, companyID, locationID)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("location_exchange", "failed").Inc()
		tracing.Fail(span, err)
		return nil, fmt.Errorf("exchange location token for %s: %w", locationID, err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("location_exchange", "success").Inc()

	expiresIn := DefaultExpiresIn
	if resp.ExpiresIn > 0 {
		expiresIn = time.Duration(resp.ExpiresIn) * time.Second
	}
	return &LocationToken{
		LocationID:  locationID,
		AccessToken: resp.AccessToken,
		ExpiresAt:   m.now().Add(expiresIn),
	}, nil
}

// ValidAgencyToken returns a usable agency token, refreshing an expired one when a refresh token is stored.
func (m *Manager) ValidAgencyToken(ctx context.Context, applicationID uuid.UUID) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.ValidAgencyToken")
	defer span.End()

	app, err := m.apps.GetByID(ctx, applicationID)
	if err != nil {
		return "", err
	}
	return m.validToken(ctx, app)
}

func (m *Manager) validToken(ctx context.Context, app *models.Application) (string, error) {
	switch app.TokenStatus(m.now()) {
	case models.TokenStatusValid:
		return *app.AccessToken, nil
	case models.TokenStatusMissing:
		return "", ErrTokenMissing
	}

	if !app.HasRefreshToken() {
		return "", ErrTokenExpired
	}

	if m.locker == nil {
		if err := m.RefreshAgencyToken(ctx, app); err != nil {
			return "", err
		}
		return *app.AccessToken, nil
	}

	err := m.locker.WithLock(ctx, refreshLockKeyPrefix+app.ID.String(), refreshLockTTL, refreshLockTTL, func() error {
		// another holder may have refreshed while we waited
		current, err := m.apps.GetByID(ctx, app.ID)
		if err != nil {
			return err
		}
		*app = *current
		if app.TokenStatus(m.now()) == models.TokenStatusValid {
			return nil
		}
		return m.RefreshAgencyToken(ctx, app)
	})
	if err != nil {
		return "", err
	}
	return *app.AccessToken, nil
}

// LocationAccessToken resolves a location token for locationID through the installing application,
// serving it from the cache until expiry minus the configured skew.
func (m *Manager) LocationAccessToken(ctx context.Context, locationID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.LocationAccessToken")
	defer span.End()

	key := locationTokenKeyPrefix + locationID
	if m.cache != nil {
		var cached LocationToken
		err := m.cache.GetJSON(ctx, key, &cached)
		switch {
		case err == nil && m.now().Before(cached.ExpiresAt.Add(-m.cacheSkew)):
			return cached.AccessToken, nil
		case err != nil && !errors.Is(err, redis.ErrNotFound):
			m.logger.WithContext(ctx).WithError(err).Warnf("failed to read cached location token for %s", locationID)
		}
	}

	app, err := m.apps.GetForLocation(ctx, locationID)
	if err != nil {
		return "", err
	}

	companyID := app.CompanyID
	if m.locations != nil {
		if location, err := m.locations.GetByLocationID(ctx, locationID); err == nil && location.CompanyID != "" {
			companyID = location.CompanyID
		}
	}

	agencyToken, err := m.validToken(ctx, app)
	if err != nil {
		return "", err
	}

	token, err := m.ExchangeLocationToken(ctx, agencyToken, companyID, locationID)
	if err != nil {
		return "", err
	}

	if m.cache != nil {
		if ttl := token.ExpiresAt.Add(-m.cacheSkew).Sub(m.now()); ttl > 0 {
			if err := m.cache.SetJSON(ctx, key, token, ttl); err != nil {
				m.logger.WithContext(ctx).WithError(err).Warnf("failed to cache location token for %s", locationID)
			}
		}
	}

	return token.AccessToken, nil
}
