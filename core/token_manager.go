package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type TokenManagerDeps struct {
	Repository Repository
	Exchanger  TokenExchanger
	Locker     RefreshLocker
	Scheduler  RefreshBackoffScheduler
	Clock      func() time.Time
	Logger     Logger
	Metrics    MetricsRecorder
}

// TokenManager hands out institution access tokens, refreshing them through
// the client-credentials exchange when the cached one is absent or expired.
// Concurrent refreshes for one institution collapse into a single exchange.
type TokenManager struct {
	repository Repository
	exchanger  TokenExchanger
	locker     RefreshLocker
	scheduler  RefreshBackoffScheduler
	flights    singleflight.Group
	now        func() time.Time

	defaultTTL    time.Duration
	lockTTL       time.Duration
	lockWait      time.Duration
	flightTimeout time.Duration
	fanOut        int

	telemetry
}

func NewTokenManager(cfg Config, deps TokenManagerDeps) (*TokenManager, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("core: token manager repository is required")
	}
	if deps.Exchanger == nil {
		return nil, fmt.Errorf("core: token manager exchanger is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = utcNow
	}
	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = ExponentialBackoffScheduler{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &TokenManager{
		repository:    deps.Repository,
		exchanger:     deps.Exchanger,
		locker:        deps.Locker,
		scheduler:     scheduler,
		now:           func() time.Time { return clock().UTC() },
		defaultTTL:    positiveOr(cfg.DefaultTokenTTL, defaultTokenTTL),
		lockTTL:       positiveOr(cfg.RefreshLockTTL, defaultRefreshLockTTL),
		lockWait:      cfg.RefreshLockWait,
		flightTimeout: positiveOr(cfg.InstitutionTimeout, defaultInstitutionTimeout) + cfg.RefreshLockWait,
		fanOut:        intOr(cfg.FanOutLimit, defaultFanOutLimit),
		telemetry:     telemetry{logger: deps.Logger, metrics: metrics},
	}, nil
}

// GetToken returns a usable bearer token for institution. With forceRefresh
// the cache is bypassed and a new exchange is attempted.
func (m *TokenManager) GetToken(ctx context.Context, institution TargetInstitution, forceRefresh bool) (string, error) {
	if m == nil {
		return "", fmt.Errorf("core: token manager is nil")
	}
	institutionID := strings.TrimSpace(institution.ID)
	if institutionID == "" {
		return "", fmt.Errorf("core: institution id is required")
	}
	if !forceRefresh && institution.HasValidToken(m.now()) {
		m.recordCounter(ctx, metricTokenCacheHit, 1, institutionTags(institution))
		return institution.CachedToken, nil
	}

	// Forced calls get their own flight: a non-forced flight may settle on
	// the stored token without exchanging. The exchange is shared by every
	// waiter, so it must not die with the context of whichever caller
	// happened to start it.
	flightKey := institutionID
	if forceRefresh {
		flightKey += ":force"
	}
	results := m.flights.DoChan(flightKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.flightTimeout)
		defer cancel()
		return m.refresh(flightCtx, institution, forceRefresh)
	})

	select {
	case <-ctx.Done():
		return "", &TokenUnavailableError{
			InstitutionID: institutionID,
			Institution:   institution.Label(),
			Err:           ctx.Err(),
		}
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		token, _ := result.Val.(string)
		return token, nil
	}
}

// RefreshAll forces a refresh for every stored institution and reports how
// many succeeded.
func (m *TokenManager) RefreshAll(ctx context.Context) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("core: token manager is nil")
	}
	institutions, err := m.repository.ListTargetInstitutions(ctx)
	if err != nil {
		return 0, err
	}

	var refreshed atomic.Int64
	group := new(errgroup.Group)
	group.SetLimit(m.fanOut)
	for _, institution := range institutions {
		group.Go(func() error {
			if _, err := m.GetToken(ctx, institution, true); err != nil {
				fields := institutionFields(institution)
				fields["error"] = err.Error()
				m.logWarn(ctx, "token refresh failed", fields)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(refreshed.Load()), nil
}

func (m *TokenManager) refresh(ctx context.Context, institution TargetInstitution, force bool) (string, error) {
	startedAt := m.now()
	unavailable := func(err error) error {
		m.recordCounter(ctx, metricTokenExchangeFailed, 1, institutionTags(institution))
		return &TokenUnavailableError{
			InstitutionID: institution.ID,
			Institution:   institution.Label(),
			Err:           err,
		}
	}

	current := institution
	if stored, err := m.repository.GetTargetInstitution(ctx, institution.ID); err == nil {
		current = stored
		if !force && stored.HasValidToken(startedAt) {
			return stored.CachedToken, nil
		}
	} else if !errors.Is(err, ErrInstitutionNotFound) {
		return "", unavailable(err)
	}

	handle, published, err := m.acquire(ctx, institution, force, startedAt)
	if err != nil {
		return "", unavailable(err)
	}
	if published != "" {
		return published, nil
	}
	if handle != nil {
		defer func() {
			_ = handle.Unlock(context.WithoutCancel(ctx))
		}()
	}

	identity, err := m.repository.GetRequestingIdentity(ctx)
	if err != nil {
		return "", unavailable(err)
	}
	issued, err := m.exchanger.Exchange(ctx, identity, current)
	if err != nil {
		return "", unavailable(err)
	}
	if strings.TrimSpace(issued.AccessToken) == "" {
		return "", unavailable(fmt.Errorf("core: token response missing access_token"))
	}
	m.recordCounter(ctx, metricTokenExchange, 1, institutionTags(institution))

	ttl := issued.ExpiresIn
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.now()
	expiresAt := now.Add(ttl)
	current.CachedToken = issued.AccessToken
	current.TokenExpiresAt = &expiresAt
	current.UpdatedAt = now
	if err := m.repository.SaveTargetInstitution(ctx, current); err != nil {
		fields := institutionFields(institution)
		fields["error"] = err.Error()
		m.logWarn(ctx, "token persist failed, returning uncached token", fields)
	}
	return issued.AccessToken, nil
}

// acquire takes the cross-process refresh lock. While another holder is
// refreshing it polls the store and returns the token that holder
// publishes. It gives up once lockWait has passed on the service clock or
// has been spent in backoff, whichever comes first.
func (m *TokenManager) acquire(ctx context.Context, institution TargetInstitution, force bool, startedAt time.Time) (LockHandle, string, error) {
	if m.locker == nil {
		return nil, "", nil
	}
	waitStarted := m.now()
	var slept time.Duration
	for attempt := 1; ; attempt++ {
		handle, err := m.locker.Acquire(ctx, tokenLockKey(institution.ID), m.lockTTL)
		if err == nil {
			return handle, "", nil
		}
		if !errors.Is(err, ErrRefreshLockHeld) {
			return nil, "", err
		}
		stored, getErr := m.repository.GetTargetInstitution(ctx, institution.ID)
		if getErr == nil && stored.HasValidToken(m.now()) && (!force || !stored.UpdatedAt.Before(startedAt)) {
			return nil, stored.CachedToken, nil
		}
		if m.now().Sub(waitStarted) >= m.lockWait || slept >= m.lockWait {
			return nil, "", err
		}
		delay := m.scheduler.NextDelay(attempt)
		if err := waitWithContext(ctx, delay); err != nil {
			return nil, "", err
		}
		slept += delay
	}
}

func positiveOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func intOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
