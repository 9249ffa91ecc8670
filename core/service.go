package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config          Config
	loggerProvider  LoggerProvider
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	repository      Repository
	verifier        TokenVerifier
	normalizers     NormalizerRegistry
	refreshLocker   RefreshLocker
	tokens          *TokenManager
	consents        *ConsentManager
	aggregator      *Aggregator
	now             func() time.Time

	telemetry
}

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	Repository      Repository
	TokenVerifier   TokenVerifier
	Normalizers     NormalizerRegistry
	RefreshLocker   RefreshLocker
	Tokens          *TokenManager
	Consents        *ConsentManager
	Aggregator      *Aggregator
}

type RequestConsentRequest struct {
	UserID                string
	InstitutionID         string
	ClientIDAtInstitution string
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(defaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(defaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = utcNow
	}
	if builder.repository == nil {
		builder.repository = NewMemoryRepository()
	}
	if builder.refreshLocker == nil {
		builder.refreshLocker = NewMemoryRefreshLocker()
	}
	if builder.refreshScheduler == nil {
		builder.refreshScheduler = ExponentialBackoffScheduler{
			Initial: defaultLockInitialBackoff,
			Max:     defaultLockMaxBackoff,
		}
	}
	if builder.exchanger == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: token exchanger is required"))
	}
	if builder.institutionAPI == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: institution api is required"))
	}
	if builder.normalizers == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: normalizer registry is required"))
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	clock := builder.clock
	tokens, err := NewTokenManager(finalConfig, TokenManagerDeps{
		Repository: builder.repository,
		Exchanger:  builder.exchanger,
		Locker:     builder.refreshLocker,
		Scheduler:  builder.refreshScheduler,
		Clock:      clock,
		Logger:     logger,
		Metrics:    builder.metricsRecorder,
	})
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	consents, err := NewConsentManager(finalConfig, ConsentManagerDeps{
		Repository: builder.repository,
		API:        builder.institutionAPI,
		Tokens:     tokens,
		Clock:      clock,
		Logger:     logger,
		Metrics:    builder.metricsRecorder,
	})
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	aggregator, err := NewAggregator(finalConfig, AggregatorDeps{
		Repository:  builder.repository,
		API:         builder.institutionAPI,
		Tokens:      tokens,
		Consents:    consents,
		Normalizers: builder.normalizers,
		Logger:      logger,
		Metrics:     builder.metricsRecorder,
	})
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &Service{
		config:          finalConfig,
		loggerProvider:  provider,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		repository:      builder.repository,
		verifier:        builder.verifier,
		normalizers:     builder.normalizers,
		refreshLocker:   builder.refreshLocker,
		tokens:          tokens,
		consents:        consents,
		aggregator:      aggregator,
		now:             func() time.Time { return clock().UTC() },
		telemetry:       telemetry{logger: logger, metrics: builder.metricsRecorder},
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metrics,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		Repository:      s.repository,
		TokenVerifier:   s.verifier,
		Normalizers:     s.normalizers,
		RefreshLocker:   s.refreshLocker,
		Tokens:          s.tokens,
		Consents:        s.consents,
		Aggregator:      s.aggregator,
	}
}

func (s *Service) Aggregate(ctx context.Context, userID string) (result AggregateResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": userID}
	defer func() {
		fields["institutions_connected"] = result.InstitutionsConnected
		fields["account_count"] = result.TotalAccountCount
		s.observeOperation(ctx, startedAt, "aggregate", err, fields)
	}()

	result, err = s.aggregator.Aggregate(ctx, userID)
	if err != nil {
		err = s.mapError(err)
		return AggregateResult{}, err
	}
	return result, nil
}

func (s *Service) RequestConsent(ctx context.Context, req RequestConsentRequest) (result ConsentRequestResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"user_id":        req.UserID,
		"institution_id": req.InstitutionID,
	}
	defer func() {
		if result.ConsentID != "" {
			fields["consent_id"] = result.ConsentID
		}
		s.observeOperation(ctx, startedAt, "request_consent", err, fields)
	}()

	result, err = s.consents.RequestConsent(ctx, req.UserID, req.InstitutionID, req.ClientIDAtInstitution)
	if err != nil {
		err = s.mapError(err)
		return ConsentRequestResult{}, err
	}
	return result, nil
}

func (s *Service) GetActiveConsent(ctx context.Context, userID string, institutionID string) (*ConsentGrant, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(institutionID) == "" {
		return nil, s.mapError(fmt.Errorf("core: user id and institution id are required"))
	}
	grant, err := s.consents.GetActiveConsent(ctx, userID, institutionID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return grant, nil
}

func (s *Service) UpdateConsentStatus(ctx context.Context, update ConsentStatusUpdate) (grant ConsentGrant, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"institution_id": update.InstitutionID,
		"consent_id":     update.ConsentID,
		"status":         string(update.Status),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "update_consent_status", err, fields)
	}()

	grant, err = s.consents.UpdateStatus(ctx, update)
	if err != nil {
		err = s.mapError(err)
		return grant, err
	}
	return grant, nil
}

// ForceRefreshAllTokens refreshes every institution token regardless of
// cache validity and returns how many refreshes succeeded.
func (s *Service) ForceRefreshAllTokens(ctx context.Context) (refreshed int, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["refreshed"] = refreshed
		s.observeOperation(ctx, startedAt, "force_refresh_all_tokens", err, fields)
	}()

	refreshed, err = s.tokens.RefreshAll(ctx)
	if err != nil {
		err = s.mapError(err)
		return refreshed, err
	}
	return refreshed, nil
}

func (s *Service) GetToken(ctx context.Context, institutionID string, forceRefresh bool) (string, error) {
	institution, err := s.repository.GetTargetInstitution(ctx, strings.TrimSpace(institutionID))
	if err != nil {
		return "", s.mapError(err)
	}
	token, err := s.tokens.GetToken(ctx, institution, forceRefresh)
	if err != nil {
		return "", s.mapError(err)
	}
	return token, nil
}

// VerifyToken checks a token issued by the institution against its
// published key set.
func (s *Service) VerifyToken(ctx context.Context, institutionID string, token string) (claims Claims, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"institution_id": institutionID}
	defer func() {
		if kind, ok := VerificationKind(err); ok {
			fields["verification_failure"] = string(kind)
		}
		s.observeOperation(ctx, startedAt, "verify_token", err, fields)
	}()

	if s.verifier == nil {
		err = s.mapError(fmt.Errorf("core: token verifier is not configured"))
		return nil, err
	}
	institution, err := s.repository.GetTargetInstitution(ctx, strings.TrimSpace(institutionID))
	if err != nil {
		err = s.mapError(err)
		return nil, err
	}
	fields["institution_code"] = institution.Code
	claims, err = s.verifier.Verify(ctx, token, institution)
	if err != nil {
		err = s.mapError(err)
		return nil, err
	}
	return claims, nil
}

func (s *Service) ExpireStaleConsents(ctx context.Context) (expired int, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["expired"] = expired
		s.observeOperation(ctx, startedAt, "expire_stale_consents", err, fields)
	}()

	expired, err = s.consents.ExpireStale(ctx)
	if err != nil {
		err = s.mapError(err)
		return expired, err
	}
	return expired, nil
}
