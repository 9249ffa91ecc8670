package multibank

import "github.com/goliatone/go-multibank/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type Repository = core.Repository
type RefreshLocker = core.RefreshLocker
type RefreshBackoffScheduler = core.RefreshBackoffScheduler
type MetricsRecorder = core.MetricsRecorder
type SecretProvider = core.SecretProvider

type RequestingIdentity = core.RequestingIdentity
type TargetInstitution = core.TargetInstitution
type ConsentGrant = core.ConsentGrant
type ConsentStatus = core.ConsentStatus
type Claims = core.Claims

type RequestConsentRequest = core.RequestConsentRequest
type ConsentRequestResult = core.ConsentRequestResult
type ConsentStatusUpdate = core.ConsentStatusUpdate

type AggregateResult = core.AggregateResult

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorMapper             = core.WithErrorMapper
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithRepository              = core.WithRepository
	WithTokenExchanger          = core.WithTokenExchanger
	WithInstitutionAPI          = core.WithInstitutionAPI
	WithTokenVerifier           = core.WithTokenVerifier
	WithNormalizerRegistry      = core.WithNormalizerRegistry
	WithRefreshLocker           = core.WithRefreshLocker
	WithRefreshBackoffScheduler = core.WithRefreshBackoffScheduler
	WithClock                   = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
