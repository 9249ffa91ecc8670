package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	multibank "github.com/goliatone/go-multibank"
	"github.com/goliatone/go-multibank/adapters/goredis"
	"github.com/goliatone/go-multibank/core"
	"github.com/goliatone/go-multibank/security"
	sqlstore "github.com/goliatone/go-multibank/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	"gopkg.in/yaml.v3"
)

const rateLimitStateTTL = 30 * time.Second

type globalOptions struct {
	configPath  string
	driver      string
	dsn         string
	appKey      string
	redisAddr   string
	openBanking []string
}

// runtime is one opened database plus the service built over it.
type runtime struct {
	client     *persistence.Client
	repository *sqlstore.Repository
	factory    *sqlstore.RepositoryFactory
	service    *multibank.Service
	locker     *goredis.RefreshLocker
}

func openStore(ctx context.Context, opts *globalOptions) (*runtime, error) {
	if strings.TrimSpace(opts.appKey) == "" {
		return nil, fmt.Errorf("app key is required (--app-key or MULTIBANK_APP_KEY)")
	}
	secrets, err := security.NewAppKeySecretProviderFromString(opts.appKey)
	if err != nil {
		return nil, err
	}
	client, err := sqlstore.Open(ctx, sqlstore.PersistenceConfig{
		Driver: opts.driver,
		DSN:    opts.dsn,
	})
	if err != nil {
		return nil, err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, secrets)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &runtime{client: client, repository: factory.Repository(), factory: factory}, nil
}

func openService(ctx context.Context, opts *globalOptions) (*runtime, error) {
	rt, err := openStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	serviceOpts := []multibank.Option{
		multibank.WithRepository(rt.repository),
		multibank.WithConfigProvider(core.NewCfgxConfigProvider(yamlConfigLoader{path: opts.configPath})),
	}
	if addr := strings.TrimSpace(opts.redisAddr); addr != "" {
		locker, err := goredis.NewRefreshLockerFromAddr(addr, os.Getenv("MULTIBANK_REDIS_PASSWORD"), 0)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.locker = locker
		serviceOpts = append(serviceOpts, multibank.WithRefreshLocker(locker))
	}

	stateCache, err := sqlstore.NewRateLimitStateCache(rateLimitStateTTL)
	if err != nil {
		rt.Close()
		return nil, err
	}
	limits, err := sqlstore.NewCachedRateLimitStateStore(rt.factory.RateLimitStateStore(), stateCache)
	if err != nil {
		rt.Close()
		return nil, err
	}

	svc, err := multibank.New(multibank.Config{}, multibank.StackConfig{
		RateLimitStore:   limits,
		OpenBankingCodes: opts.openBanking,
	}, serviceOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = svc
	return rt, nil
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.locker != nil {
		_ = r.locker.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
}

// yamlConfigLoader feeds a YAML settings file to the cfgx provider. An
// empty path loads nothing so defaults apply.
type yamlConfigLoader struct {
	path string
}

func (l yamlConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}
