package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultServiceName        = "multibank"
	defaultCurrency           = "RUB"
	defaultTokenTTL           = 24 * time.Hour
	defaultConsentWindow      = time.Hour
	defaultFanOutLimit        = 4
	defaultInstitutionTimeout = 5 * time.Second
	defaultRefreshLockTTL     = 30 * time.Second
	defaultRefreshLockWait    = 10 * time.Second
)

var defaultConsentPermissions = []string{"accounts", "transactions", "balances"}

type Config struct {
	ServiceName        string        `koanf:"service_name" mapstructure:"service_name"`
	DefaultCurrency    string        `koanf:"default_currency" mapstructure:"default_currency"`
	DefaultTokenTTL    time.Duration `koanf:"default_token_ttl" mapstructure:"default_token_ttl"`
	ConsentWindow      time.Duration `koanf:"consent_window" mapstructure:"consent_window"`
	ConsentPermissions []string      `koanf:"consent_permissions" mapstructure:"consent_permissions"`
	FanOutLimit        int           `koanf:"fan_out_limit" mapstructure:"fan_out_limit"`
	InstitutionTimeout time.Duration `koanf:"institution_timeout" mapstructure:"institution_timeout"`
	RefreshLockTTL     time.Duration `koanf:"refresh_lock_ttl" mapstructure:"refresh_lock_ttl"`
	RefreshLockWait    time.Duration `koanf:"refresh_lock_wait" mapstructure:"refresh_lock_wait"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		DefaultCurrency:    defaultCurrency,
		DefaultTokenTTL:    defaultTokenTTL,
		ConsentWindow:      defaultConsentWindow,
		ConsentPermissions: append([]string(nil), defaultConsentPermissions...),
		FanOutLimit:        defaultFanOutLimit,
		InstitutionTimeout: defaultInstitutionTimeout,
		RefreshLockTTL:     defaultRefreshLockTTL,
		RefreshLockWait:    defaultRefreshLockWait,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.DefaultCurrency) == "" {
		return fmt.Errorf("core: default_currency is required")
	}
	if c.DefaultTokenTTL <= 0 {
		return fmt.Errorf("core: default_token_ttl must be positive")
	}
	if c.ConsentWindow <= 0 {
		return fmt.Errorf("core: consent_window must be positive")
	}
	if len(c.ConsentPermissions) == 0 {
		return fmt.Errorf("core: consent_permissions is required")
	}
	if c.FanOutLimit <= 0 {
		return fmt.Errorf("core: fan_out_limit must be positive")
	}
	if c.InstitutionTimeout <= 0 {
		return fmt.Errorf("core: institution_timeout must be positive")
	}
	if c.RefreshLockTTL <= 0 {
		return fmt.Errorf("core: refresh_lock_ttl must be positive")
	}
	if c.RefreshLockWait < 0 {
		return fmt.Errorf("core: refresh_lock_wait must not be negative")
	}
	return nil
}
