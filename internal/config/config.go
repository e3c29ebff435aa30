package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
	"go.uber.org/multierr"

	"github.com/arwahdevops/dbcreds/internal/connstr"
)

type Config struct {
	// Connection
	ConnString        string            `env:"CONNSTR,required,notEmpty"`                 // e.g. postgres://db:5432/default?username=mark
	Password          string            `env:"PASSWORD"`                                  // cluster password (rbac) or connection target password (classic)
	BucketCredentials map[string]string `env:"BUCKET_CREDENTIALS" envKeyValSeparator:":"` // target:password,target2:password2 (classic only)
	Targets           []string          `env:"TARGETS" envSeparator:","`                  // targets to open connection pools for
	Handles           int               `env:"HANDLES" envDefault:"1"`                    // client handles sharing the authenticator

	// Retry Logic (connection opening)
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`

	// Connection Pool
	ConnPoolSize    int           `env:"CONN_POOL_SIZE" envDefault:"20"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"1h"`

	// Observability & Debugging
	EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
	DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	EnablePprof       bool `env:"ENABLE_PPROF" envDefault:"false"`
	AdminPort         int  `env:"ADMIN_PORT" envDefault:"9091"` // /metrics, /healthz, /readyz, /auth

	// Vault
	VaultEnabled      bool              `env:"VAULT_ENABLED" envDefault:"false"`
	VaultAddr         string            `env:"VAULT_ADDR" envDefault:"http://127.0.0.1:8200"`
	VaultToken        string            `env:"VAULT_TOKEN"`
	VaultCACert       string            `env:"VAULT_CACERT"`
	VaultSkipVerify   bool              `env:"VAULT_SKIP_VERIFY" envDefault:"false"`
	VaultMount        string            `env:"VAULT_MOUNT" envDefault:"secret"`
	ClusterSecretPath string            `env:"CLUSTER_SECRET_PATH"`                        // KV path holding the cluster identity
	BucketSecretPaths map[string]string `env:"BUCKET_SECRET_PATHS" envKeyValSeparator:":"` // target:kv-path,...
	UsernameKey       string            `env:"SECRET_USERNAME_KEY" envDefault:"username"`
	PasswordKey       string            `env:"SECRET_PASSWORD_KEY" envDefault:"password"`

	// Spec is ConnString parsed by Load.
	Spec *connstr.Spec `env:"-"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parsing error: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig reports every problem at once rather than the first one.
func validateConfig(cfg *Config) error {
	var errs error

	spec, err := connstr.Parse(cfg.ConnString)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid CONNSTR: %w", err))
	} else {
		cfg.Spec = spec
		if spec.Username != "" && len(cfg.BucketCredentials) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("BUCKET_CREDENTIALS cannot be combined with a username in CONNSTR (rbac mode)"))
		}
		if spec.Username != "" && len(cfg.BucketSecretPaths) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("BUCKET_SECRET_PATHS cannot be combined with a username in CONNSTR (rbac mode)"))
		}
	}

	if cfg.AdminPort < 1 || cfg.AdminPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid admin port: %d", cfg.AdminPort))
	}
	if cfg.Handles <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("handles must be positive"))
	}
	if cfg.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max retries cannot be negative"))
	}
	if cfg.ConnPoolSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("connection pool size must be positive"))
	}
	for i, target := range cfg.Targets {
		cfg.Targets[i] = strings.TrimSpace(target)
		if cfg.Targets[i] == "" {
			errs = multierr.Append(errs, fmt.Errorf("TARGETS entry %d is empty", i))
		}
	}

	if cfg.VaultEnabled {
		if cfg.VaultAddr == "" {
			errs = multierr.Append(errs, fmt.Errorf("VAULT_ADDR is required when VAULT_ENABLED=true"))
		}
		if cfg.VaultMount == "" {
			errs = multierr.Append(errs, fmt.Errorf("VAULT_MOUNT cannot be empty"))
		}
	} else if cfg.ClusterSecretPath != "" || len(cfg.BucketSecretPaths) > 0 {
		errs = multierr.Append(errs, fmt.Errorf("secret paths are configured but VAULT_ENABLED is false"))
	}

	return errs
}

// ResolvedTargets returns Targets, or the connection string's target when
// none are configured.
func (c *Config) ResolvedTargets() []string {
	if len(c.Targets) > 0 {
		return c.Targets
	}
	if c.Spec != nil {
		return []string{c.Spec.Target}
	}
	return nil
}
