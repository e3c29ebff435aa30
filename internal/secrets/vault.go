package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultOptions configures a VaultManager.
type VaultOptions struct {
	Enabled    bool
	Address    string
	Token      string
	CACert     string
	SkipVerify bool
	Mount      string // KV v2 mount, "secret" when empty
	Timeout    time.Duration
}

// VaultManager implements the SecretManager interface for HashiCorp Vault KV v2.
type VaultManager struct {
	client *vault.Client
	opts   VaultOptions
	logger *zap.Logger
}

// NewVaultManager returns a disabled manager when opts.Enabled is false.
func NewVaultManager(opts VaultOptions, baseLogger *zap.Logger) (*VaultManager, error) {
	log := baseLogger.Named("vault-manager")
	if opts.Mount == "" {
		opts.Mount = "secret"
	}
	if !opts.Enabled {
		log.Info("Vault secret manager is disabled via configuration.")
		return &VaultManager{opts: opts, logger: log}, nil
	}

	log.Info("Initializing Vault secret manager", zap.String("address", opts.Address), zap.String("mount", opts.Mount))

	vConfig := vault.DefaultConfig()
	vConfig.Address = opts.Address
	vConfig.Timeout = 10 * time.Second
	if opts.Timeout > 0 {
		vConfig.Timeout = opts.Timeout
	}

	err := vConfig.ConfigureTLS(&vault.TLSConfig{
		CACert:   opts.CACert,
		Insecure: opts.SkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if opts.Token != "" {
		log.Info("Using Vault token authentication")
		client.SetToken(opts.Token)
	} else {
		log.Warn("Vault is enabled, but no VAULT_TOKEN provided; requests will be unauthenticated.")
	}

	return &VaultManager{
		client: client,
		opts:   opts,
		logger: log,
	}, nil
}

func (m *VaultManager) IsEnabled() bool {
	return m.opts.Enabled && m.client != nil
}

// GetCredentials reads a KV v2 secret. The password must be a non-empty
// string; the username may be missing.
func (m *VaultManager) GetCredentials(ctx context.Context, path, usernameKey, passwordKey string) (*Credentials, error) {
	if !m.IsEnabled() {
		return nil, errors.New("vault manager is not enabled or not initialized")
	}
	if path == "" {
		return nil, errors.New("vault secret path cannot be empty")
	}
	if usernameKey == "" {
		usernameKey = "username"
	}
	if passwordKey == "" {
		passwordKey = "password"
	}

	log := m.logger.With(zap.String("vault_path", path))
	log.Debug("Reading secret from Vault KV v2", zap.String("username_key", usernameKey), zap.String("password_key", passwordKey))

	secret, err := m.client.KVv2(m.opts.Mount).Get(ctx, path)
	if err != nil {
		var respErr *vault.ResponseError
		if errors.Is(err, vault.ErrSecretNotFound) || (errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound) {
			log.Error("Secret not found in Vault", zap.Error(err))
			return nil, fmt.Errorf("secret '%s' not found in Vault: %w", path, err)
		}
		log.Error("Failed to read secret from Vault", zap.Error(err))
		return nil, fmt.Errorf("failed to read secret '%s' from Vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		log.Error("Vault secret data is empty")
		return nil, fmt.Errorf("secret data for '%s' is empty", path)
	}

	passwordVal, ok := secret.Data[passwordKey]
	if !ok || passwordVal == nil {
		log.Error("Password key not found or is null in Vault secret data", zap.String("key_used", passwordKey))
		return nil, fmt.Errorf("password key '%s' not found or is null in secret '%s'", passwordKey, path)
	}
	password, ok := passwordVal.(string)
	if !ok || password == "" {
		log.Error("Password value in Vault secret is not a non-empty string", zap.String("key_used", passwordKey))
		return nil, fmt.Errorf("password value for key '%s' in secret '%s' is not a non-empty string", passwordKey, path)
	}

	username, _ := secret.Data[usernameKey].(string)

	log.Info("Retrieved credentials from Vault", zap.Bool("username_present", username != ""))
	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}
