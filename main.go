package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/client"
	"github.com/arwahdevops/dbcreds/internal/config"
	"github.com/arwahdevops/dbcreds/internal/db"
	"github.com/arwahdevops/dbcreds/internal/logger"
	"github.com/arwahdevops/dbcreds/internal/metrics"
	"github.com/arwahdevops/dbcreds/internal/secrets"
	"github.com/arwahdevops/dbcreds/internal/server"
)

var (
	envFile       string
	handlesFlag   int
	adminPortFlag int
)

func main() {
	root := &cobra.Command{
		Use:           "dbcreds",
		Short:         "Shared database credential store for client handles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Log.Sync()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Open connection pools through a shared authenticator and run the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().IntVar(&handlesFlag, "handles", 0, "Override HANDLES (must be > 0)")
	serve.Flags().IntVar(&adminPortFlag, "admin-port", 0, "Override ADMIN_PORT")

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print the credential mode and targets the configuration resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runInspect(cmd, cfg)
		},
	}

	root.AddCommand(serve, inspect)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Log.Error("Command failed", zap.Error(err))
		_ = logger.Log.Sync()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the dotenv file and initializes the logger.
func setup() error {
	if err := godotenv.Overload(envFile); err != nil {
		stdlog.Printf("Warning: Could not load %s file: %v. Relying on environment variables.\n", envFile, err)
	}

	preCfg := &struct {
		EnableJsonLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
		DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	}{}
	if err := env.Parse(preCfg); err != nil {
		return fmt.Errorf("failed to parse pre-configuration for logger: %w", err)
	}
	return logger.Init(preCfg.DebugMode, preCfg.EnableJsonLogging)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading error from environment: %w", err)
	}
	if handlesFlag > 0 {
		logger.Log.Info("Overriding HANDLES with CLI flag", zap.Int("env_value", cfg.Handles), zap.Int("cli_value", handlesFlag))
		cfg.Handles = handlesFlag
	}
	if adminPortFlag > 0 {
		logger.Log.Info("Overriding ADMIN_PORT with CLI flag", zap.Int("env_value", cfg.AdminPort), zap.Int("cli_value", adminPortFlag))
		cfg.AdminPort = adminPortFlag
	}
	logLoadedConfig(cfg)
	return cfg, nil
}

func logLoadedConfig(cfg *config.Config) {
	logger.Log.Info("Final configuration in use",
		zap.String("conn", cfg.Spec.String()),
		zap.String("mode", cfg.Spec.Mode().String()),
		zap.Bool("password_present", cfg.Password != "" || cfg.Spec.Password != ""),
		zap.Int("bucket_credentials", len(cfg.BucketCredentials)),
		zap.Strings("targets", cfg.ResolvedTargets()),
		zap.Int("handles", cfg.Handles),
		zap.Int("max_retries", cfg.MaxRetries), zap.Duration("retry_interval", cfg.RetryInterval),
		zap.Int("conn_pool_size", cfg.ConnPoolSize), zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		zap.Bool("json_logging", cfg.EnableJsonLogging), zap.Bool("enable_pprof", cfg.EnablePprof), zap.Int("admin_port", cfg.AdminPort), zap.Bool("debug_mode", cfg.DebugMode),
		zap.Bool("vault_enabled", cfg.VaultEnabled), zap.String("vault_addr", cfg.VaultAddr), zap.Bool("vault_token_present", cfg.VaultToken != ""),
		zap.String("vault_mount", cfg.VaultMount), zap.String("cluster_secret_path", cfg.ClusterSecretPath), zap.Int("bucket_secret_paths", len(cfg.BucketSecretPaths)),
	)
}

// buildAuthenticator creates the standalone authenticator every handle
// shares and seeds it from the secret managers.
func buildAuthenticator(ctx context.Context, cfg *config.Config, store *metrics.Store) (*auth.Authenticator, error) {
	a, err := cfg.Spec.NewAuthenticator(cfg.Password, cfg.BucketCredentials)
	if err != nil {
		return nil, err
	}
	if cfg.ClusterSecretPath == "" && len(cfg.BucketSecretPaths) == 0 {
		return a, nil
	}

	vaultMgr, err := secrets.NewVaultManager(secrets.VaultOptions{
		Enabled:    cfg.VaultEnabled,
		Address:    cfg.VaultAddr,
		Token:      cfg.VaultToken,
		CACert:     cfg.VaultCACert,
		SkipVerify: cfg.VaultSkipVerify,
		Mount:      cfg.VaultMount,
	}, logger.Log)
	if err != nil {
		a.Unref()
		return nil, fmt.Errorf("failed to initialize Vault secret manager: %w", err)
	}

	err = secrets.Seed(ctx, a, []secrets.SecretManager{vaultMgr}, secrets.SeedPlan{
		ClusterPath: cfg.ClusterSecretPath,
		BucketPaths: cfg.BucketSecretPaths,
		UsernameKey: cfg.UsernameKey,
		PasswordKey: cfg.PasswordKey,
	}, logger.Log, store)
	if err != nil {
		a.Unref()
		return nil, fmt.Errorf("failed to load credentials from secret managers: %w", err)
	}
	return a, nil
}

func runServe(ctx context.Context, cfg *config.Config) (err error) {
	store := metrics.NewMetricsStore()

	shared, err := buildAuthenticator(ctx, cfg, store)
	if err != nil {
		return err
	}

	handles := make([]*client.Handle, 0, cfg.Handles)
	defer func() {
		for _, h := range handles {
			h.Destroy()
		}
		logger.Log.Info("Client handles destroyed", zap.Int64("authenticator_refcount", shared.Refcount()))
	}()
	for i := 0; i < cfg.Handles; i++ {
		h, err := client.New(client.Options{
			ConnString:      cfg.ConnString,
			Password:        cfg.Password,
			MaxRetries:      cfg.MaxRetries,
			RetryInterval:   cfg.RetryInterval,
			ConnPoolSize:    cfg.ConnPoolSize,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			Debug:           cfg.DebugMode,
			Logger:          logger.Log.With(zap.Int("handle", i)),
			Metrics:         store,
		})
		if err != nil {
			shared.Unref()
			return fmt.Errorf("failed to create client handle %d: %w", i, err)
		}
		h.SetAuthenticator(shared)
		handles = append(handles, h)
	}
	// The handles own the authenticator from here on.
	shared.Unref()

	// Targets are spread over the handles; each connector belongs to one handle.
	connectors := map[string]*db.Connector{}
	pingers := map[string]server.Pinger{}
	defer func() {
		logger.Log.Info("Closing database connections...")
		var closeErr error
		for _, conn := range connectors {
			closeErr = multierr.Append(closeErr, conn.Close())
		}
		if closeErr != nil {
			logger.Log.Error("Error closing connections", zap.Error(closeErr))
			err = multierr.Append(err, closeErr)
		}
	}()
	for i, target := range cfg.ResolvedTargets() {
		conn, err := handles[i%len(handles)].Open(ctx, target)
		if err != nil {
			return err
		}
		connectors[target] = conn
		pingers[target] = conn
	}

	logger.Log.Info("Client handles ready",
		zap.Int("handles", len(handles)),
		zap.String("mode", shared.Mode().String()),
		zap.Int64("authenticator_refcount", shared.Refcount()))

	return server.Run(ctx, server.Options{
		Port:        cfg.AdminPort,
		EnablePprof: cfg.EnablePprof,
		Metrics:     store,
		Admin:       handles[0],
		Pingers:     pingers,
		Logger:      logger.Log,
	})
}

func runInspect(cmd *cobra.Command, cfg *config.Config) error {
	a, err := buildAuthenticator(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer a.Unref()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "connection: %s\n", cfg.Spec)
	fmt.Fprintf(out, "mode:       %s\n", a.Mode())
	if a.Mode() == auth.ModeRBAC {
		fmt.Fprintf(out, "username:   %s\n", a.Username())
		fmt.Fprintf(out, "password:   %s\n", presence(a.Password()))
		return nil
	}
	for _, target := range a.Targets() {
		fmt.Fprintf(out, "target:     %s (password %s)\n", target, presence(a.PasswordFor(target)))
	}
	return nil
}

func presence(s string) string {
	if s == "" {
		return "empty"
	}
	return "set"
}
