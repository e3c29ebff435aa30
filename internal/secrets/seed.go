package secrets

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/metrics"
)

// SeedPlan says which secrets feed which part of an authenticator.
type SeedPlan struct {
	ClusterPath string            // cluster identity, applied with auth.ScopeCluster
	BucketPaths map[string]string // target -> path, applied with auth.ScopeBucket
	UsernameKey string
	PasswordKey string
	Timeout     time.Duration // per read, 15s when zero
}

// Seed reads every secret in plan and stores it in a. Entries are applied
// independently: one failing read or conflicting scope does not stop the
// others, and all failures are returned combined.
func Seed(ctx context.Context, a *auth.Authenticator, managers []SecretManager, plan SeedPlan, logger *zap.Logger, store *metrics.Store) error {
	log := logger.Named("secrets-seed")
	var errs error

	if plan.ClusterPath != "" {
		creds, err := fetch(ctx, managers, plan, plan.ClusterPath, log)
		if err == nil {
			username := creds.Username
			if username == "" {
				username = a.Username()
				log.Warn("Username field empty in cluster secret; keeping the current cluster username.", zap.String("username", username))
			}
			if username == "" {
				err = fmt.Errorf("cluster secret '%s' has no username and none is configured", plan.ClusterPath)
			} else {
				err = a.Add(username, creds.Password, auth.ScopeCluster)
			}
		}
		record(store, auth.ScopeCluster, err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cluster credentials: %w", err))
		}
	}

	targets := make([]string, 0, len(plan.BucketPaths))
	for target := range plan.BucketPaths {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		creds, err := fetch(ctx, managers, plan, plan.BucketPaths[target], log.With(zap.String("target", target)))
		if err == nil {
			err = a.Add(target, creds.Password, auth.ScopeBucket)
		}
		record(store, auth.ScopeBucket, err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("credentials for target %s: %w", target, err))
		}
	}

	if errs == nil {
		log.Info("Authenticator seeded from secret managers",
			zap.String("mode", a.Mode().String()),
			zap.Bool("cluster_secret", plan.ClusterPath != ""),
			zap.Int("bucket_secrets", len(plan.BucketPaths)))
	}
	return errs
}

// fetch tries each enabled manager in order and returns the first result.
func fetch(ctx context.Context, managers []SecretManager, plan SeedPlan, path string, log *zap.Logger) (*Credentials, error) {
	timeout := plan.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var errs error
	tried := 0
	for _, sm := range managers {
		if !sm.IsEnabled() {
			continue
		}
		tried++
		getCtx, cancel := context.WithTimeout(ctx, timeout)
		creds, err := sm.GetCredentials(getCtx, path, plan.UsernameKey, plan.PasswordKey)
		cancel()
		if err == nil && creds == nil {
			err = fmt.Errorf("secret manager returned no credentials for '%s'", path)
		}
		if err == nil {
			return creds, nil
		}
		log.Warn("Failed to retrieve credentials from secret manager. Trying next if available.",
			zap.String("manager_type", fmt.Sprintf("%T", sm)),
			zap.String("path", path),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if tried == 0 {
		return nil, fmt.Errorf("secret path '%s' is configured but no secret manager is enabled", path)
	}
	return nil, errs
}

func record(store *metrics.Store, scope auth.Scope, err error) {
	if store == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	store.SecretFetchTotal.WithLabelValues(scope.String(), result).Inc()
}
