// Package client implements client handles. A handle owns exactly one
// reference to an auth.Authenticator and resolves per-target credentials
// through it whenever it opens a connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/connstr"
	"github.com/arwahdevops/dbcreds/internal/db"
	"github.com/arwahdevops/dbcreds/internal/logger"
	"github.com/arwahdevops/dbcreds/internal/metrics"
)

// Options configure New.
type Options struct {
	ConnString        string
	Password          string            // cluster password (rbac) or target password (classic)
	BucketCredentials map[string]string // extra classic-mode target passwords
	MaxRetries        int
	RetryInterval     time.Duration
	ConnPoolSize      int
	ConnMaxLifetime   time.Duration
	Debug             bool           // gorm SQL tracing
	Logger            *zap.Logger    // logger.Log when nil
	Metrics           *metrics.Store // optional
}

// Handle is a client handle.
type Handle struct {
	mu        sync.Mutex
	auth      *auth.Authenticator
	spec      *connstr.Spec
	opts      Options
	log       *zap.Logger
	destroyed bool
}

// New creates a handle with its own authenticator, seeded from the
// connection string: a username in the connection string selects RBAC mode,
// otherwise the handle starts in classic mode.
func New(opts Options) (*Handle, error) {
	spec, err := connstr.Parse(opts.ConnString)
	if err != nil {
		return nil, err
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	a, err := spec.NewAuthenticator(opts.Password, opts.BucketCredentials)
	if err != nil {
		return nil, err
	}

	base := opts.Logger
	if base == nil {
		base = logger.Log
	}
	h := &Handle{
		auth: a,
		spec: spec,
		opts: opts,
		log:  base.Named("client").With(zap.String("conn", spec.String())),
	}
	if opts.Metrics != nil {
		opts.Metrics.HandlesActive.Inc()
	}
	h.log.Debug("Client handle created", zap.String("mode", a.Mode().String()))
	return h, nil
}

// Spec returns the parsed connection string.
func (h *Handle) Spec() *connstr.Spec { return h.spec }

// Authenticator returns the authenticator the handle currently holds. The
// returned pointer stays valid only while the handle holds it; take a Ref to
// keep it beyond that.
func (h *Handle) Authenticator() *auth.Authenticator {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkLive()
	return h.auth
}

// acquire returns the current authenticator with an extra reference so a
// concurrent SetAuthenticator cannot release it mid-use. Callers Unref it.
func (h *Handle) acquire() *auth.Authenticator {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkLive()
	return h.auth.Ref()
}

// Snapshot describes the attached authenticator without passwords.
func (h *Handle) Snapshot() auth.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkLive()
	return h.auth.Snapshot()
}

// SetAuthenticator makes the handle share a. The handle takes its own
// reference on a and releases the one it held before. Setting the
// authenticator the handle already holds does nothing.
func (h *Handle) SetAuthenticator(a *auth.Authenticator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkLive()

	if a == nil {
		panic("client: SetAuthenticator with nil Authenticator")
	}
	if a == h.auth {
		return
	}
	a.Ref()
	old := h.auth
	h.auth = a
	old.Unref()

	h.log.Info("Authenticator attached",
		zap.String("mode", a.Mode().String()),
		zap.Int64("refcount", a.Refcount()))
	if h.opts.Metrics != nil {
		h.opts.Metrics.AuthenticatorRefs.Set(float64(a.Refcount()))
	}
}

// SetCredential is the administrative form of Authenticator.Add. The change
// is visible at once to every handle sharing the authenticator.
func (h *Handle) SetCredential(identifier, secret string, scope auth.Scope) error {
	a := h.acquire()
	defer a.Unref()
	err := a.Add(identifier, secret, scope)

	result := "ok"
	switch {
	case errors.Is(err, auth.ErrOptionsConflict):
		result = "conflict"
	case err != nil:
		result = "invalid"
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.CredentialUpdatesTotal.WithLabelValues(scope.String(), result).Inc()
	}

	if err != nil {
		h.log.Warn("Credential update rejected",
			zap.String("scope", scope.String()),
			zap.String("mode", a.Mode().String()),
			zap.Error(err))
		return err
	}
	h.log.Info("Credential updated",
		zap.String("scope", scope.String()),
		zap.String("identifier", identifier),
		zap.Bool("secret_present", secret != ""))
	return nil
}

// SetBucketCredential sets the password of a single target.
func (h *Handle) SetBucketCredential(target, password string) error {
	return h.SetCredential(target, password, auth.ScopeBucket)
}

// Credentials resolves the username and password for target.
func (h *Handle) Credentials(target string) (username, password string) {
	a := h.acquire()
	defer a.Unref()
	if h.opts.Metrics != nil {
		h.opts.Metrics.CredentialLookupsTotal.WithLabelValues(a.Mode().String()).Inc()
	}
	return a.CredentialsFor(target)
}

// DSN returns the driver DSN for target with the current credentials.
func (h *Handle) DSN(target string) (string, error) {
	username, password := h.Credentials(target)
	return db.BuildDSN(h.spec, target, username, password)
}

// Destroy releases the handle's authenticator reference. It must be called
// exactly once; calling it again, or using the handle afterwards, panics.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkLive()

	h.destroyed = true
	a := h.auth
	h.auth = nil
	a.Unref()

	if h.opts.Metrics != nil {
		h.opts.Metrics.HandlesActive.Dec()
		h.opts.Metrics.AuthenticatorRefs.Set(float64(a.Refcount()))
	}
	h.log.Debug("Client handle destroyed", zap.Int64("authenticator_refcount", a.Refcount()))
}

func (h *Handle) checkLive() {
	if h.destroyed {
		panic("client: use of destroyed Handle")
	}
}

// Open connects to target, retrying up to MaxRetries times with
// RetryInterval between attempts. Credentials are resolved again for every
// attempt so a rotation during the retry loop is picked up.
func (h *Handle) Open(ctx context.Context, target string) (*db.Connector, error) {
	log := h.log.With(zap.String("target", target))
	gl := h.gormLogger(log)
	var lastErr error

	for i := 0; i <= h.opts.MaxRetries; i++ {
		attemptStartTime := time.Now()
		if i > 0 {
			log.Warn("Retrying database connection",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", h.opts.MaxRetries+1),
				zap.Duration("wait_interval", h.opts.RetryInterval),
				zap.String("previous_error", logger.Redact(lastErr.Error())))
			timer := time.NewTimer(h.opts.RetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				h.countConnectError("cancelled", target)
				return nil, fmt.Errorf("context cancelled while waiting to retry connection to %s (attempt %d): %w; last error: %v", target, i+1, ctx.Err(), lastErr)
			}
		}

		dsn, err := h.DSN(target)
		if err != nil {
			h.countConnectError("dsn", target)
			return nil, err
		}

		conn, err := db.New(h.spec.Dialect, target, dsn, gl)
		if err != nil {
			h.countConnectError("connect", target)
			lastErr = fmt.Errorf("connect attempt %d/%d failed for %s: %w", i+1, h.opts.MaxRetries+1, target, err)
			continue
		}

		if err := conn.Ping(ctx); err != nil {
			h.countConnectError("ping", target)
			lastErr = fmt.Errorf("ping attempt %d/%d failed for %s: %w", i+1, h.opts.MaxRetries+1, target, err)
			_ = conn.Close()
			continue
		}

		if err := conn.Optimize(h.opts.ConnPoolSize, h.opts.ConnMaxLifetime); err != nil {
			log.Warn("Failed to optimize connection pool", zap.Error(err))
		}
		if h.opts.Metrics != nil {
			h.opts.Metrics.ConnectDuration.WithLabelValues(target).Observe(time.Since(attemptStartTime).Seconds())
		}
		log.Info("Database connection successful", zap.Duration("connect_duration", time.Since(attemptStartTime)))
		return conn, nil
	}

	log.Error("Failed to connect to database after all retries",
		zap.Int("attempts", h.opts.MaxRetries+1),
		zap.String("final_error", logger.Redact(lastErr.Error())))
	h.countConnectError("failed", target)
	return nil, fmt.Errorf("failed to connect to %s (%s at %s:%d) after %d attempts: %w", target, h.spec.Dialect, h.spec.Host, h.spec.Port, h.opts.MaxRetries+1, lastErr)
}

// gormLogger traces SQL when the handle runs with Debug.
func (h *Handle) gormLogger(log *zap.Logger) logger.GormLoggerInterface {
	return logger.NewGormLogger(log, h.opts.Debug)
}

func (h *Handle) countConnectError(kind, target string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ConnectErrorsTotal.WithLabelValues(kind, target).Inc()
	}
}
