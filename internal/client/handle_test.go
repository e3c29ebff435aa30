package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/logger"
	"github.com/arwahdevops/dbcreds/internal/metrics"
)

func newHandle(t *testing.T, connString string) *Handle {
	t.Helper()
	h, err := New(Options{ConnString: connString, Logger: zap.NewNop()})
	require.NoError(t, err)
	return h
}

func TestNewClassicHandle(t *testing.T) {
	h := newHandle(t, "postgres://localhost")
	defer h.Destroy()

	a := h.Authenticator()
	assert.Equal(t, auth.ModeClassic, a.Mode())
	assert.Empty(t, a.Username())
	assert.Equal(t, map[string]string{"default": ""}, a.Buckets())
	assert.Equal(t, int64(1), a.Refcount())

	require.NoError(t, h.SetBucketCredential("user2", "pass2"))
	assert.Len(t, a.Buckets(), 2)
	u, p := h.Credentials("user2")
	assert.Equal(t, "user2", u)
	assert.Equal(t, "pass2", p)
	assert.Empty(t, a.Username())
	assert.Empty(t, a.Password())
}

func TestNewRBACHandle(t *testing.T) {
	h := newHandle(t, "postgres://localhost/default?username=mark")
	defer h.Destroy()

	a := h.Authenticator()
	assert.Equal(t, auth.ModeRBAC, a.Mode())
	assert.Equal(t, "mark", a.Username())
	assert.Empty(t, a.Buckets())

	assert.ErrorIs(t, h.SetCredential("users", "secret", auth.ScopeBucket), auth.ErrOptionsConflict)
	assert.ErrorIs(t, h.SetCredential("users", "secret", auth.ScopeBucket|auth.ScopeCluster), auth.ErrOptionsConflict)
	assert.Equal(t, "mark", a.Username())
	assert.Equal(t, "", a.Password())

	require.NoError(t, h.SetCredential("jane", "seekrit", auth.ScopeCluster))
	u, p := h.Credentials("default")
	assert.Equal(t, "jane", u)
	assert.Equal(t, "seekrit", p)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Options{ConnString: "nope"})
	assert.Error(t, err)

	_, err = New(Options{
		ConnString:        "postgres://localhost/default?username=mark",
		BucketCredentials: map[string]string{"beer": "hops"},
	})
	assert.ErrorIs(t, err, auth.ErrOptionsConflict)
}

func TestSharedAuthenticator(t *testing.T) {
	store := metrics.NewMetricsStore()
	h1, err := New(Options{ConnString: "postgres://localhost", Logger: zap.NewNop(), Metrics: store})
	require.NoError(t, err)
	h2, err := New(Options{ConnString: "postgres://localhost", Logger: zap.NewNop(), Metrics: store})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(store.HandlesActive))

	a := auth.New()
	assert.Equal(t, int64(1), a.Refcount())

	h1.SetAuthenticator(a)
	assert.Equal(t, int64(2), a.Refcount())
	h2.SetAuthenticator(a)
	assert.Equal(t, int64(3), a.Refcount())
	assert.Equal(t, 3.0, testutil.ToFloat64(store.AuthenticatorRefs))

	assert.Same(t, h1.Authenticator(), h2.Authenticator())

	// A mutation through one handle is seen by the other.
	require.NoError(t, h1.SetBucketCredential("beer", "hops"))
	_, p := h2.Credentials("beer")
	assert.Equal(t, "hops", p)

	h1.Destroy()
	h2.Destroy()
	assert.Equal(t, int64(1), a.Refcount())
	assert.Equal(t, 0.0, testutil.ToFloat64(store.HandlesActive))
	assert.Equal(t, "hops", a.PasswordFor("beer"))

	a.Unref()
	assert.Equal(t, int64(0), a.Refcount())
}

func TestSetAuthenticatorSameInstanceIsNoop(t *testing.T) {
	h := newHandle(t, "postgres://localhost")
	defer h.Destroy()

	a := h.Authenticator()
	h.SetAuthenticator(a)
	assert.Equal(t, int64(1), a.Refcount())
	assert.Same(t, a, h.Authenticator())
}

func TestSetAuthenticatorReleasesPrevious(t *testing.T) {
	h := newHandle(t, "postgres://localhost")
	old := h.Authenticator()
	old.Ref() // keep it observable
	defer old.Unref()

	next := auth.NewFromIdentity("mark")
	h.SetAuthenticator(next)
	assert.Equal(t, int64(1), old.Refcount())
	assert.Equal(t, int64(2), next.Refcount())

	h.Destroy()
	assert.Equal(t, int64(1), next.Refcount())
	next.Unref()
}

func TestLookupDuringSetAuthenticator(t *testing.T) {
	shared := auth.NewFromIdentity("mark")
	require.NoError(t, shared.Add("mark", "pw", auth.ScopeCluster))
	defer shared.Unref()

	for i := 0; i < 200; i++ {
		// A fresh handle's own authenticator has a single reference, so the
		// swap below releases it while lookups may still be running.
		h := newHandle(t, "postgres://localhost")
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				h.Credentials("default")
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 20; j++ {
				err := h.SetBucketCredential("travel", "t-pass")
				if err != nil {
					assert.ErrorIs(t, err, auth.ErrOptionsConflict)
				}
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			h.SetAuthenticator(shared)
		}()
		close(start)
		wg.Wait()

		u, p := h.Credentials("default")
		assert.Equal(t, "mark", u)
		assert.Equal(t, "pw", p)
		h.Destroy()
	}
	assert.Equal(t, int64(1), shared.Refcount())
}

func TestHandleSnapshot(t *testing.T) {
	h := newHandle(t, "postgres://localhost/travel")
	defer h.Destroy()

	assert.Equal(t, auth.Snapshot{Mode: auth.ModeClassic, Targets: []string{"travel"}, Refcount: 1}, h.Snapshot())
}

func TestDebugEnablesSQLTracing(t *testing.T) {
	h, err := New(Options{ConnString: "postgres://localhost", Debug: true, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer h.Destroy()
	assert.Equal(t, gormlogger.Info, h.gormLogger(zap.NewNop()).(*logger.GormLogger).LogLevel)

	quiet := newHandle(t, "postgres://localhost")
	defer quiet.Destroy()
	assert.Equal(t, gormlogger.Warn, quiet.gormLogger(zap.NewNop()).(*logger.GormLogger).LogLevel)
}

func TestDestroyTwicePanics(t *testing.T) {
	h := newHandle(t, "postgres://localhost")
	h.Destroy()
	assert.Panics(t, func() { h.Destroy() })
	assert.Panics(t, func() { h.Authenticator() })
}

func TestCredentialMetrics(t *testing.T) {
	store := metrics.NewMetricsStore()
	h, err := New(Options{ConnString: "postgres://localhost/default?username=mark", Logger: zap.NewNop(), Metrics: store})
	require.NoError(t, err)
	defer h.Destroy()

	_ = h.SetCredential("x", "y", auth.ScopeBucket)
	_ = h.SetCredential("x", "y", 0)
	require.NoError(t, h.SetCredential("jane", "pw", auth.ScopeCluster))
	h.Credentials("travel")

	assert.Equal(t, 1.0, testutil.ToFloat64(store.CredentialUpdatesTotal.WithLabelValues("bucket", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.CredentialUpdatesTotal.WithLabelValues("none", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.CredentialUpdatesTotal.WithLabelValues("cluster", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.CredentialLookupsTotal.WithLabelValues("rbac")))
}

func TestDSNFollowsRotation(t *testing.T) {
	h := newHandle(t, "postgres://db.internal/default?username=mark")
	defer h.Destroy()

	dsn, err := h.DSN("travel")
	require.NoError(t, err)
	assert.Contains(t, dsn, "user=mark")
	assert.Contains(t, dsn, "dbname=travel")

	require.NoError(t, h.SetCredential("jane", "seekrit", auth.ScopeCluster))
	dsn, err = h.DSN("travel")
	require.NoError(t, err)
	assert.Contains(t, dsn, "user=jane")
	assert.Contains(t, dsn, "password=seekrit")
}

func TestOpenHonorsCancellation(t *testing.T) {
	store := metrics.NewMetricsStore()
	h, err := New(Options{
		ConnString:    "postgres://127.0.0.1:1/default",
		Logger:        zap.NewNop(),
		Metrics:       store,
		MaxRetries:    1,
		RetryInterval: time.Hour,
	})
	require.NoError(t, err)
	defer h.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = h.Open(ctx, "default")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(store.ConnectErrorsTotal.WithLabelValues("cancelled", "default")))
}

func TestOpenGivesUpAfterRetries(t *testing.T) {
	h, err := New(Options{
		ConnString:    "postgres://127.0.0.1:1/default",
		Logger:        zap.NewNop(),
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer h.Destroy()

	_, err = h.Open(context.Background(), "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
