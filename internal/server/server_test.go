package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/client"
	"github.com/arwahdevops/dbcreds/internal/metrics"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, connString string, pingers map[string]Pinger) (http.Handler, *client.Handle) {
	t.Helper()
	store := metrics.NewMetricsStore()
	h, err := client.New(client.Options{ConnString: connString, Logger: zap.NewNop(), Metrics: store})
	require.NoError(t, err)
	t.Cleanup(h.Destroy)
	return NewRouter(Options{Metrics: store, Admin: h, Pingers: pingers, Logger: zap.NewNop()}), h
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t, "postgres://localhost", nil)

	rec := do(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dbcreds_handles_active 1")

	rec = do(t, router, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyz(t *testing.T) {
	router, _ := newTestRouter(t, "postgres://localhost", map[string]Pinger{"travel": fakePinger{}})
	rec := do(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	router, _ = newTestRouter(t, "postgres://localhost", map[string]Pinger{
		"travel": fakePinger{},
		"beer":   fakePinger{err: errors.New("connection refused")},
	})
	rec = do(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "beer")
	assert.NotContains(t, rec.Body.String(), "travel")
}

func TestGetAuthNeverShowsPasswords(t *testing.T) {
	router, h := newTestRouter(t, "postgres://localhost", nil)
	require.NoError(t, h.SetBucketCredential("travel", "t-pass"))

	rec := do(t, router, http.MethodGet, "/auth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "t-pass")

	var view authView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, authView{Mode: "classic", Username: "", Targets: []string{"default", "travel"}, Refcount: 1}, view)
}

func TestGetAuthWhileAuthenticatorIsSwapped(t *testing.T) {
	shared := auth.NewFromIdentity("mark")
	defer shared.Unref()

	for i := 0; i < 50; i++ {
		router, h := newTestRouter(t, "postgres://localhost", nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec := do(t, router, http.MethodGet, "/auth", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
		go func() {
			defer wg.Done()
			h.SetAuthenticator(shared)
		}()
		wg.Wait()
	}

	router, h := newTestRouter(t, "postgres://localhost", nil)
	h.SetAuthenticator(shared)
	rec := do(t, router, http.MethodGet, "/auth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view authView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "rbac", view.Mode)
	assert.Equal(t, "mark", view.Username)
	assert.Empty(t, view.Targets)
}

func TestPutCredentialsRBAC(t *testing.T) {
	router, h := newTestRouter(t, "postgres://localhost/default?username=mark", nil)

	testCases := []struct {
		name   string
		body   string
		status int
	}{
		{"Bucket Scope Conflicts", `{"identifier":"users","secret":"secret","scope":"bucket"}`, http.StatusConflict},
		{"Both Scopes Conflict", `{"identifier":"users","secret":"secret","scope":"bucket|cluster"}`, http.StatusConflict},
		{"Unknown Scope", `{"identifier":"users","secret":"secret","scope":"global"}`, http.StatusBadRequest},
		{"Bad Body", `{"identifier":`, http.StatusBadRequest},
		{"Cluster Rotation", `{"identifier":"jane","secret":"seekrit","scope":"cluster"}`, http.StatusNoContent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPut, "/auth/credentials", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	u, p := h.Credentials("anything")
	assert.Equal(t, "jane", u)
	assert.Equal(t, "seekrit", p)
	assert.Equal(t, auth.ModeRBAC, h.Authenticator().Mode())
}

func TestPutCredentialsClassic(t *testing.T) {
	router, h := newTestRouter(t, "mysql://localhost", nil)

	rec := do(t, router, http.MethodPut, "/auth/credentials", `{"identifier":"beer","secret":"hops","scope":"bucket"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "hops", h.Authenticator().PasswordFor("beer"))

	rec = do(t, router, http.MethodPut, "/auth/credentials", `{"identifier":"","secret":"x","scope":"bucket"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPprofEnabled(t *testing.T) {
	router := NewRouter(Options{EnablePprof: true, Logger: zap.NewNop()})
	rec := do(t, router, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
