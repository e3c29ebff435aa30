package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arwahdevops/dbcreds/internal/auth"
	"github.com/arwahdevops/dbcreds/internal/metrics"
)

// CredentialAdmin is the handle the admin API reads and mutates credentials through.
type CredentialAdmin interface {
	Snapshot() auth.Snapshot
	SetCredential(identifier, secret string, scope auth.Scope) error
}

// Pinger is anything readiness can check, typically a *db.Connector.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the admin server.
type Options struct {
	Port        int
	EnablePprof bool
	Metrics     *metrics.Store
	Admin       CredentialAdmin
	Pingers     map[string]Pinger // target -> connection
	Logger      *zap.Logger
}

type authView struct {
	Mode     string   `json:"mode"`
	Username string   `json:"username"`
	Targets  []string `json:"targets"`
	Refcount int64    `json:"refcount"`
}

type credentialRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	Scope      string `json:"scope"`
}

// NewRouter builds the admin routes.
func NewRouter(opts Options) http.Handler {
	log := opts.Logger.Named("http-server")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var mu sync.Mutex
		failures := map[string]string{}
		var wg sync.WaitGroup
		for target, p := range opts.Pingers {
			wg.Add(1)
			go func(target string, p Pinger) {
				defer wg.Done()
				if err := p.Ping(pingCtx); err != nil {
					mu.Lock()
					failures[target] = err.Error()
					mu.Unlock()
				}
			}(target, p)
		}
		wg.Wait()

		if len(failures) == 0 {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "Ready")
			return
		}
		log.Warn("Readiness check failed", zap.Any("failures", failures))
		names := make([]string, 0, len(failures))
		for target := range failures {
			names = append(names, target)
		}
		sort.Strings(names)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Not Ready: %v\n", names)
	})

	if opts.Admin != nil {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				snap := opts.Admin.Snapshot()
				writeJSON(w, http.StatusOK, authView{
					Mode:     snap.Mode.String(),
					Username: snap.Username,
					Targets:  snap.Targets,
					Refcount: snap.Refcount,
				})
			})
			r.Put("/credentials", func(w http.ResponseWriter, r *http.Request) {
				var req credentialRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
					return
				}
				scope, err := auth.ParseScope(req.Scope)
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				err = opts.Admin.SetCredential(req.Identifier, req.Secret, scope)
				switch {
				case errors.Is(err, auth.ErrOptionsConflict):
					writeError(w, http.StatusConflict, err)
				case err != nil:
					writeError(w, http.StatusBadRequest, err)
				default:
					w.WriteHeader(http.StatusNoContent)
				}
			})
		})
	}

	if opts.EnablePprof {
		log.Info("Enabling pprof endpoints on /debug/pprof/")
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/{profile}", http.HandlerFunc(pprof.Index))
	}

	return r
}

// Run serves the admin API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger.Named("http-server")
	addr := fmt.Sprintf(":%d", opts.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(opts),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server ListenAndServe error", zap.Error(err))
			return fmt.Errorf("admin server on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("Shutting down HTTP server due to context cancellation...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server graceful shutdown failed", zap.Error(err))
		return err
	}
	log.Info("HTTP server gracefully stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
