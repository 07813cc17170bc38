// Package server assembles the gateway HTTP surface: both guard
// layers stacked in request order (edge first, then the client
// validator) around a reverse proxy to the admin application.
package server

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/fleetsys/fleetgate/internal/guard"
)

// MuxConfig holds dependencies for building the gateway mux.
type MuxConfig struct {
	AppURL    *url.URL
	Policy    guard.Policy
	Validator *guard.Validator
	Logger    *slog.Logger
}

// NewMux builds the gateway: a health endpoint, and everything else
// guarded and proxied to the app origin.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	proxy := httputil.NewSingleHostReverseProxy(cfg.AppURL)
	proxy.ErrorLog = slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelError)

	edge := guard.Middleware(cfg.Policy, cfg.Logger)
	client := ClientGuard(cfg.Policy, cfg.Validator, cfg.Logger)

	mux.Handle("/", edge(client(proxy)))

	return mux
}

// ClientGuard runs the client-layer validator on protected paths.
// Public and static paths skip it; the validator's settle delay and
// grace windows only make sense where protected content is at stake.
func ClientGuard(policy guard.Policy, v *guard.Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/" || path == policy.LoginPath || policy.IsPublic(path) || policy.IsStatic(path) {
				next.ServeHTTP(w, r)

				return
			}

			decision, err := v.Validate(r.Context(), path)
			if err != nil {
				// Navigation abandoned mid-validation; nothing to
				// render.
				logger.Debug("validation cancelled", slog.String("path", path))

				return
			}

			switch decision {
			case guard.Allowed:
				next.ServeHTTP(w, r)

			default:
				http.Redirect(w, r, policy.LoginPath, http.StatusFound)
			}
		})
	}
}
