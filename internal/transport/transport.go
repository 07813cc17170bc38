// Package transport decorates an http.RoundTripper so that every
// outbound call carries the current access token and a 401 triggers
// one coordinated refresh followed by a single replay. Call sites
// keep the platform's calling convention; only the client (or the
// ambient default transport, via Install) changes at bootstrap.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	apperrors "github.com/fleetsys/fleetgate/internal/errors"
	"github.com/fleetsys/fleetgate/internal/session"
)

// SessionReader is the slice of the session store the transport
// needs. Reads happen per call, never at construction, so a login or
// logout performed after installation is honoured.
type SessionReader interface {
	Read() session.Session
	Invalidate()
}

//go:generate mockgen -source=transport.go -destination=mock_refresher_test.go -package=transport

// Refresher renews the access credential. Implementations must
// coalesce overlapping calls into a single exchange so that all
// concurrent 401s observe the same outcome.
type Refresher interface {
	Refresh(ctx context.Context) bool
}

// AuthTransport is the authenticated round tripper.
type AuthTransport struct {
	// Base performs the actual HTTP exchange. Nil means
	// http.DefaultTransport.
	Base http.RoundTripper

	// Sessions supplies the current credentials.
	Sessions SessionReader

	// Refresher renews the session on a 401.
	Refresher Refresher

	// RefreshPath is exempt from 401 handling; retrying the refresh
	// endpoint through itself would recurse forever.
	RefreshPath string

	// Logger may be nil.
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	tok := t.Sessions.Read().AccessToken

	// Clone before mutating: RoundTrippers must not modify the
	// caller's request.
	authed := req.Clone(req.Context())
	if tok != "" {
		authed.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || req.URL.Path == t.RefreshPath {
		return resp, nil
	}

	// A request whose body was consumed and cannot be re-materialized
	// is not replayable; hand the 401 back unchanged.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if t.Logger != nil {
		t.Logger.Debug("401 received, attempting token refresh", slog.String("path", req.URL.Path))
	}

	if !t.Refresher.Refresh(req.Context()) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSessionExpired, req.URL.Path)
	}

	t.Sessions.Invalidate()

	newTok := t.Sessions.Read().AccessToken

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("re-materializing request body: %w", err)
		}

		retry.Body = body
	}

	if newTok != "" {
		retry.Header.Set("Authorization", "Bearer "+newTok)
	}

	// One replay only. A second 401 is returned as-is; the refresh
	// already succeeded, so this is the backend's final word.
	return base.RoundTrip(retry)
}

var (
	installMu       sync.Mutex
	installed       bool
	originalDefault http.RoundTripper
)

// Install decorates http.DefaultTransport so ambient callers
// (http.Get and friends) are covered without changing call sites.
// Installing twice is a no-op.
func Install(t *AuthTransport) {
	installMu.Lock()
	defer installMu.Unlock()

	if installed {
		return
	}

	originalDefault = http.DefaultTransport
	if t.Base == nil {
		t.Base = originalDefault
	}

	http.DefaultTransport = t
	installed = true
}

// Restore puts the original default transport back. Safe to call
// when nothing is installed.
func Restore() {
	installMu.Lock()
	defer installMu.Unlock()

	if !installed {
		return
	}

	http.DefaultTransport = originalDefault
	originalDefault = nil
	installed = false
}
