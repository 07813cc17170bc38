// Package auth owns the live authenticated state of the client: the
// refresh coordinator that renews the access credential, and the
// manager that exposes session state and operations to everything
// else (transport, guard, pages).
package auth

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/fleetsys/fleetgate/internal/api"
	"github.com/fleetsys/fleetgate/internal/session"
)

// refreshKey is the singleflight key; there is exactly one refresh
// concern per process, so a single key coalesces every caller.
const refreshKey = "refresh"

// Coordinator performs the refresh-token exchange. At most one
// network exchange is in flight at any time: overlapping callers
// share the same outcome through singleflight, so no caller ever
// triggers a second concurrent exchange.
type Coordinator struct {
	store  *session.Store
	client *api.Client
	logger *slog.Logger

	group    singleflight.Group
	inflight atomic.Bool
}

// NewCoordinator creates a refresh coordinator over the given store
// and backend client.
func NewCoordinator(store *session.Store, client *api.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, client: client, logger: logger}
}

// Refreshing reports whether an exchange is currently in flight.
func (c *Coordinator) Refreshing() bool {
	return c.inflight.Load()
}

// Refresh obtains a new access token using the stored refresh token.
// It returns true when a new token was stored. Missing refresh token
// or a failed exchange are terminal: the session is cleared (logout)
// and false is returned. No retry is attempted here; retry policy,
// if any, belongs to the caller.
//
// Callers arriving while an exchange is in flight do not start a
// second one; they block and observe the in-flight outcome. The
// context of the caller that actually performs the exchange governs
// its deadline.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	result, _, _ := c.group.Do(refreshKey, func() (any, error) {
		c.inflight.Store(true)
		defer c.inflight.Store(false)

		return c.doRefresh(ctx), nil
	})

	ok, _ := result.(bool)

	return ok
}

func (c *Coordinator) doRefresh(ctx context.Context) bool {
	// Bypass the read cache: a concurrent logout must be honoured.
	c.store.Invalidate()

	sess := c.store.Read()
	if sess.RefreshToken == "" {
		c.logger.Info("refresh requested without refresh token, logging out")
		c.clear()

		return false
	}

	access, err := c.client.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		c.logger.Warn("refresh exchange failed, logging out", slog.String("error", err.Error()))
		c.clear()

		return false
	}

	if err := c.store.SetAccessToken(access); err != nil {
		c.logger.Error("storing refreshed access token", slog.String("error", err.Error()))
		c.clear()

		return false
	}

	// Subsequent reads must reflect the new token immediately.
	c.store.Invalidate()

	return true
}

// clear performs the terminal logout. Clear failures are logged; the
// session flow must not crash on a storage error.
func (c *Coordinator) clear() {
	if err := c.store.Clear(); err != nil {
		c.logger.Error("clearing session after refresh failure", slog.String("error", err.Error()))
	}

	c.store.Invalidate()
}
