package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetsys/fleetgate/internal/api"
	"github.com/fleetsys/fleetgate/internal/session"
	"github.com/fleetsys/fleetgate/internal/token"
)

const (
	// expiryCheckInterval is how often the manager looks at the
	// access token to renew it before it lapses mid-request.
	expiryCheckInterval = 30 * time.Second
)

// Manager is the process-wide session context: the authenticated
// flag, the cached identity, and the login/logout/refresh operations.
// It converges with other clients through the store watcher and
// renews the access token proactively when it is close to expiry.
type Manager struct {
	store  *session.Store
	coord  *Coordinator
	logger *slog.Logger

	mu       sync.RWMutex
	sess     session.Session
	hydrated bool
	lastErr  string
}

// NewManager creates a session manager over the store and coordinator.
func NewManager(store *session.Store, coord *Coordinator, logger *slog.Logger) *Manager {
	return &Manager{store: store, coord: coord, logger: logger}
}

// IsAuthenticated reports whether an access token is present. Token
// presence, not validity: expiry is the transport's and guard's call.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sess.AccessToken != ""
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sess.AccessToken
}

// User returns the cached identity, or nil when logged out.
func (m *Manager) User() *session.UserIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sess.User
}

// Hydrated reports whether the initial load from storage has
// completed. The client guard waits on this before trusting the
// authenticated flag.
func (m *Manager) Hydrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.hydrated
}

// Err returns the last store-level error message, or "". Consumed by
// the UI layer; storage failures never abort the session flow.
func (m *Manager) Err() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lastErr
}

// Login persists a successful credential exchange and makes the
// session live.
func (m *Manager) Login(res *api.LoginResult) error {
	sess := session.Session{
		AccessToken:  res.Access,
		RefreshToken: res.Refresh,
		User:         res.User,
	}

	if err := m.store.Write(sess); err != nil {
		m.setErr(fmt.Sprintf("saving session: %v", err))

		return err
	}

	m.setSession(sess)
	m.setErr("")

	return nil
}

// Logout destroys the session. It always succeeds from the caller's
// point of view; storage failures are recorded, not raised.
func (m *Manager) Logout() {
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("clearing session on logout", slog.String("error", err.Error()))
		m.setErr(fmt.Sprintf("clearing session: %v", err))
	} else {
		m.setErr("")
	}

	m.setSession(session.Session{})
}

// RefreshAccessToken renews the access token through the coordinator
// and re-syncs the in-memory snapshot with the outcome.
func (m *Manager) RefreshAccessToken(ctx context.Context) bool {
	ok := m.coord.Refresh(ctx)
	m.resync()

	return ok
}

// Run hydrates the manager from storage and then keeps it current:
// a periodic expiry check renews tokens about to lapse, and updates
// from the store watcher fold in mutations made by other clients.
// Blocks until the context is cancelled.
func (m *Manager) Run(ctx context.Context, updates <-chan session.Session) error {
	m.hydrate(ctx)

	ticker := time.NewTicker(expiryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sess, ok := <-updates:
			if !ok {
				updates = nil

				continue
			}

			m.setSession(sess)

		case <-ticker.C:
			tok := m.AccessToken()
			if tok == "" {
				continue
			}

			if token.IsExpiringSoon(tok, token.DefaultExpiryThreshold) {
				m.logger.Debug("access token expiring soon, refreshing")
				m.RefreshAccessToken(ctx)
			}
		}
	}
}

// hydrate performs the initial load. A stored token that has already
// expired triggers one refresh attempt before the manager reports
// itself hydrated; a failed attempt leaves the session cleared.
func (m *Manager) hydrate(ctx context.Context) {
	sess := m.store.Read()

	if sess.AccessToken != "" && !token.IsValid(sess.AccessToken) {
		m.logger.Info("stored access token expired, attempting refresh on startup")
		m.coord.Refresh(ctx)
		sess = m.store.Read()
	}

	m.mu.Lock()
	m.sess = sess
	m.hydrated = true
	m.mu.Unlock()
}

func (m *Manager) resync() {
	m.store.Invalidate()
	m.setSession(m.store.Read())
}

func (m *Manager) setSession(sess session.Session) {
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
}

func (m *Manager) setErr(msg string) {
	m.mu.Lock()
	m.lastErr = msg
	m.mu.Unlock()
}
