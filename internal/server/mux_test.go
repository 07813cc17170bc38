package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsys/fleetgate/internal/guard"
	"github.com/fleetsys/fleetgate/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validToken(t *testing.T) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": "1",
	})

	raw, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)

	return raw
}

// staticSession is a session context pinned to one state.
type staticSession struct {
	authenticated bool
	access        string
}

func (s staticSession) IsAuthenticated() bool { return s.authenticated }
func (s staticSession) Hydrated() bool        { return true }
func (s staticSession) AccessToken() string   { return s.access }
func (s staticSession) Logout()               {}

func newGateway(t *testing.T, sc guard.SessionContext, sess session.Session) *httptest.Server {
	t.Helper()

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("app:" + r.URL.Path))
	}))
	t.Cleanup(app.Close)

	appURL, err := url.Parse(app.URL)
	require.NoError(t, err)

	store := session.NewStore(t.TempDir(), testLogger(), session.WithCacheTTL(0))
	if !sess.Empty() {
		require.NoError(t, store.Write(sess))
	}

	validator := &guard.Validator{
		Store:   store,
		Session: sc,
		Policy:  guard.DefaultPolicy(),
		Logger:  testLogger(),

		SettleDelay:    time.Millisecond,
		HydrationGrace: 200 * time.Millisecond,
		RenewalGrace:   200 * time.Millisecond,
	}

	mux := NewMux(MuxConfig{
		AppURL:    appURL,
		Policy:    guard.DefaultPolicy(),
		Validator: validator,
		Logger:    testLogger(),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

// noRedirects returns a client that surfaces redirects instead of
// following them.
func noRedirects() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(t *testing.T, srv *httptest.Server, path string, cookies ...*http.Cookie) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)

	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := noRedirects().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestMux_Healthz(t *testing.T) {
	srv := newGateway(t, staticSession{}, session.Session{})

	resp := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMux_AnonymousProtectedPathRedirects(t *testing.T) {
	srv := newGateway(t, staticSession{}, session.Session{})

	resp := get(t, srv, "/vehicles")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?returnUrl=%2Fvehicles", resp.Header.Get("Location"))
}

func TestMux_AuthenticatedProtectedPathProxies(t *testing.T) {
	valid := validToken(t)
	sc := staticSession{authenticated: true, access: valid}
	sess := session.Session{AccessToken: valid, RefreshToken: "R"}

	srv := newGateway(t, sc, sess)

	resp := get(t, srv, "/vehicles",
		&http.Cookie{Name: session.AccessCookie, Value: valid},
		&http.Cookie{Name: session.RefreshCookie, Value: "R"},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "app:/vehicles", string(body))
}

func TestMux_LoginPageProxiedWithoutValidation(t *testing.T) {
	srv := newGateway(t, staticSession{}, session.Session{})

	resp := get(t, srv, "/login")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMux_RootRedirectsToLanding(t *testing.T) {
	valid := validToken(t)
	srv := newGateway(t, staticSession{authenticated: true, access: valid}, session.Session{})

	resp := get(t, srv, "/", &http.Cookie{Name: session.AccessCookie, Value: valid})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

// Edge and client layers disagree here: cookies pass the edge on the
// refresh token, but the client layer finds no renewal happening and
// terminates. The stricter layer wins.
func TestMux_RefreshOnlyWithStuckRenewalRedirects(t *testing.T) {
	sc := staticSession{}
	sess := session.Session{RefreshToken: "opaque"}

	srv := newGateway(t, sc, sess)

	resp := get(t, srv, "/vehicles", &http.Cookie{Name: session.RefreshCookie, Value: "opaque"})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}
