package guard

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/fleetsys/fleetgate/internal/session"
)

// Middleware returns the edge-layer guard. It runs before any page is
// delivered, reads only the token cookies (this layer has no access
// to durable client storage), and never performs network I/O.
func Middleware(policy Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, refresh := session.FromRequestCookies(r)

			verdict := Evaluate(Inputs{
				Path:         r.URL.Path,
				AccessToken:  access,
				RefreshToken: refresh,
				Policy:       policy,
			})

			logger.Debug("edge guard decision",
				slog.String("path", r.URL.Path),
				slog.String("verdict", verdict.String()),
				slog.Bool("access_cookie", access != ""),
				slog.Bool("refresh_cookie", refresh != ""),
			)

			switch verdict {
			case Allow, WaitHydration, WaitRenewal:
				// Wait verdicts cannot occur without durable inputs;
				// if the table ever emits one here, the permissive
				// mapping is Allow.
				next.ServeHTTP(w, r)

			case RedirectLanding:
				http.Redirect(w, r, policy.LandingPath, http.StatusFound)

			case ClearAndAllow:
				expireCookies(w)
				next.ServeHTTP(w, r)

			default:
				redirectToLogin(w, r, policy, returnURLFor(r.URL.Path, policy))
			}
		})
	}
}

// returnURLFor preserves the intended destination for the post-login
// redirect. Root and the login page itself are not worth returning to.
func returnURLFor(path string, policy Policy) string {
	if path == "/" || path == policy.LoginPath {
		return ""
	}

	return path
}

// redirectToLogin sends the navigation to the login page, expiring
// both token cookies on the way so a broken pair cannot loop.
func redirectToLogin(w http.ResponseWriter, r *http.Request, policy Policy, returnURL string) {
	expireCookies(w)

	target := policy.LoginPath
	if returnURL != "" {
		target += "?returnUrl=" + url.QueryEscape(returnURL)
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func expireCookies(w http.ResponseWriter) {
	for _, c := range session.ExpiredCookies() {
		http.SetCookie(w, c)
	}
}
