package guard

import "github.com/fleetsys/fleetgate/internal/token"

// Verdict is the outcome of evaluating a navigation.
type Verdict int

const (
	// Allow serves the requested content.
	Allow Verdict = iota

	// RedirectLogin sends the navigation to the login page.
	RedirectLogin

	// RedirectLanding sends the navigation to the authenticated
	// landing page.
	RedirectLanding

	// ClearAndAllow serves the content after expiring both token
	// cookies (stale credentials found on the login page).
	ClearAndAllow

	// WaitHydration holds the navigation while the session manager
	// finishes its initial load; a valid token is already present.
	WaitHydration

	// WaitRenewal holds the navigation while an automatic refresh
	// turns the refresh token into a fresh access token.
	WaitRenewal

	// Deny is the fail-closed outcome for state combinations the
	// table does not recognize. A gap in this table is a logic bug,
	// not a transient condition, so the session is terminated.
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case RedirectLogin:
		return "redirect-login"
	case RedirectLanding:
		return "redirect-landing"
	case ClearAndAllow:
		return "clear-and-allow"
	case WaitHydration:
		return "wait-hydration"
	case WaitRenewal:
		return "wait-renewal"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Inputs are the decision inputs shared by both guard layers.
type Inputs struct {
	Path string

	AccessToken  string
	RefreshToken string

	// CanReadDurable distinguishes the execution contexts. The edge
	// layer runs synchronously before content is delivered, reads
	// cookies only, and must never block a navigation on a network
	// round trip; it therefore gets optimistic Allow where the client
	// layer gets a Wait verdict.
	CanReadDurable bool

	// Hydrated and Authenticated describe the session manager and
	// are meaningful only when CanReadDurable is true.
	Hydrated      bool
	Authenticated bool

	Policy Policy
}

// Evaluate applies the shared decision table.
func Evaluate(in Inputs) Verdict {
	if in.Policy.IsStatic(in.Path) {
		return Allow
	}

	accessValid := token.IsValid(in.AccessToken)

	if in.Path == "/" {
		switch {
		case accessValid:
			return RedirectLanding
		case in.AccessToken == "" && in.RefreshToken == "":
			return RedirectLogin
		default:
			// A refresh token deserves the optimistic path: send the
			// navigation to the landing page and let the client layer
			// reconcile.
			return RedirectLanding
		}
	}

	if in.Path == in.Policy.LoginPath {
		switch {
		case accessValid:
			return RedirectLanding
		case in.AccessToken != "":
			return ClearAndAllow
		default:
			return Allow
		}
	}

	if in.Policy.IsPublic(in.Path) {
		return Allow
	}

	// Protected path.
	if in.AccessToken == "" && in.RefreshToken == "" {
		return RedirectLogin
	}

	if !in.CanReadDurable {
		// Edge context: a valid access token passes; anything else
		// with a refresh token present passes optimistically so the
		// client layer can attempt renewal. Blocking here would cost
		// a network round trip the edge is not allowed to spend.
		if accessValid || in.RefreshToken != "" {
			return Allow
		}

		return RedirectLogin
	}

	// Client context: full inputs available.
	switch {
	case accessValid && in.Authenticated:
		return Allow

	case accessValid && !in.Authenticated:
		return WaitHydration

	case in.AccessToken != "":
		// Present but structurally invalid or expired.
		return Deny

	case in.RefreshToken != "" && !in.Authenticated:
		return WaitRenewal
	}

	return Deny
}
