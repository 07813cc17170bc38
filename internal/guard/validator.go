package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetsys/fleetgate/internal/session"
	"github.com/fleetsys/fleetgate/internal/token"
)

// Client-layer timing. The settle delay lets the session manager
// finish initializing before the first evaluation; the hydration
// grace covers a manager that is slow to flip the authenticated flag
// even though a valid token exists; the renewal grace is longer
// because it covers a network round trip to the refresh endpoint.
const (
	DefaultSettleDelay    = 200 * time.Millisecond
	DefaultHydrationGrace = 10 * time.Second
	DefaultRenewalGrace   = 15 * time.Second

	conditionPollInterval = 100 * time.Millisecond
)

// Decision is the client layer's terminal state for a navigation.
type Decision int

const (
	// Validating means no decision has been reached yet; protected
	// content must not render in this state.
	Validating Decision = iota

	// Allowed renders the protected content.
	Allowed

	// LoggedOut means the session was terminated and the navigation
	// belongs on the login page.
	LoggedOut
)

// SessionContext is the slice of the session manager the validator
// consumes.
type SessionContext interface {
	IsAuthenticated() bool
	Hydrated() bool
	AccessToken() string
	Logout()
}

// Validator is the client-layer guard. Unlike the edge layer it can
// read durable storage and the live session context, and it may hold
// a navigation for a bounded grace period while state settles.
type Validator struct {
	Store   *session.Store
	Session SessionContext
	Policy  Policy
	Logger  *slog.Logger

	// Zero values fall back to the package defaults. Tests shrink
	// these to keep grace-period cases fast.
	SettleDelay    time.Duration
	HydrationGrace time.Duration
	RenewalGrace   time.Duration
}

// Validate runs the client-layer state machine for one navigation and
// blocks until Allowed, LoggedOut, or context cancellation (the
// unmount case: timers are released and Validating is returned with
// the context's error).
func (v *Validator) Validate(ctx context.Context, path string) (Decision, error) {
	if err := sleepCtx(ctx, v.settleDelay()); err != nil {
		return Validating, err
	}

	v.Store.Invalidate()
	sess := v.Store.Read()

	verdict := Evaluate(Inputs{
		Path:           path,
		AccessToken:    sess.AccessToken,
		RefreshToken:   sess.RefreshToken,
		CanReadDurable: true,
		Hydrated:       v.Session.Hydrated(),
		Authenticated:  v.Session.IsAuthenticated(),
		Policy:         v.Policy,
	})

	v.Logger.Debug("client guard decision",
		slog.String("path", path),
		slog.String("verdict", verdict.String()),
	)

	switch verdict {
	case Allow, RedirectLanding, ClearAndAllow:
		// Landing redirects and login-page cleanup are edge
		// responsibilities; by the time the client layer runs, the
		// content may render.
		return Allowed, nil

	case WaitHydration:
		return v.waitHydration(ctx, sess.AccessToken)

	case WaitRenewal:
		return v.waitRenewal(ctx)

	case RedirectLogin:
		return v.forceLogout("no usable credentials"), nil

	default:
		return v.forceLogout("unrecognized authentication state"), nil
	}
}

// waitHydration gives the session context a bounded window to catch
// up with a valid token. On timeout the token alone is enough:
// punishing slow hydration with a logout would throw away a valid
// session.
func (v *Validator) waitHydration(ctx context.Context, access string) (Decision, error) {
	settled, err := v.pollUntil(ctx, v.hydrationGrace(), func() bool {
		return v.Session.IsAuthenticated()
	})
	if err != nil {
		return Validating, err
	}

	if settled {
		return Allowed, nil
	}

	if token.IsValid(access) {
		v.Logger.Warn("session context never hydrated, allowing on valid token")

		return Allowed, nil
	}

	return v.forceLogout("token expired while waiting for hydration"), nil
}

// waitRenewal gives the automatic refresh a bounded window to produce
// an access token. On timeout a structurally valid refresh token
// keeps the session alive; anything less terminates it.
func (v *Validator) waitRenewal(ctx context.Context) (Decision, error) {
	renewed, err := v.pollUntil(ctx, v.renewalGrace(), func() bool {
		return v.Session.IsAuthenticated() && token.IsValid(v.Session.AccessToken())
	})
	if err != nil {
		return Validating, err
	}

	if renewed {
		return Allowed, nil
	}

	v.Store.Invalidate()

	if refresh := v.Store.Read().RefreshToken; token.IsValid(refresh) {
		v.Logger.Warn("renewal did not complete in time, allowing on valid refresh token")

		return Allowed, nil
	}

	return v.forceLogout("refresh token invalid after renewal window"), nil
}

// forceLogout clears durable storage and cookies directly, in
// addition to the session context's own logout. The direct clear is
// deliberate duplication: the guard must terminate the session even
// when the context is wedged.
func (v *Validator) forceLogout(reason string) Decision {
	v.Logger.Warn("forcing logout", slog.String("reason", reason))

	if err := v.Store.Clear(); err != nil {
		v.Logger.Error("clearing session during forced logout", slog.String("error", err.Error()))
	}

	v.Session.Logout()

	return LoggedOut
}

// pollUntil checks cond every poll interval until it holds, the
// window elapses (false), or the context is cancelled.
func (v *Validator) pollUntil(ctx context.Context, window time.Duration, cond func() bool) (bool, error) {
	if cond() {
		return true, nil
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	ticker := time.NewTicker(conditionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case <-deadline.C:
			return false, nil

		case <-ticker.C:
			if cond() {
				return true, nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Validator) settleDelay() time.Duration {
	if v.SettleDelay > 0 {
		return v.SettleDelay
	}

	return DefaultSettleDelay
}

func (v *Validator) hydrationGrace() time.Duration {
	if v.HydrationGrace > 0 {
		return v.HydrationGrace
	}

	return DefaultHydrationGrace
}

func (v *Validator) renewalGrace() time.Duration {
	if v.RenewalGrace > 0 {
		return v.RenewalGrace
	}

	return DefaultRenewalGrace
}
