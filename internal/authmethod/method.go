// Package authmethod implements the authentication strategies the NutriStats
// browser suite uses to establish a logged-in session: driving the rendered
// login form, calling the token endpoint directly, or registering via API and
// deferring session establishment to the UI. A fallback decorator retries the
// primary strategy with exponential backoff before failing over, and a
// factory builds strategies from configuration.
package authmethod

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/obs"
)

// Strategy names. These match the AUTH_STRATEGY configuration values.
const (
	MethodLogin   = config.StrategyLogin
	MethodJWT     = config.StrategyJWT
	MethodUILogin = config.StrategyUILogin
)

// localStorage slots the NutriStats frontend uses for the session.
const (
	TokenStorageKey = "nutristats_token"
	UserStorageKey  = "nutristats_user"
)

// Credentials is the transient input to Authenticate. Never persisted.
type Credentials struct {
	Email    string
	Password string
	Username string
}

// AuthState is the normalized result of an authentication attempt. It is
// owned by exactly one test: created by Authenticate, optionally mutated by
// SetupBrowserContext (the sole mutator of Token/NeedsUILogin for the
// ui-login strategy), read by ValidateAuthentication, and finally passed to
// Cleanup, after which it must not be reused.
type AuthState struct {
	Token        string
	User         nutriapi.User
	Strategy     string
	ExpiresAt    time.Time
	StorageState *playwright.OptionalStorageState
	NeedsUILogin bool

	// Pending credentials for the deferred UI login. Held in memory only,
	// never serialized.
	pendingEmail    string
	pendingPassword string

	released bool
}

// Method is one concrete way of establishing an authenticated session.
//
// Authenticate performs whatever side effect establishes the session and
// returns the normalized state. SetupBrowserContext materializes that state
// into a browser context; callers invoke it exactly once per context.
// ValidateAuthentication is a non-throwing liveness check. Cleanup is
// best-effort teardown: failures are logged, never propagated, so they cannot
// mask a test's real outcome.
type Method interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (*AuthState, error)
	SetupBrowserContext(ctx context.Context, browserCtx playwright.BrowserContext, state *AuthState) error
	ValidateAuthentication(ctx context.Context, state *AuthState) bool
	Cleanup(ctx context.Context, state *AuthState)
	SupportsStorageState() bool
}

// Deps carries the collaborators a strategy needs. Config and Client are
// required by every strategy; Browser only by the UI-driven ones.
type Deps struct {
	Config  *config.Config
	Client  *nutriapi.Client
	Browser playwright.Browser
}

func (d Deps) validate() error {
	if d.Config == nil {
		return errs.New(errs.InvalidConfig, "authmethod: Deps.Config is required")
	}
	if d.Client == nil {
		return errs.New(errs.InvalidConfig, "authmethod: Deps.Client is required")
	}
	return nil
}

// sessionInitScript returns JS that replays the frontend's localStorage
// writes, run before every document in the context loads. json.Marshal
// produces valid JS string literals, so tokens survive any escaping.
func sessionInitScript(token string, user nutriapi.User) string {
	userJSON, _ := json.Marshal(user)
	tok, _ := json.Marshal(token)
	usr, _ := json.Marshal(string(userJSON))
	return fmt.Sprintf("localStorage.setItem(%q, %s); localStorage.setItem(%q, %s);",
		TokenStorageKey, tok, UserStorageKey, usr)
}

// browserSession is what UI-driven strategies read back out of localStorage.
type browserSession struct {
	Token string
	User  nutriapi.User
}

// readBrowserSession extracts the token and user record from the page's
// localStorage slots.
func readBrowserSession(page playwright.Page) (*browserSession, error) {
	raw, err := page.Evaluate(fmt.Sprintf(
		`() => JSON.stringify({token: localStorage.getItem(%q), user: localStorage.getItem(%q)})`,
		TokenStorageKey, UserStorageKey))
	if err != nil {
		return nil, errs.Wrap(errs.AuthError, "read session from browser storage", err)
	}
	encoded, ok := raw.(string)
	if !ok {
		return nil, errs.New(errs.AuthError, fmt.Sprintf("unexpected storage read result %T", raw))
	}

	var slots struct {
		Token *string `json:"token"`
		User  *string `json:"user"`
	}
	if err := json.Unmarshal([]byte(encoded), &slots); err != nil {
		return nil, errs.Wrap(errs.AuthError, "decode browser storage slots", err)
	}
	if slots.Token == nil || *slots.Token == "" {
		return nil, errs.New(errs.AuthError, "no session token in browser storage")
	}

	session := &browserSession{Token: *slots.Token}
	if slots.User != nil && *slots.User != "" {
		if err := json.Unmarshal([]byte(*slots.User), &session.User); err != nil {
			return nil, errs.Wrap(errs.AuthError, "decode stored user record", err)
		}
	}
	return session, nil
}

// driveLoginForm submits credentials through the rendered login form and
// waits for the diary redirect, the success indicator of a NutriStats login.
func driveLoginForm(page playwright.Page, baseURL string, creds Credentials) error {
	if _, err := page.Goto(baseURL+"/login", playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return errs.Wrap(errs.AuthError, "navigate to login page", err)
	}
	if err := page.Locator("#login-email").Fill(creds.Email); err != nil {
		return errs.Wrap(errs.AuthError, "fill login email", err)
	}
	if err := page.Locator("#login-password").Fill(creds.Password); err != nil {
		return errs.Wrap(errs.AuthError, "fill login password", err)
	}
	if err := page.Locator("#login-form button[type='submit']").Click(); err != nil {
		return errs.Wrap(errs.AuthError, "submit login form", err)
	}
	if err := page.WaitForURL("**/diary"); err != nil {
		return errs.Wrap(errs.AuthError, "wait for post-login redirect", err)
	}
	return nil
}

// tokenExpiry reads the exp claim out of a JWT without verifying it. The
// testkit never needs to trust the token, only to know when to stop reusing
// it. Falls back to now+fallback for opaque tokens.
func tokenExpiry(token string, fallback time.Duration) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(fallback)
}

// stateUsable reports whether a state carries a live token. Shared by the
// ValidateAuthentication implementations; never panics on malformed input.
func stateUsable(state *AuthState) bool {
	if state == nil || state.released {
		return false
	}
	if state.NeedsUILogin || state.Token == "" {
		return false
	}
	if !state.ExpiresAt.IsZero() && time.Now().After(state.ExpiresAt) {
		return false
	}
	return true
}

// cleanupState deletes the test user behind a state. Shared by every
// strategy: errors are logged and swallowed so teardown can never mask the
// test's own failure.
func cleanupState(ctx context.Context, cfg *config.Config, client *nutriapi.Client, state *AuthState, strategy string) {
	log := obs.From(ctx).With("pkg", "authmethod", "strategy", strategy)

	if state == nil {
		return
	}
	if state.released {
		log.Warn("cleanup called twice for the same auth state", "user_id", state.User.ID)
		return
	}
	state.released = true

	if !cfg.CleanupEnabled {
		if cfg.DebugCleanup {
			log.Debug("cleanup disabled, leaving test user in place", "user_id", state.User.ID)
		}
		return
	}
	if state.Token == "" || state.User.ID == "" {
		if cfg.DebugCleanup {
			log.Debug("no usable session, skipping user deletion", "user_id", state.User.ID)
		}
		return
	}

	if err := client.DeleteUser(ctx, state.Token, state.User.ID); err != nil {
		log.Warn("failed to delete test user", "user_id", state.User.ID, "error", err)
		return
	}
	if cfg.DebugCleanup {
		log.Debug("deleted test user", "user_id", state.User.ID)
	}
}
