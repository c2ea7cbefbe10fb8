package authmethod

import (
	"context"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/obs"
)

// UILoginMethod separates "can a user exist" from "does the UI login flow
// work": Authenticate registers the user through the API (fast, reliable)
// but leaves the session unestablished, and SetupBrowserContext performs the
// actual UI login inside the caller's context. SetupBrowserContext is the
// sole mutator of Token and NeedsUILogin: before it runs the state carries
// no token, after it returns successfully the token is populated and
// NeedsUILogin is false.
type UILoginMethod struct {
	cfg    *config.Config
	client *nutriapi.Client
}

// NewUILoginMethod builds the register-then-UI-login strategy.
func NewUILoginMethod(deps Deps) (*UILoginMethod, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &UILoginMethod{cfg: deps.Config, client: deps.Client}, nil
}

func (m *UILoginMethod) Name() string { return MethodUILogin }

// SupportsStorageState is false: this strategy exists to exercise the UI
// login flow, so it can never skip it.
func (m *UILoginMethod) SupportsStorageState() bool { return false }

// Authenticate registers the user via API and defers session establishment.
// The returned state always has NeedsUILogin true and an empty token.
func (m *UILoginMethod) Authenticate(ctx context.Context, creds Credentials) (*AuthState, error) {
	user, err := m.client.Register(ctx, creds.Email, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}

	obs.From(ctx).With("pkg", "authmethod", "strategy", MethodUILogin).Debug(
		"registered user, deferring session to UI login", "user_id", user.ID)

	return &AuthState{
		User:            *user,
		Strategy:        MethodUILogin,
		NeedsUILogin:    true,
		pendingEmail:    creds.Email,
		pendingPassword: creds.Password,
	}, nil
}

// SetupBrowserContext drives the login form on a page inside the supplied
// context, then reads the established session back out of localStorage and
// mutates the state: Token populated, NeedsUILogin false.
func (m *UILoginMethod) SetupBrowserContext(ctx context.Context, browserCtx playwright.BrowserContext, state *AuthState) error {
	if state == nil {
		return errs.New(errs.AuthError, "ui-login strategy: nil auth state")
	}
	if !state.NeedsUILogin {
		return errs.New(errs.AuthError, "ui-login strategy: state already established")
	}
	if state.pendingEmail == "" || state.pendingPassword == "" {
		return errs.New(errs.AuthError, "ui-login strategy: no pending credentials on state")
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		return errs.Wrap(errs.AuthError, "create page for UI login", err)
	}
	defer page.Close()

	creds := Credentials{Email: state.pendingEmail, Password: state.pendingPassword}
	if err := driveLoginForm(page, m.cfg.BaseURL, creds); err != nil {
		return err
	}

	session, err := readBrowserSession(page)
	if err != nil {
		return err
	}

	state.Token = session.Token
	if session.User.ID != "" {
		state.User = session.User
	}
	state.ExpiresAt = tokenExpiry(session.Token, m.cfg.TokenExpiration)
	state.NeedsUILogin = false
	state.pendingPassword = ""

	obs.From(ctx).With("pkg", "authmethod", "strategy", MethodUILogin).Debug(
		"UI login established session", "user_id", state.User.ID)
	return nil
}

// ValidateAuthentication returns false while the UI login is still pending.
func (m *UILoginMethod) ValidateAuthentication(_ context.Context, state *AuthState) bool {
	return stateUsable(state)
}

// Cleanup deletes the test user; failures are logged, never propagated.
// A state whose UI login never ran has no token, so the user is left behind
// and a debug line records it when DEBUG_CLEANUP is on.
func (m *UILoginMethod) Cleanup(ctx context.Context, state *AuthState) {
	cleanupState(ctx, m.cfg, m.client, state, MethodUILogin)
}
