package authmethod

import (
	"context"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/logutil"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/obs"
)

// LoginMethod drives the rendered login form end-to-end: it submits
// credentials through the UI, waits for the diary redirect, and reads the
// resulting session out of browser localStorage. Later contexts skip the UI:
// SetupBrowserContext replays the storage write directly.
type LoginMethod struct {
	cfg     *config.Config
	client  *nutriapi.Client
	browser playwright.Browser
}

// NewLoginMethod builds the form-driven strategy.
func NewLoginMethod(deps Deps) (*LoginMethod, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &LoginMethod{cfg: deps.Config, client: deps.Client, browser: deps.Browser}, nil
}

func (m *LoginMethod) Name() string { return MethodLogin }

func (m *LoginMethod) SupportsStorageState() bool { return true }

// Authenticate performs the full UI login in a throwaway browser context and
// captures the resulting session snapshot for reuse.
func (m *LoginMethod) Authenticate(ctx context.Context, creds Credentials) (*AuthState, error) {
	if m.browser == nil {
		return nil, errs.New(errs.InvalidConfig, "login strategy requires a browser")
	}

	browserCtx, err := m.browser.NewContext()
	if err != nil {
		return nil, errs.Wrap(errs.AuthError, "create browser context", err)
	}
	defer browserCtx.Close()

	page, err := browserCtx.NewPage()
	if err != nil {
		return nil, errs.Wrap(errs.AuthError, "create page", err)
	}

	if err := driveLoginForm(page, m.cfg.BaseURL, creds); err != nil {
		return nil, err
	}

	session, err := readBrowserSession(page)
	if err != nil {
		return nil, err
	}

	snapshot, err := captureStorageState(browserCtx)
	if err != nil {
		return nil, err
	}

	obs.From(ctx).With("pkg", "authmethod", "strategy", MethodLogin).Debug(
		"ui login completed",
		"user_id", session.User.ID,
		"token", logutil.MaskToken(session.Token))

	return &AuthState{
		Token:        session.Token,
		User:         session.User,
		Strategy:     MethodLogin,
		ExpiresAt:    tokenExpiry(session.Token, m.cfg.TokenExpiration),
		StorageState: snapshot,
	}, nil
}

// SetupBrowserContext replays the localStorage write into the supplied
// context without touching the UI.
func (m *LoginMethod) SetupBrowserContext(_ context.Context, browserCtx playwright.BrowserContext, state *AuthState) error {
	if state == nil || state.Token == "" {
		return errs.New(errs.AuthError, "login strategy: no authenticated state to install")
	}
	script := sessionInitScript(state.Token, state.User)
	if err := browserCtx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return errs.Wrap(errs.AuthError, "install session init script", err)
	}
	return nil
}

// ValidateAuthentication is a non-throwing liveness check on the state.
func (m *LoginMethod) ValidateAuthentication(_ context.Context, state *AuthState) bool {
	return stateUsable(state)
}

// Cleanup deletes the test user; failures are logged, never propagated.
func (m *LoginMethod) Cleanup(ctx context.Context, state *AuthState) {
	cleanupState(ctx, m.cfg, m.client, state, MethodLogin)
}

// captureStorageState converts a live context's session into the reusable
// snapshot form NewContext options and the persistence layer accept.
func captureStorageState(browserCtx playwright.BrowserContext) (*playwright.OptionalStorageState, error) {
	raw, err := browserCtx.StorageState()
	if err != nil {
		return nil, errs.Wrap(errs.AuthError, "capture storage state", err)
	}

	snapshot := &playwright.OptionalStorageState{
		Origins: raw.Origins,
	}
	for _, c := range raw.Cookies {
		c := c
		snapshot.Cookies = append(snapshot.Cookies, playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			Expires:  playwright.Float(c.Expires),
			HttpOnly: playwright.Bool(c.HttpOnly),
			Secure:   playwright.Bool(c.Secure),
			SameSite: c.SameSite,
		})
	}
	return snapshot, nil
}
