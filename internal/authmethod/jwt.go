package authmethod

import (
	"context"
	"encoding/json"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/logutil"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/obs"
)

// JWTMethod calls the token endpoint directly, bypassing the UI entirely.
// The resulting state carries a storage snapshot structurally compatible
// with Playwright's native session restore, so SetupBrowserContext needs no
// network round-trip. When persistence is enabled the snapshot is written to
// the configured path for reuse across processes; concurrent workers must
// use distinct paths.
type JWTMethod struct {
	cfg    *config.Config
	client *nutriapi.Client
}

// NewJWTMethod builds the direct-token strategy.
func NewJWTMethod(deps Deps) (*JWTMethod, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &JWTMethod{cfg: deps.Config, client: deps.Client}, nil
}

func (m *JWTMethod) Name() string { return MethodJWT }

func (m *JWTMethod) SupportsStorageState() bool { return true }

// Authenticate acquires a token from the token endpoint. A single failed
// call is not retried here; retry policy lives in FallbackMethod alone.
func (m *JWTMethod) Authenticate(ctx context.Context, creds Credentials) (*AuthState, error) {
	resp, err := m.client.Token(ctx, creds.Email, creds.Password)
	if err != nil {
		return nil, err
	}

	state := &AuthState{
		Token:        resp.Token,
		User:         resp.User,
		Strategy:     MethodJWT,
		ExpiresAt:    resp.ExpiresAt,
		StorageState: m.CreateStorageState(resp.Token, resp.User),
	}
	if state.ExpiresAt.IsZero() {
		state.ExpiresAt = tokenExpiry(resp.Token, m.cfg.TokenExpiration)
	}

	if m.cfg.PersistState {
		if err := SaveStorageState(m.cfg.StoragePath, state.StorageState); err != nil {
			// Persistence is an optimization; a failed write must not fail
			// the authentication itself.
			obs.From(ctx).With("pkg", "authmethod", "strategy", MethodJWT).
				Warn("failed to persist storage state", "path", m.cfg.StoragePath, "error", err)
		}
	}

	obs.From(ctx).With("pkg", "authmethod", "strategy", MethodJWT).Debug(
		"token acquired",
		"user_id", resp.User.ID,
		"token", logutil.MaskToken(resp.Token))
	return state, nil
}

// CreateStorageState produces the session snapshot the browser layer can
// restore natively: the two localStorage slots under the app origin.
func (m *JWTMethod) CreateStorageState(token string, user nutriapi.User) *playwright.OptionalStorageState {
	userJSON, _ := json.Marshal(user)
	return &playwright.OptionalStorageState{
		Origins: []playwright.Origin{
			{
				Origin: m.cfg.BaseURL,
				LocalStorage: []playwright.NameValue{
					{Name: TokenStorageKey, Value: token},
					{Name: UserStorageKey, Value: string(userJSON)},
				},
			},
		},
	}
}

// SetupBrowserContext installs the session into the supplied context via an
// init script; no network call is made.
func (m *JWTMethod) SetupBrowserContext(_ context.Context, browserCtx playwright.BrowserContext, state *AuthState) error {
	if state == nil || state.Token == "" {
		return errs.New(errs.AuthError, "jwt strategy: no authenticated state to install")
	}
	script := sessionInitScript(state.Token, state.User)
	if err := browserCtx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return errs.Wrap(errs.AuthError, "install session init script", err)
	}
	return nil
}

// ValidateAuthentication checks token liveness, and re-confirms against the
// current-user endpoint unless JWT_VALIDATE_API is disabled. Never errors.
func (m *JWTMethod) ValidateAuthentication(ctx context.Context, state *AuthState) bool {
	if !stateUsable(state) {
		return false
	}
	if !m.cfg.JWTValidateAPI {
		return true
	}
	user, err := m.client.Me(ctx, state.Token)
	if err != nil {
		return false
	}
	return user.ID == state.User.ID
}

// Cleanup deletes the test user; failures are logged, never propagated.
func (m *JWTMethod) Cleanup(ctx context.Context, state *AuthState) {
	cleanupState(ctx, m.cfg, m.client, state, MethodJWT)
}
