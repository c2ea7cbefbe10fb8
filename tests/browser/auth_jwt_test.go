package browser

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/authmethod"
)

// TestJWTStrategy_BrowserSession acquires a token over the API and installs
// it into a context; the browser never sees the login form.
func TestJWTStrategy_BrowserSession(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	env.InitBrowser(t)

	method, state := env.AcquireAuth(t, authmethod.MethodJWT)
	if state.Token == "" {
		t.Fatal("expected a token straight from the API")
	}

	ctx := env.NewContext(t)
	if err := method.SetupBrowserContext(context.Background(), ctx, state); err != nil {
		t.Fatalf("SetupBrowserContext failed: %v", err)
	}

	page := NewPage(t, ctx)
	Navigate(t, page, env.BaseURL, "/diary")
	WaitForSelector(t, page, "#diary-heading")
	if !strings.HasSuffix(page.URL(), "/diary") {
		t.Errorf("expected to stay on /diary, got %s", page.URL())
	}
	if got := ReadSessionToken(t, page); got != state.Token {
		t.Errorf("localStorage token %q does not match state token", got)
	}
}

// TestJWTStrategy_StorageStateRestore round-trips the session through disk
// and restores it with Playwright's native storage state option: no init
// script, no network call, the diary just works.
func TestJWTStrategy_StorageStateRestore(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	env.InitBrowser(t)

	creds := env.RegisterUser(t, "persist")
	deps := env.Deps()
	deps.Config.PersistState = true
	deps.Config.StoragePath = filepath.Join(t.TempDir(), ".auth", "storage-state.json")

	method, err := authmethod.NewJWTMethod(deps)
	if err != nil {
		t.Fatalf("failed to build jwt strategy: %v", err)
	}
	state, err := method.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	t.Cleanup(func() { method.Cleanup(context.Background(), state) })

	snapshot, err := authmethod.LoadStorageState(deps.Config.StoragePath)
	if err != nil {
		t.Fatalf("expected persisted storage state on disk: %v", err)
	}

	ctx := env.NewContextWithOptions(t, playwright.BrowserNewContextOptions{
		StorageState: snapshot,
	})
	page := NewPage(t, ctx)
	Navigate(t, page, env.BaseURL, "/diary")
	WaitForSelector(t, page, "#diary-heading")
	if got := ReadSessionToken(t, page); got != state.Token {
		t.Errorf("restored token %q does not match state token", got)
	}
}
