// Package browser provides shared test utilities for Playwright browser
// tests of the authentication strategies. All browser test files use
// BrowserTestEnv via SetupBrowserTestEnv(t).
package browser

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/authmethod"
	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/nutriserver"
)

const (
	// CODING AGENT RULE: Always use these timeout constants for browser tests.
	// Never introduce a larger timeout value anywhere in tests/browser.
	browserMaxTimeoutMS = 5000
	browserMaxTimeout   = 5 * time.Second
)

var browserFixtureMu sync.Mutex
var browserSharedFixture *BrowserTestEnv

// BrowserTestEnv is the unified test environment for all browser tests:
// the in-memory NutriStats backend mounted on an httptest server, an API
// client pointed at it, and a lazily launched shared Chromium.
type BrowserTestEnv struct {
	Server  *httptest.Server
	BaseURL string
	Backend *nutriserver.Server
	API     *nutriapi.Client

	pw        *playwright.Playwright
	browser   playwright.Browser
	browserMu sync.Mutex
}

// SetupBrowserTestEnv returns the shared fixture with a clean backend.
func SetupBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()

	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	if browserSharedFixture == nil {
		backend := nutriserver.New()
		server := httptest.NewServer(backend.Handler())
		browserSharedFixture = &BrowserTestEnv{
			Server:  server,
			BaseURL: server.URL,
			Backend: backend,
			API:     nutriapi.New(server.URL),
		}
	}
	browserSharedFixture.Backend.Reset()
	return browserSharedFixture
}

func cleanupSharedBrowserTestEnv() {
	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	if browserSharedFixture == nil {
		return
	}
	if browserSharedFixture.browser != nil {
		_ = browserSharedFixture.browser.Close()
	}
	if browserSharedFixture.pw != nil {
		_ = browserSharedFixture.pw.Stop()
	}
	if browserSharedFixture.Server != nil {
		browserSharedFixture.Server.Close()
	}
	browserSharedFixture = nil
}

func TestMain(m *testing.M) {
	code := m.Run()
	cleanupSharedBrowserTestEnv()
	os.Exit(code)
}

// Config returns a fresh strategy configuration pointed at the test server.
// Each test gets its own copy so per-test tweaks cannot leak.
func (env *BrowserTestEnv) Config() *config.Config {
	return &config.Config{
		Strategy:          config.StrategyLogin,
		BaseURL:           env.BaseURL,
		APIBaseURL:        env.BaseURL,
		TokenEndpoint:     nutriapi.DefaultTokenPath,
		TokenExpiration:   time.Hour,
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		CleanupEnabled:    true,
		JWTValidateAPI:    true,
	}
}

// Deps returns strategy dependencies wired to the test server and the shared
// browser. Call InitBrowser first for UI-driven strategies.
func (env *BrowserTestEnv) Deps() authmethod.Deps {
	return authmethod.Deps{
		Config:  env.Config(),
		Client:  env.API,
		Browser: env.browser,
	}
}

// =============================================================================
// Browser lifecycle helpers
// =============================================================================

// InitBrowser initializes Playwright and launches Chromium. Skips the test if not available.
func (env *BrowserTestEnv) InitBrowser(t *testing.T) {
	t.Helper()

	env.browserMu.Lock()
	defer env.browserMu.Unlock()

	if env.browser != nil {
		return
	}

	pw, err := playwright.Run()
	if err != nil {
		t.Skip("Playwright not available:", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		_ = pw.Stop()
		t.Skip("Could not launch browser:", err)
	}
	env.pw = pw
	env.browser = browser
}

// NewContext creates a new browser context with default 5s timeouts.
func (env *BrowserTestEnv) NewContext(t *testing.T) playwright.BrowserContext {
	t.Helper()

	ctx, err := env.browser.NewContext()
	if err != nil {
		t.Fatalf("could not create browser context: %v", err)
	}
	ctx.SetDefaultTimeout(browserMaxTimeoutMS)
	ctx.SetDefaultNavigationTimeout(browserMaxTimeoutMS)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// NewContextWithOptions creates a new browser context with caller-provided options.
func (env *BrowserTestEnv) NewContextWithOptions(t *testing.T, options playwright.BrowserNewContextOptions) playwright.BrowserContext {
	t.Helper()

	ctx, err := env.browser.NewContext(options)
	if err != nil {
		t.Fatalf("could not create browser context with options: %v", err)
	}
	ctx.SetDefaultTimeout(browserMaxTimeoutMS)
	ctx.SetDefaultNavigationTimeout(browserMaxTimeoutMS)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// NewPage opens a page in the given context.
func NewPage(t *testing.T, ctx playwright.BrowserContext) playwright.Page {
	t.Helper()

	page, err := ctx.NewPage()
	if err != nil {
		t.Fatalf("could not create page: %v", err)
	}
	return page
}

// =============================================================================
// Navigation and wait helpers
// =============================================================================

// Navigate navigates to a path on the test server and waits for DOMContentLoaded.
func Navigate(t *testing.T, page playwright.Page, baseURL, path string) {
	t.Helper()

	_, err := page.Goto(baseURL+path, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		t.Fatalf("Failed to navigate to %s: %v", path, err)
	}
}

// WaitForSelector waits for an element to be visible and returns its locator.
func WaitForSelector(t *testing.T, page playwright.Page, selector string) playwright.Locator {
	t.Helper()

	locator := page.Locator(selector).First()
	err := locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		content, _ := page.Content()
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		t.Logf("Current URL: %s", page.URL())
		t.Logf("Content preview: %s", content)
		t.Fatalf("Failed to wait for selector %s: %v", selector, err)
	}
	return locator
}

// ReadSessionToken reads the frontend's token slot out of page localStorage.
func ReadSessionToken(t *testing.T, page playwright.Page) string {
	t.Helper()

	raw, err := page.Evaluate(fmt.Sprintf("() => localStorage.getItem(%q)", authmethod.TokenStorageKey))
	if err != nil {
		t.Fatalf("Failed to read session token from localStorage: %v", err)
	}
	token, _ := raw.(string)
	return token
}

// =============================================================================
// User and strategy helpers
// =============================================================================

// GenerateUniqueEmail generates a unique email for test isolation.
func GenerateUniqueEmail(prefix string) string {
	suffix := make([]byte, 8)
	if _, err := crand.Read(suffix); err != nil {
		panic(fmt.Sprintf("failed to generate unique email suffix: %v", err))
	}
	return fmt.Sprintf("%s-%s@example.com", prefix, hex.EncodeToString(suffix))
}

// NewCredentials returns unique test credentials.
func NewCredentials(prefix string) authmethod.Credentials {
	return authmethod.Credentials{
		Email:    GenerateUniqueEmail(prefix),
		Password: "SecurePass123!",
		Username: prefix,
	}
}

// RegisterUser creates an account through the API and returns its credentials.
func (env *BrowserTestEnv) RegisterUser(t *testing.T, prefix string) authmethod.Credentials {
	t.Helper()

	creds := NewCredentials(prefix)
	if _, err := env.API.Register(context.Background(), creds.Email, creds.Username, creds.Password); err != nil {
		t.Fatalf("Failed to register test user: %v", err)
	}
	return creds
}

// AcquireAuth builds the named strategy, authenticates fresh credentials, and
// schedules cleanup of the test user. Strategies other than ui-login need the
// account to exist first, so it is registered through the API.
func (env *BrowserTestEnv) AcquireAuth(t *testing.T, methodName string) (authmethod.Method, *authmethod.AuthState) {
	t.Helper()

	var creds authmethod.Credentials
	if methodName == authmethod.MethodUILogin {
		creds = NewCredentials(methodName)
	} else {
		creds = env.RegisterUser(t, methodName)
	}

	method, err := authmethod.New(methodName, env.Deps())
	if err != nil {
		t.Fatalf("Failed to build %s strategy: %v", methodName, err)
	}
	state, err := method.Authenticate(context.Background(), creds)
	if err != nil {
		t.Fatalf("Failed to authenticate with %s strategy: %v", methodName, err)
	}
	t.Cleanup(func() { method.Cleanup(context.Background(), state) })
	return method, state
}
