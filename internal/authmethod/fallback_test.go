package authmethod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
)

// fakeMethod is a scriptable strategy for exercising the fallback state
// machine without any network or browser.
type fakeMethod struct {
	name         string
	failures     int // fail this many Authenticate calls before succeeding
	authCalls    int
	cleanupCalls int
	setupCalls   int
	state        *AuthState
}

func (f *fakeMethod) Name() string               { return f.name }
func (f *fakeMethod) SupportsStorageState() bool { return true }

func (f *fakeMethod) Authenticate(_ context.Context, _ Credentials) (*AuthState, error) {
	f.authCalls++
	if f.authCalls <= f.failures {
		return nil, errs.New(errs.AuthError, f.name+" deliberately failing")
	}
	if f.state == nil {
		f.state = &AuthState{Token: f.name + "-token", Strategy: f.name}
	}
	return f.state, nil
}

func (f *fakeMethod) SetupBrowserContext(_ context.Context, _ playwright.BrowserContext, _ *AuthState) error {
	f.setupCalls++
	return nil
}

func (f *fakeMethod) ValidateAuthentication(_ context.Context, state *AuthState) bool {
	return state != nil && state.Token == f.name+"-token"
}

func (f *fakeMethod) Cleanup(_ context.Context, _ *AuthState) {
	f.cleanupCalls++
}

func alwaysFailing(name string) *fakeMethod {
	return &fakeMethod{name: name, failures: 1 << 30}
}

func retryConfig(maxRetries int) *config.Config {
	return &config.Config{
		MaxRetries:        maxRetries,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2.0,
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestFallback_PrimarySucceedsFirstTry(t *testing.T) {
	t.Parallel()

	primary := &fakeMethod{name: "primary"}
	secondary := &fakeMethod{name: "secondary"}
	fb, err := NewFallbackMethod(primary, secondary, retryConfig(2))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}

	var slept []time.Duration
	fb.SetSleeperForTesting(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	state, err := fb.Authenticate(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if state.Strategy != "primary" {
		t.Errorf("expected primary's state, got %q", state.Strategy)
	}
	if primary.authCalls != 1 || secondary.authCalls != 0 {
		t.Errorf("expected 1 primary / 0 secondary attempts, got %d / %d", primary.authCalls, secondary.authCalls)
	}
	if len(slept) != 0 {
		t.Errorf("expected no backoff waits, got %v", slept)
	}
	if fb.Name() != "primary" {
		t.Errorf("expected active name primary, got %q", fb.Name())
	}
}

func TestFallback_ExhaustsPrimaryThenUsesSecondaryOnce(t *testing.T) {
	t.Parallel()

	primary := alwaysFailing("primary")
	secondary := &fakeMethod{name: "secondary"}
	fb, err := NewFallbackMethod(primary, secondary, retryConfig(2))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}
	fb.SetSleeperForTesting(noSleep)

	state, err := fb.Authenticate(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// maxRetries=2 means 3 primary attempts (initial + 2 retries), then
	// exactly one secondary attempt.
	if primary.authCalls != 3 {
		t.Errorf("expected 3 primary attempts, got %d", primary.authCalls)
	}
	if secondary.authCalls != 1 {
		t.Errorf("expected exactly 1 secondary attempt, got %d", secondary.authCalls)
	}
	if state.Strategy != "secondary" {
		t.Errorf("expected secondary's state, got %q", state.Strategy)
	}

	// Post-auth calls route to whichever strategy actually succeeded.
	fb.Cleanup(context.Background(), state)
	if secondary.cleanupCalls != 1 || primary.cleanupCalls != 0 {
		t.Errorf("cleanup routed wrong: primary=%d secondary=%d", primary.cleanupCalls, secondary.cleanupCalls)
	}
	if err := fb.SetupBrowserContext(context.Background(), nil, state); err != nil {
		t.Fatalf("SetupBrowserContext failed: %v", err)
	}
	if secondary.setupCalls != 1 || primary.setupCalls != 0 {
		t.Errorf("setup routed wrong: primary=%d secondary=%d", primary.setupCalls, secondary.setupCalls)
	}
	if !fb.ValidateAuthentication(context.Background(), state) {
		t.Error("expected validation to pass via the active secondary")
	}
}

func TestFallback_BothFailRaisesRetryError(t *testing.T) {
	t.Parallel()

	primary := alwaysFailing("primary")
	secondary := alwaysFailing("secondary")
	fb, err := NewFallbackMethod(primary, secondary, retryConfig(1))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}
	fb.SetSleeperForTesting(noSleep)

	_, err = fb.Authenticate(context.Background(), Credentials{})
	if err == nil {
		t.Fatal("expected authentication to fail")
	}

	if got := errs.CodeOf(err); got != errs.RetryExhausted {
		t.Errorf("expected code %q, got %q", errs.RetryExhausted, got)
	}

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *RetryError in chain, got %T: %v", err, err)
	}
	// maxRetries=1 means 2 primary attempts (1 initial + 1 retry).
	if retryErr.Attempts != 2 {
		t.Errorf("expected Attempts==2, got %d", retryErr.Attempts)
	}
	if retryErr.LastErr == nil {
		t.Error("expected RetryError to carry the final underlying failure")
	}
	if primary.authCalls != 2 {
		t.Errorf("expected 2 primary attempts, got %d", primary.authCalls)
	}
	if secondary.authCalls != 1 {
		t.Errorf("expected exactly 1 secondary attempt, got %d", secondary.authCalls)
	}
}

func TestFallback_BackoffDelaySequence(t *testing.T) {
	t.Parallel()

	primary := alwaysFailing("primary")
	secondary := &fakeMethod{name: "secondary"}
	fb, err := NewFallbackMethod(primary, secondary, retryConfig(3))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}

	var slept []time.Duration
	fb.SetSleeperForTesting(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	if _, err := fb.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected %d backoff waits, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestFallback_ContextCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	primary := alwaysFailing("primary")
	secondary := &fakeMethod{name: "secondary"}
	fb, err := NewFallbackMethod(primary, secondary, retryConfig(2))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fb.SetSleeperForTesting(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err = fb.Authenticate(ctx, Credentials{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if secondary.authCalls != 0 {
		t.Errorf("secondary must not run after cancellation, got %d attempts", secondary.authCalls)
	}
}

func TestFallback_DelegationBeforeAuthenticate(t *testing.T) {
	t.Parallel()

	fb, err := NewFallbackMethod(alwaysFailing("primary"), alwaysFailing("secondary"), retryConfig(0))
	if err != nil {
		t.Fatalf("NewFallbackMethod failed: %v", err)
	}

	if fb.ValidateAuthentication(context.Background(), &AuthState{Token: "x"}) {
		t.Error("validation must fail before any successful Authenticate")
	}
	if err := fb.SetupBrowserContext(context.Background(), nil, &AuthState{Token: "x"}); err == nil {
		t.Error("SetupBrowserContext must fail before any successful Authenticate")
	}
	// Cleanup with no active strategy is a no-op, not a panic.
	fb.Cleanup(context.Background(), &AuthState{Token: "x"})
}
