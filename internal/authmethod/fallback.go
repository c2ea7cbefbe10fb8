package authmethod

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/obs"
)

// RetryError is raised only after the primary strategy's retry budget and
// the single secondary attempt are both exhausted. Attempts counts primary
// attempts (the initial try plus retries); LastErr is the final underlying
// failure.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("authentication failed after %d primary attempt(s) and one fallback attempt: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() error { return e.LastErr }

// Sleeper waits for a backoff delay. Injectable so tests observe the delay
// sequence without real waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FallbackMethod wraps a primary and a secondary strategy. Authenticate
// tries the primary, retrying it up to maxRetries times with exponential
// backoff (delay = initialDelay * multiplier^attempt); only after the budget
// is exhausted does it invoke the secondary exactly once, with no retry of
// its own. This asymmetry is deliberate and load-bearing: the secondary is a
// last resort, not a second retry loop.
//
// Retry policy lives here and nowhere else — individual strategies never
// retry their own transient failures.
type FallbackMethod struct {
	primary   Method
	secondary Method

	maxRetries   int
	initialDelay time.Duration
	multiplier   float64
	sleep        Sleeper

	// Set by Authenticate to whichever inner strategy produced the
	// successful state; later calls route to it.
	active Method
}

// NewFallbackMethod builds the decorator with retry tuning from config.
func NewFallbackMethod(primary, secondary Method, cfg *config.Config) (*FallbackMethod, error) {
	if primary == nil || secondary == nil {
		return nil, errs.New(errs.InvalidConfig, "fallback requires both a primary and a secondary strategy")
	}
	if cfg == nil {
		return nil, errs.New(errs.InvalidConfig, "fallback requires configuration")
	}
	return &FallbackMethod{
		primary:      primary,
		secondary:    secondary,
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.RetryDelay,
		multiplier:   cfg.BackoffMultiplier,
		sleep:        sleepContext,
	}, nil
}

// SetSleeperForTesting replaces the backoff wait. Intended for tests.
func (m *FallbackMethod) SetSleeperForTesting(sleep Sleeper) {
	if sleep != nil {
		m.sleep = sleep
	}
}

// Name reports the active strategy once one has succeeded, otherwise the
// primary's name.
func (m *FallbackMethod) Name() string {
	if m.active != nil {
		return m.active.Name()
	}
	return m.primary.Name()
}

// SupportsStorageState follows the active (or primary) strategy.
func (m *FallbackMethod) SupportsStorageState() bool {
	if m.active != nil {
		return m.active.SupportsStorageState()
	}
	return m.primary.SupportsStorageState()
}

// Authenticate runs the retry state machine: primary with backoff, then one
// secondary attempt, then RetryError.
func (m *FallbackMethod) Authenticate(ctx context.Context, creds Credentials) (*AuthState, error) {
	log := obs.From(ctx).With("pkg", "authmethod",
		"primary", m.primary.Name(), "secondary", m.secondary.Name())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = m.multiplier
	bo.MaxInterval = 24 * time.Hour
	bo.Reset()

	attempts := 0
	var lastErr error
	for attempt := 0; ; attempt++ {
		state, err := m.primary.Authenticate(ctx, creds)
		attempts++
		if err == nil {
			m.active = m.primary
			return state, nil
		}
		lastErr = err

		if attempt >= m.maxRetries {
			break
		}

		delay := bo.NextBackOff()
		log.Debug("primary authentication failed, backing off",
			"attempt", attempts, "delay", delay, "error", err)
		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			return nil, errs.Wrap(errs.AuthError, "backoff wait interrupted", sleepErr)
		}
	}

	log.Debug("primary retry budget exhausted, trying secondary",
		"attempts", attempts, "error", lastErr)

	state, err := m.secondary.Authenticate(ctx, creds)
	if err == nil {
		m.active = m.secondary
		return state, nil
	}

	retryErr := &RetryError{Attempts: attempts, LastErr: err}
	return nil, errs.Wrap(errs.RetryExhausted, retryErr.Error(), retryErr)
}

// SetupBrowserContext delegates to whichever strategy produced the state.
func (m *FallbackMethod) SetupBrowserContext(ctx context.Context, browserCtx playwright.BrowserContext, state *AuthState) error {
	if m.active == nil {
		return errs.New(errs.AuthError, "fallback: SetupBrowserContext before a successful Authenticate")
	}
	return m.active.SetupBrowserContext(ctx, browserCtx, state)
}

// ValidateAuthentication delegates to the active strategy; false if none.
func (m *FallbackMethod) ValidateAuthentication(ctx context.Context, state *AuthState) bool {
	if m.active == nil {
		return false
	}
	return m.active.ValidateAuthentication(ctx, state)
}

// Cleanup delegates to the active strategy. With no active strategy there is
// nothing to tear down.
func (m *FallbackMethod) Cleanup(ctx context.Context, state *AuthState) {
	if m.active == nil {
		return
	}
	m.active.Cleanup(ctx, state)
}
