// authcheck preflights a NutriStats deployment: it resolves the strategy
// from the environment, authenticates once with the supplied credentials,
// validates the session, and exits non-zero on failure. Run it before a
// browser suite to separate "the deployment is broken" from "a test is
// broken".
//
// UI-driven strategies launch a headless Chromium, so Playwright must be
// installed; the jwt strategy needs only the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/nutristats/testkit/internal/authmethod"
	"github.com/nutristats/testkit/internal/logutil"
	"github.com/nutristats/testkit/internal/nutriapi"
	"github.com/nutristats/testkit/internal/obs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "authcheck:", err)
		os.Exit(1)
	}
	fmt.Println("authcheck: ok")
}

func run() error {
	var (
		email    = flag.String("email", "", "account email (required)")
		password = flag.String("password", "", "account password (required)")
		register = flag.Bool("register", false, "register the account before authenticating")
		keep     = flag.Bool("keep", false, "leave the account in place afterwards")
		timeout  = flag.Duration("timeout", time.Minute, "overall deadline")
	)
	flag.Parse()

	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}

	obs.Init()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: obs.NewRunID()})

	deps := authmethod.Deps{}
	method, cfg, err := authmethod.NewFromEnvironment(deps, nil)
	if err != nil {
		return err
	}
	ctx = obs.WithStrategy(ctx, method.Name())
	log := obs.From(ctx).With("pkg", "authcheck")
	log.Info("resolved strategy", "strategy", method.Name(), "base_url", cfg.BaseURL)

	// login and ui-login drive the real form; jwt stays API-only.
	var browserCtx playwright.BrowserContext
	if method.Name() != authmethod.MethodJWT {
		pw, err := playwright.Run()
		if err != nil {
			return fmt.Errorf("start playwright: %w", err)
		}
		defer pw.Stop()

		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer browser.Close()

		deps.Browser = browser
		if method, cfg, err = authmethod.NewFromEnvironment(deps, nil); err != nil {
			return err
		}

		if browserCtx, err = browser.NewContext(); err != nil {
			return fmt.Errorf("create browser context: %w", err)
		}
		defer browserCtx.Close()
	}

	creds := authmethod.Credentials{Email: *email, Password: *password}
	if *register && method.Name() != authmethod.MethodUILogin {
		client := nutriapi.New(cfg.APIBaseURL, nutriapi.WithTokenPath(cfg.TokenEndpoint))
		if _, err := client.Register(ctx, creds.Email, creds.Username, creds.Password); err != nil {
			return fmt.Errorf("register account: %w", err)
		}
	}

	state, err := method.Authenticate(ctx, creds)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if !*keep {
		defer method.Cleanup(ctx, state)
	}

	if browserCtx != nil {
		if err := method.SetupBrowserContext(ctx, browserCtx, state); err != nil {
			return fmt.Errorf("set up browser context: %w", err)
		}
	}

	if !method.ValidateAuthentication(ctx, state) {
		return fmt.Errorf("session did not validate")
	}
	log.Info("session established",
		"user_id", state.User.ID,
		"token", logutil.MaskToken(state.Token),
		"expires_at", state.ExpiresAt)
	return nil
}
