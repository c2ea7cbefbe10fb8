package authmethod

import (
	"fmt"
	"strings"

	"github.com/nutristats/testkit/internal/config"
	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/nutriapi"
)

// New builds the named strategy. The name is matched case-insensitively;
// anything outside the known set fails with code unknown_auth_method and a
// message listing the supported strategies.
func New(methodType string, deps Deps) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(methodType)) {
	case MethodLogin:
		return NewLoginMethod(deps)
	case MethodJWT:
		return NewJWTMethod(deps)
	case MethodUILogin:
		return NewUILoginMethod(deps)
	default:
		return nil, errs.New(errs.UnknownAuthMethod, fmt.Sprintf(
			"unknown auth method %q (supported: %s)",
			methodType, strings.Join(AvailableMethods(), ", ")))
	}
}

// NewWithFallback builds both named strategies and wraps them in a
// FallbackMethod using the config's retry tuning.
func NewWithFallback(primaryName, secondaryName string, deps Deps) (Method, error) {
	primary, err := New(primaryName, deps)
	if err != nil {
		return nil, err
	}
	secondary, err := New(secondaryName, deps)
	if err != nil {
		return nil, err
	}
	return NewFallbackMethod(primary, secondary, deps.Config)
}

// NewFromEnvironment resolves the strategy and all tunables from the
// environment (with overrides layered on top), builds the API client when
// the caller did not supply one, and applies the jwt fallback rule: a jwt
// strategy with JWT_FALLBACK_LOGIN set is automatically wrapped so it fails
// over to the login form.
func NewFromEnvironment(deps Deps, overrides map[string]string) (Method, *config.Config, error) {
	cfg := deps.Config
	if cfg == nil {
		loaded, err := config.Load(overrides)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
		deps.Config = cfg
	}
	if deps.Client == nil {
		deps.Client = nutriapi.New(cfg.APIBaseURL,
			nutriapi.WithTokenPath(cfg.TokenEndpoint),
			nutriapi.WithDebug(cfg.DebugCleanup))
	}

	if cfg.Strategy == MethodJWT && cfg.JWTFallbackLogin {
		method, err := NewWithFallback(MethodJWT, MethodLogin, deps)
		if err != nil {
			return nil, nil, err
		}
		return method, cfg, nil
	}

	method, err := New(cfg.Strategy, deps)
	if err != nil {
		return nil, nil, err
	}
	return method, cfg, nil
}

// IsValidMethodType reports whether the name (case-insensitive) is a known
// strategy. No side effects.
func IsValidMethodType(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case MethodLogin, MethodJWT, MethodUILogin:
		return true
	default:
		return false
	}
}

// AvailableMethods returns the supported strategy names.
func AvailableMethods() []string {
	return []string{MethodLogin, MethodJWT, MethodUILogin}
}
