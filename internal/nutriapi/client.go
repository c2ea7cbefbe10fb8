// Package nutriapi is a thin client for the NutriStats REST API. It covers
// only the endpoints the authentication strategies need: registration, login,
// direct token acquisition, the current-user check, and test-user deletion.
package nutriapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nutristats/testkit/internal/errs"
	"github.com/nutristats/testkit/internal/logutil"
	"github.com/nutristats/testkit/internal/obs"
)

// Default endpoint paths. TokenPath is configurable via TOKEN_ENDPOINT.
const (
	RegisterPath     = "/api/register"
	LoginPath        = "/api/login"
	DefaultTokenPath = "/api/auth/token"
	MePath           = "/api/me"
)

// User is the NutriStats account record as returned by the API.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// TokenResponse is the body of a successful login or token call.
type TokenResponse struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client calls the NutriStats API.
type Client struct {
	baseURL    string
	tokenPath  string
	httpClient *http.Client
	debug      bool
	log        interface {
		Debug(msg string, args ...any)
	}
}

// Option configures a Client.
type Option func(*Client)

// WithTokenPath overrides the direct token endpoint path.
func WithTokenPath(path string) Option {
	return func(c *Client) {
		if strings.TrimSpace(path) != "" {
			c.tokenPath = path
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithDebug enables redacted request/response logging.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// New creates a client for the given API origin.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokenPath:  DefaultTokenPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        obs.Pkg("nutriapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API origin the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Register creates a user account.
func (c *Client) Register(ctx context.Context, email, username, password string) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, RegisterPath, map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}, "", &resp)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", email, err)
	}
	return &resp.User, nil
}

// Login exchanges credentials for a token via the standard login endpoint.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, LoginPath, map[string]string{
		"email":    email,
		"password": password,
	}, "", &resp)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", email, err)
	}
	return &resp, nil
}

// Token exchanges credentials for a token via the direct token endpoint,
// bypassing any UI-oriented behavior of the login route.
func (c *Client) Token(ctx context.Context, email, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, c.tokenPath, map[string]string{
		"email":    email,
		"password": password,
	}, "", &resp)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", email, err)
	}
	return &resp, nil
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, MePath, nil, token, &resp); err != nil {
		return nil, fmt.Errorf("me: %w", err)
	}
	return &resp.User, nil
}

// DeleteUser removes a test account. The token must belong to that account.
func (c *Client) DeleteUser(ctx context.Context, token, userID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/users/"+userID, nil, token, nil); err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, token string, out any) error {
	var body io.Reader
	var rawBody []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.Internal, "encode request body", err)
		}
		rawBody = encoded
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errs.Wrap(errs.Internal, "build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.debug {
		c.log.Debug("api request",
			"method", method,
			"path", path,
			"body", logutil.RedactBodyForLog("application/json", rawBody))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Wrap(errs.Unavailable, fmt.Sprintf("read %s %s response", method, path), err)
	}

	if c.debug {
		c.log.Debug("api response",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", logutil.RedactBodyForLog(resp.Header.Get("Content-Type"), respBody))
	}

	if resp.StatusCode >= 400 {
		return apiError(method, path, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.Internal, fmt.Sprintf("decode %s %s response", method, path), err)
		}
	}
	return nil
}

func apiError(method, path string, status int, body []byte) error {
	message := fmt.Sprintf("%s %s returned %d", method, path, status)
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		message = fmt.Sprintf("%s: %s", message, logutil.TruncateForLog(parsed.Error, 200))
	}

	code := errs.AuthError
	switch {
	case status == http.StatusNotFound:
		code = errs.NotFound
	case status == http.StatusBadRequest || status == http.StatusConflict:
		code = errs.InvalidArgument
	case status >= 500:
		code = errs.Unavailable
	}
	return errs.New(code, message)
}
