// Package nutriserver is an in-memory stand-in for the NutriStats backend,
// covering exactly the surface the authentication strategies touch: account
// registration, the login/token endpoints, the current-user check, test-user
// deletion, and the rendered login page that stores the session token in
// browser localStorage.
//
// Browser tests mount it on an httptest.Server so the whole suite runs
// without a real NutriStats deployment.
package nutriserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nutristats/testkit/internal/obs"
)

const defaultTokenTTL = time.Hour

type account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
}

// Server is the in-memory NutriStats API and login UI.
type Server struct {
	mu            sync.Mutex
	byEmail       map[string]*account
	byID          map[string]*account
	tokenFailures int

	jwtSecret []byte
	tokenTTL  time.Duration
	tokenPath string
}

// Option configures a Server.
type Option func(*Server)

// WithTokenPath mounts the direct token endpoint at a custom path.
func WithTokenPath(path string) Option {
	return func(s *Server) {
		if strings.HasPrefix(path, "/") {
			s.tokenPath = path
		}
	}
}

// WithTokenTTL overrides the issued token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// New creates a server with a random signing secret.
func New(opts ...Option) *Server {
	s := &Server{
		byEmail:   make(map[string]*account),
		byID:      make(map[string]*account),
		jwtSecret: []byte(uuid.NewString()),
		tokenTTL:  defaultTokenTTL,
		tokenPath: "/api/auth/token",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleToken)
	mux.HandleFunc("POST "+s.tokenPath, s.handleToken)
	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("DELETE /api/users/{id}", s.handleDeleteUser)

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("GET /diary", s.handleDiaryPage)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})

	return mux
}

// FailNextTokenRequests makes the next n login/token calls return 503.
// Used to exercise fallback and retry behavior end-to-end.
func (s *Server) FailNextTokenRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenFailures = n
}

// Reset drops all accounts and any scripted failures. Browser tests share
// one server across the suite and reset it between tests.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail = make(map[string]*account)
	s.byID = make(map[string]*account)
	s.tokenFailures = 0
}

// UserCount returns the number of registered accounts.
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		writeError(w, http.StatusConflict, "account already exists")
		return
	}
	acct := &account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
	}
	s.byEmail[email] = acct
	s.byID[acct.ID] = acct

	obs.Pkg("nutriserver").Debug("registered user", "user_id", acct.ID, "email", acct.Email)
	writeJSON(w, http.StatusCreated, map[string]any{"user": acct.public()})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.tokenFailures > 0 {
		s.tokenFailures--
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "token service temporarily unavailable")
		return
	}
	s.mu.Unlock()

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	acct := s.byEmail[strings.ToLower(strings.TrimSpace(req.Email))]
	s.mu.Unlock()
	if acct == nil || bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	expiresAt := time.Now().Add(s.tokenTTL)
	token, err := s.issueToken(acct, expiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"user":       acct.public(),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.public()})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	acct, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	targetID := r.PathValue("id")
	if targetID != acct.ID {
		writeError(w, http.StatusForbidden, "cannot delete another user")
		return
	}

	s.mu.Lock()
	delete(s.byEmail, acct.Email)
	delete(s.byID, acct.ID)
	s.mu.Unlock()

	obs.Pkg("nutriserver").Debug("deleted user", "user_id", acct.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) issueToken(acct *account, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   acct.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Server) authenticate(r *http.Request) (*account, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(_ *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	s.mu.Lock()
	acct := s.byID[claims.Subject]
	s.mu.Unlock()
	if acct == nil {
		return nil, fmt.Errorf("user no longer exists")
	}
	return acct, nil
}

func (a *account) public() map[string]string {
	return map[string]string{
		"id":       a.ID,
		"username": a.Username,
		"email":    a.Email,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
