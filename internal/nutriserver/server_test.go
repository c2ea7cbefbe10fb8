package nutriserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func register(t *testing.T, handler http.Handler, email, password string) map[string]string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/register", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User map[string]string `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.User
}

func login(t *testing.T, handler http.Handler, email, password string) (string, map[string]string) {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string            `json:"token"`
		User  map[string]string `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token, resp.User
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	handler := New().Handler()
	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing email", map[string]string{"password": "SecurePass123!"}, http.StatusBadRequest},
		{"malformed email", map[string]string{"email": "nope", "password": "SecurePass123!"}, http.StatusBadRequest},
		{"short password", map[string]string{"email": "a@b.c", "password": "tiny"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/api/register", tc.body, "")
			if rec.Code != tc.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestRegister_DefaultsUsernameFromEmail(t *testing.T) {
	t.Parallel()

	user := register(t, New().Handler(), "carol@example.com", "SecurePass123!")
	if user["username"] != "carol" {
		t.Errorf("expected username derived from email, got %q", user["username"])
	}
}

func TestRegister_Conflict(t *testing.T) {
	t.Parallel()

	handler := New().Handler()
	register(t, handler, "dup@example.com", "SecurePass123!")

	rec := doJSON(t, handler, http.MethodPost, "/api/register", map[string]string{
		"email":    "DUP@example.com", // case-folded match
		"password": "SecurePass123!",
	}, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate email, got %d", rec.Code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	t.Parallel()

	handler := New().Handler()
	register(t, handler, "eve@example.com", "SecurePass123!")

	rec := doJSON(t, handler, http.MethodPost, "/api/login", map[string]string{
		"email":    "eve@example.com",
		"password": "WrongPass123!",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMe_RequiresValidToken(t *testing.T) {
	t.Parallel()

	handler := New().Handler()
	register(t, handler, "frank@example.com", "SecurePass123!")
	token, user := login(t, handler, "frank@example.com", "SecurePass123!")

	rec := doJSON(t, handler, http.MethodGet, "/api/me", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("me returned %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), user["id"]) {
		t.Errorf("expected me response to carry the user id, got %s", rec.Body.String())
	}

	for _, token := range []string{"", "garbage", "ey.fake.jwt"} {
		rec := doJSON(t, handler, http.MethodGet, "/api/me", nil, token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
}

func TestDeleteUser_OwnAccountOnly(t *testing.T) {
	t.Parallel()

	server := New()
	handler := server.Handler()
	register(t, handler, "grace@example.com", "SecurePass123!")
	register(t, handler, "heidi@example.com", "SecurePass123!")
	token, user := login(t, handler, "grace@example.com", "SecurePass123!")
	_, other := login(t, handler, "heidi@example.com", "SecurePass123!")

	rec := doJSON(t, handler, http.MethodDelete, "/api/users/"+other["id"], nil, token)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 deleting another user, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/users/"+user["id"], nil, token)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if server.UserCount() != 1 {
		t.Errorf("expected 1 remaining user, got %d", server.UserCount())
	}
}

func TestFailNextTokenRequests_DrainsAndRecovers(t *testing.T) {
	t.Parallel()

	server := New()
	handler := server.Handler()
	register(t, handler, "ivan@example.com", "SecurePass123!")

	server.FailNextTokenRequests(2)
	body := map[string]string{"email": "ivan@example.com", "password": "SecurePass123!"}
	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/auth/token", body, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected 503, got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/auth/token", body, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected recovery on attempt 3, got %d", rec.Code)
	}
}

func TestPages(t *testing.T) {
	t.Parallel()

	handler := New().Handler()

	rec := doJSON(t, handler, http.MethodGet, "/login", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login page returned %d", rec.Code)
	}
	page := rec.Body.String()
	for _, needle := range []string{"login-form", "login-email", "login-password", "nutristats_token", "nutristats_user"} {
		if !strings.Contains(page, needle) {
			t.Errorf("login page missing %q", needle)
		}
	}

	rec = doJSON(t, handler, http.MethodGet, "/diary", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("diary page returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "diary-heading") {
		t.Error("diary page missing heading anchor")
	}

	rec = doJSON(t, handler, http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Errorf("expected / to redirect to /login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestCustomTokenPath(t *testing.T) {
	t.Parallel()

	server := New(WithTokenPath("/api/v2/token"))
	handler := server.Handler()
	register(t, handler, "judy@example.com", "SecurePass123!")

	rec := doJSON(t, handler, http.MethodPost, "/api/v2/token", map[string]string{
		"email":    "judy@example.com",
		"password": "SecurePass123!",
	}, "")
	if rec.Code != http.StatusOK {
		t.Errorf("custom token path returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	t.Parallel()

	server := New()
	handler := server.Handler()

	codes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			body, _ := json.Marshal(map[string]string{
				"email":    fmt.Sprintf("worker%d@example.com", i),
				"password": "SecurePass123!",
			})
			req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			codes <- rec.Code
		}(i)
	}
	for i := 0; i < 8; i++ {
		if code := <-codes; code != http.StatusCreated {
			t.Errorf("concurrent register returned %d", code)
		}
	}
	if server.UserCount() != 8 {
		t.Errorf("expected 8 users, got %d", server.UserCount())
	}
}
