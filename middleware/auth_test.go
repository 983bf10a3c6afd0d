package middleware

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-httpd/server"
)

var testSecret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func subjectEcho() server.Handler {
	return server.HandlerFunc(func(req *server.Request) (*server.Response, error) {
		return server.Text(http.StatusOK, req.Header.Get(SubjectHeader)), nil
	})
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	h := server.Chain([]server.Middleware{BearerAuth(testSecret, AuthOptions{})}, subjectEcho())
	tok := sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := newRequest("GET", "/private")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := h.Respond(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "user-42" {
		t.Fatalf("expected subject user-42, got %q", resp.Body)
	}
}

func TestBearerAuthRejects(t *testing.T) {
	expired := sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongKey := sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "user-42"})
	noSubject := sign(t, jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Issuer: "me"})
	hs512 := sign(t, jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{Subject: "user-42"})

	tests := map[string]string{
		"missing":    "",
		"basic":      "Basic dXNlcjpwYXNz",
		"empty":      "Bearer ",
		"garbage":    "Bearer not.a.jwt",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + wrongKey,
		"no subject": "Bearer " + noSubject,
		"hs512":      "Bearer " + hs512,
	}
	h := server.Chain([]server.Middleware{BearerAuth(testSecret, AuthOptions{})}, subjectEcho())

	for name, auth := range tests {
		t.Run(name, func(t *testing.T) {
			req := newRequest("GET", "/private")
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			resp, err := h.Respond(req)
			if resp != nil || !errors.Is(err, server.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v %v", resp, err)
			}
			if r := server.Recover(err); r == nil || r.Status != http.StatusUnauthorized {
				t.Fatalf("error does not recover to 401")
			}
		})
	}
}

func TestBearerAuthScopes(t *testing.T) {
	h := server.Chain([]server.Middleware{BearerAuth(testSecret, AuthOptions{
		Protect: []string{"/admin/", "/__ws"},
		Exempt:  []string{"/admin/login"},
	})}, subjectEcho())

	for path, guarded := range map[string]bool{
		"/":             false,
		"/assets/a.css": false,
		"/admin/users":  true,
		"/admin/login":  false,
		"/__ws":         true,
	} {
		_, err := h.Respond(newRequest("GET", path))
		if got := errors.Is(err, server.ErrUnauthorized); got != guarded {
			t.Errorf("%s: guarded = %v, want %v", path, got, guarded)
		}
	}
}

func TestBearerAuthStripsSpoofedSubject(t *testing.T) {
	h := server.Chain([]server.Middleware{BearerAuth(testSecret, AuthOptions{Protect: []string{"/admin/"}})}, subjectEcho())
	req := newRequest("GET", "/public")
	req.Header.Set(SubjectHeader, "admin")

	resp, err := h.Respond(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("client-supplied subject reached the responder: %q", resp.Body)
	}
}

func TestBearerAuthWithoutSecretRejects(t *testing.T) {
	tok := sign(t, jwt.SigningMethodHS256, []byte{}, jwt.RegisteredClaims{Subject: "x"})
	h := server.Chain([]server.Middleware{BearerAuth(nil, AuthOptions{})}, subjectEcho())
	req := newRequest("GET", "/")
	req.Header.Set("Authorization", "Bearer "+tok)
	if _, err := h.Respond(req); !errors.Is(err, server.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without a secret, got %v", err)
	}
}
