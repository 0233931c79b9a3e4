package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskflow/supportchat/protocol"
)

func mintToken(t *testing.T, secret, subject, name, kind string, expires time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: name,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expires)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestVerify(t *testing.T) {
	m := NewAuthMiddleware("secret")

	token := mintToken(t, "secret", "u1", "Pat", "customer", time.Hour)
	principal, err := m.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.ID != "u1" || principal.DisplayName != "Pat" || principal.Kind != protocol.KindCustomer {
		t.Fatalf("principal wrong: %+v", principal)
	}
}

func TestVerifyRejects(t *testing.T) {
	m := NewAuthMiddleware("secret")

	cases := map[string]string{
		"wrong secret": mintToken(t, "other", "u1", "Pat", "customer", time.Hour),
		"expired":      mintToken(t, "secret", "u1", "Pat", "customer", -time.Hour),
		"bad kind":     mintToken(t, "secret", "u1", "Pat", "superuser", time.Hour),
		"no subject":   mintToken(t, "secret", "", "Pat", "agent", time.Hour),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		if _, err := m.Verify(token); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestRequireAuth(t *testing.T) {
	m := NewAuthMiddleware("secret")
	var got protocol.Participant
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r.Context())
	})

	// Header token.
	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "secret", "agent-1", "Alex", "agent", time.Hour))
	rec := httptest.NewRecorder()
	m.RequireAuth(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.ID != "agent-1" {
		t.Fatalf("header auth failed: %d %+v", rec.Code, got)
	}

	// Query token, the socket upgrade path.
	req = httptest.NewRequest(http.MethodGet, "/ws?token="+mintToken(t, "secret", "u2", "", "customer", time.Hour), nil)
	rec = httptest.NewRecorder()
	m.RequireAuth(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.ID != "u2" {
		t.Fatalf("query auth failed: %d %+v", rec.Code, got)
	}

	// Missing token.
	req = httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec = httptest.NewRecorder()
	m.RequireAuth(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", rec.Code)
	}
}
