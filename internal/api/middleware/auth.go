package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskflow/supportchat/protocol"
)

type contextKey string

const principalContextKey contextKey = "principal"

// AuthMiddleware validates bearer tokens issued by the TaskFlow auth service.
// The chat service never issues or refreshes tokens; it only verifies them.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates an auth middleware verifying HS256 tokens with
// the given shared secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// claims is the token payload the auth service issues for chat access.
type claims struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "customer" or "agent"
	jwt.RegisteredClaims
}

// RequireAuth verifies the bearer token and places the resulting principal
// in the request context. The token may arrive in the Authorization header
// or, for socket upgrades where browsers cannot set headers, in the "token"
// query parameter.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		principal, err := m.Verify(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and validates a token, returning the principal it names.
func (m *AuthMiddleware) Verify(token string) (protocol.Participant, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return protocol.Participant{}, errors.New("invalid token")
	}

	kind := protocol.ParticipantKind(c.Kind)
	if kind != protocol.KindCustomer && kind != protocol.KindAgent {
		return protocol.Participant{}, errors.New("unknown principal kind")
	}
	if c.Subject == "" {
		return protocol.Participant{}, errors.New("missing subject")
	}

	return protocol.Participant{
		ID:          c.Subject,
		DisplayName: c.Name,
		Kind:        kind,
	}, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WithPrincipal returns a context carrying the given principal, bypassing
// token verification. Intended for tests.
func WithPrincipal(ctx context.Context, p protocol.Participant) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the authenticated principal from the request
// context. The zero Participant means the request was not authenticated.
func GetPrincipal(ctx context.Context) protocol.Participant {
	p, _ := ctx.Value(principalContextKey).(protocol.Participant)
	return p
}
