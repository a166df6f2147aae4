package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for the authenticated identity
type contextKey string

const identityContextKey contextKey = "identity"

// Claims are the JWT claims the assistant cares about. The subject is the
// identity used for rate limiting and usage attribution.
type Claims struct {
	jwt.RegisteredClaims
}

// withAuth is middleware that requires a valid HS256 bearer token. With no
// JWT secret configured the middleware passes everything through (dev mode).
// Websocket clients cannot set headers from the browser, so the token is also
// accepted as a `token` query parameter.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			next.ServeHTTP(w, req)
			return
		}

		tokenString := bearerToken(req)
		if tokenString == "" {
			http.Error(w, `{"error": "missing authorization"}`, http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(*Claims)
		if !ok || claims.Subject == "" {
			http.Error(w, `{"error": "invalid token claims"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(req.Context(), identityContextKey, claims.Subject)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// bearerToken extracts the token from the Authorization header or, failing
// that, the token query parameter.
func bearerToken(req *http.Request) string {
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return req.URL.Query().Get("token")
}

// authIdentity returns the identity established by withAuth, or "" in dev
// mode.
func authIdentity(ctx context.Context) string {
	identity, _ := ctx.Value(identityContextKey).(string)
	return identity
}

// IssueToken signs an HS256 token for an identity. Used by operational
// tooling and tests; the service itself only verifies tokens.
func IssueToken(secret, identity string, expiry time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
