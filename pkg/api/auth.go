package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const credentialKey contextKey = "credential"

type requestIDKey struct{}

// WithCredential attaches the authenticated credential ID to the context.
func WithCredential(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, credentialKey, id)
}

// CredentialFrom retrieves the credential ID set by the auth middleware.
func CredentialFrom(ctx context.Context) (string, error) {
	id, ok := ctx.Value(credentialKey).(string)
	if !ok || id == "" {
		return "", errors.New("no credential in context")
	}
	return id, nil
}

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-supplied X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Authenticator validates HS256 bearer tokens. The token subject is the
// API credential ID; everything downstream keys on it.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator wraps the shared HMAC secret. A nil or empty secret
// yields a nil Authenticator, which the middleware treats as
// authentication-not-configured and rejects every request (fail closed).
func NewAuthenticator(secret []byte) *Authenticator {
	if len(secret) == 0 {
		return nil
	}
	return &Authenticator{secret: secret}
}

// Validate parses the token and returns the credential ID from `sub`.
func (a *Authenticator) Validate(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token subject is required")
	}
	return claims.Subject, nil
}

// Middleware enforces bearer auth on every request that reaches it.
// Route it onto the /v1 subrouter only: /healthz, /metrics and the
// customer-facing action callback stay outside (the challenge token is
// the callback's own proof of possession).
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, r, "Missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if a == nil {
			WriteUnauthorized(w, r, "Authentication not configured")
			return
		}

		credential, err := a.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired token")
			return
		}

		ctx := WithCredential(r.Context(), credential)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
