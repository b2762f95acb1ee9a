package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const tenantIDKey contextKey = "tenantID"

// DevTenantHeader names the business directly when dev headers are allowed.
const DevTenantHeader = "X-Tenant-ID"

const devSecret = "default-secret-key-change-in-production"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoTenant     = errors.New("token carries no tenant")
)

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey      string
	AllowDevHeader bool
}

// NewJWTConfig creates the tenant middleware config.
func NewJWTConfig(secretKey string, allowDevHeader bool) *JWTConfig {
	if secretKey == "" {
		secretKey = devSecret
	}
	return &JWTConfig{SecretKey: secretKey, AllowDevHeader: allowDevHeader}
}

// ParseToken validates an HMAC-signed token and returns its tenant. The tenant
// comes from the tenant_id claim, falling back to sub.
func (c *JWTConfig) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if tenant, _ := claims["tenant_id"].(string); tenant != "" {
		return tenant, nil
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	return "", ErrNoTenant
}

// Middleware resolves the calling tenant. Requests without credentials pass
// through anonymously; bad credentials are rejected. Websocket clients that
// cannot set headers may pass the token as the "token" query parameter.
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.AllowDevHeader {
			if tenant := r.Header.Get(DevTenantHeader); tenant != "" {
				next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenant)))
				return
			}
		}

		tokenString := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}

		tenant, err := c.ParseToken(tokenString)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenant)))
	})
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID returns the tenant resolved by Middleware, or "" for anonymous callers.
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}
