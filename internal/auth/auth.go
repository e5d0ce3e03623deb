// Package auth resolves the caller identity for query endpoints and guards
// the ingest surface with a shared token.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/schemas"
)

type contextKey string

// userContextKey carries the resolved schemas.UserContext in the request
// context.
const userContextKey contextKey = "user"

// Claims is the JWT payload the service accepts.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Groups   []string `json:"groups"`
	Language string   `json:"language,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator turns request credentials into a UserContext. With no JWT
// secret configured it falls back to development headers.
type Authenticator struct {
	jwtSecret []byte
	log       *zap.Logger
}

func NewAuthenticator(jwtSecret string, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &Authenticator{jwtSecret: secret, log: log}
}

// Authenticate resolves the caller from the Authorization header, or from
// the x-user-id/x-tenant-id/x-groups development headers when no secret is
// configured.
func (a *Authenticator) Authenticate(r *http.Request) (schemas.UserContext, error) {
	if a.jwtSecret == nil {
		return a.fromDevHeaders(r)
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	return a.parseToken(strings.TrimPrefix(header, "Bearer "))
}

func (a *Authenticator) parseToken(raw string) (schemas.UserContext, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		a.log.Debug("jwt rejected", zap.Error(err))
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	if !token.Valid {
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	u := schemas.UserContext{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		GroupIDs: claims.Groups,
		Language: claims.Language,
	}
	if err := schemas.ValidateUserContext(u); err != nil {
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	return u, nil
}

func (a *Authenticator) fromDevHeaders(r *http.Request) (schemas.UserContext, error) {
	u := schemas.UserContext{
		ID:       r.Header.Get("x-user-id"),
		TenantID: r.Header.Get("x-tenant-id"),
		Language: r.Header.Get("x-language"),
	}
	if groups := r.Header.Get("x-groups"); groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				u.GroupIDs = append(u.GroupIDs, g)
			}
		}
	}
	if err := schemas.ValidateUserContext(u); err != nil {
		return schemas.UserContext{}, schemas.ErrUnauthorized
	}
	return u, nil
}

// VerifyIngestToken compares the presented token against the configured one
// in constant time. An empty configured token disables the ingest surface.
func VerifyIngestToken(configured, presented string) error {
	if configured == "" || presented == "" {
		return schemas.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return schemas.ErrUnauthorized
	}
	return nil
}

// WithUserContext stores the identity on the request context.
func WithUserContext(ctx context.Context, u schemas.UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// UserContextFrom reads the identity set by the auth middleware.
func UserContextFrom(ctx context.Context) (schemas.UserContext, bool) {
	u, ok := ctx.Value(userContextKey).(schemas.UserContext)
	return u, ok
}
