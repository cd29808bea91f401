package apikey

import (
	"context"
	"errors"
	"strings"

	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/labstack/echo/v4"
)

const contextKey = "api_key"

type Validator interface {
	Validate(ctx context.Context, secret string) (*APIKey, error)
}

type Middleware struct {
	validator Validator
}

func NewMiddleware(validator Validator) *Middleware {
	return &Middleware{validator: validator}
}

// Authenticate accepts the key as a bearer token, an X-API-Key header, or
// an api_key query parameter (browsers cannot set headers on websockets).
func (m *Middleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := extractSecret(c)
		if secret == "" {
			return shared.Unauthorized("missing_api_key", "api key required")
		}

		key, err := m.validator.Validate(c.Request().Context(), secret)
		if err != nil {
			if errors.Is(err, shared.ErrUnauthorized) {
				return shared.Unauthorized("api_key_expired", "api key has expired")
			}
			if errors.Is(err, shared.ErrNotFound) {
				return shared.Unauthorized("invalid_api_key", "invalid api key")
			}
			return shared.InternalError("auth_failed", "failed to validate api key")
		}

		c.Set(contextKey, key)
		return next(c)
	}
}

// RequireScope must run after Authenticate.
func (m *Middleware) RequireScope(scope Scope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := FromContext(c)
			if key == nil {
				return shared.Unauthorized("missing_api_key", "api key required")
			}
			if !key.Allows(scope) {
				return shared.Forbidden("insufficient_scope", "api key lacks the "+string(scope)+" scope")
			}
			return next(c)
		}
	}
}

func FromContext(c echo.Context) *APIKey {
	key, _ := c.Get(contextKey).(*APIKey)
	return key
}

func extractSecret(c echo.Context) string {
	req := c.Request()
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := req.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return c.QueryParam("api_key")
}
