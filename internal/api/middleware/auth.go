// Package middleware provides HTTP middleware for the tidyup APIs.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ServiceTokenHeader carries the shared service secret.
const ServiceTokenHeader = "X-Service-Token"

// ContextKey is the type for context keys used by this package.
type ContextKey string

// DeviceContextKey is the context key for the authenticated device.
const DeviceContextKey ContextKey = "device"

// DeviceAuthenticator resolves a bearer token to a paired device.
type DeviceAuthenticator interface {
	AuthenticateDevice(ctx context.Context, token string) (*models.Device, error)
}

// ServiceAuth requires the shared service token on every request. An empty
// token with allowAnonymous set lets requests through; callers only do that
// in development.
func ServiceAuth(token string, allowAnonymous bool, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "service_auth").Logger()
	if token == "" && allowAnonymous {
		log.Warn().Msg("service token not configured, service endpoints are unauthenticated")
	}

	return func(c *gin.Context) {
		if token == "" && allowAnonymous {
			c.Next()
			return
		}

		provided := c.GetHeader(ServiceTokenHeader)
		if provided == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing service token")
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "service token required")
			return
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid service token")
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "invalid service token")
			return
		}

		c.Next()
	}
}

// DeviceAuth authenticates requests with the bearer token issued at pairing.
func DeviceAuth(auth DeviceAuthenticator, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "device_auth").Logger()

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing authorization header")
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "authorization required")
			return
		}

		token := ExtractBearerToken(authHeader)
		if token == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid authorization header format")
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "invalid authorization format")
			return
		}

		device, err := auth.AuthenticateDevice(c.Request.Context(), token)
		if err != nil || device == nil {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid device token")
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "invalid device token")
			return
		}

		c.Set(string(DeviceContextKey), device)

		log.Debug().
			Str("device_id", device.ID).
			Str("path", c.Request.URL.Path).
			Msg("authenticated device request")

		c.Next()
	}
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value.
func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// GetDevice retrieves the authenticated device from the Gin context.
// Returns nil if no device is authenticated.
func GetDevice(c *gin.Context) *models.Device {
	v, exists := c.Get(string(DeviceContextKey))
	if !exists {
		return nil
	}
	d, ok := v.(*models.Device)
	if !ok {
		return nil
	}
	return d
}

// RequireDevice gets the authenticated device or aborts with 401.
func RequireDevice(c *gin.Context) *models.Device {
	device := GetDevice(c)
	if device == nil {
		abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "device authentication required")
		return nil
	}
	return device
}

func abort(c *gin.Context, status int, code models.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: code, Message: message})
}
