// Package security implements NetPulse's REST authentication: a single
// shared secret carried in a configurable header, checked in constant
// time against every request.
package security

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/errors"
)

// Config configures the API key middleware.
type Config struct {
	HeaderName string
	APIKey     string
}

// DefaultConfig returns the default header name.
func DefaultConfig() Config {
	return Config{HeaderName: "X-API-KEY"}
}

// Middleware builds a Fiber handler enforcing cfg's shared secret on every
// request. Missing or mismatched keys short-circuit with HTTP 403 and the
// standard error envelope. An empty cfg.APIKey disables auth entirely —
// intended for local development only; cmd/* entrypoints log a warning
// when this is the case.
func Middleware(cfg Config, log zerolog.Logger) fiber.Handler {
	header := cfg.HeaderName
	if header == "" {
		header = "X-API-KEY"
	}

	return func(c *fiber.Ctx) error {
		if cfg.APIKey == "" {
			return c.Next()
		}

		provided := c.Get(header)
		if !constantTimeEqual(provided, cfg.APIKey) {
			log.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("rejected request with invalid or missing API key")
			appErr := errors.NewAuthenticationError("Invalid or missing API key.")
			return c.Status(appErr.HTTPStatus).JSON(errors.NewErrorEnvelope(appErr))
		}
		return c.Next()
	}
}

// constantTimeEqual reports whether provided equals expected without
// leaking timing information proportional to the first mismatched byte.
func constantTimeEqual(provided, expected string) bool {
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
