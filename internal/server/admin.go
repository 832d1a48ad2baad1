package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/sirupsen/logrus"
)

// AdminOptions configures the management listener.
type AdminOptions struct {
	Logger *logrus.Logger
	// Token 非空时要求 Authorization: Bearer <Token>。
	Token string
}

// NewAdminApp builds the Fiber application for the management API. It runs
// on its own listener and never sees proxied traffic; routes are registered
// by the caller.
func NewAdminApp(opts AdminOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(accessLogMiddleware(opts.Logger))
	app.Use(bearerTokenMiddleware(opts.Logger, opts.Token))
	return app, nil
}

func bearerTokenMiddleware(logger *logrus.Logger, token string) fiber.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(c fiber.Ctx) error {
		if len(expected) == 0 {
			return c.Next()
		}
		scheme, presented, _ := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if strings.EqualFold(scheme, "Bearer") &&
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) == 1 {
			return c.Next()
		}
		logger.WithFields(logrus.Fields{
			"action":     "admin_auth",
			"path":       c.Path(),
			"remote":     c.IP(),
			"request_id": RequestID(c),
		}).Warn("admin request rejected")
		c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="cachegate"`)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
}
