package server

import (
	"bytes"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cachehop/cachehop/internal/metrics"
)

// AppOptions controls the diagnostics application of a single role.
type AppOptions struct {
	Logger   *logrus.Logger
	Role     string
	Protocol string
}

const contextKeyRequestID = "_cachehop_request_id"

// NewApp builds a Fiber application with request-id tagging, panic recovery
// and the /-/health and /-/metrics endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(opts.Role) == "" {
		return nil, errors.New("role is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/-/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"role":     opts.Role,
			"protocol": opts.Protocol,
		})
	})

	app.Get("/-/metrics", func(c fiber.Ctx) error {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "metrics",
				"request_id": RequestID(c),
			}).WithError(err).Warn("gather metrics failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "metrics_unavailable"})
		}
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		return c.Send(buf.Bytes())
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
