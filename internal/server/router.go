package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering a proxied
// request once its target has been resolved. It allows injecting fake
// handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Hosts      *HostRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyTarget    = "_shellcache_target"
	contextKeyRequestID = "_shellcache_request_id"
)

// NewApp builds a Fiber application with request id, target resolution
// middleware and structured error handling. Diagnostics routes under /-/ are
// registered by the caller after NewApp returns.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Hosts == nil {
		return nil, errors.New("host registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		target, ok := getTargetFromContext(c)
		if !ok {
			return renderTargetInvalid(c, opts.Logger, getHostHeader(c), nil)
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并解析请求的目标地址。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(c) {
			return c.Next()
		}

		target, err := opts.Hosts.Resolve(c)
		if err != nil {
			return renderTargetInvalid(c, opts.Logger, getHostHeader(c), err)
		}

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

func renderTargetInvalid(c fiber.Ctx, logger *logrus.Logger, host string, err error) error {
	if errors.Is(err, ErrForwardDenied) {
		logger.WithFields(logrus.Fields{
			"action": "target_resolve",
			"host":   host,
		}).Warn("forward_denied")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "forward_denied",
		})
	}

	entry := logger.WithFields(logrus.Fields{
		"action": "target_resolve",
		"host":   host,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("target_invalid")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "target_invalid",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getTargetFromContext(c fiber.Ctx) (Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(Target); ok && target.URL != nil {
			return target, true
		}
	}
	return Target{}, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// isDiagnosticsPath 判断是否为 /-/ 前缀的诊断路径，这些路径不参与代理。
func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), "/-/")
}
