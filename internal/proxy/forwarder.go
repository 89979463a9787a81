package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/metrics"
	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 根据 Gate 的接管状态选择处理器：未接管时请求像没有缓存层一样直接放行，
// 接管后交给策略处理器。处理器 panic 会被转换为 500，不会中断服务。
type Forwarder struct {
	gate         *lifecycle.Gate
	controlled   server.ProxyHandler
	uncontrolled server.ProxyHandler
	logger       *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(gate *lifecycle.Gate, controlled, uncontrolled server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		gate:         gate,
		controlled:   controlled,
		uncontrolled: uncontrolled,
		logger:       logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target server.Target) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, handler, requestID)
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.gate != nil && f.gate.Claimed() {
		return f.controlled
	}
	metrics.Requests.WithLabelValues("unclaimed", "passthrough").Inc()
	return f.uncontrolled
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target server.Target, requestID string) error {
	f.logHandlerError(target, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target server.Target, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target server.Target, recovered interface{}, requestID string) error {
	f.logHandlerError(target, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(target server.Target, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":  "proxy",
		"error":   code,
		"claimed": f.gate != nil && f.gate.Claimed(),
	}
	if target.URL != nil {
		fields["target"] = target.URL.String()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
