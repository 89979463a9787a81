package proxy

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// Passthrough 不经过缓存直接访问网络，对应“未被接管”的请求。
type Passthrough struct {
	fetcher fetch.Fetcher
	logger  *logrus.Logger
}

// NewPassthrough constructs a passthrough handler over the shared fetcher.
func NewPassthrough(fetcher fetch.Fetcher, logger *logrus.Logger) *Passthrough {
	return &Passthrough{fetcher: fetcher, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (p *Passthrough) Handle(c fiber.Ctx, target server.Target) error {
	started := time.Now()
	req := buildRequest(c, target)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		logResult(p.logger, c, req, policy.SourcePassthrough, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed", policy.SourcePassthrough)
	}
	logResult(p.logger, c, req, policy.SourcePassthrough, resp.Status, started, nil)
	return writeResponse(c, resp, policy.SourcePassthrough)
}

func logResult(
	logger *logrus.Logger,
	c fiber.Ctx,
	req *fetch.Request,
	source policy.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logrus.Fields{
		"action":     "proxy",
		"method":     req.Method,
		"target":     req.String(),
		"source":     string(source),
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	logger.WithFields(fields).Info("proxy_complete")
}
