package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// Handler 把请求交给 policy.Agent 决策；排除列表中的请求回落到 Passthrough。
type Handler struct {
	agent       *policy.Agent
	passthrough *Passthrough
	logger      *logrus.Logger
}

// NewHandler constructs a policy handler with shared agent/passthrough/logger.
func NewHandler(agent *policy.Agent, passthrough *Passthrough, logger *logrus.Logger) (*Handler, error) {
	if agent == nil {
		return nil, errors.New("agent is required")
	}
	if passthrough == nil {
		return nil, errors.New("passthrough handler is required")
	}
	return &Handler{agent: agent, passthrough: passthrough, logger: logger}, nil
}

// Handle 执行策略决策。策略没有给出响应时返回 502 network_unavailable，
// 对应浏览器中 respondWith 得到空结果后渲染的网络错误页。
func (h *Handler) Handle(c fiber.Ctx, target server.Target) error {
	started := time.Now()
	req := buildRequest(c, target)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result := h.agent.HandleRequest(ctx, req)
	if !result.Intercepted {
		return h.passthrough.Handle(c, target)
	}
	if result.Empty() {
		logResult(h.logger, c, req, result.Source, fiber.StatusBadGateway, started, nil)
		return writeError(c, fiber.StatusBadGateway, "network_unavailable", result.Source)
	}
	logResult(h.logger, c, req, result.Source, result.Response.Status, started, nil)
	return writeResponse(c, result.Response, result.Source)
}
