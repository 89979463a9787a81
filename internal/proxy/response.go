package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

const (
	headerSource   = "X-Shellcache-Source"
	headerCacheHit = "X-Shellcache-Cache-Hit"
)

// buildRequest 将 fiber 请求转换为策略层的 Request，header 与 body 都会被复制，
// fiber 在 handler 返回后会复用底层缓冲区。
func buildRequest(c fiber.Ctx, target server.Target) *fetch.Request {
	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return fetch.NewRequest(c.Method(), target.URL, fiberHeadersAsHTTP(c), body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Host")
	return header
}

// writeResponse 写回状态码、过滤后的响应头与 Body，并补充来源诊断头。HEAD 请求不写 Body。
func writeResponse(c fiber.Ctx, resp *fetch.Response, source policy.Source) error {
	defer resp.Close()

	copyResponseHeaders(c, resp.Header)
	setSourceHeaders(c, source)
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		return nil
	}
	if resp.Body == nil {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func setSourceHeaders(c fiber.Ctx, source policy.Source) {
	c.Set(headerSource, string(source))
	c.Set(headerCacheHit, strconv.FormatBool(source == policy.SourceCache))
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func writeError(c fiber.Ctx, status int, code string, source policy.Source) error {
	setSourceHeaders(c, source)
	return c.Status(status).JSON(fiber.Map{"error": code})
}
