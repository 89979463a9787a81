package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
)

// Target 是一次入站请求解析后的上游地址。
type Target struct {
	// URL 是请求最终指向的绝对地址（fragment 已去除）。
	URL *url.URL
	// AppHost 表示请求 Host 命中了 Hosts 映射，URL 指向 app 源站。
	AppHost bool
}

// ErrForwardDenied 表示请求的 Host 既不是 app Host，也不在 ForwardHosts 白名单内。
var ErrForwardDenied = errors.New("forward host not allowed")

// HostRegistry 把 app 的本地 Host 映射到配置的源站，未映射的 Host 按正向代理处理，
// 即目标为 scheme://host/path?query（外部资源，例如第三方 API 或 CDN）。
// forward 为空时转发任意 Host，协议取自 X-Forwarded-Proto，部署时应只对可信的前置代理开放。
type HostRegistry struct {
	origin  *url.URL
	hosts   map[string]struct{}
	forward map[string]struct{}
}

// NewHostRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewHostRegistry(cfg *config.Config) (*HostRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := url.Parse(cfg.Shell.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Shell.Origin)
	}

	registry := &HostRegistry{
		origin:  origin,
		hosts:   make(map[string]struct{}, len(cfg.Shell.Hosts)),
		forward: make(map[string]struct{}, len(cfg.Shell.ForwardHosts)),
	}
	for _, raw := range cfg.Shell.Hosts {
		host, _ := normalizeHost(raw)
		if host == "" {
			return nil, fmt.Errorf("invalid host %q", raw)
		}
		if _, exists := registry.hosts[host]; exists {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", host)
		}
		registry.hosts[host] = struct{}{}
	}
	for _, raw := range cfg.Shell.ForwardHosts {
		host, _ := normalizeHost(raw)
		if host == "" {
			return nil, fmt.Errorf("invalid forward host %q", raw)
		}
		registry.forward[host] = struct{}{}
	}
	return registry, nil
}

// Origin 返回 app 源站。
func (r *HostRegistry) Origin() *url.URL {
	return r.origin
}

// Hosts 返回已映射的 Host 列表，供诊断输出。
func (r *HostRegistry) Hosts() []string {
	result := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		result = append(result, host)
	}
	sort.Strings(result)
	return result
}

// Lookup 判断 Host 或 Host:port 是否映射到 app 源站。
func (r *HostRegistry) Lookup(host string) bool {
	if r == nil {
		return false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return false
	}
	_, ok := r.hosts[normalized]
	return ok
}

// AllowsForward 判断未映射的 Host 是否允许被正向代理。
func (r *HostRegistry) AllowsForward(host string) bool {
	if r == nil {
		return false
	}
	if len(r.forward) == 0 {
		return true
	}
	normalized, _ := normalizeHost(host)
	_, ok := r.forward[normalized]
	return ok
}

// Resolve 计算 fiber 请求的目标地址。
func (r *HostRegistry) Resolve(c fiber.Ctx) (Target, error) {
	uri := c.Request().URI()
	rawPath := string(uri.Path())
	if rawPath == "" {
		rawPath = "/"
	}
	rawQuery := string(uri.QueryString())
	rawHost := strings.TrimSpace(getHostHeader(c))

	if rawHost == "" || r.Lookup(rawHost) {
		return Target{URL: fetch.ResolvePath(r.origin, rawPath, rawQuery), AppHost: true}, nil
	}

	if !r.AllowsForward(rawHost) {
		return Target{}, fmt.Errorf("%w: %s", ErrForwardDenied, rawHost)
	}

	scheme := strings.ToLower(strings.TrimSpace(c.Get("X-Forwarded-Proto")))
	if scheme == "" {
		scheme = strings.ToLower(string(uri.Scheme()))
	}
	if scheme != "http" && scheme != "https" {
		scheme = "http"
	}
	target, err := url.Parse(scheme + "://" + rawHost + rawPath)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target for host %s: %w", rawHost, err)
	}
	target.RawQuery = rawQuery
	return Target{URL: target}, nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
