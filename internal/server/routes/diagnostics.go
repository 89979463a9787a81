package routes

import (
	"net/url"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/version"
)

// Status 是 /-/status 诊断接口需要的只读视图。
type Status interface {
	Snapshot() lifecycle.Snapshot
}

// Agent 是诊断接口读取缓存信息所需的最小接口，policy.Agent 满足它。
type Agent interface {
	CacheName() string
	Policy() string
	Storage() cache.Storage
}

var _ Agent = (*policy.Agent)(nil)

// Hosts 描述 Host 映射，server.HostRegistry 满足它。为空时 /-/status 不输出源站信息。
type Hosts interface {
	Origin() *url.URL
	Hosts() []string
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/caches、/-/caches/current 与 /-/metrics，
// 供 SRE 查询生命周期阶段与缓存内容。
func RegisterDiagnosticsRoutes(app *fiber.App, status Status, agent Agent, hosts Hosts) {
	if app == nil || status == nil || agent == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Snapshot:  status.Snapshot(),
			CacheName: agent.CacheName(),
			Policy:    agent.Policy(),
			Policies:  encodePolicies(policy.List()),
			Version:   version.Full(),
		}
		if hosts != nil {
			if origin := hosts.Origin(); origin != nil {
				payload.Origin = origin.String()
			}
			payload.Hosts = hosts.Hosts()
		}
		return c.JSON(payload)
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := agent.Storage().Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if names == nil {
			names = []string{}
		}
		return c.JSON(fiber.Map{
			"current": agent.CacheName(),
			"caches":  names,
		})
	})

	app.Get("/-/caches/current", func(c fiber.Ctx) error {
		ctx := c.Context()
		exists, err := agent.Storage().Has(ctx, agent.CacheName())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		store, err := agent.Storage().Open(ctx, agent.CacheName())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{
			"name":    store.Name(),
			"entries": encodeKeys(keys),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type statusPayload struct {
	lifecycle.Snapshot
	CacheName string          `json:"cache_name"`
	Policy    string          `json:"policy"`
	Policies  []policyPayload `json:"policies"`
	Origin    string          `json:"origin,omitempty"`
	Hosts     []string        `json:"hosts,omitempty"`
	Version   string          `json:"version"`
}

type policyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

type keyPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodePolicies(defs []policy.Definition) []policyPayload {
	result := make([]policyPayload, 0, len(defs))
	for _, def := range defs {
		result = append(result, policyPayload{Key: def.Key, Description: def.Description})
	}
	return result
}

func encodeKeys(keys []cache.Key) []keyPayload {
	sorted := append([]cache.Key(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].URL < sorted[j].URL
	})
	result := make([]keyPayload, 0, len(sorted))
	for _, key := range sorted {
		result = append(result, keyPayload{Method: key.Method, URL: key.URL})
	}
	return result
}
