package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
)

const appHost = "avisos.local"

// shellStack 以生产装配方式串起 存储 → Fetcher → Agent → Driver → Fiber app。
type shellStack struct {
	cfg     *config.Config
	storage cache.Storage
	agent   *policy.Agent
	driver  *lifecycle.Driver
	app     *fiber.App
}

func testShellConfig(origin, cacheName string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Shell: config.ShellConfig{
			Origin:       origin,
			Hosts:        []string{appHost},
			CacheName:    cacheName,
			Policy:       config.PolicySelective,
			Precache:     []string{"./", "index.html", "manifest.json"},
			Reconcile:    config.ReconcileAllowlist,
			ClaimOrder:   config.ClaimAfterSweep,
			SweepFailure: config.SweepSkip,
		},
	}
}

func newShellStack(t *testing.T, cfg *config.Config, storage cache.Storage) *shellStack {
	t.Helper()

	logger := logging.Discard()
	opts, err := policy.OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options error: %v", err)
	}
	fetcher, err := fetch.NewHTTPFetcher(fetch.NewClient(0), opts.Origin)
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}
	agent, err := policy.NewAgent(storage, fetcher, logger, opts)
	if err != nil {
		t.Fatalf("agent error: %v", err)
	}
	gate := lifecycle.NewGate()
	driver := lifecycle.NewDriver(agent, gate, logger, cfg.Shell.ClaimOrder)

	hosts, err := server.NewHostRegistry(cfg)
	if err != nil {
		t.Fatalf("hosts error: %v", err)
	}
	passthrough := proxy.NewPassthrough(fetcher, logger)
	handler, err := proxy.NewHandler(agent, passthrough, logger)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Hosts:      hosts,
		Proxy:      proxy.NewForwarder(gate, handler, passthrough, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, driver, agent, hosts)

	return &shellStack{cfg: cfg, storage: storage, agent: agent, driver: driver, app: app}
}

func newFileStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func (s *shellStack) start(t *testing.T) {
	t.Helper()
	if err := s.driver.Start(context.Background()); err != nil {
		t.Fatalf("lifecycle start failed: %v", err)
	}
}

func (s *shellStack) get(t *testing.T, host, path string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	req.Host = host
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (s *shellStack) keys(t *testing.T) []cache.Key {
	t.Helper()
	ctx := context.Background()
	store, err := s.storage.Open(ctx, s.cfg.Shell.CacheName)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	return keys
}

func hasKey(keys []cache.Key, rawURL string) bool {
	for _, key := range keys {
		if key.URL == rawURL {
			return true
		}
	}
	return false
}
