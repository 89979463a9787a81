package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值，得到 %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.BackgroundWriteTimeout.DurationValue() == 0 {
		t.Fatalf("BackgroundWriteTimeout 应该自动填充默认值")
	}
	if cfg.Shell.ClaimOrder != ClaimAfterSweep {
		t.Fatalf("ClaimOrder 默认应为 after-sweep，得到 %s", cfg.Shell.ClaimOrder)
	}
	if cfg.Shell.SweepFailure != SweepSkip {
		t.Fatalf("SweepFailure 默认应为 skip，得到 %s", cfg.Shell.SweepFailure)
	}
	if len(cfg.Shell.Precache) != 3 {
		t.Fatalf("Precache 应保留 3 项，得到 %v", cfg.Shell.Precache)
	}
	if cfg.Storage.Backend != BackendFS || cfg.Storage.Path == "./data" {
		t.Fatalf("fs 后端路径应被解析为绝对路径，得到 %s", cfg.Storage.Path)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 Origin/CacheName 的配置应返回错误")
	}
}

func TestLocalPatternsFallsBackToPrecache(t *testing.T) {
	shell := ShellConfig{Precache: []string{"index.html"}}
	if got := shell.LocalPatterns(); len(got) != 1 || got[0] != "index.html" {
		t.Fatalf("未配置 Local 时应退回 Precache，得到 %v", got)
	}
	shell.Local = []string{"app.js"}
	if got := shell.LocalPatterns(); len(got) != 1 || got[0] != "app.js" {
		t.Fatalf("Local 应优先生效，得到 %v", got)
	}
}

func TestEffectivePrefix(t *testing.T) {
	testCases := []struct {
		name   string
		shell  ShellConfig
		prefix string
	}{
		{"derived", ShellConfig{CacheName: "avisos-pwa-cache-v1"}, "avisos-pwa-cache-"},
		{"multi digit", ShellConfig{CacheName: "shell-v12"}, "shell-"},
		{"explicit", ShellConfig{CacheName: "shell-2024", CachePrefix: "shell-"}, "shell-"},
		{"no version", ShellConfig{CacheName: "avisos"}, ""},
		{"bare v", ShellConfig{CacheName: "cache-v"}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.shell.EffectivePrefix(); got != tc.prefix {
				t.Fatalf("expected prefix %q, got %q", tc.prefix, got)
			}
		})
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateEnums(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"cache-first ok", func(c *Config) { c.Shell.Policy = PolicyCacheFirst }, false},
		{"unknown policy", func(c *Config) { c.Shell.Policy = "stale-while-revalidate" }, true},
		{"unknown reconcile", func(c *Config) { c.Shell.Reconcile = "lru" }, true},
		{"prefix without version", func(c *Config) {
			c.Shell.Reconcile = ReconcilePrefix
			c.Shell.CacheName = "shell"
		}, true},
		{"prefix mismatch", func(c *Config) {
			c.Shell.Reconcile = ReconcilePrefix
			c.Shell.CachePrefix = "other-"
		}, true},
		{"unknown claim order", func(c *Config) { c.Shell.ClaimOrder = "never" }, true},
		{"unknown sweep failure", func(c *Config) { c.Shell.SweepFailure = "retry" }, true},
		{"absolute precache", func(c *Config) { c.Shell.Precache = []string{"https://cdn.example/x.js"} }, true},
		{"empty precache", func(c *Config) { c.Shell.Precache = nil }, true},
		{"host with path", func(c *Config) { c.Shell.Hosts = []string{"shell.local/app"} }, true},
		{"forward host with path", func(c *Config) { c.Shell.ForwardHosts = []string{"cdn.example/x"} }, true},
		{"forward hosts ok", func(c *Config) { c.Shell.ForwardHosts = []string{"cdn.example", "fonts.example:443"} }, false},
		{"origin with sub-path ok", func(c *Config) { c.Shell.Origin = "https://shell.example/app/" }, false},
		{"bad origin scheme", func(c *Config) { c.Shell.Origin = "ftp://shell.example" }, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "memcached" }, true},
		{"redis without addr", func(c *Config) { c.Storage.Backend = BackendRedis }, true},
		{"redis ok", func(c *Config) {
			c.Storage.Backend = BackendRedis
			c.Storage.RedisAddr = "localhost:6379"
		}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:             5000,
			LogLevel:               "info",
			UpstreamTimeout:        Duration(time.Second),
			BackgroundWriteTimeout: Duration(time.Second),
		},
		Shell: ShellConfig{
			Origin:       "https://shell.example",
			CacheName:    "shell-cache-v1",
			Policy:       PolicySelective,
			Precache:     []string{"./", "index.html"},
			Reconcile:    ReconcileAllowlist,
			ClaimOrder:   ClaimAfterSweep,
			SweepFailure: SweepSkip,
		},
		Storage: StorageConfig{
			Backend: BackendFS,
			Path:    "./data",
		},
	}
}
