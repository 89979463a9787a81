package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
Origin = "https://shell.example"
CacheName = "shell-cache-v1"
Precache = ["index.html"]
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
Origin = "https://shell.example"
CacheName = "shell-cache-v1"
Precache = ["index.html"]
UpstreamTimeout = 5
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %v", loaded.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadEnvOverridesCacheName(t *testing.T) {
	t.Setenv("SHELLCACHE_CACHENAME", "avisos-pwa-cache-v2")
	t.Setenv("SHELLCACHE_STORAGE_PATH", filepath.Join(t.TempDir(), "env-storage"))

	loaded, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Shell.CacheName != "avisos-pwa-cache-v2" {
		t.Fatalf("环境变量应覆盖 CacheName，得到 %s", loaded.Shell.CacheName)
	}
	if filepath.Base(loaded.Storage.Path) != "env-storage" {
		t.Fatalf("环境变量应覆盖 Storage.Path，得到 %s", loaded.Storage.Path)
	}
	if loaded.Shell.EffectivePrefix() != "avisos-pwa-cache-" {
		t.Fatalf("前缀应从新版本名推导，得到 %s", loaded.Shell.EffectivePrefix())
	}
}

func TestLoadNormalizesEnums(t *testing.T) {
	cfg := `
Origin = "https://shell.example"
CacheName = "shell-cache-v1"
Precache = [" index.html ", ""]
Policy = " Cache-First "
ClaimOrder = "IMMEDIATE"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Shell.Policy != PolicyCacheFirst {
		t.Fatalf("Policy 应被规范化，得到 %q", loaded.Shell.Policy)
	}
	if loaded.Shell.ClaimOrder != ClaimImmediate {
		t.Fatalf("ClaimOrder 应被规范化，得到 %q", loaded.Shell.ClaimOrder)
	}
	if len(loaded.Shell.Precache) != 1 || loaded.Shell.Precache[0] != "index.html" {
		t.Fatalf("Precache 应去除空白项，得到 %v", loaded.Shell.Precache)
	}
}
