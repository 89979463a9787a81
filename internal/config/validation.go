package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedPolicies = map[string]struct{}{
	PolicyCacheFirst: {},
	PolicySelective:  {},
}

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendRedis:  {},
	BackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if g.BackgroundWriteTimeout.DurationValue() <= 0 {
		return newFieldError("BackgroundWriteTimeout", "必须大于 0")
	}

	if err := c.Shell.validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

func (s *ShellConfig) validate() error {
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if s.CacheName == "" {
		return newFieldError("CacheName", "不能为空")
	}
	if _, ok := supportedPolicies[s.Policy]; !ok {
		return newFieldError("Policy", "仅支持 cache-first/selective")
	}
	if len(s.Precache) == 0 {
		return newFieldError("Precache", "至少需要一个预缓存路径")
	}
	for i, entry := range s.Precache {
		if err := validateRelativePath(entry); err != nil {
			return newFieldError(listField("Precache", i), err.Error())
		}
	}
	for i, host := range s.Hosts {
		if strings.Contains(host, "/") || strings.Contains(host, " ") {
			return newFieldError(listField("Hosts", i), "不允许包含路径或空格")
		}
	}
	for i, host := range s.ForwardHosts {
		if strings.Contains(host, "/") || strings.Contains(host, " ") {
			return newFieldError(listField("ForwardHosts", i), "不允许包含路径或空格")
		}
	}

	switch s.Reconcile {
	case ReconcileAllowlist:
	case ReconcilePrefix:
		prefix := s.EffectivePrefix()
		if prefix == "" {
			return newFieldError("CachePrefix", "prefix 模式需要前缀，且无法从 CacheName 推导")
		}
		if !strings.HasPrefix(s.CacheName, prefix) {
			return newFieldError("CachePrefix", "CacheName 必须以该前缀开头")
		}
	default:
		return newFieldError("Reconcile", "仅支持 allowlist/prefix")
	}

	if s.ClaimOrder != ClaimAfterSweep && s.ClaimOrder != ClaimImmediate {
		return newFieldError("ClaimOrder", "仅支持 after-sweep/immediate")
	}
	if s.SweepFailure != SweepSkip && s.SweepFailure != SweepAbort {
		return newFieldError("SweepFailure", "仅支持 skip/abort")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if _, ok := supportedBackends[s.Backend]; !ok {
		return newFieldError("Storage.Backend", "仅支持 fs/redis/sqlite")
	}
	switch s.Backend {
	case BackendRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			return newFieldError("Storage.RedisAddr", "redis 后端必须提供地址")
		}
		if s.RedisDB < 0 {
			return newFieldError("Storage.RedisDB", "不能为负数")
		}
	default:
		if strings.TrimSpace(s.Path) == "" {
			return newFieldError("Storage.Path", "不能为空")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少 app 源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validateRelativePath(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("必须是相对路径")
	}
	return nil
}
