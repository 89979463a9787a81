package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 SHELLCACHE_CACHENAME=app-cache-v2。
const EnvPrefix = "SHELLCACHE"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyShellDefaults(&cfg.Shell)
	applyStorageDefaults(&cfg.Storage)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Backend != BackendRedis {
		absStorage, err := filepath.Abs(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Storage.Path = absStorage
	}

	return &cfg, nil
}

// setDefaults 同时让 AutomaticEnv 能感知所有键，未在文件中出现的键也可以被环境变量覆盖。
func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("BackgroundWriteTimeout", "10s")

	v.SetDefault("Origin", "")
	v.SetDefault("Hosts", []string{})
	v.SetDefault("ForwardHosts", []string{})
	v.SetDefault("CacheName", "")
	v.SetDefault("CachePrefix", "")
	v.SetDefault("Policy", PolicySelective)
	v.SetDefault("Precache", []string{})
	v.SetDefault("Bypass", []string{})
	v.SetDefault("Local", []string{})
	v.SetDefault("Reconcile", ReconcileAllowlist)
	v.SetDefault("KeepCaches", []string{})
	v.SetDefault("ClaimOrder", ClaimAfterSweep)
	v.SetDefault("SweepFailure", SweepSkip)
	v.SetDefault("AbortOnInstallFailure", false)

	v.SetDefault("Storage.Backend", BackendFS)
	v.SetDefault("Storage.Path", "./storage")
	v.SetDefault("Storage.RedisAddr", "")
	v.SetDefault("Storage.RedisPassword", "")
	v.SetDefault("Storage.RedisDB", 0)
	v.SetDefault("Storage.RedisPrefix", "shellcache:")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.BackgroundWriteTimeout.DurationValue() == 0 {
		g.BackgroundWriteTimeout = Duration(10 * time.Second)
	}
}

func applyShellDefaults(s *ShellConfig) {
	s.Origin = strings.TrimSpace(s.Origin)
	s.CacheName = strings.TrimSpace(s.CacheName)
	s.Policy = normalizeEnum(s.Policy, PolicySelective)
	s.Reconcile = normalizeEnum(s.Reconcile, ReconcileAllowlist)
	s.ClaimOrder = normalizeEnum(s.ClaimOrder, ClaimAfterSweep)
	s.SweepFailure = normalizeEnum(s.SweepFailure, SweepSkip)
	s.Hosts = trimList(s.Hosts)
	s.ForwardHosts = trimList(s.ForwardHosts)
	s.Precache = trimList(s.Precache)
	s.Bypass = trimList(s.Bypass)
	s.Local = trimList(s.Local)
	s.KeepCaches = trimList(s.KeepCaches)
}

func applyStorageDefaults(s *StorageConfig) {
	s.Backend = normalizeEnum(s.Backend, BackendFS)
	if s.Backend != BackendRedis && strings.TrimSpace(s.Path) == "" {
		s.Path = "./storage"
	}
	if s.RedisPrefix == "" {
		s.RedisPrefix = "shellcache:"
	}
}

func normalizeEnum(raw, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return fallback
	}
	return normalized
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
