package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 请求处理策略：cache-first 对应“全部缓存优先 + 排除列表”，selective 对应“本地列表缓存优先，其余网络优先”。
const (
	PolicyCacheFirst = "cache-first"
	PolicySelective  = "selective"
)

// 清理模式：allowlist 只保留白名单中的缓存，prefix 删除同前缀但名称不同的缓存。
const (
	ReconcileAllowlist = "allowlist"
	ReconcilePrefix    = "prefix"
)

// Claim 时机：after-sweep 在清理结束后接管客户端，immediate 与清理并行且不受其结果影响。
const (
	ClaimAfterSweep = "after-sweep"
	ClaimImmediate  = "immediate"
)

// 清理失败处理：skip 记录日志后继续，abort 在第一次失败时终止。
const (
	SweepSkip  = "skip"
	SweepAbort = "abort"
)

// 存储后端。
const (
	BackendFS     = "fs"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志以及上游请求超时。
type GlobalConfig struct {
	ListenPort             int      `mapstructure:"ListenPort"`
	LogLevel               string   `mapstructure:"LogLevel"`
	LogFilePath            string   `mapstructure:"LogFilePath"`
	LogMaxSize             int      `mapstructure:"LogMaxSize"`
	LogMaxBackups          int      `mapstructure:"LogMaxBackups"`
	LogCompress            bool     `mapstructure:"LogCompress"`
	UpstreamTimeout        Duration `mapstructure:"UpstreamTimeout"`
	BackgroundWriteTimeout Duration `mapstructure:"BackgroundWriteTimeout"`
}

// ShellConfig 描述 app shell 的缓存策略：当前缓存名、预缓存列表以及请求分类规则。
type ShellConfig struct {
	Origin                string   `mapstructure:"Origin"`
	Hosts                 []string `mapstructure:"Hosts"`
	ForwardHosts          []string `mapstructure:"ForwardHosts"`
	CacheName             string   `mapstructure:"CacheName"`
	CachePrefix           string   `mapstructure:"CachePrefix"`
	Policy                string   `mapstructure:"Policy"`
	Precache              []string `mapstructure:"Precache"`
	Bypass                []string `mapstructure:"Bypass"`
	Local                 []string `mapstructure:"Local"`
	Reconcile             string   `mapstructure:"Reconcile"`
	KeepCaches            []string `mapstructure:"KeepCaches"`
	ClaimOrder            string   `mapstructure:"ClaimOrder"`
	SweepFailure          string   `mapstructure:"SweepFailure"`
	AbortOnInstallFailure bool     `mapstructure:"AbortOnInstallFailure"`
}

// StorageConfig 选择缓存存储后端及其连接参数。
type StorageConfig struct {
	Backend       string `mapstructure:"Backend"`
	Path          string `mapstructure:"Path"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	RedisPrefix   string `mapstructure:"RedisPrefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Shell   ShellConfig   `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:"Storage"`
}

// LocalPatterns 返回 selective 策略使用的本地资源列表，未配置时退回预缓存列表。
func (s ShellConfig) LocalPatterns() []string {
	if len(s.Local) > 0 {
		return append([]string(nil), s.Local...)
	}
	return append([]string(nil), s.Precache...)
}

// EffectivePrefix 返回 prefix 清理模式使用的前缀。未显式配置时去掉 CacheName 末尾的 v<数字>。
func (s ShellConfig) EffectivePrefix() string {
	if prefix := strings.TrimSpace(s.CachePrefix); prefix != "" {
		return prefix
	}
	return derivePrefix(s.CacheName)
}

func derivePrefix(name string) string {
	idx := strings.LastIndex(name, "v")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	for _, r := range name[idx+1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return name[:idx]
}
