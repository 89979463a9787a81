// Package metrics 集中定义 shellcache 的 Prometheus 指标，所有指标通过 promauto
// 注册到默认 Registry，并由 /-/metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests 按策略与最终来源（cache/network/passthrough/none）统计请求。
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_requests_total",
			Help: "Total number of intercepted or passed-through requests",
		},
		[]string{"policy", "source"},
	)

	// CacheLookups 统计缓存查找结果：hit/miss/error。
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_cache_lookups_total",
			Help: "Total number of cache store lookups by result",
		},
		[]string{"result"},
	)

	// NetworkFetches 统计网络请求结果：ok/failed。
	NetworkFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_network_fetches_total",
			Help: "Total number of network fetches by result",
		},
		[]string{"result"},
	)

	// BackgroundWrites 统计异步回写结果：stored/failed。
	BackgroundWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_background_writes_total",
			Help: "Total number of fire-and-forget cache writes by result",
		},
		[]string{"result"},
	)

	// StoresDeleted 统计清理阶段删除的旧缓存数。
	StoresDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_stores_deleted_total",
			Help: "Total number of stale cache stores deleted during reconcile",
		},
	)

	// PrecachedEntries 记录最近一次成功预缓存写入的条目数。
	PrecachedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellcache_precached_entries",
			Help: "Number of entries written by the last successful provisioning",
		},
	)

	// StorageErrors 按后端与操作统计存储错误。
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_storage_errors_total",
			Help: "Total number of cache storage errors by backend and operation",
		},
		[]string{"backend", "operation"},
	)
)
