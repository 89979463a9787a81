package policy

import "github.com/any-hub/shellcache/internal/fetch"

// Source 标记最终响应的来源。
type Source string

const (
	// SourceCache 表示响应来自当前缓存。
	SourceCache Source = "cache"
	// SourceNetwork 表示响应来自实时网络请求。
	SourceNetwork Source = "network"
	// SourceNone 表示策略已接管请求但没有可用响应（离线且缓存未命中）。
	SourceNone Source = "none"
	// SourcePassthrough 表示请求未被接管，由宿主直接放行到网络。
	SourcePassthrough Source = "passthrough"
)

// Result 是 HandleRequest 的决策结果。Intercepted=false 时 Response 恒为空，宿主应直接转发原请求；
// Intercepted=true 且 Response 为空时，调用方需自行将其视为资源缺失。
type Result struct {
	Response    *fetch.Response
	Source      Source
	Intercepted bool
}

// Empty 表示没有可用响应。
func (r Result) Empty() bool {
	return r.Response == nil
}

// CacheHit 表示响应直接来自缓存。
func (r Result) CacheHit() bool {
	return r.Source == SourceCache && r.Response != nil
}

func passthrough() Result {
	return Result{Source: SourcePassthrough}
}

func fromCache(resp *fetch.Response) Result {
	return Result{Response: resp, Source: SourceCache, Intercepted: true}
}

func fromNetwork(resp *fetch.Response) Result {
	return Result{Response: resp, Source: SourceNetwork, Intercepted: true}
}

func nothing() Result {
	return Result{Source: SourceNone, Intercepted: true}
}
