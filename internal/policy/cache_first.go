package policy

import (
	"context"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
)

func init() {
	MustRegister(Definition{
		Key:         config.PolicyCacheFirst,
		Description: "cache-first for every request except the bypass list; misses go to the network without write-back",
		New: func(opts Options) (Strategy, error) {
			return &cacheFirst{bypass: newBypassMatcher(opts.Bypass)}, nil
		},
	})
}

// cacheFirst 只依赖预缓存填充缓存：命中即返回（不做后台重新验证），未命中时返回网络响应但不回写。
type cacheFirst struct {
	bypass substringMatcher
}

func (s *cacheFirst) Key() string {
	return config.PolicyCacheFirst
}

func (s *cacheFirst) Serve(ctx context.Context, a *Agent, req *fetch.Request) Result {
	if s.bypass.Match(req) {
		return passthrough()
	}
	if cached := a.lookup(ctx, req); cached != nil {
		return fromCache(cached)
	}
	resp, err := a.network(ctx, req)
	if err != nil {
		a.networkFailed(req, err)
		return nothing()
	}
	return fromNetwork(resp)
}
