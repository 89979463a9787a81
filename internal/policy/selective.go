package policy

import (
	"context"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
)

func init() {
	MustRegister(Definition{
		Key:         config.PolicySelective,
		Description: "cache-first for the local list, network-first with background write-back for everything else",
		New: func(opts Options) (Strategy, error) {
			local := opts.Local
			if len(local) == 0 {
				local = opts.Precache
			}
			return &selective{local: newLocalMatcher(local, opts.Origin)}, nil
		},
	})
}

// selective 区分本地资源与外部资源：
//
//	LOCAL:    缓存命中 → 返回；未命中 → 网络 → 返回（不回写）
//	EXTERNAL: 网络成功且可缓存 → 复制一份异步写入 → 返回另一份
//	          网络成功但不可缓存 → 原样返回
//	          网络失败 → 回退缓存（可能为空）
type selective struct {
	local substringMatcher
}

func (s *selective) Key() string {
	return config.PolicySelective
}

func (s *selective) Serve(ctx context.Context, a *Agent, req *fetch.Request) Result {
	if s.local.Match(req) {
		return s.serveLocal(ctx, a, req)
	}
	return s.serveExternal(ctx, a, req)
}

func (s *selective) serveLocal(ctx context.Context, a *Agent, req *fetch.Request) Result {
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

func (s *selective) serveExternal(ctx context.Context, a *Agent, req *fetch.Request) Result {
	resp, err := a.network(ctx, req)
	if err == nil && cacheable(req, resp) {
		var clone *fetch.Response
		// Clone 会读完整个 Body，读取中途失败同样视为网络失败。
		if clone, err = resp.Clone(); err == nil {
			a.storeInBackground(ctx, req, clone)
		}
	}
	if err != nil {
		a.networkFailed(req, err)
		if cached := a.lookup(ctx, req); cached != nil {
			return fromCache(cached)
		}
		return nothing()
	}
	return fromNetwork(resp)
}
