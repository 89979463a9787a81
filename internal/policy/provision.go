package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

// ErrPrecacheFailed 表示预缓存未能全部完成，当前缓存保持 Provision 之前的状态。
var ErrPrecacheFailed = errors.New("precache failed")

// Provision 打开（必要时创建）当前缓存，并写入预缓存列表中的每一项。
// 所有路径并发抓取，任一失败即取消其余请求且不写入任何条目。
func (a *Agent) Provision(ctx context.Context) error {
	fields := logging.PolicyFields("provision", a.opts.CacheName, a.strategy.Key())
	logger := a.logger.WithFields(fields)

	targets, err := a.precacheTargets()
	if err != nil {
		logger.WithError(err).Error("precache_failed")
		return fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}

	entries := make([]cache.Entry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			entry, err := a.precacheOne(gctx, target)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("precache_failed")
		return fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}

	if err := a.commit(ctx, entries); err != nil {
		logger.WithError(err).Error("precache_failed")
		return fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}

	metrics.PrecachedEntries.Set(float64(len(entries)))
	logger.WithField("entries", len(entries)).Info("precache_completed")
	return nil
}

// commit 原子写入全部条目。若缓存是本次新建的且写入失败，则删除它，避免残留空缓存。
func (a *Agent) commit(ctx context.Context, entries []cache.Entry) error {
	existed, err := a.storage.Has(ctx, a.opts.CacheName)
	if err != nil {
		return fmt.Errorf("check cache %s: %w", a.opts.CacheName, err)
	}
	store, err := a.storage.Open(ctx, a.opts.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", a.opts.CacheName, err)
	}
	if err := store.PutAll(ctx, entries); err != nil {
		if !existed {
			if _, derr := a.storage.Delete(context.WithoutCancel(ctx), a.opts.CacheName); derr != nil {
				err = errors.Join(err, fmt.Errorf("remove partial cache: %w", derr))
			}
		}
		return fmt.Errorf("store precache entries: %w", err)
	}
	return nil
}

func (a *Agent) precacheOne(ctx context.Context, target *url.URL) (cache.Entry, error) {
	req := fetch.NewRequest(http.MethodGet, target, nil, nil)
	resp, err := a.network(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if !resp.OK() {
		resp.Close()
		return cache.Entry{}, fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
	}
	body, err := resp.Bytes()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read %s: %w", target, err)
	}
	return cache.Entry{
		Key:    cache.NewKey(http.MethodGet, target.String()),
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   body,
		Type:   string(resp.Type),
	}, nil
}

// precacheTargets 将路径解析到源站目录下，并去掉解析后重复的地址（"./" 与 "/" 指向同一资源）。
func (a *Agent) precacheTargets() ([]*url.URL, error) {
	seen := make(map[string]struct{}, len(a.opts.Precache))
	targets := make([]*url.URL, 0, len(a.opts.Precache))
	for _, raw := range a.opts.Precache {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse precache path %q: %w", raw, err)
		}
		target := fetch.ResolvePath(a.opts.Origin, ref.Path, ref.RawQuery)
		key := target.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, target)
	}
	return targets, nil
}
