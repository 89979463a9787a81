package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

const defaultBackgroundWriteTimeout = 30 * time.Second

// Strategy 是一种请求处理策略。Serve 不返回错误：所有失败都折算为降级的 Result。
type Strategy interface {
	Key() string
	Serve(ctx context.Context, a *Agent, req *fetch.Request) Result
}

// Options 汇总 Agent 的运行参数，通常由 OptionsFromConfig 从配置构建。
type Options struct {
	CacheName string
	Origin    *url.URL
	Policy    string
	Precache  []string
	Bypass    []string
	Local     []string

	ReconcileMode string
	Prefix        string
	KeepCaches    []string
	SweepFailure  string

	BackgroundWriteTimeout time.Duration
}

// OptionsFromConfig 将已校验的配置转换为 Agent 参数。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("config is required")
	}
	origin, err := url.Parse(cfg.Shell.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("parse origin: %w", err)
	}
	return Options{
		CacheName:              cfg.Shell.CacheName,
		Origin:                 origin,
		Policy:                 cfg.Shell.Policy,
		Precache:               append([]string(nil), cfg.Shell.Precache...),
		Bypass:                 append([]string(nil), cfg.Shell.Bypass...),
		Local:                  cfg.Shell.LocalPatterns(),
		ReconcileMode:          cfg.Shell.Reconcile,
		Prefix:                 cfg.Shell.EffectivePrefix(),
		KeepCaches:             append([]string(nil), cfg.Shell.KeepCaches...),
		SweepFailure:           cfg.Shell.SweepFailure,
		BackgroundWriteTimeout: cfg.Global.BackgroundWriteTimeout.DurationValue(),
	}, nil
}

// Agent 持有当前缓存名与所选策略，对外提供 Provision、Reconcile、HandleRequest 三个入口。
// Agent 本身不保存请求间状态，Storage 是唯一的共享可变资源。
type Agent struct {
	storage  cache.Storage
	fetcher  fetch.Fetcher
	logger   *logrus.Logger
	opts     Options
	strategy Strategy

	pending sync.WaitGroup
}

// NewAgent 校验参数并解析策略。logger 为空时丢弃日志。
func NewAgent(storage cache.Storage, fetcher fetch.Fetcher, logger *logrus.Logger, opts Options) (*Agent, error) {
	if storage == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	opts.CacheName = strings.TrimSpace(opts.CacheName)
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.BackgroundWriteTimeout <= 0 {
		opts.BackgroundWriteTimeout = defaultBackgroundWriteTimeout
	}
	if opts.ReconcileMode == "" {
		opts.ReconcileMode = config.ReconcileAllowlist
	}
	if opts.SweepFailure == "" {
		opts.SweepFailure = config.SweepSkip
	}

	def, ok := Resolve(opts.Policy)
	if !ok {
		return nil, fmt.Errorf("unknown policy %q (available: %s)", opts.Policy, strings.Join(Keys(), ", "))
	}
	strategy, err := def.New(opts)
	if err != nil {
		return nil, fmt.Errorf("build policy %s: %w", def.Key, err)
	}

	return &Agent{
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		opts:     opts,
		strategy: strategy,
	}, nil
}

// CacheName 返回当前版本的缓存名。
func (a *Agent) CacheName() string {
	return a.opts.CacheName
}

// Policy 返回生效的策略键。
func (a *Agent) Policy() string {
	return a.strategy.Key()
}

// Storage 返回底层缓存存储，供诊断接口只读使用。
func (a *Agent) Storage() cache.Storage {
	return a.storage
}

// HandleRequest 对单个请求做出决策。所有网络与存储失败都在内部消化并记录日志。
func (a *Agent) HandleRequest(ctx context.Context, req *fetch.Request) Result {
	if req == nil || req.URL == nil {
		return nothing()
	}
	started := time.Now()
	result := a.strategy.Serve(ctx, a, req)

	metrics.Requests.WithLabelValues(a.strategy.Key(), string(result.Source)).Inc()
	fields := logging.RequestFields(a.opts.CacheName, a.strategy.Key(), req.Method, req.String(), string(result.Source), result.CacheHit())
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Response != nil {
		fields["status"] = result.Response.Status
	}
	entry := a.logger.WithFields(fields)
	if result.Intercepted && result.Empty() {
		entry.Warn("request_unserved")
	} else {
		entry.Debug("request_handled")
	}
	return result
}

// Wait 阻塞直到所有后台写入结束。
func (a *Agent) Wait() {
	a.pending.Wait()
}

// Drain 在 ctx 截止前等待后台写入结束，超时返回 ctx 的错误。超时后内部等待的 goroutine
// 会一直阻塞到剩余写入各自的 BackgroundWriteTimeout 到期，只应在进程退出前调用。
func (a *Agent) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup 在当前缓存中查找请求，未命中或存储出错均返回 nil。
func (a *Agent) lookup(ctx context.Context, req *fetch.Request) *fetch.Response {
	key := cache.NewKey(req.Method, req.String())
	store, err := a.storage.Open(ctx, a.opts.CacheName)
	if err != nil {
		a.lookupFailed(key, err)
		return nil
	}
	entry, err := store.Match(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return nil
		}
		a.lookupFailed(key, err)
		return nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return fetch.NewResponse(entry.Status, entry.Header.Clone(), entry.Body, fetch.ResponseType(entry.Type), entry.Key.URL)
}

func (a *Agent) lookupFailed(key cache.Key, err error) {
	metrics.CacheLookups.WithLabelValues("error").Inc()
	a.logger.WithFields(logrus.Fields{
		"action":     "cache_lookup",
		"cache_name": a.opts.CacheName,
		"key":        key.String(),
	}).WithError(err).Warn("cache_lookup_failed")
}

// network 发起实时网络请求。
func (a *Agent) network(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.NetworkFetches.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.NetworkFetches.WithLabelValues("ok").Inc()
	return resp, nil
}

func (a *Agent) networkFailed(req *fetch.Request, err error) {
	a.logger.WithFields(logrus.Fields{
		"action":     "network_fetch",
		"cache_name": a.opts.CacheName,
		"policy":     a.strategy.Key(),
		"method":     req.Method,
		"url":        req.String(),
	}).WithError(err).Warn("network_fetch_failed")
}

// cacheable 判断网络响应是否允许回写：GET、状态码恰为 200 且为同源 basic 响应。
func cacheable(req *fetch.Request, resp *fetch.Response) bool {
	return req.Method == http.MethodGet && resp.Status == http.StatusOK && resp.Type == fetch.TypeBasic
}

// storeInBackground 异步写入一份响应副本。写入不受请求 ctx 取消影响，但受 BackgroundWriteTimeout 约束；
// 失败只记录日志与指标。
func (a *Agent) storeInBackground(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	key := cache.NewKey(req.Method, req.String())
	detached := context.WithoutCancel(ctx)

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()

		writeCtx, cancel := context.WithTimeout(detached, a.opts.BackgroundWriteTimeout)
		defer cancel()

		fields := logrus.Fields{
			"action":     "background_write",
			"cache_name": a.opts.CacheName,
			"key":        key.String(),
		}
		if err := a.put(writeCtx, key, resp); err != nil {
			metrics.BackgroundWrites.WithLabelValues("failed").Inc()
			a.logger.WithFields(fields).WithError(err).Warn("background_write_failed")
			return
		}
		metrics.BackgroundWrites.WithLabelValues("stored").Inc()
		a.logger.WithFields(fields).Debug("background_write_stored")
	}()
}

func (a *Agent) put(ctx context.Context, key cache.Key, resp *fetch.Response) error {
	body, err := resp.Bytes()
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	store, err := a.storage.Open(ctx, a.opts.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", a.opts.CacheName, err)
	}
	return store.Put(ctx, cache.Entry{
		Key:    key,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   body,
		Type:   string(resp.Type),
	})
}
