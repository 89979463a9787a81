package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

// Sweep 汇总一次清理的结果。
type Sweep struct {
	Deleted []string
	Kept    []string
}

// Reconcile 删除所有非当前版本的缓存。当前缓存永远不会被删除，重复执行是幂等的。
// 单个删除失败时，skip 模式记录日志后继续，abort 模式立即停止；两种模式下失败都会合并返回。
func (a *Agent) Reconcile(ctx context.Context) (Sweep, error) {
	logger := a.logger.WithFields(logging.PolicyFields("reconcile", a.opts.CacheName, a.strategy.Key()))

	names, err := a.storage.Names(ctx)
	if err != nil {
		logger.WithError(err).Error("reconcile_failed")
		return Sweep{}, fmt.Errorf("list caches: %w", err)
	}

	var (
		sweep Sweep
		errs  []error
	)
	for _, name := range names {
		if !a.stale(name) {
			sweep.Kept = append(sweep.Kept, name)
			continue
		}
		deleted, err := a.storage.Delete(ctx, name)
		if err != nil {
			logger.WithField("stale_cache", name).WithError(err).Warn("cache_delete_failed")
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			if a.opts.SweepFailure == config.SweepAbort {
				return sweep, errors.Join(errs...)
			}
			continue
		}
		if deleted {
			metrics.StoresDeleted.Inc()
			sweep.Deleted = append(sweep.Deleted, name)
			logger.WithField("stale_cache", name).Info("cache_deleted")
		}
	}

	logger.WithFields(logrus.Fields{
		"deleted": len(sweep.Deleted),
		"failed":  len(errs),
	}).Info("reconcile_completed")
	return sweep, errors.Join(errs...)
}

// stale 判断缓存是否应被清理。
//   - allowlist：不在 {CacheName} ∪ KeepCaches 中的全部删除；
//   - prefix：以 Prefix 开头且不等于 CacheName 的删除，其他应用的缓存不受影响。
func (a *Agent) stale(name string) bool {
	if name == a.opts.CacheName || slices.Contains(a.opts.KeepCaches, name) {
		return false
	}
	if a.opts.ReconcileMode == config.ReconcilePrefix {
		return a.opts.Prefix != "" && strings.HasPrefix(name, a.opts.Prefix)
	}
	return true
}
