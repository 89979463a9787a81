package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate 表示对客户端请求的接管权。Claim 之前宿主应当直接放行请求；Claim 之后所有进行中与后续请求
// 都交给 Agent 处理。Claim 只生效一次，重复调用是幂等的。
type Gate struct {
	claimed   atomic.Bool
	claimedAt atomic.Int64
	once      sync.Once
	done      chan struct{}
}

// NewGate 返回未被接管的 Gate。
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Claim 立即接管所有客户端。ctx 已取消时返回其错误且不接管。
func (g *Gate) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.once.Do(func() {
		g.claimedAt.Store(time.Now().UnixNano())
		g.claimed.Store(true)
		close(g.done)
	})
	return nil
}

// Claimed 报告 Gate 是否已被接管。
func (g *Gate) Claimed() bool {
	return g.claimed.Load()
}

// ClaimedAt 返回接管时间，未接管时为零值。
func (g *Gate) ClaimedAt() time.Time {
	if !g.Claimed() {
		return time.Time{}
	}
	return time.Unix(0, g.claimedAt.Load())
}

// Done 在 Claim 后关闭。
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
