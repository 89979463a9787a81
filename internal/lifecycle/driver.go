// Package lifecycle 驱动 Agent 的安装与激活流程，并维护对客户端请求的接管状态。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
)

// State 是安装流程所处的阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrNotInstalled 表示在安装成功之前尝试激活。
var ErrNotInstalled = errors.New("agent is not installed")

// Agent 是生命周期驱动所需的两个入口，policy.Agent 满足该接口。
type Agent interface {
	Provision(ctx context.Context) error
	Reconcile(ctx context.Context) (policy.Sweep, error)
}

// Snapshot 是 Driver 状态的只读副本，供诊断接口输出。
type Snapshot struct {
	State       State     `json:"state"`
	Claimed     bool      `json:"claimed"`
	ClaimedAt   time.Time `json:"claimed_at"`
	ClaimOrder  string    `json:"claim_order"`
	Deleted     []string  `json:"deleted_caches,omitempty"`
	InstallErr  string    `json:"install_error,omitempty"`
	SweepErr    string    `json:"sweep_error,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Driver 顺序执行 install → activate。install 阻塞直到 Provision 完成；activate 阻塞直到清理完成，
// 并按 ClaimOrder 决定何时接管客户端。
type Driver struct {
	agent      Agent
	gate       *Gate
	logger     *logrus.Logger
	claimOrder string

	mu          sync.RWMutex
	state       State
	installErr  error
	sweepErr    error
	deleted     []string
	installedAt time.Time
	activatedAt time.Time
}

// NewDriver 构造 Driver，claimOrder 为空时使用 after-sweep。
func NewDriver(agent Agent, gate *Gate, logger *logrus.Logger, claimOrder string) *Driver {
	if gate == nil {
		gate = NewGate()
	}
	if claimOrder == "" {
		claimOrder = config.ClaimAfterSweep
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{
		agent:      agent,
		gate:       gate,
		logger:     logger,
		claimOrder: claimOrder,
		state:      StateParsed,
	}
}

// Gate 返回 Driver 使用的接管开关。
func (d *Driver) Gate() *Gate {
	return d.gate
}

// State 返回当前阶段。
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Snapshot 返回当前状态副本。
func (d *Driver) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := Snapshot{
		State:       d.state,
		Claimed:     d.gate.Claimed(),
		ClaimedAt:   d.gate.ClaimedAt(),
		ClaimOrder:  d.claimOrder,
		Deleted:     append([]string(nil), d.deleted...),
		InstalledAt: d.installedAt,
		ActivatedAt: d.activatedAt,
	}
	if d.installErr != nil {
		snap.InstallErr = d.installErr.Error()
	}
	if d.sweepErr != nil {
		snap.SweepErr = d.sweepErr.Error()
	}
	return snap
}

// Start 依次执行 Install 与 Activate。
func (d *Driver) Start(ctx context.Context) error {
	if err := d.Install(ctx); err != nil {
		return err
	}
	return d.Activate(ctx)
}

// Install 执行 Provision。失败时进入 redundant，调用方决定是否继续以未接管模式运行。
func (d *Driver) Install(ctx context.Context) error {
	if err := d.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	if err := d.agent.Provision(ctx); err != nil {
		d.mu.Lock()
		d.installErr = err
		d.mu.Unlock()
		d.set(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	d.mu.Lock()
	d.installedAt = time.Now()
	d.mu.Unlock()
	d.set(StateInstalled)
	return nil
}

// Activate 清理旧缓存并接管客户端。
//   - after-sweep：清理结束后接管，无论清理是否有失败；
//   - immediate：接管与清理并行，互不等待对方的结果。
//
// 清理失败只记录日志，不影响激活；只有接管失败会返回错误。
func (d *Driver) Activate(ctx context.Context) error {
	if err := d.transition(StateActivating, StateInstalled); err != nil {
		if errors.Is(err, errInvalidTransition) {
			return ErrNotInstalled
		}
		return err
	}

	var (
		sweep    policy.Sweep
		sweepErr error
		claimErr error
	)
	switch d.claimOrder {
	case config.ClaimImmediate:
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimErr = d.gate.Claim(ctx)
		}()
		sweep, sweepErr = d.agent.Reconcile(ctx)
		wg.Wait()
	default:
		sweep, sweepErr = d.agent.Reconcile(ctx)
		claimErr = d.gate.Claim(ctx)
	}

	d.mu.Lock()
	d.deleted = sweep.Deleted
	d.sweepErr = sweepErr
	d.mu.Unlock()
	if sweepErr != nil {
		d.logger.WithFields(logrus.Fields{
			"action":      "activate",
			"claim_order": d.claimOrder,
		}).WithError(sweepErr).Warn("reconcile_incomplete")
	}
	if claimErr != nil {
		d.set(StateInstalled)
		return fmt.Errorf("claim clients: %w", claimErr)
	}

	d.mu.Lock()
	d.activatedAt = time.Now()
	d.mu.Unlock()
	d.set(StateActivated)
	return nil
}

var errInvalidTransition = errors.New("invalid lifecycle transition")

func (d *Driver) transition(to State, from State) error {
	d.mu.Lock()
	current := d.state
	if current != from {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, current, to)
	}
	d.state = to
	d.mu.Unlock()
	d.logTransition(current, to)
	return nil
}

func (d *Driver) set(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()
	d.logTransition(from, to)
}

func (d *Driver) logTransition(from, to State) {
	d.logger.WithFields(logrus.Fields{
		"action": "lifecycle",
		"from":   string(from),
		"to":     string(to),
	}).Info("lifecycle_transition")
}
