package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/worker"
)

// WorkerState 是控制器实例在宿主中的生命周期状态。
type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateInstalled  WorkerState = "installed"
	StateWaiting    WorkerState = "waiting"
	StateActivating WorkerState = "activating"
	StateActivated  WorkerState = "activated"
	StateRedundant  WorkerState = "redundant"
)

// ErrNoWaitingWorker 表示 Promote 时没有处于等待状态的实例。
var ErrNoWaitingWorker = errors.New("no waiting worker")

// WorkerStatus 是单个实例的状态快照。
type WorkerStatus struct {
	CacheName string      `json:"cache_name"`
	Version   string      `json:"version"`
	State     WorkerState `json:"state"`
}

// LifecycleStatus 是 Lifecycle 的整体快照。
type LifecycleStatus struct {
	Active      *WorkerStatus `json:"active,omitempty"`
	Waiting     *WorkerStatus `json:"waiting,omitempty"`
	Controlling string        `json:"controlling,omitempty"`
}

type registration struct {
	ctrl        *worker.Controller
	state       WorkerState
	skipWaiting bool
}

func (r *registration) status() *WorkerStatus {
	if r == nil {
		return nil
	}
	return &WorkerStatus{
		CacheName: r.ctrl.CacheName(),
		Version:   r.ctrl.Identity().Version,
		State:     r.state,
	}
}

// Lifecycle 扮演浏览器中的 service worker 宿主：依次驱动 install、activate，
// 并在收到 Claim 后把拦截到的请求交给新的控制器。
type Lifecycle struct {
	logger *logrus.Logger

	// mu 串行化 Register / Promote，state 字段由 stateMu 保护。
	mu sync.Mutex

	stateMu     sync.RWMutex
	active      *registration
	waiting     *registration
	controlling *worker.Controller
	known       []*worker.Controller
}

// NewLifecycle 创建空的宿主，尚无任何控制器接管请求。
func NewLifecycle(logger *logrus.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Lifecycle{logger: logger}
}

// platform 把控制器发出的生命周期信号回送给 Lifecycle。
type platform struct {
	lifecycle *Lifecycle
	reg       *registration
}

func (p *platform) SkipWaiting(ctx context.Context) error {
	p.lifecycle.stateMu.Lock()
	defer p.lifecycle.stateMu.Unlock()
	p.reg.skipWaiting = true
	return nil
}

func (p *platform) Claim(ctx context.Context) error {
	p.lifecycle.stateMu.Lock()
	defer p.lifecycle.stateMu.Unlock()
	if p.reg.state == StateRedundant {
		return fmt.Errorf("worker %s is redundant", p.reg.ctrl.CacheName())
	}
	p.lifecycle.controlling = p.reg.ctrl
	return nil
}

// Register 安装新的控制器。没有活跃实例或新实例请求跳过等待时立即激活，
// 否则进入 waiting 状态，直到 Promote。
func (l *Lifecycle) Register(ctx context.Context, ctrl *worker.Controller) error {
	if ctrl == nil {
		return errors.New("controller required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	reg := &registration{ctrl: ctrl}
	fields := logging.CacheFields("lifecycle", ctrl.CacheName(), ctrl.Identity().Version)

	l.stateMu.Lock()
	reg.state = StateInstalling
	l.known = append(l.known, ctrl)
	l.stateMu.Unlock()

	if err := ctrl.Install(ctx, &platform{lifecycle: l, reg: reg}); err != nil {
		l.setState(reg, StateRedundant)
		return fmt.Errorf("install %s: %w", ctrl.CacheName(), err)
	}
	l.setState(reg, StateInstalled)

	l.stateMu.Lock()
	activateNow := l.active == nil || reg.skipWaiting
	if !activateNow {
		if l.waiting != nil {
			l.waiting.state = StateRedundant
		}
		reg.state = StateWaiting
		l.waiting = reg
	}
	l.stateMu.Unlock()

	if !activateNow {
		l.logger.WithFields(fields).Info("新版本已安装，等待激活")
		return nil
	}
	return l.activate(ctx, reg)
}

// Promote 立即激活等待中的实例。
func (l *Lifecycle) Promote(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stateMu.RLock()
	reg := l.waiting
	l.stateMu.RUnlock()
	if reg == nil {
		return ErrNoWaitingWorker
	}
	return l.activate(ctx, reg)
}

// activate 调用方必须持有 l.mu。
func (l *Lifecycle) activate(ctx context.Context, reg *registration) error {
	fields := logging.CacheFields("lifecycle", reg.ctrl.CacheName(), reg.ctrl.Identity().Version)

	l.stateMu.Lock()
	prev := l.active
	if prev != nil && prev != reg {
		prev.state = StateRedundant
	}
	if l.waiting == reg {
		l.waiting = nil
	}
	reg.state = StateActivating
	l.active = reg
	l.stateMu.Unlock()

	if prev != nil && prev != reg {
		prev.ctrl.Wait()
	}

	err := reg.ctrl.Activate(ctx, &platform{lifecycle: l, reg: reg})
	l.setState(reg, StateActivated)
	if err != nil {
		l.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return fmt.Errorf("activate %s: %w", reg.ctrl.CacheName(), err)
	}

	l.logger.WithFields(fields).Info("新版本已激活")
	return nil
}

func (l *Lifecycle) setState(reg *registration, state WorkerState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	reg.state = state
}

// Controller 返回当前接管请求的控制器，尚未 Claim 时为 nil。
func (l *Lifecycle) Controller() *worker.Controller {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.controlling
}

// Active 返回最近一次激活的控制器。
func (l *Lifecycle) Active() *worker.Controller {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	if l.active == nil {
		return nil
	}
	return l.active.ctrl
}

// Status 返回当前状态快照。
func (l *Lifecycle) Status() LifecycleStatus {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	status := LifecycleStatus{
		Active:  l.active.status(),
		Waiting: l.waiting.status(),
	}
	if l.controlling != nil {
		status.Controlling = l.controlling.CacheName()
	}
	return status
}

// Shutdown 等待所有控制器的后台缓存写入完成。
func (l *Lifecycle) Shutdown() {
	l.stateMu.RLock()
	known := append([]*worker.Controller(nil), l.known...)
	l.stateMu.RUnlock()

	for _, ctrl := range known {
		ctrl.Wait()
	}
}
