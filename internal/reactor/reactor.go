// Package reactor 处理环境信号：充电桩故障/恢复与低温天气告警。
// 信号经缓冲通道汇入单 worker 串行处置，保证同一充电桩的
// 排除与恢复不会交错。
package reactor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/authorize"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/registry"
)

// SignalKind 信号类型
type SignalKind string

const (
	SignalFault     SignalKind = "FAULT"
	SignalRecovery  SignalKind = "RECOVERY"
	SignalColdAlert SignalKind = "ALERT_COLD"
	SignalWeatherOK SignalKind = "WEATHER_OK"
)

// Signal 一次环境事件
type Signal struct {
	Kind        SignalKind
	CPID        coremodel.CPID
	Detail      string
	Temperature float64
}

const defaultQueueSize = 256

// Notifier 状态变化与会话中止的通知出口
type Notifier interface {
	BroadcastCPState(view coremodel.CPView)
	NotifySessionAborted(driverID coremodel.DriverID, cpID coremodel.CPID, sessionID coremodel.SessionID, reason string)
}

// Reactor 环境信号处置器
type Reactor struct {
	reg     *registry.Registry
	engine  *authorize.Engine
	audit   *audit.Publisher
	metrics *metrics.AppMetrics
	logger  *zap.Logger

	ch chan Signal

	mu       sync.Mutex
	notifier Notifier
	started  bool
	done     chan struct{}
}

// New 创建 Reactor
func New(reg *registry.Registry, engine *authorize.Engine, pub *audit.Publisher, m *metrics.AppMetrics, logger *zap.Logger) *Reactor {
	return &Reactor{
		reg:     reg,
		engine:  engine,
		audit:   pub,
		metrics: m,
		logger:  logger,
		ch:      make(chan Signal, defaultQueueSize),
		done:    make(chan struct{}),
	}
}

// SetNotifier 注入监控广播出口，启动前调用
func (r *Reactor) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Submit 投递信号。队列满时丢弃并告警，不阻塞调用方。
func (r *Reactor) Submit(sig Signal) {
	select {
	case r.ch <- sig:
	default:
		r.logger.Warn("reactor queue full, signal dropped",
			zap.String("kind", string(sig.Kind)),
			zap.String("cp_id", string(sig.CPID)))
	}
}

// Start 启动处置 worker
func (r *Reactor) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run(ctx)
}

// Done worker 退出信号
func (r *Reactor) Done() <-chan struct{} { return r.done }

func (r *Reactor) run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("reactor worker started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactor worker stopped")
			return
		case sig := <-r.ch:
			r.handle(sig)
		}
	}
}

func (r *Reactor) handle(sig Signal) {
	switch sig.Kind {
	case SignalFault:
		r.exclude(sig, coremodel.ExclusionFault, coremodel.AuditFault)
	case SignalColdAlert:
		r.exclude(sig, coremodel.ExclusionWeather, coremodel.AuditWeatherExclude)
	case SignalRecovery:
		r.restore(sig, coremodel.ExclusionFault, coremodel.AuditRecovery)
	case SignalWeatherOK:
		r.restore(sig, coremodel.ExclusionWeather, coremodel.AuditWeatherRestore)
	default:
		r.logger.Warn("unknown reactor signal", zap.String("kind", string(sig.Kind)))
	}
}

// exclude 排除充电桩；若有进行中会话，强制中止且不出票
func (r *Reactor) exclude(sig Signal, cause coremodel.ExclusionCause, kind coremodel.AuditKind) {
	res, err := r.reg.Exclude(sig.CPID, cause)
	if err != nil {
		r.logger.Warn("exclude failed",
			zap.String("cp_id", string(sig.CPID)),
			zap.String("cause", cause.String()),
			zap.Error(err))
		return
	}
	if res.AbortedSession != "" {
		if _, err := r.engine.AbortSession(res.AbortedSession, res.DriverID); err != nil {
			r.logger.Error("abort session failed",
				zap.String("session_id", string(res.AbortedSession)),
				zap.Error(err))
		} else {
			r.mu.Lock()
			n := r.notifier
			r.mu.Unlock()
			if n != nil {
				n.NotifySessionAborted(res.DriverID, sig.CPID, res.AbortedSession, cause.String())
			}
		}
	}
	if !res.Changed {
		return
	}
	r.metrics.ExclusionGauge.WithLabelValues(cause.String()).Inc()
	payload := map[string]any{"detail": sig.Detail}
	if sig.Kind == SignalColdAlert {
		payload["temperature"] = sig.Temperature
	}
	if res.AbortedSession != "" {
		payload["aborted_session"] = string(res.AbortedSession)
	}
	r.audit.Record(string(sig.CPID), kind, payload)
	r.logger.Info("charging point excluded",
		zap.String("cp_id", string(sig.CPID)),
		zap.String("cause", cause.String()),
		zap.String("aborted_session", string(res.AbortedSession)))
	r.broadcast(sig.CPID)
}

// restore 清除对应原因位；另一原因仍在时保持排除，
// 但只要原因位确实被清除，就必须审计、更新指标并广播。
func (r *Reactor) restore(sig Signal, cause coremodel.ExclusionCause, kind coremodel.AuditKind) {
	res, err := r.reg.Restore(sig.CPID, cause)
	if err != nil {
		r.logger.Warn("restore failed",
			zap.String("cp_id", string(sig.CPID)),
			zap.String("cause", cause.String()),
			zap.Error(err))
		return
	}
	if !res.Cleared {
		// 原因位本就不在（重复或不匹配的恢复信号），幂等忽略
		return
	}
	r.metrics.ExclusionGauge.WithLabelValues(cause.String()).Dec()
	r.audit.Record(string(sig.CPID), kind, map[string]any{
		"detail":    sig.Detail,
		"available": res.Available,
	})
	r.logger.Info("exclusion cleared",
		zap.String("cp_id", string(sig.CPID)),
		zap.String("cause", cause.String()),
		zap.Bool("available", res.Available))
	r.broadcast(sig.CPID)
}

func (r *Reactor) broadcast(cpID coremodel.CPID) {
	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n == nil {
		return
	}
	if view, ok := r.reg.Peek(cpID); ok {
		n.BroadcastCPState(view)
	}
}
