package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/coremodel"
)

// Sink 审计事件下游
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec coremodel.AuditRecord) error
}

// Publisher 异步分发审计事件到各 Sink。
// 队列满时丢弃并计数，绝不阻塞业务路径。
type Publisher struct {
	log     *Log
	sinks   []Sink
	logger  *zap.Logger
	ch      chan coremodel.AuditRecord
	retries int
	backoff []time.Duration
	onDrop  func()

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// PublisherOption 配置项
type PublisherOption func(*Publisher)

// WithQueueSize 调整缓冲队列长度
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.ch = make(chan coremodel.AuditRecord, n)
		}
	}
}

// WithOnDrop 注入丢弃回调（接指标计数）
func WithOnDrop(f func()) PublisherOption {
	return func(p *Publisher) { p.onDrop = f }
}

// NewPublisher 创建分发器
func NewPublisher(log *Log, logger *zap.Logger, sinks []Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		log:     log,
		sinks:   sinks,
		logger:  logger,
		ch:      make(chan coremodel.AuditRecord, 1024),
		retries: 3,
		backoff: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
		onDrop:  func() {},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Record 落日志并异步分发。队列满时只丢分发，日志本体不丢。
func (p *Publisher) Record(actor string, kind coremodel.AuditKind, payload map[string]any) coremodel.AuditRecord {
	rec := p.log.Append(actor, kind, payload)
	select {
	case p.ch <- rec:
	default:
		p.onDrop()
		p.logger.Warn("audit publish queue full, record dropped from sinks",
			zap.String("actor", actor),
			zap.String("kind", string(kind)))
	}
	return rec
}

// Start 启动分发 worker。重复调用只生效一次。
func (p *Publisher) Start(ctx context.Context, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i+1)
	}
}

// Wait 等待所有 worker 退出（ctx 取消后调用）
func (p *Publisher) Wait() { p.wg.Wait() }

func (p *Publisher) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("audit publish worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("audit publish worker stopped")
			return
		case rec := <-p.ch:
			p.dispatch(ctx, rec)
		}
	}
}

// dispatch 向每个 Sink 推送，失败按退避表重试，超限记日志放弃
func (p *Publisher) dispatch(ctx context.Context, rec coremodel.AuditRecord) {
	for _, sink := range p.sinks {
		var lastErr error
		for attempt := 0; attempt <= p.retries; attempt++ {
			if err := sink.Publish(ctx, rec); err == nil {
				lastErr = nil
				break
			} else {
				lastErr = err
			}
			if attempt == p.retries {
				break
			}
			wait := p.backoff[minInt(attempt, len(p.backoff)-1)]
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if lastErr != nil {
			p.logger.Error("audit sink delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("record_id", rec.ID),
				zap.String("kind", string(rec.Kind)),
				zap.Error(lastErr))
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
