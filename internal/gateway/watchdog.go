package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watchdog 心跳巡检：周期扫描注册表，剔除心跳过期的充电桩
type Watchdog struct {
	gw       *Gateway
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewWatchdog 创建巡检器
func NewWatchdog(gw *Gateway, ttl, interval time.Duration, logger *zap.Logger) *Watchdog {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{gw: gw, ttl: ttl, interval: interval, logger: logger}
}

// Run 阻塞运行直至 ctx 取消
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("heartbeat watchdog started",
		zap.Duration("ttl", w.ttl),
		zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("heartbeat watchdog stopped")
			return
		case <-ticker.C:
			w.gw.DisconnectStale(w.ttl)
		}
	}
}
