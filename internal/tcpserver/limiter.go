package tcpserver

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ConnectionLimiter 并发连接数上限（信号量）
type ConnectionLimiter struct {
	sem      chan struct{}
	maxConn  int
	active   atomic.Int64
	rejected atomic.Int64
}

// NewConnectionLimiter 创建连接限数器
func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	if maxConn <= 0 {
		maxConn = 10000
	}
	return &ConnectionLimiter{
		sem:     make(chan struct{}, maxConn),
		maxConn: maxConn,
	}
}

// TryAcquire 非阻塞获取许可，满则拒绝
func (l *ConnectionLimiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		l.active.Add(1)
		return true
	default:
		l.rejected.Add(1)
		return false
	}
}

// Release 释放许可
func (l *ConnectionLimiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
	default:
	}
}

// Current 当前活跃连接数
func (l *ConnectionLimiter) Current() int { return int(l.active.Load()) }

// Max 最大连接数
func (l *ConnectionLimiter) Max() int { return l.maxConn }

// Rejected 被拒绝的连接数（累计）
func (l *ConnectionLimiter) Rejected() int64 { return l.rejected.Load() }

// AcceptRateLimiter 接入速率限制（令牌桶）
type AcceptRateLimiter struct {
	limiter  *rate.Limiter
	rejected atomic.Int64
}

// NewAcceptRateLimiter 创建接入速率限制器
func NewAcceptRateLimiter(perSec float64, burst int) *AcceptRateLimiter {
	if perSec <= 0 {
		perSec = 100
	}
	if burst <= 0 {
		burst = int(perSec) * 2
	}
	return &AcceptRateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Allow 非阻塞判定
func (l *AcceptRateLimiter) Allow() bool {
	if l.limiter.Allow() {
		return true
	}
	l.rejected.Add(1)
	return false
}

// Rejected 被拒绝的接入数（累计）
func (l *AcceptRateLimiter) Rejected() int64 { return l.rejected.Load() }
