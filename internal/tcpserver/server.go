// Package tcpserver 提供协调器的 TCP 接入层：
// 接受连接、限流限数、为每个连接维护读写循环。
// 帧解析与业务路由由上层通过回调注入。
package tcpserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/gridwise-code/ev-central/internal/config"
)

// ConnHandler 新连接回调，在独立 goroutine 中执行
type ConnHandler func(cc *ConnContext)

// Server TCP 接入服务
type Server struct {
	cfg        cfgpkg.TCPConfig
	ln         net.Listener
	wg         sync.WaitGroup
	stopC      chan struct{}
	logger     *zap.Logger
	handler    ConnHandler
	connLimit  *ConnectionLimiter
	rateLimit  *AcceptRateLimiter
	nextConnID uint64

	// 可选指标回调
	onAccept    func()
	onRecvBytes func(n int)
}

// New 创建 TCP 接入服务
func New(cfg cfgpkg.TCPConfig, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		stopC:     make(chan struct{}),
		logger:    logger,
		connLimit: NewConnectionLimiter(cfg.MaxConnections),
		rateLimit: NewAcceptRateLimiter(cfg.AcceptRate, cfg.AcceptBurst),
	}
}

// SetHandler 设置新连接回调
func (s *Server) SetHandler(h ConnHandler) { s.handler = h }

// SetMetricsCallbacks 设置指标回调
func (s *Server) SetMetricsCallbacks(onAccept func(), onRecvBytes func(int)) {
	s.onAccept, s.onRecvBytes = onAccept, onRecvBytes
}

// Addr 实际监听地址，Start 之后可用
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveConnections 当前活跃连接数
func (s *Server) ActiveConnections() int { return s.connLimit.Current() }

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("tcp server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			// 瞬时错误等待后重试
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.rateLimit.Allow() {
			s.logger.Warn("accept rate exceeded, connection dropped",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		if !s.connLimit.TryAcquire() {
			s.logger.Warn("connection limit reached, connection dropped",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max", s.connLimit.Max()))
			_ = conn.Close()
			continue
		}
		if s.onAccept != nil {
			s.onAccept()
		}

		cc := newConnContext(s, conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.connLimit.Release()
			if s.handler != nil {
				s.handler(cc)
			}
			cc.run()
		}()
	}
}

// Shutdown 优雅关闭监听并等待连接退出
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopC)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
