package tcpserver

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = errors.New("connection closed")

// ConnContext 为每个 TCP 连接提供读/写循环与回调能力
type ConnContext struct {
	s      *Server
	c      net.Conn
	id     uint64
	writeC chan []byte
	quitC  chan struct{}
	closed int32
	onRead func([]byte)
	doneC  chan struct{}
}

func newConnContext(s *Server, c net.Conn) *ConnContext {
	return &ConnContext{
		s:      s,
		c:      c,
		id:     atomic.AddUint64(&s.nextConnID, 1),
		writeC: make(chan []byte, 128),
		quitC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// ID 返回连接ID（单进程唯一递增）
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr 返回远端地址
func (cc *ConnContext) RemoteAddr() net.Addr { return cc.c.RemoteAddr() }

// SetOnRead 安装读取回调（收到上行原始字节时触发）。
// 必须在 run 开始前安装，即 Server 的 ConnHandler 内。
func (cc *ConnContext) SetOnRead(h func([]byte)) { cc.onRead = h }

// Write 异步写入，受写队列与写超时影响
func (cc *ConnContext) Write(b []byte) error {
	if atomic.LoadInt32(&cc.closed) == 1 {
		return ErrConnClosed
	}
	// 复制一份，避免调用方复用底层切片
	dup := make([]byte, len(b))
	copy(dup, b)
	to := cc.s.cfg.WriteTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	select {
	case cc.writeC <- dup:
		return nil
	case <-cc.quitC:
		return ErrConnClosed
	case <-time.After(to):
		return errors.New("write queue timeout")
	}
}

// Close 关闭连接并通知写循环退出
func (cc *ConnContext) Close() error {
	if !atomic.CompareAndSwapInt32(&cc.closed, 0, 1) {
		return nil
	}
	close(cc.quitC)
	return cc.c.Close()
}

// Done 返回连接关闭通知通道
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }

// writeOne 带超时写出一条消息
func (cc *ConnContext) writeOne(msg []byte) bool {
	if cc.s.cfg.WriteTimeout > 0 {
		_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
	}
	_, err := cc.c.Write(msg)
	return err == nil
}

// run 启动读/写循环，阻塞直至连接结束
func (cc *ConnContext) run() {
	_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))

	// 写循环
	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		for {
			select {
			case msg := <-cc.writeC:
				if !cc.writeOne(msg) {
					return
				}
			case <-cc.quitC:
				// 收尾前把已排队的下行帧尽量送完
				for {
					select {
					case msg := <-cc.writeC:
						if !cc.writeOne(msg) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	// 读循环
	buf := make([]byte, 4096)
	for {
		n, err := cc.c.Read(buf)
		if n > 0 {
			if cc.s.onRecvBytes != nil {
				cc.s.onRecvBytes(n)
			}
			if cc.onRead != nil {
				cc.onRead(buf[:n])
			}
			if cc.s.cfg.ReadTimeout > 0 {
				_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// 读超时交给业务层心跳巡检裁决，这里刷新后继续
				if cc.s.cfg.ReadTimeout > 0 {
					_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
				}
				continue
			}
			break
		}
	}
	// 对端断开或读出错：立即关闭，唤醒写循环，保证 Done 一定触达。
	// 先于 <-doneW 执行，否则写循环与这里互相等待。
	_ = cc.Close()
	<-doneW
	close(cc.doneC)
}
