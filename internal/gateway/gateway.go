// Package gateway 实现协调器的接入编排：加密握手、角色分流、
// 报文路由，以及断连与心跳超时的收尾处置。
package gateway

import (
	"time"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/authorize"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/reactor"
	"github.com/gridwise-code/ev-central/internal/registry"
	"github.com/gridwise-code/ev-central/internal/tcpserver"
	"github.com/gridwise-code/ev-central/internal/verifier"
)

// 中心侧帧的发送方标识
const centralSender = "central"

// Gateway 接入编排器
type Gateway struct {
	reg      *registry.Registry
	ledger   *ledger.Ledger
	engine   *authorize.Engine
	reactor  *reactor.Reactor
	audit    *audit.Publisher
	metrics  *metrics.AppMetrics
	verifier verifier.Verifier
	hub      *Hub
	logger   *zap.Logger

	maxFrameBytes int
	verifyTimeout time.Duration
}

// New 创建 Gateway
func New(
	reg *registry.Registry,
	led *ledger.Ledger,
	engine *authorize.Engine,
	rc *reactor.Reactor,
	pub *audit.Publisher,
	m *metrics.AppMetrics,
	vf verifier.Verifier,
	hub *Hub,
	maxFrameBytes int,
	logger *zap.Logger,
) *Gateway {
	g := &Gateway{
		reg:           reg,
		ledger:        led,
		engine:        engine,
		reactor:       rc,
		audit:         pub,
		metrics:       m,
		verifier:      vf,
		hub:           hub,
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		verifyTimeout: 5 * time.Second,
	}
	rc.SetNotifier(hub)
	return g
}

// Hub 返回连接索引
func (g *Gateway) Hub() *Hub { return g.hub }

// HandleConn 新 TCP 连接回调，安装帧解析与收尾处置
func (g *Gateway) HandleConn(cc *tcpserver.ConnContext) {
	sess := newSession(g, cc)
	cc.SetOnRead(sess.onBytes)
	go func() {
		<-cc.Done()
		sess.teardown()
	}()
}

// DisconnectStale 心跳超时剔除：断开注册表状态并踢掉底层连接。
// 由巡检器周期调用。
func (g *Gateway) DisconnectStale(ttl time.Duration) {
	for _, id := range g.reg.Stale(time.Now(), ttl) {
		g.logger.Warn("charging point heartbeat expired", zap.String("cp_id", string(id)))
		g.hub.KickCP(id)
		res, err := g.reg.Disconnect(id)
		if err != nil {
			continue
		}
		if res.AbortedSession != "" {
			if _, err := g.engine.AbortSession(res.AbortedSession, res.DriverID); err == nil {
				g.hub.NotifySessionAborted(res.DriverID, id, res.AbortedSession, "charging point lost")
			}
			g.audit.Record(string(id), coremodel.AuditChargeEnd, map[string]any{
				"session_id": string(res.AbortedSession),
				"aborted":    true,
				"reason":     "heartbeat expired",
			})
		}
		if view, ok := g.reg.Peek(id); ok {
			g.hub.BroadcastCPState(view)
		}
	}
}
