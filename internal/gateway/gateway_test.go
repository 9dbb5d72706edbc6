package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/authorize"
	cfgpkg "github.com/gridwise-code/ev-central/internal/config"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/protocol"
	"github.com/gridwise-code/ev-central/internal/reactor"
	"github.com/gridwise-code/ev-central/internal/registry"
	"github.com/gridwise-code/ev-central/internal/secure"
	"github.com/gridwise-code/ev-central/internal/tcpserver"
	"github.com/gridwise-code/ev-central/internal/verifier"
)

// fixture 端到端环境：TCP 接入 + 编排 + 假注册局
type fixture struct {
	addr   string
	reg    *registry.Registry
	led    *ledger.Ledger
	log    *audit.Log
	gw     *Gateway
	cancel context.CancelFunc
	srv    *tcpserver.Server
}

func startFixture(t *testing.T) *fixture {
	t.Helper()

	registryHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/verify":
			var req struct {
				CPID     string `json:"cp_id"`
				Username string `json:"username"`
				Password string `json:"password"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]bool{"valid": req.Password == "secret"})
		case "/list":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"charging_points": []map[string]any{
					{"cp_id": "CP-1", "city": "madrid", "price_per_kwh": 0.5},
					{"cp_id": "CP-2", "city": "madrid", "price_per_kwh": 0.4},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(registryHTTP.Close)

	logger := zap.NewNop()
	reg := registry.New(logger)
	led := ledger.New()
	auditLog := audit.NewLog()
	pub := audit.NewPublisher(auditLog, logger, nil)
	m := metrics.NewAppMetrics(metrics.NewRegistry())
	engine := authorize.NewEngine(reg, led, pub, m, nil, logger)
	rc := reactor.New(reg, engine, pub, m, logger)
	vf := verifier.New(registryHTTP.URL, time.Second)
	hub := NewHub(logger)
	gw := New(reg, led, engine, rc, pub, m, vf, hub, 8192, logger)

	ctx, cancel := context.WithCancel(context.Background())
	rc.Start(ctx)

	srv := tcpserver.New(cfgpkg.TCPConfig{
		Addr:           "127.0.0.1:0",
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
		MaxConnections: 64,
		AcceptRate:     1000,
		AcceptBurst:    1000,
	}, logger)
	srv.SetHandler(gw.HandleConn)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	})
	return &fixture{addr: srv.Addr().String(), reg: reg, led: led, log: auditLog, gw: gw, cancel: cancel, srv: srv}
}

// peer 协议测试客户端，走完整加密握手
type peer struct {
	t       *testing.T
	conn    net.Conn
	dec     *protocol.StreamDecoder
	ch      *secure.Channel
	id      string
	pending []*protocol.Frame
}

func dialPeer(t *testing.T, addr string, role protocol.Role, id, username, password string) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{t: t, conn: conn, dec: protocol.NewStreamDecoder(8192), id: id}

	kp, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	hello, err := protocol.MarshalPayload(protocol.Hello{
		Role: role, ID: id, Username: username, Password: password, PubKey: kp.Public,
	})
	require.NoError(t, err)
	p.writeFrame(&protocol.Frame{Type: protocol.MsgHello, Sender: id, Payload: hello})

	f := p.readFrame()
	if f.Type == protocol.MsgError {
		var ep protocol.ErrorPayload
		require.NoError(t, protocol.UnmarshalPayload(f.Payload, &ep))
		t.Fatalf("handshake rejected: %s %s", ep.Code, ep.Message)
	}
	require.Equal(t, protocol.MsgHelloAck, f.Type)
	var ack protocol.HelloAck
	require.NoError(t, protocol.UnmarshalPayload(f.Payload, &ack))

	key, err := secure.DeriveKey(kp.Private, ack.PubKey, ack.Salt)
	require.NoError(t, err)
	p.ch, err = secure.NewChannel(key, ack.Salt, true)
	require.NoError(t, err)
	return p
}

// dialExpectHandshakeError 发起握手并断言收到指定错误码
func dialExpectHandshakeError(t *testing.T, addr string, role protocol.Role, id, username, password, wantCode string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	p := &peer{t: t, conn: conn, dec: protocol.NewStreamDecoder(8192), id: id}
	kp, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	hello, _ := protocol.MarshalPayload(protocol.Hello{Role: role, ID: id, Username: username, Password: password, PubKey: kp.Public})
	p.writeFrame(&protocol.Frame{Type: protocol.MsgHello, Sender: id, Payload: hello})

	f := p.readFrame()
	require.Equal(t, protocol.MsgError, f.Type)
	var ep protocol.ErrorPayload
	require.NoError(t, protocol.UnmarshalPayload(f.Payload, &ep))
	assert.Equal(t, wantCode, ep.Code)
}

func (p *peer) writeFrame(f *protocol.Frame) {
	p.t.Helper()
	raw, err := protocol.Encode(f)
	require.NoError(p.t, err)
	_, err = p.conn.Write(raw)
	require.NoError(p.t, err)
}

func (p *peer) send(t protocol.MsgType, payload any) {
	p.t.Helper()
	body, err := protocol.MarshalPayload(payload)
	require.NoError(p.t, err)
	seq, ct := p.ch.Seal(body)
	p.writeFrame(&protocol.Frame{Type: t, Sender: p.id, Seq: seq, Payload: ct})
}

func (p *peer) readFrame() *protocol.Frame {
	p.t.Helper()
	// 一次 Read 可能解出多帧，排队逐帧交付
	if len(p.pending) > 0 {
		f := p.pending[0]
		p.pending = p.pending[1:]
		return f
	}
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		require.NoError(p.t, err, "read frame")
		if frames := p.dec.Feed(buf[:n]); len(frames) > 0 {
			p.pending = frames[1:]
			return frames[0]
		}
	}
}

// expect 读取下一帧，断言消息类型并解密到 v
func (p *peer) expect(t protocol.MsgType, v any) {
	p.t.Helper()
	f := p.readFrame()
	require.Equal(p.t, t, f.Type, "unexpected frame type %s", f.Type)
	plain, err := p.ch.Open(f.Seq, f.Payload)
	require.NoError(p.t, err)
	if v != nil {
		require.NoError(p.t, protocol.UnmarshalPayload(plain, v))
	}
}

func waitRegistryState(t *testing.T, reg *registry.Registry, id coremodel.CPID, want coremodel.CPState) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := reg.Peek(id)
		return ok && v.State == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeAndHeartbeat(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")

	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	view, _ := fx.reg.Peek("CP-1")
	assert.Equal(t, 0.5, view.PricePerKWh)

	cp.send(protocol.MsgHeartbeat, protocol.Heartbeat{State: "AVAILABLE"})
	require.Eventually(t, func() bool {
		v, _ := fx.reg.Peek("CP-1")
		return !v.LastSeen.IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	fx := startFixture(t)
	dialExpectHandshakeError(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "wrong", "AUTH_FAILED")
}

func TestFullChargeFlow(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	// 车主查询可用桩
	driver.send(protocol.MsgAvailableCPsRequest, struct{}{})
	var avail protocol.AvailableCPs
	driver.expect(protocol.MsgAvailableCPs, &avail)
	require.Len(t, avail.CPs, 1)
	assert.Equal(t, "CP-1", avail.CPs[0].CPID)

	// 授权
	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-1", KWhNeeded: 10})
	var cpAuth, drvAuth protocol.Authorize
	cp.expect(protocol.MsgAuthorize, &cpAuth)
	driver.expect(protocol.MsgAuthorize, &drvAuth)
	assert.Equal(t, cpAuth.SessionID, drvAuth.SessionID)
	assert.Equal(t, 0.5, drvAuth.PricePerKWh)
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateCharging)

	// 供电增量转发给车主并带累计值
	cp.send(protocol.MsgSupplyUpdate, protocol.SupplyUpdate{
		CPID: "CP-1", SessionID: cpAuth.SessionID, KWhDelta: 4, ElapsedSec: 10,
	})
	var up protocol.SupplyUpdate
	driver.expect(protocol.MsgSupplyUpdate, &up)
	assert.Equal(t, 4.0, up.KWhTotal)
	assert.Equal(t, 2.0, up.CostTotal)

	// 车主手动结束：中心转给 CP，CP 停止供电后上报 SUPPLY_END
	driver.send(protocol.MsgEndCharge, protocol.EndCharge{CPID: "CP-1"})
	var end protocol.EndCharge
	cp.expect(protocol.MsgEndCharge, &end)
	cp.send(protocol.MsgSupplyEnd, protocol.SupplyEnd{CPID: "CP-1", SessionID: cpAuth.SessionID})

	var ticket protocol.Ticket
	driver.expect(protocol.MsgTicket, &ticket)
	assert.Equal(t, cpAuth.SessionID, ticket.SessionID)
	assert.Equal(t, 4.0, ticket.KWhTotal)
	assert.Equal(t, 2.0, ticket.CostTotal)

	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	assert.Len(t, fx.led.RecentTickets(0), 1)

	// 车主接入同样留 AUTH_SUCCESS 审计
	require.Eventually(t, func() bool {
		for _, rec := range fx.log.Recent(0) {
			if rec.Kind == coremodel.AuditAuthSuccess && rec.Actor == "driver-7" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestChargeRequestDenied(t *testing.T) {
	fx := startFixture(t)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-404", KWhNeeded: 10})
	var deny protocol.Deny
	driver.expect(protocol.MsgDeny, &deny)
	assert.Equal(t, "CP_UNAVAILABLE", deny.Reason)
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	fx := startFixture(t)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	// 车主不允许发心跳
	driver.send(protocol.MsgHeartbeat, protocol.Heartbeat{})
	f := driver.readFrame()
	require.Equal(t, protocol.MsgError, f.Type)
	plain, err := driver.ch.Open(f.Seq, f.Payload)
	require.NoError(t, err)
	var ep protocol.ErrorPayload
	require.NoError(t, protocol.UnmarshalPayload(plain, &ep))
	assert.Equal(t, "PROTOCOL_VIOLATION", ep.Code)

	// 随后连接被关闭
	require.NoError(t, driver.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = driver.conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// 违规进入审计
	require.Eventually(t, func() bool {
		for _, rec := range fx.log.Recent(0) {
			if rec.Kind == coremodel.AuditViolation {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestReplayedFrameRejected(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)

	// 手工构造同一序号的两帧
	body, _ := protocol.MarshalPayload(protocol.Heartbeat{})
	seq, ct := cp.ch.Seal(body)
	f := &protocol.Frame{Type: protocol.MsgHeartbeat, Sender: "CP-1", Seq: seq, Payload: ct}
	cp.writeFrame(f)
	cp.writeFrame(f)

	// 重放帧触发错误应答并断开
	got := cp.readFrame()
	require.Equal(t, protocol.MsgError, got.Type)
}

func TestMonitorReceivesFaultBroadcast(t *testing.T) {
	fx := startFixture(t)
	_ = dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)

	mon := dialPeer(t, fx.addr, protocol.RoleMonitor, "mon-1", "", "")
	// 接入即收到全量快照
	var snap protocol.CPStateNotice
	mon.expect(protocol.MsgCPState, &snap)
	assert.Equal(t, "CP-1", snap.CPID)
	assert.Equal(t, "AVAILABLE", snap.State)

	// 监控上报故障，之后收到 OUT_OF_ORDER 广播
	mon.send(protocol.MsgFaultDetected, protocol.Fault{CPID: "CP-1", Detail: "health check failed"})
	var notice protocol.CPStateNotice
	mon.expect(protocol.MsgCPState, &notice)
	assert.Equal(t, "OUT_OF_ORDER", notice.State)
	assert.Equal(t, "fault", notice.Exclusion)
}

func TestCPDisconnectAbortsSession(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-1", KWhNeeded: 10})
	var auth protocol.Authorize
	cp.expect(protocol.MsgAuthorize, &auth)
	driver.expect(protocol.MsgAuthorize, &auth)

	// CP 掉线：会话中止、车主收到通知、桩转 DISCONNECTED
	require.NoError(t, cp.conn.Close())

	var ep protocol.ErrorPayload
	driver.expect(protocol.MsgError, &ep)
	assert.Equal(t, "CHARGE_ABORTED", ep.Code)

	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateDisconnected)
	assert.Empty(t, fx.led.RecentTickets(0))
	assert.Empty(t, fx.led.Active())

	// 车主可以立即重新申请其他桩
	cp2 := dialPeer(t, fx.addr, protocol.RoleCP, "CP-2", "cp2", "secret")
	_ = cp2
	waitRegistryState(t, fx.reg, "CP-2", coremodel.StateAvailable)
	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-2", KWhNeeded: 5})
	var auth2 protocol.Authorize
	cp2.expect(protocol.MsgAuthorize, &auth2)
	driver.expect(protocol.MsgAuthorize, &auth2)
}

func TestConcurrentDownlinkKeepsFrameOrder(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-1", KWhNeeded: 10})
	var auth protocol.Authorize
	cp.expect(protocol.MsgAuthorize, &auth)
	driver.expect(protocol.MsgAuthorize, &auth)

	// 供电增量经 CP 连接的读协程转发，列表应答由车主连接的读协程发出，
	// 两路并发写同一车主会话。解密校验序号严格递增，重复 nonce 会直接失败。
	const n = 25
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			cp.send(protocol.MsgSupplyUpdate, protocol.SupplyUpdate{
				CPID: "CP-1", SessionID: auth.SessionID, KWhDelta: 0.1, ElapsedSec: float64(i),
			})
		}
	}()
	for i := 0; i < n; i++ {
		driver.send(protocol.MsgAvailableCPsRequest, struct{}{})
	}
	<-done

	updates, lists := 0, 0
	for updates+lists < 2*n {
		f := driver.readFrame()
		_, err := driver.ch.Open(f.Seq, f.Payload)
		require.NoError(t, err, "frame %s seq %d", f.Type, f.Seq)
		switch f.Type {
		case protocol.MsgSupplyUpdate:
			updates++
		case protocol.MsgAvailableCPs:
			lists++
		default:
			t.Fatalf("unexpected frame type %s", f.Type)
		}
	}
	assert.Equal(t, n, updates)
	assert.Equal(t, n, lists)
}

func TestHeartbeatSilenceAbortsChargingSession(t *testing.T) {
	fx := startFixture(t)
	cp := dialPeer(t, fx.addr, protocol.RoleCP, "CP-1", "cp1", "secret")
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateAvailable)
	driver := dialPeer(t, fx.addr, protocol.RoleDriver, "driver-7", "", "")

	driver.send(protocol.MsgChargeRequest, protocol.ChargeRequest{CPID: "CP-1", KWhNeeded: 10})
	var auth protocol.Authorize
	cp.expect(protocol.MsgAuthorize, &auth)
	driver.expect(protocol.MsgAuthorize, &auth)
	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateCharging)

	// 桩保持 TCP 连接但不再发心跳：巡检到期后强制下线并中止会话
	wctx, wcancel := context.WithCancel(context.Background())
	defer wcancel()
	wd := NewWatchdog(fx.gw, 200*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	go wd.Run(wctx)

	var ep protocol.ErrorPayload
	driver.expect(protocol.MsgError, &ep)
	assert.Equal(t, "CHARGE_ABORTED", ep.Code)

	waitRegistryState(t, fx.reg, "CP-1", coremodel.StateDisconnected)
	assert.Empty(t, fx.led.Active())
	assert.Empty(t, fx.led.RecentTickets(0))

	require.Eventually(t, func() bool {
		for _, rec := range fx.log.Recent(0) {
			if rec.Kind == coremodel.AuditChargeEnd && rec.Payload["aborted"] == true {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
