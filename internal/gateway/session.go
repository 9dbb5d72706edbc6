package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/authorize"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/protocol"
	"github.com/gridwise-code/ev-central/internal/reactor"
	"github.com/gridwise-code/ev-central/internal/secure"
	"github.com/gridwise-code/ev-central/internal/tcpserver"
)

// session 单条 TCP 连接的接入状态：握手前明文，握手后全程加密
type session struct {
	gw     *Gateway
	cc     *tcpserver.ConnContext
	dec    *protocol.StreamDecoder
	logger *zap.Logger

	mu      sync.Mutex
	channel *secure.Channel
	role    protocol.Role
	id      string // CP/Driver 身份，监控连接为空
	closed  bool

	// wmu 串行化出帧：Seal 递增序号与入队必须原子，
	// 否则并发发送会复用 nonce 且序号与落线顺序错位
	wmu sync.Mutex
}

func newSession(g *Gateway, cc *tcpserver.ConnContext) *session {
	return &session{
		gw:     g,
		cc:     cc,
		dec:    protocol.NewStreamDecoder(g.maxFrameBytes),
		logger: g.logger.With(zap.Uint64("conn_id", cc.ID()), zap.String("remote", cc.RemoteAddr().String())),
	}
}

// SendFrame 加密封帧并写出。握手完成前仅 HELLO_ACK/ERROR 走明文。
func (s *session) SendFrame(t protocol.MsgType, payload any) error {
	body, err := protocol.MarshalPayload(payload)
	if err != nil {
		return err
	}
	f := &protocol.Frame{Type: t, Sender: centralSender}
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if ch != nil {
		seq, ct := ch.Seal(body)
		f.Seq, f.Payload = seq, ct
	} else {
		f.Payload = body
	}
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.cc.Write(raw)
}

// Close 关闭底层连接
func (s *session) Close() error { return s.cc.Close() }

// onBytes 读回调，粘包/半包交给流式解码器
func (s *session) onBytes(b []byte) {
	before := s.dec.ParseErrors()
	frames := s.dec.Feed(b)
	if n := s.dec.ParseErrors() - before; n > 0 {
		s.gw.metrics.FrameParseTotal.WithLabelValues("error").Add(float64(n))
	}
	for _, f := range frames {
		s.gw.metrics.FrameParseTotal.WithLabelValues("ok").Inc()
		s.handleFrame(f)
	}
}

func (s *session) handleFrame(f *protocol.Frame) {
	s.mu.Lock()
	ch := s.channel
	role := s.role
	s.mu.Unlock()

	if ch == nil {
		if f.Type != protocol.MsgHello {
			s.violate("", "frame before handshake")
			return
		}
		s.handleHello(f)
		return
	}

	// 握手后：全部载荷必须可解密，发送方必须与握手身份一致
	plain, err := ch.Open(f.Seq, f.Payload)
	if err != nil {
		if errors.Is(err, secure.ErrReplay) {
			s.violate(s.id, "replayed frame")
		} else {
			s.violate(s.id, "undecryptable frame")
		}
		return
	}
	if role != protocol.RoleMonitor && f.Sender != s.id {
		s.violate(s.id, "sender mismatch")
		return
	}
	s.gw.metrics.FrameRouteTotal.WithLabelValues(f.Type.String()).Inc()

	switch role {
	case protocol.RoleCP:
		s.handleCPFrame(f.Type, plain)
	case protocol.RoleDriver:
		s.handleDriverFrame(f.Type, plain)
	case protocol.RoleMonitor:
		s.handleMonitorFrame(f.Type, plain)
	}
}

// handleHello 握手：校验身份，建立加密信道，按角色登记
func (s *session) handleHello(f *protocol.Frame) {
	var hello protocol.Hello
	if err := protocol.UnmarshalPayload(f.Payload, &hello); err != nil {
		s.failHandshake("error", "", "PROTOCOL_VIOLATION", "malformed hello")
		return
	}
	if hello.Role != protocol.RoleMonitor && hello.ID == "" {
		s.failHandshake("error", "", "PROTOCOL_VIOLATION", "missing id")
		return
	}
	if len(hello.PubKey) != 32 {
		s.failHandshake("error", hello.ID, "PROTOCOL_VIOLATION", "bad public key")
		return
	}

	// CP 必须通过外部注册局校验凭据
	if hello.Role == protocol.RoleCP {
		ctx, cancel := context.WithTimeout(context.Background(), s.gw.verifyTimeout)
		valid, err := s.gw.verifier.Verify(ctx, hello.ID, hello.Username, hello.Password)
		cancel()
		if err != nil {
			s.logger.Error("registry verification unreachable", zap.Error(err))
			s.failHandshake("error", hello.ID, "REGISTRY_UNAVAILABLE", "verification service unreachable")
			return
		}
		if !valid {
			s.gw.audit.Record(hello.ID, coremodel.AuditAuthFailure, map[string]any{"reason": "bad credentials"})
			s.failHandshake("auth_failed", hello.ID, "AUTH_FAILED", "invalid credentials")
			return
		}
	}

	kp, err := secure.GenerateKeyPair()
	if err != nil {
		s.failHandshake("error", hello.ID, "INTERNAL", "key generation failed")
		return
	}
	salt, err := secure.NewSalt()
	if err != nil {
		s.failHandshake("error", hello.ID, "INTERNAL", "salt generation failed")
		return
	}
	key, err := secure.DeriveKey(kp.Private, hello.PubKey, salt)
	if err != nil {
		s.failHandshake("error", hello.ID, "HANDSHAKE_FAILED", "key agreement failed")
		return
	}
	ch, err := secure.NewChannel(key, salt, false)
	if err != nil {
		s.failHandshake("error", hello.ID, "INTERNAL", "channel setup failed")
		return
	}

	// 明文应答在启用信道之前发出
	if err := s.SendFrame(protocol.MsgHelloAck, protocol.HelloAck{PubKey: kp.Public, Salt: salt}); err != nil {
		s.logger.Warn("hello ack write failed", zap.Error(err))
		_ = s.Close()
		return
	}

	s.mu.Lock()
	s.channel = ch
	s.role = hello.Role
	s.id = hello.ID
	s.mu.Unlock()

	s.gw.metrics.HandshakeTotal.WithLabelValues("ok").Inc()
	s.postHandshake(hello)
}

// postHandshake 按角色登记索引并发初始状态
func (s *session) postHandshake(hello protocol.Hello) {
	switch hello.Role {
	case protocol.RoleCP:
		cpID := coremodel.CPID(hello.ID)
		price := s.resolvePrice(cpID)
		res, err := s.gw.reg.Connect(cpID, price)
		if err != nil {
			s.logger.Error("registry connect failed", zap.String("cp_id", hello.ID), zap.Error(err))
			_ = s.SendFrame(protocol.MsgError, protocol.ErrorPayload{Code: "INTERNAL", Message: "registry error"})
			_ = s.Close()
			return
		}
		if res.AbortedSession != "" {
			// 旧连接的会话残留：重连视为隐式断开，中止旧会话
			if _, err := s.gw.engine.AbortSession(res.AbortedSession, res.DriverID); err == nil {
				s.gw.hub.NotifySessionAborted(res.DriverID, cpID, res.AbortedSession, "charging point reconnected")
			}
		}
		if old := s.gw.hub.AddCP(cpID, s); old != nil {
			_ = old.Close()
		}
		s.gw.audit.Record(hello.ID, coremodel.AuditAuthSuccess, map[string]any{"role": "CP"})
		s.logger.Info("charging point connected",
			zap.String("cp_id", hello.ID),
			zap.String("state", string(res.State)))
		if view, ok := s.gw.reg.Peek(cpID); ok {
			s.gw.hub.BroadcastCPState(view)
		}

	case protocol.RoleDriver:
		driverID := coremodel.DriverID(hello.ID)
		s.gw.reg.SetDriverConnected(driverID, true)
		if old := s.gw.hub.AddDriver(driverID, s); old != nil {
			_ = old.Close()
		}
		s.gw.audit.Record(hello.ID, coremodel.AuditAuthSuccess, map[string]any{"role": "Driver"})
		s.logger.Info("driver connected", zap.String("driver_id", hello.ID))

	case protocol.RoleMonitor:
		s.gw.hub.AddMonitor(s.cc.ID(), s)
		s.logger.Info("monitor connected")
		// 接入即推全量快照
		for _, view := range s.gw.reg.Snapshot() {
			_ = s.SendFrame(protocol.MsgCPState, protocol.CPStateNotice{
				CPID:      string(view.ID),
				State:     string(view.State),
				Exclusion: view.Exclusion.String(),
			})
		}

	default:
		s.violate(hello.ID, "unknown role")
	}
}

// resolvePrice 确定充电桩电价：注册表已有记录优先，否则查注册局
func (s *session) resolvePrice(cpID coremodel.CPID) float64 {
	if view, ok := s.gw.reg.Peek(cpID); ok && view.PricePerKWh > 0 {
		return view.PricePerKWh
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.gw.verifyTimeout)
	defer cancel()
	listed, err := s.gw.verifier.List(ctx)
	if err != nil {
		s.logger.Warn("registry list unavailable, price unknown",
			zap.String("cp_id", string(cpID)), zap.Error(err))
		return 0
	}
	for _, cp := range listed {
		if cp.CPID == string(cpID) {
			return cp.PricePerKWh
		}
	}
	return 0
}

// failHandshake 发出明文错误帧并关闭连接
func (s *session) failHandshake(metric, actor, code, msg string) {
	s.gw.metrics.HandshakeTotal.WithLabelValues(metric).Inc()
	_ = s.SendFrame(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if actor != "" {
		s.logger.Warn("handshake failed", zap.String("actor", actor), zap.String("code", code))
	}
	_ = s.Close()
}

// violate 协议违规：审计、还以错误帧、关闭连接
func (s *session) violate(actor, detail string) {
	if actor == "" {
		actor = s.cc.RemoteAddr().String()
	}
	s.gw.audit.Record(actor, coremodel.AuditViolation, map[string]any{"detail": detail})
	s.logger.Warn("protocol violation", zap.String("detail", detail))
	_ = s.SendFrame(protocol.MsgError, protocol.ErrorPayload{Code: "PROTOCOL_VIOLATION", Message: detail})
	_ = s.Close()
}

// handleCPFrame CP 角色的报文路由
func (s *session) handleCPFrame(t protocol.MsgType, plain []byte) {
	cpID := coremodel.CPID(s.id)
	switch t {
	case protocol.MsgHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.UnmarshalPayload(plain, &hb); err != nil {
			s.violate(s.id, "malformed heartbeat")
			return
		}
		if err := s.gw.reg.Heartbeat(cpID, time.Now()); err != nil {
			s.logger.Warn("heartbeat rejected", zap.Error(err))
			return
		}
		s.gw.metrics.HeartbeatTotal.Inc()

	case protocol.MsgSupplyUpdate:
		var up protocol.SupplyUpdate
		if err := protocol.UnmarshalPayload(plain, &up); err != nil {
			s.violate(s.id, "malformed supply update")
			return
		}
		sess, err := s.gw.engine.ApplyUpdate(cpID, coremodel.SessionID(up.SessionID), up.KWhDelta, time.Duration(up.ElapsedSec*float64(time.Second)))
		if err != nil {
			s.violate(s.id, "supply update without active session")
			return
		}
		s.gw.hub.SendToDriver(sess.DriverID, protocol.MsgSupplyUpdate, protocol.SupplyUpdate{
			CPID:       string(cpID),
			SessionID:  up.SessionID,
			KWhDelta:   up.KWhDelta,
			ElapsedSec: sess.Elapsed.Seconds(),
			KWhTotal:   sess.KWhTotal,
			CostTotal:  sess.CostTotal,
		})

	case protocol.MsgSupplyEnd:
		var end protocol.SupplyEnd
		if err := protocol.UnmarshalPayload(plain, &end); err != nil {
			s.violate(s.id, "malformed supply end")
			return
		}
		ticket, driverID, err := s.gw.engine.Finish(context.Background(), cpID)
		if err != nil {
			s.violate(s.id, "supply end without charging session")
			return
		}
		s.gw.hub.SendToDriver(driverID, protocol.MsgTicket, protocol.Ticket{
			SessionID:   string(ticket.SessionID),
			CPID:        string(ticket.CPID),
			DriverID:    string(ticket.DriverID),
			DurationSec: ticket.Duration.Seconds(),
			KWhTotal:    ticket.KWhTotal,
			CostTotal:   ticket.CostTotal,
		})
		if view, ok := s.gw.reg.Peek(cpID); ok {
			s.gw.hub.BroadcastCPState(view)
		}

	case protocol.MsgFaultDetected:
		var fault protocol.Fault
		if err := protocol.UnmarshalPayload(plain, &fault); err != nil {
			s.violate(s.id, "malformed fault report")
			return
		}
		s.gw.reactor.Submit(reactor.Signal{Kind: reactor.SignalFault, CPID: cpID, Detail: fault.Detail})

	case protocol.MsgRecovery:
		s.gw.reactor.Submit(reactor.Signal{Kind: reactor.SignalRecovery, CPID: cpID})

	default:
		s.violate(s.id, "unexpected message for charging point: "+t.String())
	}
}

// handleDriverFrame 车主角色的报文路由
func (s *session) handleDriverFrame(t protocol.MsgType, plain []byte) {
	driverID := coremodel.DriverID(s.id)
	switch t {
	case protocol.MsgChargeRequest:
		var req protocol.ChargeRequest
		if err := protocol.UnmarshalPayload(plain, &req); err != nil || req.CPID == "" {
			s.violate(s.id, "malformed charge request")
			return
		}
		grant, err := s.gw.engine.Authorize(driverID, coremodel.CPID(req.CPID), req.KWhNeeded)
		if err != nil {
			var ae *authorize.AuthorizationError
			reason := "CP_UNAVAILABLE"
			if errors.As(err, &ae) {
				reason = string(ae.Reason)
			}
			_ = s.SendFrame(protocol.MsgDeny, protocol.Deny{CPID: req.CPID, Reason: reason})
			return
		}
		auth := protocol.Authorize{
			SessionID:   string(grant.SessionID),
			CPID:        string(grant.CPID),
			DriverID:    string(grant.DriverID),
			KWhNeeded:   grant.KWhNeeded,
			PricePerKWh: grant.PricePerKWh,
		}
		// 先通知 CP 启动供电，再应答车主
		if !s.gw.hub.SendToCP(grant.CPID, protocol.MsgAuthorize, auth) {
			s.logger.Error("authorized cp unreachable, rolling back",
				zap.String("cp_id", string(grant.CPID)))
			if sessID, drvID, err := s.gw.reg.FinishCharge(grant.CPID); err == nil {
				_, _ = s.gw.engine.AbortSession(sessID, drvID)
			}
			_ = s.SendFrame(protocol.MsgDeny, protocol.Deny{CPID: req.CPID, Reason: "CP_UNAVAILABLE"})
			return
		}
		_ = s.SendFrame(protocol.MsgAuthorize, auth)
		if view, ok := s.gw.reg.Peek(grant.CPID); ok {
			s.gw.hub.BroadcastCPState(view)
		}

	case protocol.MsgEndCharge:
		var end protocol.EndCharge
		if err := protocol.UnmarshalPayload(plain, &end); err != nil || end.CPID == "" {
			s.violate(s.id, "malformed end charge")
			return
		}
		view, ok := s.gw.reg.Peek(coremodel.CPID(end.CPID))
		if !ok || view.DriverID != driverID {
			_ = s.SendFrame(protocol.MsgError, protocol.ErrorPayload{
				Code:    "NOT_YOUR_SESSION",
				Message: "no active session on this charging point",
			})
			return
		}
		// 让 CP 收尾：停止供电并上报 SUPPLY_END
		if !s.gw.hub.SendToCP(coremodel.CPID(end.CPID), protocol.MsgEndCharge, end) {
			s.logger.Warn("end charge: cp unreachable", zap.String("cp_id", end.CPID))
		}

	case protocol.MsgAvailableCPsRequest:
		views := s.gw.reg.Available()
		cps := make([]protocol.AvailableCP, 0, len(views))
		for _, v := range views {
			cps = append(cps, protocol.AvailableCP{CPID: string(v.ID), PricePerKWh: v.PricePerKWh})
		}
		_ = s.SendFrame(protocol.MsgAvailableCPs, protocol.AvailableCPs{CPs: cps})

	default:
		s.violate(s.id, "unexpected message for driver: "+t.String())
	}
}

// handleMonitorFrame 监控角色的报文路由
func (s *session) handleMonitorFrame(t protocol.MsgType, plain []byte) {
	switch t {
	case protocol.MsgFaultDetected:
		var fault protocol.Fault
		if err := protocol.UnmarshalPayload(plain, &fault); err != nil || fault.CPID == "" {
			s.violate("monitor", "malformed fault report")
			return
		}
		s.gw.reactor.Submit(reactor.Signal{Kind: reactor.SignalFault, CPID: coremodel.CPID(fault.CPID), Detail: fault.Detail})

	case protocol.MsgRecovery:
		var rec protocol.Recovery
		if err := protocol.UnmarshalPayload(plain, &rec); err != nil || rec.CPID == "" {
			s.violate("monitor", "malformed recovery report")
			return
		}
		s.gw.reactor.Submit(reactor.Signal{Kind: reactor.SignalRecovery, CPID: coremodel.CPID(rec.CPID)})

	case protocol.MsgWeatherAlert:
		var alert protocol.WeatherAlert
		if err := protocol.UnmarshalPayload(plain, &alert); err != nil || alert.CPID == "" {
			s.violate("monitor", "malformed weather alert")
			return
		}
		kind := reactor.SignalWeatherOK
		if alert.Alert == "ALERT_COLD" {
			kind = reactor.SignalColdAlert
		}
		s.gw.reactor.Submit(reactor.Signal{
			Kind:        kind,
			CPID:        coremodel.CPID(alert.CPID),
			Temperature: alert.Temperature,
			Detail:      alert.Alert,
		})

	case protocol.MsgAvailableCPsRequest:
		// 监控可拉全量快照
		for _, view := range s.gw.reg.Snapshot() {
			_ = s.SendFrame(protocol.MsgCPState, protocol.CPStateNotice{
				CPID:      string(view.ID),
				State:     string(view.State),
				Exclusion: view.Exclusion.String(),
			})
		}

	default:
		s.violate("monitor", "unexpected message for monitor: "+t.String())
	}
}

// teardown 连接收尾：按角色注销索引并释放注册表状态
func (s *session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	role, id := s.role, s.id
	s.mu.Unlock()

	switch role {
	case protocol.RoleCP:
		cpID := coremodel.CPID(id)
		if !s.gw.hub.RemoveCP(cpID, s) {
			// 已被新连接顶替，注册表状态归新连接管理
			return
		}
		res, err := s.gw.reg.Disconnect(cpID)
		if err != nil {
			return
		}
		if res.AbortedSession != "" {
			if _, err := s.gw.engine.AbortSession(res.AbortedSession, res.DriverID); err == nil {
				s.gw.hub.NotifySessionAborted(res.DriverID, cpID, res.AbortedSession, "charging point disconnected")
			}
		}
		s.logger.Info("charging point disconnected", zap.String("cp_id", id))
		if view, ok := s.gw.reg.Peek(cpID); ok {
			s.gw.hub.BroadcastCPState(view)
		}

	case protocol.RoleDriver:
		driverID := coremodel.DriverID(id)
		if s.gw.hub.RemoveDriver(driverID, s) {
			s.gw.reg.SetDriverConnected(driverID, false)
			s.logger.Info("driver disconnected", zap.String("driver_id", id))
		}

	case protocol.RoleMonitor:
		s.gw.hub.RemoveMonitor(s.cc.ID())
		s.logger.Info("monitor disconnected")
	}
}
