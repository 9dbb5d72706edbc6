package gateway

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/protocol"
)

// Sender 已完成握手的加密连接出口
type Sender interface {
	SendFrame(t protocol.MsgType, payload any) error
	Close() error
}

// Hub 维护在线连接索引：充电桩、车主、监控。
// 同一身份重复上线时，新连接顶替旧连接。
type Hub struct {
	mu       sync.RWMutex
	cps      map[coremodel.CPID]Sender
	drivers  map[coremodel.DriverID]Sender
	monitors map[uint64]Sender
	logger   *zap.Logger
}

// NewHub 创建连接索引
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		cps:      make(map[coremodel.CPID]Sender),
		drivers:  make(map[coremodel.DriverID]Sender),
		monitors: make(map[uint64]Sender),
		logger:   logger,
	}
}

// AddCP 登记充电桩连接，返回被顶替的旧连接（可能为 nil）
func (h *Hub) AddCP(id coremodel.CPID, s Sender) Sender {
	h.mu.Lock()
	old := h.cps[id]
	h.cps[id] = s
	h.mu.Unlock()
	return old
}

// RemoveCP 注销充电桩连接。仅当当前登记的就是该连接时才删除，
// 避免旧连接的延迟注销误伤新连接。
func (h *Hub) RemoveCP(id coremodel.CPID, s Sender) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cps[id] == s {
		delete(h.cps, id)
		return true
	}
	return false
}

// AddDriver 登记车主连接
func (h *Hub) AddDriver(id coremodel.DriverID, s Sender) Sender {
	h.mu.Lock()
	old := h.drivers[id]
	h.drivers[id] = s
	h.mu.Unlock()
	return old
}

// RemoveDriver 注销车主连接
func (h *Hub) RemoveDriver(id coremodel.DriverID, s Sender) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.drivers[id] == s {
		delete(h.drivers, id)
		return true
	}
	return false
}

// AddMonitor 登记监控连接，connID 为 TCP 层连接ID
func (h *Hub) AddMonitor(connID uint64, s Sender) {
	h.mu.Lock()
	h.monitors[connID] = s
	h.mu.Unlock()
}

// RemoveMonitor 注销监控连接
func (h *Hub) RemoveMonitor(connID uint64) {
	h.mu.Lock()
	delete(h.monitors, connID)
	h.mu.Unlock()
}

// SendToCP 向指定充电桩发帧
func (h *Hub) SendToCP(id coremodel.CPID, t protocol.MsgType, payload any) bool {
	h.mu.RLock()
	s := h.cps[id]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	if err := s.SendFrame(t, payload); err != nil {
		h.logger.Warn("send to cp failed",
			zap.String("cp_id", string(id)),
			zap.String("type", t.String()),
			zap.Error(err))
		return false
	}
	return true
}

// SendToDriver 向指定车主发帧
func (h *Hub) SendToDriver(id coremodel.DriverID, t protocol.MsgType, payload any) bool {
	h.mu.RLock()
	s := h.drivers[id]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	if err := s.SendFrame(t, payload); err != nil {
		h.logger.Warn("send to driver failed",
			zap.String("driver_id", string(id)),
			zap.String("type", t.String()),
			zap.Error(err))
		return false
	}
	return true
}

// KickCP 关闭指定充电桩的连接（心跳超时剔除）
func (h *Hub) KickCP(id coremodel.CPID) {
	h.mu.RLock()
	s := h.cps[id]
	h.mu.RUnlock()
	if s != nil {
		_ = s.Close()
	}
}

// NotifySessionAborted 告知车主其会话被强制中止（故障/天气/桩离线）
func (h *Hub) NotifySessionAborted(driverID coremodel.DriverID, cpID coremodel.CPID, sessionID coremodel.SessionID, reason string) {
	h.SendToDriver(driverID, protocol.MsgError, protocol.ErrorPayload{
		Code:    "CHARGE_ABORTED",
		Message: fmt.Sprintf("session %s on %s aborted: %s", sessionID, cpID, reason),
	})
}

// BroadcastCPState 向所有监控连接推送状态变更
func (h *Hub) BroadcastCPState(view coremodel.CPView) {
	notice := protocol.CPStateNotice{
		CPID:      string(view.ID),
		State:     string(view.State),
		Exclusion: view.Exclusion.String(),
	}
	h.mu.RLock()
	targets := make([]Sender, 0, len(h.monitors))
	for _, s := range h.monitors {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if err := s.SendFrame(protocol.MsgCPState, notice); err != nil {
			h.logger.Debug("monitor broadcast failed", zap.Error(err))
		}
	}
}

// MonitorCount 当前监控连接数
func (h *Hub) MonitorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitors)
}
