// Package authorize 实现充电授权决策：校验司机与充电桩的当前状态，
// 原子占用资源并开启会话；任一步失败立即回滚已占资源。
package authorize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/metrics"
	"github.com/gridwise-code/ev-central/internal/registry"
)

// DenyReason 拒绝原因，直接回给司机
type DenyReason string

const (
	ReasonCPUnavailable DenyReason = "CP_UNAVAILABLE"
	ReasonCPExcluded    DenyReason = "CP_EXCLUDED"
	ReasonDriverBusy    DenyReason = "DRIVER_BUSY"
)

// AuthorizationError 授权被拒
type AuthorizationError struct {
	Reason DenyReason
	CPID   coremodel.CPID
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %s (cp=%s)", e.Reason, e.CPID)
}

// Grant 授权结果
type Grant struct {
	SessionID   coremodel.SessionID
	CPID        coremodel.CPID
	DriverID    coremodel.DriverID
	KWhNeeded   float64
	PricePerKWh float64
}

// TicketStore 结算票持久化，可选
type TicketStore interface {
	SaveTicket(ctx context.Context, t coremodel.Ticket) error
}

// 状态竞争下的重试上限
const maxConflictRetries = 3

// Engine 授权引擎
type Engine struct {
	reg     *registry.Registry
	ledger  *ledger.Ledger
	audit   *audit.Publisher
	metrics *metrics.AppMetrics
	store   TicketStore
	logger  *zap.Logger
}

// NewEngine 创建引擎。store 可为 nil（不做持久化）。
func NewEngine(reg *registry.Registry, led *ledger.Ledger, pub *audit.Publisher, m *metrics.AppMetrics, store TicketStore, logger *zap.Logger) *Engine {
	return &Engine{reg: reg, ledger: led, audit: pub, metrics: m, store: store, logger: logger}
}

// Authorize 处理一次充电请求。
// 先占司机，再占充电桩，最后落账；任一步失败回滚前序占用。
func (e *Engine) Authorize(driverID coremodel.DriverID, cpID coremodel.CPID, kwhNeeded float64) (Grant, error) {
	sessionID := e.ledger.NewSessionID()

	if err := e.reg.AcquireDriver(driverID, sessionID); err != nil {
		return Grant{}, e.deny(driverID, cpID, ReasonDriverBusy, err)
	}

	price, err := e.startChargeRetry(cpID, sessionID, driverID)
	if err != nil {
		e.reg.ReleaseDriver(driverID, sessionID)
		switch {
		case errors.Is(err, registry.ErrExcluded):
			return Grant{}, e.deny(driverID, cpID, ReasonCPExcluded, err)
		default:
			// 不存在、离线、占用、CAS 竞争耗尽，统一视为不可用
			return Grant{}, e.deny(driverID, cpID, ReasonCPUnavailable, err)
		}
	}

	e.ledger.Start(sessionID, cpID, driverID, price, kwhNeeded)
	e.metrics.AuthorizeTotal.WithLabelValues("granted").Inc()
	e.metrics.ActiveSessions.Inc()
	e.audit.Record(string(driverID), coremodel.AuditAuthSuccess, map[string]any{
		"cp_id":      string(cpID),
		"session_id": string(sessionID),
		"kwh_needed": kwhNeeded,
	})
	e.audit.Record(string(cpID), coremodel.AuditChargeStart, map[string]any{
		"session_id": string(sessionID),
		"driver_id":  string(driverID),
	})
	e.logger.Info("charge authorized",
		zap.String("cp_id", string(cpID)),
		zap.String("driver_id", string(driverID)),
		zap.String("session_id", string(sessionID)),
		zap.Float64("price_per_kwh", price))
	return Grant{
		SessionID:   sessionID,
		CPID:        cpID,
		DriverID:    driverID,
		KWhNeeded:   kwhNeeded,
		PricePerKWh: price,
	}, nil
}

// startChargeRetry 对瞬时状态竞争做有界重试
func (e *Engine) startChargeRetry(cpID coremodel.CPID, sessionID coremodel.SessionID, driverID coremodel.DriverID) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		price, err := e.reg.StartCharge(cpID, sessionID, driverID)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if !errors.Is(err, registry.ErrStateConflict) {
			return 0, err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return 0, lastErr
}

func (e *Engine) deny(driverID coremodel.DriverID, cpID coremodel.CPID, reason DenyReason, cause error) error {
	e.metrics.AuthorizeTotal.WithLabelValues("denied").Inc()
	e.audit.Record(string(driverID), coremodel.AuditAuthFailure, map[string]any{
		"cp_id":  string(cpID),
		"reason": string(reason),
	})
	e.logger.Info("charge denied",
		zap.String("cp_id", string(cpID)),
		zap.String("driver_id", string(driverID)),
		zap.String("reason", string(reason)),
		zap.Error(cause))
	return &AuthorizationError{Reason: reason, CPID: cpID}
}

// ApplyUpdate 记录一次供电增量，校验会话与充电桩绑定关系
func (e *Engine) ApplyUpdate(cpID coremodel.CPID, sessionID coremodel.SessionID, kwhDelta float64, elapsed time.Duration) (coremodel.Session, error) {
	s, ok := e.ledger.Get(sessionID)
	if !ok {
		return coremodel.Session{}, ledger.ErrSessionNotFound
	}
	if s.CPID != cpID {
		return coremodel.Session{}, fmt.Errorf("session %s not bound to cp %s", sessionID, cpID)
	}
	return e.ledger.Apply(sessionID, kwhDelta, elapsed)
}

// Finish 正常结束充电：释放充电桩与司机，结算出票。
// 持久化失败只记日志，不影响出票。
func (e *Engine) Finish(ctx context.Context, cpID coremodel.CPID) (coremodel.Ticket, coremodel.DriverID, error) {
	sessionID, driverID, err := e.reg.FinishCharge(cpID)
	if err != nil {
		return coremodel.Ticket{}, "", err
	}
	e.reg.ReleaseDriver(driverID, sessionID)

	ticket, err := e.ledger.Complete(sessionID)
	if err != nil {
		return coremodel.Ticket{}, "", err
	}
	e.metrics.ActiveSessions.Dec()
	e.metrics.TicketsIssued.Inc()
	e.audit.Record(string(cpID), coremodel.AuditChargeEnd, map[string]any{
		"session_id": string(sessionID),
		"driver_id":  string(driverID),
		"kwh_total":  ticket.KWhTotal,
		"cost_total": ticket.CostTotal,
	})
	if e.store != nil {
		if err := e.store.SaveTicket(ctx, ticket); err != nil {
			e.logger.Error("persist ticket failed",
				zap.String("session_id", string(sessionID)),
				zap.Error(err))
		}
	}
	e.logger.Info("charge finished",
		zap.String("cp_id", string(cpID)),
		zap.String("session_id", string(sessionID)),
		zap.Float64("kwh_total", ticket.KWhTotal),
		zap.Float64("cost_total", ticket.CostTotal))
	return ticket, driverID, nil
}

// AbortSession 中止会话并释放司机，故障/断连路径复用
func (e *Engine) AbortSession(sessionID coremodel.SessionID, driverID coremodel.DriverID) (coremodel.Session, error) {
	e.reg.ReleaseDriver(driverID, sessionID)
	s, err := e.ledger.Abort(sessionID)
	if err != nil {
		return coremodel.Session{}, err
	}
	e.metrics.ActiveSessions.Dec()
	return s, nil
}
