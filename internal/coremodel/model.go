// Package coremodel 定义充电桩协调中心的核心领域类型。
package coremodel

import "time"

// CPID 充电桩唯一标识
type CPID string

// DriverID 车主唯一标识
type DriverID string

// SessionID 充电会话ID
type SessionID string

// CPState 充电桩生命周期状态
type CPState string

const (
	StateRegistered   CPState = "REGISTERED"
	StateAvailable    CPState = "AVAILABLE"
	StateCharging     CPState = "CHARGING"
	StateOutOfOrder   CPState = "OUT_OF_ORDER"
	StateDisconnected CPState = "DISCONNECTED"
)

// CanCharge 仅 AVAILABLE 可以接受新的充电授权
func (s CPState) CanCharge() bool { return s == StateAvailable }

// Valid 是否为已知状态
func (s CPState) Valid() bool {
	switch s {
	case StateRegistered, StateAvailable, StateCharging, StateOutOfOrder, StateDisconnected:
		return true
	}
	return false
}

// ExclusionCause 排除原因位掩码。故障与天气独立记录，
// 两者都清除后充电桩才能恢复 AVAILABLE。
type ExclusionCause uint8

const (
	ExclusionNone    ExclusionCause = 0
	ExclusionFault   ExclusionCause = 1 << 0
	ExclusionWeather ExclusionCause = 1 << 1
)

// Has 判断是否包含某个排除原因
func (e ExclusionCause) Has(c ExclusionCause) bool { return e&c != 0 }

// String 用于日志与快照输出
func (e ExclusionCause) String() string {
	switch {
	case e == ExclusionNone:
		return "none"
	case e.Has(ExclusionFault) && e.Has(ExclusionWeather):
		return "fault+weather"
	case e.Has(ExclusionFault):
		return "fault"
	default:
		return "weather"
	}
}

// SessionStatus 充电会话状态，只允许 ACTIVE -> {COMPLETED, ABORTED}
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAborted   SessionStatus = "ABORTED"
)

// Terminal 是否为终态
func (s SessionStatus) Terminal() bool { return s != SessionActive }

// Session 一次充电会话的运行时记录
type Session struct {
	ID          SessionID     `json:"id"`
	CPID        CPID          `json:"cp_id"`
	DriverID    DriverID      `json:"driver_id"`
	StartedAt   time.Time     `json:"started_at"`
	KWhTotal    float64       `json:"kwh_total"`
	CostTotal   float64       `json:"cost_total"`
	KWhNeeded   float64       `json:"kwh_needed"`
	PricePerKWh float64       `json:"price_per_kwh"`
	Elapsed     time.Duration `json:"elapsed"`
	Status      SessionStatus `json:"status"`
}

// Ticket 完成会话的不可变结算凭据。中止的会话不产生 Ticket。
type Ticket struct {
	SessionID SessionID     `json:"session_id"`
	CPID      CPID          `json:"cp_id"`
	DriverID  DriverID      `json:"driver_id"`
	Duration  time.Duration `json:"duration"`
	KWhTotal  float64       `json:"kwh_total"`
	CostTotal float64       `json:"cost_total"`
	IssuedAt  time.Time     `json:"issued_at"`
}

// AuditKind 审计事件类型
type AuditKind string

const (
	AuditAuthSuccess    AuditKind = "AUTH_SUCCESS"
	AuditAuthFailure    AuditKind = "AUTH_FAILURE"
	AuditChargeStart    AuditKind = "CHARGE_START"
	AuditChargeEnd      AuditKind = "CHARGE_END"
	AuditFault          AuditKind = "FAULT"
	AuditRecovery       AuditKind = "RECOVERY"
	AuditWeatherExclude AuditKind = "WEATHER_EXCLUDE"
	AuditWeatherRestore AuditKind = "WEATHER_RESTORE"
	AuditViolation      AuditKind = "PROTOCOL_VIOLATION"
)

// AuditRecord 只追加的审计条目，同一 actor 的时间戳单调递增
type AuditRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	Kind      AuditKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// CPView 注册表快照中的充电桩视图（只读消费者使用）
type CPView struct {
	ID          CPID           `json:"cp_id"`
	State       CPState        `json:"state"`
	Exclusion   ExclusionCause `json:"-"`
	ExclusionS  string         `json:"exclusion"`
	SessionID   SessionID      `json:"session_id,omitempty"`
	DriverID    DriverID       `json:"driver_id,omitempty"`
	PricePerKWh float64        `json:"price_per_kwh"`
	LastSeen    time.Time      `json:"last_seen"`
}
