package protocol

import "encoding/json"

// Role 连接角色
type Role string

const (
	RoleCP      Role = "CP"
	RoleDriver  Role = "DRIVER"
	RoleMonitor Role = "MONITOR"
)

// Hello 握手首帧（明文），携带身份、凭据与 X25519 公钥
type Hello struct {
	Role     Role   `json:"role"`
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	PubKey   []byte `json:"pub_key"`
}

// HelloAck 握手应答（明文），携带服务端公钥与连接盐
type HelloAck struct {
	PubKey []byte `json:"pub_key"`
	Salt   []byte `json:"salt"`
}

// Heartbeat CP 周期心跳
type Heartbeat struct {
	State string `json:"state,omitempty"`
}

// ChargeRequest 车主发起充电请求
type ChargeRequest struct {
	CPID      string  `json:"cp_id"`
	KWhNeeded float64 `json:"kwh_needed"`
}

// Authorize 授权应答（发给车主与 CP）
type Authorize struct {
	SessionID   string  `json:"session_id"`
	CPID        string  `json:"cp_id"`
	DriverID    string  `json:"driver_id"`
	KWhNeeded   float64 `json:"kwh_needed"`
	PricePerKWh float64 `json:"price_per_kwh"`
}

// Deny 授权拒绝，Reason 为业务原因码
type Deny struct {
	CPID   string `json:"cp_id"`
	Reason string `json:"reason"`
}

// SupplyUpdate CP 上报的供电增量；转发给车主/监控时携带累计值
type SupplyUpdate struct {
	CPID       string  `json:"cp_id"`
	SessionID  string  `json:"session_id,omitempty"`
	KWhDelta   float64 `json:"kwh_delta"`
	ElapsedSec float64 `json:"elapsed_sec"`
	KWhTotal   float64 `json:"kwh_total,omitempty"`
	CostTotal  float64 `json:"cost_total,omitempty"`
}

// SupplyEnd CP 上报供电结束
type SupplyEnd struct {
	CPID      string `json:"cp_id"`
	SessionID string `json:"session_id"`
}

// EndCharge 车主手动结束充电
type EndCharge struct {
	CPID string `json:"cp_id"`
}

// Ticket 结算凭据下发
type Ticket struct {
	SessionID   string  `json:"session_id"`
	CPID        string  `json:"cp_id"`
	DriverID    string  `json:"driver_id"`
	DurationSec float64 `json:"duration_sec"`
	KWhTotal    float64 `json:"kwh_total"`
	CostTotal   float64 `json:"cost_total"`
}

// Fault 监控上报健康检查失败
type Fault struct {
	CPID   string `json:"cp_id"`
	Detail string `json:"detail,omitempty"`
}

// Recovery 监控上报故障恢复
type Recovery struct {
	CPID string `json:"cp_id"`
}

// WeatherAlert 天气信号（ALERT_COLD / WEATHER_OK）
type WeatherAlert struct {
	CPID        string  `json:"cp_id"`
	Alert       string  `json:"alert"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AvailableCP 可用充电桩条目
type AvailableCP struct {
	CPID        string  `json:"cp_id"`
	PricePerKWh float64 `json:"price_per_kwh"`
}

// AvailableCPs 可用充电桩列表应答
type AvailableCPs struct {
	CPs []AvailableCP `json:"cps"`
}

// CPStateNotice 推送给监控的状态变更
type CPStateNotice struct {
	CPID      string `json:"cp_id"`
	State     string `json:"state"`
	Exclusion string `json:"exclusion,omitempty"`
}

// ErrorPayload 发给对端的类型化错误帧，保证失败不静默
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarshalPayload 统一的 payload 序列化入口
func MarshalPayload(v any) ([]byte, error) { return json.Marshal(v) }

// UnmarshalPayload 统一的 payload 反序列化入口
func UnmarshalPayload(b []byte, v any) error { return json.Unmarshal(b, v) }
