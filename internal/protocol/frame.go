// Package protocol 实现协调中心的二进制帧编解码。
//
// 帧布局：
// magic[3] "EVC" | lenLE[2] | type[1] | senderLen[1] | sender[senderLen] |
// seqLE[8] | payload[..] | sumLE[2]
//
// len 为整帧总长度（含 magic 与 len 本身）。seq 为连接内单调递增序号，
// 握手完成后 payload 为 AEAD 密文，seq 同时参与防重放校验。
package protocol

// MsgType 消息类型标签
type MsgType uint8

const (
	MsgHello MsgType = iota + 1
	MsgHelloAck
	MsgHeartbeat
	MsgChargeRequest
	MsgAuthorize
	MsgDeny
	MsgSupplyUpdate
	MsgSupplyEnd
	MsgEndCharge
	MsgTicket
	MsgFaultDetected
	MsgRecovery
	MsgWeatherAlert
	MsgAvailableCPsRequest
	MsgAvailableCPs
	MsgCPState
	MsgError
)

// String 用于日志与指标 label
func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgChargeRequest:
		return "CHARGE_REQUEST"
	case MsgAuthorize:
		return "AUTHORIZE"
	case MsgDeny:
		return "DENY"
	case MsgSupplyUpdate:
		return "SUPPLY_UPDATE"
	case MsgSupplyEnd:
		return "SUPPLY_END"
	case MsgEndCharge:
		return "END_CHARGE"
	case MsgTicket:
		return "TICKET"
	case MsgFaultDetected:
		return "FAULT_DETECTED"
	case MsgRecovery:
		return "RECOVERY"
	case MsgWeatherAlert:
		return "WEATHER_ALERT"
	case MsgAvailableCPsRequest:
		return "AVAILABLE_CPS_REQUEST"
	case MsgAvailableCPs:
		return "AVAILABLE_CPS"
	case MsgCPState:
		return "CP_STATE"
	case MsgError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Frame 解析后的单帧
type Frame struct {
	Type    MsgType
	Sender  string
	Seq     uint64
	Payload []byte
}

var magic = []byte{0x45, 0x56, 0x43} // 'E''V''C'

// 帧头固定开销：magic+len+type+senderLen+seq+sum
const frameOverhead = 3 + 2 + 1 + 1 + 8 + 2
