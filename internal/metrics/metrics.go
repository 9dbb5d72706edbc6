package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	TCPAccepted      prometheus.Counter
	TCPBytesReceived prometheus.Counter
	FrameParseTotal  *prometheus.CounterVec // labels: result=ok|error
	FrameRouteTotal  *prometheus.CounterVec // labels: type
	HandshakeTotal   *prometheus.CounterVec // labels: result=ok|auth_failed|error
	AuthorizeTotal   *prometheus.CounterVec // labels: result=granted|denied
	ActiveSessions   prometheus.Gauge       // 进行中充电会话数
	OnlineGauge      prometheus.Gauge       // 当前在线充电桩数
	HeartbeatTotal   prometheus.Counter     // 心跳计数
	ExclusionGauge   *prometheus.GaugeVec   // labels: cause=fault|weather
	TicketsIssued    prometheus.Counter     // 出票总数
	AuditDropped     prometheus.Counter     // 审计分发队列丢弃数
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		FrameParseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frame_parse_total",
			Help: "Frame parse attempts.",
		}, []string{"result"}),
		FrameRouteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frame_route_total",
			Help: "Routed frames by message type.",
		}, []string{"type"}),
		HandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handshake_total",
			Help: "Secure handshake attempts by result.",
		}, []string{"result"}),
		AuthorizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authorize_total",
			Help: "Charge authorization decisions.",
		}, []string{"result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "charge_active_sessions",
			Help: "Current number of active charging sessions.",
		}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_online_count",
			Help: "Current number of connected charging points.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		ExclusionGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_excluded_count",
			Help: "Charging points currently excluded, by cause.",
		}, []string{"cause"}),
		TicketsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_tickets_issued_total",
			Help: "Total settlement tickets issued.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_publish_dropped_total",
			Help: "Audit records dropped from the publish queue.",
		}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPBytesReceived,
		m.FrameParseTotal, m.FrameRouteTotal,
		m.HandshakeTotal, m.AuthorizeTotal,
		m.ActiveSessions, m.OnlineGauge, m.HeartbeatTotal,
		m.ExclusionGauge, m.TicketsIssued, m.AuditDropped,
	)
	return m
}
