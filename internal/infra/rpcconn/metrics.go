package rpcconn

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露连接状态、重连次数与调用耗时。
type Metrics struct {
	connected   *prometheus.GaugeVec
	reconnects  *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	callErrors  *prometheus.CounterVec
}

// NewMetrics 在注册器中注册连接指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "signer",
			Subsystem: "rpcconn",
			Name:      "connected",
			Help:      "Whether the websocket RPC connection is established (1) or not (0)",
		}, []string{"conn"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signer",
			Subsystem: "rpcconn",
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnects",
		}, []string{"conn"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signer",
			Subsystem: "rpcconn",
			Name:      "call_latency_ms",
			Help:      "Latency of JSON-RPC calls in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000, 120000},
		}, []string{"conn", "method"}),
		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signer",
			Subsystem: "rpcconn",
			Name:      "call_errors_total",
			Help:      "Number of JSON-RPC calls that returned an error",
		}, []string{"conn", "method"}),
	}
	reg.MustRegister(m.connected, m.reconnects, m.callLatency, m.callErrors)
	return m
}

func (m *Metrics) setConnected(conn string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.connected.WithLabelValues(conn).Set(value)
}

func (m *Metrics) incReconnect(conn string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(conn).Inc()
}

func (m *Metrics) observeCall(conn, method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.callLatency.WithLabelValues(conn, method).Observe(d.Seconds() * 1000)
	if err != nil {
		m.callErrors.WithLabelValues(conn, method).Inc()
	}
}
