package chainclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露链端调用次数、耗时与断路器状态。
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	open    prometheus.Gauge
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signer",
			Subsystem: "chain",
			Name:      "calls_total",
			Help:      "Chain gRPC calls by method and gRPC status code",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signer",
			Subsystem: "chain",
			Name:      "call_latency_ms",
			Help:      "Chain gRPC call latency in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}, []string{"method"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signer",
			Subsystem: "chain",
			Name:      "breaker_open",
			Help:      "1 while the chain circuit breaker rejects calls",
		}),
	}
	reg.MustRegister(m.calls, m.latency, m.open)
	return m
}

func (m *Metrics) observe(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds() * 1000)
}

func (m *Metrics) setOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.open.Set(1)
		return
	}
	m.open.Set(0)
}
