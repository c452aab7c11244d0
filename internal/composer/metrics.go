package composer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// Metrics 统计广播结果与耗时。
type Metrics struct {
	broadcasts *prometheus.CounterVec
	latency    prometheus.Histogram
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "composer_broadcasts_total",
			Help: "Number of broadcast attempts by outcome code",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "composer_broadcast_latency_ms",
			Help:    "End-to-end sign and broadcast latency in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 120000},
		}),
	}
	reg.MustRegister(m.broadcasts, m.latency)
	return m
}

func (m *Metrics) observe(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apierrors.CodeOf(err))
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
	m.latency.Observe(float64(d.Microseconds()) / 1000)
}
