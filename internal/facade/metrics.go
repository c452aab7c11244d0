package facade

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

var backendKinds = []signer.Kind{signer.KindLocal, signer.KindExtension, signer.KindRemote}

// Metrics 统计初始化结果与当前后端。
type Metrics struct {
	inits    *prometheus.CounterVec
	active   *prometheus.GaugeVec
	pairings *prometheus.CounterVec
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_initializations_total",
			Help: "Backend initializations by kind and outcome code",
		}, []string{"backend", "outcome"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signer_active_backend",
			Help: "1 for the backend currently holding signing capability",
		}, []string{"backend"}),
		pairings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_pairing_results_total",
			Help: "Remote pairing results handled by the facade",
		}, []string{"state"}),
	}
	reg.MustRegister(m.inits, m.active, m.pairings)
	return m
}

func (m *Metrics) incInit(kind signer.Kind, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apierrors.CodeOf(err))
	}
	m.inits.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *Metrics) setActive(kind signer.Kind) {
	if m == nil {
		return
	}
	for _, k := range backendKinds {
		v := 0.0
		if k == kind {
			v = 1
		}
		m.active.WithLabelValues(k.String()).Set(v)
	}
}

func (m *Metrics) incPairing(state string) {
	if m == nil {
		return
	}
	m.pairings.WithLabelValues(state).Inc()
}
