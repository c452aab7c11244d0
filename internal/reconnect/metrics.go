package reconnect

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录配对发现的进度。
type Metrics struct {
	state       *prometheus.GaugeVec
	attempts    prometheus.Counter
	ticks       prometheus.Counter
	strayTicks  prometheus.Counter
	outcomes    *prometheus.CounterVec
	manualCheck *prometheus.CounterVec
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pairing_state",
			Help: "Current pairing discovery state (1 for the active state)",
		}, []string{"state"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairing_attempts_total",
			Help: "Number of pairing attempts started or restored",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairing_poll_ticks_total",
			Help: "Number of relay polls performed while pairing",
		}),
		strayTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairing_stray_ticks_total",
			Help: "Number of ticks ignored because their attempt was superseded or already processed",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairing_outcomes_total",
			Help: "Number of pairing attempts by terminal outcome",
		}, []string{"outcome"}),
		manualCheck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairing_manual_checks_total",
			Help: "Number of manual connection checks by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.state, m.attempts, m.ticks, m.strayTicks, m.outcomes, m.manualCheck)
	return m
}

func (m *Metrics) setState(from, to State) {
	if m == nil || from == to {
		return
	}
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
}

func (m *Metrics) incAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) incTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) incStray() {
	if m == nil {
		return
	}
	m.strayTicks.Inc()
}

func (m *Metrics) incOutcome(s State) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) incManualCheck(result string) {
	if m == nil {
		return
	}
	m.manualCheck.WithLabelValues(result).Inc()
}
