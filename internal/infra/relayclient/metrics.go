package relayclient

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录中继请求与会话事件。
type Metrics struct {
	requests      *prometheus.CounterVec
	approvals     *prometheus.CounterVec
	sessionDelete prometheus.Counter
	throttled     prometheus.Counter
}

// NewMetrics 构造指标集合，reg 为空时默认使用全局注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Number of relay gateway requests by method and outcome",
		}, []string{"method", "outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_approvals_total",
			Help: "Number of pairing approvals by outcome",
		}, []string{"outcome"}),
		sessionDelete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_session_delete_total",
			Help: "Number of session_delete events received from the gateway",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_throttled_total",
			Help: "Number of relay queries delayed by the rate limiter",
		}),
	}
	reg.MustRegister(m.requests, m.approvals, m.sessionDelete, m.throttled)
	return m
}

func (m *Metrics) observeRequest(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observeApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incSessionDelete() {
	if m == nil {
		return
	}
	m.sessionDelete.Inc()
}

func (m *Metrics) incThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
