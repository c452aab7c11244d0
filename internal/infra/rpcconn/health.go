package rpcconn

import (
	"sync"
	"time"
)

// Health 表示连接的健康状况。
type Health string

const (
	HealthConnected    Health = "connected"
	HealthReconnecting Health = "reconnecting"
	HealthDegraded     Health = "degraded"
	HealthClosed       Health = "closed"
)

// healthTracker 记录连续失败并决定何时快速失败。
type healthTracker struct {
	threshold int

	mu         sync.Mutex
	state      Health
	failures   int
	lastChange time.Time
}

func newHealthTracker(threshold int) *healthTracker {
	return &healthTracker{threshold: threshold, state: HealthReconnecting, lastChange: time.Now()}
}

func (h *healthTracker) connected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.set(HealthConnected)
}

// failure 返回本次失败是否触发降级。
func (h *healthTracker) failure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HealthClosed {
		return false
	}
	h.failures++
	if h.failures >= h.threshold && h.state != HealthDegraded {
		h.set(HealthDegraded)
		return true
	}
	if h.state == HealthConnected {
		h.set(HealthReconnecting)
	}
	return false
}

func (h *healthTracker) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.set(HealthClosed)
}

func (h *healthTracker) current() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *healthTracker) set(s Health) {
	if h.state != s {
		h.state = s
		h.lastChange = time.Now()
	}
}
