package chainclient

import (
	"sync"
	"time"
)

// breakerState 表示链端点的可用性分级。
type breakerState string

const (
	stateClosed   breakerState = "closed"
	stateOpen     breakerState = "open"
	stateHalfOpen breakerState = "half_open"
)

// circuitBreaker 在连续传输失败后短暂拒绝调用，冷却后放行一次探测。
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: now, state: stateClosed}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = stateHalfOpen
		cb.probing = true
		return true
	case stateHalfOpen:
		// 同一时刻只放行一个探测请求。
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.state = stateClosed
}

// failure 返回本次失败是否让断路器进入 open。
func (cb *circuitBreaker) failure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.failures++
	if cb.state == stateHalfOpen || (cb.state == stateClosed && cb.failures >= cb.threshold) {
		cb.state = stateOpen
		cb.openedAt = cb.now()
		return true
	}
	return false
}

// abort 结束一次未得出结论的探测，例如调用方自己取消。
func (cb *circuitBreaker) abort() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) current() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
