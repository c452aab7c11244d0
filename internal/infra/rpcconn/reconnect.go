package rpcconn

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff 计算断线重连的指数退避等待时间，带抖动避免所有客户端同时重连。
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// NewBackoff 创建 Backoff。
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 计算下一次等待时长，结果始终落在 [Initial, Max]。
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.cfg.Initial << b.attempts
	if delay <= 0 || delay > b.cfg.Max {
		delay = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		factor := 1 - b.cfg.Jitter + b.rand.Float64()*2*b.cfg.Jitter
		delay = time.Duration(float64(delay) * factor)
	}
	if b.attempts < 16 {
		b.attempts++
	}
	return clampDuration(delay, b.cfg.Initial, b.cfg.Max)
}

// Attempts 返回自上次 Reset 以来的失败次数。
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset 在连接恢复后调用，下一次退避重新从 Initial 开始。
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

func clampDuration(d, low, high time.Duration) time.Duration {
	if d < low {
		return low
	}
	if high > 0 && d > high {
		return high
	}
	return d
}
