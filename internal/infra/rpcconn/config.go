package rpcconn

import (
	"net/http"
	"time"
)

// Config 控制 websocket JSON-RPC 连接的行为。
type Config struct {
	URL            string        `yaml:"url" envconfig:"URL"`
	DialTimeout    time.Duration `yaml:"dialTimeout" envconfig:"DIAL_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	PingInterval   time.Duration `yaml:"pingInterval" envconfig:"PING_INTERVAL"`
	// FailureThreshold 为连续重连失败多少次后进入降级快速失败。
	FailureThreshold int           `yaml:"failureThreshold" envconfig:"FAILURE_THRESHOLD"`
	Backoff          BackoffConfig `yaml:"backoff" envconfig:"BACKOFF"`
	Header           http.Header   `yaml:"-" ignored:"true"`
}

// BackoffConfig 决定断线重连指数退避参数。
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial" envconfig:"INITIAL"`
	Max     time.Duration `yaml:"max" envconfig:"MAX"`
	Jitter  float64       `yaml:"jitter" envconfig:"JITTER"`
}

// DefaultConfig 返回适合移动端中继网关的默认值。
func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		RequestTimeout:   15 * time.Second,
		PingInterval:     20 * time.Second,
		FailureThreshold: 3,
		Backoff: BackoffConfig{
			Initial: 250 * time.Millisecond,
			Max:     10 * time.Second,
			Jitter:  0.2,
		},
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = def.Backoff.Initial
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = def.Backoff.Max
		if c.Backoff.Max < c.Backoff.Initial {
			c.Backoff.Max = c.Backoff.Initial
		}
	}
	if c.Backoff.Jitter < 0 {
		c.Backoff.Jitter = 0
	}
	return c
}
