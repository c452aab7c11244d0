package chainclient

import "time"

// Config 控制到链节点 gRPC 端点的连接。
type Config struct {
	Endpoint         string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	TLS              bool          `yaml:"tls" envconfig:"TLS"`
	DialTimeout      time.Duration `yaml:"dialTimeout" envconfig:"DIAL_TIMEOUT"`
	CallTimeout      time.Duration `yaml:"callTimeout" envconfig:"CALL_TIMEOUT"`
	KeepaliveTime    time.Duration `yaml:"keepaliveTime" envconfig:"KEEPALIVE_TIME"`
	KeepaliveTimeout time.Duration `yaml:"keepaliveTimeout" envconfig:"KEEPALIVE_TIMEOUT"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig 决定连续传输失败多少次后暂停调用。
type BreakerConfig struct {
	Threshold int           `yaml:"threshold" envconfig:"THRESHOLD"`
	Cooldown  time.Duration `yaml:"cooldown" envconfig:"COOLDOWN"`
}

// DefaultConfig 返回默认值，Endpoint 需由部署方提供。
func DefaultConfig() Config {
	return Config{
		Endpoint:         "grpc-kralum.neutron-1.neutron.org:80",
		DialTimeout:      5 * time.Second,
		CallTimeout:      15 * time.Second,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  30 * time.Second,
		},
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = def.KeepaliveTime
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = def.Breaker.Threshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = def.Breaker.Cooldown
	}
	return c
}
