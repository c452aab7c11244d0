package relayclient

import (
	"time"

	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
)

// Config 控制中继网关客户端。
type Config struct {
	Conn rpcconn.Config `yaml:"conn" envconfig:"CONN"`
	// ProjectID 与 Metadata 会在握手时转交网关。
	ProjectID string         `yaml:"projectId" envconfig:"PROJECT_ID"`
	Metadata  MetadataConfig `yaml:"metadata" envconfig:"METADATA"`
	// ApprovalTimeout 为等待钱包批准单次连接的上限。
	ApprovalTimeout time.Duration `yaml:"approvalTimeout" envconfig:"APPROVAL_TIMEOUT"`
	// RateLimit 为每秒允许的查询次数，0 表示不限。
	RateLimit float64 `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
	RateBurst int     `yaml:"rateBurst" envconfig:"RATE_BURST"`
}

// MetadataConfig 为本应用在钱包中展示的信息。
type MetadataConfig struct {
	Name        string `yaml:"name" envconfig:"NAME"`
	Description string `yaml:"description" envconfig:"DESCRIPTION"`
	URL         string `yaml:"url" envconfig:"URL"`
	Icon        string `yaml:"icon" envconfig:"ICON"`
}

// DefaultConfig 返回默认配置，URL 需调用方提供。
func DefaultConfig() Config {
	return Config{
		Conn: rpcconn.DefaultConfig(),
		Metadata: MetadataConfig{
			Name:        "Telegram Payments",
			Description: "Authorize payments from Telegram",
		},
		ApprovalTimeout: 5 * time.Minute,
		RateLimit:       5,
		RateBurst:       10,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = def.ApprovalTimeout
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Metadata.Name == "" {
		c.Metadata = def.Metadata
	}
	return c
}
