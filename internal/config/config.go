// Package config 汇总各组件配置：默认值、YAML 文件、.env 与 SIGNER_ 前缀环境变量依次覆盖。
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/authzsigner/internal/composer"
	"github.com/aegis-sign/authzsigner/internal/facade"
	"github.com/aegis-sign/authzsigner/internal/infra/chainclient"
	"github.com/aegis-sign/authzsigner/internal/infra/kvstore"
	"github.com/aegis-sign/authzsigner/internal/infra/relayclient"
	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
	"github.com/aegis-sign/authzsigner/internal/logging"
	"github.com/aegis-sign/authzsigner/internal/notify"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/signer/remote"
)

// EnvPrefix 为环境变量前缀。
const EnvPrefix = "SIGNER"

// Config 为进程级配置。
type Config struct {
	// ChainID 覆盖所有组件的链 ID。
	ChainID   string             `yaml:"chainId" envconfig:"CHAIN_ID"`
	HTTP      HTTPConfig         `yaml:"http" envconfig:"HTTP"`
	Log       logging.Config     `yaml:"log" envconfig:"LOG"`
	KV        kvstore.Config     `yaml:"kv" envconfig:"KV"`
	Relay     relayclient.Config `yaml:"relay" envconfig:"RELAY"`
	Extension ExtensionConfig    `yaml:"extension" envconfig:"EXTENSION"`
	Chain     chainclient.Config `yaml:"chain" envconfig:"CHAIN"`
	Composer  composer.Config    `yaml:"composer" envconfig:"COMPOSER"`
	Remote    remote.Config      `yaml:"remote" envconfig:"REMOTE"`
	Reconnect reconnect.Config   `yaml:"reconnect" envconfig:"RECONNECT"`
	Facade    facade.Config      `yaml:"facade" envconfig:"FACADE"`
	NATS      NATSConfig         `yaml:"nats" envconfig:"NATS"`
}

// HTTPConfig 控制 HTTP 服务。
type HTTPConfig struct {
	Addr           string        `yaml:"addr" envconfig:"ADDR"`
	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace" envconfig:"SHUTDOWN_GRACE"`
	// Debug 开启 /debug/relay。
	Debug bool `yaml:"debug" envconfig:"DEBUG"`
}

// ExtensionConfig 指向浏览器钱包桥。Bridge.URL 为空时不提供扩展后端。
type ExtensionConfig struct {
	Bridge rpcconn.Config `yaml:"bridge" envconfig:"BRIDGE"`
}

// NATSConfig 为空 URL 时通知只写日志。
type NATSConfig struct {
	URL     string `yaml:"url" envconfig:"URL"`
	Subject string `yaml:"subject" envconfig:"SUBJECT"`
}

// DefaultConfig 返回 Neutron 主网默认值。
func DefaultConfig() Config {
	return Config{
		ChainID: "neutron-1",
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RequestTimeout: 3 * time.Minute,
			ShutdownGrace:  5 * time.Second,
		},
		Log:       logging.DefaultConfig(),
		KV:        kvstore.Config{Driver: "file", Path: "signer-state.yaml", Table: "signer_kv"},
		Relay:     relayclient.DefaultConfig(),
		Extension: ExtensionConfig{Bridge: rpcconn.DefaultConfig()},
		Chain:     chainclient.DefaultConfig(),
		Composer:  composer.DefaultConfig(),
		Remote:    remote.DefaultConfig(),
		Reconnect: reconnect.DefaultConfig(),
		Facade:    facade.DefaultConfig(),
		NATS:      NATSConfig{Subject: notify.DefaultSubject},
	}
}

// Load 依次应用默认值、path 指向的 YAML（可为空）、.env 文件与环境变量。
func Load(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, eris.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, eris.Wrapf(err, "parse config %s", path)
		}
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, eris.Wrap(err, "process environment")
	}
	cfg.propagateChainID()
	return cfg, nil
}

// loadEnvFiles 忽略不存在的文件，已存在的环境变量优先。
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "load env file %s", f)
		}
	}
	return nil
}

func (c *Config) propagateChainID() {
	if c.ChainID == "" {
		c.ChainID = DefaultConfig().ChainID
	}
	c.Composer.ChainID = c.ChainID
	c.Remote.ChainID = c.ChainID
	c.Reconnect.ChainID = c.ChainID
	c.Facade.ChainID = c.ChainID
}

// Validate 检查 serve 所需的配置。
func (c Config) Validate() error {
	switch c.KV.Driver {
	case "", "memory":
	case "file":
		if c.KV.Path == "" {
			return eris.New("kv.path is required for the file driver")
		}
	case "postgres":
		if c.KV.DSN == "" {
			return eris.New("kv.dsn is required for the postgres driver")
		}
	default:
		return eris.Errorf("unknown kv driver %q", c.KV.Driver)
	}
	if c.Facade.KeyPassphrase == "" {
		return eris.New("SIGNER_FACADE_KEY_PASSPHRASE is required")
	}
	if c.Chain.Endpoint == "" {
		return eris.New("chain.endpoint is required")
	}
	if c.Composer.ContractAddress == "" {
		return eris.New("composer.contractAddress is required")
	}
	return nil
}
