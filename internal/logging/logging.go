// Package logging 根据配置构造根日志。
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// Config 控制日志级别与格式。
type Config struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
	// Format 取值 text 或 json。
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// DefaultConfig 返回 info 级别的文本日志。
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// New 构造写入 out 的日志，out 为 nil 时写 stderr。
func New(cfg Config, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, eris.Wrapf(err, "parse log level %q", cfg.Level)
		}
		level = parsed
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, eris.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}
