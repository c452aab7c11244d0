// Package kvstore 提供签名子系统使用的字符串键值持久化：内存、YAML 文件与 PostgreSQL 三种实现。
package kvstore

import (
	"context"
	"fmt"
	"sync"
)

// Store 为同步的字符串键值存储。Get 未命中时返回 ok=false。
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Memory 为进程内实现。
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory 创建空的内存存储。
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys 返回当前所有键，测试用。
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Config 选择存储实现。
type Config struct {
	// Driver 取值 memory、file、postgres。
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	Path   string `yaml:"path" envconfig:"PATH"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
	Table  string `yaml:"table" envconfig:"TABLE"`
}

// Open 按配置构造存储，返回的 close 函数总是非空。
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), noop, nil
	case "file":
		s, err := NewFile(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown kv driver %q", cfg.Driver)
	}
}
