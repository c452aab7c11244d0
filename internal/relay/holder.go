package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Factory 创建中继客户端，由 Holder 最多成功调用一次。
type Factory func(ctx context.Context) (Client, error)

// Holder 持有进程内唯一的中继客户端，首次使用时才初始化。
// 并发的首次初始化通过 singleflight 合并，之后直接返回缓存实例。
type Holder struct {
	factory Factory
	logger  logrus.FieldLogger
	group   singleflight.Group

	mu     sync.RWMutex
	client Client
	inits  int
}

// HolderOption 自定义 Holder。
type HolderOption func(*Holder)

// WithHolderLogger 注入日志。
func WithHolderLogger(l logrus.FieldLogger) HolderOption {
	return func(h *Holder) { h.logger = l }
}

// NewHolder 创建 Holder。
func NewHolder(factory Factory, opts ...HolderOption) *Holder {
	h := &Holder{factory: factory, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// NewStaticHolder 包装一个已经创建好的客户端。
func NewStaticHolder(c Client) *Holder {
	h := NewHolder(func(context.Context) (Client, error) { return c, nil })
	h.client = c
	return h
}

// Get 返回客户端，必要时初始化。重复调用返回同一实例。
func (h *Holder) Get(ctx context.Context) (Client, error) {
	if h == nil {
		return nil, errors.New("relay holder is nil")
	}
	if c := h.Current(); c != nil {
		return c, nil
	}
	if h.factory == nil {
		return nil, errors.New("relay factory is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch := h.group.DoChan("relay", func() (interface{}, error) {
		if c := h.Current(); c != nil {
			return c, nil
		}
		c, err := h.factory(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.client = c
		h.inits++
		h.mu.Unlock()
		h.logger.Info("relay client initialized")
		return c, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			h.logger.WithError(res.Err).Warn("relay client init failed")
			return nil, res.Err
		}
		return res.Val.(Client), nil
	}
}

// Current 返回已初始化的客户端，未初始化时为 nil。
func (h *Holder) Current() Client {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Inits 返回工厂被成功调用的次数。
func (h *Holder) Inits() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inits
}

// Close 关闭并丢弃缓存的客户端，之后的 Get 会重新初始化。
func (h *Holder) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
