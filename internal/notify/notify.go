// Package notify 把签名子系统的失败与状态变化通知给宿主，核心逻辑不直接依赖任何界面。
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// Level 为通知级别。
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice 为一条通知。
type Notice struct {
	Level   Level          `json:"level"`
	Code    apierrors.Code `json:"code,omitempty"`
	Message string         `json:"message"`
	Backend string         `json:"backend,omitempty"`
	Address string         `json:"address,omitempty"`
	Time    time.Time      `json:"time"`
}

// FromError 由错误构造 error 级别通知，消息保持原文。
func FromError(err error) Notice {
	return Notice{Level: LevelError, Code: apierrors.CodeOf(err), Message: err.Error()}
}

// Notifier 接收通知，实现不得阻塞调用方太久且不返回错误。
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func 让普通函数满足 Notifier。
type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Nop 丢弃所有通知。
type Nop struct{}

func (Nop) Notify(context.Context, Notice) {}

// Log 以结构化日志输出通知。
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Notify(_ context.Context, n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{"notice": string(n.Level)})
	if n.Code != "" {
		entry = entry.WithField("code", string(n.Code))
	}
	if n.Backend != "" {
		entry = entry.WithField("backend", n.Backend)
	}
	if n.Address != "" {
		entry = entry.WithField("address", n.Address)
	}
	switch n.Level {
	case LevelError:
		entry.Error(n.Message)
	case LevelWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// Multi 依次转发给多个 Notifier。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, target := range m {
		if target != nil {
			target.Notify(ctx, n)
		}
	}
}

// Recorder 保存收到的通知，用于测试与调试接口。
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices 返回副本。
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
