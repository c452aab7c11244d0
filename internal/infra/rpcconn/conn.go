// Package rpcconn 提供基于 websocket 的 JSON-RPC 2.0 长连接，断线后自动重连。
package rpcconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed 表示连接已被主动关闭。
	ErrClosed = errors.New("rpc connection closed")
	// ErrConnectionLost 表示请求在途时连接断开。
	ErrConnectionLost = errors.New("rpc connection lost")
	// ErrUnavailable 表示连接处于降级状态，请求被快速拒绝。
	ErrUnavailable = errors.New("rpc endpoint unavailable")
)

// Error 为对端返回的 JSON-RPC 错误对象。
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler 处理服务端推送的通知。
type NotificationHandler func(params json.RawMessage)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Conn 维护一条 JSON-RPC 长连接。
type Conn struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  logrus.FieldLogger
	metrics *Metrics
	health  *healthTracker
	label   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq atomic.Uint64

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	ready     chan struct{}
	pending   map[uint64]chan envelope
	handlers  map[string][]NotificationHandler
	onConnect []func()
	closed    bool
}

// Option 允许自定义 Conn 行为。
type Option func(*Conn)

// WithLogger 注入 logrus Logger。
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Conn) { c.metrics = NewMetrics(reg) }
}

// WithMetrics 复用已注册的指标集合，多条连接共享时使用。
func WithMetrics(m *Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithDialer 自定义 websocket 拨号器。
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithLabel 设置指标与日志中使用的连接名。
func WithLabel(label string) Option {
	return func(c *Conn) { c.label = label }
}

// Dial 建立连接并启动读循环；首次拨号失败直接返回错误。
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	cfg = cfg.normalize()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:      cfg,
		logger:   logrus.StandardLogger(),
		label:    "rpc",
		ctx:      runCtx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		pending:  make(map[uint64]chan envelope),
		handlers: make(map[string][]NotificationHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.health = newHealthTracker(cfg.FailureThreshold)
	c.logger = c.logger.WithField("conn", c.label)

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.attach(ws)
	c.wg.Add(1)
	go c.run(ws)
	return c, nil
}

// Health 返回当前连接状况。
func (c *Conn) Health() Health {
	return c.health.current()
}

// OnNotification 注册服务端通知回调，回调在读循环中同步执行。
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = append(c.handlers[method], h)
}

// OnReconnect 注册重连成功后的回调，用于恢复订阅。
func (c *Conn) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Call 发送请求并等待响应，result 为 nil 时丢弃返回值。
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	err := c.call(ctx, method, params, result)
	c.metrics.observeCall(c.label, method, time.Since(start), err)
	return err
}

func (c *Conn) call(ctx context.Context, method string, params any, result any) error {
	ws, err := c.waitReady(ctx)
	if err != nil {
		return err
	}
	id := c.seq.Add(1)
	respCh := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()
	defer c.forget(id)

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(deadlineOf(ctx, c.cfg.RequestTimeout))
	err = ws.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return eris.Wrapf(ErrConnectionLost, "write %s: %v", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return eris.Wrapf(err, "decode %s result", method)
		}
		return nil
	}
}

// Close 关闭连接并让所有在途请求失败。
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.health.close()
	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.wg.Wait()
	c.failPending()
	return nil
}

func (c *Conn) waitReady(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		ws, ready := c.ws, c.ready
		c.mu.Unlock()
		if ws != nil {
			return ws, nil
		}
		if c.health.current() == HealthDegraded {
			return nil, ErrUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		case <-ready:
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", c.cfg.URL)
	}
	return ws, nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	close(c.ready)
	c.mu.Unlock()
	c.health.connected()
	c.metrics.setConnected(c.label, true)
}

func (c *Conn) detach() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	c.metrics.setConnected(c.label, false)
	c.failPending()
}

// run 负责读循环与断线重连，直到 Close。
func (c *Conn) run(ws *websocket.Conn) {
	defer c.wg.Done()
	backoff := NewBackoff(c.cfg.Backoff)
	for {
		c.readLoop(ws)
		c.detach()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("rpc connection dropped, reconnecting")
		for {
			if c.health.failure() {
				c.logger.WithField("failures", backoff.Attempts()+1).Error("rpc connection degraded")
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff.Next()):
			}
			next, err := c.dial(c.ctx)
			if err != nil {
				c.logger.WithError(err).Debug("rpc reconnect failed")
				continue
			}
			ws = next
			break
		}
		backoff.Reset()
		c.metrics.incReconnect(c.label)
		c.attach(ws)
		c.logger.Info("rpc connection restored")
		c.mu.Lock()
		hooks := append([]func(){}, c.onConnect...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	stopPing := c.startPing(ws)
	defer stopPing()
	pongWait := 2 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg envelope
		if err := ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.WithError(err).Warn("dropping malformed rpc frame")
				continue
			}
			if c.ctx.Err() == nil {
				c.logger.WithError(err).Debug("rpc read failed")
			}
			_ = ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg envelope) {
	if msg.ID != nil && msg.Method == "" {
		c.mu.Lock()
		ch := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
		return
	}
	if msg.Method == "" {
		return
	}
	c.mu.Lock()
	handlers := append([]NotificationHandler(nil), c.handlers[msg.Method]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.WithField("method", msg.Method).Debug("unhandled rpc notification")
		return
	}
	for _, h := range handlers {
		h(msg.Params)
	}
}

func (c *Conn) startPing(ws *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, []byte(strconv.FormatInt(time.Now().Unix(), 10)), time.Now().Add(c.cfg.DialTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func deadlineOf(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}
