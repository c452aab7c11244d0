// Package relayclient 通过 websocket JSON-RPC 连接中继网关，实现 relay.Client。
// 网关负责配对协议本身，这里只做请求转发与事件分发。
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
	"github.com/aegis-sign/authzsigner/internal/relay"
)

// 网关方法与通知名。
const (
	methodInit       = "relay_init"
	methodPairings   = "relay_pairings"
	methodSessions   = "relay_sessions"
	methodConnect    = "relay_connect"
	methodRequest    = "relay_request"
	methodDisconnect = "relay_disconnect"

	eventApproved = "session_approved"
	eventRejected = "session_rejected"
	eventDelete   = "session_delete"
)

// 网关错误码约定：codeUnknownTopic 表示会话不存在；不小于 minWalletCode 的错误码
// 原样来自钱包答复。其余错误码视为网关故障。
const (
	codeUnknownTopic = -32001
	minWalletCode    = 4000
	sourceWallet     = "wallet"
)

// ErrApprovalTimeout 表示钱包在 ApprovalTimeout 内没有答复。
var ErrApprovalTimeout = errors.New("pairing approval timed out")

// Client 为 relay.Client 的网关实现。
type Client struct {
	cfg     Config
	conn    *rpcconn.Conn
	logger  logrus.FieldLogger
	metrics *Metrics
	limiter *rate.Limiter
	reg     prometheus.Registerer
	connMet *rpcconn.Metrics

	mu       sync.Mutex
	waiters  map[string]chan relay.Approval
	early    map[string]relay.Approval
	// connecting 为进行中的 relay_connect 调用数。
	connecting int
	timers   map[string]*time.Timer
	onDelete []func(topic string)
}

var (
	_ relay.Client        = (*Client)(nil)
	_ relay.SessionEvents = (*Client)(nil)
)

// Option 自定义 Client。
type Option func(*Client)

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器，连接指标也注册在这里。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.reg = reg }
}

// WithMetrics 复用已注册的指标，Holder 重新拨号时必须使用。
func WithMetrics(m *Metrics, conn *rpcconn.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
		c.connMet = conn
	}
}

type initParams struct {
	ProjectID string         `json:"projectId,omitempty"`
	Metadata  relay.Metadata `json:"metadata"`
}

type connectResult struct {
	URI          string `json:"uri"`
	PairingTopic string `json:"pairingTopic"`
}

type approvedEvent struct {
	PairingTopic string       `json:"pairingTopic"`
	Session      relay.Record `json:"session"`
}

type rejectedEvent struct {
	PairingTopic string `json:"pairingTopic"`
	Message      string `json:"message"`
}

type deleteEvent struct {
	Topic string `json:"topic"`
}

type requestParams struct {
	Topic   string       `json:"topic"`
	ChainID string       `json:"chainId,omitempty"`
	Request innerRequest `json:"request"`
}

type innerRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type disconnectParams struct {
	Topic  string       `json:"topic"`
	Reason relay.Reason `json:"reason"`
}

// Dial 连接网关并完成初始化握手。
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.normalize()
	c := &Client{
		cfg:     cfg,
		logger:  logrus.StandardLogger(),
		waiters: make(map[string]chan relay.Approval),
		early:   make(map[string]relay.Approval),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(c.reg)
	}
	connMetrics := rpcconn.WithRegisterer(c.reg)
	if c.connMet != nil {
		connMetrics = rpcconn.WithMetrics(c.connMet)
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	conn, err := rpcconn.Dial(ctx, cfg.Conn,
		rpcconn.WithLogger(c.logger),
		connMetrics,
		rpcconn.WithLabel("relay"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "connect relay gateway")
	}
	c.conn = conn
	conn.OnNotification(eventApproved, c.handleApproved)
	conn.OnNotification(eventRejected, c.handleRejected)
	conn.OnNotification(eventDelete, c.handleDelete)
	conn.OnReconnect(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Conn.RequestTimeout)
			defer cancel()
			if err := c.init(ctx); err != nil {
				c.logger.WithError(err).Warn("relay re-init after reconnect failed")
			}
		}()
	})
	if err := c.init(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	meta := relay.Metadata{
		Name:        c.cfg.Metadata.Name,
		Description: c.cfg.Metadata.Description,
		URL:         c.cfg.Metadata.URL,
	}
	if c.cfg.Metadata.Icon != "" {
		meta.Icons = []string{c.cfg.Metadata.Icon}
	}
	err := c.conn.Call(ctx, methodInit, initParams{ProjectID: c.cfg.ProjectID, Metadata: meta}, nil)
	c.metrics.observeRequest(methodInit, err)
	if err != nil {
		return eris.Wrap(err, "relay init")
	}
	return nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if c.limiter.Allow() {
		return nil
	}
	c.metrics.incThrottled()
	return c.limiter.Wait(ctx)
}

// Pairings 列出网关已知的配对。
func (c *Client) Pairings(ctx context.Context) ([]relay.Pairing, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	var out []relay.Pairing
	err := c.conn.Call(ctx, methodPairings, nil, &out)
	c.metrics.observeRequest(methodPairings, err)
	if err != nil {
		return nil, c.mapErr(err, "list pairings")
	}
	return out, nil
}

// Sessions 列出网关持有的会话，顺序与建立顺序一致。
func (c *Client) Sessions(ctx context.Context) ([]relay.Record, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	var out []relay.Record
	err := c.conn.Call(ctx, methodSessions, nil, &out)
	c.metrics.observeRequest(methodSessions, err)
	if err != nil {
		return nil, c.mapErr(err, "list sessions")
	}
	return out, nil
}

// Connect 发起新的配对，返回的 Approval 在钱包答复或超时后写入一次。
// 网关可能在 relay_connect 返回前就推送答复，这类答复只在调用进行中时暂存。
func (c *Client) Connect(ctx context.Context, req relay.Requirements) (*relay.Connection, error) {
	c.mu.Lock()
	c.connecting++
	c.mu.Unlock()

	var res connectResult
	err := c.conn.Call(ctx, methodConnect, req, &res)
	c.metrics.observeRequest(methodConnect, err)

	c.mu.Lock()
	c.connecting--
	early, hasEarly := c.early[res.PairingTopic]
	delete(c.early, res.PairingTopic)
	if c.connecting == 0 {
		clear(c.early)
	}
	if err != nil || res.URI == "" {
		c.mu.Unlock()
		if err != nil {
			return nil, c.mapErr(err, "connect")
		}
		return nil, eris.New("relay gateway returned an empty pairing uri")
	}
	ch := make(chan relay.Approval, 1)
	if hasEarly {
		c.mu.Unlock()
		c.metrics.observeApproval(earlyOutcome(early))
		ch <- early
		close(ch)
		return &relay.Connection{URI: res.URI, Approval: ch}, nil
	}
	topic := res.PairingTopic
	c.waiters[topic] = ch
	c.timers[topic] = time.AfterFunc(c.cfg.ApprovalTimeout, func() {
		c.deliver(topic, relay.Approval{Err: ErrApprovalTimeout}, "timeout")
	})
	c.mu.Unlock()
	c.logger.WithField("pairing_topic", topic).Debug("relay pairing started")
	return &relay.Connection{URI: res.URI, Approval: ch}, nil
}

func earlyOutcome(a relay.Approval) string {
	if a.Err != nil {
		return "rejected"
	}
	return "approved"
}

// Request 把请求转发给会话对端钱包。
func (c *Client) Request(ctx context.Context, topic, method string, params, result any) error {
	var chainID string
	if p, ok := params.(interface{ RelayChainID() string }); ok {
		chainID = p.RelayChainID()
	}
	err := c.conn.Call(ctx, methodRequest, requestParams{
		Topic:   topic,
		ChainID: chainID,
		Request: innerRequest{Method: method, Params: params},
	}, result)
	c.metrics.observeRequest(method, err)
	if err != nil {
		return c.mapErr(err, method)
	}
	return nil
}

// Disconnect 断开会话。
func (c *Client) Disconnect(ctx context.Context, topic string, reason relay.Reason) error {
	err := c.conn.Call(ctx, methodDisconnect, disconnectParams{Topic: topic, Reason: reason}, nil)
	c.metrics.observeRequest(methodDisconnect, err)
	if err != nil {
		return c.mapErr(err, "disconnect")
	}
	return nil
}

// OnSessionDelete 注册会话删除回调。
func (c *Client) OnSessionDelete(fn func(topic string)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelete = append(c.onDelete, fn)
}

// Health 返回底层连接状况。
func (c *Client) Health() rpcconn.Health {
	return c.conn.Health()
}

// Close 关闭连接，未答复的连接以 relay.ErrClosed 结束。
func (c *Client) Close() error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.waiters))
	for topic := range c.waiters {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		c.deliver(topic, relay.Approval{Err: relay.ErrClosed}, "closed")
	}
	return c.conn.Close()
}

func (c *Client) handleApproved(params json.RawMessage) {
	var ev approvedEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		c.logger.WithError(err).Warn("malformed session_approved event")
		return
	}
	rec := ev.Session
	c.deliver(ev.PairingTopic, relay.Approval{Record: &rec}, "approved")
}

func (c *Client) handleRejected(params json.RawMessage) {
	var ev rejectedEvent
	if err := json.Unmarshal(params, &ev); err != nil {
		c.logger.WithError(err).Warn("malformed session_rejected event")
		return
	}
	msg := ev.Message
	if msg == "" {
		msg = "Request rejected"
	}
	c.deliver(ev.PairingTopic, relay.Approval{Err: &relay.RequestError{Code: 5000, Message: msg}}, "rejected")
}

func (c *Client) handleDelete(params json.RawMessage) {
	var ev deleteEvent
	if err := json.Unmarshal(params, &ev); err != nil || ev.Topic == "" {
		c.logger.Warn("malformed session_delete event")
		return
	}
	c.metrics.incSessionDelete()
	c.mu.Lock()
	hooks := append([]func(string){}, c.onDelete...)
	c.mu.Unlock()
	c.logger.WithField("topic", ev.Topic).Info("relay session deleted by peer")
	for _, fn := range hooks {
		fn(ev.Topic)
	}
}

func (c *Client) deliver(topic string, approval relay.Approval, outcome string) {
	c.mu.Lock()
	ch, ok := c.waiters[topic]
	if ok {
		delete(c.waiters, topic)
		if t := c.timers[topic]; t != nil {
			t.Stop()
			delete(c.timers, topic)
		}
	} else if c.connecting > 0 && (outcome == "approved" || outcome == "rejected") {
		c.early[topic] = approval
	}
	c.mu.Unlock()
	if !ok {
		c.logger.WithFields(logrus.Fields{"pairing_topic": topic, "outcome": outcome}).Debug("relay answer without waiter")
		return
	}
	c.metrics.observeApproval(outcome)
	ch <- approval
	close(ch)
}

func (c *Client) mapErr(err error, op string) error {
	var rpcErr *rpcconn.Error
	if !errors.As(err, &rpcErr) {
		return eris.Wrapf(err, "relay %s", op)
	}
	switch {
	case rpcErr.Code == codeUnknownTopic:
		return eris.Wrapf(relay.ErrSessionNotFound, "relay %s: %s", op, rpcErr.Message)
	case fromWallet(rpcErr):
		return &relay.RequestError{Code: rpcErr.Code, Message: rpcErr.Message}
	default:
		return eris.Wrapf(err, "relay %s: gateway error", op)
	}
}

// fromWallet 判断错误是否为钱包答复，网关可在 data.source 中显式标注。
func fromWallet(e *rpcconn.Error) bool {
	if e.Code >= minWalletCode {
		return true
	}
	if len(e.Data) == 0 {
		return false
	}
	var data struct {
		Source string `json:"source"`
	}
	return json.Unmarshal(e.Data, &data) == nil && data.Source == sourceWallet
}
