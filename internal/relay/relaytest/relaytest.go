// Package relaytest 提供内存版中继客户端，用于测试控制器与远程后端。
package relaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-sign/authzsigner/internal/relay"
)

// Handler 模拟钱包对某个方法的处理。
type Handler func(ctx context.Context, topic string, params json.RawMessage) (any, error)

// RequestCall 记录一次 Request。
type RequestCall struct {
	Topic  string
	Method string
	Params json.RawMessage
}

// DisconnectCall 记录一次 Disconnect。
type DisconnectCall struct {
	Topic  string
	Reason relay.Reason
}

type pendingConn struct {
	topic string
	ch    chan relay.Approval
}

// Fake 为线程安全的内存中继。
type Fake struct {
	mu          sync.Mutex
	seq         uint64
	pairings    []relay.Pairing
	sessions    []relay.Record
	pending     []pendingConn
	handlers    map[string]Handler
	requests    []RequestCall
	disconnects []DisconnectCall
	connects    []relay.Requirements
	sessionQs   int
	pairingQs   int
	closed      bool
	onDelete    []func(topic string)

	// SessionsErr 非空时 Sessions 返回该错误。
	SessionsErr error
	// ConnectErr 非空时 Connect 返回该错误。
	ConnectErr error
}

var (
	_ relay.Client        = (*Fake)(nil)
	_ relay.SessionEvents = (*Fake)(nil)
)

// New 创建空的 Fake。
func New() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle 注册方法处理器。
func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *Fake) Pairings(context.Context) ([]relay.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, relay.ErrClosed
	}
	f.pairingQs++
	return append([]relay.Pairing(nil), f.pairings...), nil
}

func (f *Fake) Sessions(context.Context) ([]relay.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, relay.ErrClosed
	}
	f.sessionQs++
	if f.SessionsErr != nil {
		return nil, f.SessionsErr
	}
	return append([]relay.Record(nil), f.sessions...), nil
}

func (f *Fake) Connect(_ context.Context, req relay.Requirements) (*relay.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, relay.ErrClosed
	}
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	f.seq++
	topic := fmt.Sprintf("pairing-%d", f.seq)
	f.pairings = append(f.pairings, relay.Pairing{Topic: topic, Expiry: time.Now().Add(5 * time.Minute)})
	ch := make(chan relay.Approval, 1)
	f.pending = append(f.pending, pendingConn{topic: topic, ch: ch})
	f.connects = append(f.connects, req)
	return &relay.Connection{
		URI:      fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%064x", topic, f.seq),
		Approval: ch,
	}, nil
}

func (f *Fake) Request(ctx context.Context, topic, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return relay.ErrClosed
	}
	f.requests = append(f.requests, RequestCall{Topic: topic, Method: method, Params: raw})
	known := false
	for _, s := range f.sessions {
		if s.Topic == topic {
			known = true
			break
		}
	}
	h := f.handlers[method]
	f.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", relay.ErrSessionNotFound, topic)
	}
	if h == nil {
		return fmt.Errorf("method not supported: %s", method)
	}
	out, err := h(ctx, topic, raw)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, result)
}

func (f *Fake) Disconnect(_ context.Context, topic string, reason relay.Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, DisconnectCall{Topic: topic, Reason: reason})
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.Topic != topic {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// AddSession 模拟钱包批准后会话出现在中继中，不经过 Approval 通道。
func (f *Fake) AddSession(accounts ...string) relay.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addSessionLocked(accounts)
}

// Approve 批准最早一个未答复的连接，并通过其 Approval 通道通知。
func (f *Fake) Approve(accounts ...string) (relay.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return relay.Record{}, fmt.Errorf("no pending connection")
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	rec := f.addSessionLocked(accounts)
	p.ch <- relay.Approval{Record: &rec}
	close(p.ch)
	return rec, nil
}

// Reject 以 err 答复最早一个未答复的连接。
func (f *Fake) Reject(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return fmt.Errorf("no pending connection")
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	p.ch <- relay.Approval{Err: err}
	close(p.ch)
	return nil
}

// OnSessionDelete 注册会话删除回调。
func (f *Fake) OnSessionDelete(fn func(topic string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDelete = append(f.onDelete, fn)
}

// DeleteSession 模拟钱包端删除会话并推送 session_delete。
func (f *Fake) DeleteSession(topic string) {
	f.mu.Lock()
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.Topic != topic {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	hooks := append([]func(string){}, f.onDelete...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(topic)
	}
}

// SetExpiry 修改会话过期时间。
func (f *Fake) SetExpiry(topic string, expiry time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sessions {
		if f.sessions[i].Topic == topic {
			f.sessions[i].Expiry = expiry
		}
	}
}

func (f *Fake) addSessionLocked(accounts []string) relay.Record {
	f.seq++
	chains := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if acc, err := relay.ParseAccount(a); err == nil {
			chains = append(chains, acc.Namespace+":"+acc.ChainID)
		}
	}
	rec := relay.Record{
		Topic: fmt.Sprintf("session-%d", f.seq),
		Peer:  relay.Metadata{Name: "Test Wallet"},
		Namespaces: map[string]relay.Namespace{
			relay.NamespaceCosmos: {
				Chains:   chains,
				Methods:  []string{relay.MethodGetAccounts, relay.MethodSignDirect, relay.MethodSignAmino},
				Events:   []string{relay.EventChainChanged, relay.EventAccountsChanged},
				Accounts: append([]string(nil), accounts...),
			},
		},
		Expiry:         time.Now().Add(7 * 24 * time.Hour),
		EstablishedSeq: f.seq,
	}
	f.sessions = append(f.sessions, rec)
	return rec
}

// SessionQueries 返回 Sessions 被调用的次数。
func (f *Fake) SessionQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionQs
}

// PairingQueries 返回 Pairings 被调用的次数。
func (f *Fake) PairingQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairingQs
}

// Requests 返回收到的请求。
func (f *Fake) Requests() []RequestCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestCall(nil), f.requests...)
}

// Disconnects 返回断开记录。
func (f *Fake) Disconnects() []DisconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DisconnectCall(nil), f.disconnects...)
}

// Connects 返回收到的连接请求。
func (f *Fake) Connects() []relay.Requirements {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Requirements(nil), f.connects...)
}

// Closed 报告 Close 是否被调用。
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
