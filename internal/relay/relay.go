// Package relay 定义远程钱包中继传输的契约。中继协议本身由外部网关实现，
// 这里只描述签名子系统需要的最小能力。
package relay

import (
	"context"
	"errors"
	"time"
)

const (
	// NamespaceCosmos 为 Cosmos 链使用的命名空间。
	NamespaceCosmos = "cosmos"

	MethodGetAccounts = "cosmos_getAccounts"
	MethodSignDirect  = "cosmos_signDirect"
	MethodSignAmino   = "cosmos_signAmino"

	EventChainChanged    = "chainChanged"
	EventAccountsChanged = "accountsChanged"
)

var (
	// ErrClosed 表示客户端已关闭。
	ErrClosed = errors.New("relay client closed")
	// ErrSessionNotFound 表示中继不再持有该 topic 的会话。
	ErrSessionNotFound = errors.New("relay session not found")
)

// Metadata 描述对端钱包。
type Metadata struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	URL         string   `json:"url,omitempty" yaml:"url,omitempty"`
	Icons       []string `json:"icons,omitempty" yaml:"icons,omitempty"`
}

// Namespace 为某个命名空间下的链、方法、事件与账户集合。
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods,omitempty"`
	Events   []string `json:"events,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

// Pairing 为中继层的配对记录。
type Pairing struct {
	Topic  string    `json:"topic"`
	Expiry time.Time `json:"expiry"`
	Active bool      `json:"active"`
	Peer   Metadata  `json:"peer"`
}

// Requirements 为发起连接时要求钱包支持的命名空间。
type Requirements struct {
	Namespaces map[string]Namespace `json:"requiredNamespaces"`
}

// CosmosRequirements 返回单链 Cosmos 连接所需的命名空间。
func CosmosRequirements(chainID string) Requirements {
	return Requirements{Namespaces: map[string]Namespace{
		NamespaceCosmos: {
			Chains:  []string{NamespaceCosmos + ":" + chainID},
			Methods: []string{MethodGetAccounts, MethodSignDirect, MethodSignAmino},
			Events:  []string{EventChainChanged, EventAccountsChanged},
		},
	}}
}

// Approval 为钱包对一次连接请求的最终答复。
type Approval struct {
	Record *Record
	Err    error
}

// Connection 为新发起的连接，URI 交给钱包扫码，Approval 在钱包答复后写入一次。
type Connection struct {
	URI      string
	Approval <-chan Approval
}

// Reason 为断开会话的原因。
type Reason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var (
	ReasonNewConnection    = Reason{Code: 6000, Message: "Starting new connection"}
	ReasonUserDisconnected = Reason{Code: 6000, Message: "User disconnected"}
)

// Client 是中继传输客户端。实现需并发安全。
type Client interface {
	Pairings(ctx context.Context) ([]Pairing, error)
	Sessions(ctx context.Context) ([]Record, error)
	Connect(ctx context.Context, req Requirements) (*Connection, error)
	// Request 向会话对端发送请求，result 为 nil 时丢弃结果。
	Request(ctx context.Context, topic, method string, params, result any) error
	Disconnect(ctx context.Context, topic string, reason Reason) error
	Close() error
}

// RequestError 为钱包对请求的拒绝答复。网关自身的故障不使用该类型。
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// SessionEvents 由能够推送会话删除事件的客户端实现。
type SessionEvents interface {
	OnSessionDelete(fn func(topic string))
}
