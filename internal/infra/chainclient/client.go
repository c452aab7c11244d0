// Package chainclient 通过 gRPC 访问链节点：账户查询、交易模拟与同步广播。
package chainclient

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	vestingtypes "github.com/cosmos/cosmos-sdk/x/auth/vesting/types"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ErrUnavailable 表示断路器处于 open，调用未发出。
var ErrUnavailable = errors.New("chain endpoint temporarily unavailable")

// Client 封装 cosmos.tx.v1beta1.Service 与 cosmos.auth.v1beta1.Query。
type Client struct {
	cfg      Config
	conn     *grpc.ClientConn
	owned    bool
	tx       txtypes.ServiceClient
	auth     authtypes.QueryClient
	registry codectypes.InterfaceRegistry
	breaker  *circuitBreaker
	metrics  *Metrics
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Option 自定义 Client。
type Option func(*Client)

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics 注入指标。
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock 注入断路器使用的时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Dial 建立到 cfg.Endpoint 的惰性连接，Close 时关闭。
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.normalize()
	if cfg.Endpoint == "" {
		return nil, eris.New("chain endpoint is required")
	}
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, cfg.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "dial chain endpoint %s", cfg.Endpoint)
	}
	c := New(conn, cfg, opts...)
	c.owned = true
	return c, nil
}

// New 基于已有连接构造 Client，连接由调用方负责关闭。
func New(conn *grpc.ClientConn, cfg Config, opts ...Option) *Client {
	registry := codectypes.NewInterfaceRegistry()
	cryptocodec.RegisterInterfaces(registry)
	authtypes.RegisterInterfaces(registry)
	vestingtypes.RegisterInterfaces(registry)

	c := &Client{
		cfg:      cfg.normalize(),
		conn:     conn,
		tx:       txtypes.NewServiceClient(conn),
		auth:     authtypes.NewQueryClient(conn),
		registry: registry,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.breaker = newCircuitBreaker(c.cfg.Breaker.Threshold, c.cfg.Breaker.Cooldown, c.now)
	return c
}

// Account 返回账户号与当前序列号。
func (c *Client) Account(ctx context.Context, address string) (uint64, uint64, error) {
	var res *authtypes.QueryAccountResponse
	err := c.invoke(ctx, "account", func(ctx context.Context) error {
		var err error
		res, err = c.auth.Account(ctx, &authtypes.QueryAccountRequest{Address: address}, c.callOpts()...)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	var acc authtypes.AccountI
	if err := c.registry.UnpackAny(res.Account, &acc); err != nil {
		return 0, 0, eris.Wrapf(err, "decode account %s", address)
	}
	return acc.GetAccountNumber(), acc.GetSequence(), nil
}

// Simulate 返回模拟执行消耗的 gas。
func (c *Client) Simulate(ctx context.Context, txBytes []byte) (uint64, error) {
	var res *txtypes.SimulateResponse
	err := c.invoke(ctx, "simulate", func(ctx context.Context) error {
		var err error
		res, err = c.tx.Simulate(ctx, &txtypes.SimulateRequest{TxBytes: txBytes}, c.callOpts()...)
		return err
	})
	if err != nil {
		return 0, err
	}
	if res.GasInfo == nil {
		return 0, eris.New("simulate response carries no gas info")
	}
	return res.GasInfo.GasUsed, nil
}

// BroadcastTx 以同步模式提交交易，链上拒绝体现在返回的 Code 与 RawLog 中。
func (c *Client) BroadcastTx(ctx context.Context, txBytes []byte) (*sdk.TxResponse, error) {
	var res *txtypes.BroadcastTxResponse
	err := c.invoke(ctx, "broadcast", func(ctx context.Context) error {
		var err error
		res, err = c.tx.BroadcastTx(ctx, &txtypes.BroadcastTxRequest{
			TxBytes: txBytes,
			Mode:    txtypes.BroadcastMode_BROADCAST_MODE_SYNC,
		}, c.callOpts()...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.TxResponse == nil {
		return nil, eris.New("broadcast response carries no tx response")
	}
	return res.TxResponse, nil
}

// BreakerState 返回断路器状态，供调试接口展示。
func (c *Client) BreakerState() string { return string(c.breaker.current()) }

// Close 关闭自己拨号建立的连接。
func (c *Client) Close() error {
	if !c.owned || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(gogoCodec{})}
}

// invoke 统一处理超时、指标与断路器。只有传输类错误计入失败。
func (c *Client) invoke(ctx context.Context, method string, call func(context.Context) error) error {
	if !c.breaker.allow() {
		c.metrics.observe(method, "breaker_open", 0)
		return ErrUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	start := time.Now()
	err := call(callCtx)
	cancel()
	code := status.Code(err)
	c.metrics.observe(method, code.String(), time.Since(start))

	switch {
	case ctx.Err() != nil:
		c.breaker.abort()
	case code == codes.Unavailable || code == codes.DeadlineExceeded:
		if c.breaker.failure() {
			c.metrics.setOpen(true)
			c.logger.WithError(err).WithFields(logrus.Fields{"endpoint": c.cfg.Endpoint, "method": method}).Warn("chain circuit breaker opened")
		}
	default:
		c.breaker.success()
		c.metrics.setOpen(false)
	}
	return err
}
