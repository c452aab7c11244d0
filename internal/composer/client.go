package composer

import (
	"context"

	sdkmath "cosmossdk.io/math"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"

	"github.com/aegis-sign/authzsigner/internal/signer"
)

// Client 把组装与广播绑定到一个签名后端，是上层唯一需要的交易入口。
type Client struct {
	composer    *Composer
	broadcaster *Broadcaster
	backend     signer.Backend
	onRegister  func(ctx context.Context, txHash string)
}

// ClientOption 自定义 Client。
type ClientOption func(*Client)

// WithRegisterHook 在注册交易成功后回调。
func WithRegisterHook(fn func(ctx context.Context, txHash string)) ClientOption {
	return func(c *Client) { c.onRegister = fn }
}

// NewClient 绑定后端。
func NewClient(composer *Composer, broadcaster *Broadcaster, backend signer.Backend, opts ...ClientOption) *Client {
	c := &Client{composer: composer, broadcaster: broadcaster, backend: backend}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Backend 返回绑定的签名后端。
func (c *Client) Backend() signer.Backend { return c.backend }

// Address 返回签名账户地址。
func (c *Client) Address(ctx context.Context) (string, error) {
	acc, err := signer.PrimaryAccount(ctx, c.backend)
	if err != nil {
		return "", signingError(err)
	}
	return acc.Address, nil
}

// Register 在一笔交易里授予合约花费额度并登记 Telegram 账号。
func (c *Client) Register(ctx context.Context, tgHandle string, limit sdkmath.Int) (string, error) {
	granter, err := c.Address(ctx)
	if err != nil {
		return "", err
	}
	contract := c.composer.Config().ContractAddress
	action, err := c.composer.RegisterSendAction(granter, tgHandle)
	if err != nil {
		return "", err
	}
	msgs, err := c.composer.ComposeGrantAndAction(granter, contract, limit, "", action)
	if err != nil {
		return "", err
	}
	txHash, err := c.broadcaster.Broadcast(ctx, msgs, MemoRegister, c.backend)
	if err != nil {
		return "", err
	}
	if c.onRegister != nil {
		c.onRegister(ctx, txHash)
	}
	return txHash, nil
}

// UpdateLimit 先撤销再重新授权。
func (c *Client) UpdateLimit(ctx context.Context, limit sdkmath.Int) (string, error) {
	granter, err := c.Address(ctx)
	if err != nil {
		return "", err
	}
	msgs, err := c.composer.ComposeLimitUpdate(granter, c.composer.Config().ContractAddress, limit, "")
	if err != nil {
		return "", err
	}
	return c.broadcaster.Broadcast(ctx, msgs, MemoUpdateLimit, c.backend)
}

// Revoke 撤销合约的花费授权。
func (c *Client) Revoke(ctx context.Context) (string, error) {
	granter, err := c.Address(ctx)
	if err != nil {
		return "", err
	}
	msg, err := c.composer.ComposeRevoke(granter, c.composer.Config().ContractAddress)
	if err != nil {
		return "", err
	}
	return c.broadcaster.Broadcast(ctx, []*codectypes.Any{msg}, MemoRevoke, c.backend)
}
