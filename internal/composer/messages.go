// Package composer 组装授权相关的有序消息序列，并交给当前签名后端签名广播。
package composer

import (
	"encoding/json"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/x/authz"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aegis-sign/authzsigner/pkg/apierrors"
	"github.com/aegis-sign/authzsigner/pkg/validator"
)

// Composer 生成消息，不做任何 I/O。
type Composer struct {
	cfg Config
	now func() time.Time
}

// Option 自定义 Composer。
type Option func(*Composer)

// WithNow 注入时间来源，决定授权过期时间。
func WithNow(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

// New 创建 Composer。
func New(cfg Config, opts ...Option) *Composer {
	c := &Composer{cfg: cfg.normalize(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Config 返回生效配置。
func (c *Composer) Config() Config { return c.cfg }

// ComposeGrantAndAction 返回 [MsgGrant, action]，授权必须排在依赖它的动作之前。
func (c *Composer) ComposeGrantAndAction(granter, grantee string, limit sdkmath.Int, denom string, action *codectypes.Any) ([]*codectypes.Any, error) {
	if action == nil || action.TypeUrl == "" {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "action message is required")
	}
	grant, err := c.grant(granter, grantee, limit, denom)
	if err != nil {
		return nil, err
	}
	return []*codectypes.Any{grant, action}, nil
}

// ComposeLimitUpdate 返回 [MsgRevoke, MsgGrant]，授权不支持原地修改。
func (c *Composer) ComposeLimitUpdate(granter, grantee string, limit sdkmath.Int, denom string) ([]*codectypes.Any, error) {
	revoke, err := c.ComposeRevoke(granter, grantee)
	if err != nil {
		return nil, err
	}
	grant, err := c.grant(granter, grantee, limit, denom)
	if err != nil {
		return nil, err
	}
	return []*codectypes.Any{revoke, grant}, nil
}

// ComposeRevoke 撤销针对 MsgSend 的授权。
func (c *Composer) ComposeRevoke(granter, grantee string) (*codectypes.Any, error) {
	if err := c.validateParties(granter, grantee); err != nil {
		return nil, err
	}
	msg := &authz.MsgRevoke{Granter: granter, Grantee: grantee, MsgTypeUrl: TypeURLMsgSend}
	return pack(msg)
}

// RegisterSendAction 构造 register_send 合约调用，不附带资金。
func (c *Composer) RegisterSendAction(sender, tgHandle string) (*codectypes.Any, error) {
	if strings.TrimSpace(tgHandle) == "" {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "telegram handle is required")
	}
	if err := c.validateParties(sender, c.cfg.ContractAddress); err != nil {
		return nil, err
	}
	payload := map[string]any{"register_send": map[string]string{"tg_handle": tgHandle}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, err)
	}
	return &codectypes.Any{
		TypeUrl: TypeURLExecuteContract,
		Value:   EncodeExecuteContract(sender, c.cfg.ContractAddress, raw, nil),
	}, nil
}

func (c *Composer) grant(granter, grantee string, limit sdkmath.Int, denom string) (*codectypes.Any, error) {
	if err := c.validateParties(granter, grantee); err != nil {
		return nil, err
	}
	if denom == "" {
		denom = c.cfg.Denom
	}
	if limit.IsNil() || !limit.IsPositive() {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "spend limit must be positive")
	}
	coin := sdk.Coin{Denom: denom, Amount: limit}
	if err := coin.Validate(); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	authorization, err := codectypes.NewAnyWithValue(&banktypes.SendAuthorization{SpendLimit: sdk.NewCoins(coin)})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, err)
	}
	// 链上时间戳只保留到秒。
	expiration := c.now().Add(c.cfg.GrantTTL).UTC().Truncate(time.Second)
	return pack(&authz.MsgGrant{
		Granter: granter,
		Grantee: grantee,
		Grant:   authz.Grant{Authorization: authorization, Expiration: &expiration},
	})
}

func (c *Composer) validateParties(granter, grantee string) error {
	if _, err := validator.DecodeAddress(granter, c.cfg.AddressPrefix); err != nil {
		return apierrors.Newf(apierrors.CodeInvalidArgument, "invalid granter address: %v", err)
	}
	if _, err := validator.DecodeAddress(grantee, c.cfg.AddressPrefix); err != nil {
		return apierrors.Newf(apierrors.CodeInvalidArgument, "invalid grantee address: %v", err)
	}
	if granter == grantee {
		return apierrors.New(apierrors.CodeInvalidArgument, "granter and grantee must differ")
	}
	return nil
}

func pack(msg interface {
	ProtoMessage()
	Reset()
	String() string
}) (*codectypes.Any, error) {
	packed, err := codectypes.NewAnyWithValue(msg)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, err)
	}
	return packed, nil
}

// EncodeExecuteContract 按 cosmwasm.wasm.v1.MsgExecuteContract 的字段号手工编码：
// sender=1 contract=2 msg=3 funds=5。
func EncodeExecuteContract(sender, contract string, msg []byte, funds sdk.Coins) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, sender)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, contract)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	for i := range funds {
		bz, err := funds[i].Marshal()
		if err != nil {
			continue
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, bz)
	}
	return b
}

// ParseDisplayAmount 将 NTRN 显示金额换算为 untrn，不接受小于 1 untrn 的精度。
func ParseDisplayAmount(display string) (sdkmath.Int, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return sdkmath.Int{}, apierrors.New(apierrors.CodeInvalidArgument, "amount is required")
	}
	dec, err := sdk.NewDecFromStr(display)
	if err != nil {
		return sdkmath.Int{}, apierrors.Newf(apierrors.CodeInvalidArgument, "invalid amount %q", display)
	}
	micro := dec.MulInt64(MicroPerDisplay)
	if !micro.IsInteger() {
		return sdkmath.Int{}, apierrors.Newf(apierrors.CodeInvalidArgument, "amount %q is more precise than 1 micro unit", display)
	}
	if !micro.IsPositive() {
		return sdkmath.Int{}, apierrors.New(apierrors.CodeInvalidArgument, "amount must be positive")
	}
	return micro.TruncateInt(), nil
}
