// Package remote 实现经中继连接移动端钱包的签名后端。
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
	"github.com/aegis-sign/authzsigner/pkg/validator"
)

// Config 控制远程签名的超时。
type Config struct {
	ChainID string `yaml:"chainId" envconfig:"CHAIN_ID"`
	// SignTimeout 为等待钱包签名答复的上限，超时返回 RELAY_TIMEOUT。
	SignTimeout time.Duration `yaml:"signTimeout" envconfig:"SIGN_TIMEOUT"`
	// AccountsTimeout 为刷新真实公钥时 cosmos_getAccounts 的上限。
	AccountsTimeout time.Duration `yaml:"accountsTimeout" envconfig:"ACCOUNTS_TIMEOUT"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ChainID:         "neutron-1",
		SignTimeout:     2 * time.Minute,
		AccountsTimeout: 5 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ChainID == "" {
		c.ChainID = def.ChainID
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = def.SignTimeout
	}
	if c.AccountsTimeout <= 0 {
		c.AccountsTimeout = def.AccountsTimeout
	}
	return c
}

// Backend 把签名请求转发给已配对的钱包。
type Backend struct {
	holder *relay.Holder
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	record  *relay.Record
	address string
	pubKey  []byte
}

var (
	_ signer.Backend            = (*Backend)(nil)
	_ signer.PublicKeyRefresher = (*Backend)(nil)
)

// Option 自定义 Backend。
type Option func(*Backend)

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithNow 替换时间来源，用于测试过期判断。
func WithNow(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New 构造远程后端，holder 与重连控制器共享。
func New(holder *relay.Holder, cfg Config, opts ...Option) *Backend {
	b := &Backend{
		holder: holder,
		cfg:    cfg.normalize(),
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Bind 绑定会话。只接受能解析出账户且未过期的会话。
func (b *Backend) Bind(rec relay.Record) (string, error) {
	if rec.Expired(b.now()) {
		return "", apierrors.Newf(apierrors.CodeNoActiveSession, "session %s expired at %s", rec.Topic, rec.Expiry.Format(time.RFC3339))
	}
	acc, err := relay.ResolveAccount(rec, b.cfg.ChainID)
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeNoActiveSession, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.record == nil || b.record.Topic != rec.Topic || b.address != acc.Address {
		b.pubKey = nil
	}
	r := rec
	b.record = &r
	b.address = acc.Address
	b.logger.WithFields(logrus.Fields{"topic": rec.Topic, "address": acc.Address}).Info("remote session bound")
	return acc.Address, nil
}

// Unbind 解除绑定。
func (b *Backend) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record = nil
	b.address = ""
	b.pubKey = nil
}

// UnbindTopic 仅在当前绑定的是 topic 时解除绑定，返回是否解除。
func (b *Backend) UnbindTopic(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.record == nil || b.record.Topic != topic {
		return false
	}
	b.record = nil
	b.address = ""
	b.pubKey = nil
	return true
}

// Record 返回当前绑定的会话。
func (b *Backend) Record() *relay.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.record == nil {
		return nil
	}
	r := *b.record
	return &r
}

// Kind 实现 signer.Backend。
func (b *Backend) Kind() signer.Kind { return signer.KindRemote }

// GetAccounts 从绑定的会话合成账户，不经过中继。公钥可能只是占位值。
func (b *Backend) GetAccounts(context.Context) ([]signer.AccountData, error) {
	_, address, pubKey, err := b.active()
	if err != nil {
		return nil, err
	}
	if len(pubKey) == 0 {
		pubKey = signer.PlaceholderPubKey()
	}
	return []signer.AccountData{{Address: address, PubKey: pubKey, Algo: signer.Algorithm}}, nil
}

// SignDirect 通过中继请求钱包签名，等待至多 SignTimeout。
func (b *Backend) SignDirect(ctx context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error) {
	if err := signer.ValidateSignDoc(doc); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	rec, address, _, err := b.active()
	if err != nil {
		return nil, err
	}
	if signerAddress != address {
		return nil, apierrors.Newf(apierrors.CodeInvalidArgument, "signer %s does not match paired account %s", signerAddress, address)
	}
	client, err := b.holder.Get(ctx)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeNoActiveSession, err)
	}

	signCtx, cancel := context.WithTimeout(ctx, b.cfg.SignTimeout)
	defer cancel()
	params := signParams{
		WireSignDirectParams: signer.WireSignDirectParams{SignerAddress: signerAddress, SignDoc: signer.EncodeSignDoc(doc)},
		chainID:              doc.ChainId,
	}
	var res signer.WireSignDirectResult
	start := b.now()
	if err := client.Request(signCtx, rec.Topic, relay.MethodSignDirect, params, &res); err != nil {
		return nil, b.mapRequestErr(signCtx, err)
	}
	resp, err := signer.DecodeSignResult(res, doc)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeSigningDeclined, "wallet returned a malformed signature: %v", err)
	}
	b.mu.Lock()
	if b.record != nil && b.record.Topic == rec.Topic {
		b.pubKey = append([]byte(nil), resp.Signature.PubKey...)
	}
	b.mu.Unlock()
	b.logger.WithFields(logrus.Fields{"topic": rec.Topic, "elapsed": b.now().Sub(start).String()}).Debug("remote signature received")
	return resp, nil
}

// RefreshPublicKey 通过 cosmos_getAccounts 获取真实公钥，失败时退回占位值。
func (b *Backend) RefreshPublicKey(ctx context.Context) ([]byte, error) {
	rec, address, cached, err := b.active()
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}
	client, err := b.holder.Get(ctx)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeNoActiveSession, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.AccountsTimeout)
	defer cancel()
	var accounts []signer.WireAccount
	if err := client.Request(reqCtx, rec.Topic, relay.MethodGetAccounts, struct{}{}, &accounts); err != nil {
		if errors.Is(err, relay.ErrSessionNotFound) {
			return nil, apierrors.Wrap(apierrors.CodeNoActiveSession, err)
		}
		b.logger.WithError(err).WithField("topic", rec.Topic).Warn("remote public key refresh failed, using placeholder")
		return signer.PlaceholderPubKey(), nil
	}
	for _, acc := range accounts {
		if acc.Address != address {
			continue
		}
		pub, err := validator.DecodePublicKey(acc.PubKey, validator.EncodingBase64)
		if err != nil {
			break
		}
		b.mu.Lock()
		if b.record != nil && b.record.Topic == rec.Topic {
			b.pubKey = pub
		}
		b.mu.Unlock()
		return append([]byte(nil), pub...), nil
	}
	b.logger.WithField("topic", rec.Topic).Warn("wallet did not return a usable public key, using placeholder")
	return signer.PlaceholderPubKey(), nil
}

func (b *Backend) active() (relay.Record, string, []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.record == nil {
		return relay.Record{}, "", nil, apierrors.New(apierrors.CodeNoActiveSession, "no remote wallet session is bound")
	}
	if b.record.Expired(b.now()) {
		return relay.Record{}, "", nil, apierrors.Newf(apierrors.CodeNoActiveSession, "remote session %s has expired", b.record.Topic)
	}
	return *b.record, b.address, append([]byte(nil), b.pubKey...), nil
}

func (b *Backend) mapRequestErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return apierrors.Wrap(apierrors.CodeSigningDeclined, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierrors.Newf(apierrors.CodeRelayTimeout, "remote wallet did not respond within %s", b.cfg.SignTimeout)
	}
	if errors.Is(err, relay.ErrClosed) || errors.Is(err, relay.ErrSessionNotFound) {
		return apierrors.Wrap(apierrors.CodeNoActiveSession, err)
	}
	var reqErr *relay.RequestError
	if errors.As(err, &reqErr) {
		return apierrors.Wrap(apierrors.CodeUserRejected, err)
	}
	return apierrors.Wrap(apierrors.CodeRelayTimeout, err)
}

// signParams 携带链 ID，供网关填充 chainId 字段。
type signParams struct {
	signer.WireSignDirectParams
	chainID string
}

func (p signParams) RelayChainID() string { return "cosmos:" + p.chainID }
