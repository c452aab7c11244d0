// Package extension 实现委托给浏览器钱包扩展的签名后端。
package extension

import (
	"context"
	"errors"
	"sync"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

var (
	// ErrNotInstalled 表示未检测到钱包扩展。
	ErrNotInstalled = errors.New("wallet extension is not installed")
	// ErrRejected 表示用户拒绝了授权或签名。
	ErrRejected = errors.New("Request rejected")
)

// Key 为扩展返回的当前账户。
type Key struct {
	Name         string
	Address      string
	PubKey       []byte
	Algo         string
	IsNanoLedger bool
}

// OfflineSigner 为扩展针对某条链提供的签名器。
type OfflineSigner interface {
	GetAccounts(ctx context.Context) ([]signer.AccountData, error)
	SignDirect(ctx context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error)
}

// Provider 为已安装钱包扩展暴露的能力。Enable 首次调用可能阻塞到用户答复授权弹窗。
type Provider interface {
	Enable(ctx context.Context, chainID string) error
	GetKey(ctx context.Context, chainID string) (Key, error)
	OfflineSigner(chainID string) OfflineSigner
}

// Backend 把账户查询与签名转交给扩展。
type Backend struct {
	provider Provider
	chainID  string
	logger   logrus.FieldLogger

	mu      sync.Mutex
	enabled bool
}

var _ signer.Backend = (*Backend)(nil)

// New 构造扩展后端，provider 为 nil 表示未安装。
func New(provider Provider, chainID string, logger logrus.FieldLogger) *Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{provider: provider, chainID: chainID, logger: logger}
}

// Kind 实现 signer.Backend。
func (b *Backend) Kind() signer.Kind { return signer.KindExtension }

// Connect 请求授权并返回扩展当前账户。
func (b *Backend) Connect(ctx context.Context) (Key, error) {
	if err := b.enable(ctx); err != nil {
		return Key{}, err
	}
	key, err := b.provider.GetKey(ctx, b.chainID)
	if err != nil {
		return Key{}, mapErr(err, apierrors.CodeExtensionNotFound)
	}
	b.logger.WithFields(logrus.Fields{"address": key.Address, "wallet": key.Name}).Info("extension account connected")
	return key, nil
}

// GetAccounts 可能触发授权弹窗。
func (b *Backend) GetAccounts(ctx context.Context) ([]signer.AccountData, error) {
	if err := b.enable(ctx); err != nil {
		return nil, err
	}
	accounts, err := b.provider.OfflineSigner(b.chainID).GetAccounts(ctx)
	if err != nil {
		return nil, mapErr(err, apierrors.CodeExtensionNotFound)
	}
	return accounts, nil
}

// SignDirect 由扩展弹窗请求用户确认。
func (b *Backend) SignDirect(ctx context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error) {
	if err := signer.ValidateSignDoc(doc); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	if err := b.enable(ctx); err != nil {
		return nil, err
	}
	resp, err := b.provider.OfflineSigner(b.chainID).SignDirect(ctx, signerAddress, doc)
	if err != nil {
		return nil, mapErr(err, apierrors.CodeSigningDeclined)
	}
	return resp, nil
}

func (b *Backend) enable(ctx context.Context) error {
	if b.provider == nil {
		return apierrors.New(apierrors.CodeExtensionNotFound, "Please install Keplr extension")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	if err := b.provider.Enable(ctx, b.chainID); err != nil {
		return mapErr(err, apierrors.CodeExtensionNotFound)
	}
	b.enabled = true
	return nil
}

// mapErr 按哨兵错误映射为统一错误码，不解析错误文本。无法识别时使用 fallback。
func mapErr(err error, fallback apierrors.Code) error {
	if _, ok := apierrors.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotInstalled):
		return apierrors.Wrap(apierrors.CodeExtensionNotFound, err)
	case errors.Is(err, ErrRejected):
		return apierrors.Wrap(apierrors.CodeUserRejected, err)
	default:
		return apierrors.Wrap(fallback, err)
	}
}
