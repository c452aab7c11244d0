package composer

import (
	"context"
	"errors"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/status"

	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// Chain 为链上提交端点。
type Chain interface {
	Account(ctx context.Context, address string) (number, sequence uint64, err error)
	Simulate(ctx context.Context, txBytes []byte) (gasUsed uint64, err error)
	BroadcastTx(ctx context.Context, txBytes []byte) (*sdk.TxResponse, error)
}

// Broadcaster 负责手续费估算、SIGN_MODE_DIRECT 签名与同步广播，不做任何重试。
type Broadcaster struct {
	chain   Chain
	cfg     Config
	price   sdk.DecCoin
	adjust  sdk.Dec
	logger  logrus.FieldLogger
	metrics *Metrics
}

// BroadcasterOption 自定义 Broadcaster。
type BroadcasterOption func(*Broadcaster)

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithMetrics 注入指标。
func WithMetrics(m *Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster 解析 gas 价格与调整系数。
func NewBroadcaster(chain Chain, cfg Config, opts ...BroadcasterOption) (*Broadcaster, error) {
	cfg = cfg.normalize()
	price, err := sdk.ParseDecCoin(cfg.GasPrice)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeInvalidArgument, "invalid gas price %q: %v", cfg.GasPrice, err)
	}
	adjust, err := sdk.NewDecFromStr(strconv.FormatFloat(cfg.GasAdjustment, 'f', -1, 64))
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeInvalidArgument, "invalid gas adjustment: %v", err)
	}
	b := &Broadcaster{
		chain:  chain,
		cfg:    cfg,
		price:  price,
		adjust: adjust,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Fee 按 gasUsed × 调整系数 × gas 价格计算手续费，结果向上取整。
func (b *Broadcaster) Fee(gasUsed uint64) (uint64, sdk.Coins) {
	gasLimit := sdk.NewDecFromInt(sdkmath.NewIntFromUint64(gasUsed)).Mul(b.adjust).Ceil().TruncateInt()
	amount := b.price.Amount.MulInt(gasLimit).Ceil().TruncateInt()
	return gasLimit.Uint64(), sdk.NewCoins(sdk.NewCoin(b.price.Denom, amount))
}

// Broadcast 用 backend 签名 msgs 并提交，返回交易哈希。消息顺序保持不变。
func (b *Broadcaster) Broadcast(ctx context.Context, msgs []*codectypes.Any, memo string, backend signer.Backend) (txHash string, err error) {
	start := time.Now()
	defer func() { b.metrics.observe(err, time.Since(start)) }()

	if len(msgs) == 0 {
		return "", apierrors.New(apierrors.CodeInvalidArgument, "at least one message is required")
	}
	if backend == nil {
		return "", apierrors.New(apierrors.CodeNoActiveSession, "no signing backend is active")
	}
	account, err := signer.PrimaryAccount(ctx, backend)
	if err != nil {
		return "", signingError(err)
	}
	pubKey := account.PubKey
	if refresher, ok := backend.(signer.PublicKeyRefresher); ok {
		if pk, rerr := refresher.RefreshPublicKey(ctx); rerr == nil && len(pk) > 0 {
			pubKey = pk
		} else if rerr != nil {
			b.logger.WithError(rerr).WithField("address", account.Address).Warn("refresh public key failed, using cached key")
		}
	}
	log := b.logger.WithFields(logrus.Fields{"address": account.Address, "backend": backend.Kind().String(), "msgs": len(msgs)})

	number, sequence, err := b.chain.Account(ctx, account.Address)
	if err != nil {
		return "", chainError(err)
	}
	bodyBytes, err := (&txtypes.TxBody{Messages: msgs, Memo: memo}).Marshal()
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeInternal, err)
	}

	simAuth, err := authInfo(pubKey, sequence, 0, nil)
	if err != nil {
		return "", err
	}
	simTx, err := (&txtypes.TxRaw{BodyBytes: bodyBytes, AuthInfoBytes: simAuth, Signatures: [][]byte{{}}}).Marshal()
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeInternal, err)
	}
	gasUsed, err := b.chain.Simulate(ctx, simTx)
	if err != nil {
		return "", chainError(err)
	}
	gasLimit, fee := b.Fee(gasUsed)

	authBytes, err := authInfo(pubKey, sequence, gasLimit, fee)
	if err != nil {
		return "", err
	}
	doc := &txtypes.SignDoc{
		BodyBytes:     bodyBytes,
		AuthInfoBytes: authBytes,
		ChainId:       b.cfg.ChainID,
		AccountNumber: number,
	}
	signed, err := backend.SignDirect(ctx, account.Address, doc)
	if err != nil {
		log.WithError(err).Warn("signing declined")
		return "", signingError(err)
	}
	if signed == nil || signed.Signed == nil || len(signed.Signature.Signature) == 0 {
		return "", apierrors.New(apierrors.CodeSigningDeclined, "backend returned no signature")
	}

	txBytes, err := (&txtypes.TxRaw{
		BodyBytes:     signed.Signed.BodyBytes,
		AuthInfoBytes: signed.Signed.AuthInfoBytes,
		Signatures:    [][]byte{signed.Signature.Signature},
	}).Marshal()
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeInternal, err)
	}
	res, err := b.chain.BroadcastTx(ctx, txBytes)
	if err != nil {
		return "", chainError(err)
	}
	if res == nil {
		return "", apierrors.New(apierrors.CodeBroadcastRejected, "empty broadcast response")
	}
	if res.Code != 0 {
		log.WithFields(logrus.Fields{"code": res.Code, "codespace": res.Codespace, "tx_hash": res.TxHash}).Warn("broadcast rejected")
		return "", apierrors.New(apierrors.CodeBroadcastRejected, res.RawLog)
	}
	log.WithFields(logrus.Fields{"tx_hash": res.TxHash, "gas_limit": gasLimit}).Info("transaction broadcast")
	return res.TxHash, nil
}

func authInfo(pubKey []byte, sequence, gasLimit uint64, fee sdk.Coins) ([]byte, error) {
	pk, err := codectypes.NewAnyWithValue(&secp256k1.PubKey{Key: pubKey})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, err)
	}
	info := &txtypes.AuthInfo{
		SignerInfos: []*txtypes.SignerInfo{{
			PublicKey: pk,
			ModeInfo: &txtypes.ModeInfo{Sum: &txtypes.ModeInfo_Single_{
				Single: &txtypes.ModeInfo_Single{Mode: signing.SignMode_SIGN_MODE_DIRECT},
			}},
			Sequence: sequence,
		}},
		Fee: &txtypes.Fee{Amount: fee, GasLimit: gasLimit},
	}
	bz, err := info.Marshal()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, err)
	}
	return bz, nil
}

// signingError 保留后端已经分类的错误码，其余归为 SigningDeclined。
func signingError(err error) error {
	if _, ok := apierrors.FromError(err); ok {
		return err
	}
	return apierrors.Wrap(apierrors.CodeSigningDeclined, err)
}

// chainError 将链端失败原样上报为 BroadcastRejected。
func chainError(err error) error {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		return err
	}
	if s, ok := status.FromError(err); ok {
		return apierrors.New(apierrors.CodeBroadcastRejected, s.Message())
	}
	return apierrors.Wrap(apierrors.CodeBroadcastRejected, err)
}
