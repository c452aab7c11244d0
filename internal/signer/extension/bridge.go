package extension

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/validator"
)

// 桥接页约定的错误码。
const (
	bridgeCodeRejected     = 4001
	bridgeCodeNotInstalled = 4100
)

// BridgeProvider 通过 websocket JSON-RPC 连接浏览器桥接页，由桥接页调用 window.keplr。
// 连接在首次使用时建立，拨号失败视为扩展未安装。
type BridgeProvider struct {
	cfg     rpcconn.Config
	logger  logrus.FieldLogger
	metrics *rpcconn.Metrics

	mu   sync.Mutex
	conn *rpcconn.Conn
}

var _ Provider = (*BridgeProvider)(nil)

// NewBridgeProvider 创建桥接 Provider。metrics 为 nil 时注册到全局注册器。
func NewBridgeProvider(cfg rpcconn.Config, logger logrus.FieldLogger, metrics *rpcconn.Metrics) *BridgeProvider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = rpcconn.NewMetrics(nil)
	}
	return &BridgeProvider{cfg: cfg, logger: logger, metrics: metrics}
}

type chainParams struct {
	ChainID string `json:"chainId"`
}

type bridgeKey struct {
	Name          string `json:"name"`
	Algo          string `json:"algo"`
	PubKey        string `json:"pubKey"`
	Bech32Address string `json:"bech32Address"`
	IsNanoLedger  bool   `json:"isNanoLedger"`
}

type bridgeSignParams struct {
	ChainID string `json:"chainId"`
	signer.WireSignDirectParams
}

func (p *BridgeProvider) call(ctx context.Context, method string, params, result any) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	err = conn.Call(ctx, method, params, result)
	var rpcErr *rpcconn.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case bridgeCodeRejected:
			return ErrRejected
		case bridgeCodeNotInstalled:
			return ErrNotInstalled
		}
		return errors.New(rpcErr.Message)
	}
	return err
}

func (p *BridgeProvider) connect(ctx context.Context) (*rpcconn.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	if p.cfg.URL == "" {
		return nil, ErrNotInstalled
	}
	conn, err := rpcconn.Dial(ctx, p.cfg, rpcconn.WithLogger(p.logger), rpcconn.WithMetrics(p.metrics), rpcconn.WithLabel("extension"))
	if err != nil {
		p.logger.WithError(err).Warn("extension bridge unreachable")
		return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	p.conn = conn
	return conn, nil
}

// Enable 请求扩展授权当前站点访问 chainID。
func (p *BridgeProvider) Enable(ctx context.Context, chainID string) error {
	return p.call(ctx, "keplr_enable", chainParams{ChainID: chainID}, nil)
}

// GetKey 返回扩展当前账户。
func (p *BridgeProvider) GetKey(ctx context.Context, chainID string) (Key, error) {
	var k bridgeKey
	if err := p.call(ctx, "keplr_getKey", chainParams{ChainID: chainID}, &k); err != nil {
		return Key{}, err
	}
	pub, err := validator.DecodePublicKey(k.PubKey, validator.EncodingBase64)
	if err != nil {
		return Key{}, err
	}
	return Key{Name: k.Name, Address: k.Bech32Address, PubKey: pub, Algo: k.Algo, IsNanoLedger: k.IsNanoLedger}, nil
}

// OfflineSigner 返回 chainID 的签名器。
func (p *BridgeProvider) OfflineSigner(chainID string) OfflineSigner {
	return &bridgeSigner{provider: p, chainID: chainID}
}

// Close 关闭桥接连接。
func (p *BridgeProvider) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

type bridgeSigner struct {
	provider *BridgeProvider
	chainID  string
}

func (s *bridgeSigner) GetAccounts(ctx context.Context) ([]signer.AccountData, error) {
	var raw []signer.WireAccount
	if err := s.provider.call(ctx, "keplr_getAccounts", chainParams{ChainID: s.chainID}, &raw); err != nil {
		return nil, err
	}
	out := make([]signer.AccountData, 0, len(raw))
	for _, a := range raw {
		pub, err := base64.StdEncoding.DecodeString(a.PubKey)
		if err != nil {
			return nil, eris.Wrapf(err, "decode pubkey of %s", a.Address)
		}
		out = append(out, signer.AccountData{Address: a.Address, PubKey: pub, Algo: a.Algo})
	}
	return out, nil
}

func (s *bridgeSigner) SignDirect(ctx context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error) {
	var res signer.WireSignDirectResult
	params := bridgeSignParams{
		ChainID:              s.chainID,
		WireSignDirectParams: signer.WireSignDirectParams{SignerAddress: signerAddress, SignDoc: signer.EncodeSignDoc(doc)},
	}
	if err := s.provider.call(ctx, "keplr_signDirect", params, &res); err != nil {
		return nil, err
	}
	return signer.DecodeSignResult(res, doc)
}
