package stub

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
)

// SignCall 记录一次签名请求中观察到的内容。
type SignCall struct {
	Signer   string
	ChainID  string
	Memo     string
	TypeURLs []string
	Doc      *txtypes.SignDoc
}

// Backend 是一个总能签名成功的占位实现，用于测试与 dry-run。
type Backend struct {
	address string
	pubKey  []byte
	kind    signer.Kind

	mu    sync.Mutex
	err   error
	calls []SignCall
}

// New 返回一个占位 backend，实现了 signer.Backend 接口。
func New(address string, pubKey []byte) *Backend {
	if len(pubKey) == 0 {
		pubKey = signer.PlaceholderPubKey()
	}
	return &Backend{address: address, pubKey: append([]byte(nil), pubKey...), kind: signer.KindLocal}
}

// WithKind 覆盖上报的后端类型。
func (b *Backend) WithKind(kind signer.Kind) *Backend {
	b.kind = kind
	return b
}

// FailWith 让后续签名返回指定错误，nil 表示恢复成功。
func (b *Backend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Kind 实现 signer.Backend。
func (b *Backend) Kind() signer.Kind { return b.kind }

// GetAccounts 返回固定账户。
func (b *Backend) GetAccounts(context.Context) ([]signer.AccountData, error) {
	return []signer.AccountData{{Address: b.address, PubKey: append([]byte(nil), b.pubKey...), Algo: signer.Algorithm}}, nil
}

// SignDirect 解析交易体记录消息顺序，并返回确定性的伪签名。
func (b *Backend) SignDirect(_ context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error) {
	if err := signer.ValidateSignDoc(doc); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	call := SignCall{Signer: signerAddress, ChainID: doc.ChainId, Doc: signer.CloneSignDoc(doc)}
	var body txtypes.TxBody
	if err := body.Unmarshal(doc.BodyBytes); err == nil {
		call.Memo = body.Memo
		for _, msg := range body.Messages {
			call.TypeURLs = append(call.TypeURLs, msg.TypeUrl)
		}
	}

	b.mu.Lock()
	b.calls = append(b.calls, call)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(append(append([]byte(nil), doc.BodyBytes...), doc.AuthInfoBytes...))
	sig := make([]byte, 64)
	copy(sig, digest[:])
	copy(sig[32:], digest[:])
	return &signer.DirectSignResponse{
		Signed:    signer.CloneSignDoc(doc),
		Signature: signer.StdSignature{PubKey: append([]byte(nil), b.pubKey...), Signature: sig},
	}, nil
}

// Calls 返回已记录的签名请求副本。
func (b *Backend) Calls() []SignCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SignCall(nil), b.calls...)
}
