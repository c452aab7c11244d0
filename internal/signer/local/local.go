package local

import (
	"context"
	"errors"

	"github.com/aegis-sign/authzsigner/internal/keymaterial"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
)

// Backend 直接持有内存中的 KeyMaterial，签名不依赖任何外部 I/O。
type Backend struct {
	km *keymaterial.KeyMaterial
}

// New 构造 Local 后端。
func New(km *keymaterial.KeyMaterial) (*Backend, error) {
	if km == nil {
		return nil, errors.New("key material is required")
	}
	return &Backend{km: km}, nil
}

// Kind 实现 signer.Backend。
func (b *Backend) Kind() signer.Kind { return signer.KindLocal }

// GetAccounts 同步返回派生账户。
func (b *Backend) GetAccounts(context.Context) ([]signer.AccountData, error) {
	return []signer.AccountData{{
		Address: b.km.Address(),
		PubKey:  b.km.PublicKey(),
		Algo:    signer.Algorithm,
	}}, nil
}

// SignDirect 对 SignDoc 的 protobuf 编码签名。
func (b *Backend) SignDirect(_ context.Context, signerAddress string, doc *txtypes.SignDoc) (*signer.DirectSignResponse, error) {
	if signerAddress != b.km.Address() {
		return nil, apierrors.Newf(apierrors.CodeInvalidArgument, "signer %s does not match local account %s", signerAddress, b.km.Address())
	}
	if err := signer.ValidateSignDoc(doc); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	signBytes, err := doc.Marshal()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, err)
	}
	sig, err := b.km.Sign(signBytes)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeSigningDeclined, err)
	}
	return &signer.DirectSignResponse{
		Signed: signer.CloneSignDoc(doc),
		Signature: signer.StdSignature{
			PubKey:    b.km.PublicKey(),
			Signature: sig,
		},
	}, nil
}

// Close 清零私钥，后端切换时调用。
func (b *Backend) Close() error {
	b.km.Zero()
	return nil
}
