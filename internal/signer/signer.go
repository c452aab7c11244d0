// Package signer 定义三种签名后端共享的能力契约。
package signer

import (
	"context"
	"fmt"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
)

// Kind 表示当前提供签名能力的后端类型。
type Kind string

const (
	KindNone      Kind = ""
	KindLocal     Kind = "local"
	KindExtension Kind = "extension"
	KindRemote    Kind = "remote"
)

func (k Kind) String() string {
	switch k {
	case KindLocal, KindExtension, KindRemote:
		return string(k)
	default:
		return "none"
	}
}

// ParseKind 解析持久化的后端类型提示，兼容前端历史取值。
func ParseKind(raw string) (Kind, error) {
	switch raw {
	case "local", "mnemonic":
		return KindLocal, nil
	case "extension", "keplr":
		return KindExtension, nil
	case "remote", "walletconnect":
		return KindRemote, nil
	case "":
		return KindNone, nil
	default:
		return KindNone, fmt.Errorf("unknown backend kind %q", raw)
	}
}

// Algorithm 为账户签名算法。
const Algorithm = "secp256k1"

// AccountData 为后端暴露的账户信息。Remote 后端的 PubKey 可能只是占位值。
type AccountData struct {
	Address string
	PubKey  []byte
	Algo    string
}

// StdSignature 为钱包返回的签名及其权威公钥。
type StdSignature struct {
	PubKey    []byte
	Signature []byte
}

// DirectSignResponse 为 SIGN_MODE_DIRECT 的签名结果，Signed 可能被钱包改写（例如手续费）。
type DirectSignResponse struct {
	Signed    *txtypes.SignDoc
	Signature StdSignature
}

// Backend 是所有签名后端共同实现的能力集合。
type Backend interface {
	Kind() Kind
	GetAccounts(ctx context.Context) ([]AccountData, error)
	SignDirect(ctx context.Context, signerAddress string, doc *txtypes.SignDoc) (*DirectSignResponse, error)
}

// PublicKeyRefresher 由只能在连接后拿到真实公钥的后端实现。
type PublicKeyRefresher interface {
	RefreshPublicKey(ctx context.Context) ([]byte, error)
}

// PrimaryAccount 返回后端的第一个账户。
func PrimaryAccount(ctx context.Context, b Backend) (AccountData, error) {
	if b == nil {
		return AccountData{}, fmt.Errorf("signing backend is nil")
	}
	accounts, err := b.GetAccounts(ctx)
	if err != nil {
		return AccountData{}, err
	}
	if len(accounts) == 0 {
		return AccountData{}, fmt.Errorf("%s backend exposes no accounts", b.Kind())
	}
	return accounts[0], nil
}

// CloneSignDoc 复制 SignDoc，避免后端之间共享底层切片。
func CloneSignDoc(doc *txtypes.SignDoc) *txtypes.SignDoc {
	if doc == nil {
		return nil
	}
	return &txtypes.SignDoc{
		BodyBytes:     append([]byte(nil), doc.BodyBytes...),
		AuthInfoBytes: append([]byte(nil), doc.AuthInfoBytes...),
		ChainId:       doc.ChainId,
		AccountNumber: doc.AccountNumber,
	}
}

// ValidateSignDoc 检查签名请求的基本形状。
func ValidateSignDoc(doc *txtypes.SignDoc) error {
	switch {
	case doc == nil:
		return fmt.Errorf("sign doc is required")
	case len(doc.BodyBytes) == 0:
		return fmt.Errorf("sign doc body is empty")
	case len(doc.AuthInfoBytes) == 0:
		return fmt.Errorf("sign doc auth info is empty")
	case doc.ChainId == "":
		return fmt.Errorf("sign doc chain id is empty")
	}
	return nil
}

// PlaceholderPubKeyLength 为压缩 secp256k1 公钥长度。
const PlaceholderPubKeyLength = 33

// PlaceholderPubKey 返回 0x02 开头、其余为零的占位公钥，不具备密码学意义。
func PlaceholderPubKey() []byte {
	pk := make([]byte, PlaceholderPubKeyLength)
	pk[0] = 0x02
	return pk
}

// IsPlaceholderPubKey 判断公钥是否为占位值。
func IsPlaceholderPubKey(pk []byte) bool {
	if len(pk) != PlaceholderPubKeyLength || pk[0] != 0x02 {
		return false
	}
	for _, b := range pk[1:] {
		if b != 0 {
			return false
		}
	}
	return true
}
