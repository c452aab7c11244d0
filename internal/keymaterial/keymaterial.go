// Package keymaterial 负责助记词生成、导入以及派生 secp256k1 密钥。
package keymaterial

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"strings"

	"github.com/aegis-sign/authzsigner/pkg/apierrors"
	"github.com/aegis-sign/authzsigner/pkg/validator"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	"github.com/cosmos/go-bip39"
)

const (
	// WordCount 为助记词固定词数。
	WordCount = 24
	// DefaultPrefix 为 Neutron 地址前缀。
	DefaultPrefix = "neutron"
	// CoinType 为 Cosmos 系统一的 BIP44 coin type。
	CoinType = 118
	// Algorithm 为派生密钥的签名算法标识。
	Algorithm = "secp256k1"

	entropyBits = 256
)

// Params 控制派生路径与地址前缀。
type Params struct {
	Prefix   string
	CoinType uint32
	Account  uint32
	Index    uint32
}

// DefaultParams 返回 m/44'/118'/0'/0/0 + neutron 前缀。
func DefaultParams() Params {
	return Params{Prefix: DefaultPrefix, CoinType: CoinType}
}

// HDPath 返回 BIP44 派生路径字符串。
func (p Params) HDPath() string {
	return hd.CreateHDPath(p.CoinType, p.Account, p.Index).String()
}

func (p Params) normalize() Params {
	if p.Prefix == "" {
		p.Prefix = DefaultPrefix
	}
	if p.CoinType == 0 {
		p.CoinType = CoinType
	}
	return p
}

// KeyMaterial 持有助记词及其派生结果，私钥只存在于内存中。
type KeyMaterial struct {
	phrase    []string
	address   string
	publicKey []byte
	priv      *secp256k1.PrivKey
}

// Generate 使用安全随机源生成 24 词助记词。
func Generate() (*KeyMaterial, error) {
	return GenerateWithParams(DefaultParams())
}

// GenerateWithParams 使用指定参数生成助记词。
func GenerateWithParams(params Params) (*KeyMaterial, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDerivationFailure, err)
	}
	defer secureZero(entropy)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDerivationFailure, err)
	}
	return derive(strings.Fields(mnemonic), params.normalize())
}

// ImportFromPhrase 校验并导入助记词，相同输入始终得到相同地址。
func ImportFromPhrase(phrase string) (*KeyMaterial, error) {
	return ImportWithParams(phrase, DefaultParams())
}

// ImportWithParams 使用指定参数导入助记词。
func ImportWithParams(phrase string, params Params) (*KeyMaterial, error) {
	words := NormalizePhrase(phrase)
	if len(words) != WordCount {
		return nil, apierrors.Newf(apierrors.CodeInvalidPhrase, "recovery phrase must have %d words, got %d", WordCount, len(words))
	}
	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return nil, apierrors.New(apierrors.CodeInvalidPhrase, "recovery phrase failed wordlist or checksum validation")
	}
	return derive(words, params.normalize())
}

// NormalizePhrase 统一大小写并按空白切分。
func NormalizePhrase(phrase string) []string {
	return strings.Fields(strings.ToLower(phrase))
}

// ValidateAddress 校验地址前缀与 20 字节负载，非法输入返回 false。
func ValidateAddress(address, expectedPrefix string) bool {
	return validator.ValidateAddress(address, expectedPrefix)
}

func derive(words []string, params Params) (*KeyMaterial, error) {
	mnemonic := strings.Join(words, " ")
	seedKey, err := hd.Secp256k1.Derive()(mnemonic, "", params.HDPath())
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDerivationFailure, err)
	}
	defer secureZero(seedKey)
	priv, ok := hd.Secp256k1.Generate()(seedKey).(*secp256k1.PrivKey)
	if !ok {
		return nil, apierrors.New(apierrors.CodeDerivationFailure, "unexpected private key type")
	}
	pub := priv.PubKey()
	address, err := validator.EncodeAddress(params.Prefix, pub.Address())
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDerivationFailure, err)
	}
	return &KeyMaterial{
		phrase:    append([]string(nil), words...),
		address:   address,
		publicKey: append([]byte(nil), pub.Bytes()...),
		priv:      priv,
	}, nil
}

// Address 返回派生地址。
func (k *KeyMaterial) Address() string {
	if k == nil {
		return ""
	}
	return k.address
}

// PublicKey 返回 33 字节压缩公钥副本。
func (k *KeyMaterial) PublicKey() []byte {
	if k == nil {
		return nil
	}
	return append([]byte(nil), k.publicKey...)
}

// Words 返回助记词副本。
func (k *KeyMaterial) Words() []string {
	if k == nil {
		return nil
	}
	return append([]string(nil), k.phrase...)
}

// Phrase 返回以空格连接的助记词。
func (k *KeyMaterial) Phrase() string {
	return strings.Join(k.Words(), " ")
}

var errZeroed = errors.New("key material has been zeroed")

// Sign 对消息做 SHA-256 后签名，返回 64 字节 R||S。
func (k *KeyMaterial) Sign(msg []byte) ([]byte, error) {
	if k == nil || k.priv == nil || len(k.priv.Key) == 0 {
		return nil, errZeroed
	}
	return k.priv.Sign(msg)
}

// Verify 使用派生公钥校验签名。
func (k *KeyMaterial) Verify(msg, sig []byte) bool {
	if k == nil || len(k.publicKey) == 0 {
		return false
	}
	pub := &secp256k1.PubKey{Key: k.publicKey}
	return pub.VerifySignature(msg, sig)
}

// Zero 清零私钥与助记词，之后 Sign 将失败。
func (k *KeyMaterial) Zero() {
	if k == nil {
		return
	}
	if k.priv != nil {
		secureZero(k.priv.Key)
		k.priv.Key = nil
	}
	for i := range k.phrase {
		k.phrase[i] = ""
	}
	k.phrase = nil
}

func secureZero(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	// 防止编译器优化掉填零。
	subtle.ConstantTimeByteEq(buf[0], buf[0])
	runtime.KeepAlive(buf)
}
