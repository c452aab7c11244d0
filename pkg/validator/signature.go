package validator

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureEncoding 描述签名/公钥字符串的编码。
type SignatureEncoding string

const (
	EncodingBase64 SignatureEncoding = "base64"
	EncodingHex    SignatureEncoding = "hex"
)

const (
	// SignatureLength 为 R||S 紧凑签名长度。
	SignatureLength = 64
	// PublicKeyLength 为压缩 secp256k1 公钥长度。
	PublicKeyLength = 33
)

// NormalizeEncoding 将用户输入转换为内部常量，钱包默认使用 base64。
func NormalizeEncoding(raw string) (SignatureEncoding, error) {
	switch strings.ToLower(raw) {
	case "", string(EncodingBase64):
		return EncodingBase64, nil
	case string(EncodingHex):
		return EncodingHex, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

var (
	errSignatureLength = errors.New("signature must decode to 64 bytes")
	errPublicKeyLength = errors.New("public key must decode to 33 bytes")
)

// DecodeSignature 解码签名并校验长度。
func DecodeSignature(sig string, enc SignatureEncoding) ([]byte, error) {
	decoded, err := decode(sig, enc)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(decoded) != SignatureLength {
		return nil, errSignatureLength
	}
	return decoded, nil
}

// DecodePublicKey 解码压缩公钥并校验长度与前缀字节。
func DecodePublicKey(key string, enc SignatureEncoding) ([]byte, error) {
	decoded, err := decode(key, enc)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if len(decoded) != PublicKeyLength || (decoded[0] != 0x02 && decoded[0] != 0x03) {
		return nil, errPublicKeyLength
	}
	return decoded, nil
}

func decode(value string, enc SignatureEncoding) ([]byte, error) {
	switch enc {
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(value)
	case EncodingHex:
		return hex.DecodeString(strings.TrimPrefix(value, "0x"))
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}
