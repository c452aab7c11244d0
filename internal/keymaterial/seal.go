package keymaterial

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	sealVersion  = 1
	scryptKeyLen = 32
	saltLen      = 32
	nonceLen     = 12
)

// ScryptParams 控制助记词落盘加密的 KDF 强度。
type ScryptParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// DefaultScryptParams 为服务端每次初始化都会执行的 KDF 选择的默认值（约 32MB 内存）。
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1}
}

func (p ScryptParams) normalize() ScryptParams {
	def := DefaultScryptParams()
	if p.N <= 1 {
		p.N = def.N
	}
	if p.R <= 0 {
		p.R = def.R
	}
	if p.P <= 0 {
		p.P = def.P
	}
	return p
}

// SealedPhrase 为加密后的助记词记录，与公开账户资料分开存储。
type SealedPhrase struct {
	Version    int          `json:"version"`
	KDF        ScryptParams `json:"kdf"`
	Salt       []byte       `json:"salt"`
	Nonce      []byte       `json:"nonce"`
	CipherText []byte       `json:"cipherText"`
}

// ErrSealOpen 表示口令错误或密文被篡改。
var ErrSealOpen = errors.New("unable to open sealed recovery phrase")

// Seal 使用 scrypt + AES-GCM 加密助记词。
func Seal(k *KeyMaterial, passphrase []byte, params ScryptParams) (*SealedPhrase, error) {
	if k == nil || len(k.phrase) == 0 {
		return nil, errZeroed
	}
	params = params.normalize()
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	aead, err := newAEAD(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	plaintext := []byte(k.Phrase())
	defer clear(plaintext)
	return &SealedPhrase{
		Version:    sealVersion,
		KDF:        params,
		Salt:       salt,
		Nonce:      nonce,
		CipherText: aead.Seal(nil, nonce, plaintext, []byte(k.address)),
	}, nil
}

// Open 解密并重新派生 KeyMaterial，address 作为附加认证数据必须一致。
func Open(sealed *SealedPhrase, passphrase []byte, address string, params Params) (*KeyMaterial, error) {
	if sealed == nil {
		return nil, errors.New("sealed phrase is nil")
	}
	if sealed.Version != sealVersion {
		return nil, fmt.Errorf("unsupported sealed phrase version %d", sealed.Version)
	}
	aead, err := newAEAD(passphrase, sealed.Salt, sealed.KDF.normalize())
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.CipherText, []byte(address))
	if err != nil {
		return nil, ErrSealOpen
	}
	defer clear(plaintext)
	km, err := ImportWithParams(string(plaintext), params)
	if err != nil {
		return nil, err
	}
	if got := km.Address(); address != "" && got != address {
		km.Zero()
		return nil, fmt.Errorf("sealed phrase derives %s, want %s", got, address)
	}
	return km, nil
}

// Marshal 序列化为 JSON，便于写入 KV。
func (s *SealedPhrase) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSealed 解析 Marshal 的输出。
func UnmarshalSealed(buf []byte) (*SealedPhrase, error) {
	var s SealedPhrase
	if err := json.Unmarshal(buf, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func newAEAD(passphrase, salt []byte, params ScryptParams) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, params.N, params.R, params.P, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
