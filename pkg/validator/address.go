package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosmos/cosmos-sdk/types/bech32"
)

// AddressLength 为 secp256k1 账户地址的固定负载长度。
const AddressLength = 20

var errAddressLength = fmt.Errorf("address payload must be %d bytes", AddressLength)

// DecodeAddress 解码 bech32 地址并校验前缀与负载长度。
func DecodeAddress(address, expectedPrefix string) ([]byte, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address is empty")
	}
	hrp, payload, err := bech32.DecodeAndConvert(address)
	if err != nil {
		return nil, fmt.Errorf("invalid bech32 address: %w", err)
	}
	if expectedPrefix != "" && hrp != expectedPrefix {
		return nil, fmt.Errorf("unexpected address prefix %q, want %q", hrp, expectedPrefix)
	}
	if len(payload) != AddressLength {
		return nil, errAddressLength
	}
	return payload, nil
}

// ValidateAddress 判断地址是否合法，错误输入只返回 false。
func ValidateAddress(address, expectedPrefix string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := DecodeAddress(address, expectedPrefix)
	return err == nil
}

// EncodeAddress 以指定前缀编码 20 字节地址。
func EncodeAddress(prefix string, payload []byte) (string, error) {
	if len(payload) != AddressLength {
		return "", errAddressLength
	}
	return bech32.ConvertAndEncode(prefix, payload)
}
