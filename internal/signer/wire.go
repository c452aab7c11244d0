package signer

import (
	"encoding/base64"
	"fmt"
	"strconv"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"

	"github.com/aegis-sign/authzsigner/pkg/validator"
)

// PubKeyTypeSecp256k1 为钱包 JSON 中 secp256k1 公钥的 amino 类型名。
const PubKeyTypeSecp256k1 = "tendermint/PubKeySecp256k1"

// WireSignDoc 为钱包 JSON 协议中的 SignDoc，字节字段使用 base64，账户号使用十进制字符串。
type WireSignDoc struct {
	ChainID       string `json:"chainId"`
	AccountNumber string `json:"accountNumber"`
	AuthInfoBytes string `json:"authInfoBytes"`
	BodyBytes     string `json:"bodyBytes"`
}

// WirePubKey 为钱包 JSON 中的公钥。
type WirePubKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// WireSignature 为钱包 JSON 中的签名。
type WireSignature struct {
	PubKey    WirePubKey `json:"pub_key"`
	Signature string     `json:"signature"`
}

// WireSignDirectParams 为 signDirect 请求参数。
type WireSignDirectParams struct {
	SignerAddress string      `json:"signerAddress"`
	SignDoc       WireSignDoc `json:"signDoc"`
}

// WireSignDirectResult 为 signDirect 的答复。
type WireSignDirectResult struct {
	Signed    WireSignDoc   `json:"signed"`
	Signature WireSignature `json:"signature"`
}

// WireAccount 为 getAccounts / getKey 答复中的账户。
type WireAccount struct {
	Address string `json:"address"`
	Algo    string `json:"algo"`
	PubKey  string `json:"pubkey"`
}

// EncodeSignDoc 把 SignDoc 转为钱包 JSON 形式。
func EncodeSignDoc(doc *txtypes.SignDoc) WireSignDoc {
	return WireSignDoc{
		ChainID:       doc.ChainId,
		AccountNumber: strconv.FormatUint(doc.AccountNumber, 10),
		AuthInfoBytes: base64.StdEncoding.EncodeToString(doc.AuthInfoBytes),
		BodyBytes:     base64.StdEncoding.EncodeToString(doc.BodyBytes),
	}
}

// DecodeSignDoc 解析钱包返回的 SignDoc。
func DecodeSignDoc(w WireSignDoc) (*txtypes.SignDoc, error) {
	accountNumber, err := strconv.ParseUint(w.AccountNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid account number %q", w.AccountNumber)
	}
	authInfo, err := base64.StdEncoding.DecodeString(w.AuthInfoBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid authInfoBytes: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(w.BodyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid bodyBytes: %w", err)
	}
	return &txtypes.SignDoc{
		BodyBytes:     body,
		AuthInfoBytes: authInfo,
		ChainId:       w.ChainID,
		AccountNumber: accountNumber,
	}, nil
}

// DecodeSignResult 把钱包答复转为 DirectSignResponse。signed 为空时沿用请求的 SignDoc。
func DecodeSignResult(res WireSignDirectResult, requested *txtypes.SignDoc) (*DirectSignResponse, error) {
	sig, err := validator.DecodeSignature(res.Signature.Signature, validator.EncodingBase64)
	if err != nil {
		return nil, err
	}
	pub, err := validator.DecodePublicKey(res.Signature.PubKey.Value, validator.EncodingBase64)
	if err != nil {
		return nil, err
	}
	signed := CloneSignDoc(requested)
	if res.Signed.BodyBytes != "" {
		if signed, err = DecodeSignDoc(res.Signed); err != nil {
			return nil, err
		}
	}
	return &DirectSignResponse{Signed: signed, Signature: StdSignature{PubKey: pub, Signature: sig}}, nil
}

// EncodeSignResult 生成钱包 JSON 形式的答复，供测试替身与桥接页使用。
func EncodeSignResult(resp *DirectSignResponse) WireSignDirectResult {
	return WireSignDirectResult{
		Signed: EncodeSignDoc(resp.Signed),
		Signature: WireSignature{
			PubKey:    WirePubKey{Type: PubKeyTypeSecp256k1, Value: base64.StdEncoding.EncodeToString(resp.Signature.PubKey)},
			Signature: base64.StdEncoding.EncodeToString(resp.Signature.Signature),
		},
	}
}
