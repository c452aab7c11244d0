package signer

import (
	"testing"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/stretchr/testify/require"
)

func TestParseKindAcceptsLegacyHints(t *testing.T) {
	cases := map[string]Kind{
		"local":         KindLocal,
		"mnemonic":      KindLocal,
		"keplr":         KindExtension,
		"extension":     KindExtension,
		"walletconnect": KindRemote,
		"remote":        KindRemote,
		"":              KindNone,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		require.NoError(t, err)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseKind("ledger")
	require.Error(t, err)
	require.Equal(t, "none", Kind("ledger").String())
}

func TestValidateAndCloneSignDoc(t *testing.T) {
	require.Error(t, ValidateSignDoc(nil))
	doc := &txtypes.SignDoc{BodyBytes: []byte{1}, AuthInfoBytes: []byte{2}, ChainId: "neutron-1", AccountNumber: 7}
	require.NoError(t, ValidateSignDoc(doc))

	clone := CloneSignDoc(doc)
	clone.BodyBytes[0] = 9
	require.Equal(t, byte(1), doc.BodyBytes[0])
	require.Equal(t, uint64(7), clone.AccountNumber)

	require.Error(t, ValidateSignDoc(&txtypes.SignDoc{BodyBytes: []byte{1}, AuthInfoBytes: []byte{2}}))
}

func TestWireSignDocRoundTrip(t *testing.T) {
	doc := &txtypes.SignDoc{BodyBytes: []byte("body"), AuthInfoBytes: []byte("auth"), ChainId: "neutron-1", AccountNumber: 18446744073709551615}
	wire := EncodeSignDoc(doc)
	require.Equal(t, "18446744073709551615", wire.AccountNumber)
	back, err := DecodeSignDoc(wire)
	require.NoError(t, err)
	require.Equal(t, doc, back)

	_, err = DecodeSignDoc(WireSignDoc{AccountNumber: "-1"})
	require.Error(t, err)
	_, err = DecodeSignDoc(WireSignDoc{AccountNumber: "1", BodyBytes: "%%"})
	require.Error(t, err)
}

func TestDecodeSignResultFallsBackToRequestedDoc(t *testing.T) {
	doc := &txtypes.SignDoc{BodyBytes: []byte("body"), AuthInfoBytes: []byte("auth"), ChainId: "neutron-1", AccountNumber: 7}
	pub := PlaceholderPubKey()
	pub[32] = 1
	res := EncodeSignResult(&DirectSignResponse{Signed: doc, Signature: StdSignature{PubKey: pub, Signature: make([]byte, 64)}})
	res.Signed = WireSignDoc{}

	out, err := DecodeSignResult(res, doc)
	require.NoError(t, err)
	require.Equal(t, doc, out.Signed)
	require.NotSame(t, doc, out.Signed)
	require.Equal(t, pub, out.Signature.PubKey)

	res.Signature.Signature = "AAAA"
	_, err = DecodeSignResult(res, doc)
	require.Error(t, err)
}

func TestPlaceholderPubKey(t *testing.T) {
	pk := PlaceholderPubKey()
	require.Len(t, pk, 33)
	require.Equal(t, byte(0x02), pk[0])
	require.True(t, IsPlaceholderPubKey(pk))
	pk[5] = 9
	require.False(t, IsPlaceholderPubKey(pk))
	require.False(t, IsPlaceholderPubKey(nil))
}
