package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/authzsigner/internal/keymaterial"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/relay/relaytest"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/internal/signer/local"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

const walletAddress = "neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc"

func testDoc() *txtypes.SignDoc {
	return &txtypes.SignDoc{BodyBytes: []byte{0x0a, 0x01}, AuthInfoBytes: []byte{0x12, 0x01}, ChainId: "neutron-1", AccountNumber: 42}
}

// walletFake 让 relaytest.Fake 用真实密钥应答签名请求。
func walletFake(t *testing.T) (*relaytest.Fake, relay.Record) {
	t.Helper()
	km, err := keymaterial.ImportFromPhrase(strings.Repeat("abandon ", 23) + "art")
	require.NoError(t, err)
	wallet, err := local.New(km)
	require.NoError(t, err)

	f := relaytest.New()
	rec := f.AddSession("cosmos:neutron-1:" + walletAddress)
	f.Handle(relay.MethodSignDirect, func(ctx context.Context, _ string, params json.RawMessage) (any, error) {
		var p signer.WireSignDirectParams
		require.NoError(t, json.Unmarshal(params, &p))
		doc, err := signer.DecodeSignDoc(p.SignDoc)
		if err != nil {
			return nil, err
		}
		resp, err := wallet.SignDirect(ctx, p.SignerAddress, doc)
		if err != nil {
			return nil, err
		}
		return signer.EncodeSignResult(resp), nil
	})
	f.Handle(relay.MethodGetAccounts, func(context.Context, string, json.RawMessage) (any, error) {
		return []signer.WireAccount{{Address: walletAddress, Algo: signer.Algorithm, PubKey: base64.StdEncoding.EncodeToString(km.PublicKey())}}, nil
	})
	return f, rec
}

func TestGetAccountsRequiresBoundSession(t *testing.T) {
	f, _ := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.GetAccounts(context.Background())
	require.True(t, apierrors.HasCode(err, apierrors.CodeNoActiveSession))
	_, err = b.SignDirect(context.Background(), walletAddress, testDoc())
	require.True(t, apierrors.HasCode(err, apierrors.CodeNoActiveSession))
}

func TestGetAccountsSynthesizesPlaceholderWithoutRoundTrip(t *testing.T) {
	f, rec := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	addr, err := b.Bind(rec)
	require.NoError(t, err)
	require.Equal(t, walletAddress, addr)

	accounts, err := b.GetAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, walletAddress, accounts[0].Address)
	require.True(t, signer.IsPlaceholderPubKey(accounts[0].PubKey))
	require.Empty(t, f.Requests())
}

func TestSignDirectReturnsAuthoritativeKey(t *testing.T) {
	f, rec := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.Bind(rec)
	require.NoError(t, err)

	resp, err := b.SignDirect(context.Background(), walletAddress, testDoc())
	require.NoError(t, err)
	require.Len(t, resp.Signature.Signature, 64)
	require.False(t, signer.IsPlaceholderPubKey(resp.Signature.PubKey))
	require.Equal(t, uint64(42), resp.Signed.AccountNumber)

	accounts, err := b.GetAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, resp.Signature.PubKey, accounts[0].PubKey)

	reqs := f.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, relay.MethodSignDirect, reqs[0].Method)
	require.Equal(t, rec.Topic, reqs[0].Topic)
	require.Contains(t, string(reqs[0].Params), `"accountNumber":"42"`)
}

func TestSignDirectTimeout(t *testing.T) {
	f, rec := walletFake(t)
	f.Handle(relay.MethodSignDirect, func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.SignTimeout = 20 * time.Millisecond
	b := New(relay.NewStaticHolder(f), cfg)
	_, err := b.Bind(rec)
	require.NoError(t, err)

	_, err = b.SignDirect(context.Background(), walletAddress, testDoc())
	require.True(t, apierrors.HasCode(err, apierrors.CodeRelayTimeout), err)
}

func TestSignDirectUserRejected(t *testing.T) {
	f, rec := walletFake(t)
	f.Handle(relay.MethodSignDirect, func(context.Context, string, json.RawMessage) (any, error) {
		return nil, &relay.RequestError{Code: 5000, Message: "Request rejected"}
	})
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.Bind(rec)
	require.NoError(t, err)

	_, err = b.SignDirect(context.Background(), walletAddress, testDoc())
	require.True(t, apierrors.HasCode(err, apierrors.CodeUserRejected))
	require.Equal(t, "Request rejected", err.Error())
}

func TestSignDirectRejectsMismatchedSigner(t *testing.T) {
	f, rec := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.Bind(rec)
	require.NoError(t, err)
	_, err = b.SignDirect(context.Background(), "neutron1other", testDoc())
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidArgument))
	_, err = b.SignDirect(context.Background(), walletAddress, nil)
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidArgument))
}

func TestExpiredSessionIsRejected(t *testing.T) {
	f, rec := walletFake(t)
	now := time.Now()
	b := New(relay.NewStaticHolder(f), DefaultConfig(), WithNow(func() time.Time { return now }))
	_, err := b.Bind(rec)
	require.NoError(t, err)

	now = rec.Expiry.Add(time.Second)
	_, err = b.GetAccounts(context.Background())
	require.True(t, apierrors.HasCode(err, apierrors.CodeNoActiveSession))

	_, err = b.Bind(rec)
	require.True(t, apierrors.HasCode(err, apierrors.CodeNoActiveSession))
}

func TestRefreshPublicKey(t *testing.T) {
	f, rec := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.Bind(rec)
	require.NoError(t, err)

	pub, err := b.RefreshPublicKey(context.Background())
	require.NoError(t, err)
	require.False(t, signer.IsPlaceholderPubKey(pub))
	require.Len(t, f.Requests(), 1)

	again, err := b.RefreshPublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, pub, again)
	require.Len(t, f.Requests(), 1)
}

func TestRefreshPublicKeyFallsBackToPlaceholder(t *testing.T) {
	f, rec := walletFake(t)
	f.Handle(relay.MethodGetAccounts, func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.AccountsTimeout = 10 * time.Millisecond
	b := New(relay.NewStaticHolder(f), cfg)
	_, err := b.Bind(rec)
	require.NoError(t, err)

	pub, err := b.RefreshPublicKey(context.Background())
	require.NoError(t, err)
	require.True(t, signer.IsPlaceholderPubKey(pub))
}

func TestUnbindTopic(t *testing.T) {
	f, rec := walletFake(t)
	b := New(relay.NewStaticHolder(f), DefaultConfig())
	_, err := b.Bind(rec)
	require.NoError(t, err)
	require.False(t, b.UnbindTopic("other"))
	require.NotNil(t, b.Record())
	require.True(t, b.UnbindTopic(rec.Topic))
	require.Nil(t, b.Record())
}
