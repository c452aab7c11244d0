package signerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"

	"github.com/aegis-sign/authzsigner/internal/composer"
	"github.com/aegis-sign/authzsigner/internal/facade"
	"github.com/aegis-sign/authzsigner/internal/keymaterial"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/internal/signer/local"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

const testAddress = "neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc"

type stubSigner struct {
	snap        facade.Snapshot
	registered  bool
	importFn    func(ctx context.Context, phrase string) (string, error)
	remoteErr   error
	pairingInfo facade.PairingInfo
	wallet      string
	status      facade.PairingStatus
	check       reconnect.CheckResult
	checkErr    error
	loggedOut   bool
}

func (s *stubSigner) Snapshot() facade.Snapshot { return s.snap }

func (s *stubSigner) Registered(context.Context) (bool, error) { return s.registered, nil }

func (s *stubSigner) ImportPhrase(ctx context.Context, phrase string) (string, error) {
	if s.importFn != nil {
		return s.importFn(ctx, phrase)
	}
	return testAddress, nil
}

func (s *stubSigner) GenerateAccount(context.Context) (string, string, error) {
	return testAddress, "word list", nil
}

func (s *stubSigner) InitializeWithExtension(context.Context) error {
	s.snap = facade.Snapshot{Address: testAddress, BackendKind: signer.KindExtension, IsReady: true}
	return nil
}

func (s *stubSigner) InitializeWithRemote(context.Context) error { return s.remoteErr }

func (s *stubSigner) StartRemotePairing(_ context.Context, wallet string) (facade.PairingInfo, error) {
	s.wallet = wallet
	return s.pairingInfo, nil
}

func (s *stubSigner) CheckConnection(context.Context) (reconnect.CheckResult, error) {
	return s.check, s.checkErr
}

func (s *stubSigner) CancelPairing(context.Context) error {
	s.status = facade.PairingStatus{State: reconnect.StateIdle}
	return nil
}

func (s *stubSigner) PairingStatus() facade.PairingStatus { return s.status }

func (s *stubSigner) Logout(context.Context) error {
	s.loggedOut = true
	s.snap = facade.Snapshot{IsReady: true}
	return nil
}

type okChain struct{}

func (okChain) Account(context.Context, string) (uint64, uint64, error) { return 1, 0, nil }

func (okChain) Simulate(context.Context, []byte) (uint64, error) { return 80_000, nil }

func (okChain) BroadcastTx(context.Context, []byte) (*sdk.TxResponse, error) {
	return &sdk.TxResponse{TxHash: "DEADBEEF"}, nil
}

func serve(t *testing.T, s Signer, opts ...HTTPOption) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewHTTPHandler(s, opts...).Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body.Error
}

func TestSnapshotReportsError(t *testing.T) {
	s := &stubSigner{
		snap:       facade.Snapshot{Address: testAddress, BackendKind: signer.KindRemote, IsReady: true, Err: apierrors.New(apierrors.CodeRelayTimeout, "Wallet connection timed out. Please try again.")},
		registered: true,
	}
	rr := do(serve(t, s), http.MethodGet, "/v1/signer", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body snapshotResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Backend != "remote" || !body.Ready || !body.Registered || body.Address != testAddress {
		t.Fatalf("unexpected snapshot %+v", body)
	}
	if body.Error == nil || body.Error.Code != string(apierrors.CodeRelayTimeout) || !body.Error.Recoverable {
		t.Fatalf("unexpected error %+v", body.Error)
	}
}

func TestImportInvalidPhraseMapsTo400(t *testing.T) {
	s := &stubSigner{importFn: func(context.Context, string) (string, error) {
		return "", apierrors.New(apierrors.CodeInvalidPhrase, "recovery phrase must have 24 words, got 2")
	}}
	rr := do(serve(t, s), http.MethodPost, "/v1/signer/import", `{"phrase":"abandon art"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != string(apierrors.CodeInvalidPhrase) || body.Message != "recovery phrase must have 24 words, got 2" {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestImportRequiresPhrase(t *testing.T) {
	rr := do(serve(t, &stubSigner{}), http.MethodPost, "/v1/signer/import", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
	rr = do(serve(t, &stubSigner{}), http.MethodPost, "/v1/signer/import", `{not json`)
	if body := decodeError(t, rr); body.Code != string(apierrors.CodeInvalidArgument) {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestGenerateIsNotCached(t *testing.T) {
	rr := do(serve(t, &stubSigner{}), http.MethodPost, "/v1/signer/generate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("generated phrase must not be cached")
	}
	var body accountResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Phrase == "" {
		t.Fatal("expected phrase in response")
	}
}

func TestRemoteWithoutSessionIs409(t *testing.T) {
	s := &stubSigner{remoteErr: apierrors.New(apierrors.CodeNoActiveSession, "No active WalletConnect session. Please connect your wallet first.")}
	rr := do(serve(t, s), http.MethodPost, "/v1/signer/remote", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestStartPairingPassesWallet(t *testing.T) {
	s := &stubSigner{pairingInfo: facade.PairingInfo{URI: "wc:abc@2", WalletLabel: "keplr", Deeplink: facade.Deeplink("keplr", "wc:abc@2"), Generation: 3}}
	rr := do(serve(t, s), http.MethodPost, "/v1/pairing", `{"wallet":"keplr"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if s.wallet != "keplr" {
		t.Fatalf("wallet=%q", s.wallet)
	}
	var body facade.PairingInfo
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Generation != 3 || !strings.HasPrefix(body.Deeplink, "keplrwallet://") {
		t.Fatalf("unexpected pairing info %+v", body)
	}
}

func TestPairingStatusAndQR(t *testing.T) {
	s := &stubSigner{status: facade.PairingStatus{
		State:   reconnect.StatePolling,
		Attempt: &session.PairingAttempt{Generation: 2, ConnectionURI: "wc:abc@2?relay-protocol=irn", TargetWalletLabel: "leap", AttemptsMade: 4, StartedAt: time.Unix(1_700_000_000, 0)},
	}}
	mux := serve(t, s)
	rr := do(mux, http.MethodGet, "/v1/pairing", "")
	var status pairingStatusResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &status)
	if status.State != "POLLING" || status.AttemptsMade != 4 || status.Wallet != "leap" {
		t.Fatalf("unexpected status %+v", status)
	}

	rr = do(mux, http.MethodGet, "/v1/pairing/qr", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status=%d type=%s", rr.Code, rr.Header().Get("Content-Type"))
	}
	if _, err := png.Decode(bytes.NewReader(rr.Body.Bytes())); err != nil {
		t.Fatalf("decode png: %v", err)
	}

	rr = do(mux, http.MethodDelete, "/v1/pairing", "")
	_ = json.Unmarshal(rr.Body.Bytes(), &status)
	if status.State != "IDLE" {
		t.Fatalf("unexpected state %s", status.State)
	}
	rr = do(mux, http.MethodGet, "/v1/pairing/qr", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestCheckConnectionThrottled(t *testing.T) {
	s := &stubSigner{checkErr: reconnect.ErrCheckThrottled}
	rr := do(serve(t, s), http.MethodPost, "/v1/pairing/check", "")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("status=%d", rr.Code)
	}

	acc := relay.Account{Namespace: "cosmos", ChainID: "neutron-1", Address: testAddress}
	s = &stubSigner{check: reconnect.CheckResult{State: reconnect.StateTimedOut, SessionCount: 1, Account: &acc, Record: &relay.Record{Topic: "session-1"}}}
	rr = do(serve(t, s), http.MethodPost, "/v1/pairing/check", "")
	var body checkResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Account != "cosmos:neutron-1:"+testAddress || body.Topic != "session-1" || body.State != "TIMED_OUT" {
		t.Fatalf("unexpected check %+v", body)
	}
}

func TestTxRequiresSigner(t *testing.T) {
	rr := do(serve(t, &stubSigner{}), http.MethodPost, "/v1/tx/revoke", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRegisterBroadcasts(t *testing.T) {
	km, err := keymaterial.ImportFromPhrase(strings.Repeat("abandon ", 23) + "art")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	backend, err := local.New(km)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	broadcaster, err := composer.NewBroadcaster(okChain{}, composer.DefaultConfig())
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	client := composer.NewClient(composer.New(composer.DefaultConfig()), broadcaster, backend)
	s := &stubSigner{snap: facade.Snapshot{Client: client, Address: testAddress, BackendKind: signer.KindLocal, IsReady: true}}
	mux := serve(t, s)

	rr := do(mux, http.MethodPost, "/v1/tx/register", `{"tgHandle":"@alice","limit":"12.5"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var body txResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body.TxHash != "DEADBEEF" {
		t.Fatalf("unexpected tx hash %s", body.TxHash)
	}

	rr = do(mux, http.MethodPost, "/v1/tx/limit", `{"limit":"-1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestLogout(t *testing.T) {
	s := &stubSigner{snap: facade.Snapshot{Address: testAddress, BackendKind: signer.KindLocal, IsReady: true}}
	rr := do(serve(t, s), http.MethodPost, "/v1/signer/logout", "")
	if rr.Code != http.StatusOK || !s.loggedOut {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRelayDebugIsOptional(t *testing.T) {
	rr := do(serve(t, &stubSigner{}), http.MethodGet, "/debug/relay", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	debug := WithRelayDebug(func(context.Context) (relay.DebugSnapshot, error) {
		return relay.DebugSnapshot{Initialized: true, SessionCount: 2}, nil
	})
	rr = do(serve(t, &stubSigner{}, debug), http.MethodGet, "/debug/relay", "")
	var snap relay.DebugSnapshot
	_ = json.Unmarshal(rr.Body.Bytes(), &snap)
	if !snap.Initialized || snap.SessionCount != 2 {
		t.Fatalf("unexpected debug snapshot %+v", snap)
	}
}

func TestUnknownErrorHidesMessage(t *testing.T) {
	s := &stubSigner{remoteErr: context.DeadlineExceeded}
	rr := do(serve(t, s), http.MethodPost, "/v1/signer/remote", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
	if body := decodeError(t, rr); body.Code != string(apierrors.CodeInternal) || body.Message != "internal error" {
		t.Fatalf("unexpected error %+v", body)
	}
}
