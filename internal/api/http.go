package signerapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/aegis-sign/authzsigner/internal/composer"
	"github.com/aegis-sign/authzsigner/internal/facade"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

const (
	maxBodyBytes = 1 << 16
	qrSize       = 256
)

// HTTPHandler 把门面与交易客户端暴露为 HTTP/JSON 接口。
type HTTPHandler struct {
	signer  Signer
	debug   RelayDebugger
	logger  logrus.FieldLogger
	timeout time.Duration
}

// HTTPOption 自定义 HTTPHandler。
type HTTPOption func(*HTTPHandler)

// WithRelayDebug 开启 /debug/relay。
func WithRelayDebug(fn RelayDebugger) HTTPOption {
	return func(h *HTTPHandler) { h.debug = fn }
}

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) HTTPOption {
	return func(h *HTTPHandler) { h.logger = l }
}

// WithRequestTimeout 限制单个请求的处理时间，远程签名需要等待用户确认，默认较长。
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) { h.timeout = d }
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(signer Signer, opts ...HTTPOption) *HTTPHandler {
	if signer == nil {
		panic("signer facade is required")
	}
	h := &HTTPHandler{signer: signer, logger: logrus.StandardLogger(), timeout: 3 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/signer", h.handleSnapshot)
	mux.HandleFunc("POST /v1/signer/import", h.handleImport)
	mux.HandleFunc("POST /v1/signer/generate", h.handleGenerate)
	mux.HandleFunc("POST /v1/signer/extension", h.handleExtension)
	mux.HandleFunc("POST /v1/signer/remote", h.handleRemote)
	mux.HandleFunc("POST /v1/signer/logout", h.handleLogout)

	mux.HandleFunc("POST /v1/pairing", h.handleStartPairing)
	mux.HandleFunc("GET /v1/pairing", h.handlePairingStatus)
	mux.HandleFunc("DELETE /v1/pairing", h.handleCancelPairing)
	mux.HandleFunc("POST /v1/pairing/check", h.handleCheckConnection)
	mux.HandleFunc("GET /v1/pairing/qr", h.handlePairingQR)

	mux.HandleFunc("POST /v1/tx/register", h.handleRegister)
	mux.HandleFunc("POST /v1/tx/limit", h.handleUpdateLimit)
	mux.HandleFunc("POST /v1/tx/revoke", h.handleRevoke)

	if h.debug != nil {
		mux.HandleFunc("GET /debug/relay", h.handleRelayDebug)
	}
}

type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type snapshotResponse struct {
	Address    string     `json:"address,omitempty"`
	Backend    string     `json:"backend"`
	Ready      bool       `json:"ready"`
	Registered bool       `json:"registered"`
	Error      *errorBody `json:"error,omitempty"`
}

type importRequestBody struct {
	Phrase string `json:"phrase"`
}

type accountResponse struct {
	Address string `json:"address"`
	Phrase  string `json:"phrase,omitempty"`
}

type pairingRequestBody struct {
	Wallet string `json:"wallet"`
}

type pairingStatusResponse struct {
	State        string     `json:"state"`
	Generation   uint64     `json:"generation,omitempty"`
	URI          string     `json:"uri,omitempty"`
	Wallet       string     `json:"wallet,omitempty"`
	AttemptsMade int        `json:"attemptsMade"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Address      string     `json:"address,omitempty"`
	Error        *errorBody `json:"error,omitempty"`
}

type checkResponse struct {
	State        string `json:"state"`
	PairingCount int    `json:"pairingCount"`
	SessionCount int    `json:"sessionCount"`
	Account      string `json:"account,omitempty"`
	Topic        string `json:"topic,omitempty"`
}

type registerRequestBody struct {
	TelegramHandle string `json:"tgHandle"`
	Limit          string `json:"limit"`
}

type limitRequestBody struct {
	Limit string `json:"limit"`
}

type txResponse struct {
	TxHash string `json:"txHash"`
}

func (h *HTTPHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(r.Context(), w)
}

func (h *HTTPHandler) writeSnapshot(ctx context.Context, w http.ResponseWriter) {
	snap := h.signer.Snapshot()
	resp := snapshotResponse{
		Address: snap.Address,
		Backend: snap.BackendKind.String(),
		Ready:   snap.IsReady,
		Error:   toErrorBody(snap.Err),
	}
	if registered, err := h.signer.Registered(ctx); err == nil {
		resp.Registered = registered
	} else {
		h.logger.WithError(err).Warn("read registered flag failed")
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Phrase) == "" {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "phrase is required"))
		return
	}
	address, err := h.signer.ImportPhrase(r.Context(), body.Phrase)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accountResponse{Address: address})
}

func (h *HTTPHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	address, phrase, err := h.signer.GenerateAccount(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, accountResponse{Address: address, Phrase: phrase})
}

func (h *HTTPHandler) handleExtension(w http.ResponseWriter, r *http.Request) {
	if err := h.signer.InitializeWithExtension(r.Context()); err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeSnapshot(r.Context(), w)
}

func (h *HTTPHandler) handleRemote(w http.ResponseWriter, r *http.Request) {
	if err := h.signer.InitializeWithRemote(r.Context()); err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeSnapshot(r.Context(), w)
}

func (h *HTTPHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.signer.Logout(r.Context()); err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeSnapshot(r.Context(), w)
}

func (h *HTTPHandler) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	var body pairingRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	info, err := h.signer.StartRemotePairing(r.Context(), body.Wallet)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *HTTPHandler) handlePairingStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, toPairingStatus(h.signer.PairingStatus()))
}

func (h *HTTPHandler) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	if err := h.signer.CancelPairing(r.Context()); err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPairingStatus(h.signer.PairingStatus()))
}

func (h *HTTPHandler) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	res, err := h.signer.CheckConnection(r.Context())
	if errors.Is(err, reconnect.ErrCheckThrottled) {
		w.Header().Set("Retry-After", "1")
		h.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: errorBody{Code: "THROTTLED", Message: err.Error(), Recoverable: true}})
		return
	}
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	resp := checkResponse{State: res.State.String(), PairingCount: res.PairingCount, SessionCount: res.SessionCount}
	if res.Account != nil {
		resp.Account = res.Account.String()
	}
	if res.Record != nil {
		resp.Topic = res.Record.Topic
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handlePairingQR(w http.ResponseWriter, _ *http.Request) {
	status := h.signer.PairingStatus()
	if status.Attempt == nil || status.Attempt.ConnectionURI == "" {
		h.writeAPIError(w, apierrors.New(apierrors.CodeNoActiveSession, "no pairing in progress"))
		return
	}
	png, err := qrcode.Encode(status.Attempt.ConnectionURI, qrcode.Medium, qrSize)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *HTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	limit, err := composer.ParseDisplayAmount(body.Limit)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.runTx(w, r, func(ctx context.Context, c *composer.Client) (string, error) {
		return c.Register(ctx, body.TelegramHandle, limit)
	})
}

func (h *HTTPHandler) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	var body limitRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	limit, err := composer.ParseDisplayAmount(body.Limit)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.runTx(w, r, func(ctx context.Context, c *composer.Client) (string, error) {
		return c.UpdateLimit(ctx, limit)
	})
}

func (h *HTTPHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	h.runTx(w, r, func(ctx context.Context, c *composer.Client) (string, error) {
		return c.Revoke(ctx)
	})
}

func (h *HTTPHandler) runTx(w http.ResponseWriter, r *http.Request, fn func(context.Context, *composer.Client) (string, error)) {
	client := h.signer.Snapshot().Client
	if client == nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeNoActiveSession, "No signer available. Please connect a wallet first."))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	txHash, err := fn(ctx, client)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txResponse{TxHash: txHash})
}

func (h *HTTPHandler) handleRelayDebug(w http.ResponseWriter, r *http.Request) {
	snap, err := h.debug(r.Context())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// decode 允许空请求体。
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil && err != io.EOF {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	h.logger.WithError(err).Error("unexpected signer error")
	h.writeAPIError(w, apierrors.New(apierrors.CodeInternal, "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	h.writeJSON(w, apierrors.HTTPStatus(apiErr.Code), errorResponse{Error: *toErrorBody(apiErr)})
}

// toErrorBody 非业务错误只暴露 INTERNAL，不泄露原文。
func toErrorBody(err error) *errorBody {
	if err == nil {
		return nil
	}
	apiErr, ok := apierrors.FromError(err)
	if !ok {
		return &errorBody{Code: string(apierrors.CodeInternal), Message: "internal error"}
	}
	return &errorBody{Code: string(apiErr.Code), Message: apiErr.Error(), Recoverable: apierrors.UserRecoverable(apiErr.Code)}
}

func toPairingStatus(s facade.PairingStatus) pairingStatusResponse {
	resp := pairingStatusResponse{State: s.State.String()}
	if a := s.Attempt; a != nil {
		resp.Generation = a.Generation
		resp.URI = a.ConnectionURI
		resp.Wallet = a.TargetWalletLabel
		resp.AttemptsMade = a.AttemptsMade
		if !a.StartedAt.IsZero() {
			started := a.StartedAt
			resp.StartedAt = &started
		}
	}
	if s.State.Terminal() {
		if s.Last.Account.Address != "" {
			resp.Address = s.Last.Account.Address
		}
		resp.Error = toErrorBody(s.Last.Err)
	}
	return resp
}
