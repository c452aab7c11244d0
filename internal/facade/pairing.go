package facade

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/internal/signer/remote"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// 移动钱包深链前缀。
const (
	WalletKeplr = "keplr"
	WalletLeap  = "leap"

	keplrDeeplink = "keplrwallet://wcV2?"
	leapDeeplink  = "leapcosmos://wcV2?"
)

// PairingInfo 为发起配对后交给界面展示的信息。
type PairingInfo struct {
	URI         string `json:"uri"`
	WalletLabel string `json:"walletLabel,omitempty"`
	Deeplink    string `json:"deeplink,omitempty"`
	Generation  uint64 `json:"generation"`
}

// PairingStatus 为配对发现的现状。
type PairingStatus struct {
	State   reconnect.State
	Attempt *session.PairingAttempt
	Last    reconnect.Result
}

// Deeplink 返回钱包对应的深链，未知钱包返回空串。
func Deeplink(walletLabel, uri string) string {
	switch strings.ToLower(strings.TrimSpace(walletLabel)) {
	case WalletKeplr:
		return keplrDeeplink + url.QueryEscape(uri)
	case WalletLeap:
		return leapDeeplink + url.QueryEscape(uri)
	default:
		return ""
	}
}

// StartRemotePairing 断开已有会话、发起新连接并开始轮询发现。
func (f *Facade) StartRemotePairing(ctx context.Context, walletLabel string) (PairingInfo, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	if f.ctrl == nil || f.remote == nil {
		return PairingInfo{}, apierrors.New(apierrors.CodeNoActiveSession, "remote signing is not configured")
	}
	client, err := f.relayClient(ctx)
	if err != nil {
		return PairingInfo{}, f.failLocked(ctx, err)
	}
	f.watchSessionEvents(client)
	if f.approvalCancel != nil {
		f.approvalCancel()
		f.approvalCancel = nil
	}

	if err := f.disconnectAllLocked(ctx, client); err != nil {
		return PairingInfo{}, f.failLocked(ctx, err)
	}
	pairings, err := client.Pairings(ctx)
	if err != nil {
		return PairingInfo{}, f.failLocked(ctx, eris.Wrap(err, "list relay pairings"))
	}
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return PairingInfo{}, f.failLocked(ctx, eris.Wrap(err, "list relay sessions"))
	}

	conn, err := client.Connect(ctx, relay.CosmosRequirements(f.cfg.ChainID))
	if err != nil {
		return PairingInfo{}, f.failLocked(ctx, eris.Wrap(err, "connect relay"))
	}
	if conn.URI == "" {
		return PairingInfo{}, f.failLocked(ctx, eris.New("relay returned an empty connection uri"))
	}

	err = f.ctrl.Start(ctx, session.PairingAttempt{
		ConnectionURI:         conn.URI,
		TargetWalletLabel:     walletLabel,
		StartedAt:             f.now(),
		LastKnownPairingCount: len(pairings),
		LastKnownSessionCount: len(sessions),
	})
	if err != nil {
		return PairingInfo{}, err
	}
	var gen uint64
	if attempt := f.ctrl.Attempt(); attempt != nil {
		gen = attempt.Generation
	}

	if conn.Approval != nil {
		approvalCtx, cancel := context.WithCancel(context.Background())
		f.approvalCancel = cancel
		f.approvals.Add(1)
		go f.awaitApproval(approvalCtx, gen, conn.Approval)
	}

	f.logger.WithFields(logrus.Fields{"attempt": gen, "wallet": walletLabel}).Info("remote pairing started")
	return PairingInfo{URI: conn.URI, WalletLabel: walletLabel, Deeplink: Deeplink(walletLabel, conn.URI), Generation: gen}, nil
}

// disconnectAllLocked 断开中继上的全部旧会话，当前远程后端随之失效。
func (f *Facade) disconnectAllLocked(ctx context.Context, client relay.Client) error {
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return eris.Wrap(err, "list relay sessions")
	}
	for _, rec := range sessions {
		if err := client.Disconnect(ctx, rec.Topic, relay.ReasonNewConnection); err != nil {
			f.logger.WithError(err).WithField("topic", rec.Topic).Warn("disconnect stale session failed")
		}
	}
	if f.remote.Record() != nil {
		f.remote.Unbind()
		if _, ok := f.Backend().(*remote.Backend); ok {
			f.activateLocked(nil, "", signer.KindNone)
		}
	}
	return nil
}

// awaitApproval 等待钱包对连接的答复。批准后立即检查一次以缩短发现时间，
// 拒绝则结束本次尝试。不得获取 opMu。
func (f *Facade) awaitApproval(ctx context.Context, gen uint64, ch <-chan relay.Approval) {
	defer f.approvals.Done()
	var approval relay.Approval
	select {
	case <-ctx.Done():
		return
	case a, ok := <-ch:
		if !ok {
			return
		}
		approval = a
	}
	if !f.currentAttempt(gen) {
		return
	}
	if approval.Err == nil {
		if _, err := f.ctrl.CheckConnection(ctx); err != nil && !errors.Is(err, reconnect.ErrCheckThrottled) {
			f.logger.WithError(err).Warn("check connection after approval failed")
		}
		return
	}

	err := approval.Err
	if !apierrors.HasCode(err, apierrors.CodeUserRejected) {
		err = apierrors.Wrap(apierrors.CodeUserRejected, err)
	}
	if ctx.Err() != nil {
		return
	}
	cancelled, cerr := f.ctrl.CancelAttempt(ctx, gen)
	if cerr != nil {
		f.logger.WithError(cerr).Warn("cancel rejected pairing failed")
	}
	if !cancelled {
		f.logger.WithField("attempt", gen).Debug("ignoring rejection for superseded pairing attempt")
		return
	}
	f.metrics.incPairing("rejected")
	_ = f.failLocked(ctx, err)
}

func (f *Facade) currentAttempt(gen uint64) bool {
	attempt := f.ctrl.Attempt()
	return attempt != nil && attempt.Generation == gen
}

// onPairingResult 在控制器回调中执行，控制器禁止回调同步重入，因此转交后台处理。
func (f *Facade) onPairingResult(res reconnect.Result) {
	f.results.Add(1)
	go func() {
		defer f.results.Done()
		f.handlePairingResult(res)
	}()
}

func (f *Facade) handlePairingResult(res reconnect.Result) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	if !f.currentAttempt(res.Generation) {
		return
	}
	f.metrics.incPairing(res.State.String())
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ResultTimeout)
	defer cancel()

	switch res.State {
	case reconnect.StateFound:
		if res.Record == nil {
			return
		}
		err := f.bindRemoteLocked(ctx, *res.Record)
		f.metrics.incInit(signer.KindRemote, err)
	case reconnect.StateTimedOut:
		_ = f.failLocked(ctx, apierrors.New(apierrors.CodeRelayTimeout, "Wallet connection timed out. Please try again."))
	case reconnect.StateFailed:
		err := res.Err
		if err == nil {
			err = apierrors.New(apierrors.CodeNoActiveSession, "pairing failed")
		}
		_ = f.failLocked(ctx, err)
	}
}

// CheckConnection 手动检查中继。尝试已超时或失败而中继上已有会话时直接绑定。
func (f *Facade) CheckConnection(ctx context.Context) (reconnect.CheckResult, error) {
	if f.ctrl == nil {
		return reconnect.CheckResult{}, apierrors.New(apierrors.CodeNoActiveSession, "remote signing is not configured")
	}
	res, err := f.ctrl.CheckConnection(ctx)
	if err != nil {
		return res, err
	}
	if (res.State == reconnect.StateTimedOut || res.State == reconnect.StateFailed) && res.Record != nil && res.Account != nil {
		f.opMu.Lock()
		defer f.opMu.Unlock()
		bindErr := f.bindRemoteLocked(ctx, *res.Record)
		f.metrics.incInit(signer.KindRemote, bindErr)
		if bindErr != nil {
			return res, bindErr
		}
	}
	return res, nil
}

// CancelPairing 放弃进行中的配对。
func (f *Facade) CancelPairing(ctx context.Context) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	return f.cancelPairingLocked(ctx)
}

func (f *Facade) cancelPairingLocked(ctx context.Context) error {
	if f.approvalCancel != nil {
		f.approvalCancel()
		f.approvalCancel = nil
	}
	if f.ctrl == nil || f.ctrl.State() == reconnect.StateIdle {
		return nil
	}
	return f.ctrl.Cancel(ctx)
}

// PairingStatus 返回配对发现现状。
func (f *Facade) PairingStatus() PairingStatus {
	if f.ctrl == nil {
		return PairingStatus{State: reconnect.StateIdle}
	}
	return PairingStatus{State: f.ctrl.State(), Attempt: f.ctrl.Attempt(), Last: f.ctrl.Last()}
}

func (f *Facade) relayClient(ctx context.Context) (relay.Client, error) {
	if f.holder == nil {
		return nil, apierrors.New(apierrors.CodeNoActiveSession, "relay is not configured")
	}
	client, err := f.holder.Get(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "initialize relay client")
	}
	return client, nil
}

// watchSessionEvents 对每个中继客户端只注册一次会话删除回调。
func (f *Facade) watchSessionEvents(client relay.Client) {
	if client == f.watched {
		return
	}
	f.watched = client
	events, ok := client.(relay.SessionEvents)
	if !ok {
		return
	}
	events.OnSessionDelete(f.onSessionDelete)
}

// onSessionDelete 只使用 f.mu，可在中继回调线程中执行。
func (f *Facade) onSessionDelete(topic string) {
	if f.remote == nil || !f.remote.UnbindTopic(topic) {
		return
	}
	f.mu.Lock()
	snap := f.snap
	if _, ok := f.backend.(*remote.Backend); ok {
		f.backend = nil
		snap.Client = nil
	}
	f.mu.Unlock()
	err := apierrors.New(apierrors.CodeNoActiveSession, "Wallet session was disconnected. Please reconnect your wallet.")
	f.setSnapshot(snap, err)
	f.notifier.Notify(context.Background(), f.notice(err, snap))
	f.logger.WithField("topic", topic).Warn("remote session deleted by wallet")
}
