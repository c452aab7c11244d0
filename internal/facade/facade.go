// Package facade 持有当前唯一的签名后端，是上层应用依赖的唯一入口。
package facade

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-sign/authzsigner/internal/composer"
	"github.com/aegis-sign/authzsigner/internal/keymaterial"
	"github.com/aegis-sign/authzsigner/internal/notify"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/internal/signer"
	"github.com/aegis-sign/authzsigner/internal/signer/extension"
	"github.com/aegis-sign/authzsigner/internal/signer/local"
	"github.com/aegis-sign/authzsigner/internal/signer/remote"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// Config 控制门面行为。
type Config struct {
	ChainID string `yaml:"chainId" envconfig:"CHAIN_ID"`
	// KeyPassphrase 用于加密落盘的助记词，不写入配置文件。
	KeyPassphrase string                   `yaml:"-" envconfig:"KEY_PASSPHRASE"`
	Scrypt        keymaterial.ScryptParams `yaml:"scrypt"`
	// ResultTimeout 为处理配对结果时绑定会话的超时。
	ResultTimeout time.Duration `yaml:"resultTimeout" envconfig:"RESULT_TIMEOUT"`
}

// DefaultConfig 返回默认值。
func DefaultConfig() Config {
	return Config{
		ChainID:       "neutron-1",
		Scrypt:        keymaterial.DefaultScryptParams(),
		ResultTimeout: 10 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ChainID == "" {
		c.ChainID = def.ChainID
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = def.ResultTimeout
	}
	return c
}

// Snapshot 为上层可观察的签名状态。Err 非空时 IsReady 仍为 true，界面据此展示可恢复的错误。
type Snapshot struct {
	Client      *composer.Client
	Address     string
	BackendKind signer.Kind
	IsReady     bool
	Err         error
}

// Deps 为门面依赖的组件。Holder 同时被 Controller 与 Remote 引用。
type Deps struct {
	Store       *session.Store
	Holder      *relay.Holder
	Controller  *reconnect.Controller
	Remote      *remote.Backend
	Extension   extension.Provider
	Composer    *composer.Composer
	Broadcaster *composer.Broadcaster
	Notifier    notify.Notifier
}

// Facade 见包注释。
type Facade struct {
	cfg         Config
	store       *session.Store
	holder      *relay.Holder
	ctrl        *reconnect.Controller
	remote      *remote.Backend
	extProvider extension.Provider
	composer    *composer.Composer
	broadcaster *composer.Broadcaster
	notifier    notify.Notifier
	logger      logrus.FieldLogger
	metrics     *Metrics
	now         func() time.Time

	// opMu 串行化初始化、配对与登出。
	opMu           sync.Mutex
	approvalCancel context.CancelFunc
	approvals      sync.WaitGroup
	results        sync.WaitGroup
	watched        relay.Client

	mu       sync.RWMutex
	snap     Snapshot
	backend  signer.Backend
	watchers map[int]chan Snapshot
	nextID   int
}

// Option 自定义 Facade。
type Option func(*Facade)

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithMetrics 注入指标。
func WithMetrics(m *Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// WithNow 注入时间来源。
func WithNow(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New 创建门面并订阅配对结果。调用方随后应执行 Reinitialize。
func New(cfg Config, deps Deps, opts ...Option) *Facade {
	f := &Facade{
		cfg:         cfg.normalize(),
		store:       deps.Store,
		holder:      deps.Holder,
		ctrl:        deps.Controller,
		remote:      deps.Remote,
		extProvider: deps.Extension,
		composer:    deps.Composer,
		broadcaster: deps.Broadcaster,
		notifier:    deps.Notifier,
		logger:      logrus.StandardLogger(),
		now:         time.Now,
		watchers:    make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.notifier == nil {
		f.notifier = notify.Log{Logger: f.logger}
	}
	if f.ctrl != nil {
		f.ctrl.OnResult(f.onPairingResult)
	}
	return f
}

// Snapshot 返回当前状态。
func (f *Facade) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Backend 返回当前后端，没有时为 nil。
func (f *Facade) Backend() signer.Backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.backend
}

// Subscribe 返回只保留最新值的状态通道，调用 cancel 取消订阅。
func (f *Facade) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = ch
	ch <- f.snap
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.watchers[id]; ok {
			delete(f.watchers, id)
			close(ch)
		}
	}
}

// InitializeWithKeyMaterial 以本地密钥为后端，并加密保存助记词。
func (f *Facade) InitializeWithKeyMaterial(ctx context.Context, km *keymaterial.KeyMaterial) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	err := f.initLocal(ctx, km, true)
	f.metrics.incInit(signer.KindLocal, err)
	return err
}

// ImportPhrase 导入助记词并初始化本地后端。
func (f *Facade) ImportPhrase(ctx context.Context, phrase string) (string, error) {
	km, err := keymaterial.ImportFromPhrase(phrase)
	if err != nil {
		f.fail(ctx, err)
		return "", err
	}
	if err := f.InitializeWithKeyMaterial(ctx, km); err != nil {
		return "", err
	}
	return km.Address(), nil
}

// GenerateAccount 生成新助记词并初始化本地后端，助记词只在此处返回一次。
func (f *Facade) GenerateAccount(ctx context.Context) (address, phrase string, err error) {
	km, err := keymaterial.Generate()
	if err != nil {
		f.fail(ctx, err)
		return "", "", err
	}
	phrase = km.Phrase()
	if err := f.InitializeWithKeyMaterial(ctx, km); err != nil {
		return "", "", err
	}
	return km.Address(), phrase, nil
}

func (f *Facade) initLocal(ctx context.Context, km *keymaterial.KeyMaterial, persist bool) error {
	backend, err := local.New(km)
	if err != nil {
		return f.failLocked(ctx, err)
	}
	if persist {
		if err := f.persistLocal(ctx, km); err != nil {
			return f.failLocked(ctx, err)
		}
	}
	f.cancelPairingLocked(ctx)
	f.activateLocked(backend, km.Address(), signer.KindLocal)
	return nil
}

func (f *Facade) persistLocal(ctx context.Context, km *keymaterial.KeyMaterial) error {
	if f.cfg.KeyPassphrase == "" {
		return apierrors.New(apierrors.CodeInternal, "key passphrase is not configured")
	}
	sealed, err := keymaterial.Seal(km, []byte(f.cfg.KeyPassphrase), f.cfg.Scrypt)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeDerivationFailure, err)
	}
	if err := f.store.SaveSealedPhrase(ctx, sealed); err != nil {
		return err
	}
	if err := f.saveAccount(ctx, km.Address(), km.PublicKey()); err != nil {
		return err
	}
	return f.store.SaveKindHint(ctx, signer.KindLocal)
}

// InitializeWithExtension 请求浏览器钱包授权并以其为后端。
func (f *Facade) InitializeWithExtension(ctx context.Context) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	err := f.initExtension(ctx)
	f.metrics.incInit(signer.KindExtension, err)
	return err
}

func (f *Facade) initExtension(ctx context.Context) error {
	backend := extension.New(f.extProvider, f.cfg.ChainID, f.logger)
	key, err := backend.Connect(ctx)
	if err != nil {
		return f.failLocked(ctx, err)
	}
	if err := f.switchProfile(ctx, key.Address, key.PubKey, signer.KindExtension); err != nil {
		return f.failLocked(ctx, err)
	}
	f.cancelPairingLocked(ctx)
	f.activateLocked(backend, key.Address, signer.KindExtension)
	return nil
}

// InitializeWithRemote 绑定中继上已存在的最新会话。
func (f *Facade) InitializeWithRemote(ctx context.Context) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	err := f.initRemote(ctx)
	f.metrics.incInit(signer.KindRemote, err)
	return err
}

func (f *Facade) initRemote(ctx context.Context) error {
	if f.remote == nil {
		return f.failLocked(ctx, apierrors.New(apierrors.CodeNoActiveSession, "remote signing is not configured"))
	}
	client, err := f.relayClient(ctx)
	if err != nil {
		return f.failLocked(ctx, err)
	}
	f.watchSessionEvents(client)
	rec, err := f.store.CurrentPairingRecord(ctx)
	if err != nil {
		return f.failLocked(ctx, apierrors.Wrap(apierrors.CodeRelayTimeout, err))
	}
	if rec == nil {
		return f.failLocked(ctx, apierrors.New(apierrors.CodeNoActiveSession, "No active WalletConnect session. Please connect your wallet first."))
	}
	return f.bindRemoteLocked(ctx, *rec)
}

func (f *Facade) bindRemoteLocked(ctx context.Context, rec relay.Record) error {
	address, err := f.remote.Bind(rec)
	if err != nil {
		return f.failLocked(ctx, err)
	}
	var pubKey []byte
	if pk, err := f.remote.RefreshPublicKey(ctx); err == nil && !signer.IsPlaceholderPubKey(pk) {
		pubKey = pk
	}
	if err := f.switchProfile(ctx, address, pubKey, signer.KindRemote); err != nil {
		return f.failLocked(ctx, err)
	}
	f.activateLocked(f.remote, address, signer.KindRemote)
	return nil
}

// switchProfile 用新账户替换公开资料。加密助记词以旧地址为附加数据，切换后不再可用，一并删除。
func (f *Facade) switchProfile(ctx context.Context, address string, pubKey []byte, kind signer.Kind) error {
	if err := f.store.ClearSealedPhrase(ctx); err != nil {
		return err
	}
	if err := f.saveAccount(ctx, address, pubKey); err != nil {
		return err
	}
	return f.store.SaveKindHint(ctx, kind)
}

func (f *Facade) saveAccount(ctx context.Context, address string, pubKey []byte) error {
	acc := session.Account{Address: address, PublicKey: pubKey, CreatedAt: f.now().UTC()}
	if prev, err := f.store.LoadAccount(ctx); err == nil && prev != nil && prev.Address == address {
		acc.CreatedAt = prev.CreatedAt
		if len(acc.PublicKey) == 0 {
			acc.PublicKey = prev.PublicKey
		}
	}
	return f.store.SaveAccount(ctx, acc)
}

// Reinitialize 根据持久化状态恢复后端，从不返回错误，失败记录在 Snapshot.Err。
// 顺序：无账户、加密助记词、扩展提示、远程提示、其余只恢复地址。
func (f *Facade) Reinitialize(ctx context.Context) {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.reinitLocked(ctx)
	if f.ctrl != nil {
		if restored, err := f.ctrl.Restore(ctx); err != nil {
			f.logger.WithError(err).Warn("restore pairing attempt failed")
		} else if restored {
			f.logger.Info("pairing attempt restored")
		}
	}
}

func (f *Facade) reinitLocked(ctx context.Context) {
	acc, err := f.store.LoadAccount(ctx)
	if err != nil {
		_ = f.failLocked(ctx, err)
		return
	}
	if acc == nil {
		f.setSnapshot(Snapshot{IsReady: true}, nil)
		return
	}
	sealed, err := f.store.LoadSealedPhrase(ctx)
	if err != nil {
		_ = f.failLocked(ctx, err)
		return
	}
	if sealed != nil {
		km, err := keymaterial.Open(sealed, []byte(f.cfg.KeyPassphrase), acc.Address, keymaterial.DefaultParams())
		if err != nil {
			_ = f.failLocked(ctx, apierrors.Wrap(apierrors.CodeDerivationFailure, err))
			return
		}
		_ = f.initLocal(ctx, km, false)
		return
	}
	kind, err := f.store.LoadKindHint(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("ignoring unknown backend hint")
	}
	switch kind {
	case signer.KindExtension:
		_ = f.initExtension(ctx)
	case signer.KindRemote:
		_ = f.initRemote(ctx)
	default:
		f.setSnapshot(Snapshot{Address: acc.Address, BackendKind: kind, IsReady: true}, nil)
	}
}

// Registered 报告注册交易是否已成功。
func (f *Facade) Registered(ctx context.Context) (bool, error) {
	return f.store.Registered(ctx)
}

// Logout 清除所有持久化状态并断开远程会话。
func (f *Facade) Logout(ctx context.Context) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.cancelPairingLocked(ctx)
	if f.remote != nil {
		if rec := f.remote.Record(); rec != nil {
			if client := f.holder.Current(); client != nil {
				if err := client.Disconnect(ctx, rec.Topic, relay.ReasonUserDisconnected); err != nil {
					f.logger.WithError(err).WithField("topic", rec.Topic).Warn("disconnect remote session failed")
				}
			}
		}
		f.remote.Unbind()
	}
	err := f.store.Clear(ctx)
	f.activateLocked(nil, "", signer.KindNone)
	f.logger.Info("signer logged out")
	return err
}

// Close 停止后台任务并关闭中继客户端。
func (f *Facade) Close() error {
	f.opMu.Lock()
	if f.approvalCancel != nil {
		f.approvalCancel()
		f.approvalCancel = nil
	}
	f.opMu.Unlock()
	f.approvals.Wait()
	if f.ctrl != nil {
		f.ctrl.Stop()
	}
	f.results.Wait()

	f.mu.Lock()
	prev := f.backend
	f.backend = nil
	f.mu.Unlock()
	if lb, ok := prev.(*local.Backend); ok {
		_ = lb.Close()
	}
	if f.holder != nil {
		return f.holder.Close()
	}
	return nil
}

// activateLocked 整体替换当前后端。
func (f *Facade) activateLocked(backend signer.Backend, address string, kind signer.Kind) {
	f.mu.Lock()
	prev := f.backend
	f.backend = backend
	f.mu.Unlock()

	if prev != nil && prev != backend {
		switch p := prev.(type) {
		case *local.Backend:
			_ = p.Close()
		case *remote.Backend:
			if kind != signer.KindRemote {
				p.Unbind()
			}
		}
	}
	snap := Snapshot{Address: address, BackendKind: kind, IsReady: true}
	if backend != nil {
		snap.Client = f.newClient(backend)
		f.logger.WithFields(logrus.Fields{"backend": kind.String(), "address": address}).Info("signing backend active")
	}
	f.setSnapshot(snap, nil)
	f.metrics.setActive(kind)
}

func (f *Facade) newClient(backend signer.Backend) *composer.Client {
	if f.composer == nil || f.broadcaster == nil {
		return nil
	}
	return composer.NewClient(f.composer, f.broadcaster, backend, composer.WithRegisterHook(f.markRegistered))
}

func (f *Facade) markRegistered(ctx context.Context, txHash string) {
	if err := f.store.SetRegistered(ctx, true); err != nil {
		f.logger.WithError(err).Warn("persist registered flag failed")
		return
	}
	f.logger.WithField("tx_hash", txHash).Info("registration recorded")
}

// failLocked 记录错误并保留已有后端，返回原错误。
func (f *Facade) failLocked(ctx context.Context, err error) error {
	f.mu.RLock()
	snap := f.snap
	f.mu.RUnlock()
	snap.IsReady = true
	f.setSnapshot(snap, err)
	f.notifier.Notify(ctx, f.notice(err, snap))
	return err
}

func (f *Facade) fail(ctx context.Context, err error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	_ = f.failLocked(ctx, err)
}

func (f *Facade) notice(err error, snap Snapshot) notify.Notice {
	n := notify.FromError(err)
	n.Backend = snap.BackendKind.String()
	n.Address = snap.Address
	n.Time = f.now()
	return n
}

func (f *Facade) setSnapshot(snap Snapshot, err error) {
	snap.Err = err
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	for _, ch := range f.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
