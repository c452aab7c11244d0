// Package reconnect 驱动远程配对的发现流程：固定节奏轮询中继，直到解析出账户、次数用尽或被取消。
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

// ErrCheckThrottled 表示手动检查过于频繁。
var ErrCheckThrottled = errors.New("connection check rate limited")

// Clock 用于可测试的时间来源。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config 控制轮询节奏。
type Config struct {
	Interval    time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	MaxAttempts int           `yaml:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	ChainID     string        `yaml:"chainId" envconfig:"CHAIN_ID"`
	// CheckRate 与 CheckBurst 限制手动检查频率，CheckRate 为 0 表示不限。
	CheckRate  float64 `yaml:"checkRate" envconfig:"CHECK_RATE"`
	CheckBurst int     `yaml:"checkBurst" envconfig:"CHECK_BURST"`
}

// DefaultConfig 返回 2s 间隔、最多 60 次的默认值。
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		MaxAttempts: 60,
		ChainID:     "neutron-1",
		CheckRate:   1,
		CheckBurst:  3,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.ChainID == "" {
		c.ChainID = def.ChainID
	}
	if c.CheckRate > 0 && c.CheckBurst <= 0 {
		c.CheckBurst = 1
	}
	return c
}

// Result 为一次尝试的终态结果。
type Result struct {
	Generation uint64
	State      State
	Account    relay.Account
	Record     *relay.Record
	Err        error
}

// CheckResult 为手动检查看到的中继现状。
type CheckResult struct {
	State        State
	PairingCount int
	SessionCount int
	// Account 为最新且未过期会话的账户，没有时为 nil。
	Account *relay.Account
	Record  *relay.Record
}

// Controller 为配对发现状态机。任何时刻最多一个进行中的尝试。
type Controller struct {
	cfg     Config
	store   *session.Store
	holder  *relay.Holder
	clock   Clock
	logger  logrus.FieldLogger
	metrics *Metrics
	limiter *rate.Limiter
	manual  bool

	// runMu 串行化 Start/Restore/Cancel/Stop。
	runMu      sync.Mutex
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	state      State
	attempt    *session.PairingAttempt
	generation uint64
	processed  bool
	inFlight   bool
	last       Result
	listeners  []func(Result)
}

// Option 自定义 Controller。
type Option func(*Controller)

// WithClock 注入时钟。
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger 注入日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics 注入指标。
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithManualTicks 不启动后台定时器，由调用方驱动 Tick。
func WithManualTicks() Option {
	return func(c *Controller) { c.manual = true }
}

// New 创建 Controller，holder 与远程后端共享。
func New(cfg Config, store *session.Store, holder *relay.Holder, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.normalize(),
		store:  store,
		holder: holder,
		clock:  realClock{},
		logger: logrus.StandardLogger(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.cfg.CheckRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.cfg.CheckRate), c.cfg.CheckBurst)
	}
	return c
}

// OnResult 注册终态回调，每次尝试最多回调一次。回调内不得同步调用 Start/Restore/Cancel/Stop。
func (c *Controller) OnResult(fn func(Result)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt 返回进行中尝试的副本，Idle 时为 nil。
func (c *Controller) Attempt() *session.PairingAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil {
		return nil
	}
	a := *c.attempt
	return &a
}

// Last 返回最近一次终态结果。
func (c *Controller) Last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start 以新尝试进入 Polling，已有尝试被取代。
// attempt 中的基线计数应在发起连接前取得。
func (c *Controller) Start(ctx context.Context, attempt session.PairingAttempt) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLoop()

	attempt.AttemptsMade = 0
	attempt.Outcome = session.OutcomePending
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = c.clock.Now()
	}
	return c.enter(ctx, EventStart, attempt)
}

// Restore 在重新加载后恢复持久化的尝试，没有可恢复的尝试时返回 false。
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	attempt, err := c.store.LoadPairingAttempt(ctx)
	if err != nil {
		return false, err
	}
	if attempt == nil {
		return false, nil
	}
	if attempt.Outcome != session.OutcomePending {
		return false, c.store.ClearPairingAttempt(ctx)
	}
	c.stopLoop()
	if err := c.enter(ctx, EventRestore, *attempt); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) enter(ctx context.Context, ev Event, attempt session.PairingAttempt) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.setStateLocked(StateIdle)
	}
	next, _ := Transition(c.state, ev)
	c.generation++
	if attempt.Generation >= c.generation {
		c.generation = attempt.Generation + 1
	}
	attempt.Generation = c.generation
	c.attempt = &attempt
	c.processed = false
	c.inFlight = false
	c.setStateLocked(next)
	gen := c.generation
	err := c.store.PersistPairingAttempt(ctx, attempt)
	c.mu.Unlock()
	c.metrics.incAttempt()

	log := c.logger.WithFields(logrus.Fields{"attempt": gen, "event": string(ev), "wallet": attempt.TargetWalletLabel})
	if err != nil {
		log.WithError(err).Warn("persist pairing attempt failed")
	}
	if _, err := c.holder.Get(ctx); err != nil {
		c.finish(gen, EventQueryFailed, Result{Err: err})
		return err
	}
	log.Info("pairing discovery polling")
	c.startLoop(gen)
	return nil
}

// Cancel 从任意状态回到 Idle，清除持久化尝试与计数。
func (c *Controller) Cancel(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLoop()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(ctx)
}

// CancelAttempt 仅当 gen 仍是当前尝试时取消，返回是否执行了取消。
// 已被新尝试取代时不做任何事。generation 只在持有 runMu 时变化。
func (c *Controller) CancelAttempt(ctx context.Context, gen uint64) (bool, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	current := c.attempt != nil && gen == c.generation
	c.mu.Unlock()
	if !current {
		return false, nil
	}
	c.stopLoop()

	c.mu.Lock()
	defer c.mu.Unlock()
	return true, c.cancelLocked(ctx)
}

func (c *Controller) cancelLocked(ctx context.Context) error {
	next, _ := Transition(c.state, EventCancel)
	c.setStateLocked(next)
	c.generation++
	c.attempt = nil
	c.processed = false
	c.logger.Info("pairing discovery cancelled")
	return c.store.ClearPairingAttempt(ctx)
}

// Stop 停止后台定时器，保留状态与持久化尝试，用于进程退出。
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLoop()
}

// Tick 执行一次计入次数的轮询。
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.tick(ctx, gen, false)
}

// CheckConnection 在节奏之外同步查询中继。Polling 时额外执行一次不计次数的轮询，
// 其他状态只返回现状，不改变状态。
func (c *Controller) CheckConnection(ctx context.Context) (CheckResult, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.incManualCheck("throttled")
		return CheckResult{}, ErrCheckThrottled
	}
	c.mu.Lock()
	state, gen := c.state, c.generation
	c.mu.Unlock()
	if state == StatePolling {
		c.tick(ctx, gen, true)
	}

	pairings, sessions, err := c.query(ctx)
	if err != nil {
		c.metrics.incManualCheck("error")
		return CheckResult{State: c.State()}, err
	}
	res := CheckResult{State: c.State(), PairingCount: len(pairings), SessionCount: len(sessions)}
	if rec := relay.LatestRecord(sessions); rec != nil && !rec.Expired(c.clock.Now()) {
		res.Record = rec
		if acc, err := relay.ResolveAccount(*rec, c.cfg.ChainID); err == nil {
			res.Account = &acc
		}
	}
	c.metrics.incManualCheck("ok")
	return res, nil
}

func (c *Controller) tick(ctx context.Context, gen uint64, manual bool) {
	c.mu.Lock()
	if c.state != StatePolling || gen != c.generation || c.processed || c.inFlight {
		c.mu.Unlock()
		c.metrics.incStray()
		return
	}
	c.inFlight = true
	if !manual {
		c.attempt.AttemptsMade++
	}
	baseline := c.attempt.LastKnownSessionCount
	c.mu.Unlock()
	c.metrics.incTick()

	pairings, sessions, err := c.query(ctx)

	c.mu.Lock()
	c.inFlight = false
	if ctx.Err() != nil || c.state != StatePolling || gen != c.generation || c.processed {
		c.mu.Unlock()
		c.metrics.incStray()
		return
	}
	var res *Result
	switch {
	case err != nil:
		res = c.finishLocked(EventQueryFailed, Result{Err: err})
	case len(sessions) > baseline:
		c.processed = true
		res = c.extractLocked(sessions)
	default:
		c.attempt.LastKnownPairingCount = len(pairings)
		if len(sessions) < c.attempt.LastKnownSessionCount {
			c.attempt.LastKnownSessionCount = len(sessions)
		}
		if !manual && c.attempt.AttemptsMade >= c.cfg.MaxAttempts {
			res = c.finishLocked(EventAttemptsExceeded, Result{})
		} else if err := c.store.PersistPairingAttempt(ctx, *c.attempt); err != nil {
			c.logger.WithError(err).Warn("persist pairing progress failed")
		}
	}
	listeners := append([]func(Result){}, c.listeners...)
	c.mu.Unlock()
	if res != nil {
		notify(listeners, *res)
	}
}

func (c *Controller) extractLocked(sessions []relay.Record) *Result {
	rec := relay.LatestRecord(sessions)
	if rec.Expired(c.clock.Now()) {
		return c.finishLocked(EventExtractionFailed, Result{
			Record: rec,
			Err:    apierrors.Newf(apierrors.CodeNoActiveSession, "session %s is already expired", rec.Topic),
		})
	}
	acc, err := relay.ResolveAccount(*rec, c.cfg.ChainID)
	if err != nil {
		return c.finishLocked(EventExtractionFailed, Result{Record: rec, Err: apierrors.Wrap(apierrors.CodeNoActiveSession, err)})
	}
	return c.finishLocked(EventSessionResolved, Result{Record: rec, Account: acc})
}

func (c *Controller) finish(gen uint64, ev Event, res Result) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	out := c.finishLocked(ev, res)
	listeners := append([]func(Result){}, c.listeners...)
	c.mu.Unlock()
	if out != nil {
		notify(listeners, *out)
	}
}

func (c *Controller) finishLocked(ev Event, res Result) *Result {
	next, ok := Transition(c.state, ev)
	if !ok {
		return nil
	}
	c.setStateLocked(next)
	res.Generation = c.generation
	res.State = next
	c.last = res
	if c.attempt != nil {
		switch next {
		case StateFound:
			c.attempt.Outcome = session.OutcomeFound
		case StateTimedOut:
			c.attempt.Outcome = session.OutcomeTimedOut
		default:
			c.attempt.Outcome = session.OutcomeFailed
		}
	}
	if err := c.store.ClearPairingAttempt(context.Background()); err != nil {
		c.logger.WithError(err).Warn("clear pairing attempt failed")
	}
	c.metrics.incOutcome(next)
	entry := c.logger.WithFields(logrus.Fields{"attempt": res.Generation, "state": next.String()})
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	if res.Account.Address != "" {
		entry = entry.WithField("address", res.Account.Address)
	}
	entry.Info("pairing discovery finished")
	return &res
}

func (c *Controller) query(ctx context.Context) ([]relay.Pairing, []relay.Record, error) {
	client, err := c.holder.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	pairings, err := client.Pairings(ctx)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pairings, sessions, nil
}

func (c *Controller) setStateLocked(next State) {
	c.metrics.setState(c.state, next)
	c.state = next
}

func (c *Controller) polling(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePolling && c.generation == gen
}

func (c *Controller) startLoop(gen uint64) {
	if c.manual {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.cfg.Interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				c.tick(ctx, gen, false)
				if !c.polling(gen) {
					return
				}
				timer.Reset(c.cfg.Interval)
			}
		}
	}()
}

func (c *Controller) stopLoop() {
	if c.loopCancel != nil {
		c.loopCancel()
	}
	c.wg.Wait()
	c.loopCancel = nil
}

func notify(listeners []func(Result), res Result) {
	for _, fn := range listeners {
		fn(res)
	}
}
