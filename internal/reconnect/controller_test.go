package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/authzsigner/internal/infra/kvstore"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/relay/relaytest"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/pkg/apierrors"
)

const pairedAccount = "cosmos:neutron-1:neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

type harness struct {
	fake    *relaytest.Fake
	kv      *kvstore.Memory
	store   *session.Store
	ctrl    *Controller
	metrics *Metrics
	rec     *recorder
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fake:    relaytest.New(),
		kv:      kvstore.NewMemory(),
		metrics: NewMetrics(prometheus.NewRegistry()),
		rec:     &recorder{},
		clock:   newFakeClock(time.Now()),
	}
	holder := relay.NewStaticHolder(h.fake)
	h.store = session.New(h.kv, holder, nil)
	opts = append([]Option{WithMetrics(h.metrics), WithClock(h.clock)}, opts...)
	h.ctrl = New(cfg, h.store, holder, opts...)
	h.ctrl.OnResult(h.rec.add)
	t.Cleanup(h.ctrl.Stop)
	return h
}

func manualConfig(max int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = max
	cfg.CheckRate = 0
	return cfg
}

func newAttempt() session.PairingAttempt {
	return session.PairingAttempt{ConnectionURI: "wc:pairing-1@2?relay-protocol=irn", TargetWalletLabel: "Keplr"}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateIdle, EventStart, StatePolling, true},
		{StateIdle, EventRestore, StatePolling, true},
		{StatePolling, EventStart, StatePolling, false},
		{StateFound, EventStart, StateFound, false},
		{StateTimedOut, EventRestore, StateTimedOut, false},
		{StatePolling, EventSessionResolved, StateFound, true},
		{StatePolling, EventExtractionFailed, StateFailed, true},
		{StatePolling, EventQueryFailed, StateFailed, true},
		{StatePolling, EventAttemptsExceeded, StateTimedOut, true},
		{StateIdle, EventSessionResolved, StateIdle, false},
		{StateFound, EventSessionResolved, StateFound, false},
		{StateFound, EventCancel, StateIdle, true},
		{StateFailed, EventCancel, StateIdle, true},
		{StatePolling, EventCancel, StateIdle, true},
	}
	for _, tc := range cases {
		got, ok := Transition(tc.from, tc.ev)
		require.Equal(t, tc.to, got, "%s + %s", tc.from, tc.ev)
		require.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.ev)
	}
	require.True(t, StateTimedOut.Terminal())
	require.False(t, StatePolling.Terminal())
	require.Equal(t, "UNKNOWN", State("x").String())
}

func TestFoundExactlyOnceOnTickN(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	require.Equal(t, StatePolling, h.ctrl.State())

	const n = 4
	for i := 1; i < n; i++ {
		h.ctrl.Tick(ctx)
		require.Equal(t, StatePolling, h.ctrl.State())
	}
	require.Equal(t, n-1, h.ctrl.Attempt().AttemptsMade)

	h.fake.AddSession(pairedAccount)
	h.ctrl.Tick(ctx)
	require.Equal(t, StateFound, h.ctrl.State())
	queries := h.fake.SessionQueries()

	h.ctrl.Tick(ctx)
	h.fake.AddSession(pairedAccount)
	h.ctrl.Tick(ctx)

	results := h.rec.all()
	require.Len(t, results, 1)
	require.Equal(t, StateFound, results[0].State)
	require.Equal(t, "neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc", results[0].Account.Address)
	require.Equal(t, queries, h.fake.SessionQueries())

	attempt, err := h.store.LoadPairingAttempt(ctx)
	require.NoError(t, err)
	require.Nil(t, attempt)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.outcomes.WithLabelValues("FOUND")))
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.strayTicks))
}

func TestTimedOutStopsRelayCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(5), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))

	for i := 0; i < 5; i++ {
		h.ctrl.Tick(ctx)
	}
	require.Equal(t, StateTimedOut, h.ctrl.State())
	require.Equal(t, 5, h.fake.SessionQueries())

	for i := 0; i < 3; i++ {
		h.ctrl.Tick(ctx)
	}
	require.Equal(t, 5, h.fake.SessionQueries())
	require.Len(t, h.rec.all(), 1)
	require.Equal(t, StateTimedOut, h.rec.all()[0].State)

	attempt, err := h.store.LoadPairingAttempt(ctx)
	require.NoError(t, err)
	require.Nil(t, attempt)
}

func TestTimerLoopTimesOutAndStops(t *testing.T) {
	cfg := manualConfig(3)
	cfg.Interval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.ctrl.Start(context.Background(), newAttempt()))

	require.Eventually(t, func() bool { return h.ctrl.State() == StateTimedOut }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 3, h.fake.SessionQueries())
}

func TestTimerLoopFindsSession(t *testing.T) {
	cfg := manualConfig(100)
	cfg.Interval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	require.NoError(t, h.ctrl.Start(context.Background(), newAttempt()))
	h.fake.AddSession(pairedAccount)

	require.Eventually(t, func() bool { return len(h.rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateFound, h.ctrl.State())
}

func TestBaselineSessionsAreNotReprocessed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	h.fake.AddSession("cosmos:neutron-1:neutron1stale")

	attempt := newAttempt()
	attempt.LastKnownSessionCount = 1
	require.NoError(t, h.ctrl.Start(ctx, attempt))
	h.ctrl.Tick(ctx)
	require.Equal(t, StatePolling, h.ctrl.State())

	h.fake.AddSession(pairedAccount)
	h.ctrl.Tick(ctx)
	require.Equal(t, StateFound, h.ctrl.State())
	require.Equal(t, "neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc", h.ctrl.Last().Account.Address)
}

func TestCancelReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	h.ctrl.Tick(ctx)

	require.NoError(t, h.ctrl.Cancel(ctx))
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Nil(t, h.ctrl.Attempt())
	attempt, err := h.store.LoadPairingAttempt(ctx)
	require.NoError(t, err)
	require.Nil(t, attempt)

	queries := h.fake.SessionQueries()
	h.fake.AddSession(pairedAccount)
	h.ctrl.Tick(ctx)
	require.Equal(t, queries, h.fake.SessionQueries())
	require.Empty(t, h.rec.all())
}

func TestCancelAttemptOnlyCancelsCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	oldGen := h.ctrl.Attempt().Generation

	second := newAttempt()
	second.ConnectionURI = "wc:pairing-2@2"
	require.NoError(t, h.ctrl.Start(ctx, second))
	newGen := h.ctrl.Attempt().Generation

	cancelled, err := h.ctrl.CancelAttempt(ctx, oldGen)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.Equal(t, StatePolling, h.ctrl.State())
	persisted, err := h.store.LoadPairingAttempt(ctx)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	require.Equal(t, newGen, persisted.Generation)

	cancelled, err = h.ctrl.CancelAttempt(ctx, newGen)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, StateIdle, h.ctrl.State())
	require.Nil(t, h.ctrl.Attempt())

	cancelled, err = h.ctrl.CancelAttempt(ctx, newGen)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestStrayTickFromSupersededAttemptIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	oldGen := h.ctrl.Attempt().Generation

	second := newAttempt()
	second.ConnectionURI = "wc:pairing-2@2"
	require.NoError(t, h.ctrl.Start(ctx, second))
	require.Greater(t, h.ctrl.Attempt().Generation, oldGen)

	h.fake.AddSession(pairedAccount)
	h.ctrl.tick(ctx, oldGen, false)
	require.Equal(t, StatePolling, h.ctrl.State())
	require.Zero(t, h.ctrl.Attempt().AttemptsMade)

	h.ctrl.Tick(ctx)
	results := h.rec.all()
	require.Len(t, results, 1)
	require.Equal(t, h.ctrl.Last().Generation, results[0].Generation)
}

func TestExpiredRecordFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	rec := h.fake.AddSession(pairedAccount)
	h.fake.SetExpiry(rec.Topic, h.clock.Now().Add(-time.Second))

	h.ctrl.Tick(ctx)
	require.Equal(t, StateFailed, h.ctrl.State())
	res := h.rec.all()[0]
	require.True(t, apierrors.HasCode(res.Err, apierrors.CodeNoActiveSession))

	queries := h.fake.SessionQueries()
	h.ctrl.Tick(ctx)
	require.Equal(t, queries, h.fake.SessionQueries())
}

func TestUnparsableAccountFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	h.fake.AddSession("garbage")
	h.ctrl.Tick(ctx)
	require.Equal(t, StateFailed, h.ctrl.State())
}

func TestQueryFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	h.fake.SessionsErr = errors.New("relay unavailable")
	h.ctrl.Tick(ctx)
	require.Equal(t, StateFailed, h.ctrl.State())
	require.EqualError(t, h.ctrl.Last().Err, "relay unavailable")
}

func TestRestoreResumesPersistedAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())

	restored, err := h.ctrl.Restore(ctx)
	require.NoError(t, err)
	require.False(t, restored)

	attempt := newAttempt()
	attempt.Generation = 7
	attempt.AttemptsMade = 4
	attempt.Outcome = session.OutcomePending
	require.NoError(t, h.store.PersistPairingAttempt(ctx, attempt))

	restored, err = h.ctrl.Restore(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, StatePolling, h.ctrl.State())
	require.Equal(t, 4, h.ctrl.Attempt().AttemptsMade)
	require.Greater(t, h.ctrl.Attempt().Generation, uint64(7))

	h.fake.AddSession(pairedAccount)
	h.ctrl.Tick(ctx)
	require.Equal(t, StateFound, h.ctrl.State())
}

func TestRestoreDropsFinishedAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	attempt := newAttempt()
	attempt.Outcome = session.OutcomeTimedOut
	require.NoError(t, h.store.PersistPairingAttempt(ctx, attempt))

	restored, err := h.ctrl.Restore(ctx)
	require.NoError(t, err)
	require.False(t, restored)
	require.Empty(t, h.kv.Keys())
}

func TestCheckConnectionAfterTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(1), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	h.ctrl.Tick(ctx)
	require.Equal(t, StateTimedOut, h.ctrl.State())

	h.fake.AddSession(pairedAccount)
	res, err := h.ctrl.CheckConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, StateTimedOut, res.State)
	require.Equal(t, 1, res.SessionCount)
	require.NotNil(t, res.Account)
	require.Equal(t, "neutron1r5v5srda7xfth3hn2s26txvrcrntldjul5wedc", res.Account.Address)
	require.Len(t, h.rec.all(), 1)
}

func TestCheckConnectionWhilePollingActsAsExtraTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, manualConfig(10), WithManualTicks())
	require.NoError(t, h.ctrl.Start(ctx, newAttempt()))
	h.fake.AddSession(pairedAccount)

	res, err := h.ctrl.CheckConnection(ctx)
	require.NoError(t, err)
	require.Equal(t, StateFound, res.State)
	require.Zero(t, h.ctrl.Attempt().AttemptsMade)
	require.Len(t, h.rec.all(), 1)
}

func TestCheckConnectionIsRateLimited(t *testing.T) {
	cfg := manualConfig(10)
	cfg.CheckRate = 0.001
	cfg.CheckBurst = 1
	h := newHarness(t, cfg, WithManualTicks())
	_, err := h.ctrl.CheckConnection(context.Background())
	require.NoError(t, err)
	_, err = h.ctrl.CheckConnection(context.Background())
	require.ErrorIs(t, err, ErrCheckThrottled)
}
