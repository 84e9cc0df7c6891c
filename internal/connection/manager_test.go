package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/notification-delivery/internal/cache"
	"vn.io.arda/notification-delivery/internal/connection"
	"vn.io.arda/notification-delivery/internal/dispatch"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/memory"
	"vn.io.arda/notification-delivery/internal/polling"
	"vn.io.arda/notification-delivery/internal/reconnect"
	"vn.io.arda/notification-delivery/internal/subscription"
)

const wait = 2 * time.Second

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type harness struct {
	m      *connection.Manager
	tr     *memory.Transport
	clock  fakeClock
	sched  *reconnect.Scheduler
	poller *polling.Engine
	reg    *subscription.Registry
}

func newHarness(t *testing.T, maxAttempts int, cfg connection.Config) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	catalog, err := domain.NewCatalog(domain.DefaultTopics()...)
	require.NoError(t, err)

	d := dispatch.New(cache.New(nil, cache.Options{Clock: clock}))
	reg := subscription.New(catalog, d)
	_, err = reg.Register(domain.TopicBroadcast, "", func(domain.Change) {})
	require.NoError(t, err)

	h := &harness{tr: memory.NewTransport(), clock: clock, reg: reg}
	h.sched = reconnect.New(reconnect.Config{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: maxAttempts}, clock)
	h.poller = polling.New(memory.NewStore(), reg.PollTargets, reg.DeliverPolled, func() { h.m.Upgrade() },
		polling.Config{Base: 5 * time.Second}, clock)
	h.m = connection.New(connection.Options{
		Transport: h.tr,
		Registry:  reg,
		Scheduler: h.sched,
		Poller:    h.poller,
		Clock:     clock,
		Config:    cfg,
	})
	t.Cleanup(func() {
		h.m.Shutdown()
		reg.Close()
	})
	return h
}

func (h *harness) waitFor(t *testing.T, status domain.Status, failures int) domain.ConnectionState {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.m.State()
		return s.Status == status && s.ConsecutiveFailureCount == failures
	}, wait, time.Millisecond, "want %s/%d, have %+v", status, failures, h.m.State())
	return h.m.State()
}

// gate blocks dials until released.
type gate struct {
	once    sync.Once
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) hook(ctx context.Context) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func TestInitialState(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	s := h.m.State()
	assert.Equal(t, domain.StatusOffline, s.Status)
	assert.Equal(t, domain.StrategyCacheOnly, s.Strategy)
	assert.True(t, s.NetworkOnline)
}

func TestConnect_ReachesConnected(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	require.NoError(t, h.m.Connect())

	s := h.waitFor(t, domain.StatusConnected, 0)
	assert.Equal(t, domain.StrategyPush, s.Strategy)
	assert.Equal(t, h.clock.Now(), s.LastConnectedAt)
	require.Eventually(t, func() bool { return h.tr.Handles() == 1 }, wait, time.Millisecond)
	assert.False(t, h.poller.Running())
}

func TestReconnect_IdempotentSingleDial(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	g := newGate()
	h.tr.SetDialHook(g.hook)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.Reconnect())
		}()
	}
	wg.Wait()
	require.NoError(t, h.m.NotifyOnline())
	require.NoError(t, h.m.NotifyVisible())
	require.NoError(t, h.m.Connect())

	assert.Equal(t, domain.StatusConnecting, h.m.State().Status)
	require.Eventually(t, func() bool { return h.tr.Dials() == 1 }, wait, time.Millisecond)

	g.open()
	h.waitFor(t, domain.StatusConnected, 0)
	assert.Equal(t, 1, h.tr.Dials())
	assert.Equal(t, 1, h.tr.OpenChannels())
}

func TestScenarioB_ExhaustionThenExplicitReconnect(t *testing.T) {
	h := newHarness(t, 3, connection.Config{})
	h.tr.FailNext(3)
	require.NoError(t, h.m.Connect())

	s := h.waitFor(t, domain.StatusDegraded, 1)
	assert.Equal(t, domain.StrategyPolling, s.Strategy)
	assert.Equal(t, h.clock.Now().Add(time.Second), s.NextRetryAt)
	assert.True(t, h.poller.Running(), "polling runs alongside push retries")

	h.clock.Advance(time.Second)
	h.waitFor(t, domain.StatusDegraded, 2)
	h.clock.Advance(2 * time.Second)

	s = h.waitFor(t, domain.StatusOffline, 3)
	assert.Equal(t, domain.StrategyPolling, s.Strategy, "polling stays on as the floor")
	_, pending := h.sched.Pending()
	assert.False(t, pending)
	h.clock.Advance(time.Hour)
	assert.Equal(t, 3, h.tr.Dials(), "no automatic retry after exhaustion")

	g := newGate()
	h.tr.SetDialHook(g.hook)
	require.NoError(t, h.m.Reconnect())
	s = h.m.State()
	assert.Equal(t, domain.StatusConnecting, s.Status)
	assert.Zero(t, s.ConsecutiveFailureCount)

	g.open()
	h.waitFor(t, domain.StatusConnected, 0)
	assert.False(t, h.poller.Running())
}

func TestReconnect_FromConnectedPollsUntilRedialed(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusConnected, 0)
	require.False(t, h.poller.Running())

	g := newGate()
	h.tr.SetDialHook(g.hook)
	require.NoError(t, h.m.Reconnect())

	s := h.m.State()
	assert.Equal(t, domain.StatusConnecting, s.Status)
	assert.Equal(t, domain.StrategyPolling, s.Strategy)
	assert.True(t, h.poller.Running(), "polling covers the gap while the new channel dials")

	g.open()
	s = h.waitFor(t, domain.StatusConnected, 0)
	assert.Equal(t, domain.StrategyPush, s.Strategy)
	assert.False(t, h.poller.Running())
}

func TestChannelLoss_DegradesThenRecovers(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusConnected, 0)

	h.tr.Drop(errors.New("socket reset"))
	s := h.waitFor(t, domain.StatusDegraded, 1)
	assert.Equal(t, domain.StrategyPolling, s.Strategy)
	assert.Zero(t, h.reg.Handles())

	h.clock.Advance(time.Second)
	h.waitFor(t, domain.StatusConnected, 0)
	assert.False(t, h.poller.Running())
	require.Eventually(t, func() bool { return h.reg.Handles() == 1 }, wait, time.Millisecond)
	assert.Equal(t, 2, h.tr.Dials())
}

func TestNotifyOffline_StopsEverything(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	h.tr.FailNext(1)
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusDegraded, 1)

	require.NoError(t, h.m.NotifyOffline())
	s := h.m.State()
	assert.Equal(t, domain.StatusOffline, s.Status)
	assert.Equal(t, domain.StrategyCacheOnly, s.Strategy)
	assert.False(t, s.NetworkOnline)
	assert.False(t, h.poller.Running())
	_, pending := h.sched.Pending()
	assert.False(t, pending)

	require.NoError(t, h.m.NotifyOnline())
	h.waitFor(t, domain.StatusConnected, 0)
	assert.True(t, h.m.State().NetworkOnline)
}

func TestNotifyVisible_FiresPendingRetry(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	h.tr.FailNext(1)
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusDegraded, 1)

	require.NoError(t, h.m.NotifyVisible())
	h.waitFor(t, domain.StatusConnected, 0)
	assert.Equal(t, 2, h.tr.Dials())
}

func TestWakeSignalsIgnoredAfterDisconnect(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusConnected, 0)

	require.NoError(t, h.m.Disconnect())
	assert.Equal(t, domain.StatusOffline, h.m.State().Status)
	assert.Zero(t, h.tr.OpenChannels())

	require.NoError(t, h.m.NotifyVisible())
	require.NoError(t, h.m.NotifyOnline())
	assert.Equal(t, domain.StatusOffline, h.m.State().Status)
	assert.Equal(t, 1, h.tr.Dials())
}

func TestOpenTimeout_CountsAsFailure(t *testing.T) {
	h := newHarness(t, 5, connection.Config{OpenTimeout: 20 * time.Millisecond})
	h.tr.SetDialHook(newGate().hook)

	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusDegraded, 1)
}

func TestSetPollingFallback(t *testing.T) {
	h := newHarness(t, 5, connection.Config{DisablePolling: true})
	h.tr.FailNext(1)
	require.NoError(t, h.m.Connect())
	s := h.waitFor(t, domain.StatusDegraded, 1)
	assert.Equal(t, domain.StrategyCacheOnly, s.Strategy)
	assert.False(t, h.poller.Running())

	require.NoError(t, h.m.SetPollingFallback(true))
	assert.True(t, h.m.PollingEnabled())
	assert.True(t, h.poller.Running())

	require.NoError(t, h.m.SetPollingFallback(false))
	assert.False(t, h.poller.Running())
	assert.Equal(t, domain.StrategyCacheOnly, h.m.State().Strategy)
}

func TestShutdown_NoTimersOutliveManager(t *testing.T) {
	h := newHarness(t, 5, connection.Config{})
	h.tr.FailNext(1)
	states, cancel := h.m.Watch(16)
	defer cancel()
	require.NoError(t, h.m.Connect())
	h.waitFor(t, domain.StatusDegraded, 1)

	h.m.Shutdown()
	h.m.Shutdown()

	_, pending := h.sched.Pending()
	assert.False(t, pending)
	assert.False(t, h.poller.Running())
	assert.ErrorIs(t, h.m.Reconnect(), connection.ErrShutdown)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.tr.Dials())

	var last domain.ConnectionState
	for s := range states.C() {
		last = s
	}
	assert.Equal(t, domain.StatusOffline, last.Status)
}
