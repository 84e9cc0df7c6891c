package reconnect_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/notification-delivery/internal/reconnect"
)

func TestDelay_MonotonicAndCapped(t *testing.T) {
	s := reconnect.New(reconnect.Config{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10}, clockwork.NewFakeClock())

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	prev := time.Duration(0)
	for i, w := range want {
		d := s.Delay(i + 1)
		assert.Equal(t, w*time.Second, d, "failure %d", i+1)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestSchedule_FiresOnceAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := reconnect.New(reconnect.Config{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}, clock)

	var fired atomic.Int32
	delay, err := s.Schedule(2, func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, delay)
	at, pending := s.Pending()
	assert.True(t, pending)
	assert.Equal(t, clock.Now().Add(2*time.Second), at)

	clock.Advance(1999 * time.Millisecond)
	assert.Zero(t, fired.Load())
	clock.Advance(time.Millisecond)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	_, pending = s.Pending()
	assert.False(t, pending)
}

func TestSchedule_ReplacesPendingTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := reconnect.New(reconnect.Config{Base: time.Second, MaxAttempts: 5}, clock)

	var first, second atomic.Int32
	_, _ = s.Schedule(1, func() { first.Add(1) })
	_, _ = s.Schedule(1, func() { second.Add(1) })

	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestSchedule_NoTimerAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := reconnect.New(reconnect.Config{Base: time.Second, MaxAttempts: 3}, clock)

	var fired atomic.Int32
	_, err := s.Schedule(2, func() { fired.Add(1) })
	require.NoError(t, err)

	_, err = s.Schedule(3, func() { fired.Add(1) })
	assert.ErrorIs(t, err, reconnect.ErrExhausted)
	_, pending := s.Pending()
	assert.False(t, pending, "exhaustion also cancels the earlier timer")

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return fired.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCancelAndFire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := reconnect.New(reconnect.Config{}, clock)

	var fired atomic.Int32
	assert.False(t, s.Fire(func() { fired.Add(1) }))

	_, _ = s.Schedule(1, func() { fired.Add(1) })
	assert.True(t, s.Fire(func() { fired.Add(10) }))
	assert.Equal(t, int32(10), fired.Load())

	_, _ = s.Schedule(1, func() { fired.Add(1) })
	s.Cancel()
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return fired.Load() != 10 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, reconnect.DefaultMaxAttempts, s.MaxAttempts())
}
