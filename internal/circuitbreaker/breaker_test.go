package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/mbd888/quietguard/internal/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, window time.Duration, opts ...Option) (*Breaker, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	return New(threshold, window, append([]Option{WithClock(fc)}, opts...)...), fc
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("u1"))
	b.RecordFailure("u1")
	b.RecordFailure("u1")
	assert.True(t, b.Allow("u1"), "below threshold")

	b.RecordFailure("u1")
	assert.False(t, b.Allow("u1"))
	assert.Equal(t, StateOpen, b.State("u1"))
	assert.Equal(t, StateClosed, b.State("u2"), "circuits are per user")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("u1")
	b.RecordSuccess("u1")
	b.RecordFailure("u1")
	assert.Equal(t, StateClosed, b.State("u1"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, fc := newTestBreaker(1, time.Minute)

	b.RecordFailure("u1")
	fc.Advance(59 * time.Second)
	require.False(t, b.Allow("u1"))

	fc.Advance(time.Second)
	require.True(t, b.Allow("u1"), "window elapsed: probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("u1"))
	assert.False(t, b.Allow("u1"), "only one probe at a time")

	b.RecordSuccess("u1")
	assert.Equal(t, StateClosed, b.State("u1"))
	assert.True(t, b.Allow("u1"))
}

func TestBreaker_FailedProbeReopensForFullWindow(t *testing.T) {
	b, fc := newTestBreaker(1, time.Minute)

	b.RecordFailure("u1")
	fc.Advance(time.Minute)
	require.True(t, b.Allow("u1"))

	b.RecordFailure("u1")
	assert.Equal(t, StateOpen, b.State("u1"))
	fc.Advance(30 * time.Second)
	assert.False(t, b.Allow("u1"))
	fc.Advance(30 * time.Second)
	assert.True(t, b.Allow("u1"))
}

func TestBreaker_TransitionHookAndMetric(t *testing.T) {
	type change struct {
		key      string
		from, to State
	}
	var got []change
	b, fc := newTestBreaker(1, time.Second, WithTransitionHook(func(key string, from, to State) {
		got = append(got, change{key, from, to})
	}))
	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("closed", "open"))

	b.RecordFailure("u1")
	fc.Advance(time.Second)
	b.Allow("u1")
	b.RecordSuccess("u1")

	assert.Equal(t, []change{
		{"u1", StateClosed, StateOpen},
		{"u1", StateOpen, StateHalfOpen},
		{"u1", StateHalfOpen, StateClosed},
	}, got)
	assert.Equal(t, before+1, testutil.ToFloat64(transitionsTotal.WithLabelValues("closed", "open")))
}

func TestBreaker_OpenAndForget(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure("u2")
	b.RecordFailure("u1")
	assert.Equal(t, []string{"u1", "u2"}, b.Open())

	b.Forget("u1")
	assert.Equal(t, []string{"u2"}, b.Open())
	assert.True(t, b.Allow("u1"))
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}

func TestBreaker_Concurrent(t *testing.T) {
	b, _ := newTestBreaker(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Allow("u1")
				b.RecordFailure("u1")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, b.State("u1"))
}
