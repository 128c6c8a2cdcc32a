package resilience

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:             "vehicles",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Now:              clock.Now,
	})
}

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.RecordFailure(gen)
	}
}

func admit(t *testing.T, cb *CircuitBreaker) uint64 {
	t.Helper()
	gen, err := cb.Allow()
	require.NoError(t, err)
	return gen
}

func allowErr(cb *CircuitBreaker) error {
	_, err := cb.Allow()
	return err
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "x"})
	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, DefaultFailureThreshold, snap.FailureThreshold)
	assert.Nil(t, snap.LastFailureTime)
	assert.NoError(t, allowErr(cb))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	err := allowErr(cb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 30*time.Second, openErr.Remaining)
	assert.Contains(t, openErr.Error(), "retry in 30s")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	failN(t, cb, 4)
	cb.RecordSuccess(admit(t, cb))
	assert.Equal(t, 0, cb.Snapshot().FailureCount)

	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRemainingCooldownShrinks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	failN(t, cb, 5)

	clock.Advance(20 * time.Second)
	var openErr *CircuitOpenError
	require.True(t, errors.As(allowErr(cb), &openErr))
	assert.Equal(t, 10*time.Second, openErr.Remaining)
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	failN(t, cb, 5)

	clock.Advance(30 * time.Second)
	trial := admit(t, cb)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)

	cb.RecordSuccess(trial)
	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	failN(t, cb, 5)

	clock.Advance(31 * time.Second)
	cb.RecordFailure(admit(t, cb))

	assert.Equal(t, StateOpen, cb.State())
	var openErr *CircuitOpenError
	require.True(t, errors.As(allowErr(cb), &openErr))
	assert.Equal(t, 30*time.Second, openErr.Remaining)
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	failN(t, cb, 5)
	clock.Advance(time.Minute)

	trial := admit(t, cb)
	err := allowErr(cb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	cb.Abort(trial)
	assert.NoError(t, allowErr(cb))
}

func TestBreakerIgnoresLateSuccessWhileOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(Settings{
		Name:             "vehicles",
		FailureThreshold: 2,
		Cooldown:         30 * time.Second,
		Now:              clock.Now,
	})

	slow := admit(t, cb)
	failN(t, cb, 2)
	require.Equal(t, StateOpen, cb.State())

	cb.RecordSuccess(slow)

	assert.Equal(t, StateOpen, cb.State())
	var openErr *CircuitOpenError
	require.True(t, errors.As(allowErr(cb), &openErr))
	assert.Equal(t, 30*time.Second, openErr.Remaining)
}

func TestBreakerLateFailureDoesNotExtendCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	slow := admit(t, cb)
	failN(t, cb, 5)

	clock.Advance(20 * time.Second)
	cb.RecordFailure(slow)

	var openErr *CircuitOpenError
	require.True(t, errors.As(allowErr(cb), &openErr))
	assert.Equal(t, 10*time.Second, openErr.Remaining)
	assert.Equal(t, 5, cb.Snapshot().FailureCount)
}

func TestBreakerIgnoresOutcomesFromBeforeHalfOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	slow := admit(t, cb)
	failN(t, cb, 5)
	clock.Advance(30 * time.Second)
	trial := admit(t, cb)

	cb.Abort(slow)
	assert.Error(t, allowErr(cb), "half-open slot must stay taken")

	cb.RecordSuccess(slow)
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess(trial)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresOutcomesFromBeforeReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(Settings{Name: "vehicles", FailureThreshold: 1, Now: clock.Now})

	slow := admit(t, cb)
	cb.Reset()
	cb.RecordFailure(slow)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
}

func TestBreakerReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)
	failN(t, cb, 5)

	cb.Reset()
	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Nil(t, snap.LastFailureTime)
	assert.NoError(t, allowErr(cb))
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:             "cities",
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+string(from)+"->"+string(to))
		},
	})

	failN(t, cb, 1)
	clock.Advance(time.Second)
	cb.RecordSuccess(admit(t, cb))

	assert.Equal(t, []string{
		"cities:CLOSED->OPEN",
		"cities:OPEN->HALF_OPEN",
		"cities:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCircuitBreaker(Settings{Name: "vehicles"}))
	r.Register(NewCircuitBreaker(Settings{Name: "cities"}))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "cities", snaps[0].Name)
	assert.Equal(t, "vehicles", snaps[1].Name)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}
