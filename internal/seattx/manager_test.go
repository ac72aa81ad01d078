package seattx

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

type call struct {
	op     string
	tripID uint64
	seats  []string
}

type fakeAPI struct {
	mu        sync.Mutex
	calls     []call
	lockErr   error
	unlockErr error
	lockedAt  time.Time
	gates     map[uint64]chan struct{}
}

func (f *fakeAPI) LockSeats(ctx context.Context, tripID uint64, seats []string) (apiclient.LockResult, error) {
	f.mu.Lock()
	gate := f.gates[tripID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"lock", tripID, seats})
	if f.lockErr != nil {
		return apiclient.LockResult{}, f.lockErr
	}
	return apiclient.LockResult{Success: true, LockedAt: f.lockedAt}, nil
}

func (f *fakeAPI) UnlockSeats(ctx context.Context, tripID uint64, seats []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"unlock", tripID, seats})
	return f.unlockErr
}

func (f *fakeAPI) byOp(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type countingCache struct {
	mu    sync.Mutex
	count map[uint64]int
}

func (c *countingCache) Invalidate(tripID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = map[uint64]int{}
	}
	c.count[tripID]++
}

func (c *countingCache) n(tripID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[tripID]
}

func TestEmptySeatsAreNoOps(t *testing.T) {
	api, cache := &fakeAPI{}, &countingCache{}
	m := NewManager(api, cache)
	require.NoError(t, m.Lock(context.Background(), 1, nil))
	m.Unlock(context.Background(), 1, []string{})
	assert.Empty(t, api.calls)
	assert.Equal(t, 0, cache.n(1))
}

func TestLockThenUnlockInvalidatesTwice(t *testing.T) {
	api, cache := &fakeAPI{}, &countingCache{}
	m := NewManager(api, cache)
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, []string{"A1", "A2"}))
	h, ok := m.Held()
	require.True(t, ok)
	assert.Equal(t, []string{"A1", "A2"}, h.Seats)

	m.Unlock(ctx, 1, []string{"A1", "A2"})
	_, ok = m.Held()
	assert.False(t, ok)
	assert.Equal(t, 2, cache.n(1))
}

func TestLockUsesServerTimestampAndFiresHook(t *testing.T) {
	serverTime := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	api := &fakeAPI{lockedAt: serverTime}
	m := NewManager(api, &countingCache{}, WithClock(clock.Fake(serverTime.Add(time.Hour))))

	var got []Hold
	remove := m.OnLocked(func(h Hold) { got = append(got, h) })
	require.NoError(t, m.Lock(context.Background(), 3, []string{"B1"}))
	require.Len(t, got, 1)
	assert.Equal(t, serverTime.Add(model.HoldDuration), got[0].ExpiresAt())

	remove()
	require.NoError(t, m.Lock(context.Background(), 3, []string{"B1"}))
	assert.Len(t, got, 1)
}

func TestLockFallsBackToLocalClock(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	m := NewManager(&fakeAPI{}, &countingCache{}, WithClock(clock.Fake(now)))
	require.NoError(t, m.Lock(context.Background(), 3, []string{"B1"}))
	h, _ := m.Held()
	assert.Equal(t, now, h.LockedAt)
}

func TestLockConflictReturnsLockError(t *testing.T) {
	api := &fakeAPI{lockErr: &apiclient.APIError{Status: http.StatusConflict, Message: "some seats are unavailable", Unavailable: []string{"A2"}}}
	cache := &countingCache{}
	m := NewManager(api, cache)

	err := m.Lock(context.Background(), 1, []string{"A1", "A2"})
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.ErrorIs(t, err, apiclient.ErrSeatUnavailable)
	assert.Equal(t, []string{"A2"}, lockErr.Unavailable)
	assert.NotEmpty(t, lockErr.Message)
	_, held := m.Held()
	assert.False(t, held)
	assert.Equal(t, 1, cache.n(1), "failed lock still refreshes the layout")
}

func TestUnlockFailureIsSwallowedAndLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	api := &fakeAPI{unlockErr: errors.New("network down")}
	cache := &countingCache{}
	m := NewManager(api, cache, WithLogger(logger))

	require.NoError(t, m.Lock(context.Background(), 1, []string{"A1"}))
	m.Unlock(context.Background(), 1, []string{"A1"})

	assert.Len(t, api.byOp("unlock"), 1, "never retried")
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "unlock failed")
	_, held := m.Held()
	assert.False(t, held)
	assert.Equal(t, 2, cache.n(1))
}

func TestSwitchingTripReleasesPreviousHoldFirst(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, &countingCache{})
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, []string{"S1", "S2"}))
	require.NoError(t, m.Lock(ctx, 2, []string{"C4"}))

	require.Len(t, api.calls, 3)
	assert.Equal(t, call{"unlock", 1, []string{"S1", "S2"}}, api.calls[1])
	assert.Equal(t, call{"lock", 2, []string{"C4"}}, api.calls[2])
	h, _ := m.Held()
	assert.Equal(t, uint64(2), h.TripID)
}

func TestRelockSameTripReleasesDroppedSeats(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, &countingCache{})
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, 1, []string{"A1", "A2"}))
	require.NoError(t, m.Lock(ctx, 1, []string{"A2", "A3"}))

	unlocks := api.byOp("unlock")
	require.Len(t, unlocks, 1)
	assert.Equal(t, []string{"A1"}, unlocks[0].seats)
	h, _ := m.Held()
	assert.Equal(t, []string{"A2", "A3"}, h.Seats)
}

func TestForgetPreventsRelease(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, &countingCache{})
	require.NoError(t, m.Lock(context.Background(), 1, []string{"A1"}))
	m.Forget(1)
	assert.False(t, m.ReleaseHeld(context.Background()))
	assert.Empty(t, api.byOp("unlock"))
}

func TestUnlockRunsWithCancelledContext(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(api, &countingCache{})
	require.NoError(t, m.Lock(context.Background(), 1, []string{"A1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, m.ReleaseHeld(ctx))
	assert.Len(t, api.byOp("unlock"), 1)
}

func TestLateLockDoesNotReplaceNewerTripHold(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{gates: map[uint64]chan struct{}{1: gate}}
	m := NewManager(api, &countingCache{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx, 1, []string{"A1"}) }()
	require.Eventually(t, m.Pending, time.Second, time.Millisecond)

	require.NoError(t, m.Lock(ctx, 2, []string{"B1"}))
	close(gate)
	require.NoError(t, <-done)

	h, ok := m.Held()
	require.True(t, ok)
	assert.Equal(t, uint64(2), h.TripID)
	assert.Equal(t, []string{"B1"}, h.Seats)

	// the abandoned trip-1 attempt releases its own seats only
	m.Unlock(ctx, 1, []string{"A1"})
	h, ok = m.Held()
	require.True(t, ok)
	assert.Equal(t, uint64(2), h.TripID)
}
