package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownerA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const ownerB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type portfolio struct {
	Total float64
}

func countingLoader(calls *atomic.Int32, value float64) func(context.Context) (portfolio, error) {
	return func(context.Context) (portfolio, error) {
		calls.Add(1)
		return portfolio{Total: value}, nil
	}
}

func TestKeyString(t *testing.T) {
	key := NewKey("income", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "settled", "", "1")
	assert.Equal(t, "income:"+ownerA+":settled::1", key.String())
	assert.Equal(t, "income:"+ownerA, Prefix("income", ownerA))
}

func TestKeyStringEscapesParams(t *testing.T) {
	a := NewKey("connections", ownerA, "a", "b:1", "20")
	b := NewKey("connections", ownerA, "a:b", "1", "20")
	assert.NotEqual(t, a.String(), b.String())
	assert.Equal(t, "connections:"+ownerA+":a:b%3A1:20", a.String())

	spaced := NewKey("proposals", ownerA, "", "node rewards", "1")
	assert.Equal(t, "proposals:"+ownerA+"::node+rewards:1", spaced.String())
}

func TestFetchWithinTTLCallsLoaderOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(WithClock(clock))
	key := NewKey("portfolio", ownerA)

	var calls atomic.Int32
	first, err := Fetch(ctx, c, key, time.Minute, countingLoader(&calls, 10))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	second, err := Fetch(ctx, c, key, time.Minute, countingLoader(&calls, 99))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
}

func TestFetchAfterTTLReloads(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(WithClock(clock))
	key := NewKey("portfolio", ownerA)

	var calls atomic.Int32
	_, err := Fetch(ctx, c, key, time.Minute, countingLoader(&calls, 10))
	require.NoError(t, err)

	clock.Advance(70 * time.Second)
	got, err := Fetch(ctx, c, key, time.Minute, countingLoader(&calls, 20))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 20.0, got.Total)

	cached, ok := Peek[portfolio](c, key, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 20.0, cached.Total)
}

func TestConcurrentFetchSharesOneLoad(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := NewKey("balance", ownerA)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	loader := func(context.Context) (portfolio, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return portfolio{Total: 5}, nil
	}

	results := make([]portfolio, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], _ = Fetch(ctx, c, key, time.Minute, loader)
	}()
	<-entered
	go func() {
		defer wg.Done()
		results[1], _ = Fetch(ctx, c, key, time.Minute, loader)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, results[0], results[1])
}

func TestFetchFailureKeepsPreviousPayload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(WithClock(clock))
	key := NewKey("balance", ownerA)

	_, err := Fetch(ctx, c, key, time.Minute, func(context.Context) (portfolio, error) {
		return portfolio{Total: 30}, nil
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	boom := errors.New("backend down")
	_, err = Fetch(ctx, c, key, time.Minute, func(context.Context) (portfolio, error) {
		return portfolio{}, boom
	})
	require.ErrorIs(t, err, boom)

	stale, ok := Stale[portfolio](c, key)
	require.True(t, ok)
	assert.Equal(t, 30.0, stale.Total)
}

func TestInvalidateKeepsPayloadButForcesReload(t *testing.T) {
	ctx := context.Background()
	c := New()
	balance := NewKey("balance", ownerA)
	income := NewKey("income", ownerA, "all")

	var calls atomic.Int32
	_, err := Fetch(ctx, c, balance, time.Minute, countingLoader(&calls, 1))
	require.NoError(t, err)
	_, err = Fetch(ctx, c, income, time.Minute, countingLoader(&calls, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Invalidate(Prefix("balance", ownerA)))

	_, fresh := Peek[portfolio](c, balance, time.Minute)
	assert.False(t, fresh)
	_, fresh = Peek[portfolio](c, income, time.Minute)
	assert.True(t, fresh, "other resources stay fresh")

	stale, ok := Stale[portfolio](c, balance)
	require.True(t, ok)
	assert.Equal(t, 1.0, stale.Total)

	_, err = Fetch(ctx, c, balance, time.Minute, countingLoader(&calls, 3))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClearAllIsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	c := New()

	var calls atomic.Int32
	_, _ = Fetch(ctx, c, NewKey("portfolio", ownerA), time.Minute, countingLoader(&calls, 1))
	_, _ = Fetch(ctx, c, NewKey("portfolio", ownerB), time.Minute, countingLoader(&calls, 2))

	assert.Equal(t, 1, c.ClearAll(ownerA))
	assert.Equal(t, 1, c.Len())

	got, err := Fetch(ctx, c, NewKey("portfolio", ownerB), time.Minute, countingLoader(&calls, 3))
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Total, "B's entry is never served for A and survives A's logout")
}

func TestClearAllDropsInFlightLoad(t *testing.T) {
	ctx := context.Background()
	c := New()
	key := NewKey("portfolio", ownerA)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Fetch(ctx, c, key, time.Minute, func(context.Context) (portfolio, error) {
			close(entered)
			<-release
			return portfolio{Total: 1}, nil
		})
	}()

	<-entered
	c.ClearAll(ownerA)
	close(release)
	<-done

	assert.Equal(t, 0, c.Len())
}

func TestFetchHonorsCallerContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fetch(ctx, c, NewKey("slow", ownerA), time.Minute, func(context.Context) (portfolio, error) {
		time.Sleep(50 * time.Millisecond)
		return portfolio{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneration(t *testing.T) {
	var g Generation
	first := g.Next()
	assert.True(t, g.IsCurrent(first))

	second := g.Next()
	assert.False(t, g.IsCurrent(first))
	assert.True(t, g.IsCurrent(second))
	assert.Equal(t, second, g.Current())
}
