package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFiresOnce(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{}, 2)
	s.After("refresh", 10*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, s.IsActive("refresh"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}

	assert.Eventually(t, func() bool { return !s.IsActive("refresh") }, time.Second, 5*time.Millisecond)
	assert.Len(t, fired, 0)
}

func TestAfterReplacesPendingTask(t *testing.T) {
	s := New()
	defer s.Stop()

	var first, second atomic.Int32
	s.After("grace", 20*time.Millisecond, func() { first.Add(1) })
	s.After("grace", 20*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancelPreventsRun(t *testing.T) {
	s := New()
	defer s.Stop()

	var runs atomic.Int32
	s.After("grace", 20*time.Millisecond, func() { runs.Add(1) })
	assert.True(t, s.Cancel("grace"))
	assert.False(t, s.Cancel("grace"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := New()
	defer s.Stop()

	var ticks atomic.Int32
	s.Every("periodic", 5*time.Millisecond, func() { ticks.Add(1) })

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	require.True(t, s.Cancel("periodic"))

	time.Sleep(10 * time.Millisecond)
	seen := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, ticks.Load())
}

func TestEveryRejectsZeroInterval(t *testing.T) {
	s := New()
	defer s.Stop()

	s.Every("periodic", 0, func() {})
	assert.False(t, s.IsActive("periodic"))
}

func TestCancelAllAndStop(t *testing.T) {
	s := New()

	var runs atomic.Int32
	s.After("a", 20*time.Millisecond, func() { runs.Add(1) })
	s.After("b", 20*time.Millisecond, func() { runs.Add(1) })
	s.Every("c", 20*time.Millisecond, func() { runs.Add(1) })
	assert.Equal(t, []string{"a", "b", "c"}, s.Active())

	assert.Equal(t, 3, s.CancelAll())
	assert.Empty(t, s.Active())

	s.Stop()
	s.After("d", time.Millisecond, func() { runs.Add(1) })
	assert.False(t, s.IsActive("d"), "stopped scheduler rejects new tasks")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}
