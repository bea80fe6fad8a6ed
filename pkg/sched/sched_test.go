package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleFires(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("k", 10*time.Millisecond, func() { fired.Add(1) })

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("k"))
}

func TestRescheduleDebounces(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("k", 30*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(10 * time.Millisecond)
	s.Schedule("k", 30*time.Millisecond, func() { fired.Add(1) })

	// Only the rescheduled timer fires.
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	s.Cancel("k")
	s.Cancel("unknown") // no-op

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestStopRejectsFurtherScheduling(t *testing.T) {
	s := New()

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()
	s.Schedule("b", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
