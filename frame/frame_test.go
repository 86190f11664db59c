package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualRunsFramesOnce(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)

	var calls []time.Time
	m.RequestFrame(func(now time.Time) { calls = append(calls, now) })
	require.Equal(t, 1, m.Pending())

	m.Step()
	m.Step()

	require.Len(t, calls, 1)
	assert.Equal(t, epoch.Add(10*time.Millisecond), calls[0])
	assert.Equal(t, 0, m.Pending())
}

func TestManualCancelFrame(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)
	fired := false
	h := m.RequestFrame(func(time.Time) { fired = true })
	m.CancelFrame(h)
	m.CancelFrame(h)
	m.Step()
	assert.False(t, fired)
}

func TestManualRescheduleFromCallback(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)
	count := 0
	var tick Callback
	tick = func(time.Time) {
		count++
		if count < 3 {
			m.RequestFrame(tick)
		}
	}
	m.RequestFrame(tick)
	m.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, count)
	assert.Equal(t, epoch.Add(100*time.Millisecond), m.Now())
}

func TestManualAdvanceRemainder(t *testing.T) {
	m := NewManual(epoch, 10*time.Millisecond)
	m.Advance(25 * time.Millisecond)
	assert.Equal(t, epoch.Add(25*time.Millisecond), m.Now())
}

func TestLoopRunsPostedTasksAndFrames(t *testing.T) {
	l := NewLoop(2 * time.Millisecond)
	l.Start()
	defer l.Close()

	posted := make(chan struct{})
	l.Post(func() { close(posted) })
	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}

	framed := make(chan time.Time, 1)
	l.RequestFrame(func(now time.Time) { framed <- now })
	select {
	case now := <-framed:
		assert.False(t, now.IsZero())
	case <-time.After(time.Second):
		t.Fatal("frame callback did not run")
	}
}

func TestLoopSurvivesPanickingCallback(t *testing.T) {
	l := NewLoop(2 * time.Millisecond)
	l.Start()
	defer l.Close()

	l.Post(func() { panic("boom") })
	done := make(chan struct{})
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestLoopCloseWithoutStart(t *testing.T) {
	l := NewLoop(0)
	l.Close()
	l.Post(func() { t.Fatal("task must be dropped after close") })
}
