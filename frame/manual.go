package frame

import (
	"sync"
	"time"
)

// Manual 是测试用的确定性 Scheduler。时间只随 Step 或 Advance 前进，
// 投递的任务在调用方 goroutine 中同步执行。
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	interval time.Duration
	frames   frameQueue
}

func NewManual(start time.Time, interval time.Duration) *Manual {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manual{now: start, interval: interval}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) RequestFrame(fn Callback) Handle { return m.frames.add(fn) }

func (m *Manual) CancelFrame(h Handle) { m.frames.cancel(h) }

func (m *Manual) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

func (m *Manual) Pending() int { return m.frames.size() }

// Step 前进一个帧间隔并执行此前挂起的回调。
func (m *Manual) Step() {
	m.mu.Lock()
	m.now = m.now.Add(m.interval)
	now := m.now
	m.mu.Unlock()

	for _, cb := range m.frames.drain() {
		cb(now)
	}
}

// Advance 逐帧前进 d，不足一帧的余量只推进时钟。
func (m *Manual) Advance(d time.Duration) {
	for d >= m.interval {
		m.Step()
		d -= m.interval
	}
	if d > 0 {
		m.Sleep(d)
	}
}

// Sleep 只推进时钟，不出帧。
func (m *Manual) Sleep(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
