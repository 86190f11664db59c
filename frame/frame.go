package frame

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultInterval 约等于 60Hz 刷新。
const DefaultInterval = 16 * time.Millisecond

// Handle 标识一次帧回调请求，不会分配 0。
type Handle uint64

type Callback func(now time.Time)

// Scheduler 是单线程协作式运行循环。帧回调与投递的任务互不并发，
// 只在其中访问的状态无需加锁。
type Scheduler interface {
	Now() time.Time
	// RequestFrame 在下一帧执行一次 fn。
	RequestFrame(fn Callback) Handle
	// CancelFrame 取消待执行的回调，未知或已触发的 handle 忽略。
	CancelFrame(h Handle)
	// Post 尽快在循环上执行 fn。
	Post(fn func())
}

type frameQueue struct {
	mu      sync.Mutex
	next    Handle
	pending map[Handle]Callback
}

func (q *frameQueue) add(fn Callback) Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[Handle]Callback)
	}
	q.next++
	q.pending[q.next] = fn
	return q.next
}

func (q *frameQueue) cancel(h Handle) {
	q.mu.Lock()
	delete(q.pending, h)
	q.mu.Unlock()
}

// drain 按请求顺序取出全部待执行回调。
func (q *frameQueue) drain() []Callback {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	handles := make([]Handle, 0, len(q.pending))
	for h := range q.pending {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	callbacks := make([]Callback, 0, len(handles))
	for _, h := range handles {
		callbacks = append(callbacks, q.pending[h])
	}
	q.pending = make(map[Handle]Callback)
	return callbacks
}

func (q *frameQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Loop 是生产用 Scheduler：单个 goroutine 按 ticker 出帧，帧间执行投递的任务。
type Loop struct {
	interval time.Duration
	frames   frameQueue
	tasks    chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// NewLoop 创建未启动的循环，interval 非正时取 DefaultInterval。
func NewLoop(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		interval: interval,
		tasks:    make(chan func(), 256),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start 启动循环，重复调用无效。
func (l *Loop) Start() {
	l.once.Do(func() {
		go l.run()
	})
}

// Close 停止循环并等待 goroutine 退出。
func (l *Loop) Close() {
	l.cancel()
	started := true
	l.once.Do(func() {
		started = false
		close(l.done)
	})
	if started {
		<-l.done
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) RequestFrame(fn Callback) Handle { return l.frames.add(fn) }

func (l *Loop) CancelFrame(h Handle) { l.frames.cancel(h) }

// Post 排队 fn，Close 之后投递的任务被丢弃。
func (l *Loop) Post(fn func()) {
	if fn == nil || l.ctx.Err() != nil {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.ctx.Done():
	}
}

func (l *Loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.tasks:
			safeCall(fn)
		case now := <-ticker.C:
			for _, cb := range l.frames.drain() {
				cb := cb
				safeCall(func() { cb(now) })
			}
		}
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("frame: callback panicked: %v", r)
		}
	}()
	fn()
}
