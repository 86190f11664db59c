package animation

import (
	"errors"
	"math"
	"sync"
	"time"

	"composer_back/frame"
	"composer_back/scene"
)

// RenderInterval 把应用帧限制在每秒 30 次。
const RenderInterval = 33 * time.Millisecond

var ErrExportUnsupported = errors.New("animation: export is not supported")

type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

type track struct {
	frames []Keyframe
	endMS  float64
	loop   bool
	base   map[string]any
}

// Player 在帧调度器上把预计算关键帧写入场景。
// 方法都应在调度器 goroutine 上调用，锁只保护状态查询。
type Player struct {
	graph scene.Graph
	page  *PageAnimations
	sched frame.Scheduler

	mu         sync.Mutex
	state      State
	handle     frame.Handle
	tracks     map[string]*track
	totalMS    float64
	startedAt  time.Time
	offset     time.Duration
	elapsed    time.Duration
	lastRender time.Time
}

func NewPlayer(graph scene.Graph, page *PageAnimations, sched frame.Scheduler) *Player {
	if page == nil {
		page = NewPageAnimations()
	}
	return &Player{graph: graph, page: page, sched: sched, state: StateIdle}
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}

// TotalDuration 是当前时间轴上最晚的结束时间。
func (p *Player) TotalDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.totalMS * float64(time.Millisecond))
}

func (p *Player) Timeline(objectID string) []Keyframe {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tr, ok := p.tracks[objectID]; ok {
		return tr.frames
	}
	return nil
}

// Play 开始或从暂停处继续播放，返回是否有动画在播。
func (p *Player) Play() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePlaying:
		return true
	case StateIdle:
		p.buildLocked()
		if len(p.tracks) == 0 {
			return false
		}
		p.offset = 0
	}

	now := p.sched.Now()
	p.startedAt = now.Add(-p.offset)
	p.lastRender = time.Time{}
	p.state = StatePlaying
	p.scheduleLocked()
	return true
}

// Pause 取消待执行帧并保留已播放时间。
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return
	}
	p.cancelLocked()
	p.offset = p.sched.Now().Sub(p.startedAt)
	p.elapsed = p.offset
	p.state = StatePaused
}

// Stop 停止播放并把动画对象恢复到开始时的姿态。
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Export 导出动画，暂不支持。
func (p *Player) Export() error {
	return ErrExportUnsupported
}

func (p *Player) stopLocked() {
	p.cancelLocked()
	if p.state != StateIdle {
		for id, tr := range p.tracks {
			p.graph.SetObjectProps(id, tr.base)
		}
		p.graph.RequestRender()
	}
	p.state = StateIdle
	p.tracks = nil
	p.totalMS = 0
	p.offset = 0
	p.elapsed = 0
	p.lastRender = time.Time{}
}

func (p *Player) buildLocked() {
	p.tracks = make(map[string]*track)
	p.totalMS = 0

	add := func(obj scene.Object, d Descriptor) {
		frames := Precompute(obj, d)
		end := frames[len(frames)-1].TimeMS
		p.tracks[obj.ID] = &track{frames: frames, endMS: end, loop: d.Loop, base: BaseProps(obj)}
		if end > p.totalMS {
			p.totalMS = end
		}
	}

	for _, rec := range p.page.Records() {
		obj, ok := p.graph.GetObjectByID(rec.ObjectID)
		if !ok {
			continue
		}
		add(obj, rec.Descriptor)
	}
	for _, obj := range p.graph.GetAllObjects() {
		if obj.Animation == nil {
			continue
		}
		if _, ok := p.tracks[obj.ID]; ok {
			continue
		}
		add(obj, *obj.Animation)
	}
}

func (p *Player) scheduleLocked() {
	p.handle = p.sched.RequestFrame(p.tick)
}

func (p *Player) cancelLocked() {
	if p.handle != 0 {
		p.sched.CancelFrame(p.handle)
		p.handle = 0
	}
}

func (p *Player) tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handle = 0
	if p.state != StatePlaying {
		return
	}
	if !p.lastRender.IsZero() && now.Sub(p.lastRender) < RenderInterval {
		p.scheduleLocked()
		return
	}
	p.lastRender = now
	p.elapsed = now.Sub(p.startedAt)
	elapsedMS := float64(p.elapsed) / float64(time.Millisecond)

	looping := false
	for id, tr := range p.tracks {
		at := elapsedMS
		if tr.loop && tr.endMS > 0 {
			looping = true
			at = math.Mod(elapsedMS, tr.endMS)
		}
		kf, ok := At(tr.frames, at)
		if !ok {
			continue
		}
		p.graph.SetObjectProps(id, kf.Props())
	}
	p.graph.RequestRender()

	if elapsedMS >= p.totalMS && !looping {
		p.stopLocked()
		return
	}
	p.scheduleLocked()
}
