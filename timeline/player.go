package timeline

import (
	"math"
	"sync"
	"time"

	"composer_back/frame"
)

// DrawInterval 把视频绘制限制在每秒 30 次。
const DrawInterval = 33 * time.Millisecond

// Player 用同一个逻辑时钟驱动 Model 中的所有片段。
type Player struct {
	model *Model
	audio *AudioEngine
	video *VideoEngine
	sched frame.Scheduler

	mu           sync.Mutex
	currentTime  float64
	playing      bool
	startWall    time.Time
	startLogical float64
	handle       frame.Handle
	lastDraw     time.Time
}

func NewPlayer(model *Model, audio *AudioEngine, video *VideoEngine, sched frame.Scheduler) *Player {
	p := &Player{model: model, audio: audio, video: video, sched: sched}
	model.Observe(func(op MediaOp) {
		if op.Action != ActionDelete {
			return
		}
		if op.TrackType == TrackVideo {
			p.video.Release(op.ClipID)
			return
		}
		p.audio.Release(op.ClipID)
	})
	return p
}

func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTime
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) Duration() float64 {
	return p.model.Duration()
}

func (p *Player) LocalTime(clip Clip) (float64, bool) {
	return p.engineFor(clip.TrackType).ClipLocalTime(clip.ID)
}

// Seek 把时钟移到 t（不小于 0）并对齐所有片段。
func (p *Player) Seek(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t = math.Max(0, t)
	p.currentTime = t
	p.audio.Retry()
	p.video.Retry()

	clips := p.model.All()
	for _, clip := range clips {
		p.engineFor(clip.TrackType).SetClipTime(clip, t)
	}
	if p.playing {
		p.startWall = p.sched.Now()
		p.startLogical = t
		for _, clip := range p.model.Clips(TrackAudio) {
			p.audio.PlayFrom(clip, t)
		}
	}
	p.video.Draw(p.model.Clips(TrackVideo), t)
}

// Play 从当前时间开始计时，播放中重复调用无效。
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.playing = true
	p.startWall = p.sched.Now()
	p.startLogical = p.currentTime
	p.lastDraw = time.Time{}
	p.audio.Retry()
	p.video.Retry()

	for _, clip := range p.model.Clips(TrackAudio) {
		p.audio.PlayFrom(clip, p.currentTime)
	}
	for _, clip := range p.model.Clips(TrackVideo) {
		p.video.SetClipTime(clip, p.currentTime)
	}
	p.scheduleLocked()
}

// Pause 停止时钟与全部音频。
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauseLocked()
}

// Stop 暂停、倒回音频并回到 0。
func (p *Player) Stop() {
	p.mu.Lock()
	p.pauseLocked()
	p.audio.ResetAll()
	p.mu.Unlock()
	p.Seek(0)
}

func (p *Player) pauseLocked() {
	if p.handle != 0 {
		p.sched.CancelFrame(p.handle)
		p.handle = 0
	}
	if p.playing {
		p.currentTime = p.clockLocked(p.sched.Now())
	}
	p.playing = false
	p.audio.PauseAll()
}

func (p *Player) clockLocked(now time.Time) float64 {
	return p.startLogical + now.Sub(p.startWall).Seconds()
}

func (p *Player) scheduleLocked() {
	p.handle = p.sched.RequestFrame(p.tick)
}

func (p *Player) tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handle = 0
	if !p.playing {
		return
	}

	t := p.clockLocked(now)
	end := p.model.Duration()
	finished := end > 0 && t >= end
	if finished {
		t = end
	}
	p.currentTime = t

	for _, clip := range p.model.Clips(TrackAudio) {
		p.audio.sync(clip, t)
	}
	video := p.model.Clips(TrackVideo)
	for _, clip := range video {
		p.video.sync(clip, t)
	}
	if p.lastDraw.IsZero() || now.Sub(p.lastDraw) >= DrawInterval {
		p.lastDraw = now
		p.video.Draw(video, t)
	}

	if finished {
		p.playing = false
		p.audio.PauseAll()
		return
	}
	p.scheduleLocked()
}

func (p *Player) engineFor(track TrackType) *engine {
	if track == TrackAudio {
		return p.audio.engine
	}
	return p.video.engine
}
