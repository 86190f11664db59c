package timeline

import (
	"context"
	"log"
	"math"
	"sync"

	"composer_back/scene"
)

// DriftTolerance 是元素落后逻辑时钟多少秒后重新定位。
const DriftTolerance = 0.05

// MediaElement 是可播放的音视频源。
type MediaElement interface {
	CurrentTime() float64
	Seek(t float64) error
	Play() error
	Pause()
	Paused() bool
	SetVolume(volume float64, muted bool)
}

type ElementFactory interface {
	Open(ctx context.Context, kind TrackType, url string) (MediaElement, error)
}

// AssetResolver 把资源 id 解析为可播放 URL。
type AssetResolver interface {
	ResolveURL(ctx context.Context, assetID string) (string, error)
}

// LocalTime 把时间轴时间 t 换算为片段源时间，并返回片段是否覆盖 t。
func LocalTime(clip Clip, t float64) (float64, bool) {
	local := t - clip.Start + clip.In
	offset := t - clip.Start
	return local, offset >= 0 && offset <= clip.Duration
}

// engine 为每个片段持有一个元素，元素失败只跳过该片段。
type engine struct {
	kind     TrackType
	ctx      context.Context
	assets   AssetResolver
	factory  ElementFactory
	mu       sync.Mutex
	elements map[string]MediaElement
	failed   map[string]bool
	locals   map[string]float64
}

func newEngine(ctx context.Context, kind TrackType, assets AssetResolver, factory ElementFactory) *engine {
	if ctx == nil {
		ctx = context.Background()
	}
	return &engine{
		kind:     kind,
		ctx:      ctx,
		assets:   assets,
		factory:  factory,
		elements: make(map[string]MediaElement),
		failed:   make(map[string]bool),
		locals:   make(map[string]float64),
	}
}

func (e *engine) element(clip Clip) MediaElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.elements[clip.ID]; ok {
		return el
	}
	if e.factory == nil || e.assets == nil || e.failed[clip.ID] {
		return nil
	}

	url, err := e.assets.ResolveURL(e.ctx, clip.AssetID)
	if err != nil {
		e.reportLocked(clip.ID, "resolve asset", err)
		return nil
	}
	el, err := e.factory.Open(e.ctx, e.kind, url)
	if err != nil {
		e.reportLocked(clip.ID, "open element", err)
		return nil
	}
	delete(e.failed, clip.ID)
	e.elements[clip.ID] = el
	return el
}

// reportLocked 每个片段只记录第一次失败。
func (e *engine) reportLocked(clipID, action string, err error) {
	if e.failed[clipID] {
		return
	}
	e.failed[clipID] = true
	log.Printf("timeline: %s %s for clip %s failed: %v", e.kind, action, clipID, err)
}

func (e *engine) report(clipID, action string, err error) {
	e.mu.Lock()
	e.reportLocked(clipID, action, err)
	e.mu.Unlock()
}

// SetClipTime 把片段元素对齐到时间 t。片段外暂停，片段内漂移超过
// DriftTolerance 时才重新定位。返回本地时间与是否处于片段内。
func (e *engine) SetClipTime(clip Clip, t float64) (float64, bool) {
	local, active := LocalTime(clip, t)
	e.mu.Lock()
	e.locals[clip.ID] = local
	e.mu.Unlock()

	el := e.element(clip)
	if el == nil {
		return local, active
	}
	if !active {
		if !el.Paused() {
			el.Pause()
		}
		return local, false
	}
	if math.Abs(el.CurrentTime()-local) > DriftTolerance {
		if err := el.Seek(local); err != nil {
			e.report(clip.ID, "seek", err)
		}
	}
	return local, true
}

func (e *engine) ClipLocalTime(clipID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.locals[clipID]
	return v, ok
}

func (e *engine) sync(clip Clip, t float64) bool {
	_, active := e.SetClipTime(clip, t)
	if !active {
		return false
	}
	el := e.element(clip)
	if el == nil {
		return false
	}
	if el.Paused() {
		el.SetVolume(clip.Volume, clip.Muted)
		if err := el.Play(); err != nil {
			e.report(clip.ID, "play", err)
			return false
		}
	}
	return true
}

// Retry 清除失败记录，之后重新尝试失败的片段。
func (e *engine) Retry() {
	e.mu.Lock()
	e.failed = make(map[string]bool)
	e.mu.Unlock()
}

func (e *engine) Release(clipID string) {
	e.mu.Lock()
	el := e.elements[clipID]
	delete(e.elements, clipID)
	delete(e.failed, clipID)
	delete(e.locals, clipID)
	e.mu.Unlock()
	if el != nil {
		el.Pause()
	}
}

func (e *engine) each(fn func(id string, el MediaElement)) {
	e.mu.Lock()
	snapshot := make(map[string]MediaElement, len(e.elements))
	for id, el := range e.elements {
		snapshot[id] = el
	}
	e.mu.Unlock()
	for id, el := range snapshot {
		fn(id, el)
	}
}

// AudioEngine 播放音频片段。
type AudioEngine struct {
	*engine
}

func NewAudioEngine(ctx context.Context, assets AssetResolver, factory ElementFactory) *AudioEngine {
	return &AudioEngine{engine: newEngine(ctx, TrackAudio, assets, factory)}
}

// PlayFrom 定位到时间 t，片段处于活动区间时开始播放。
func (a *AudioEngine) PlayFrom(clip Clip, t float64) {
	a.sync(clip, t)
}

func (a *AudioEngine) PauseAll() {
	a.each(func(_ string, el MediaElement) {
		el.Pause()
	})
}

// ResetAll 暂停并倒回全部元素。
func (a *AudioEngine) ResetAll() {
	a.each(func(id string, el MediaElement) {
		el.Pause()
		if err := el.Seek(0); err != nil {
			a.report(id, "rewind", err)
		}
	})
}

// VideoEngine 播放视频片段并把当前画面绘制到场景。
type VideoEngine struct {
	*engine
	graph scene.Graph
}

func NewVideoEngine(ctx context.Context, assets AssetResolver, factory ElementFactory, graph scene.Graph) *VideoEngine {
	return &VideoEngine{engine: newEngine(ctx, TrackVideo, assets, factory), graph: graph}
}

// ObjectID 是视频片段绘制到的场景对象。
func ObjectID(clipID string) string {
	return "clip:" + clipID
}

// Release 释放已删除片段的元素，并从场景中移除它的画面对象。
func (v *VideoEngine) Release(clipID string) {
	v.engine.Release(clipID)
	if v.graph != nil && v.graph.RemoveObject(ObjectID(clipID)) {
		v.graph.RequestRender()
	}
}

// Draw 把每个片段的当前画面写入场景并请求渲染。
func (v *VideoEngine) Draw(clips []Clip, t float64) {
	if v.graph == nil {
		return
	}
	for _, clip := range clips {
		local, active := LocalTime(clip, t)
		if el := v.element(clip); el != nil && active {
			local = el.CurrentTime()
		}
		props := map[string]any{"visible": active, "media_time": local}
		id := ObjectID(clip.ID)
		if !v.graph.SetObjectProps(id, props) {
			if err := v.graph.AddObject(scene.Object{ID: id, Kind: "video", Props: props}); err != nil {
				v.report(clip.ID, "draw", err)
			}
		}
	}
	v.graph.RequestRender()
}
