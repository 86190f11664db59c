package animation

import (
	"sort"
	"sync"

	"composer_back/scene"
)

// Descriptor 是单个对象的动画描述，类型定义在 scene 包以避免循环引用。
type Descriptor = scene.AnimationDescriptor

// 过渡类型。
const (
	FadeIn        = "fade-in"
	FadeOut       = "fade-out"
	SlideInLeft   = "slide-in-left"
	SlideInRight  = "slide-in-right"
	SlideInTop    = "slide-in-top"
	SlideInBottom = "slide-in-bottom"
	SlideOutLeft  = "slide-out-left"
	SlideOutRight = "slide-out-right"
	ZoomIn        = "zoom-in"
	ZoomOut       = "zoom-out"
	Pop           = "pop"
	RotateIn      = "rotate-in"
	Spin          = "spin"
	Pulse         = "pulse"
	Shake         = "shake"
	Bounce        = "bounce"
	Flip          = "flip"
	FloatUp       = "float-up"
)

func Types() []string {
	return []string{
		FadeIn, FadeOut,
		SlideInLeft, SlideInRight, SlideInTop, SlideInBottom, SlideOutLeft, SlideOutRight,
		ZoomIn, ZoomOut, Pop,
		RotateIn, Spin,
		Pulse, Shake, Bounce, Flip, FloatUp,
	}
}

// Record 是页面动画列表中的一项。
type Record struct {
	ObjectID   string     `json:"object_id"`
	Descriptor Descriptor `json:"animation"`
}

// PageAnimations 是页面级权威动画列表，对象上的副本以此为准。
type PageAnimations struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
}

func NewPageAnimations() *PageAnimations {
	return &PageAnimations{entries: make(map[string]Descriptor)}
}

// Set 整体替换 objectID 的记录。
func (p *PageAnimations) Set(objectID string, d Descriptor) {
	p.mu.Lock()
	p.entries[objectID] = d
	p.mu.Unlock()
}

func (p *PageAnimations) Remove(objectID string) {
	p.mu.Lock()
	delete(p.entries, objectID)
	p.mu.Unlock()
}

func (p *PageAnimations) Get(objectID string) (Descriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.entries[objectID]
	return d, ok
}

// Records 按对象 id 排序返回列表。
func (p *PageAnimations) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Record, 0, len(p.entries))
	for id, d := range p.entries {
		out = append(out, Record{ObjectID: id, Descriptor: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// Reset 整体替换列表。
func (p *PageAnimations) Reset(records []Record) {
	entries := make(map[string]Descriptor, len(records))
	for _, r := range records {
		entries[r.ObjectID] = r.Descriptor
	}
	p.mu.Lock()
	p.entries = entries
	p.mu.Unlock()
}
