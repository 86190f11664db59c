package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
)

func (t TrackType) Valid() bool {
	return t == TrackVideo || t == TrackAudio
}

var (
	ErrClipNotFound     = errors.New("timeline: clip not found")
	ErrInvalidTrack     = errors.New("timeline: invalid track type")
	ErrSplitOutOfRange  = errors.New("timeline: split point outside clip")
	ErrUnknownMediaOp   = errors.New("timeline: unknown media op")
	ErrMalformedMediaOp = errors.New("timeline: malformed media op")
)

// Clip 是轨道上的一段媒体，时间单位为秒。
type Clip struct {
	ID        string    `json:"id"`
	AssetID   string    `json:"asset_id"`
	TrackType TrackType `json:"track_type"`
	Start     float64   `json:"start"`
	Duration  float64   `json:"duration"`
	In        float64   `json:"in"`
	Volume    float64   `json:"volume"`
	Muted     bool      `json:"muted"`
	PageID    string    `json:"page_id"`
}

func (c Clip) End() float64 { return c.Start + c.Duration }

type MediaAction string

const (
	ActionAdd    MediaAction = "add"
	ActionMove   MediaAction = "move"
	ActionTrim   MediaAction = "trim"
	ActionSplit  MediaAction = "split"
	ActionDelete MediaAction = "delete"
	ActionVolume MediaAction = "volume"
)

// MediaOp 是 media-op 补丁的载荷。add 时 Clip 为完整片段，split 时为右半段。
type MediaOp struct {
	Action    MediaAction `json:"action"`
	TrackType TrackType   `json:"track_type"`
	ClipID    string      `json:"clip_id"`
	Clip      *Clip       `json:"clip,omitempty"`
	Start     *float64    `json:"start,omitempty"`
	End       *float64    `json:"end,omitempty"`
	At        *float64    `json:"at,omitempty"`
	Volume    *float64    `json:"volume,omitempty"`
	Muted     *bool       `json:"muted,omitempty"`
}

// Broadcaster 把本地片段编辑发给协作者。
type Broadcaster interface {
	BroadcastMediaOp(op MediaOp)
}

type BroadcasterFunc func(op MediaOp)

func (f BroadcasterFunc) BroadcastMediaOp(op MediaOp) { f(op) }

// Model 按轨道保存一个页面的片段，允许重叠。
type Model struct {
	mu        sync.RWMutex
	pageID    string
	tracks    map[TrackType][]*Clip
	broadcast Broadcaster
	observers []func(MediaOp)
	newID     func() string
}

func NewModel(pageID string, broadcast Broadcaster) *Model {
	return &Model{
		pageID:    pageID,
		tracks:    make(map[TrackType][]*Clip),
		broadcast: broadcast,
		newID:     uuid.NewString,
	}
}

func (m *Model) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcast = b
	m.mu.Unlock()
}

// Observe 注册回调，本地与远端操作都会触发。
func (m *Model) Observe(fn func(MediaOp)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Model) PageID() string { return m.pageID }

// Load 用快照整体替换片段，不广播。
func (m *Model) Load(clips []Clip) {
	tracks := make(map[TrackType][]*Clip)
	for _, c := range clips {
		if !c.TrackType.Valid() {
			continue
		}
		copied := c
		tracks[c.TrackType] = append(tracks[c.TrackType], &copied)
	}
	m.mu.Lock()
	m.tracks = tracks
	m.mu.Unlock()
}

// Clips 按开始时间返回一条轨道的副本。
func (m *Model) Clips(track TrackType) []Clip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Clip, 0, len(m.tracks[track]))
	for _, c := range m.tracks[track] {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (m *Model) All() []Clip {
	return append(m.Clips(TrackVideo), m.Clips(TrackAudio)...)
}

// Duration 是所有轨道中最晚的片段结束时间。
func (m *Model) Duration() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	end := 0.0
	for _, clips := range m.tracks {
		for _, c := range clips {
			end = math.Max(end, c.End())
		}
	}
	return end
}

func (m *Model) Get(id string, track TrackType) (Clip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.findLocked(id, track); c != nil {
		return *c, true
	}
	return Clip{}, false
}

// AddClip 把片段加入轨道并补齐 id 与默认值。
func (m *Model) AddClip(track TrackType, clip Clip) (Clip, error) {
	if !track.Valid() {
		return Clip{}, ErrInvalidTrack
	}
	m.mu.Lock()
	if strings.TrimSpace(clip.ID) == "" {
		clip.ID = m.newID()
	}
	clip = m.normalize(track, clip)
	m.upsertLocked(track, clip)
	m.mu.Unlock()

	stored := clip
	m.emit(MediaOp{Action: ActionAdd, TrackType: track, ClipID: clip.ID, Clip: &stored})
	return clip, nil
}

// MoveClip 修改开始时间，不检查重叠。
func (m *Model) MoveClip(id string, track TrackType, newStart float64) (Clip, error) {
	clip, err := m.mutate(id, track, func(c *Clip) error {
		c.Start = math.Max(0, newStart)
		return nil
	})
	if err != nil {
		return Clip{}, err
	}
	m.emit(MediaOp{Action: ActionMove, TrackType: track, ClipID: id, Start: float64Ptr(clip.Start)})
	return clip, nil
}

// TrimClip 把片段裁剪到 [newStart, newEnd]，时长不小于 0。
func (m *Model) TrimClip(id string, track TrackType, newStart, newEnd float64) (Clip, error) {
	clip, err := m.mutate(id, track, func(c *Clip) error {
		trim(c, newStart, newEnd)
		return nil
	})
	if err != nil {
		return Clip{}, err
	}
	m.emit(MediaOp{Action: ActionTrim, TrackType: track, ClipID: id, Start: float64Ptr(newStart), End: float64Ptr(newEnd)})
	return clip, nil
}

// SplitClip 在片段内部的时间点切成两段，左段保留 id，右段分配新 id。
func (m *Model) SplitClip(id string, track TrackType, at float64) (Clip, Clip, error) {
	m.mu.Lock()
	left, right, err := m.splitLocked(id, track, at, m.newID())
	m.mu.Unlock()
	if err != nil {
		return Clip{}, Clip{}, err
	}
	half := right
	m.emit(MediaOp{Action: ActionSplit, TrackType: track, ClipID: id, At: float64Ptr(at), Clip: &half})
	return left, right, nil
}

func (m *Model) DeleteClip(id string, track TrackType) error {
	m.mu.Lock()
	removed := m.removeLocked(id, track)
	m.mu.Unlock()
	if !removed {
		return ErrClipNotFound
	}
	m.emit(MediaOp{Action: ActionDelete, TrackType: track, ClipID: id})
	return nil
}

// SetVolume 更新音量与静音，音量钳制到 [0,1]。
func (m *Model) SetVolume(id string, track TrackType, volume float64, muted bool) (Clip, error) {
	clip, err := m.mutate(id, track, func(c *Clip) error {
		c.Volume = clampVolume(volume)
		c.Muted = muted
		return nil
	})
	if err != nil {
		return Clip{}, err
	}
	m.emit(MediaOp{Action: ActionVolume, TrackType: track, ClipID: id, Volume: float64Ptr(clip.Volume), Muted: boolPtr(muted)})
	return clip, nil
}

// ApplyRemote 应用协作者的操作，不再广播。
func (m *Model) ApplyRemote(op MediaOp) error {
	if !op.TrackType.Valid() {
		return ErrInvalidTrack
	}
	var err error
	switch op.Action {
	case ActionAdd:
		if op.Clip == nil {
			return fmt.Errorf("%w: add without clip", ErrMalformedMediaOp)
		}
		clip := *op.Clip
		if clip.ID == "" {
			clip.ID = op.ClipID
		}
		if clip.ID == "" {
			return fmt.Errorf("%w: add without clip id", ErrMalformedMediaOp)
		}
		m.mu.Lock()
		m.upsertLocked(op.TrackType, m.normalize(op.TrackType, clip))
		m.mu.Unlock()
	case ActionMove:
		if op.Start == nil {
			return fmt.Errorf("%w: move without start", ErrMalformedMediaOp)
		}
		_, err = m.mutate(op.ClipID, op.TrackType, func(c *Clip) error {
			c.Start = math.Max(0, *op.Start)
			return nil
		})
	case ActionTrim:
		if op.Start == nil || op.End == nil {
			return fmt.Errorf("%w: trim without bounds", ErrMalformedMediaOp)
		}
		_, err = m.mutate(op.ClipID, op.TrackType, func(c *Clip) error {
			trim(c, *op.Start, *op.End)
			return nil
		})
	case ActionSplit:
		if op.At == nil || op.Clip == nil || op.Clip.ID == "" {
			return fmt.Errorf("%w: split without point or right half", ErrMalformedMediaOp)
		}
		m.mu.Lock()
		if m.findLocked(op.Clip.ID, op.TrackType) == nil {
			_, _, err = m.splitLocked(op.ClipID, op.TrackType, *op.At, op.Clip.ID)
		}
		m.mu.Unlock()
	case ActionDelete:
		m.mu.Lock()
		removed := m.removeLocked(op.ClipID, op.TrackType)
		m.mu.Unlock()
		if !removed {
			err = ErrClipNotFound
		}
	case ActionVolume:
		_, err = m.mutate(op.ClipID, op.TrackType, func(c *Clip) error {
			if op.Volume != nil {
				c.Volume = clampVolume(*op.Volume)
			}
			if op.Muted != nil {
				c.Muted = *op.Muted
			}
			return nil
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMediaOp, op.Action)
	}
	if err != nil {
		return err
	}
	m.notify(op)
	return nil
}

func (m *Model) mutate(id string, track TrackType, fn func(*Clip) error) (Clip, error) {
	if !track.Valid() {
		return Clip{}, ErrInvalidTrack
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.findLocked(id, track)
	if c == nil {
		return Clip{}, ErrClipNotFound
	}
	if err := fn(c); err != nil {
		return Clip{}, err
	}
	return *c, nil
}

func (m *Model) splitLocked(id string, track TrackType, at float64, rightID string) (Clip, Clip, error) {
	if !track.Valid() {
		return Clip{}, Clip{}, ErrInvalidTrack
	}
	c := m.findLocked(id, track)
	if c == nil {
		return Clip{}, Clip{}, ErrClipNotFound
	}
	if at <= c.Start || at >= c.End() {
		return Clip{}, Clip{}, fmt.Errorf("%w: %.3f not in (%.3f, %.3f)", ErrSplitOutOfRange, at, c.Start, c.End())
	}

	right := *c
	right.ID = rightID
	right.Start = at
	right.Duration = c.End() - at

	c.Duration = at - c.Start
	m.tracks[track] = append(m.tracks[track], &right)
	return *c, right, nil
}

func (m *Model) findLocked(id string, track TrackType) *Clip {
	for _, c := range m.tracks[track] {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Model) upsertLocked(track TrackType, clip Clip) {
	if existing := m.findLocked(clip.ID, track); existing != nil {
		*existing = clip
		return
	}
	m.tracks[track] = append(m.tracks[track], &clip)
}

func (m *Model) removeLocked(id string, track TrackType) bool {
	clips := m.tracks[track]
	for i, c := range clips {
		if c.ID == id {
			m.tracks[track] = append(clips[:i], clips[i+1:]...)
			return true
		}
	}
	return false
}

// normalize 补齐默认值。音量为 0 视为未设置，静音用 Muted 表达。
func (m *Model) normalize(track TrackType, clip Clip) Clip {
	clip.TrackType = track
	if clip.PageID == "" {
		clip.PageID = m.pageID
	}
	if clip.Volume <= 0 {
		clip.Volume = 1
	}
	clip.Volume = clampVolume(clip.Volume)
	clip.Start = math.Max(0, clip.Start)
	clip.Duration = math.Max(0, clip.Duration)
	clip.In = math.Max(0, clip.In)
	return clip
}

func (m *Model) emit(op MediaOp) {
	m.mu.RLock()
	b := m.broadcast
	m.mu.RUnlock()
	if b != nil {
		b.BroadcastMediaOp(op)
	}
	m.notify(op)
}

func (m *Model) notify(op MediaOp) {
	m.mu.RLock()
	observers := append([]func(MediaOp){}, m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(op)
	}
}

func trim(c *Clip, newStart, newEnd float64) {
	c.Start = math.Max(0, newStart)
	c.Duration = math.Max(0, newEnd-c.Start)
}

func clampVolume(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func float64Ptr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }
