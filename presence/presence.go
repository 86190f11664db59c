package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"

	"composer_back/transport"
)

var ErrNotTracked = errors.New("presence: member is not tracked")

// Cursor 是画布坐标系中的指针位置。
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State 是单个用户在房间中的在线状态，每次心跳或移动都会整体覆盖。
type State struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
	Cursor   *Cursor `json:"cursor"`
	Tool     string  `json:"tool,omitempty"`
}

// Avatar 是房间头像栏展示所需的信息。
type Avatar struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Color    string `json:"color"`
	Tool     string `json:"tool,omitempty"`
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ColorFor 为用户分配稳定的展示颜色。
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Layer 维护一个房间的在线快照。快照总是由传输层给出的完整成员视图重建。
type Layer struct {
	room     transport.Room
	tr       transport.Transport
	memberID string

	mu        sync.RWMutex
	self      *State
	avatars   map[string]Avatar
	cursors   map[string]Cursor
	members   []State
	listeners []func()
	unsub     func()
}

// NewLayer 创建在线层；memberID 标识本连接，同一用户的多个连接互不覆盖。
func NewLayer(room transport.Room, tr transport.Transport, memberID string) *Layer {
	return &Layer{
		room:     room,
		tr:       tr,
		memberID: memberID,
		avatars:  make(map[string]Avatar),
		cursors:  make(map[string]Cursor),
	}
}

func (l *Layer) MemberID() string { return l.memberID }

// Start 订阅房间成员变化。
func (l *Layer) Start(ctx context.Context) error {
	unsub, err := l.tr.SubscribePresence(ctx, l.room, l.Sync)
	if err != nil {
		return fmt.Errorf("presence: subscribe %s: %w", l.room, err)
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return nil
}

// Stop 取消订阅，不会自动离开房间。
func (l *Layer) Stop() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// OnSync 注册快照重建后的回调。
func (l *Layer) OnSync(fn func()) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Track 发布本连接的完整状态，颜色缺省时按用户 id 分配。
func (l *Layer) Track(ctx context.Context, state State) error {
	if state.Color == "" {
		state.Color = ColorFor(state.UserID)
	}
	l.mu.Lock()
	copied := state
	l.self = &copied
	l.mu.Unlock()
	return l.publish(ctx, state)
}

// Refresh 重新发布当前状态，用作心跳。
func (l *Layer) Refresh(ctx context.Context) error {
	state, ok := l.current()
	if !ok {
		return ErrNotTracked
	}
	return l.publish(ctx, state)
}

// MoveCursor 更新指针位置，失败只记录日志。
func (l *Layer) MoveCursor(ctx context.Context, x, y float64) error {
	return l.update(ctx, func(s *State) { s.Cursor = &Cursor{X: x, Y: y} })
}

// HideCursor 在指针离开画布时清空光标。
func (l *Layer) HideCursor(ctx context.Context) error {
	return l.update(ctx, func(s *State) { s.Cursor = nil })
}

func (l *Layer) SetTool(ctx context.Context, tool string) error {
	return l.update(ctx, func(s *State) { s.Tool = tool })
}

// Leave 将本连接移出房间。
func (l *Layer) Leave(ctx context.Context) error {
	l.mu.Lock()
	l.self = nil
	l.mu.Unlock()
	if err := l.tr.Untrack(ctx, l.room, l.memberID); err != nil {
		return fmt.Errorf("presence: leave %s: %w", l.room, err)
	}
	return nil
}

func (l *Layer) update(ctx context.Context, fn func(*State)) error {
	l.mu.Lock()
	if l.self == nil {
		l.mu.Unlock()
		return ErrNotTracked
	}
	fn(l.self)
	state := *l.self
	l.mu.Unlock()
	return l.publish(ctx, state)
}

func (l *Layer) current() (State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.self == nil {
		return State{}, false
	}
	return *l.self, true
}

func (l *Layer) publish(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("presence: encode state: %w", err)
	}
	if err := l.tr.Track(ctx, l.room, l.memberID, data); err != nil {
		log.Printf("presence: track %s in %s failed: %v", l.memberID, l.room, err)
		return fmt.Errorf("presence: track: %w", err)
	}
	return nil
}

// Sync 用完整成员视图重建头像与光标快照，无法解析的成员被忽略。
func (l *Layer) Sync(members map[string][]byte) {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	avatars := make(map[string]Avatar, len(members))
	cursors := make(map[string]Cursor, len(members))
	states := make([]State, 0, len(members))
	for _, id := range ids {
		var state State
		if err := json.Unmarshal(members[id], &state); err != nil || state.UserID == "" {
			log.Printf("presence: ignore member %s in %s: invalid state", id, l.room)
			continue
		}
		states = append(states, state)
		avatars[state.UserID] = Avatar{
			UserID:   state.UserID,
			Username: state.Username,
			Color:    state.Color,
			Tool:     state.Tool,
		}
		if state.Cursor != nil {
			cursors[state.UserID] = *state.Cursor
		}
	}

	l.mu.Lock()
	l.avatars = avatars
	l.cursors = cursors
	l.members = states
	listeners := append([]func(){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Avatars 返回按用户 id 索引的头像快照副本。
func (l *Layer) Avatars() map[string]Avatar {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Avatar, len(l.avatars))
	for k, v := range l.avatars {
		out[k] = v
	}
	return out
}

// Cursors 返回按用户 id 索引的光标快照副本。
func (l *Layer) Cursors() map[string]Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Cursor, len(l.cursors))
	for k, v := range l.cursors {
		out[k] = v
	}
	return out
}

// Members 返回按成员 id 排序的完整状态列表。
func (l *Layer) Members() []State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]State(nil), l.members...)
}
