package transport

import (
	"context"
	"sync"
)

// Hub 是进程内 Transport。消息在发布者 goroutine 上同步投递给
// 房间内包括发布者在内的全部订阅者。
type Hub struct {
	mu       sync.RWMutex
	closed   bool
	next     int
	streams  map[string]map[int]Handler
	watchers map[string]map[int]PresenceHandler
	members  map[string]map[string][]byte
}

func NewHub() *Hub {
	return &Hub{
		streams:  make(map[string]map[int]Handler),
		watchers: make(map[string]map[int]PresenceHandler),
		members:  make(map[string]map[string][]byte),
	}
}

func (h *Hub) Publish(ctx context.Context, room Room, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(h.streams[room.Key()]))
	for _, fn := range h.streams[room.Key()] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, room Room, fn Handler) (func(), error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	key := room.Key()
	if h.streams[key] == nil {
		h.streams[key] = make(map[int]Handler)
	}
	h.next++
	id := h.next
	h.streams[key][id] = fn

	return func() {
		h.mu.Lock()
		delete(h.streams[key], id)
		h.mu.Unlock()
	}, nil
}

func (h *Hub) Track(ctx context.Context, room Room, memberID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	key := room.Key()
	if h.members[key] == nil {
		h.members[key] = make(map[string][]byte)
	}
	h.members[key][memberID] = append([]byte(nil), state...)
	h.mu.Unlock()

	h.broadcastPresence(key)
	return nil
}

func (h *Hub) Untrack(_ context.Context, room Room, memberID string) error {
	key := room.Key()
	h.mu.Lock()
	_, ok := h.members[key][memberID]
	delete(h.members[key], memberID)
	h.mu.Unlock()

	if ok {
		h.broadcastPresence(key)
	}
	return nil
}

// SubscribePresence 注册 fn 并立即推送当前成员。
func (h *Hub) SubscribePresence(_ context.Context, room Room, fn PresenceHandler) (func(), error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	key := room.Key()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.watchers[key] == nil {
		h.watchers[key] = make(map[int]PresenceHandler)
	}
	h.next++
	id := h.next
	h.watchers[key][id] = fn
	snapshot := copyMembers(h.members[key])
	h.mu.Unlock()

	fn(snapshot)
	return func() {
		h.mu.Lock()
		delete(h.watchers[key], id)
		h.mu.Unlock()
	}, nil
}

func (h *Hub) Members(room Room) map[string][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyMembers(h.members[room.Key()])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.streams = make(map[string]map[int]Handler)
	h.watchers = make(map[string]map[int]PresenceHandler)
	h.mu.Unlock()
	return nil
}

func (h *Hub) broadcastPresence(key string) {
	h.mu.RLock()
	watchers := make([]PresenceHandler, 0, len(h.watchers[key]))
	for _, fn := range h.watchers[key] {
		watchers = append(watchers, fn)
	}
	members := h.members[key]
	h.mu.RUnlock()

	for _, fn := range watchers {
		h.mu.RLock()
		snapshot := copyMembers(members)
		h.mu.RUnlock()
		fn(snapshot)
	}
}
