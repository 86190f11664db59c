package scene

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Memory 是进程内的 Graph。服务端每个房间持有一份作为自动保存的副本，
// 测试中充当渲染端。
type Memory struct {
	mu       sync.RWMutex
	order    []string
	objects  map[string]*Object
	renders  int
	onRender func()
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]*Object)}
}

func (m *Memory) OnRender(fn func()) {
	m.mu.Lock()
	m.onRender = fn
	m.mu.Unlock()
}

// Renders 返回 RequestRender 的调用次数。
func (m *Memory) Renders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renders
}

func (m *Memory) GetObjectByID(id string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	if !ok {
		return Object{}, false
	}
	return obj.Clone(), true
}

func (m *Memory) AddObject(obj Object) error {
	if obj.ID == "" {
		return ErrInvalidObject
	}
	stored := obj.Clone()
	if stored.Props == nil {
		stored.Props = make(map[string]any)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[obj.ID]; !exists {
		m.order = append(m.order, obj.ID)
	}
	m.objects[obj.ID] = &stored
	return nil
}

func (m *Memory) RemoveObject(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		return false
	}
	delete(m.objects, id)
	for i, candidate := range m.order {
		if candidate == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *Memory) SetObjectProps(id string, props map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return false
	}
	for k, v := range props {
		obj.Props[k] = v
	}
	return true
}

func (m *Memory) SetAnimation(id string, d *AnimationDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return false
	}
	if d == nil {
		obj.Animation = nil
		return true
	}
	copied := *d
	obj.Animation = &copied
	return true
}

func (m *Memory) SetEffects(id string, effects json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return false
	}
	obj.Effects = append(json.RawMessage(nil), effects...)
	return true
}

func (m *Memory) MoveTo(id string, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		return false
	}
	current := -1
	for i, candidate := range m.order {
		if candidate == id {
			current = i
			break
		}
	}
	rest := append(append([]string(nil), m.order[:current]...), m.order[current+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(rest) {
		index = len(rest)
	}
	m.order = append(rest[:index], append([]string{id}, rest[index:]...)...)
	return true
}

func (m *Memory) GetAllObjects() []Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Object, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.objects[id].Clone())
	}
	return out
}

func (m *Memory) ToSerializable() ([]byte, error) {
	return json.Marshal(Document{Objects: m.GetAllObjects()})
}

// LoadSerializable 整体替换场景。
func (m *Memory) LoadSerializable(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScene, err)
	}

	order := make([]string, 0, len(doc.Objects))
	objects := make(map[string]*Object, len(doc.Objects))
	for _, obj := range doc.Objects {
		if obj.ID == "" {
			return ErrInvalidObject
		}
		stored := obj.Clone()
		if stored.Props == nil {
			stored.Props = make(map[string]any)
		}
		if _, dup := objects[obj.ID]; !dup {
			order = append(order, obj.ID)
		}
		objects[obj.ID] = &stored
	}

	m.mu.Lock()
	m.order = order
	m.objects = objects
	m.mu.Unlock()
	return nil
}

func (m *Memory) RequestRender() {
	m.mu.Lock()
	m.renders++
	hook := m.onRender
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}
