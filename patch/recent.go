package patch

import "sync"

// DefaultRecentSize 是去重集合保留的补丁 id 数量。
const DefaultRecentSize = 1024

// recentSet 是容量固定的 id 集合，满后按插入顺序淘汰最旧的 id。
type recentSet struct {
	mu    sync.Mutex
	ring  []string
	next  int
	index map[string]struct{}
}

func newRecentSet(size int) *recentSet {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &recentSet{ring: make([]string, size), index: make(map[string]struct{}, size)}
}

// add 记录 id，已存在时返回 false。
func (s *recentSet) add(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.index, old)
	}
	s.ring[s.next] = id
	s.index[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

func (s *recentSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *recentSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
