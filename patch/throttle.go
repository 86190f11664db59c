package patch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTransformRate 是每个客户端每秒最多发出的 transform 补丁数。
const DefaultTransformRate = 10

type pendingTransform struct {
	objectID string
	props    map[string]float64
}

// throttle 用令牌桶限制 transform 的发送频率。未放行的中间状态按对象合并，
// 只保留每个属性的最新值。
type throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	pending map[string]*pendingTransform
	order   []string
}

func newThrottle(perSecond float64) *throttle {
	if perSecond <= 0 {
		perSecond = DefaultTransformRate
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		pending: make(map[string]*pendingTransform),
	}
}

// offer 合并一次 transform 到待发送队列，对象在队列中的位置保持不变。
func (t *throttle) offer(objectID string, props map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[objectID]
	if !ok {
		entry = &pendingTransform{objectID: objectID, props: make(map[string]float64, len(props))}
		t.pending[objectID] = entry
		t.order = append(t.order, objectID)
	}
	for k, v := range props {
		entry.props[k] = v
	}
}

// take 按令牌数取出可在 now 时刻发送的待发 transform。
func (t *throttle) take(now time.Time) []pendingTransform {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []pendingTransform
	for len(t.order) > 0 && t.limiter.AllowN(now, 1) {
		id := t.order[0]
		t.order = t.order[1:]
		out = append(out, *t.pending[id])
		delete(t.pending, id)
	}
	return out
}

// drop 丢弃对象的待发 transform，返回被丢弃的条目。
func (t *throttle) drop(objectID string) (pendingTransform, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[objectID]
	if !ok {
		return pendingTransform{}, false
	}
	delete(t.pending, objectID)
	for i, id := range t.order {
		if id == objectID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return *entry, true
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
