package patch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"composer_back/frame"
	"composer_back/scene"
	"composer_back/transport"
)

// Config 描述协议所在的房间与本地客户端身份。
type Config struct {
	Room          transport.Room
	ClientID      string
	UserID        string
	Username      string
	TransformRate float64
	RecentSize    int
}

// Handlers 是协议在应用远端补丁时回调的外部子系统，均可为空。
type Handlers struct {
	// Media 处理 media-op 负载。
	Media func(p Patch, op json.RawMessage) error
	// Effect 处理 effect-op 负载；为空时负载直接写入对象的特效栈。
	Effect func(p Patch, op json.RawMessage) error
	// Animation 在对象动画被设置或清除后调用。
	Animation func(objectID string, d *scene.AnimationDescriptor)
	// Replaced 在整个场景被替换后调用。
	Replaced func()
	// Applied 在远端补丁成功应用后调用。
	Applied func(p Patch)
}

// Protocol 负责本地变更的发送与远端补丁的应用。
// 本地变更由调用方先行写入场景，协议只负责广播。
type Protocol struct {
	cfg      Config
	graph    scene.Graph
	tr       transport.Transport
	sched    frame.Scheduler
	recent   *recentSet
	throttle *throttle
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	handlers    Handlers
	flushHandle frame.Handle
	watermarks  map[string]int64
}

// New 创建补丁协议实例。
func New(cfg Config, graph scene.Graph, tr transport.Transport, sched frame.Scheduler) *Protocol {
	if cfg.ClientID == "" {
		cfg.ClientID = ulid.Make().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Protocol{
		cfg:        cfg,
		graph:      graph,
		tr:         tr,
		sched:      sched,
		recent:     newRecentSet(cfg.RecentSize),
		throttle:   newThrottle(cfg.TransformRate),
		newID:      func() string { return ulid.Make().String() },
		ctx:        ctx,
		cancel:     cancel,
		watermarks: make(map[string]int64),
	}
}

func (p *Protocol) ClientID() string { return p.cfg.ClientID }

func (p *Protocol) Room() transport.Room { return p.cfg.Room }

// SetHandlers 替换回调集合。
func (p *Protocol) SetHandlers(h Handlers) {
	p.mu.Lock()
	p.handlers = h
	p.mu.Unlock()
}

// PendingTransforms 返回因限流尚未发出的对象数。
func (p *Protocol) PendingTransforms() int { return p.throttle.size() }

// Emit 广播一次已在本地生效的变更。transform 经过令牌桶限流，
// 被拦下的状态会在后续帧中发出。
func (p *Protocol) Emit(ctx context.Context, objectID string, payload Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	if t, ok := payload.(Transform); ok {
		if objectID == "" {
			return fmt.Errorf("%w: transform without object_id", ErrMalformed)
		}
		p.throttle.offer(objectID, t.Props)
		p.flush(ctx, p.sched.Now())
		return nil
	}

	if objectID != "" {
		if payload.OpType() == OpRemove {
			p.throttle.drop(objectID)
		} else if pending, ok := p.throttle.drop(objectID); ok {
			// 保持同一对象的发送顺序。
			if err := p.publishTransform(ctx, pending); err != nil {
				return err
			}
		}
	}

	pt, err := p.build(objectID, payload)
	if err != nil {
		return err
	}
	return p.publish(ctx, pt)
}

func (p *Protocol) build(objectID string, payload Payload) (Patch, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Patch{}, err
	}
	if add, ok := payload.(Add); ok && objectID == "" {
		objectID = add.Object.ID
	}
	return Patch{
		ID:        p.newID(),
		ProjectID: p.cfg.Room.ProjectID,
		PageID:    p.cfg.Room.PageID,
		UserID:    p.cfg.UserID,
		Username:  p.cfg.Username,
		OpType:    payload.OpType(),
		ObjectID:  objectID,
		Payload:   raw,
		ClientID:  p.cfg.ClientID,
	}, nil
}

// publish 记录 id 后发送补丁。传输失败只记录日志，本地状态保持不变。
func (p *Protocol) publish(ctx context.Context, pt Patch) error {
	p.recent.add(pt.ID)
	data, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("patch: encode %s: %w", pt.OpType, err)
	}
	if err := p.tr.Publish(ctx, p.cfg.Room, data); err != nil {
		log.Printf("patch: publish %s %s failed: %v", pt.OpType, pt.ID, err)
		return fmt.Errorf("patch: publish: %w", err)
	}
	return nil
}

func (p *Protocol) publishTransform(ctx context.Context, pending pendingTransform) error {
	pt, err := p.build(pending.objectID, Transform{Props: pending.props})
	if err != nil {
		return err
	}
	return p.publish(ctx, pt)
}

func (p *Protocol) flush(ctx context.Context, now time.Time) {
	for _, pending := range p.throttle.take(now) {
		_ = p.publishTransform(ctx, pending)
	}
	p.scheduleFlush()
}

func (p *Protocol) scheduleFlush() {
	if p.ctx.Err() != nil || p.throttle.size() == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushHandle != 0 {
		return
	}
	p.flushHandle = p.sched.RequestFrame(func(now time.Time) {
		p.mu.Lock()
		p.flushHandle = 0
		p.mu.Unlock()
		p.flush(p.ctx, now)
	})
}

// HandleMessage 解析传输层收到的原始消息并应用。
func (p *Protocol) HandleMessage(data []byte) bool {
	var pt Patch
	if err := json.Unmarshal(data, &pt); err != nil {
		log.Printf("patch: drop undecodable message: %v", err)
		return false
	}
	return p.ApplyIncoming(pt)
}

// ApplyIncoming 应用远端补丁。自身发出的补丁与已应用过的 id 会被跳过；
// 未知类型或目标缺失的补丁记录日志后丢弃。
func (p *Protocol) ApplyIncoming(pt Patch) bool {
	if pt.ClientID != "" && pt.ClientID == p.cfg.ClientID {
		return false
	}
	if pt.ID != "" && !p.recent.add(pt.ID) {
		return false
	}
	if err := p.Apply(pt); err != nil {
		log.Printf("patch: drop %s %s from %s: %v", pt.OpType, pt.ID, pt.UserID, err)
		return false
	}
	p.mu.Lock()
	applied := p.handlers.Applied
	p.mu.Unlock()
	if applied != nil {
		applied(pt)
	}
	return true
}

// ErrStale 表示补丁的服务端时间早于该对象已应用的补丁。
var ErrStale = errors.New("patch: stale server_time")

// Apply 将补丁写入场景，不做去重。
func (p *Protocol) Apply(pt Patch) error {
	payload, err := pt.Decode()
	if err != nil {
		return err
	}
	if err := p.admit(pt); err != nil {
		return err
	}

	p.mu.Lock()
	h := p.handlers
	p.mu.Unlock()

	id := pt.ObjectID
	switch v := payload.(type) {
	case Add:
		obj := v.Object
		if obj.ID == "" {
			obj.ID = id
		}
		if err := p.graph.AddObject(obj); err != nil {
			return err
		}
		if h.Animation != nil && obj.Animation != nil {
			h.Animation(obj.ID, obj.Animation)
		}
	case Remove:
		if !p.graph.RemoveObject(id) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
		if h.Animation != nil {
			h.Animation(id, nil)
		}
	case Modify:
		if !p.graph.SetObjectProps(id, v.Props) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
	case Transform:
		props := make(map[string]any, len(v.Props))
		for k, val := range v.Props {
			props[k] = val
		}
		if !p.graph.SetObjectProps(id, props) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
	case Reorder:
		if !p.graph.MoveTo(id, v.Index) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
	case Replace:
		if err := p.graph.LoadSerializable(v.Scene); err != nil {
			return err
		}
		p.mu.Lock()
		p.watermarks = make(map[string]int64)
		p.mu.Unlock()
		if h.Replaced != nil {
			h.Replaced()
		}
	case AnimUpdate:
		if !p.graph.SetAnimation(id, v.Animation) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
		if h.Animation != nil {
			h.Animation(id, v.Animation)
		}
	case MediaOp:
		if h.Media != nil {
			if err := h.Media(pt, v.Op); err != nil {
				return err
			}
		}
	case EffectOp:
		if h.Effect != nil {
			if err := h.Effect(pt, v.Op); err != nil {
				return err
			}
		} else if !p.graph.SetEffects(id, v.Op) {
			return fmt.Errorf("%w: %s", ErrMissingTarget, id)
		}
	}
	p.graph.RequestRender()
	return nil
}

// admit 按服务端接收顺序裁决冲突：带 server_time 的补丁若早于该对象已应用的
// 补丁则被丢弃；未打时间戳的补丁按本地接收顺序应用。
func (p *Protocol) admit(pt Patch) error {
	if pt.ServerTime <= 0 || !pt.OpType.targeted() || pt.ObjectID == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.watermarks[pt.ObjectID]; ok && pt.ServerTime < last {
		return fmt.Errorf("%w: %d < %d for %s", ErrStale, pt.ServerTime, last, pt.ObjectID)
	}
	p.watermarks[pt.ObjectID] = pt.ServerTime
	return nil
}

// Close 取消挂起的限流帧，之后的待发 transform 不再发送。
func (p *Protocol) Close() {
	p.cancel()
	p.mu.Lock()
	if p.flushHandle != 0 {
		p.sched.CancelFrame(p.flushHandle)
		p.flushHandle = 0
	}
	p.mu.Unlock()
}
