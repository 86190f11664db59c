package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/oklog/ulid/v2"

	"composer_back/animation"
	"composer_back/frame"
	"composer_back/patch"
	"composer_back/presence"
	"composer_back/scene"
	"composer_back/timeline"
	"composer_back/transport"
)

var (
	ErrAlreadyStarted = errors.New("realtime: session already started")
	ErrNotStarted     = errors.New("realtime: session not started")
	ErrMissingDeps    = errors.New("realtime: graph, transport and scheduler are required")
)

// EffectHandler 处理对象特效栈的变更。
type EffectHandler interface {
	ApplyEffect(objectID string, op json.RawMessage) error
}

// Config 描述会话所在房间与本地用户身份。
type Config struct {
	Room          transport.Room
	ClientID      string
	UserID        string
	Username      string
	Color         string
	Tool          string
	TransformRate float64
}

// Deps 是会话依赖的协作者，Timeline 与 Effects 可以为空。
type Deps struct {
	Graph     scene.Graph
	Transport transport.Transport
	Scheduler frame.Scheduler
	Timeline  *timeline.Model
	Effects   EffectHandler
}

// Session 将补丁协议、在线层、页面动画列表与时间线模型组合为一个
// (project, page) 房间的订阅/启动/停止生命周期。
type Session struct {
	cfg        Config
	deps       Deps
	proto      *patch.Protocol
	presence   *presence.Layer
	animations *animation.PageAnimations

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	unsub   func()
}

// New 组装会话但不订阅任何消息。
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Graph == nil || deps.Transport == nil || deps.Scheduler == nil {
		return nil, ErrMissingDeps
	}
	if err := cfg.Room.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = ulid.Make().String()
	}

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		animations: animation.NewPageAnimations(),
	}
	s.proto = patch.New(patch.Config{
		Room:          cfg.Room,
		ClientID:      cfg.ClientID,
		UserID:        cfg.UserID,
		Username:      cfg.Username,
		TransformRate: cfg.TransformRate,
	}, deps.Graph, deps.Transport, deps.Scheduler)
	s.presence = presence.NewLayer(cfg.Room, deps.Transport, cfg.ClientID)
	s.installHandlers(nil)
	s.rebuildAnimations()
	return s, nil
}

func (s *Session) Room() transport.Room                  { return s.cfg.Room }
func (s *Session) ClientID() string                      { return s.cfg.ClientID }
func (s *Session) Protocol() *patch.Protocol             { return s.proto }
func (s *Session) Presence() *presence.Layer             { return s.presence }
func (s *Session) Animations() *animation.PageAnimations { return s.animations }
func (s *Session) Graph() scene.Graph                    { return s.deps.Graph }

// OnApplied 注册远端补丁成功应用后的回调。
func (s *Session) OnApplied(fn func(patch.Patch)) {
	s.installHandlers(fn)
}

func (s *Session) installHandlers(applied func(patch.Patch)) {
	handlers := patch.Handlers{
		Media:     s.applyMediaOp,
		Animation: s.trackAnimation,
		Replaced:  s.rebuildAnimations,
		Applied:   applied,
	}
	if s.deps.Effects != nil {
		handlers.Effect = func(p patch.Patch, op json.RawMessage) error {
			return s.deps.Effects.ApplyEffect(p.ObjectID, op)
		}
	}
	s.proto.SetHandlers(handlers)
}

// Start 订阅房间补丁与在线状态。传输层回调统一投递到帧调度器上执行，
// 保证场景只在调度线程上被修改。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	unsub, err := s.deps.Transport.Subscribe(ctx, s.cfg.Room, func(data []byte) {
		s.deps.Scheduler.Post(func() { s.proto.HandleMessage(data) })
	})
	if err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", s.cfg.Room, err)
	}
	if err := s.presence.Start(ctx); err != nil {
		unsub()
		return err
	}
	if s.cfg.UserID != "" {
		state := presence.State{UserID: s.cfg.UserID, Username: s.cfg.Username, Color: s.cfg.Color, Tool: s.cfg.Tool}
		if err := s.presence.Track(ctx, state); err != nil {
			log.Printf("realtime: initial presence for %s failed: %v", s.cfg.Room, err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsub = unsub
	s.started = true
	if s.deps.Timeline != nil {
		s.deps.Timeline.SetBroadcaster(timeline.BroadcasterFunc(s.broadcastMediaOp))
	}
	return nil
}

// Stop 退订并离开房间，可重复调用。
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsub := s.unsub
	s.unsub = nil
	cancel := s.cancel
	s.mu.Unlock()

	if s.deps.Timeline != nil {
		s.deps.Timeline.SetBroadcaster(nil)
	}
	unsub()
	s.proto.Close()
	if s.cfg.UserID != "" {
		if err := s.presence.Leave(ctx); err != nil {
			log.Printf("realtime: leave %s failed: %v", s.cfg.Room, err)
		}
	}
	s.presence.Stop()
	cancel()
}

// Started 报告会话是否处于订阅状态。
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) emit(ctx context.Context, objectID string, payload patch.Payload) error {
	if !s.Started() {
		return ErrNotStarted
	}
	return s.proto.Emit(ctx, objectID, payload)
}

// AddObject 先写入本地场景再广播。
func (s *Session) AddObject(ctx context.Context, obj scene.Object) error {
	if err := s.deps.Graph.AddObject(obj); err != nil {
		return err
	}
	if obj.Animation != nil {
		s.animations.Set(obj.ID, *obj.Animation)
	}
	s.deps.Graph.RequestRender()
	return s.emit(ctx, obj.ID, patch.Add{Object: obj})
}

func (s *Session) RemoveObject(ctx context.Context, id string) error {
	if !s.deps.Graph.RemoveObject(id) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.animations.Remove(id)
	s.deps.Graph.RequestRender()
	return s.emit(ctx, id, patch.Remove{})
}

func (s *Session) ModifyObject(ctx context.Context, id string, props map[string]any) error {
	if !s.deps.Graph.SetObjectProps(id, props) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.deps.Graph.RequestRender()
	return s.emit(ctx, id, patch.Modify{Props: props})
}

// TransformObject 立即更新本地场景，广播受限流控制。
func (s *Session) TransformObject(ctx context.Context, id string, props map[string]float64) error {
	bag := make(map[string]any, len(props))
	for k, v := range props {
		bag[k] = v
	}
	if !s.deps.Graph.SetObjectProps(id, bag) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.deps.Graph.RequestRender()
	return s.emit(ctx, id, patch.Transform{Props: props})
}

func (s *Session) ReorderObject(ctx context.Context, id string, index int) error {
	if !s.deps.Graph.MoveTo(id, index) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.deps.Graph.RequestRender()
	return s.emit(ctx, id, patch.Reorder{Index: index})
}

// ReplaceScene 整体替换场景，例如应用模板。
func (s *Session) ReplaceScene(ctx context.Context, data []byte) error {
	if err := s.deps.Graph.LoadSerializable(data); err != nil {
		return err
	}
	s.rebuildAnimations()
	s.deps.Graph.RequestRender()
	return s.emit(ctx, "", patch.Replace{Scene: append(json.RawMessage(nil), data...)})
}

// SetAnimation 同时更新对象副本与页面动画列表，d 为 nil 时清除。
func (s *Session) SetAnimation(ctx context.Context, id string, d *animation.Descriptor) error {
	if !s.deps.Graph.SetAnimation(id, d) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.trackAnimation(id, d)
	return s.emit(ctx, id, patch.AnimUpdate{Animation: d})
}

// ApplyEffect 在本地应用特效操作后广播。
func (s *Session) ApplyEffect(ctx context.Context, id string, op json.RawMessage) error {
	if s.deps.Effects != nil {
		if err := s.deps.Effects.ApplyEffect(id, op); err != nil {
			return err
		}
	} else if !s.deps.Graph.SetEffects(id, op) {
		return fmt.Errorf("%w: %s", patch.ErrMissingTarget, id)
	}
	s.deps.Graph.RequestRender()
	return s.emit(ctx, id, patch.EffectOp{Op: op})
}

// NewAnimationPlayer 创建基于本会话场景与页面动画列表的动画播放器。
func (s *Session) NewAnimationPlayer() *animation.Player {
	return animation.NewPlayer(s.deps.Graph, s.animations, s.deps.Scheduler)
}

// Snapshot 序列化当前场景。
func (s *Session) Snapshot() ([]byte, error) {
	return s.deps.Graph.ToSerializable()
}

func (s *Session) broadcastMediaOp(op timeline.MediaOp) {
	raw, err := json.Marshal(op)
	if err != nil {
		log.Printf("realtime: encode media op failed: %v", err)
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.emit(ctx, "", patch.MediaOp{Op: raw}); err != nil && !errors.Is(err, ErrNotStarted) {
		log.Printf("realtime: broadcast media op %s failed: %v", op.Action, err)
	}
}

func (s *Session) applyMediaOp(_ patch.Patch, raw json.RawMessage) error {
	if s.deps.Timeline == nil {
		return nil
	}
	var op timeline.MediaOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("%w: %v", timeline.ErrMalformedMediaOp, err)
	}
	return s.deps.Timeline.ApplyRemote(op)
}

func (s *Session) trackAnimation(objectID string, d *scene.AnimationDescriptor) {
	if d == nil {
		s.animations.Remove(objectID)
		return
	}
	s.animations.Set(objectID, *d)
}

// rebuildAnimations 从场景对象的动画副本重建页面动画列表。
func (s *Session) rebuildAnimations() {
	var records []animation.Record
	for _, obj := range s.deps.Graph.GetAllObjects() {
		if obj.Animation != nil {
			records = append(records, animation.Record{ObjectID: obj.ID, Descriptor: *obj.Animation})
		}
	}
	s.animations.Reset(records)
}
