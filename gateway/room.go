package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"composer_back/animation"
	"composer_back/frame"
	"composer_back/patch"
	"composer_back/persistence"
	"composer_back/presence"
	"composer_back/realtime"
	"composer_back/scene"
	"composer_back/timeline"
	"composer_back/transport"
)

var errRoomClosed = errors.New("gateway: room closed")

// roomState 是一次快照所需的完整副本状态。
type roomState struct {
	Scene      json.RawMessage
	Clips      []timeline.Clip
	Animations []animation.Record
	LastPatch  string
}

// room 是一个 (project, page) 房间在本进程内的服务端副本。
// 所有场景读写都在 loop 上串行执行。
type room struct {
	key     transport.Room
	cfg     Config
	tr      transport.Transport
	store   *persistence.Store
	loop    *frame.Loop
	graph   *scene.Memory
	model   *timeline.Model
	session *realtime.Session

	mu       sync.Mutex
	clients  map[string]*client
	lastTime int64
	unsub    func()

	// 仅在 loop 上读写。
	dirty     bool
	lastPatch string

	cancel context.CancelFunc
	done   chan struct{}
}

func newRoom(key transport.Room, cfg Config, tr transport.Transport, store *persistence.Store) (*room, error) {
	loop := frame.NewLoop(frame.DefaultInterval)
	graph := scene.NewMemory()
	model := timeline.NewModel(key.PageID, nil)
	session, err := realtime.New(realtime.Config{
		Room:     key,
		ClientID: "server-" + uuid.NewString(),
	}, realtime.Deps{
		Graph:     graph,
		Transport: tr,
		Scheduler: loop,
		Timeline:  model,
	})
	if err != nil {
		return nil, err
	}

	r := &room{
		key:     key,
		cfg:     cfg,
		tr:      tr,
		store:   store,
		loop:    loop,
		graph:   graph,
		model:   model,
		session: session,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	session.OnApplied(r.markDirty)
	session.Presence().OnSync(r.broadcastPresence)
	return r, nil
}

// open 恢复快照与补丁日志，随后订阅房间并补齐恢复期间新写入的补丁。
func (r *room) open(ctx context.Context) error {
	lastID, err := r.restore(ctx)
	if err != nil {
		return err
	}

	r.loop.Start()
	if err := r.session.Start(ctx); err != nil {
		r.loop.Close()
		return err
	}
	unsub, err := r.tr.Subscribe(ctx, r.key, r.fanOut)
	if err != nil {
		r.session.Stop(ctx)
		r.loop.Close()
		return fmt.Errorf("gateway: subscribe %s: %w", r.key, err)
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	if r.store != nil {
		tail, err := r.collectPatches(ctx, lastID)
		if err != nil {
			log.Printf("gateway: catch up %s failed: %v", r.key, err)
		}
		r.loop.Post(func() {
			for _, p := range tail {
				r.session.Protocol().ApplyIncoming(p)
			}
		})
	}

	autosaveCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.autosave(autosaveCtx)
	return nil
}

func (r *room) restore(ctx context.Context) (string, error) {
	if r.store == nil {
		return "", nil
	}
	var lastID string
	snap, err := r.store.LoadSnapshot(ctx, r.key)
	switch {
	case errors.Is(err, persistence.ErrSnapshotNotFound):
	case err != nil:
		return "", fmt.Errorf("gateway: load snapshot %s: %w", r.key, err)
	default:
		if err := r.graph.LoadSerializable(snap.Scene); err != nil {
			return "", fmt.Errorf("gateway: restore scene %s: %w", r.key, err)
		}
		r.model.Load(snap.Clips)
		r.session.Animations().Reset(snap.Animations)
		lastID = snap.LastPatch
		r.lastPatch = snap.LastPatch
	}

	tail, err := r.collectPatches(ctx, lastID)
	if errors.Is(err, persistence.ErrPatchNotFound) {
		log.Printf("gateway: patch %s of %s snapshot missing from log, skipping replay", lastID, r.key)
		return lastID, nil
	}
	if err != nil {
		return "", fmt.Errorf("gateway: replay %s: %w", r.key, err)
	}
	for _, p := range tail {
		r.session.Protocol().ApplyIncoming(p)
		lastID = p.ID
	}
	if len(tail) > 0 {
		r.lastPatch = lastID
		r.dirty = true
	}
	return lastID, nil
}

func (r *room) collectPatches(ctx context.Context, afterID string) ([]patch.Patch, error) {
	var out []patch.Patch
	for {
		page, err := r.store.PatchesAfter(ctx, r.key, afterID, 0)
		if err != nil {
			return out, err
		}
		out = append(out, page...)
		if len(page) == 0 {
			return out, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// do 在 loop 上执行 fn 并等待完成，排在它之前的补丁都已应用。
func (r *room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	r.loop.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errRoomClosed
	}
}

// stamp 为补丁分配房间内单调递增的服务端时间（毫秒）。
func (r *room) stamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= r.lastTime {
		now = r.lastTime + 1
	}
	r.lastTime = now
	return now
}

// submit 应用一条来自连接的补丁，成功后写入日志并广播。
func (r *room) submit(ctx context.Context, pt patch.Patch) error {
	pt.ServerTime = r.stamp()
	if _, err := pt.Decode(); err != nil {
		return err
	}

	var applied bool
	if err := r.do(ctx, func() {
		applied = r.session.Protocol().ApplyIncoming(pt)
	}); err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("gateway: patch %s rejected", pt.ID)
	}

	if r.store != nil {
		if err := r.store.AppendPatch(ctx, pt); err != nil {
			log.Printf("gateway: append patch %s in %s failed: %v", pt.ID, r.key, err)
		}
	}
	data, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("gateway: encode patch: %w", err)
	}
	if err := r.tr.Publish(ctx, r.key, data); err != nil {
		return fmt.Errorf("gateway: publish %s: %w", r.key, err)
	}
	return nil
}

func (r *room) markDirty(p patch.Patch) {
	r.dirty = true
	if p.ID != "" {
		r.lastPatch = p.ID
	}
}

// capture 截取副本状态，只能在 loop 上调用。
func (r *room) capture() (roomState, error) {
	data, err := r.session.Snapshot()
	if err != nil {
		return roomState{}, fmt.Errorf("gateway: serialize %s: %w", r.key, err)
	}
	return roomState{
		Scene:      data,
		Clips:      r.model.All(),
		Animations: r.session.Animations().Records(),
		LastPatch:  r.lastPatch,
	}, nil
}

// state 在 loop 上截取副本状态；reset 为真时同时清除脏标记。
func (r *room) state(ctx context.Context, reset bool) (roomState, bool, error) {
	var (
		st    roomState
		dirty bool
		err   error
	)
	if doErr := r.do(ctx, func() {
		dirty = r.dirty
		st, err = r.capture()
		if reset && err == nil {
			r.dirty = false
		}
	}); doErr != nil {
		return roomState{}, false, doErr
	}
	return st, dirty, err
}

func (r *room) save(ctx context.Context, force bool) error {
	if r.store == nil {
		return nil
	}
	st, dirty, err := r.state(ctx, true)
	if err != nil {
		return err
	}
	if !dirty && !force {
		return nil
	}
	if err := r.store.SaveSnapshot(ctx, persistence.Snapshot{
		Room:       r.key,
		Scene:      st.Scene,
		Clips:      st.Clips,
		Animations: st.Animations,
		LastPatch:  st.LastPatch,
	}); err != nil {
		r.loop.Post(func() { r.dirty = true })
		return fmt.Errorf("gateway: save snapshot %s: %w", r.key, err)
	}
	return nil
}

func (r *room) autosave(ctx context.Context) {
	if r.store == nil {
		return
	}
	ticker := time.NewTicker(r.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := r.save(saveCtx, false); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gateway: autosave failed: %v", err)
			}
			cancel()
		}
	}
}

// join 登记连接并返回加入时的副本状态。登记与截取在 loop 上一起完成。
func (r *room) join(ctx context.Context, c *client) (roomState, error) {
	var (
		st  roomState
		err error
	)
	if doErr := r.do(ctx, func() {
		st, err = r.capture()
		if err == nil {
			r.mu.Lock()
			r.clients[c.id] = c
			r.mu.Unlock()
		}
	}); doErr != nil {
		return roomState{}, doErr
	}
	return st, err
}

// leave 注销连接并返回剩余连接数。
func (r *room) leave(c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.id)
	return len(r.clients)
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *room) snapshotClients() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// fanOut 把房间频道上的补丁转发给本进程内的全部连接，包括发送者；
// 客户端按 client_id 抑制回声。
func (r *room) fanOut(data []byte) {
	msg, err := json.Marshal(outboundFrame{Type: frameTypePatch, Patch: json.RawMessage(data)})
	if err != nil {
		log.Printf("gateway: encode patch frame failed: %v", err)
		return
	}
	for _, c := range r.snapshotClients() {
		c.enqueue(msg)
	}
}

func (r *room) broadcastPresence() {
	msg, err := json.Marshal(r.presenceFrame())
	if err != nil {
		log.Printf("gateway: encode presence frame failed: %v", err)
		return
	}
	for _, c := range r.snapshotClients() {
		c.enqueue(msg)
	}
}

func (r *room) presenceFrame() outboundFrame {
	members := r.session.Presence().Members()
	if members == nil {
		members = []presence.State{}
	}
	return outboundFrame{Type: frameTypePresence, Members: members}
}

// close 做最后一次保存并释放副本。
func (r *room) close(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.save(ctx, false); err != nil {
		log.Printf("gateway: final save failed: %v", err)
	}
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.session.Stop(ctx)
	close(r.done)
	r.loop.Close()
}
