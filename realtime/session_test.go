package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"composer_back/animation"
	"composer_back/frame"
	"composer_back/patch"
	"composer_back/scene"
	"composer_back/timeline"
	"composer_back/transport"
)

var room = transport.Room{ProjectID: "proj", PageID: "page-1"}

type peer struct {
	session *Session
	graph   *scene.Memory
	model   *timeline.Model
}

func newPeer(t *testing.T, hub *transport.Hub, sched frame.Scheduler, user string, effects EffectHandler) *peer {
	t.Helper()
	graph := scene.NewMemory()
	model := timeline.NewModel(room.PageID, nil)
	s, err := New(Config{Room: room, UserID: user, Username: user}, Deps{
		Graph:     graph,
		Transport: hub,
		Scheduler: sched,
		Timeline:  model,
		Effects:   effects,
	})
	require.NoError(t, err)
	return &peer{session: s, graph: graph, model: model}
}

func startPair(t *testing.T) (*peer, *peer, *transport.Hub) {
	t.Helper()
	hub := transport.NewHub()
	sched := frame.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 16*time.Millisecond)
	alice := newPeer(t, hub, sched, "alice", nil)
	bob := newPeer(t, hub, sched, "bob", nil)
	ctx := context.Background()
	require.NoError(t, alice.session.Start(ctx))
	require.NoError(t, bob.session.Start(ctx))
	t.Cleanup(func() {
		alice.session.Stop(ctx)
		bob.session.Stop(ctx)
	})
	return alice, bob, hub
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Room: room}, Deps{})
	assert.ErrorIs(t, err, ErrMissingDeps)

	_, err = New(Config{}, Deps{Graph: scene.NewMemory(), Transport: transport.NewHub(), Scheduler: frame.NewManual(time.Now(), 0)})
	assert.ErrorIs(t, err, transport.ErrInvalidRoom)
}

func TestLifecycle(t *testing.T) {
	alice, bob, hub := startPair(t)
	ctx := context.Background()

	assert.ErrorIs(t, alice.session.Start(ctx), ErrAlreadyStarted)
	assert.Len(t, hub.Members(room), 2)
	assert.Contains(t, bob.session.Presence().Avatars(), "alice")

	alice.session.Stop(ctx)
	alice.session.Stop(ctx)
	assert.False(t, alice.session.Started())
	assert.NotContains(t, bob.session.Presence().Avatars(), "alice")

	err := alice.session.ModifyObject(ctx, "missing", nil)
	assert.ErrorIs(t, err, patch.ErrMissingTarget)
}

func TestLocalFirstThenBroadcast(t *testing.T) {
	alice, bob, _ := startPair(t)
	ctx := context.Background()

	obj := scene.Object{ID: "title", Kind: "text", Props: map[string]any{"left": 10.0, "text": "Hello"}}
	require.NoError(t, alice.session.AddObject(ctx, obj))
	got, ok := bob.graph.GetObjectByID("title")
	require.True(t, ok)
	assert.Equal(t, "Hello", got.Props["text"])

	require.NoError(t, alice.session.ModifyObject(ctx, "title", map[string]any{"text": "Hi"}))
	require.NoError(t, alice.session.TransformObject(ctx, "title", map[string]float64{"left": 50}))
	require.NoError(t, bob.session.ReorderObject(ctx, "title", 0))

	got, _ = bob.graph.GetObjectByID("title")
	assert.Equal(t, "Hi", got.Props["text"])
	assert.Equal(t, 50.0, got.Number("left", 0))

	mine, _ := alice.graph.GetObjectByID("title")
	assert.Equal(t, "Hi", mine.Props["text"])

	require.NoError(t, bob.session.RemoveObject(ctx, "title"))
	_, ok = alice.graph.GetObjectByID("title")
	assert.False(t, ok)
}

func TestAnimationsFollowPatches(t *testing.T) {
	alice, bob, _ := startPair(t)
	ctx := context.Background()

	require.NoError(t, alice.session.AddObject(ctx, scene.Object{ID: "logo", Props: map[string]any{"left": 0.0}}))
	require.NoError(t, alice.session.SetAnimation(ctx, "logo", &animation.Descriptor{Type: animation.ZoomIn, DurationMS: 400}))

	d, ok := bob.session.Animations().Get("logo")
	require.True(t, ok)
	assert.Equal(t, animation.ZoomIn, d.Type)

	player := bob.session.NewAnimationPlayer()
	assert.True(t, player.Play())
	player.Stop()

	require.NoError(t, alice.session.SetAnimation(ctx, "logo", nil))
	_, ok = bob.session.Animations().Get("logo")
	assert.False(t, ok)
}

func TestReplaceRebuildsAnimations(t *testing.T) {
	alice, bob, _ := startPair(t)
	ctx := context.Background()

	doc, err := json.Marshal(scene.Document{Objects: []scene.Object{
		{ID: "a", Animation: &scene.AnimationDescriptor{Type: animation.Pop, DurationMS: 300}},
		{ID: "b"},
	}})
	require.NoError(t, err)
	require.NoError(t, alice.session.ReplaceScene(ctx, doc))

	assert.Len(t, bob.graph.GetAllObjects(), 2)
	records := bob.session.Animations().Records()
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ObjectID)
	assert.Len(t, alice.session.Animations().Records(), 1)
}

func TestMediaOpsReachPeerTimeline(t *testing.T) {
	alice, bob, _ := startPair(t)

	clip, err := alice.model.AddClip(timeline.TrackVideo, timeline.Clip{AssetID: "intro", Duration: 10})
	require.NoError(t, err)
	_, _, err = alice.model.SplitClip(clip.ID, timeline.TrackVideo, 4)
	require.NoError(t, err)

	assert.Equal(t, alice.model.Clips(timeline.TrackVideo), bob.model.Clips(timeline.TrackVideo))
	assert.Len(t, bob.model.Clips(timeline.TrackVideo), 2)
}

type effectLog struct {
	ops []string
}

func (e *effectLog) ApplyEffect(objectID string, op json.RawMessage) error {
	e.ops = append(e.ops, objectID+" "+string(op))
	return nil
}

func TestEffectsDelegated(t *testing.T) {
	hub := transport.NewHub()
	sched := frame.NewManual(time.Now(), 0)
	aliceFx, bobFx := &effectLog{}, &effectLog{}
	alice := newPeer(t, hub, sched, "alice", aliceFx)
	bob := newPeer(t, hub, sched, "bob", bobFx)
	ctx := context.Background()
	require.NoError(t, alice.session.Start(ctx))
	require.NoError(t, bob.session.Start(ctx))

	require.NoError(t, alice.session.ApplyEffect(ctx, "img", json.RawMessage(`{"kind":"blur"}`)))
	assert.Equal(t, []string{`img {"kind":"blur"}`}, aliceFx.ops)
	assert.Equal(t, []string{`img {"kind":"blur"}`}, bobFx.ops)
}

func TestEmitBeforeStartKeepsLocalChange(t *testing.T) {
	hub := transport.NewHub()
	p := newPeer(t, hub, frame.NewManual(time.Now(), 0), "solo", nil)
	err := p.session.AddObject(context.Background(), scene.Object{ID: "x"})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, ok := p.graph.GetObjectByID("x")
	assert.True(t, ok)
}

func TestAppliedHook(t *testing.T) {
	alice, bob, _ := startPair(t)
	var seen []patch.OpType
	bob.session.OnApplied(func(p patch.Patch) { seen = append(seen, p.OpType) })

	require.NoError(t, alice.session.AddObject(context.Background(), scene.Object{ID: "x"}))
	assert.Equal(t, []patch.OpType{patch.OpAdd}, seen)
}
