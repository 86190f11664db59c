package timeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	ops []MediaOp
}

func (r *recorder) BroadcastMediaOp(op MediaOp) { r.ops = append(r.ops, op) }

func (r *recorder) last() MediaOp { return r.ops[len(r.ops)-1] }

func newModel() (*Model, *recorder) {
	rec := &recorder{}
	return NewModel("page-1", rec), rec
}

func TestAddClipDefaults(t *testing.T) {
	m, rec := newModel()
	clip, err := m.AddClip(TrackAudio, Clip{AssetID: "asset-1", Start: 2, Duration: 5})
	require.NoError(t, err)

	assert.NotEmpty(t, clip.ID)
	assert.Equal(t, 1.0, clip.Volume)
	assert.False(t, clip.Muted)
	assert.Equal(t, 0.0, clip.In)
	assert.Equal(t, TrackAudio, clip.TrackType)
	assert.Equal(t, "page-1", clip.PageID)

	require.Len(t, rec.ops, 1)
	assert.Equal(t, ActionAdd, rec.last().Action)
	require.NotNil(t, rec.last().Clip)
	assert.Equal(t, clip, *rec.last().Clip)

	_, err = m.AddClip("subtitles", Clip{})
	assert.ErrorIs(t, err, ErrInvalidTrack)
}

func TestAddClipKeepsGivenID(t *testing.T) {
	m, _ := newModel()
	clip, err := m.AddClip(TrackVideo, Clip{ID: "fixed", Duration: 3, Volume: 0.4})
	require.NoError(t, err)
	assert.Equal(t, "fixed", clip.ID)
	assert.Equal(t, 0.4, clip.Volume)
}

func TestMoveAndTrim(t *testing.T) {
	m, rec := newModel()
	clip, _ := m.AddClip(TrackVideo, Clip{ID: "v1", Start: 1, Duration: 4})

	moved, err := m.MoveClip(clip.ID, TrackVideo, 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, moved.Start)
	assert.Equal(t, 4.0, moved.Duration)
	assert.Equal(t, ActionMove, rec.last().Action)

	trimmed, err := m.TrimClip(clip.ID, TrackVideo, 8, 10.5)
	require.NoError(t, err)
	assert.Equal(t, 8.0, trimmed.Start)
	assert.Equal(t, 2.5, trimmed.Duration)

	inverted, err := m.TrimClip(clip.ID, TrackVideo, 9, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, inverted.Duration, "duration never goes negative")

	clamped, err := m.TrimClip(clip.ID, TrackVideo, -2, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, clamped.Start)
	assert.Equal(t, 5.0, clamped.Duration)
	assert.Equal(t, 5.0, clamped.End(), "end stays at the requested point")

	remote := NewModel("page-1", nil)
	_, _ = remote.AddClip(TrackVideo, Clip{ID: "v1", Start: 3, Duration: 4})
	require.NoError(t, remote.ApplyRemote(rec.last()))
	synced := remote.Clips(TrackVideo)
	require.Len(t, synced, 1)
	assert.Equal(t, 0.0, synced[0].Start)
	assert.Equal(t, 5.0, synced[0].Duration)

	_, err = m.MoveClip("missing", TrackVideo, 1)
	assert.ErrorIs(t, err, ErrClipNotFound)
}

func TestSplitClip(t *testing.T) {
	m, rec := newModel()
	_, _ = m.AddClip(TrackVideo, Clip{ID: "c", Start: 0, Duration: 10, In: 0})

	left, right, err := m.SplitClip("c", TrackVideo, 4)
	require.NoError(t, err)

	assert.Equal(t, "c", left.ID)
	assert.Equal(t, 0.0, left.Start)
	assert.Equal(t, 4.0, left.Duration)
	assert.NotEqual(t, "c", right.ID)
	assert.Equal(t, 4.0, right.Start)
	assert.Equal(t, 6.0, right.Duration)
	assert.Equal(t, left.In, right.In)

	clips := m.Clips(TrackVideo)
	require.Len(t, clips, 2)
	assert.Equal(t, "c", clips[0].ID)

	op := rec.last()
	assert.Equal(t, ActionSplit, op.Action)
	require.NotNil(t, op.Clip)
	assert.Equal(t, right, *op.Clip)
}

func TestSplitPreservesCoverage(t *testing.T) {
	tests := []struct {
		start, duration, at float64
	}{
		{0, 10, 4},
		{2.5, 3.25, 3},
		{100, 0.5, 100.25},
	}
	for _, tt := range tests {
		m, _ := newModel()
		_, _ = m.AddClip(TrackAudio, Clip{ID: "c", Start: tt.start, Duration: tt.duration, In: 1.5})
		left, right, err := m.SplitClip("c", TrackAudio, tt.at)
		require.NoError(t, err)
		assert.InDelta(t, tt.duration, left.Duration+right.Duration, 1e-9)
		assert.Equal(t, tt.at, right.Start)
	}
}

func TestSplitOutOfRangeRejected(t *testing.T) {
	m, rec := newModel()
	_, _ = m.AddClip(TrackVideo, Clip{ID: "c", Start: 2, Duration: 4})
	for _, at := range []float64{0, 2, 6, 9} {
		_, _, err := m.SplitClip("c", TrackVideo, at)
		assert.ErrorIs(t, err, ErrSplitOutOfRange, "at=%v", at)
	}
	assert.Len(t, m.Clips(TrackVideo), 1)
	assert.Len(t, rec.ops, 1, "rejected splits are not broadcast")
}

func TestDeleteAndVolume(t *testing.T) {
	m, rec := newModel()
	_, _ = m.AddClip(TrackAudio, Clip{ID: "a", Duration: 3})

	clip, err := m.SetVolume("a", TrackAudio, 1.7, true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, clip.Volume)
	assert.True(t, clip.Muted)
	assert.Equal(t, ActionVolume, rec.last().Action)

	silent, err := m.SetVolume("a", TrackAudio, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, silent.Volume)
	restored := NewModel("page-1", nil)
	restored.Load(m.All())
	require.Len(t, restored.Clips(TrackAudio), 1)
	assert.Equal(t, 0.0, restored.Clips(TrackAudio)[0].Volume, "zero volume survives a snapshot load")

	require.NoError(t, m.DeleteClip("a", TrackAudio))
	assert.Empty(t, m.Clips(TrackAudio))
	assert.Equal(t, ActionDelete, rec.last().Action)
	assert.ErrorIs(t, m.DeleteClip("a", TrackAudio), ErrClipNotFound)
}

func TestOverlapIsAllowed(t *testing.T) {
	m, _ := newModel()
	_, err := m.AddClip(TrackVideo, Clip{ID: "a", Start: 0, Duration: 5})
	require.NoError(t, err)
	_, err = m.AddClip(TrackVideo, Clip{ID: "b", Start: 2, Duration: 5})
	require.NoError(t, err)
	assert.Len(t, m.Clips(TrackVideo), 2)
	assert.Equal(t, 7.0, m.Duration())
}

// Every local op, replayed on a second model through its JSON form, converges.
func TestApplyRemoteConverges(t *testing.T) {
	local, rec := newModel()
	remote := NewModel("page-1", nil)

	_, _ = local.AddClip(TrackVideo, Clip{ID: "v", AssetID: "a1", Start: 0, Duration: 10})
	_, _ = local.AddClip(TrackAudio, Clip{ID: "s", AssetID: "a2", Start: 1, Duration: 8})
	_, _ = local.MoveClip("v", TrackVideo, 1)
	_, _ = local.TrimClip("s", TrackAudio, 2, 9)
	_, _, _ = local.SplitClip("v", TrackVideo, 5)
	_, _ = local.SetVolume("s", TrackAudio, 0.3, false)
	_, _ = local.AddClip(TrackAudio, Clip{ID: "gone", Duration: 1})
	_ = local.DeleteClip("gone", TrackAudio)

	for _, op := range rec.ops {
		data, err := json.Marshal(op)
		require.NoError(t, err)
		var decoded MediaOp
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.NoError(t, remote.ApplyRemote(decoded), "op %s", op.Action)
	}

	assert.Equal(t, local.Clips(TrackVideo), remote.Clips(TrackVideo))
	assert.Equal(t, local.Clips(TrackAudio), remote.Clips(TrackAudio))
}

func TestApplyRemoteSplitIsIdempotent(t *testing.T) {
	m := NewModel("p", nil)
	_, _ = m.AddClip(TrackVideo, Clip{ID: "c", Duration: 10})
	at := 4.0
	op := MediaOp{Action: ActionSplit, TrackType: TrackVideo, ClipID: "c", At: &at, Clip: &Clip{ID: "right"}}
	require.NoError(t, m.ApplyRemote(op))
	require.NoError(t, m.ApplyRemote(op))
	assert.Len(t, m.Clips(TrackVideo), 2)
}

func TestApplyRemoteRejectsMalformed(t *testing.T) {
	m := NewModel("p", nil)
	assert.ErrorIs(t, m.ApplyRemote(MediaOp{Action: ActionAdd, TrackType: TrackVideo}), ErrMalformedMediaOp)
	assert.ErrorIs(t, m.ApplyRemote(MediaOp{Action: "warp", TrackType: TrackVideo}), ErrUnknownMediaOp)
	assert.ErrorIs(t, m.ApplyRemote(MediaOp{Action: ActionDelete, TrackType: "x"}), ErrInvalidTrack)
	assert.ErrorIs(t, m.ApplyRemote(MediaOp{Action: ActionDelete, TrackType: TrackAudio, ClipID: "nope"}), ErrClipNotFound)
}

func TestObserversSeeLocalAndRemote(t *testing.T) {
	m := NewModel("p", nil)
	var seen []MediaAction
	m.Observe(func(op MediaOp) { seen = append(seen, op.Action) })
	_, _ = m.AddClip(TrackVideo, Clip{ID: "c", Duration: 2})
	require.NoError(t, m.ApplyRemote(MediaOp{Action: ActionDelete, TrackType: TrackVideo, ClipID: "c"}))
	assert.Equal(t, []MediaAction{ActionAdd, ActionDelete}, seen)
}
