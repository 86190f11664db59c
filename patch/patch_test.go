package patch

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireShape(t *testing.T) {
	p := Patch{
		ID: "01J", ProjectID: "proj", PageID: "page", UserID: "u1", Username: "Ada",
		OpType: OpReorder, ObjectID: "b1", Payload: json.RawMessage(`{"index":2}`),
		ServerTime: 1700000000000, ClientID: "c1",
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"01J","project_id":"proj","page_id":"page","user_id":"u1","username":"Ada",
		"op_type":"reorder","object_id":"b1","payload":{"index":2},
		"server_time":1700000000000,"client_id":"c1"
	}`, string(data))
}

func TestPatchKeepsEmptyTargetAndStamp(t *testing.T) {
	p := Patch{ID: "01K", ProjectID: "proj", PageID: "page", OpType: OpReplace, Payload: json.RawMessage(`{}`)}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "object_id")
	assert.Contains(t, fields, "server_time")
	assert.Equal(t, "", fields["object_id"])
	assert.Equal(t, 0.0, fields["server_time"])
}

func TestDecodeVariants(t *testing.T) {
	add := Patch{OpType: OpAdd, Payload: json.RawMessage(`{"object":{"id":"b1","props":{"left":1}}}`)}
	payload, err := add.Decode()
	require.NoError(t, err)
	assert.Equal(t, "b1", payload.(Add).Object.ID)

	fallback := Patch{OpType: OpAdd, ObjectID: "b2", Payload: json.RawMessage(`{"object":{"props":{}}}`)}
	payload, err = fallback.Decode()
	require.NoError(t, err)
	assert.Equal(t, "b2", payload.(Add).Object.ID)

	media := Patch{OpType: OpMediaOp, Payload: json.RawMessage(`{"action":"split","at":4}`)}
	payload, err = media.Decode()
	require.NoError(t, err)
	encoded, err := EncodePayload(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"split","at":4}`, string(encoded))

	remove := Patch{OpType: OpRemove, ObjectID: "b1"}
	payload, err = remove.Decode()
	require.NoError(t, err)
	assert.Equal(t, OpRemove, payload.OpType())

	_, err = Patch{OpType: "warp", ObjectID: "b1"}.Decode()
	assert.ErrorIs(t, err, ErrUnknownOp)
	_, err = Patch{OpType: OpModify, ObjectID: "b1"}.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpTypeValid(t *testing.T) {
	for _, op := range []OpType{OpAdd, OpRemove, OpModify, OpTransform, OpReorder, OpReplace, OpAnimUpdate, OpMediaOp, OpEffectOp} {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, OpType("move").Valid())
}

func TestRecentSetEvictsOldest(t *testing.T) {
	set := newRecentSet(3)
	for i := 0; i < 5; i++ {
		assert.True(t, set.add(fmt.Sprintf("id-%d", i)))
	}
	assert.Equal(t, 3, set.len())
	assert.False(t, set.has("id-0"))
	assert.False(t, set.has("id-1"))
	assert.True(t, set.has("id-4"))
	assert.False(t, set.add("id-4"))
	assert.False(t, set.add(""))
}
