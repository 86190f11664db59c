package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	"composer_back/scene"
)

// OpType 标识补丁的变更类型。
type OpType string

const (
	OpAdd        OpType = "add"
	OpRemove     OpType = "remove"
	OpModify     OpType = "modify"
	OpTransform  OpType = "transform"
	OpReorder    OpType = "reorder"
	OpReplace    OpType = "replace"
	OpAnimUpdate OpType = "anim-update"
	OpMediaOp    OpType = "media-op"
	OpEffectOp   OpType = "effect-op"
)

var (
	ErrUnknownOp     = errors.New("patch: unknown op_type")
	ErrMalformed     = errors.New("patch: malformed payload")
	ErrMissingTarget = errors.New("patch: target object not found")
)

// Patch 是一次场景变更在线上的原始形态，创建后不再修改。
type Patch struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	PageID     string          `json:"page_id"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
	OpType     OpType          `json:"op_type"`
	ObjectID   string          `json:"object_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ServerTime int64           `json:"server_time"`
	ClientID   string          `json:"client_id,omitempty"`
}

// Payload 是按 op_type 区分的补丁负载。
type Payload interface {
	OpType() OpType
}

// Add 在场景中创建或覆盖一个对象。
type Add struct {
	Object scene.Object `json:"object"`
}

// Remove 删除目标对象，没有额外字段。
type Remove struct{}

// Modify 将属性合并到目标对象。
type Modify struct {
	Props map[string]any `json:"props"`
}

// Transform 是 Modify 的高频子集，只包含位置、缩放与旋转。
type Transform struct {
	Props map[string]float64 `json:"props"`
}

// Reorder 把目标移动到指定的层级索引。
type Reorder struct {
	Index int `json:"index"`
}

// Replace 使用序列化场景整体替换当前场景。
type Replace struct {
	Scene json.RawMessage `json:"scene"`
}

// AnimUpdate 设置或清除对象的动画描述，Animation 为 nil 表示清除。
type AnimUpdate struct {
	Animation *scene.AnimationDescriptor `json:"animation"`
}

// MediaOp 透传给时间线模型的剪辑操作。
type MediaOp struct {
	Op json.RawMessage
}

// EffectOp 透传给特效子系统的操作。
type EffectOp struct {
	Op json.RawMessage
}

func (Add) OpType() OpType        { return OpAdd }
func (Remove) OpType() OpType     { return OpRemove }
func (Modify) OpType() OpType     { return OpModify }
func (Transform) OpType() OpType  { return OpTransform }
func (Reorder) OpType() OpType    { return OpReorder }
func (Replace) OpType() OpType    { return OpReplace }
func (AnimUpdate) OpType() OpType { return OpAnimUpdate }
func (MediaOp) OpType() OpType    { return OpMediaOp }
func (EffectOp) OpType() OpType   { return OpEffectOp }

// MarshalJSON 让媒体操作以原样的 JSON 出现在 payload 中。
func (m MediaOp) MarshalJSON() ([]byte, error) { return rawOrNull(m.Op), nil }

func (m *MediaOp) UnmarshalJSON(data []byte) error {
	m.Op = append(json.RawMessage(nil), data...)
	return nil
}

func (e EffectOp) MarshalJSON() ([]byte, error) { return rawOrNull(e.Op), nil }

func (e *EffectOp) UnmarshalJSON(data []byte) error {
	e.Op = append(json.RawMessage(nil), data...)
	return nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// transformKeys 是 transform 补丁允许携带的属性。
var transformKeys = map[string]bool{
	scene.PropLeft:   true,
	scene.PropTop:    true,
	scene.PropScaleX: true,
	scene.PropScaleY: true,
	scene.PropAngle:  true,
}

// Valid 判断 op_type 是否属于已知集合。
func (t OpType) Valid() bool {
	switch t {
	case OpAdd, OpRemove, OpModify, OpTransform, OpReorder, OpReplace, OpAnimUpdate, OpMediaOp, OpEffectOp:
		return true
	}
	return false
}

// targeted 表示该类型是否作用于单个对象。
func (t OpType) targeted() bool {
	switch t {
	case OpReplace, OpMediaOp:
		return false
	}
	return true
}

// EncodePayload 序列化负载。
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("patch: encode %s payload: %w", p.OpType(), err)
	}
	return data, nil
}

// Decode 根据 op_type 将 payload 解析为具体类型。
func (p Patch) Decode() (Payload, error) {
	var (
		out Payload
		err error
	)
	switch p.OpType {
	case OpAdd:
		var v Add
		err = unmarshal(p.Payload, &v)
		if err == nil && v.Object.ID == "" {
			v.Object.ID = p.ObjectID
		}
		out = v
	case OpRemove:
		out = Remove{}
	case OpModify:
		var v Modify
		err = unmarshal(p.Payload, &v)
		out = v
	case OpTransform:
		var v Transform
		err = unmarshal(p.Payload, &v)
		if err == nil {
			for key := range v.Props {
				if !transformKeys[key] {
					err = fmt.Errorf("%w: %q is not a transform property", ErrMalformed, key)
					break
				}
			}
		}
		out = v
	case OpReorder:
		var v Reorder
		err = unmarshal(p.Payload, &v)
		out = v
	case OpReplace:
		var v Replace
		err = unmarshal(p.Payload, &v)
		out = v
	case OpAnimUpdate:
		var v AnimUpdate
		err = unmarshal(p.Payload, &v)
		out = v
	case OpMediaOp:
		out = MediaOp{Op: append(json.RawMessage(nil), p.Payload...)}
	case OpEffectOp:
		out = EffectOp{Op: append(json.RawMessage(nil), p.Payload...)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, p.OpType)
	}
	if err != nil {
		return nil, err
	}
	if p.OpType.targeted() && p.ObjectID == "" {
		if add, ok := out.(Add); !ok || add.Object.ID == "" {
			return nil, fmt.Errorf("%w: %s without object_id", ErrMalformed, p.OpType)
		}
	}
	return out, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
