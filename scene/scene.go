package scene

import (
	"encoding/json"
	"errors"
	"strconv"
)

// 已知属性键，其余属性由渲染端解释。
const (
	PropLeft    = "left"
	PropTop     = "top"
	PropScaleX  = "scaleX"
	PropScaleY  = "scaleY"
	PropAngle   = "angle"
	PropOpacity = "opacity"
)

var (
	ErrInvalidObject = errors.New("scene: object id is required")
	ErrInvalidScene  = errors.New("scene: invalid serialized scene")
)

// AnimationDescriptor 是挂在对象上的声明式动画。
type AnimationDescriptor struct {
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms"`
	DelayMS    int64  `json:"delay_ms"`
	Easing     string `json:"easing,omitempty"`
	Loop       bool   `json:"loop,omitempty"`
}

// Object 是共享场景中的一个对象。
type Object struct {
	ID        string               `json:"id"`
	Kind      string               `json:"kind,omitempty"`
	Props     map[string]any       `json:"props,omitempty"`
	Animation *AnimationDescriptor `json:"animation,omitempty"`
	Effects   json.RawMessage      `json:"effects,omitempty"`
}

// Clone 深拷贝 Props 与动画描述。
func (o Object) Clone() Object {
	out := o
	if o.Props != nil {
		out.Props = make(map[string]any, len(o.Props))
		for k, v := range o.Props {
			out.Props[k] = v
		}
	}
	if o.Animation != nil {
		d := *o.Animation
		out.Animation = &d
	}
	if o.Effects != nil {
		out.Effects = append(json.RawMessage(nil), o.Effects...)
	}
	return out
}

func (o Object) Number(key string, def float64) float64 {
	return Number(o.Props, key, def)
}

// Document 是整个场景的序列化形式，对象按 z 序排列。
type Document struct {
	Objects []Object `json:"objects"`
}

// Graph 是各子系统修改场景的唯一入口。
type Graph interface {
	GetObjectByID(id string) (Object, bool)
	// AddObject 置顶插入 obj，同 id 对象原位替换。
	AddObject(obj Object) error
	RemoveObject(id string) bool
	SetObjectProps(id string, props map[string]any) bool
	SetAnimation(id string, d *AnimationDescriptor) bool
	SetEffects(id string, effects json.RawMessage) bool
	// MoveTo 把对象移到 z 序 index，越界时钳制。
	MoveTo(id string, index int) bool
	GetAllObjects() []Object
	ToSerializable() ([]byte, error)
	LoadSerializable(data []byte) error
	RequestRender()
}

// Number 转换 JSON 解码出的数值类型。
func Number(props map[string]any, key string, def float64) float64 {
	if props == nil {
		return def
	}
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
