package animation

import (
	"math"

	"composer_back/easing"
	"composer_back/scene"
)

const (
	// 约每 33ms 一个关键帧。
	sampleIntervalMS = 33
	minSteps         = 8

	slideDistance = 200.0
)

// Keyframe 是某一时刻的插值属性。
type Keyframe struct {
	TimeMS  float64 `json:"time_ms"`
	Left    float64 `json:"left"`
	Top     float64 `json:"top"`
	ScaleX  float64 `json:"scaleX"`
	ScaleY  float64 `json:"scaleY"`
	Opacity float64 `json:"opacity"`
	Angle   float64 `json:"angle"`
}

func (k Keyframe) Props() map[string]any {
	return map[string]any{
		scene.PropLeft:    k.Left,
		scene.PropTop:     k.Top,
		scene.PropScaleX:  k.ScaleX,
		scene.PropScaleY:  k.ScaleY,
		scene.PropOpacity: k.Opacity,
		scene.PropAngle:   k.Angle,
	}
}

type pose struct {
	left, top      float64
	scaleX, scaleY float64
	opacity, angle float64
}

// BaseProps 读取对象的动画通道，缺失键取中性默认值。
func BaseProps(obj scene.Object) map[string]any {
	return poseOf(obj).keyframe(0).Props()
}

func poseOf(obj scene.Object) pose {
	return pose{
		left:    obj.Number(scene.PropLeft, 0),
		top:     obj.Number(scene.PropTop, 0),
		scaleX:  obj.Number(scene.PropScaleX, 1),
		scaleY:  obj.Number(scene.PropScaleY, 1),
		opacity: obj.Number(scene.PropOpacity, 1),
		angle:   obj.Number(scene.PropAngle, 0),
	}
}

func (p pose) keyframe(timeMS float64) Keyframe {
	return Keyframe{
		TimeMS:  timeMS,
		Left:    p.left,
		Top:     p.top,
		ScaleX:  p.scaleX,
		ScaleY:  p.scaleY,
		Opacity: p.opacity,
		Angle:   p.angle,
	}
}

// endpoints 返回动画类型的起点与终点，未知类型不产生位移。
func endpoints(kind string, base pose) (pose, pose) {
	start, target := base, base
	switch kind {
	case FadeIn:
		start.opacity = 0
	case FadeOut:
		target.opacity = 0
	case SlideInLeft:
		start.left = base.left - slideDistance
	case SlideInRight:
		start.left = base.left + slideDistance
	case SlideInTop:
		start.top = base.top - slideDistance
	case SlideInBottom:
		start.top = base.top + slideDistance
	case SlideOutLeft:
		target.left = base.left - slideDistance
	case SlideOutRight:
		target.left = base.left + slideDistance
	case ZoomIn:
		start.scaleX, start.scaleY = base.scaleX*0.5, base.scaleY*0.5
	case ZoomOut:
		start.scaleX, start.scaleY = base.scaleX*1.5, base.scaleY*1.5
	case Pop:
		start.scaleX, start.scaleY = 0, 0
		start.opacity = 0
	case RotateIn:
		start.angle = base.angle - 180
		start.opacity = 0
	case Spin:
		target.angle = base.angle + 360
	case Pulse:
		start.scaleX, start.scaleY = base.scaleX*1.2, base.scaleY*1.2
	case Shake:
		start.left = base.left + 20
	case Bounce:
		start.top = base.top - 100
	case Flip:
		start.scaleX = -base.scaleX
	case FloatUp:
		start.top = base.top + 50
		start.opacity = 0
	}
	return start, target
}

// Precompute 把对象的动画采样为有序关键帧。
// 结果至少 minSteps+1 项，时间单调不减，首项位于 DelayMS，
// 末项位于 DelayMS+DurationMS。
func Precompute(obj scene.Object, d Descriptor) []Keyframe {
	duration := math.Max(0, float64(d.DurationMS))
	delay := math.Max(0, float64(d.DelayMS))

	steps := int(math.Floor(duration / sampleIntervalMS))
	if steps < minSteps {
		steps = minSteps
	}

	start, target := endpoints(d.Type, poseOf(obj))
	ease := easing.Lookup(d.Easing)

	frames := make([]Keyframe, 0, steps+1)
	for i := 0; i <= steps; i++ {
		u := float64(i) / float64(steps)
		t := ease(u)
		frames = append(frames, Keyframe{
			TimeMS:  delay + u*duration,
			Left:    lerp(start.left, target.left, t),
			Top:     lerp(start.top, target.top, t),
			ScaleX:  lerp(start.scaleX, target.scaleX, t),
			ScaleY:  lerp(start.scaleY, target.scaleY, t),
			Opacity: lerp(start.opacity, target.opacity, t),
			Angle:   lerp(start.angle, target.angle, t),
		})
	}
	return frames
}

// At 返回时间不早于 elapsedMS 的第一个关键帧，越过末尾时返回最后一帧。
func At(frames []Keyframe, elapsedMS float64) (Keyframe, bool) {
	if len(frames) == 0 {
		return Keyframe{}, false
	}
	for _, kf := range frames {
		if kf.TimeMS >= elapsedMS {
			return kf, true
		}
	}
	return frames[len(frames)-1], true
}

func lerp(a, b, t float64) float64 {
	if t == 1 {
		return b
	}
	return a + (b-a)*t
}
