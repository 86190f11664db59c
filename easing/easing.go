package easing

import (
	"math"
	"strings"
)

// Func 把 [0,1] 内的归一化时间映射为缓动进度，端点恒为 f(0)=0、f(1)=1。
// 回弹类曲线在中间可能越出 [0,1]。
type Func func(t float64) float64

// DefaultName 是未知缓动名的回退。
const DefaultName = "ease"

var (
	cssEase      = CubicBezier(0.25, 0.1, 0.25, 1)
	cssEaseIn    = CubicBezier(0.42, 0, 1, 1)
	cssEaseOut   = CubicBezier(0, 0, 0.58, 1)
	cssEaseInOut = CubicBezier(0.42, 0, 0.58, 1)
)

var registry = map[string]Func{
	"linear":            Linear,
	"ease":              cssEase,
	"ease-in":           cssEaseIn,
	"ease-out":          cssEaseOut,
	"ease-in-out":       cssEaseInOut,
	"ease-in-quad":      InQuad,
	"ease-out-quad":     OutQuad,
	"ease-in-out-quad":  InOutQuad,
	"ease-in-cubic":     InCubic,
	"ease-out-cubic":    OutCubic,
	"ease-in-out-cubic": InOutCubic,
	"ease-out-back":     OutBack,
	"ease-out-bounce":   OutBounce,
	"ease-out-elastic":  OutElastic,
}

// Lookup 按名称查找缓动函数，未知名称回退到 "ease"。
func Lookup(name string) Func {
	key := strings.ToLower(strings.TrimSpace(name))
	if fn, ok := registry[key]; ok {
		return wrap(fn)
	}
	return wrap(cssEase)
}

func Known(name string) bool {
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names 返回已注册的缓动名。
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// wrap 钳制输入并固定端点。
func wrap(fn Func) Func {
	return func(t float64) float64 {
		switch {
		case t <= 0:
			return 0
		case t >= 1:
			return 1
		default:
			return fn(t)
		}
	}
}

func Linear(t float64) float64 { return t }

func InQuad(t float64) float64  { return t * t }
func OutQuad(t float64) float64 { return t * (2 - t) }
func InOutQuad(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return -1 + (4-2*t)*t
}

func InCubic(t float64) float64  { return t * t * t }
func OutCubic(t float64) float64 { return 1 - math.Pow(1-t, 3) }

func InOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

func OutBack(t float64) float64 {
	const c1 = 1.70158
	const c3 = c1 + 1
	return 1 + c3*math.Pow(t-1, 3) + c1*math.Pow(t-1, 2)
}

func OutBounce(t float64) float64 {
	const n1 = 7.5625
	const d1 = 2.75
	switch {
	case t < 1/d1:
		return n1 * t * t
	case t < 2/d1:
		t -= 1.5 / d1
		return n1*t*t + 0.75
	case t < 2.5/d1:
		t -= 2.25 / d1
		return n1*t*t + 0.9375
	default:
		t -= 2.625 / d1
		return n1*t*t + 0.984375
	}
}

func OutElastic(t float64) float64 {
	if t == 0 || t == 1 {
		return t
	}
	const c4 = (2 * math.Pi) / 3
	return math.Pow(2, -10*t)*math.Sin((t*10-0.75)*c4) + 1
}

// CubicBezier 构造 CSS 风格的三次贝塞尔缓动，x1、x2 钳制到 [0,1]。
func CubicBezier(x1, y1, x2, y2 float64) Func {
	x1 = clamp01(x1)
	x2 = clamp01(x2)

	cx := 3 * x1
	bx := 3*(x2-x1) - cx
	ax := 1 - cx - bx

	cy := 3 * y1
	by := 3*(y2-y1) - cy
	ay := 1 - cy - by

	sampleX := func(s float64) float64 { return ((ax*s+bx)*s + cx) * s }
	sampleY := func(s float64) float64 { return ((ay*s+by)*s + cy) * s }
	slopeX := func(s float64) float64 { return (3*ax*s+2*bx)*s + cx }

	solve := func(x float64) float64 {
		s := x
		for i := 0; i < 8; i++ {
			dx := sampleX(s) - x
			if math.Abs(dx) < 1e-7 {
				return s
			}
			d := slopeX(s)
			if math.Abs(d) < 1e-6 {
				break
			}
			s -= dx / d
		}

		lo, hi := 0.0, 1.0
		s = x
		for i := 0; i < 64 && lo < hi; i++ {
			v := sampleX(s)
			if math.Abs(v-x) < 1e-7 {
				return s
			}
			if x > v {
				lo = s
			} else {
				hi = s
			}
			s = (lo + hi) / 2
		}
		return s
	}

	return func(t float64) float64 {
		return sampleY(solve(t))
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
