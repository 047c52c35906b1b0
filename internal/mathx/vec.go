// Package mathx holds the small vector and rotation types shared by the
// replication core. Values encode to JSON as fixed-length arrays so that two
// equal vectors always produce identical bytes.
package mathx

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Vec3 is a 3-component vector.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// V3 is shorthand for constructing a Vec3.
func V3(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Len() float64 {
	return math.Sqrt(v.Dot(v))
}

// Dist returns the euclidean distance between v and o.
func (v Vec3) Dist(o Vec3) float64 {
	return v.Sub(o).Len()
}

// Normalize returns the unit vector in the direction of v, or the zero vector
// when v has no length.
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

// Lerp moves v toward o by fraction t.
func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	return v.Add(o.Sub(v).Scale(t))
}

// MoveTowards steps v toward target by at most maxStep without overshooting.
func (v Vec3) MoveTowards(target Vec3, maxStep float64) Vec3 {
	delta := target.Sub(v)
	dist := delta.Len()
	if dist <= maxStep || dist == 0 {
		return target
	}
	return v.Add(delta.Scale(maxStep / dist))
}

// ApproxEqual reports whether every component differs by at most eps.
func (v Vec3) ApproxEqual(o Vec3, eps float64) bool {
	return math.Abs(v.X-o.X) <= eps && math.Abs(v.Y-o.Y) <= eps && math.Abs(v.Z-o.Z) <= eps
}

func (v Vec3) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{canonical(v.X), canonical(v.Y), canonical(v.Z)})
}

func (v *Vec3) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "vec3")
	}
	if len(raw) != 3 {
		return eris.Errorf("vec3: expected 3 components, got %d", len(raw))
	}
	for _, c := range raw {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return eris.New("vec3: non-finite component")
		}
	}
	*v = Vec3{raw[0], raw[1], raw[2]}
	return nil
}

// canonical folds negative zero into zero so equal values encode identically.
func canonical(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}
