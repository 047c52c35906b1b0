package mathx

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Quat is a rotation quaternion stored as (X, Y, Z, W).
type Quat struct {
	X float64
	Y float64
	Z float64
	W float64
}

// Identity returns the no-rotation quaternion.
func Identity() Quat {
	return Quat{W: 1}
}

// AxisAngle builds a rotation of angle radians around axis.
func AxisAngle(axis Vec3, angle float64) Quat {
	a := axis.Normalize()
	s := math.Sin(angle / 2)
	return Quat{X: a.X * s, Y: a.Y * s, Z: a.Z * s, W: math.Cos(angle / 2)}
}

// YawTowards returns the rotation around +Y that faces dir on the XZ plane.
func YawTowards(dir Vec3) Quat {
	if dir.X == 0 && dir.Z == 0 {
		return Identity()
	}
	return AxisAngle(Vec3{Y: 1}, math.Atan2(dir.X, dir.Z))
}

func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

func (q Quat) Len() float64 {
	return math.Sqrt(q.Dot(q))
}

func (q Quat) Normalize() Quat {
	l := q.Len()
	if l == 0 {
		return Identity()
	}
	return Quat{q.X / l, q.Y / l, q.Z / l, q.W / l}
}

func (q Quat) neg() Quat {
	return Quat{-q.X, -q.Y, -q.Z, -q.W}
}

// Angle returns the smallest rotation angle in radians between q and o.
func (q Quat) Angle(o Quat) float64 {
	d := math.Abs(q.Normalize().Dot(o.Normalize()))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Slerp blends from q to o by t along the shortest arc.
func (q Quat) Slerp(o Quat, t float64) Quat {
	a := q.Normalize()
	b := o.Normalize()
	cos := a.Dot(b)
	if cos < 0 {
		b = b.neg()
		cos = -cos
	}
	if cos > 0.9995 {
		return Quat{
			a.X + (b.X-a.X)*t,
			a.Y + (b.Y-a.Y)*t,
			a.Z + (b.Z-a.Z)*t,
			a.W + (b.W-a.W)*t,
		}.Normalize()
	}
	theta := math.Acos(cos)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return Quat{
		a.X*wa + b.X*wb,
		a.Y*wa + b.Y*wb,
		a.Z*wa + b.Z*wb,
		a.W*wa + b.W*wb,
	}
}

func (q Quat) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{canonical(q.X), canonical(q.Y), canonical(q.Z), canonical(q.W)})
}

func (q *Quat) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "quat")
	}
	if len(raw) != 4 {
		return eris.Errorf("quat: expected 4 components, got %d", len(raw))
	}
	for _, c := range raw {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return eris.New("quat: non-finite component")
		}
	}
	*q = Quat{raw[0], raw[1], raw[2], raw[3]}
	return nil
}
