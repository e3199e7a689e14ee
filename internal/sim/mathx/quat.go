package mathx

import "math"

// Quat is a rotation quaternion (X, Y, Z, W).
type Quat struct {
	X, Y, Z, W float64
}

var QuatIdentity = Quat{0, 0, 0, 1}

func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quat) Conjugate() Quat { return Quat{-q.X, -q.Y, -q.Z, q.W} }

func (q Quat) LengthSq() float64 { return q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W }

func (q Quat) Normalized() Quat {
	l := math.Sqrt(q.LengthSq())
	if l == 0 {
		return QuatIdentity
	}
	return Quat{q.X / l, q.Y / l, q.Z / l, q.W / l}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	p := Quat{v.X, v.Y, v.Z, 0}
	r := q.Mul(p).Mul(q.Conjugate())
	return Vec3{r.X, r.Y, r.Z}
}

// InverseRotate applies the inverse rotation to v.
func (q Quat) InverseRotate(v Vec3) Vec3 {
	return q.Conjugate().Rotate(v)
}

// ApproxEqual reports whether the two rotations differ by less than tol in any
// component, treating q and -q as equal.
func (q Quat) ApproxEqual(o Quat, tol float64) bool {
	if quatCompClose(q, o, tol) {
		return true
	}
	return quatCompClose(q, Quat{-o.X, -o.Y, -o.Z, -o.W}, tol)
}

func quatCompClose(a, b Quat, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol &&
		math.Abs(a.Z-b.Z) <= tol && math.Abs(a.W-b.W) <= tol
}

// QuatFromAxisAngle builds a rotation of angle radians around the given axis.
func QuatFromAxisAngle(axis Vec3, angle float64) Quat {
	axis = axis.Normalized()
	s := math.Sin(angle / 2)
	return Quat{axis.X * s, axis.Y * s, axis.Z * s, math.Cos(angle / 2)}
}

// ZPlanar projects the rotation onto the Z axis: the yaw-only component.
func (q Quat) ZPlanar() Quat {
	fwd := q.Rotate(Vec3{1, 0, 0})
	yaw := math.Atan2(fwd.Y, fwd.X)
	return QuatFromAxisAngle(Vec3{0, 0, 1}, yaw)
}

// LookRotation builds a yaw rotation facing the horizontal direction of look.
func LookRotation(look Vec3) Quat {
	h := look.Horizontal()
	if h.LengthSq() == 0 {
		return QuatIdentity
	}
	return QuatFromAxisAngle(Vec3{0, 0, 1}, math.Atan2(h.Y, h.X))
}
