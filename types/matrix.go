package types

import (
	"math"

	"golang.org/x/image/math/f32"
)

// A 4x4 matrix stored in column-major order (element [col*4+row]), which
// is the convention used when authoring scene transforms.
type Mat4 f32.Mat4

// Create a 4x4 identity matrix.
func Ident4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Create a translation matrix.
func Translate4(t Vec3) Mat4 {
	m := Ident4()
	m[12], m[13], m[14] = t[0], t[1], t[2]
	return m
}

// Create a scale matrix.
func Scale4(s Vec3) Mat4 {
	m := Ident4()
	m[0], m[5], m[10] = s[0], s[1], s[2]
	return m
}

// Multiply two matrices (m * m2).
func (m Mat4) Mul4(m2 Mat4) Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[k*4+r] * m2[c*4+k]
			}
			out[c*4+r] = sum
		}
	}
	return out
}

// Return the transposed matrix.
func (m Mat4) Transpose() Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[c*4+r] = m[r*4+c]
		}
	}
	return out
}

// Transform a point (w = 1).
func (m Mat4) MulPoint(p Vec3) Vec3 {
	return Vec3{
		m[0]*p[0] + m[4]*p[1] + m[8]*p[2] + m[12],
		m[1]*p[0] + m[5]*p[1] + m[9]*p[2] + m[13],
		m[2]*p[0] + m[6]*p[1] + m[10]*p[2] + m[14],
	}
}

// Transform a direction (w = 0).
func (m Mat4) MulDir(d Vec3) Vec3 {
	return Vec3{
		m[0]*d[0] + m[4]*d[1] + m[8]*d[2],
		m[1]*d[0] + m[5]*d[1] + m[9]*d[2],
		m[2]*d[0] + m[6]*d[1] + m[10]*d[2],
	}
}

// Return the top three rows of the matrix in row-major order. This is the
// 3x4 layout expected by instance descriptors.
func (m Mat4) RowMajor3x4() [12]float32 {
	var out [12]float32
	t := m.Transpose()
	copy(out[:], t[:12])
	return out
}

// Rebuild an affine matrix from a row-major 3x4 layout.
func Mat4FromRowMajor3x4(rows [12]float32) Mat4 {
	var t Mat4
	copy(t[:12], rows[:])
	t[15] = 1
	return t.Transpose()
}

// Invert an affine transformation. The second return value is false if the
// linear part of the matrix is singular.
func (m Mat4) InverseAffine() (Mat4, bool) {
	// a[r][c] of the 3x3 linear part
	a00, a01, a02 := m[0], m[4], m[8]
	a10, a11, a12 := m[1], m[5], m[9]
	a20, a21, a22 := m[2], m[6], m[10]

	c00 := a11*a22 - a12*a21
	c01 := a12*a20 - a10*a22
	c02 := a10*a21 - a11*a20
	det := a00*c00 + a01*c01 + a02*c02
	if math.Abs(float64(det)) < floatCmpEpsilon {
		return Ident4(), false
	}
	inv := 1 / det

	var out Mat4
	out[0] = c00 * inv
	out[1] = c01 * inv
	out[2] = c02 * inv
	out[4] = (a02*a21 - a01*a22) * inv
	out[5] = (a00*a22 - a02*a20) * inv
	out[6] = (a01*a20 - a00*a21) * inv
	out[8] = (a01*a12 - a02*a11) * inv
	out[9] = (a02*a10 - a00*a12) * inv
	out[10] = (a00*a11 - a01*a10) * inv

	t := out.MulDir(Vec3{m[12], m[13], m[14]})
	out[12], out[13], out[14] = -t[0], -t[1], -t[2]
	out[15] = 1
	return out, true
}

// Transform an axis-aligned bounding box and return the axis-aligned box
// enclosing the result.
func (m Mat4) TransformBBox(bbox [2]Vec3) [2]Vec3 {
	out := EmptyBBox()
	for corner := 0; corner < 8; corner++ {
		p := Vec3{bbox[corner&1][0], bbox[(corner>>1)&1][1], bbox[(corner>>2)&1][2]}
		tp := m.MulPoint(p)
		out[0] = MinVec3(out[0], tp)
		out[1] = MaxVec3(out[1], tp)
	}
	return out
}
