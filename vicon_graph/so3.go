package vicongraph

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ExpSO3 maps a rotation vector (axis * angle) to a unit quaternion.
func ExpSO3(w r3.Vector) quat.Number {
	return expSO3(w)
}

// LogSO3 maps a unit quaternion to its rotation vector, taking the shortest path.
func LogSO3(q quat.Number) r3.Vector {
	return logSO3(q)
}

// Rotate rotates v by the unit quaternion q.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	return rotate(q, v)
}

// Normalize returns q scaled to unit length.
func Normalize(q quat.Number) quat.Number {
	return normalize(q)
}

// Rotation vector w corresponds to the quaternion exp(w/2).
func expSO3(w r3.Vector) quat.Number {
	return quat.Exp(quat.Number{Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
}

func logSO3(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	l := quat.Log(q)
	return r3.Vector{X: 2 * l.Imag, Y: 2 * l.Jmag, Z: 2 * l.Kmag}
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func vec3(d []float64) r3.Vector {
	return r3.Vector{X: d[0], Y: d[1], Z: d[2]}
}

// mulVec3 returns m*v for a 3x3 matrix; a nil matrix acts as zero.
func mulVec3(m *mat.Dense, v r3.Vector) r3.Vector {
	if m == nil {
		return r3.Vector{}
	}
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
