package sensorstream

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// Propagator preintegrates raw IMU readings between camera times.
type Propagator struct {
	readings []IMUReading
	noise    IMUNoise
}

// NewPropagator returns a propagator over the readings, which are sorted by time.
func NewPropagator(readings []IMUReading, noise IMUNoise) (*Propagator, error) {
	if len(readings) < 2 {
		return nil, ErrTooFewReadings
	}
	sorted := slices.Clone(readings)
	slices.SortStableFunc(sorted, func(a, b IMUReading) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		default:
			return 0
		}
	})
	return &Propagator{readings: sorted, noise: noise}, nil
}

// Span returns the time of the first and last reading.
func (p *Propagator) Span() (float64, float64) {
	return p.readings[0].Time, p.readings[len(p.readings)-1].Time
}

// HasBoundingIMU reports whether t lies within the IMU data.
func (p *Propagator) HasBoundingIMU(t float64) bool {
	first, last := p.Span()
	return t >= first && t <= last
}

// readingAt linearly interpolates a reading at t, which must be bounded.
func (p *Propagator) readingAt(t float64) IMUReading {
	i, found := slices.BinarySearchFunc(p.readings, t, func(r IMUReading, t float64) int {
		switch {
		case r.Time < t:
			return -1
		case r.Time > t:
			return 1
		default:
			return 0
		}
	})
	if found {
		return IMUReading{Time: t, Gyro: p.readings[i].Gyro, Accel: p.readings[i].Accel}
	}
	r0, r1 := p.readings[i-1], p.readings[i]
	lambda := (t - r0.Time) / (r1.Time - r0.Time)
	return IMUReading{
		Time:  t,
		Gyro:  r0.Gyro.Mul(1 - lambda).Add(r1.Gyro.Mul(lambda)),
		Accel: r0.Accel.Mul(1 - lambda).Add(r1.Accel.Mul(lambda)),
	}
}

// segment returns the readings strictly inside (t0, t1) framed by interpolated readings
// at t0 and t1.
func (p *Propagator) segment(t0, t1 float64) []IMUReading {
	out := []IMUReading{p.readingAt(t0)}
	for _, r := range p.readings {
		if r.Time <= t0 {
			continue
		}
		if r.Time >= t1 {
			break
		}
		out = append(out, r)
	}
	return append(out, p.readingAt(t1))
}

type delta struct {
	rot   quat.Number // IMU at the end to IMU at the start
	beta  r3.Vector
	alpha r3.Vector
}

// integrate runs midpoint integration over seg. When cov is non-nil the 15x15 error
// covariance ordered [theta, bg, v, ba, p] is propagated into it.
func integrate(seg []IMUReading, bg, ba r3.Vector, noise IMUNoise, cov *mat.Dense) delta {
	d := delta{rot: quat.Number{Real: 1}}
	var f, q, tmp mat.Dense
	if cov != nil {
		f.ReuseAs(vicongraph.NavStateDim, vicongraph.NavStateDim)
		q.ReuseAs(vicongraph.NavStateDim, vicongraph.NavStateDim)
	}
	for k := 0; k+1 < len(seg); k++ {
		dt := seg[k+1].Time - seg[k].Time
		if dt <= 0 {
			continue
		}
		w := seg[k].Gyro.Add(seg[k+1].Gyro).Mul(0.5).Sub(bg)
		a := seg[k].Accel.Add(seg[k+1].Accel).Mul(0.5).Sub(ba)
		dR := vicongraph.ExpSO3(w.Mul(dt))
		rMid := quat.Mul(d.rot, vicongraph.ExpSO3(w.Mul(0.5*dt)))
		aStart := vicongraph.Rotate(rMid, a)

		if cov != nil {
			fillTransition(&f, d.rot, dR, a, dt)
			fillNoise(&q, noise, dt)
			tmp.Mul(&f, cov)
			cov.Mul(&tmp, f.T())
			cov.Add(cov, &q)
		}

		d.alpha = d.alpha.Add(d.beta.Mul(dt)).Add(aStart.Mul(0.5 * dt * dt))
		d.beta = d.beta.Add(aStart.Mul(dt))
		d.rot = vicongraph.Normalize(quat.Mul(d.rot, dR))
	}
	return d
}

func setBlock(m *mat.Dense, r, c int, b [3][3]float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(r+i, c+j, b[i][j])
		}
	}
}

func diag3(v float64) [3][3]float64 {
	return [3][3]float64{{v, 0, 0}, {0, v, 0}, {0, 0, v}}
}

func rotMatrix(q quat.Number) [3][3]float64 {
	var m [3][3]float64
	for j, e := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		c := vicongraph.Rotate(q, e)
		m[0][j], m[1][j], m[2][j] = c.X, c.Y, c.Z
	}
	return m
}

func mul3(a, b [3][3]float64, s float64) [3][3]float64 {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				m[i][j] += a[i][k] * b[k][j]
			}
			m[i][j] *= s
		}
	}
	return m
}

func skew(v r3.Vector) [3][3]float64 {
	return [3][3]float64{{0, -v.Z, v.Y}, {v.Z, 0, -v.X}, {-v.Y, v.X, 0}}
}

// fillTransition writes the one step error transition matrix.
func fillTransition(f *mat.Dense, rk, dR quat.Number, a r3.Vector, dt float64) {
	f.Zero()
	for i := 0; i < vicongraph.NavStateDim; i++ {
		f.Set(i, i, 1)
	}
	r := rotMatrix(rk)
	setBlock(f, 0, 0, rotMatrix(quat.Conj(dR)))
	setBlock(f, 0, 3, diag3(-dt))
	setBlock(f, 6, 0, mul3(r, skew(a), -dt))
	setBlock(f, 6, 9, mul3(r, diag3(1), -dt))
	setBlock(f, 12, 0, mul3(r, skew(a), -0.5*dt*dt))
	setBlock(f, 12, 6, diag3(dt))
	setBlock(f, 12, 9, mul3(r, diag3(1), -0.5*dt*dt))
}

// fillNoise writes the discrete noise added over one step.
func fillNoise(q *mat.Dense, n IMUNoise, dt float64) {
	q.Zero()
	sg, sa := n.GyroNoise*n.GyroNoise, n.AccelNoise*n.AccelNoise
	setBlock(q, 0, 0, diag3(sg*dt))
	setBlock(q, 3, 3, diag3(n.GyroRandomWalk*n.GyroRandomWalk*dt))
	setBlock(q, 6, 6, diag3(sa*dt))
	setBlock(q, 9, 9, diag3(n.AccelRandomWalk*n.AccelRandomWalk*dt))
	setBlock(q, 12, 12, diag3(0.25*sa*dt*dt*dt))
	setBlock(q, 6, 12, diag3(0.5*sa*dt*dt))
	setBlock(q, 12, 6, diag3(0.5*sa*dt*dt))
}

// Propagate preintegrates the readings between t0 and t1 with the given biases. The
// bias Jacobians are central differences of the integration itself.
func (p *Propagator) Propagate(t0, t1 float64, gyroBias, accelBias r3.Vector) (*vicongraph.Preintegrated, error) {
	if !(t1 > t0) {
		return nil, errors.Wrapf(ErrBadInterval, "t0=%.9f t1=%.9f", t0, t1)
	}
	if !p.HasBoundingIMU(t0) || !p.HasBoundingIMU(t1) {
		return nil, errors.Wrapf(ErrNotBounded, "interval %.9f to %.9f", t0, t1)
	}
	seg := p.segment(t0, t1)

	cov := mat.NewDense(vicongraph.NavStateDim, vicongraph.NavStateDim, nil)
	nominal := integrate(seg, gyroBias, accelBias, p.noise, cov)

	jac := mat.NewDense(9, 6, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		bg := gyroBias.Add(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
		ba := accelBias.Add(r3.Vector{X: x[3], Y: x[4], Z: x[5]})
		d := integrate(seg, bg, ba, p.noise, nil)
		dr := vicongraph.LogSO3(quat.Mul(quat.Conj(nominal.rot), d.rot))
		copy(y, []float64{
			dr.X, dr.Y, dr.Z,
			d.beta.X, d.beta.Y, d.beta.Z,
			d.alpha.X, d.alpha.Y, d.alpha.Z,
		})
	}, make([]float64, 6), &fd.JacobianSettings{Formula: fd.Central})

	sym := mat.NewSymDense(vicongraph.NavStateDim, nil)
	for i := 0; i < vicongraph.NavStateDim; i++ {
		for j := i; j < vicongraph.NavStateDim; j++ {
			sym.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}

	return &vicongraph.Preintegrated{
		DT:           t1 - t0,
		DeltaRot:     nominal.rot,
		Beta:         nominal.beta,
		Alpha:        nominal.alpha,
		GyroBiasLin:  gyroBias,
		AccelBiasLin: accelBias,
		Covariance:   sym,
		JRotGyro:     block(jac, 0, 0),
		JBetaGyro:    block(jac, 3, 0),
		JBetaAccel:   block(jac, 3, 3),
		JAlphaGyro:   block(jac, 6, 0),
		JAlphaAccel:  block(jac, 6, 3),
	}, nil
}

func block(m *mat.Dense, r, c int) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(m.Slice(r, r+3, c, c+3))
	return &out
}

var _ vicongraph.Propagator = (*Propagator)(nil)
