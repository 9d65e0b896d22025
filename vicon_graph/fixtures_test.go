package vicongraph

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

var trueGravity = r3.Vector{X: 0, Y: 0, Z: 9.8}

// trajectory is an analytic IMU motion in the vicon frame with zero biases.
type trajectory struct{}

func (trajectory) rotVtoI(t float64) quat.Number {
	return expSO3(r3.Vector{
		X: 0.4 * math.Sin(0.7*t),
		Y: 0.5 * math.Sin(0.5*t+1),
		Z: 0.6 * math.Sin(0.3*t+2),
	})
}

func (trajectory) position(t float64) r3.Vector {
	return r3.Vector{X: math.Sin(0.8 * t), Y: math.Cos(0.6 * t), Z: 0.5 * math.Sin(1.1*t)}
}

func (trajectory) velocity(t float64) r3.Vector {
	return r3.Vector{X: 0.8 * math.Cos(0.8*t), Y: -0.6 * math.Sin(0.6*t), Z: 0.55 * math.Cos(1.1*t)}
}

func (tr trajectory) state(t float64) NavState {
	return NavState{Orientation: tr.rotVtoI(t), Velocity: tr.velocity(t), Position: tr.position(t)}
}

func diagSym(vals ...float64) *mat.SymDense {
	s := mat.NewSymDense(len(vals), nil)
	for i, v := range vals {
		s.SetSym(i, i, v)
	}
	return s
}

func scaledIdentity(v float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{v, 0, 0, 0, v, 0, 0, 0, v})
}

func poseFromQuat(q quat.Number, p r3.Vector) spatialmath.Pose {
	o := spatialmath.Quaternion(q)
	return spatialmath.NewPose(p, &o)
}

// fakePropagator returns the exact deltas of the trajectory, as a bias free IMU
// integrated with the requested linearization biases would report them.
type fakePropagator struct {
	traj    trajectory
	gravity r3.Vector
	lo, hi  float64
	dtSkew  float64
	nanCov  bool
	calls   int
}

func newFakePropagator(lo, hi float64) *fakePropagator {
	return &fakePropagator{gravity: trueGravity, lo: lo, hi: hi}
}

func (p *fakePropagator) HasBoundingIMU(t float64) bool {
	return t >= p.lo && t <= p.hi
}

func (p *fakePropagator) Propagate(t0, t1 float64, bg, ba r3.Vector) (*Preintegrated, error) {
	p.calls++
	dt := t1 - t0
	si, sj := p.traj.state(t0), p.traj.state(t1)
	jRot := scaledIdentity(-dt)
	jBetaA := scaledIdentity(-dt)
	jAlphaA := scaledIdentity(-0.5 * dt * dt)

	beta := rotate(si.Orientation, sj.Velocity.Sub(si.Velocity).Add(p.gravity.Mul(dt)))
	alpha := rotate(si.Orientation,
		sj.Position.Sub(si.Position).Sub(si.Velocity.Mul(dt)).Add(p.gravity.Mul(0.5*dt*dt)))

	cov := make([]float64, NavStateDim)
	for i := range cov {
		switch {
		case i < 6:
			cov[i] = 1e-6
		default:
			cov[i] = 1e-4
		}
	}
	if p.nanCov {
		cov[0] = math.NaN()
	}
	return &Preintegrated{
		DT:           dt + p.dtSkew,
		DeltaRot:     quat.Mul(quat.Mul(si.Orientation, quat.Conj(sj.Orientation)), expSO3(mulVec3(jRot, bg))),
		Beta:         beta.Add(mulVec3(jBetaA, ba)),
		Alpha:        alpha.Add(mulVec3(jAlphaA, ba)),
		GyroBiasLin:  bg,
		AccelBiasLin: ba,
		Covariance:   diagSym(cov...),
		JRotGyro:     jRot,
		JBetaAccel:   jBetaA,
		JAlphaAccel:  jAlphaA,
	}, nil
}

// fakeInterpolator reports the body pose of the trajectory on the vicon clock, which runs
// offset seconds ahead of the IMU clock.
type fakeInterpolator struct {
	traj    trajectory
	rotBtoI quat.Number
	posBinI r3.Vector
	offset  float64
	sigma   float64
	lo, hi  float64
	nanAt   []float64
	onQuery func(t float64)
}

func newFakeInterpolator() *fakeInterpolator {
	return &fakeInterpolator{rotBtoI: quat.Number{Real: 1}, sigma: 1e-3, lo: -100, hi: 100}
}

func (f *fakeInterpolator) PoseAt(t float64) (spatialmath.Pose, *mat.SymDense, bool) {
	if f.onQuery != nil {
		f.onQuery(t)
	}
	if t < f.lo || t > f.hi {
		return nil, nil, false
	}
	s := f.traj.state(t - f.offset)
	rotVtoB := quat.Mul(quat.Conj(f.rotBtoI), s.Orientation)
	posBinV := s.Position.Add(rotate(quat.Conj(s.Orientation), f.posBinI))
	v := f.sigma * f.sigma
	cov := diagSym(v, v, v, v, v, v)
	for _, bad := range f.nanAt {
		if math.Abs(t-bad) < 1e-9 {
			cov.SetSym(2, 2, math.NaN())
		}
	}
	return poseFromQuat(rotVtoB, posBinV), cov, true
}

type eventLog struct {
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.events = append(l.events, e)
}

func (l *eventLog) ofKind(k EventKind) []Event {
	var out []Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func rotationAngle(a, b quat.Number) float64 {
	return logSO3(quat.Mul(a, quat.Conj(b))).Norm()
}

func timestampsFrom(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
