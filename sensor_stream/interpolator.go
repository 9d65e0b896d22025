package sensorstream

import (
	"github.com/golang/geo/r3"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// Interpolator produces body poses between motion capture samples.
type Interpolator struct {
	samples []PoseSample
	base    *mat.SymDense
	maxGap  float64
}

// NewInterpolator returns an interpolator over the samples, which are sorted by time.
func NewInterpolator(samples []PoseSample, noise ViconNoise) (*Interpolator, error) {
	if len(samples) == 0 {
		return nil, ErrTooFewPoses
	}
	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, func(a, b PoseSample) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		default:
			return 0
		}
	})
	base := mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		base.SetSym(i, i, noise.SigmaRot*noise.SigmaRot)
		base.SetSym(i+3, i+3, noise.SigmaPos*noise.SigmaPos)
	}
	return &Interpolator{samples: sorted, base: base, maxGap: noise.MaxGap}, nil
}

// Span returns the time of the first and last sample.
func (ip *Interpolator) Span() (float64, float64) {
	return ip.samples[0].Time, ip.samples[len(ip.samples)-1].Time
}

// PoseAt interpolates the pose at t: slerp on orientation and linear on position. The
// covariance is the sample covariance scaled by (1-l)^2 + l^2 for interpolation weight l.
func (ip *Interpolator) PoseAt(t float64) (spatialmath.Pose, *mat.SymDense, bool) {
	i, found := slices.BinarySearchFunc(ip.samples, t, func(s PoseSample, t float64) int {
		switch {
		case s.Time < t:
			return -1
		case s.Time > t:
			return 1
		default:
			return 0
		}
	})
	if found {
		cov := mat.NewSymDense(6, nil)
		cov.CopySym(ip.base)
		return newPose(ip.samples[i].Rot, ip.samples[i].Pos), cov, true
	}
	if i == 0 || i == len(ip.samples) {
		return nil, nil, false
	}
	s0, s1 := ip.samples[i-1], ip.samples[i]
	if ip.maxGap > 0 && s1.Time-s0.Time > ip.maxGap {
		return nil, nil, false
	}

	lambda := (t - s0.Time) / (s1.Time - s0.Time)
	dq := vicongraph.LogSO3(quat.Mul(s1.Rot, quat.Conj(s0.Rot)))
	rot := vicongraph.Normalize(quat.Mul(vicongraph.ExpSO3(dq.Mul(lambda)), s0.Rot))
	pos := s0.Pos.Mul(1 - lambda).Add(s1.Pos.Mul(lambda))

	cov := mat.NewSymDense(6, nil)
	cov.ScaleSym((1-lambda)*(1-lambda)+lambda*lambda, ip.base)
	return newPose(rot, pos), cov, true
}

func newPose(rot quat.Number, pos r3.Vector) spatialmath.Pose {
	o := spatialmath.Quaternion(rot)
	return spatialmath.NewPose(pos, &o)
}

var _ vicongraph.Interpolator = (*Interpolator)(nil)
