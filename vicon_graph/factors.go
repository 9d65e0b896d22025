package vicongraph

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

const (
	// gravityMagnitudeSigma is the tolerance of the gravity magnitude prior.
	gravityMagnitudeSigma = 1e-10
	// timeOffsetSigma is the tolerance (seconds) of the time offset prior.
	timeOffsetSigma = 0.02
)

// Factor is a residual over a small set of variables. Residuals are whitened, so the
// cost contribution of a factor is half its squared norm.
type Factor interface {
	Keys() []Key
	Dim() int
	Residual(v Variables) []float64
}

// JacobianFactor is a Factor with an analytic whitened Jacobian. Columns follow Keys,
// each key contributing its tangent dimensions in turn.
type JacobianFactor interface {
	Factor
	Jacobian(v Variables) *mat.Dense
}

// Projector is a Factor that holds a variable on a constraint surface. The solver calls
// Project on every new estimate.
type Projector interface {
	Factor
	Project(v *Values)
}

// Graph is an ordered list of factors.
type Graph struct {
	factors []Factor
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends a factor.
func (g *Graph) Add(f Factor) {
	g.factors = append(g.factors, f)
}

// Len returns the number of factors.
func (g *Graph) Len() int {
	return len(g.factors)
}

// Factors returns the factors in insertion order.
func (g *Graph) Factors() []Factor {
	return g.factors
}

// Keys returns every distinct key referenced by the graph, in first-use order.
func (g *Graph) Keys() []Key {
	seen := make(map[Key]bool)
	var keys []Key
	for _, f := range g.factors {
		for _, k := range f.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Error returns 0.5 * sum of squared whitened residuals.
func (g *Graph) Error(v Variables) float64 {
	var sum float64
	for _, f := range g.factors {
		for _, r := range f.Residual(v) {
			sum += r * r
		}
	}
	return 0.5 * sum
}

// whitener maps a residual r to U*r where U^T U is the information matrix.
type whitener struct {
	u *mat.TriDense
	n int
}

func newWhitener(cov *mat.SymDense) (*whitener, error) {
	info, err := invertCovariance(cov)
	if err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(info); !ok {
		return nil, errors.Wrap(ErrSingularCovariance, "information matrix is not positive definite")
	}
	var u mat.TriDense
	chol.UTo(&u)
	return &whitener{u: &u, n: info.SymmetricDim()}, nil
}

func (w *whitener) whiten(r []float64) []float64 {
	out := make([]float64, w.n)
	for i := 0; i < w.n; i++ {
		var s float64
		for j := i; j < w.n; j++ {
			s += w.u.At(i, j) * r[j]
		}
		out[i] = s
	}
	return out
}

// CheckCovariance returns nil when cov is finite and invertible.
func CheckCovariance(cov *mat.SymDense) error {
	_, err := invertCovariance(cov)
	return err
}

func invertCovariance(cov *mat.SymDense) (*mat.SymDense, error) {
	if cov == nil || cov.IsEmpty() {
		return nil, errors.Wrap(ErrSingularCovariance, "covariance is empty")
	}
	if !finiteSym(cov) {
		return nil, errors.Wrap(ErrSingularCovariance, "covariance has NaN or Inf entries")
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, errors.Wrap(ErrSingularCovariance, "covariance is not positive definite")
	}
	var info mat.SymDense
	if err := chol.InverseTo(&info); err != nil {
		return nil, errors.Wrapf(ErrSingularCovariance, "inverting covariance: %v", err)
	}
	if !finiteSym(&info) {
		return nil, errors.Wrap(ErrSingularCovariance, "inverse has NaN or Inf entries")
	}
	return &info, nil
}

func finiteSym(s *mat.SymDense) bool {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := s.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// viconMeasurement is an interpolated vicon pose: q_VtoB and p_BinV.
type viconMeasurement struct {
	rotVtoB quat.Number
	posBinV r3.Vector
}

func measurementFromPose(pose spatialmath.Pose) viconMeasurement {
	return viconMeasurement{
		rotVtoB: normalize(pose.Orientation().Quaternion()),
		posBinV: pose.Point(),
	}
}

// poseResidual predicts the vicon pose from the IMU state and extrinsics and returns
// [log(R_pred R_meas^T), p_pred - p_meas].
func poseResidual(s NavState, rotBtoI quat.Number, posBinI r3.Vector, meas viconMeasurement) []float64 {
	rotPred := quat.Mul(quat.Conj(rotBtoI), s.Orientation)
	posPred := s.Position.Add(rotate(quat.Conj(s.Orientation), posBinI))
	eTheta := logSO3(quat.Mul(rotPred, quat.Conj(meas.rotVtoB)))
	ePos := posPred.Sub(meas.posBinV)
	return []float64{eTheta.X, eTheta.Y, eTheta.Z, ePos.X, ePos.Y, ePos.Z}
}

// PoseFactor ties one navigation state to an interpolated vicon pose through the
// extrinsic calibration.
type PoseFactor struct {
	state int
	meas  viconMeasurement
	white *whitener
}

// NewPoseFactor builds a pose factor from a vicon pose and its 6x6 covariance.
func NewPoseFactor(state int, pose spatialmath.Pose, cov *mat.SymDense) (*PoseFactor, error) {
	w, err := newWhitener(cov)
	if err != nil {
		return nil, err
	}
	return &PoseFactor{state: state, meas: measurementFromPose(pose), white: w}, nil
}

// Keys implements Factor.
func (f *PoseFactor) Keys() []Key {
	return []Key{StateKey(f.state), RotBtoIKey, PosBinIKey}
}

// Dim implements Factor.
func (f *PoseFactor) Dim() int { return 6 }

// Residual implements Factor.
func (f *PoseFactor) Residual(v Variables) []float64 {
	return f.white.whiten(poseResidual(v.State(f.state), v.RotBtoI(), v.PosBinI(), f.meas))
}

// PoseTimeOffsetFactor is a PoseFactor whose measurement is re-interpolated at
// timestamp + t_off on every evaluation. The weighting is fixed at construction.
type PoseTimeOffsetFactor struct {
	state        int
	timestamp    float64
	interpolator Interpolator
	fallback     viconMeasurement
	white        *whitener
}

// NewPoseTimeOffsetFactor builds the time-offset pose factor. pose and cov are the
// interpolation at the build-time offset; pose is used when a later query fails.
func NewPoseTimeOffsetFactor(
	state int,
	timestamp float64,
	interp Interpolator,
	pose spatialmath.Pose,
	cov *mat.SymDense,
) (*PoseTimeOffsetFactor, error) {
	w, err := newWhitener(cov)
	if err != nil {
		return nil, err
	}
	return &PoseTimeOffsetFactor{
		state:        state,
		timestamp:    timestamp,
		interpolator: interp,
		fallback:     measurementFromPose(pose),
		white:        w,
	}, nil
}

// Keys implements Factor.
func (f *PoseTimeOffsetFactor) Keys() []Key {
	return []Key{StateKey(f.state), RotBtoIKey, PosBinIKey, TimeOffsetKey}
}

// Dim implements Factor.
func (f *PoseTimeOffsetFactor) Dim() int { return 6 }

// Residual implements Factor.
func (f *PoseTimeOffsetFactor) Residual(v Variables) []float64 {
	meas := f.fallback
	if pose, _, ok := f.interpolator.PoseAt(f.timestamp + v.TimeOffset()); ok {
		meas = measurementFromPose(pose)
	}
	return f.white.whiten(poseResidual(v.State(f.state), v.RotBtoI(), v.PosBinI(), meas))
}

// ImuFactor ties two consecutive navigation states and gravity to a preintegrated
// measurement. The residual is ordered [theta, bg, v, ba, p].
type ImuFactor struct {
	from, to int
	pm       *Preintegrated
	white    *whitener
}

// NewImuFactor builds an inertial factor; it fails when the covariance cannot be inverted.
func NewImuFactor(from, to int, pm *Preintegrated) (*ImuFactor, error) {
	w, err := newWhitener(pm.Covariance)
	if err != nil {
		return nil, errors.Wrap(ErrImuCovariance, err.Error())
	}
	return &ImuFactor{from: from, to: to, pm: pm, white: w}, nil
}

// Keys implements Factor.
func (f *ImuFactor) Keys() []Key {
	return []Key{StateKey(f.from), StateKey(f.to), GravityKey}
}

// Dim implements Factor.
func (f *ImuFactor) Dim() int { return NavStateDim }

// Residual implements Factor.
func (f *ImuFactor) Residual(v Variables) []float64 {
	si := v.State(f.from)
	sj := v.State(f.to)
	g := v.Gravity()
	pm := f.pm
	dt := pm.DT

	dbg := si.GyroBias.Sub(pm.GyroBiasLin)
	dba := si.AccelBias.Sub(pm.AccelBiasLin)

	rotMeas := quat.Mul(pm.DeltaRot, expSO3(mulVec3(pm.JRotGyro, dbg)))
	betaMeas := pm.Beta.Add(mulVec3(pm.JBetaGyro, dbg)).Add(mulVec3(pm.JBetaAccel, dba))
	alphaMeas := pm.Alpha.Add(mulVec3(pm.JAlphaGyro, dbg)).Add(mulVec3(pm.JAlphaAccel, dba))

	rotPred := quat.Mul(si.Orientation, quat.Conj(sj.Orientation))
	betaPred := rotate(si.Orientation, sj.Velocity.Sub(si.Velocity).Add(g.Mul(dt)))
	alphaPred := rotate(si.Orientation,
		sj.Position.Sub(si.Position).Sub(si.Velocity.Mul(dt)).Add(g.Mul(0.5*dt*dt)))

	eTheta := logSO3(quat.Mul(quat.Conj(rotMeas), rotPred))
	eBg := sj.GyroBias.Sub(si.GyroBias)
	eV := betaPred.Sub(betaMeas)
	eBa := sj.AccelBias.Sub(si.AccelBias)
	eP := alphaPred.Sub(alphaMeas)

	return f.white.whiten([]float64{
		eTheta.X, eTheta.Y, eTheta.Z,
		eBg.X, eBg.Y, eBg.Z,
		eV.X, eV.Y, eV.Z,
		eBa.X, eBa.Y, eBa.Z,
		eP.X, eP.Y, eP.Z,
	})
}

// GravityMagnitudePrior holds the gravity norm at a fixed magnitude.
type GravityMagnitudePrior struct {
	magnitude float64
	sigma     float64
}

// NewGravityMagnitudePrior returns a prior on |g| with the given tolerance.
func NewGravityMagnitudePrior(magnitude, sigma float64) *GravityMagnitudePrior {
	return &GravityMagnitudePrior{magnitude: magnitude, sigma: sigma}
}

// Keys implements Factor.
func (f *GravityMagnitudePrior) Keys() []Key { return []Key{GravityKey} }

// Dim implements Factor.
func (f *GravityMagnitudePrior) Dim() int { return 1 }

// Residual implements Factor.
func (f *GravityMagnitudePrior) Residual(v Variables) []float64 {
	return []float64{(v.Gravity().Norm() - f.magnitude) / f.sigma}
}

// Jacobian implements JacobianFactor: g^T / (|g| sigma).
func (f *GravityMagnitudePrior) Jacobian(v Variables) *mat.Dense {
	g := v.Gravity()
	n := g.Norm()
	if n == 0 {
		return mat.NewDense(1, 3, nil)
	}
	s := 1 / (n * f.sigma)
	return mat.NewDense(1, 3, []float64{g.X * s, g.Y * s, g.Z * s})
}

// Project implements Projector by rescaling gravity to the prior magnitude. The prior is
// too stiff for its curvature to be followed by linearized steps.
func (f *GravityMagnitudePrior) Project(v *Values) {
	if n := v.Calib.Gravity.Norm(); n > 0 {
		v.Calib.Gravity = v.Calib.Gravity.Mul(f.magnitude / n)
	}
}

// TimeOffsetPrior anchors the time offset near its initial value.
type TimeOffsetPrior struct {
	mean  float64
	sigma float64
}

// NewTimeOffsetPrior returns a prior on t_off.
func NewTimeOffsetPrior(mean, sigma float64) *TimeOffsetPrior {
	return &TimeOffsetPrior{mean: mean, sigma: sigma}
}

// Keys implements Factor.
func (f *TimeOffsetPrior) Keys() []Key { return []Key{TimeOffsetKey} }

// Dim implements Factor.
func (f *TimeOffsetPrior) Dim() int { return 1 }

// Residual implements Factor.
func (f *TimeOffsetPrior) Residual(v Variables) []float64 {
	return []float64{(v.TimeOffset() - f.mean) / f.sigma}
}

// Jacobian implements JacobianFactor.
func (f *TimeOffsetPrior) Jacobian(Variables) *mat.Dense {
	return mat.NewDense(1, 1, []float64{1 / f.sigma})
}
