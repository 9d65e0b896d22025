package vicongraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// NavState is the inertial navigation state at one camera timestamp.
type NavState struct {
	Orientation quat.Number // Rotation from the vicon frame to the IMU frame (unit).
	GyroBias    r3.Vector
	Velocity    r3.Vector // IMU velocity in the vicon frame
	AccelBias   r3.Vector
	Position    r3.Vector // IMU position in the vicon frame
}

// NavStateDim is the number of degrees of freedom of a NavState.
const NavStateDim = 15

// Retract applies a tangent-space update ordered [dtheta, dbg, dv, dba, dp].
func (s NavState) Retract(d []float64) NavState {
	return NavState{
		Orientation: normalize(quat.Mul(expSO3(vec3(d[0:3])), s.Orientation)),
		GyroBias:    s.GyroBias.Add(vec3(d[3:6])),
		Velocity:    s.Velocity.Add(vec3(d[6:9])),
		AccelBias:   s.AccelBias.Add(vec3(d[9:12])),
		Position:    s.Position.Add(vec3(d[12:15])),
	}
}

// Calibration holds the global parameters refined by every solve.
type Calibration struct {
	RotBtoI    quat.Number // Rotation from the vicon body frame to the IMU frame.
	PosBinI    r3.Vector   // Body frame origin expressed in the IMU frame.
	Gravity    r3.Vector   // Gravity in the vicon frame.
	TimeOffset float64     // Offset added to IMU time to get vicon time.
}

// Kind is the category of an optimization variable.
type Kind int

const (
	// KindState is a per-timestamp navigation state.
	KindState Kind = iota
	// KindRotBtoI is the body-to-IMU rotation.
	KindRotBtoI
	// KindPosBinI is the body origin in the IMU frame.
	KindPosBinI
	// KindGravity is the gravity vector in the vicon frame.
	KindGravity
	// KindTimeOffset is the IMU-to-vicon clock offset.
	KindTimeOffset
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindRotBtoI:
		return "R_BtoI"
	case KindPosBinI:
		return "p_BinI"
	case KindGravity:
		return "gravity"
	case KindTimeOffset:
		return "t_off"
	default:
		return "unknown"
	}
}

// Key addresses one variable. Index is only meaningful for KindState.
type Key struct {
	Kind  Kind
	Index int
}

// StateKey returns the key of the navigation state with the given index.
func StateKey(index int) Key {
	return Key{Kind: KindState, Index: index}
}

// Calibration variable keys.
var (
	RotBtoIKey    = Key{Kind: KindRotBtoI}
	PosBinIKey    = Key{Kind: KindPosBinI}
	GravityKey    = Key{Kind: KindGravity}
	TimeOffsetKey = Key{Kind: KindTimeOffset}
)

// Dim returns the tangent-space dimension of the variable.
func (k Key) Dim() int {
	switch k.Kind {
	case KindState:
		return NavStateDim
	case KindTimeOffset:
		return 1
	default:
		return 3
	}
}

// Preintegrated is a preintegrated inertial measurement between two times t0 < t1.
// Jacobians are taken with respect to the biases at the linearization point and
// a nil Jacobian is treated as zero.
type Preintegrated struct {
	DT float64 // Exactly t1 - t0.

	// DeltaRot rotates vectors from the IMU frame at t1 into the IMU frame at t0.
	DeltaRot quat.Number
	Beta     r3.Vector // Integrated velocity change in the IMU frame at t0.
	Alpha    r3.Vector // Integrated position change in the IMU frame at t0.

	GyroBiasLin  r3.Vector
	AccelBiasLin r3.Vector

	// Covariance is 15x15 ordered [theta, bg, v, ba, p].
	Covariance *mat.SymDense

	JRotGyro    *mat.Dense // d log(DeltaRot^T DeltaRot(b)) / d bg
	JBetaGyro   *mat.Dense
	JBetaAccel  *mat.Dense
	JAlphaGyro  *mat.Dense
	JAlphaAccel *mat.Dense
}

// Propagator produces preintegrated inertial measurements from raw IMU data.
type Propagator interface {
	// HasBoundingIMU reports whether IMU readings exist on both sides of t.
	HasBoundingIMU(t float64) bool
	// Propagate preintegrates the readings between t0 and t1 using the given biases.
	Propagate(t0, t1 float64, gyroBias, accelBias r3.Vector) (*Preintegrated, error)
}

// Interpolator returns vicon poses at arbitrary times.
type Interpolator interface {
	// PoseAt returns the body pose in the vicon frame (orientation q_VtoB, point p_BinV)
	// and its 6x6 covariance ordered [orientation, position]. ok is false when no
	// pose can be produced for t.
	PoseAt(t float64) (pose spatialmath.Pose, cov *mat.SymDense, ok bool)
}
