package vicongraph

import "time"

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventPruned reports a timestamp removed from the graph.
	EventPruned EventKind = iota
	// EventGravityMagnitude reports the gravity norm when gravity is not constrained.
	EventGravityMagnitude
	// EventTimeOffset reports the current time offset estimate.
	EventTimeOffset
	// EventImuCovarianceInvalid reports a preintegrated covariance that failed to invert.
	EventImuCovarianceInvalid
	// EventRound reports the end of one build and solve round.
	EventRound
)

func (k EventKind) String() string {
	switch k {
	case EventPruned:
		return "pruned"
	case EventGravityMagnitude:
		return "gravity magnitude"
	case EventTimeOffset:
		return "time offset"
	case EventImuCovarianceInvalid:
		return "imu covariance invalid"
	case EventRound:
		return "round"
	default:
		return "unknown"
	}
}

// PruneReason is why a timestamp was removed.
type PruneReason int

const (
	// PruneNoReason is the zero value.
	PruneNoReason PruneReason = iota
	// PruneNoBoundingIMU means there is no IMU data on both sides of the timestamp.
	PruneNoBoundingIMU
	// PruneInterpolationBefore means the pose lookbehind query failed.
	PruneInterpolationBefore
	// PruneInterpolationAfter means the pose lookahead query failed.
	PruneInterpolationAfter
	// PruneInterpolation means the pose at the timestamp could not be interpolated.
	PruneInterpolation
	// PruneBadCovariance means the pose covariance has NaN entries or is singular.
	PruneBadCovariance
	// PruneCancelled means the build was stopped before reaching the timestamp.
	PruneCancelled
)

func (r PruneReason) String() string {
	switch r {
	case PruneNoBoundingIMU:
		return "no bounding imu readings"
	case PruneInterpolationBefore:
		return "unable to interpolate pose before timestamp"
	case PruneInterpolationAfter:
		return "unable to interpolate pose after timestamp"
	case PruneInterpolation:
		return "unable to interpolate pose"
	case PruneBadCovariance:
		return "pose covariance is NaN or singular"
	case PruneCancelled:
		return "build cancelled"
	default:
		return "none"
	}
}

// Event is a structured notification from the solver.
type Event struct {
	Kind      EventKind
	Timestamp float64     // Camera timestamp, for EventPruned and EventImuCovarianceInvalid
	Reason    PruneReason // EventPruned only
	Round     int
	Value     float64 // Gravity norm or time offset
	Err       error   // EventImuCovarianceInvalid only

	// EventRound only.
	States       int
	Factors      int
	Iterations   int
	InitialError float64
	FinalError   float64
	BuildTime    time.Duration
	SolveTime    time.Duration
}

// Observer receives solver events. Implementations must not call back into the solver.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
