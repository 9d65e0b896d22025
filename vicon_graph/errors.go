package vicongraph

import "github.com/pkg/errors"

var (
	// ErrNoTimestamps is returned when the solver is given no camera timestamps.
	ErrNoTimestamps = errors.New("camera timestamp set is empty")

	// ErrNoBoundedTimestamps is returned when no camera timestamp lies inside the IMU data.
	ErrNoBoundedTimestamps = errors.New("all camera timestamps are outside the range of the IMU measurements")

	// ErrNoStates is returned when interpolation pruning removed every timestamp.
	ErrNoStates = errors.New("no camera timestamp has a usable vicon pose")

	// ErrImuCovariance is returned when a preintegrated covariance is NaN or singular.
	ErrImuCovariance = errors.New("preintegrated measurement covariance is not invertible")

	// ErrDurationMismatch is returned when the propagator's duration is not t1 - t0.
	ErrDurationMismatch = errors.New("preintegrated duration does not match the requested interval")

	// ErrSingularCovariance is returned when a measurement covariance cannot be whitened.
	ErrSingularCovariance = errors.New("covariance is singular or not finite")

	// ErrAlreadySolved is returned when Run is called on a finished solver.
	ErrAlreadySolved = errors.New("graph solver has already run")

	// ErrUnknownKey is returned when a factor references a variable missing from the values.
	ErrUnknownKey = errors.New("factor references an unknown variable")

	// ErrEmptyGraph is returned when optimizing a graph without factors.
	ErrEmptyGraph = errors.New("graph has no factors")
)
