package vicongraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Config holds the immutable inputs of a batch solve.
type Config struct {
	GravityInV r3.Vector   // Initial gravity in the vicon frame
	RotBtoI    quat.Number // Initial body to IMU rotation
	PosBinI    r3.Vector   // Initial body origin in the IMU frame
	TimeOffset float64     // Initial offset added to IMU time to get vicon time (s)

	EnforceGravityMagnitude bool // Hold |g| at the initial magnitude
	EstimateTimeOffset      bool // Estimate TimeOffset jointly

	NumLoopRelin        int     // Extra relinearization rounds; 0 = single pass
	InterpolationWindow float64 // Lookahead/lookbehind (s) used to validate interpolation

	Solver SolverParams
}

// SolverParams holds the Levenberg-Marquardt settings.
type SolverParams struct {
	MaxIterations    int
	AbsoluteErrorTol float64 // Stop when the cost decrease is below this
	RelativeErrorTol float64 // Stop when the relative cost decrease is below this
	LambdaInitial    float64
	LambdaFactor     float64
	LambdaLowerBound float64
	LambdaUpperBound float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GravityInV:          r3.Vector{X: 0, Y: 0, Z: 9.8},
		RotBtoI:             quat.Number{Real: 1},
		InterpolationWindow: 1.0,
		Solver:              DefaultSolverParams(),
	}
}

// DefaultSolverParams returns the fixed optimizer constants.
func DefaultSolverParams() SolverParams {
	return SolverParams{
		MaxIterations:    20,
		AbsoluteErrorTol: 1e-30,
		RelativeErrorTol: 1e-30,
		LambdaInitial:    1e-5,
		LambdaFactor:     10,
		LambdaLowerBound: 0,
		LambdaUpperBound: 1e20,
	}
}
