package vicon2gt

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// gravitySanityTolerance is how far (m/s^2) the estimated gravity norm may drift from
// the configured gravity before the summary warns.
const gravitySanityTolerance = 0.1

// eulerDegrees returns roll, pitch and yaw of q in degrees.
func eulerDegrees(q quat.Number) r3.Vector {
	rq := spatialmath.Quaternion(vicongraph.Normalize(q))
	ea := (&rq).EulerAngles()
	return r3.Vector{X: ea.Roll, Y: ea.Pitch, Z: ea.Yaw}.Mul(180 / math.Pi)
}

// logState logs one navigation state.
func logState(logger logging.Logger, label string, t float64, s vicongraph.NavState) {
	rpy := eulerDegrees(s.Orientation)
	logger.Infof("%s state at %.6f s:", label, t)
	logger.Infof("  p_IinV = (%.4f, %.4f, %.4f) m", s.Position.X, s.Position.Y, s.Position.Z)
	logger.Infof("  R_VtoI rpy = (%.3f, %.3f, %.3f) deg", rpy.X, rpy.Y, rpy.Z)
	logger.Infof("  v_IinV = (%.4f, %.4f, %.4f) m/s", s.Velocity.X, s.Velocity.Y, s.Velocity.Z)
	logger.Infof("  bg = (%.5f, %.5f, %.5f)", s.GyroBias.X, s.GyroBias.Y, s.GyroBias.Z)
	logger.Infof("  ba = (%.5f, %.5f, %.5f)", s.AccelBias.X, s.AccelBias.Y, s.AccelBias.Z)
}

// logSummary logs the first and last states and the calibration of a solved problem.
// expectedGravity is the configured gravity norm.
func logSummary(logger logging.Logger, solver *vicongraph.GraphSolver, expectedGravity float64) {
	ts, states := solver.Timestamps(), solver.States()
	if len(states) > 0 && len(ts) == len(states) {
		logState(logger, "First", ts[0], states[0])
		logState(logger, "Last", ts[len(ts)-1], states[len(states)-1])
	}

	c := solver.Calibration()
	rpy := eulerDegrees(c.RotBtoI)
	logger.Infof("R_BtoI rpy = (%.3f, %.3f, %.3f) deg", rpy.X, rpy.Y, rpy.Z)
	logger.Infof("p_BinI = (%.4f, %.4f, %.4f) m", c.PosBinI.X, c.PosBinI.Y, c.PosBinI.Z)
	logger.Infof("gravity = (%.4f, %.4f, %.4f), norm %.4f", c.Gravity.X, c.Gravity.Y, c.Gravity.Z, c.Gravity.Norm())
	if solver.EstimatesTimeOffset() {
		logger.Infof("t_off_vicon_to_imu = %.6f s", c.TimeOffset)
	}
	checkGravity(logger, c.Gravity.Norm(), expectedGravity)
}

// checkGravity warns when the estimated gravity norm is far from the expected one.
func checkGravity(logger logging.Logger, norm, expected float64) bool {
	if math.Abs(norm-expected) <= gravitySanityTolerance {
		return true
	}
	logger.Warnf("Gravity norm %.4f is far from %.4f; the solution may not have converged", norm, expected)
	return false
}
