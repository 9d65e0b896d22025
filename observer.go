package vicon2gt

import (
	"go.viam.com/rdk/logging"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// LogObserver writes solver events to a logger.
type LogObserver struct {
	logger logging.Logger
}

// NewLogObserver returns an observer that logs to logger.
func NewLogObserver(logger logging.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe implements vicongraph.Observer.
func (o *LogObserver) Observe(e vicongraph.Event) {
	switch e.Kind {
	case vicongraph.EventPruned:
		o.logger.Infof("Round %d: dropping timestamp %.9f (%s)", e.Round, e.Timestamp, e.Reason)
	case vicongraph.EventGravityMagnitude:
		o.logger.Debugf("Round %d: gravity magnitude %.6f (not enforced)", e.Round, e.Value)
	case vicongraph.EventTimeOffset:
		o.logger.Debugf("Round %d: time offset %.6f s", e.Round, e.Value)
	case vicongraph.EventImuCovarianceInvalid:
		o.logger.Errorf("Round %d: IMU covariance at %.9f is not invertible: %v", e.Round, e.Timestamp, e.Err)
	case vicongraph.EventRound:
		o.logger.Infof("Round %d: %d states, %d factors, build %v", e.Round, e.States, e.Factors, e.BuildTime)
		o.logger.Infof("Round %d: %d iterations, error %.6g -> %.6g, solve %v",
			e.Round, e.Iterations, e.InitialError, e.FinalError, e.SolveTime)
	default:
		o.logger.Warnf("Unhandled solver event %v", e.Kind)
	}
}
