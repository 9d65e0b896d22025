// Package vicon2gt turns motion capture poses and raw IMU data into ground truth
// inertial states at camera timestamps.
package vicon2gt

import (
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"

	"github.com/mfkiwl/vicon2gt/internal/params"
	sensorstream "github.com/mfkiwl/vicon2gt/sensor_stream"
	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// Pipeline holds the loaded datasets, the solver configuration and the result of a run.
type Pipeline struct {
	logger logging.Logger

	cfg        *vicongraph.Config
	prop       *sensorstream.Propagator
	interp     *sensorstream.Interpolator
	timestamps []float64

	// Output paths; empty disables the corresponding file.
	StateCSV string
	InfoTXT  string

	// Set by Inspect.
	coverage *Coverage

	// Set by Solve.
	solver *vicongraph.GraphSolver
}

// NewPipeline loads the IMU, vicon and camera files named by the configuration.
// All three inputs are required.
func NewPipeline(file *params.File, logger logging.Logger) (*Pipeline, error) {
	if file.IMUCSV == "" || file.ViconCSV == "" || file.CameraCSV == "" {
		return nil, errors.New("imu_csv, vicon_csv and camera_csv are required")
	}
	cfg, err := file.SolverConfig()
	if err != nil {
		return nil, err
	}

	readings, err := sensorstream.LoadIMU(file.IMUCSV)
	if err != nil {
		return nil, errors.Wrap(err, "imu data")
	}
	prop, err := sensorstream.NewPropagator(readings, file.IMUNoise())
	if err != nil {
		return nil, errors.Wrap(err, "imu data")
	}
	logger.Infof("Loaded %d IMU readings from %s", len(readings), file.IMUCSV)

	poses, err := sensorstream.LoadPoses(file.ViconCSV)
	if err != nil {
		return nil, errors.Wrap(err, "vicon data")
	}
	interp, err := sensorstream.NewInterpolator(poses, file.ViconNoise())
	if err != nil {
		return nil, errors.Wrap(err, "vicon data")
	}
	logger.Infof("Loaded %d vicon poses from %s", len(poses), file.ViconCSV)

	timestamps, err := sensorstream.LoadTimestamps(file.CameraCSV)
	if err != nil {
		return nil, errors.Wrap(err, "camera timestamps")
	}
	logger.Infof("Loaded %d camera timestamps from %s", len(timestamps), file.CameraCSV)

	return &Pipeline{
		logger:     logger,
		cfg:        cfg,
		prop:       prop,
		interp:     interp,
		timestamps: timestamps,
		StateCSV:   file.StateCSV,
		InfoTXT:    file.InfoTXT,
	}, nil
}

// Coverage returns the result of the last Inspect, or nil.
func (p *Pipeline) Coverage() *Coverage {
	return p.coverage
}

// Solver returns the graph solver used by Solve, or nil before Solve.
func (p *Pipeline) Solver() *vicongraph.GraphSolver {
	return p.solver
}
