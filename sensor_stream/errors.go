package sensorstream

import "github.com/pkg/errors"

var (
	// ErrTooFewReadings is returned when fewer than two IMU readings are available.
	ErrTooFewReadings = errors.New("need at least two imu readings")

	// ErrTooFewPoses is returned when no motion capture samples are available.
	ErrTooFewPoses = errors.New("need at least one vicon pose")

	// ErrNotBounded is returned when a propagation endpoint lies outside the IMU data.
	ErrNotBounded = errors.New("time is not bounded by imu readings")

	// ErrBadInterval is returned when t1 is not after t0.
	ErrBadInterval = errors.New("propagation interval must have t1 > t0")

	// ErrMalformedRow is returned for CSV rows with missing or non-numeric fields.
	ErrMalformedRow = errors.New("malformed csv row")
)
