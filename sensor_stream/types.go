package sensorstream

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// IMUReading is one inertial sample in the IMU frame.
type IMUReading struct {
	Time  float64   // seconds
	Gyro  r3.Vector // rad/s
	Accel r3.Vector // m/s^2, specific force
}

// PoseSample is one motion capture sample of the body frame.
type PoseSample struct {
	Time float64     // seconds, vicon clock
	Rot  quat.Number // q_VtoB
	Pos  r3.Vector   // p_BinV
}

// IMUNoise holds continuous-time IMU noise densities.
type IMUNoise struct {
	GyroNoise       float64 // rad/s/sqrt(Hz)
	AccelNoise      float64 // m/s^2/sqrt(Hz)
	GyroRandomWalk  float64 // rad/s^2/sqrt(Hz)
	AccelRandomWalk float64 // m/s^3/sqrt(Hz)
}

// ViconNoise holds the motion capture noise model.
type ViconNoise struct {
	SigmaRot float64 // rad
	SigmaPos float64 // m
	MaxGap   float64 // Largest sample spacing (s) that may be interpolated; 0 = no limit
}

// DefaultIMUNoise returns the noise densities of the EuRoC ADIS16448.
func DefaultIMUNoise() IMUNoise {
	return IMUNoise{
		GyroNoise:       1.6968e-04,
		AccelNoise:      2.0000e-3,
		GyroRandomWalk:  1.9393e-05,
		AccelRandomWalk: 3.0000e-3,
	}
}

// DefaultViconNoise returns millimeter level motion capture noise.
func DefaultViconNoise() ViconNoise {
	return ViconNoise{
		SigmaRot: 1e-3,
		SigmaPos: 1e-3,
		MaxGap:   0.1,
	}
}
