package sensorstream

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// NanosToSeconds converts an integer nanosecond timestamp to seconds.
func NanosToSeconds(ns int64) float64 {
	return float64(ns) / 1e9
}

// readTable parses a comma separated file, skipping '#' comment lines, and calls fn for
// every row with its numeric fields. The first field is an integer nanosecond timestamp.
func readTable(r io.Reader, minFields int, fn func(ns int64, vals []float64)) error {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading csv")
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < minFields {
			return errors.Wrapf(ErrMalformedRow, "line %d: %d fields, want %d", line, len(rec), minFields)
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			return errors.Wrapf(ErrMalformedRow, "line %d: timestamp %q", line, rec[0])
		}
		vals := make([]float64, minFields-1)
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return errors.Wrapf(ErrMalformedRow, "line %d: field %d %q", line, i+1, rec[i+1])
			}
			vals[i] = v
		}
		fn(ns, vals)
	}
}

// ReadIMU parses rows of "t_ns, wx, wy, wz, ax, ay, az".
func ReadIMU(r io.Reader) ([]IMUReading, error) {
	var out []IMUReading
	err := readTable(r, 7, func(ns int64, v []float64) {
		out = append(out, IMUReading{
			Time:  NanosToSeconds(ns),
			Gyro:  r3.Vector{X: v[0], Y: v[1], Z: v[2]},
			Accel: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
		})
	})
	return out, err
}

// LoadIMU reads an IMU csv file.
func LoadIMU(path string) ([]IMUReading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening imu csv")
	}
	defer f.Close()
	out, err := ReadIMU(f)
	return out, errors.Wrap(err, path)
}

// poseRow converts "px, py, pz, qw, qx, qy, qz" where q is the body orientation in the
// vicon frame (body to vicon).
func poseRow(ns int64, v []float64) PoseSample {
	qBtoV := quat.Number{Real: v[3], Imag: v[4], Jmag: v[5], Kmag: v[6]}
	return PoseSample{
		Time: NanosToSeconds(ns),
		Rot:  vicongraph.Normalize(quat.Conj(qBtoV)),
		Pos:  r3.Vector{X: v[0], Y: v[1], Z: v[2]},
	}
}

// ReadPoses parses rows of "t_ns, px, py, pz, qw, qx, qy, qz".
func ReadPoses(r io.Reader) ([]PoseSample, error) {
	var out []PoseSample
	err := readTable(r, 8, func(ns int64, v []float64) {
		out = append(out, poseRow(ns, v))
	})
	return out, err
}

// LoadPoses reads a motion capture csv file.
func LoadPoses(path string) ([]PoseSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vicon csv")
	}
	defer f.Close()
	out, err := ReadPoses(f)
	return out, errors.Wrap(err, path)
}

// ReadTimestamps parses the first column of each row as a nanosecond timestamp. Extra
// columns such as image file names are ignored.
func ReadTimestamps(r io.Reader) ([]float64, error) {
	var out []float64
	err := readTable(r, 1, func(ns int64, _ []float64) {
		out = append(out, NanosToSeconds(ns))
	})
	return out, err
}

// LoadTimestamps reads a camera csv file.
func LoadTimestamps(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening camera csv")
	}
	defer f.Close()
	out, err := ReadTimestamps(f)
	return out, errors.Wrap(err, path)
}
