package vicon2gt

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"go.viam.com/rdk/spatialmath"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// StateHeader is the first line of the state table.
const StateHeader = "#time(ns),px,py,pz,qw,qx,qy,qz,vx,vy,vz,bwx,bwy,bwz,bax,bay,baz"

// Export writes the state table and the info report of a solved pipeline.
func Export(_ context.Context, p *Pipeline) error {
	if p.solver == nil {
		return errors.New("nothing to export; run the solve step first")
	}
	if p.StateCSV != "" {
		ts, states := p.solver.Timestamps(), p.solver.States()
		err := saveFile(p.StateCSV, func(w io.Writer) error {
			return WriteStates(w, ts, states)
		})
		if err != nil {
			return err
		}
		p.logger.Infof("Saved %d states to %s", len(states), p.StateCSV)
	}
	if p.InfoTXT != "" {
		calib, withOffset := p.solver.Calibration(), p.solver.EstimatesTimeOffset()
		err := saveFile(p.InfoTXT, func(w io.Writer) error {
			return WriteInfo(w, calib, withOffset)
		})
		if err != nil {
			return err
		}
		p.logger.Infof("Saved calibration report to %s", p.InfoTXT)
	}
	return nil
}

// saveFile replaces path with the output of fn, creating parent directories.
func saveFile(path string, fn func(io.Writer) error) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing stale %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return errors.Wrap(err, path)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, path)
	}
	return f.Close()
}

// TimestampNanos converts seconds to the exported integer nanosecond timestamp.
func TimestampNanos(t float64) int64 {
	return int64(math.Floor(1e9 * t))
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', 9, 64)
}

// WriteStates writes one row per state. timestamps and states must be aligned.
// The quaternion is the vicon to IMU rotation, scalar first.
func WriteStates(w io.Writer, timestamps []float64, states []vicongraph.NavState) error {
	if len(timestamps) != len(states) {
		return errors.Errorf("%d timestamps for %d states", len(timestamps), len(states))
	}
	if _, err := fmt.Fprintln(w, StateHeader); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	row := make([]string, 17)
	for i, s := range states {
		q := s.Orientation
		row[0] = strconv.FormatInt(TimestampNanos(timestamps[i]), 10)
		vals := []float64{
			s.Position.X, s.Position.Y, s.Position.Z,
			q.Real, q.Imag, q.Jmag, q.Kmag,
			s.Velocity.X, s.Velocity.Y, s.Velocity.Z,
			s.GyroBias.X, s.GyroBias.Y, s.GyroBias.Z,
			s.AccelBias.X, s.AccelBias.Y, s.AccelBias.Z,
		}
		for j, v := range vals {
			row[j+1] = ftoa(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteInfo writes the human readable calibration report. The time offset is reported
// as 0 when it was not estimated.
func WriteInfo(w io.Writer, c vicongraph.Calibration, estimatedOffset bool) error {
	q := vicongraph.Normalize(c.RotBtoI)
	// At(r, c) of an rdk rotation matrix is entry (c, r) of R.
	rm := spatialmath.QuatToRotationMatrix(q)
	toff := 0.0
	if estimatedOffset {
		toff = c.TimeOffset
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "R_BtoI:")
	for r := 0; r < 3; r++ {
		fmt.Fprintf(bw, "%s %s %s\n", ftoa(rm.At(0, r)), ftoa(rm.At(1, r)), ftoa(rm.At(2, r)))
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "q_BtoI (w, x, y, z):")
	fmt.Fprintf(bw, "%s\n%s\n%s\n%s\n", ftoa(q.Real), ftoa(q.Imag), ftoa(q.Jmag), ftoa(q.Kmag))
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "p_BinI:")
	fmt.Fprintf(bw, "%s\n%s\n%s\n", ftoa(c.PosBinI.X), ftoa(c.PosBinI.Y), ftoa(c.PosBinI.Z))
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "gravity:")
	fmt.Fprintf(bw, "%s\n%s\n%s\n", ftoa(c.Gravity.X), ftoa(c.Gravity.Y), ftoa(c.Gravity.Z))
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "gravity norm: %s\n", ftoa(c.Gravity.Norm()))
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "t_off_vicon_to_imu: %s\n", ftoa(toff))
	return bw.Flush()
}
