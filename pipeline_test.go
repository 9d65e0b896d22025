package vicon2gt

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/logging"

	"github.com/mfkiwl/vicon2gt/internal/params"
	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// rig is the ground truth of a simulated recording.
type rig struct {
	rotBtoI quat.Number
	posBinI r3.Vector
	gravity r3.Vector
}

var (
	axisA = r3.Vector{X: 1}
	axisB = r3.Vector{X: 0.3, Z: 1}.Normalize()
)

// truthPose returns q_VtoI and p_IinV of a trajectory rotating about two axes:
// R_VtoI = Exp(a*alpha) Exp(b*beta).
func truthPose(t float64) (quat.Number, r3.Vector) {
	alpha := 0.4 * math.Sin(0.6*t)
	beta := 0.6 * math.Sin(0.8*t)
	q := quat.Mul(vicongraph.ExpSO3(axisA.Mul(alpha)), vicongraph.ExpSO3(axisB.Mul(beta)))
	p := r3.Vector{
		X: 1 + 0.5*math.Sin(0.7*t),
		Y: 1 + 0.4*math.Cos(0.5*t),
		Z: 1 + 0.2*math.Sin(0.9*t),
	}
	return vicongraph.Normalize(q), p
}

// truthIMU returns the gyro and accelerometer readings of the trajectory.
func truthIMU(t float64, g r3.Vector) (r3.Vector, r3.Vector) {
	alpha := 0.4 * math.Sin(0.6*t)
	dAlpha := 0.24 * math.Cos(0.6*t)
	dBeta := 0.48 * math.Cos(0.8*t)
	qA := vicongraph.ExpSO3(axisA.Mul(alpha))
	gyro := axisA.Mul(-dAlpha).Sub(vicongraph.Rotate(qA, axisB).Mul(dBeta))

	acc := r3.Vector{
		X: -0.5 * 0.49 * math.Sin(0.7*t),
		Y: -0.4 * 0.25 * math.Cos(0.5*t),
		Z: -0.2 * 0.81 * math.Sin(0.9*t),
	}
	q, _ := truthPose(t)
	return gyro, vicongraph.Rotate(q, acc.Add(g))
}

// writeDataset writes IMU (400 Hz), vicon (100 Hz) and camera (10 Hz) files plus a
// configuration into dir and returns the configuration path.
func writeDataset(t *testing.T, dir string, truth rig, extraConfig string) string {
	t.Helper()
	const (
		duration = 12.0
		imuRate  = 400
		mocapHz  = 100
	)

	write := func(name string, fn func(w *bufio.Writer)) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		w := bufio.NewWriter(f)
		fn(w)
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}

	write("imu.csv", func(w *bufio.Writer) {
		fmt.Fprintln(w, "#timestamp [ns],w_x,w_y,w_z,a_x,a_y,a_z")
		for i := 0; i <= duration*imuRate; i++ {
			ns := int64(i) * 1e9 / imuRate
			gyro, acc := truthIMU(float64(ns)/1e9, truth.gravity)
			fmt.Fprintf(w, "%d,%.15f,%.15f,%.15f,%.15f,%.15f,%.15f\n",
				ns, gyro.X, gyro.Y, gyro.Z, acc.X, acc.Y, acc.Z)
		}
	})

	write("vicon.csv", func(w *bufio.Writer) {
		fmt.Fprintln(w, "#timestamp [ns],p_x,p_y,p_z,q_w,q_x,q_y,q_z")
		for i := 0; i <= duration*mocapHz; i++ {
			ns := int64(i) * 1e9 / mocapHz
			qVtoI, pIinV := truthPose(float64(ns) / 1e9)
			qVtoB := quat.Mul(quat.Conj(truth.rotBtoI), qVtoI)
			pBinV := pIinV.Add(vicongraph.Rotate(quat.Conj(qVtoI), truth.posBinI))
			qBtoV := quat.Conj(qVtoB)
			fmt.Fprintf(w, "%d,%.15f,%.15f,%.15f,%.15f,%.15f,%.15f,%.15f\n",
				ns, pBinV.X, pBinV.Y, pBinV.Z, qBtoV.Real, qBtoV.Imag, qBtoV.Jmag, qBtoV.Kmag)
		}
	})

	write("cam.csv", func(w *bufio.Writer) {
		fmt.Fprintln(w, "#timestamp [ns],filename")
		// Too early for the vicon window.
		fmt.Fprintln(w, "500000000,early.png")
		for i := 0; i <= 90; i++ {
			ns := int64(1005000000) + int64(i)*100000000
			fmt.Fprintf(w, "%d,%d.png\n", ns, ns)
		}
		// After the last IMU reading.
		fmt.Fprintln(w, "12500000000,late.png")
	})

	cfg := `imu_csv: imu.csv
vicon_csv: vicon.csv
camera_csv: cam.csv
state_csv: out/states.csv
info_txt: out/info.txt
` + extraConfig
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func defaultRig() rig {
	return rig{
		rotBtoI: vicongraph.ExpSO3(r3.Vector{X: 0.05, Y: -0.04, Z: 0.03}),
		posBinI: r3.Vector{X: 0.05, Y: -0.03, Z: 0.1},
		gravity: r3.Vector{Z: 9.81},
	}
}

func newTestPipeline(t *testing.T, truth rig, extraConfig string) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	file, err := params.Load(writeDataset(t, dir, truth, extraConfig))
	if err != nil {
		t.Fatalf("params.Load: %v", err)
	}
	p, err := NewPipeline(file, logging.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, dir
}

func TestInspect(t *testing.T) {
	p, _ := newTestPipeline(t, defaultRig(), "")
	if err := Inspect(context.Background(), p); err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	c := p.Coverage()
	if c == nil {
		t.Fatal("no coverage recorded")
	}
	if c.Timestamps != 93 || c.Bounded != 92 || c.Interpolable != 91 {
		t.Errorf("coverage = %+v, want 93/92/91", *c)
	}
	if c.IMUStart != 0 || c.IMUEnd != 12 || c.ViconEnd != 12 {
		t.Errorf("spans = %+v", *c)
	}
}

func TestRun_RecoversCalibration(t *testing.T) {
	truth := defaultRig()
	p, dir := newTestPipeline(t, truth, "")

	if err := Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := p.Solver()
	if got := len(s.Timestamps()); got != 91 {
		t.Errorf("surviving timestamps = %d, want 91", got)
	}
	c := s.Calibration()
	rotErr := vicongraph.LogSO3(quat.Mul(quat.Conj(truth.rotBtoI), c.RotBtoI)).Norm()
	t.Logf("R_BtoI error %.3g rad, p_BinI error %.3g m, |g| %.6f", rotErr,
		c.PosBinI.Sub(truth.posBinI).Norm(), c.Gravity.Norm())
	if rotErr > 5e-3 {
		t.Errorf("R_BtoI off by %g rad", rotErr)
	}
	if d := c.PosBinI.Sub(truth.posBinI).Norm(); d > 1e-2 {
		t.Errorf("p_BinI off by %g m", d)
	}
	if d := math.Abs(c.Gravity.Norm() - 9.81); d > 1e-2 {
		t.Errorf("gravity norm %g", c.Gravity.Norm())
	}

	// The state table has one row per surviving timestamp.
	f, err := os.Open(filepath.Join(dir, "out", "states.csv"))
	if err != nil {
		t.Fatalf("state table: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var rows []string
	for sc.Scan() {
		rows = append(rows, sc.Text())
	}
	if len(rows) != 92 {
		t.Fatalf("state table has %d lines, want 92", len(rows))
	}
	if rows[0] != StateHeader {
		t.Errorf("header = %q", rows[0])
	}
	fields := strings.Split(rows[1], ",")
	ns, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		t.Fatalf("first timestamp: %v", err)
	}
	if ns < 1004999999 || ns > 1005000000 {
		t.Errorf("first timestamp = %d ns", ns)
	}
	px, _ := strconv.ParseFloat(fields[1], 64)
	_, pTrue := truthPose(1.005)
	if math.Abs(px-pTrue.X) > 1e-2 {
		t.Errorf("first px = %g, want %g", px, pTrue.X)
	}

	info, err := os.ReadFile(filepath.Join(dir, "out", "info.txt"))
	if err != nil {
		t.Fatalf("info report: %v", err)
	}
	var norm float64
	for _, line := range strings.Split(string(info), "\n") {
		if v, ok := strings.CutPrefix(line, "gravity norm: "); ok {
			norm, _ = strconv.ParseFloat(v, 64)
		}
	}
	if math.Abs(norm-9.81) > 1e-2 {
		t.Errorf("reported gravity norm %g:\n%s", norm, info)
	}
}

func TestRun_ConfiguredExtrinsicReport(t *testing.T) {
	truth := defaultRig()
	truth.rotBtoI = vicongraph.Normalize(quat.Mul(
		vicongraph.ExpSO3(r3.Vector{Z: math.Pi / 2}),
		vicongraph.ExpSO3(r3.Vector{X: 0.03, Y: -0.02, Z: 0.01})))
	// Body x maps onto IMU y.
	p, dir := newTestPipeline(t, truth, "R_BtoI: [0, -1, 0, 1, 0, 0, 0, 0, 1]\n")

	if err := Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c := p.Solver().Calibration()
	rotErr := vicongraph.LogSO3(quat.Mul(quat.Conj(truth.rotBtoI), c.RotBtoI)).Norm()
	if rotErr > 5e-3 {
		t.Errorf("R_BtoI off by %g rad", rotErr)
	}

	info, err := os.ReadFile(filepath.Join(dir, "out", "info.txt"))
	if err != nil {
		t.Fatalf("info report: %v", err)
	}
	lines := strings.Split(string(info), "\n")
	if len(lines) < 4 || lines[0] != "R_BtoI:" {
		t.Fatalf("unexpected report:\n%s", info)
	}
	for col, axis := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		want := vicongraph.Rotate(truth.rotBtoI, axis)
		for row, w := range []float64{want.X, want.Y, want.Z} {
			fields := strings.Fields(lines[row+1])
			if len(fields) != 3 {
				t.Fatalf("matrix row %d = %q", row, lines[row+1])
			}
			got, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				t.Fatalf("matrix row %d: %v", row, err)
			}
			if math.Abs(got-w) > 5e-3 {
				t.Errorf("R_BtoI[%d][%d] = %.6f, want %.6f", row, col, got, w)
			}
		}
	}
}

func TestSolve_OnlyOnce(t *testing.T) {
	p, _ := newTestPipeline(t, defaultRig(), "interp_window: 0.5\n")
	if err := Solve(context.Background(), p); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if err := Solve(context.Background(), p); err == nil {
		t.Fatal("second Solve should fail")
	}
}

func TestRun_Cancelled(t *testing.T) {
	p, _ := newTestPipeline(t, defaultRig(), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, p); err == nil {
		t.Fatal("expected an error from a cancelled run")
	}
	if p.Solver() != nil {
		t.Error("solver should not run after cancellation")
	}
}

func TestNewPipeline_MissingInputs(t *testing.T) {
	file := params.DefaultFile()
	if _, err := NewPipeline(&file, logging.NewTestLogger(t)); err == nil {
		t.Fatal("expected an error without input files")
	}
	file.IMUCSV = "/nonexistent/imu.csv"
	file.ViconCSV = "/nonexistent/vicon.csv"
	file.CameraCSV = "/nonexistent/cam.csv"
	if _, err := NewPipeline(&file, logging.NewTestLogger(t)); err == nil {
		t.Fatal("expected an error for missing files")
	}
}
