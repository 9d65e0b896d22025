package sensorstream

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// constantReadings generates readings at rate Hz over [0, duration] with fixed values.
func constantReadings(rate, duration float64, gyro, accel r3.Vector) []IMUReading {
	n := int(math.Round(duration*rate)) + 1
	out := make([]IMUReading, n)
	for i := range out {
		out[i] = IMUReading{Time: float64(i) / rate, Gyro: gyro, Accel: accel}
	}
	return out
}

func checkIdentity(t *testing.T, name string, m *mat.Dense, scale, tol float64) {
	t.Helper()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = scale
			}
			if math.Abs(m.At(i, j)-want) > tol {
				t.Errorf("%s[%d][%d] = %.9f, want %.9f", name, i, j, m.At(i, j), want)
			}
		}
	}
}

func TestPropagate_ConstantAcceleration(t *testing.T) {
	accel := r3.Vector{X: 0.1, Y: -0.2, Z: 9.8}
	p, err := NewPropagator(constantReadings(200, 2, r3.Vector{}, accel), DefaultIMUNoise())
	if err != nil {
		t.Fatalf("NewPropagator: %v", err)
	}

	t0, t1 := 0.5031, 1.2077
	pm, err := p.Propagate(t0, t1, r3.Vector{}, r3.Vector{})
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if pm.DT != t1-t0 {
		t.Errorf("DT = %.17g, want exactly %.17g", pm.DT, t1-t0)
	}
	dt := t1 - t0
	if d := pm.Beta.Sub(accel.Mul(dt)).Norm(); d > 1e-10 {
		t.Errorf("beta off by %g", d)
	}
	if d := pm.Alpha.Sub(accel.Mul(0.5 * dt * dt)).Norm(); d > 1e-10 {
		t.Errorf("alpha off by %g", d)
	}
	if a := vicongraph.LogSO3(pm.DeltaRot).Norm(); a > 1e-12 {
		t.Errorf("rotation %g rad, want none", a)
	}

	checkIdentity(t, "JRotGyro", pm.JRotGyro, -dt, 1e-6)
	checkIdentity(t, "JBetaAccel", pm.JBetaAccel, -dt, 1e-6)
	checkIdentity(t, "JAlphaAccel", pm.JAlphaAccel, -0.5*dt*dt, 1e-6)
}

func TestPropagate_ConstantRotation(t *testing.T) {
	gyro := r3.Vector{X: 0.1, Y: 0.2, Z: 0.5}
	p, _ := NewPropagator(constantReadings(100, 3, gyro, r3.Vector{}), DefaultIMUNoise())

	pm, err := p.Propagate(1, 2.5, r3.Vector{}, r3.Vector{})
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	want := vicongraph.ExpSO3(gyro.Mul(1.5))
	if a := vicongraph.LogSO3(quat.Mul(quat.Conj(want), pm.DeltaRot)).Norm(); a > 1e-9 {
		t.Errorf("delta rotation off by %g rad", a)
	}

	// A gyro bias equal to the rate cancels the rotation.
	pm, _ = p.Propagate(1, 2.5, gyro, r3.Vector{})
	if a := vicongraph.LogSO3(pm.DeltaRot).Norm(); a > 1e-12 {
		t.Errorf("bias corrected rotation %g rad, want none", a)
	}
}

func TestPropagate_BiasJacobiansPredictChange(t *testing.T) {
	var readings []IMUReading
	for i := 0; i <= 400; i++ {
		ts := float64(i) / 200
		readings = append(readings, IMUReading{
			Time:  ts,
			Gyro:  r3.Vector{X: 0.3 * math.Sin(ts), Y: 0.2, Z: -0.4 * math.Cos(2*ts)},
			Accel: r3.Vector{X: math.Cos(ts), Y: 0.5, Z: 9.8 + 0.3*math.Sin(3*ts)},
		})
	}
	p, _ := NewPropagator(readings, DefaultIMUNoise())

	bg := r3.Vector{X: 0.01, Y: -0.02, Z: 0.005}
	ba := r3.Vector{X: -0.05, Y: 0.02, Z: 0.1}
	pm, err := p.Propagate(0.2, 1.4, bg, ba)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	dbg := r3.Vector{X: 1e-4, Y: -2e-4, Z: 1e-4}
	dba := r3.Vector{X: 2e-4, Y: 1e-4, Z: -1e-4}
	moved, _ := p.Propagate(0.2, 1.4, bg.Add(dbg), ba.Add(dba))

	mul := func(m *mat.Dense, v r3.Vector) r3.Vector {
		var out mat.VecDense
		out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
		return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
	}

	predBeta := pm.Beta.Add(mul(pm.JBetaGyro, dbg)).Add(mul(pm.JBetaAccel, dba))
	if d := predBeta.Sub(moved.Beta).Norm(); d > 1e-5 {
		t.Errorf("first order beta prediction off by %g", d)
	}
	predAlpha := pm.Alpha.Add(mul(pm.JAlphaGyro, dbg)).Add(mul(pm.JAlphaAccel, dba))
	if d := predAlpha.Sub(moved.Alpha).Norm(); d > 1e-5 {
		t.Errorf("first order alpha prediction off by %g", d)
	}
	predRot := quat.Mul(pm.DeltaRot, vicongraph.ExpSO3(mul(pm.JRotGyro, dbg)))
	if a := vicongraph.LogSO3(quat.Mul(quat.Conj(predRot), moved.DeltaRot)).Norm(); a > 1e-6 {
		t.Errorf("first order rotation prediction off by %g rad", a)
	}
}

func TestPropagate_Covariance(t *testing.T) {
	noise := DefaultIMUNoise()
	p, _ := NewPropagator(constantReadings(200, 2, r3.Vector{}, r3.Vector{Z: 9.8}), noise)
	pm, err := p.Propagate(0.3, 1.0, r3.Vector{}, r3.Vector{})
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if err := vicongraph.CheckCovariance(pm.Covariance); err != nil {
		t.Fatalf("covariance not invertible: %v", err)
	}
	dt := 0.7
	want := noise.GyroNoise * noise.GyroNoise * dt
	if got := pm.Covariance.At(0, 0); math.Abs(got-want) > 0.01*want {
		t.Errorf("theta variance = %g, want about %g", got, want)
	}
	wantBg := noise.GyroRandomWalk * noise.GyroRandomWalk * dt
	if got := pm.Covariance.At(3, 3); math.Abs(got-wantBg) > 1e-9*wantBg+1e-20 {
		t.Errorf("gyro bias variance = %g, want %g", got, wantBg)
	}
}

func TestPropagate_Errors(t *testing.T) {
	if _, err := NewPropagator([]IMUReading{{Time: 1}}, DefaultIMUNoise()); !errors.Is(err, ErrTooFewReadings) {
		t.Errorf("single reading: got %v", err)
	}
	p, _ := NewPropagator(constantReadings(100, 1, r3.Vector{}, r3.Vector{}), DefaultIMUNoise())
	if _, err := p.Propagate(0.5, 1.5, r3.Vector{}, r3.Vector{}); !errors.Is(err, ErrNotBounded) {
		t.Errorf("unbounded end: got %v", err)
	}
	if _, err := p.Propagate(0.5, 0.5, r3.Vector{}, r3.Vector{}); !errors.Is(err, ErrBadInterval) {
		t.Errorf("empty interval: got %v", err)
	}
	if !p.HasBoundingIMU(0) || !p.HasBoundingIMU(1) || p.HasBoundingIMU(-0.001) || p.HasBoundingIMU(1.001) {
		t.Error("HasBoundingIMU does not match the data span")
	}
}

func TestNewPropagator_SortsReadings(t *testing.T) {
	readings := constantReadings(10, 1, r3.Vector{}, r3.Vector{X: 1})
	readings[0], readings[5] = readings[5], readings[0]
	p, _ := NewPropagator(readings, DefaultIMUNoise())
	first, last := p.Span()
	if first != 0 || last != 1 {
		t.Errorf("span = [%g, %g], want [0, 1]", first, last)
	}
}
