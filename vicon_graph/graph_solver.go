package vicongraph

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// RoundStats summarizes one build and solve round.
type RoundStats struct {
	Round        int
	States       int
	Factors      int
	Iterations   int
	InitialError float64
	FinalError   float64
	BuildTime    time.Duration
	SolveTime    time.Duration
}

// GraphSolver estimates the calibration and navigation states from camera timestamps,
// preintegrated IMU data and interpolated vicon poses. It is single use.
type GraphSolver struct {
	cfg    *Config
	prop   Propagator
	interp Interpolator
	obs    Observer

	timestamps []float64
	index      map[float64]int
	values     *Values
	rounds     []RoundStats
	solved     bool
}

// NewGraphSolver returns a solver over the given camera timestamps (seconds, IMU clock).
// A nil cfg uses DefaultConfig and a nil obs discards events.
func NewGraphSolver(cfg *Config, prop Propagator, interp Interpolator, timestamps []float64, obs Observer) *GraphSolver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &GraphSolver{
		cfg:        cfg,
		prop:       prop,
		interp:     interp,
		obs:        obs,
		timestamps: slices.Clone(timestamps),
		values:     NewValues(),
	}
}

// Run performs NumLoopRelin+1 build and solve rounds. When ctx is cancelled during a
// build the partial graph is still solved and adopted before ctx's error is returned.
func (s *GraphSolver) Run(ctx context.Context) error {
	if s.solved {
		return ErrAlreadySolved
	}
	if len(s.timestamps) == 0 {
		return ErrNoTimestamps
	}
	slices.Sort(s.timestamps)
	s.timestamps = slices.Compact(s.timestamps)

	bounded := make([]float64, 0, len(s.timestamps))
	for _, t := range s.timestamps {
		if s.prop.HasBoundingIMU(t) {
			bounded = append(bounded, t)
			continue
		}
		s.obs.Observe(Event{Kind: EventPruned, Timestamp: t, Reason: PruneNoBoundingIMU})
	}
	if len(bounded) == 0 {
		s.timestamps = nil
		return ErrNoBoundedTimestamps
	}
	s.timestamps = bounded
	s.solved = true

	s.index = make(map[float64]int, len(bounded))
	for i, t := range bounded {
		s.index[t] = i
	}

	for i := 0; i <= s.cfg.NumLoopRelin; i++ {
		buildStart := time.Now()
		g, buildErr := s.buildProblem(ctx, i == 0)
		// Only a cancellation that still produced a graph is solved.
		if buildErr != nil && (ctx.Err() == nil || g == nil) {
			return buildErr
		}
		buildTime := time.Since(buildStart)
		if len(s.values.States) == 0 {
			if buildErr != nil {
				return errors.Wrapf(buildErr, "build interrupted in round %d", i)
			}
			return ErrNoStates
		}

		res, err := Optimize(g, s.values, s.cfg.Solver)
		if err != nil {
			return errors.Wrapf(err, "round %d", i)
		}
		s.values = res.Values

		stats := RoundStats{
			Round:        i,
			States:       len(s.values.States),
			Factors:      g.Len(),
			Iterations:   res.Iterations,
			InitialError: res.InitialError,
			FinalError:   res.FinalError,
			BuildTime:    buildTime,
			SolveTime:    res.Elapsed,
		}
		s.rounds = append(s.rounds, stats)
		s.obs.Observe(Event{
			Kind:         EventRound,
			Round:        i,
			Value:        s.values.Calib.TimeOffset,
			States:       stats.States,
			Factors:      stats.Factors,
			Iterations:   stats.Iterations,
			InitialError: stats.InitialError,
			FinalError:   stats.FinalError,
			BuildTime:    stats.BuildTime,
			SolveTime:    stats.SolveTime,
		})
		if buildErr != nil {
			return errors.Wrapf(buildErr, "build interrupted in round %d", i)
		}
	}
	return nil
}

// buildProblem creates the factor graph for one round. Timestamps that cannot be
// interpolated are removed from the timestamp set together with their states.
func (s *GraphSolver) buildProblem(ctx context.Context, initialize bool) (*Graph, error) {
	cfg := s.cfg
	round := len(s.rounds)
	if initialize {
		s.values.Calib = Calibration{
			RotBtoI:    normalize(cfg.RotBtoI),
			PosBinI:    cfg.PosBinI,
			Gravity:    cfg.GravityInV,
			TimeOffset: cfg.TimeOffset,
		}
		s.values.HasTimeOffset = cfg.EstimateTimeOffset
	}

	g := NewGraph()
	if cfg.EstimateTimeOffset {
		g.Add(NewTimeOffsetPrior(s.values.Calib.TimeOffset, timeOffsetSigma))
		s.obs.Observe(Event{Kind: EventTimeOffset, Round: round, Value: s.values.Calib.TimeOffset})
	}
	if cfg.EnforceGravityMagnitude {
		g.Add(NewGravityMagnitudePrior(cfg.GravityInV.Norm(), gravityMagnitudeSigma))
	} else {
		s.obs.Observe(Event{Kind: EventGravityMagnitude, Round: round, Value: s.values.Calib.Gravity.Norm()})
	}

	// Pass 1: keep the timestamps with a usable vicon pose.
	type sample struct {
		t    float64
		pose spatialmath.Pose
		cov  *mat.SymDense
	}
	kept := make([]sample, 0, len(s.timestamps))
	var ctxErr error
	for i, t := range s.timestamps {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			for _, skipped := range s.timestamps[i:] {
				s.prune(skipped, PruneCancelled, round)
			}
			break
		}
		corrected := t + s.values.Calib.TimeOffset
		if _, _, ok := s.interp.PoseAt(corrected - cfg.InterpolationWindow); !ok {
			s.prune(t, PruneInterpolationBefore, round)
			continue
		}
		if _, _, ok := s.interp.PoseAt(corrected + cfg.InterpolationWindow); !ok {
			s.prune(t, PruneInterpolationAfter, round)
			continue
		}
		pose, cov, ok := s.interp.PoseAt(corrected)
		if !ok {
			s.prune(t, PruneInterpolation, round)
			continue
		}
		if err := CheckCovariance(cov); err != nil {
			s.prune(t, PruneBadCovariance, round)
			continue
		}
		kept = append(kept, sample{t: t, pose: pose, cov: cov})
	}

	// Pass 2: build from the survivors.
	survivors := make([]float64, len(kept))
	for i, smp := range kept {
		survivors[i] = smp.t
		idx := s.index[smp.t]
		if initialize {
			s.values.States[idx] = initialState(s.values.Calib, smp.pose)
		}
		var (
			f   Factor
			err error
		)
		if cfg.EstimateTimeOffset {
			f, err = NewPoseTimeOffsetFactor(idx, smp.t, s.interp, smp.pose, smp.cov)
		} else {
			f, err = NewPoseFactor(idx, smp.pose, smp.cov)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "pose factor at %.9f", smp.t)
		}
		g.Add(f)

		if i == 0 {
			continue
		}
		t0, t1 := kept[i-1].t, smp.t
		prev := s.values.States[s.index[t0]]
		pm, err := s.prop.Propagate(t0, t1, prev.GyroBias, prev.AccelBias)
		if err != nil {
			return nil, errors.Wrapf(err, "propagating %.9f to %.9f", t0, t1)
		}
		if pm.DT != t1-t0 {
			return nil, errors.Wrapf(ErrDurationMismatch, "dt %.9f for interval %.9f to %.9f", pm.DT, t0, t1)
		}
		imu, err := NewImuFactor(s.index[t0], idx, pm)
		if err != nil {
			s.obs.Observe(Event{Kind: EventImuCovarianceInvalid, Timestamp: t1, Round: round, Err: err})
			return nil, errors.Wrapf(err, "interval %.9f to %.9f", t0, t1)
		}
		g.Add(imu)
	}
	s.timestamps = survivors
	return g, ctxErr
}

func (s *GraphSolver) prune(t float64, reason PruneReason, round int) {
	if idx, ok := s.index[t]; ok {
		delete(s.values.States, idx)
	}
	s.obs.Observe(Event{Kind: EventPruned, Timestamp: t, Reason: reason, Round: round})
}

// initialState places the IMU using the vicon pose and the current extrinsics, with zero
// velocity and biases.
func initialState(c Calibration, pose spatialmath.Pose) NavState {
	meas := measurementFromPose(pose)
	return NavState{
		Orientation: normalize(quat.Mul(c.RotBtoI, meas.rotVtoB)),
		Position:    meas.posBinV.Sub(rotate(quat.Conj(meas.rotVtoB), rotate(quat.Conj(c.RotBtoI), c.PosBinI))),
	}
}

// Timestamps returns the surviving camera timestamps in ascending order.
func (s *GraphSolver) Timestamps() []float64 {
	return slices.Clone(s.timestamps)
}

// StateIndex returns the state index assigned to a surviving timestamp.
func (s *GraphSolver) StateIndex(t float64) (int, bool) {
	idx, ok := s.index[t]
	if !ok {
		return 0, false
	}
	_, ok = s.values.States[idx]
	return idx, ok
}

// States returns the estimated navigation states aligned with Timestamps.
func (s *GraphSolver) States() []NavState {
	out := make([]NavState, 0, len(s.timestamps))
	for _, t := range s.timestamps {
		if st, ok := s.values.States[s.index[t]]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Calibration returns the current calibration estimate.
func (s *GraphSolver) Calibration() Calibration {
	return s.values.Calib
}

// EstimatesTimeOffset reports whether the time offset is a solved variable.
func (s *GraphSolver) EstimatesTimeOffset() bool {
	return s.cfg.EstimateTimeOffset
}

// Rounds returns per-round statistics.
func (s *GraphSolver) Rounds() []RoundStats {
	return slices.Clone(s.rounds)
}

// Values returns a copy of the current estimate.
func (s *GraphSolver) Values() *Values {
	return s.values.Clone()
}
