package vicon2gt

import (
	"context"

	"github.com/pkg/errors"

	vicongraph "github.com/mfkiwl/vicon2gt/vicon_graph"
)

// Solve runs the batch estimator over the loaded data and logs a summary.
// A pipeline can be solved once.
func Solve(ctx context.Context, p *Pipeline) error {
	if p.solver != nil {
		return vicongraph.ErrAlreadySolved
	}
	p.solver = vicongraph.NewGraphSolver(p.cfg, p.prop, p.interp, p.timestamps, NewLogObserver(p.logger))
	if err := p.solver.Run(ctx); err != nil {
		return errors.Wrap(err, "graph solve")
	}
	logSummary(p.logger, p.solver, p.cfg.GravityInV.Norm())
	return nil
}
