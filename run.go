package vicon2gt

import (
	"context"
	"fmt"
)

// Run executes the whole pipeline: inspect → solve → export.
func Run(ctx context.Context, p *Pipeline) error {
	p.logger.Info("Starting vicon2gt")

	steps := []struct {
		name string
		fn   func(context.Context, *Pipeline) error
	}{
		{"Inspect", Inspect},
		{"Solve", Solve},
		{"Export", Export},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.logger.Infof("=== %s ===", step.name)
		if err := step.fn(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	p.logger.Info("Done")
	return nil
}
