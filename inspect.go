package vicon2gt

import (
	"context"

	"golang.org/x/exp/slices"
)

// Coverage describes how much of the camera stream the loaded data can support.
type Coverage struct {
	Timestamps   int // Distinct camera timestamps
	Bounded      int // Timestamps with IMU readings on both sides
	Interpolable int // Bounded timestamps whose vicon window is available

	IMUStart, IMUEnd     float64
	ViconStart, ViconEnd float64
}

// Inspect checks the camera timestamps against the IMU and vicon data using the
// initial time offset, without building a graph.
func Inspect(ctx context.Context, p *Pipeline) error {
	c := Coverage{}
	c.IMUStart, c.IMUEnd = p.prop.Span()
	c.ViconStart, c.ViconEnd = p.interp.Span()

	ts := slices.Clone(p.timestamps)
	slices.Sort(ts)
	ts = slices.Compact(ts)
	c.Timestamps = len(ts)

	w := p.cfg.InterpolationWindow
	for _, t := range ts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.prop.HasBoundingIMU(t) {
			continue
		}
		c.Bounded++
		tv := t + p.cfg.TimeOffset
		if p.interpolable(tv-w) && p.interpolable(tv+w) && p.interpolable(tv) {
			c.Interpolable++
		}
	}
	p.coverage = &c

	p.logger.Infof("IMU data:   %.3f to %.3f s", c.IMUStart, c.IMUEnd)
	p.logger.Infof("Vicon data: %.3f to %.3f s", c.ViconStart, c.ViconEnd)
	p.logger.Infof("Camera timestamps: %d total, %d bounded by IMU, %d interpolable",
		c.Timestamps, c.Bounded, c.Interpolable)
	if c.Interpolable == 0 {
		p.logger.Warn("No camera timestamp can be used; check the time offset and data overlap")
	}
	return nil
}

func (p *Pipeline) interpolable(t float64) bool {
	_, _, ok := p.interp.PoseAt(t)
	return ok
}
