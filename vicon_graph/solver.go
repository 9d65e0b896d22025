package vicongraph

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// SolveResult is the outcome of one optimization.
type SolveResult struct {
	Values       *Values
	Iterations   int
	InitialError float64
	FinalError   float64
	Elapsed      time.Duration
}

// calibOrder is the elimination order of the calibration block.
var calibOrder = []Key{RotBtoIKey, PosBinIKey, GravityKey, TimeOffsetKey}

// ordering maps every optimized variable to its position in the tangent vector. States
// come first and form a banded block; calibration variables form a small dense border.
type ordering struct {
	offsets map[Key]int
	keys    []Key
	n       int // state block size
	m       int // calibration block size
	k       int // state block bandwidth
}

func newOrdering(g *Graph) *ordering {
	var states []int
	calib := make(map[Key]bool)
	for _, key := range g.Keys() {
		if key.Kind == KindState {
			states = append(states, key.Index)
		} else {
			calib[key] = true
		}
	}
	slices.Sort(states)

	o := &ordering{offsets: make(map[Key]int)}
	pos := make(map[int]int, len(states))
	for i, s := range states {
		key := StateKey(s)
		pos[s] = i
		o.offsets[key] = o.n
		o.keys = append(o.keys, key)
		o.n += NavStateDim
	}
	for _, key := range calibOrder {
		if calib[key] {
			o.offsets[key] = o.n + o.m
			o.keys = append(o.keys, key)
			o.m += key.Dim()
		}
	}

	span := 0
	for _, f := range g.Factors() {
		lo, hi := -1, -1
		for _, key := range f.Keys() {
			if key.Kind != KindState {
				continue
			}
			p := pos[key.Index]
			if lo < 0 || p < lo {
				lo = p
			}
			if p > hi {
				hi = p
			}
		}
		if lo >= 0 && hi-lo > span {
			span = hi - lo
		}
	}
	o.k = NavStateDim*(span+1) - 1
	return o
}

// normalEquations holds J^T J and J^T r split into the banded state block A, the
// border B, the dense calibration block C and the gradient.
type normalEquations struct {
	o    *ordering
	band []float64 // row-major upper band storage of A
	b    *mat.Dense
	c    *mat.Dense
	grad []float64
	cost float64
}

func (ne *normalEquations) add(gi, gj int, v float64) {
	o := ne.o
	switch {
	case gi < o.n && gj < o.n:
		if gi <= gj {
			ne.band[gi*(o.k+1)+gj-gi] += v
		}
	case gi < o.n:
		ne.b.Set(gi, gj-o.n, ne.b.At(gi, gj-o.n)+v)
	case gj >= o.n:
		ne.c.Set(gi-o.n, gj-o.n, ne.c.At(gi-o.n, gj-o.n)+v)
	}
}

// linearize evaluates every factor at v and accumulates the Gauss-Newton system using
// central-difference Jacobians on each factor's tangent space.
func linearize(g *Graph, v Variables, o *ordering) *normalEquations {
	ne := &normalEquations{o: o, grad: make([]float64, o.n+o.m)}
	if o.n > 0 {
		ne.band = make([]float64, o.n*(o.k+1))
	}
	if o.m > 0 {
		ne.c = mat.NewDense(o.m, o.m, nil)
		if o.n > 0 {
			ne.b = mat.NewDense(o.n, o.m, nil)
		}
	}
	settings := &fd.JacobianSettings{Formula: fd.Central}

	for _, f := range g.Factors() {
		keys := f.Keys()
		p := newPerturbed(v, keys)
		dim := 0
		var cols []int
		for _, key := range keys {
			off := o.offsets[key]
			for d := 0; d < key.Dim(); d++ {
				cols = append(cols, off+d)
			}
			dim += key.Dim()
		}

		r0 := f.Residual(v)
		var jac *mat.Dense
		if jf, ok := f.(JacobianFactor); ok {
			jac = jf.Jacobian(v)
		} else {
			jac = mat.NewDense(f.Dim(), dim, nil)
			fd.Jacobian(jac, func(y, x []float64) {
				p.deltas = x
				copy(y, f.Residual(p))
			}, make([]float64, dim), settings)
		}

		for _, ri := range r0 {
			ne.cost += 0.5 * ri * ri
		}
		for a := 0; a < dim; a++ {
			var ga float64
			for r := range r0 {
				ga += jac.At(r, a) * r0[r]
			}
			ne.grad[cols[a]] += ga
			for b := 0; b < dim; b++ {
				var h float64
				for r := range r0 {
					h += jac.At(r, a) * jac.At(r, b)
				}
				ne.add(cols[a], cols[b], h)
			}
		}
	}
	return ne
}

// solveDamped solves (H + lambda I) delta = -grad by eliminating the state block first.
// ok is false when a factorization fails or the step is not finite.
func (ne *normalEquations) solveDamped(lambda float64) ([]float64, bool) {
	o := ne.o
	delta := make([]float64, o.n+o.m)

	var chol mat.BandCholesky
	var y mat.Dense
	var z mat.VecDense
	if o.n > 0 {
		data := make([]float64, len(ne.band))
		copy(data, ne.band)
		for i := 0; i < o.n; i++ {
			data[i*(o.k+1)] += lambda
		}
		if ok := chol.Factorize(mat.NewSymBandDense(o.n, o.k, data)); !ok {
			return nil, false
		}
		if err := acceptCondition(chol.SolveVecTo(&z, mat.NewVecDense(o.n, ne.grad[:o.n]))); err != nil {
			return nil, false
		}
		if o.m > 0 {
			if err := acceptCondition(chol.SolveTo(&y, ne.b)); err != nil {
				return nil, false
			}
		}
	}

	var dc *mat.VecDense
	if o.m > 0 {
		s := mat.NewSymDense(o.m, nil)
		var bty mat.Dense
		if o.n > 0 {
			bty.Mul(ne.b.T(), &y)
		}
		for i := 0; i < o.m; i++ {
			for j := i; j < o.m; j++ {
				v := 0.5 * (ne.c.At(i, j) + ne.c.At(j, i))
				if o.n > 0 {
					v -= 0.5 * (bty.At(i, j) + bty.At(j, i))
				}
				if i == j {
					v += lambda
				}
				s.SetSym(i, j, v)
			}
		}
		rhs := mat.NewVecDense(o.m, nil)
		for i := 0; i < o.m; i++ {
			rhs.SetVec(i, -ne.grad[o.n+i])
		}
		if o.n > 0 {
			var btz mat.VecDense
			btz.MulVec(ne.b.T(), &z)
			rhs.AddVec(rhs, &btz)
		}
		// Stiff priors put huge entries on the calibration diagonal; factorize the
		// Jacobi-scaled system so they do not swamp the remaining curvature.
		scale := make([]float64, o.m)
		for i := range scale {
			d := s.At(i, i)
			if !(d > 0) {
				return nil, false
			}
			scale[i] = 1 / math.Sqrt(d)
		}
		for i := 0; i < o.m; i++ {
			for j := i; j < o.m; j++ {
				s.SetSym(i, j, s.At(i, j)*scale[i]*scale[j])
			}
			rhs.SetVec(i, rhs.AtVec(i)*scale[i])
		}
		var schur mat.Cholesky
		if ok := schur.Factorize(s); !ok {
			return nil, false
		}
		dc = mat.NewVecDense(o.m, nil)
		if err := acceptCondition(schur.SolveVecTo(dc, rhs)); err != nil {
			return nil, false
		}
		for i := 0; i < o.m; i++ {
			dc.SetVec(i, dc.AtVec(i)*scale[i])
			delta[o.n+i] = dc.AtVec(i)
		}
	}

	if o.n > 0 {
		var ydc mat.VecDense
		if o.m > 0 {
			ydc.MulVec(&y, dc)
		}
		for i := 0; i < o.n; i++ {
			d := -z.AtVec(i)
			if o.m > 0 {
				d -= ydc.AtVec(i)
			}
			delta[i] = d
		}
	}

	for _, d := range delta {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, false
		}
	}
	return delta, true
}

// acceptCondition drops the ill-conditioning warning gonum returns alongside a result.
func acceptCondition(err error) error {
	var cond mat.Condition
	if err != nil && errors.As(err, &cond) {
		return nil
	}
	return err
}

func (o *ordering) retract(v *Values, delta []float64, proj []Projector) *Values {
	out := v.Clone()
	for _, key := range o.keys {
		off := o.offsets[key]
		out.Retract(key, delta[off:off+key.Dim()])
	}
	for _, p := range proj {
		p.Project(out)
	}
	return out
}

func projectors(g *Graph) []Projector {
	var out []Projector
	for _, f := range g.Factors() {
		if p, ok := f.(Projector); ok {
			out = append(out, p)
		}
	}
	return out
}

// Optimize minimizes the graph cost from initial with Levenberg-Marquardt. Divergence
// and the iteration cap are not errors: the best iterate found is returned.
func Optimize(g *Graph, initial *Values, params SolverParams) (*SolveResult, error) {
	start := time.Now()
	if g == nil || g.Len() == 0 {
		return nil, ErrEmptyGraph
	}
	for _, key := range g.Keys() {
		if !initial.Has(key) {
			return nil, errors.Wrapf(ErrUnknownKey, "%v %d", key.Kind, key.Index)
		}
	}

	o := newOrdering(g)
	proj := projectors(g)
	current := initial.Clone()
	for _, p := range proj {
		p.Project(current)
	}
	cost := g.Error(current)
	res := &SolveResult{InitialError: cost}
	lambda := params.LambdaInitial

	for res.Iterations < params.MaxIterations && cost > 0 {
		ne := linearize(g, current, o)
		accepted := false
		for !accepted {
			if delta, ok := ne.solveDamped(lambda); ok {
				next := o.retract(current, delta, proj)
				nextCost := g.Error(next)
				if !math.IsNaN(nextCost) && !math.IsInf(nextCost, 0) && nextCost < cost {
					decrease := cost - nextCost
					current, accepted = next, true
					res.Iterations++
					lambda = math.Max(params.LambdaLowerBound, lambda/params.LambdaFactor)
					converged := nextCost == 0 ||
						decrease <= params.AbsoluteErrorTol ||
						decrease/cost <= params.RelativeErrorTol
					cost = nextCost
					if converged {
						return finish(res, current, cost, start), nil
					}
					continue
				}
			}
			if lambda == 0 {
				lambda = params.LambdaInitial
			} else {
				lambda *= params.LambdaFactor
			}
			if lambda > params.LambdaUpperBound {
				return finish(res, current, cost, start), nil
			}
		}
	}
	return finish(res, current, cost, start), nil
}

func finish(res *SolveResult, v *Values, cost float64, start time.Time) *SolveResult {
	res.Values = v
	res.FinalError = cost
	res.Elapsed = time.Since(start)
	return res
}
