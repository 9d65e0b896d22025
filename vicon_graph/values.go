package vicongraph

import (
	"github.com/golang/geo/r3"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/num/quat"
)

// Variables is the read-only view of the optimization variables used by factors.
type Variables interface {
	State(index int) NavState
	RotBtoI() quat.Number
	PosBinI() r3.Vector
	Gravity() r3.Vector
	TimeOffset() float64
}

// Values is the working set of variable estimates: one map of navigation states keyed
// by state index plus the calibration singleton.
type Values struct {
	States        map[int]NavState
	Calib         Calibration
	HasTimeOffset bool
}

// NewValues returns an empty value set with identity rotation.
func NewValues() *Values {
	return &Values{
		States: make(map[int]NavState),
		Calib:  Calibration{RotBtoI: quat.Number{Real: 1}},
	}
}

// Clone returns a deep copy.
func (v *Values) Clone() *Values {
	out := &Values{
		States:        make(map[int]NavState, len(v.States)),
		Calib:         v.Calib,
		HasTimeOffset: v.HasTimeOffset,
	}
	for k, s := range v.States {
		out.States[k] = s
	}
	return out
}

// StateIndices returns the state indices in ascending order.
func (v *Values) StateIndices() []int {
	idx := make([]int, 0, len(v.States))
	for k := range v.States {
		idx = append(idx, k)
	}
	slices.Sort(idx)
	return idx
}

// Has reports whether the variable addressed by k exists.
func (v *Values) Has(k Key) bool {
	switch k.Kind {
	case KindState:
		_, ok := v.States[k.Index]
		return ok
	case KindTimeOffset:
		return v.HasTimeOffset
	default:
		return true
	}
}

// Retract applies a tangent-space update to the variable addressed by k.
func (v *Values) Retract(k Key, d []float64) {
	switch k.Kind {
	case KindState:
		v.States[k.Index] = v.States[k.Index].Retract(d)
	case KindRotBtoI:
		v.Calib.RotBtoI = retractRotation(v.Calib.RotBtoI, d)
	case KindPosBinI:
		v.Calib.PosBinI = v.Calib.PosBinI.Add(vec3(d))
	case KindGravity:
		v.Calib.Gravity = v.Calib.Gravity.Add(vec3(d))
	case KindTimeOffset:
		v.Calib.TimeOffset += d[0]
	}
}

// State implements Variables.
func (v *Values) State(index int) NavState { return v.States[index] }

// RotBtoI implements Variables.
func (v *Values) RotBtoI() quat.Number { return v.Calib.RotBtoI }

// PosBinI implements Variables.
func (v *Values) PosBinI() r3.Vector { return v.Calib.PosBinI }

// Gravity implements Variables.
func (v *Values) Gravity() r3.Vector { return v.Calib.Gravity }

// TimeOffset implements Variables.
func (v *Values) TimeOffset() float64 { return v.Calib.TimeOffset }

func retractRotation(q quat.Number, d []float64) quat.Number {
	return normalize(quat.Mul(expSO3(vec3(d)), q))
}

// perturbed overlays tangent deltas for a handful of keys on top of a base value set,
// so a factor can be evaluated at a perturbed point without copying every state.
type perturbed struct {
	base   Variables
	keys   []Key
	offs   []int
	deltas []float64
}

func newPerturbed(base Variables, keys []Key) *perturbed {
	offs := make([]int, len(keys))
	total := 0
	for i, k := range keys {
		offs[i] = total
		total += k.Dim()
	}
	return &perturbed{base: base, keys: keys, offs: offs}
}

func (p *perturbed) delta(k Key) ([]float64, bool) {
	for i, pk := range p.keys {
		if pk == k {
			return p.deltas[p.offs[i] : p.offs[i]+k.Dim()], true
		}
	}
	return nil, false
}

func (p *perturbed) State(index int) NavState {
	s := p.base.State(index)
	if d, ok := p.delta(StateKey(index)); ok {
		return s.Retract(d)
	}
	return s
}

func (p *perturbed) RotBtoI() quat.Number {
	q := p.base.RotBtoI()
	if d, ok := p.delta(RotBtoIKey); ok {
		return retractRotation(q, d)
	}
	return q
}

func (p *perturbed) PosBinI() r3.Vector {
	v := p.base.PosBinI()
	if d, ok := p.delta(PosBinIKey); ok {
		return v.Add(vec3(d))
	}
	return v
}

func (p *perturbed) Gravity() r3.Vector {
	v := p.base.Gravity()
	if d, ok := p.delta(GravityKey); ok {
		return v.Add(vec3(d))
	}
	return v
}

func (p *perturbed) TimeOffset() float64 {
	t := p.base.TimeOffset()
	if d, ok := p.delta(TimeOffsetKey); ok {
		return t + d[0]
	}
	return t
}
