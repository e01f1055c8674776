package nn

import "math"

// Scaler emulates mixed-precision gradient scaling: loss gradients are
// multiplied by the current scale before backward, gradients are unscaled
// before the optimizer step, and a non-finite gradient skips the step and
// halves the scale. After GrowthInterval consecutive good steps the scale
// doubles. The skip policy absorbs numeric instability per batch without
// crashing the run.
type Scaler struct {
	Enabled        bool
	GrowthInterval int

	scale     float64
	goodSteps int
}

// NewScaler returns a scaler starting at 2^16 like the usual defaults. A
// disabled scaler scales by 1 and never skips.
func NewScaler(enabled bool) *Scaler {
	return &Scaler{Enabled: enabled, GrowthInterval: 2000, scale: 65536.0}
}

// Scale returns the factor applied to loss gradients before backward.
func (s *Scaler) Scale() float64 {
	if !s.Enabled {
		return 1.0
	}
	return s.scale
}

// Unscale divides the accumulated gradients back down and reports whether
// the optimizer step should run. False means a non-finite gradient was
// found: the step must be skipped and the scale backs off.
func (s *Scaler) Unscale(params []*Param) bool {
	inv := 1.0 / s.Scale()
	finite := true
	for _, p := range params {
		r, c := p.G.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.G.At(i, j) * inv
				if math.IsNaN(g) || math.IsInf(g, 0) {
					finite = false
				}
				p.G.Set(i, j, g)
			}
		}
	}
	if !s.Enabled {
		return finite
	}
	if !finite {
		s.scale = math.Max(s.scale*0.5, 1.0)
		s.goodSteps = 0
		return false
	}
	s.goodSteps++
	if s.goodSteps >= s.GrowthInterval {
		s.scale *= 2
		s.goodSteps = 0
	}
	return true
}
