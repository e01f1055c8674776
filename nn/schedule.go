package nn

import "math"

// CosineSchedule anneals the learning rate from Base to EtaMin over TMax
// steps. The schedule advances once per processed batch, whether or not
// the scaler skipped that batch's optimizer step, so overflow skips cannot
// drift it.
type CosineSchedule struct {
	Base   float64
	EtaMin float64
	TMax   int

	step int
}

// NewCosineSchedule builds a schedule over tMax steps.
func NewCosineSchedule(base float64, tMax int) *CosineSchedule {
	return &CosineSchedule{Base: base, TMax: tMax}
}

// LR returns the rate for the current step.
func (s *CosineSchedule) LR() float64 {
	if s.TMax <= 0 {
		return s.Base
	}
	x := float64(s.step) / float64(s.TMax)
	if x > 1 {
		x = 1
	}
	return s.EtaMin + (s.Base-s.EtaMin)*0.5*(1+math.Cos(math.Pi*x))
}

// Step advances the schedule and returns the new rate.
func (s *CosineSchedule) Step() float64 {
	s.step++
	return s.LR()
}
