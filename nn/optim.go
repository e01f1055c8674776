package nn

import "math"

// AdamW updates a parameter set with decoupled weight decay:
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd*p), with bias correction.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*Param
}

// NewAdamW wraps params with the given hyperparameters.
func NewAdamW(params []*Param, lr, weightDecay, beta1, beta2, eps float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
		params:      params,
	}
}

// Params returns the managed parameter set.
func (o *AdamW) Params() []*Param { return o.params }

// SetLR installs the scheduler's current learning rate.
func (o *AdamW) SetLR(lr float64) { o.LR = lr }

// ZeroGrad clears every gradient accumulator.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one AdamW update to every parameter in place.
func (o *AdamW) Step() {
	for _, p := range o.params {
		p.t++
		b1t := math.Pow(o.Beta1, float64(p.t))
		b2t := math.Pow(o.Beta2, float64(p.t))
		c1 := 1.0 / (1.0 - b1t)
		c2 := 1.0 / (1.0 - b2t)
		r, c := p.W.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gij := p.G.At(i, j)
				mij := o.Beta1*p.m.At(i, j) + (1.0-o.Beta1)*gij
				vij := o.Beta2*p.v.At(i, j) + (1.0-o.Beta2)*gij*gij
				mhat := mij * c1
				vhat := vij * c2
				update := mhat/(math.Sqrt(vhat)+o.Eps) + o.WeightDecay*p.W.At(i, j)
				p.m.Set(i, j, mij)
				p.v.Set(i, j, vij)
				p.W.Set(i, j, p.W.At(i, j)-o.LR*update)
			}
		}
	}
}

// ClipGrads rescales the parameter gradients so their global norm does not
// exceed maxNorm. Returns the applied scale; maxNorm <= 0 disables.
func ClipGrads(maxNorm float64, params []*Param) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, p := range params {
		r, c := p.G.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.G.At(i, j)
				sum += g * g
			}
		}
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, p := range params {
		p.G.Scale(s, p.G)
	}
	return s
}
