package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully-connected layer: y = x*W + b.
type Linear struct {
	In, Out int
	W       *Param // (In x Out)
	B       *Param // (1 x Out)

	lastX *mat.Dense
}

// NewLinear initializes weights uniformly scaled by fan-in.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   newParam(name+".weight", in, out, randomArray(in*out, float64(in), rng)),
		B:   newParam(name+".bias", 1, out, nil),
	}
}

// Forward computes (B x In) -> (B x Out) and caches the input.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	b, _ := x.Dims()
	out := mat.NewDense(b, l.Out, nil)
	out.Mul(x, l.W.W)
	addRowInPlace(out, l.B.W)
	l.lastX = x
	return out
}

// Backward accumulates dW = xᵀ·dY and db = Σrows(dY), returning dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(l.lastX.T(), dY)
	l.W.G.Add(l.W.G, &dW)
	l.B.G.Add(l.B.G, colSums(dY))

	b, _ := dY.Dims()
	dX := mat.NewDense(b, l.In, nil)
	dX.Mul(dY, l.W.W.T())
	return dX
}

// Params exposes the layer's learnable tensors.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}
