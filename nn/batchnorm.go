package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BatchNorm normalizes each feature over the batch dimension. Training
// passes use batch statistics and update the running estimates; evaluation
// passes use the running estimates.
type BatchNorm struct {
	D        int
	Eps      float64
	Momentum float64
	Gamma    *Param // (1 x D)
	Beta     *Param // (1 x D)

	runningMean []float64
	runningVar  []float64

	// cache from the last training forward
	xhat   *mat.Dense
	invStd []float64
}

// NewBatchNorm mirrors the usual affine batch norm: gamma=1, beta=0,
// running variance starts at 1.
func NewBatchNorm(name string, d int) *BatchNorm {
	gamma := make([]float64, d)
	rv := make([]float64, d)
	for i := range gamma {
		gamma[i] = 1
		rv[i] = 1
	}
	return &BatchNorm{
		D:           d,
		Eps:         1e-5,
		Momentum:    0.1,
		Gamma:       newParam(name+".gamma", 1, d, gamma),
		Beta:        newParam(name+".beta", 1, d, nil),
		runningMean: make([]float64, d),
		runningVar:  rv,
	}
}

// Forward normalizes (B x D). With train set, batch statistics are used
// and cached for Backward.
func (bn *BatchNorm) Forward(x *mat.Dense, train bool) *mat.Dense {
	b, d := x.Dims()
	out := mat.NewDense(b, d, nil)
	if !train {
		for j := 0; j < d; j++ {
			istd := 1.0 / math.Sqrt(bn.runningVar[j]+bn.Eps)
			for i := 0; i < b; i++ {
				n := (x.At(i, j) - bn.runningMean[j]) * istd
				out.Set(i, j, bn.Gamma.W.At(0, j)*n+bn.Beta.W.At(0, j))
			}
		}
		return out
	}

	xhat := mat.NewDense(b, d, nil)
	inv := make([]float64, d)
	for j := 0; j < d; j++ {
		mu := 0.0
		for i := 0; i < b; i++ {
			mu += x.At(i, j)
		}
		mu /= float64(b)
		var vr float64
		for i := 0; i < b; i++ {
			diff := x.At(i, j) - mu
			vr += diff * diff
		}
		vr /= float64(b)
		istd := 1.0 / math.Sqrt(vr+bn.Eps)
		inv[j] = istd
		for i := 0; i < b; i++ {
			n := (x.At(i, j) - mu) * istd
			xhat.Set(i, j, n)
			out.Set(i, j, bn.Gamma.W.At(0, j)*n+bn.Beta.W.At(0, j))
		}
		bn.runningMean[j] = (1-bn.Momentum)*bn.runningMean[j] + bn.Momentum*mu
		bn.runningVar[j] = (1-bn.Momentum)*bn.runningVar[j] + bn.Momentum*vr
	}
	bn.xhat = xhat
	bn.invStd = inv
	return out
}

// Backward accumulates gamma/beta gradients and returns dX. Valid only
// after a training-mode Forward.
func (bn *BatchNorm) Backward(dY *mat.Dense) *mat.Dense {
	b, d := dY.Dims()
	dX := mat.NewDense(b, d, nil)
	for j := 0; j < d; j++ {
		sumDG := 0.0
		sumDB := 0.0
		for i := 0; i < b; i++ {
			sumDG += dY.At(i, j) * bn.xhat.At(i, j)
			sumDB += dY.At(i, j)
		}
		bn.Gamma.G.Set(0, j, bn.Gamma.G.At(0, j)+sumDG)
		bn.Beta.G.Set(0, j, bn.Beta.G.At(0, j)+sumDB)

		istd := bn.invStd[j]
		gamma := bn.Gamma.W.At(0, j)
		// per-feature sums over the batch
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < b; i++ {
			gy := dY.At(i, j) * gamma
			sum1 += gy
			sum2 += gy * bn.xhat.At(i, j)
		}
		for i := 0; i < b; i++ {
			gy := dY.At(i, j) * gamma
			dxi := (float64(b)*gy - sum1 - bn.xhat.At(i, j)*sum2) * (istd / float64(b))
			dX.Set(i, j, dxi)
		}
	}
	return dX
}

// Params exposes gamma and beta.
func (bn *BatchNorm) Params() []*Param {
	return []*Param{bn.Gamma, bn.Beta}
}
