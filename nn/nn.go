// Package nn implements the layers and optimization primitives the models
// are composed of: embeddings, linear and batch-norm layers, a stacked
// LSTM with truncated backpropagation through time, losses with analytic
// gradients, AdamW, cosine LR scheduling, and loss scaling.
//
// Layers follow a Forward/Backward discipline: Forward caches whatever the
// matching Backward needs, Backward accumulates parameter gradients into
// each Param's G buffer and returns the gradient with respect to its
// input. All matrices are batch-first (batch x features).
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is one learnable tensor: weights, gradient accumulator, and Adam
// moment estimates. Parameters are mutated only by the optimizer step.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense

	m, v *mat.Dense
	t    int
}

func newParam(name string, r, c int, data []float64) *Param {
	return &Param{
		Name: name,
		W:    mat.NewDense(r, c, data),
		G:    mat.NewDense(r, c, nil),
		m:    mat.NewDense(r, c, nil),
		v:    mat.NewDense(r, c, nil),
	}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// randomArray returns uniform values in [-1/sqrt(v), 1/sqrt(v)].
func randomArray(size int, v float64, rng *rand.Rand) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rng.Float64()
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// addRowInPlace adds the (1 x c) row vector b to every row of m.
func addRowInPlace(m *mat.Dense, b *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)+b.At(0, j))
		}
	}
}

// colSums returns the (1 x c) column sums of m.
func colSums(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += m.At(i, j)
		}
		out.Set(0, j, sum)
	}
	return out
}

func mulElem(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(a, b)
	return out
}

func addInPlace(dst, src *mat.Dense) {
	dst.Add(dst, src)
}
