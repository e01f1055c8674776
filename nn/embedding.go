package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// Embedding is one learned lookup table for a categorical feature. The
// table is shared across all windows and batches of a run and updated only
// by the optimizer.
type Embedding struct {
	Feature string
	Num     int // vocabulary size
	Dim     int // embedding width
	W       *Param
}

// NewEmbedding allocates a (num x dim) table with fan-in scaled init.
func NewEmbedding(feature string, num, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{
		Feature: feature,
		Num:     num,
		Dim:     dim,
		W:       newParam("emb."+feature, num, dim, randomArray(num*dim, float64(dim), rng)),
	}
}

// Lookup gathers one row per code into a (len(codes) x Dim) matrix. A code
// outside [0, Num) violates the data contract and fails.
func (e *Embedding) Lookup(codes []int) (*mat.Dense, error) {
	out := mat.NewDense(len(codes), e.Dim, nil)
	for i, code := range codes {
		if code < 0 || code >= e.Num {
			return nil, errdefs.Data("embedding %q: code %d out of range [0, %d)", e.Feature, code, e.Num)
		}
		out.SetRow(i, e.W.W.RawRowView(code))
	}
	return out, nil
}

// Accumulate scatter-adds dY rows into the gradient rows selected by
// codes. Codes were range-checked during Lookup.
func (e *Embedding) Accumulate(codes []int, dY *mat.Dense) {
	for i, code := range codes {
		for j := 0; j < e.Dim; j++ {
			e.W.G.Set(code, j, e.W.G.At(code, j)+dY.At(i, j))
		}
	}
}

// Params exposes the table.
func (e *Embedding) Params() []*Param {
	return []*Param{e.W}
}
