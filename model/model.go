// Package model implements the two conditioned multi-task sequence models:
// a shared-trunk variant and a fully specialized per-task variant, both
// behind one Model interface selected at construction time.
package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/eventlog"
	"github.com/raseidi/ConditionedSimulation/nn"
	"github.com/raseidi/ConditionedSimulation/params"
	"github.com/raseidi/ConditionedSimulation/vocab"
)

// Output bundles the three head outputs of one forward pass.
type Output struct {
	Activity  *mat.Dense // (B x activity vocabulary size)
	Resource  *mat.Dense // (B x resource size) or (B x 1)
	Remaining *mat.Dense // (B x 1)
}

// Model is the construction-time choice between the two variants. Forward
// is a pure function of inputs and learned parameters; the returned state
// is detached and may seed the next window of the same trace. Backward
// consumes the head gradients of the most recent Forward.
type Model interface {
	Forward(b *eventlog.Batch, st *nn.State) (*Output, *nn.State, error)
	Backward(dAct, dRes, dRT *mat.Dense)
	Params() []*nn.Param

	// SetMode switches batch-norm layers between batch and running
	// statistics. No-op for variants without normalization.
	SetMode(training bool)

	// ResourceCategorical reports whether the resource head is a
	// classifier; the loss selection must follow it.
	ResourceCategorical() bool

	InputDim() int
}

// New builds the variant named by the config. nFeatures is the event-row
// width of the dataset the model will consume.
func New(cfg params.Config, vocabs *vocab.Set, nFeatures int, rng *rand.Rand) (Model, error) {
	switch cfg.Variant {
	case params.VariantShared:
		return NewCondLSTM(cfg, vocabs, nFeatures, rng)
	case params.VariantSpecialized:
		return NewCondDG(cfg, vocabs, nFeatures, rng)
	default:
		return nil, errdefs.Config("unknown model variant %q", cfg.Variant)
	}
}

func resourceWidth(vocabs *vocab.Set) int {
	if v := vocabs.Get("resource"); v != nil {
		return v.Size
	}
	return 1
}

// featureEmbedder turns a batch of raw windows into one dense feature
// vector per event: each categorical column is looked up in its table, in
// declared order, and the numeric columns are concatenated verbatim.
type featureEmbedder struct {
	vocabs    *vocab.Set
	tables    []*nn.Embedding
	nFeatures int
	inputDim  int

	// codes cached by the last embed call, per step and feature
	codes [][][]int
}

func newFeatureEmbedder(vocabs *vocab.Set, nFeatures int, rng *rand.Rand) (*featureEmbedder, error) {
	if !vocabs.Has("activity") {
		return nil, errdefs.Config("model requires an activity vocabulary")
	}
	if nFeatures < vocabs.Len()+1 {
		return nil, errdefs.Config("event rows carry %d features, need at least %d", nFeatures, vocabs.Len()+1)
	}
	fe := &featureEmbedder{vocabs: vocabs, nFeatures: nFeatures}
	// each categorical slot replaces one scalar column
	fe.inputDim = nFeatures - vocabs.Len()
	for _, name := range vocabs.Features() {
		v := vocabs.Get(name)
		fe.tables = append(fe.tables, nn.NewEmbedding(name, v.Size, v.EmbDim, rng))
		fe.inputDim += v.EmbDim
	}
	return fe, nil
}

// embed maps the per-step event matrices to (B x inputDim) feature
// matrices. Pure with respect to the tables; repeated calls on the same
// input yield identical output.
func (fe *featureEmbedder) embed(events []*mat.Dense) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(events))
	fe.codes = make([][][]int, len(events))
	nCat := len(fe.tables)
	for t, e := range events {
		b, f := e.Dims()
		if f != fe.nFeatures {
			return nil, errdefs.Data("event rows carry %d features, want %d", f, fe.nFeatures)
		}
		x := mat.NewDense(b, fe.inputDim, nil)
		col := 0
		fe.codes[t] = make([][]int, nCat)
		for j, table := range fe.tables {
			codes := make([]int, b)
			for i := 0; i < b; i++ {
				codes[i] = int(e.At(i, j))
			}
			emb, err := table.Lookup(codes)
			if err != nil {
				return nil, err
			}
			for i := 0; i < b; i++ {
				for k := 0; k < table.Dim; k++ {
					x.Set(i, col+k, emb.At(i, k))
				}
			}
			fe.codes[t][j] = codes
			col += table.Dim
		}
		// numeric remainder, untouched
		for j := nCat; j < f; j++ {
			for i := 0; i < b; i++ {
				x.Set(i, col+j-nCat, e.At(i, j))
			}
		}
		out[t] = x
	}
	return out, nil
}

// backward scatter-adds the embedded-input gradients into the tables.
// Numeric columns carry no parameters.
func (fe *featureEmbedder) backward(dXs []*mat.Dense) {
	for t, dX := range dXs {
		col := 0
		for j, table := range fe.tables {
			b, _ := dX.Dims()
			seg := mat.NewDense(b, table.Dim, nil)
			for i := 0; i < b; i++ {
				for k := 0; k < table.Dim; k++ {
					seg.Set(i, k, dX.At(i, col+k))
				}
			}
			table.Accumulate(fe.codes[t][j], seg)
			col += table.Dim
		}
	}
}

func (fe *featureEmbedder) params() []*nn.Param {
	var ps []*nn.Param
	for _, t := range fe.tables {
		ps = append(ps, t.Params()...)
	}
	return ps
}

// flattenWithCond lays the per-step hidden outputs side by side,
// step-major, and appends the condition as the final column:
// (B x hidden*steps + 1).
func flattenWithCond(hs []*mat.Dense, cond *mat.Dense) *mat.Dense {
	b, h := hs[0].Dims()
	T := len(hs)
	out := mat.NewDense(b, h*T+1, nil)
	for t, m := range hs {
		for i := 0; i < b; i++ {
			for k := 0; k < h; k++ {
				out.Set(i, t*h+k, m.At(i, k))
			}
		}
	}
	for i := 0; i < b; i++ {
		out.Set(i, h*T, cond.At(i, 0))
	}
	return out
}

// splitFlat inverts flattenWithCond for the backward pass, dropping the
// condition column (the condition is an input, not a parameter).
func splitFlat(d *mat.Dense, hidden, steps int) []*mat.Dense {
	b, _ := d.Dims()
	dHs := make([]*mat.Dense, steps)
	for t := 0; t < steps; t++ {
		m := mat.NewDense(b, hidden, nil)
		for i := 0; i < b; i++ {
			for k := 0; k < hidden; k++ {
				m.Set(i, k, d.At(i, t*hidden+k))
			}
		}
		dHs[t] = m
	}
	return dHs
}
