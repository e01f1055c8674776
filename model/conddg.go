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

// specializedBlock is one per-task branch: a single-layer recurrent block
// over the trunk's output, flattened, conditioned, and projected straight
// to the task's output width by one linear layer.
type specializedBlock struct {
	lstm      *nn.LSTM
	linear    *nn.Linear
	hidden    int
	prefixLen int
}

func newSpecializedBlock(name string, in, hidden, prefixLen, out int, rng *rand.Rand) *specializedBlock {
	return &specializedBlock{
		lstm:      nn.NewLSTM(name+".lstm", in, hidden, 1, rng),
		linear:    nn.NewLinear(name+".out", hidden*prefixLen+1, out, rng),
		hidden:    hidden,
		prefixLen: prefixLen,
	}
}

// forward seeds the block with the trunk's detached state, which shares
// the block's shape, and returns the task output.
func (sb *specializedBlock) forward(encoded []*mat.Dense, st *nn.State, cond *mat.Dense) (*mat.Dense, error) {
	hs, _, err := sb.lstm.Forward(encoded, st)
	if err != nil {
		return nil, err
	}
	return sb.linear.Forward(flattenWithCond(hs, cond)), nil
}

// backward returns the per-step gradient with respect to the trunk output.
func (sb *specializedBlock) backward(dOut *mat.Dense) []*mat.Dense {
	d := sb.linear.Backward(dOut)
	dHs := splitFlat(d, sb.hidden, sb.prefixLen)
	return sb.lstm.Backward(dHs)
}

func (sb *specializedBlock) params() []*nn.Param {
	return append(sb.lstm.Params(), sb.linear.Params()...)
}

// CondDG is the fully-specialized variant: a shared trunk LSTM feeds three
// independent specialized blocks, one per task. There is no shared
// feed-forward trunk beyond the encoder.
type CondDG struct {
	emb       *featureEmbedder
	trunk     *nn.LSTM
	prefixLen int
	hidden    int

	actBlock *specializedBlock
	resBlock *specializedBlock
	rtBlock  *specializedBlock

	resCategorical bool
}

// NewCondDG fixes the resource branch width at construction, like the
// shared variant.
func NewCondDG(cfg params.Config, vocabs *vocab.Set, nFeatures int, rng *rand.Rand) (*CondDG, error) {
	emb, err := newFeatureEmbedder(vocabs, nFeatures, rng)
	if err != nil {
		return nil, err
	}
	if cfg.HiddenSize < emb.inputDim {
		return nil, errdefs.Config("hidden size %d smaller than embedded input size %d", cfg.HiddenSize, emb.inputDim)
	}
	h := cfg.HiddenSize
	m := &CondDG{
		emb:            emb,
		trunk:          nn.NewLSTM("trunk", emb.inputDim, h, cfg.NLayers, rng),
		prefixLen:      cfg.PrefixLen,
		hidden:         h,
		actBlock:       newSpecializedBlock("block.activity", h, h, cfg.PrefixLen, vocabs.Get("activity").Size, rng),
		resBlock:       newSpecializedBlock("block.resource", h, h, cfg.PrefixLen, resourceWidth(vocabs), rng),
		rtBlock:        newSpecializedBlock("block.remaining", h, h, cfg.PrefixLen, 1, rng),
		resCategorical: vocabs.Has("resource"),
	}
	return m, nil
}

// Forward encodes the window once and lets each block produce its task
// output from the shared encoding.
func (m *CondDG) Forward(b *eventlog.Batch, st *nn.State) (*Output, *nn.State, error) {
	if len(b.Events) != m.prefixLen {
		return nil, nil, errdefs.Data("window length %d, want %d", len(b.Events), m.prefixLen)
	}
	xs, err := m.emb.embed(b.Events)
	if err != nil {
		return nil, nil, err
	}
	encoded, trunkState, err := m.trunk.Forward(xs, st)
	if err != nil {
		return nil, nil, err
	}
	// the blocks are single-layer; seed them with the trunk's top layer
	seed := &nn.State{
		H: trunkState.H[len(trunkState.H)-1:],
		C: trunkState.C[len(trunkState.C)-1:],
	}

	act, err := m.actBlock.forward(encoded, seed, b.Cond)
	if err != nil {
		return nil, nil, err
	}
	res, err := m.resBlock.forward(encoded, seed, b.Cond)
	if err != nil {
		return nil, nil, err
	}
	rt, err := m.rtBlock.forward(encoded, seed, b.Cond)
	if err != nil {
		return nil, nil, err
	}
	return &Output{Activity: act, Resource: res, Remaining: rt}, trunkState, nil
}

// Backward sums the three blocks' trunk-output gradients before running
// the trunk's own BPTT and the embedding scatter.
func (m *CondDG) Backward(dAct, dRes, dRT *mat.Dense) {
	dActHs := m.actBlock.backward(dAct)
	dResHs := m.resBlock.backward(dRes)
	dRTHs := m.rtBlock.backward(dRT)

	dHs := make([]*mat.Dense, m.prefixLen)
	for t := range dHs {
		d := mat.DenseCopyOf(dActHs[t])
		d.Add(d, dResHs[t])
		d.Add(d, dRTHs[t])
		dHs[t] = d
	}
	dXs := m.trunk.Backward(dHs)
	m.emb.backward(dXs)
}

// Params collects every learnable tensor of the model.
func (m *CondDG) Params() []*nn.Param {
	ps := m.emb.params()
	ps = append(ps, m.trunk.Params()...)
	ps = append(ps, m.actBlock.params()...)
	ps = append(ps, m.resBlock.params()...)
	ps = append(ps, m.rtBlock.params()...)
	return ps
}

// SetMode is a no-op; the specialized variant has no normalization layers.
func (m *CondDG) SetMode(bool) {}

// ResourceCategorical reports whether the resource head is a classifier.
func (m *CondDG) ResourceCategorical() bool { return m.resCategorical }

// InputDim returns the embedded event width.
func (m *CondDG) InputDim() int { return m.emb.inputDim }
