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

// CondLSTM is the shared-trunk variant: embedded events feed one stacked
// LSTM, the flattened window representation is conditioned and pushed
// through a common feed-forward block, and three linear heads read off the
// task outputs.
type CondLSTM struct {
	emb       *featureEmbedder
	lstm      *nn.LSTM
	prefixLen int
	hidden    int

	fc1   *nn.Linear
	bn1   *nn.BatchNorm
	relu1 *nn.ReLU
	fc2   *nn.Linear
	bn2   *nn.BatchNorm
	relu2 *nn.ReLU

	actOut *nn.Linear
	resOut *nn.Linear
	rtOut  *nn.Linear

	resCategorical bool
	training       bool
}

// NewCondLSTM validates the configuration eagerly: the hidden width must
// cover the embedded input and the resource head width is fixed here, from
// whether a resource vocabulary exists.
func NewCondLSTM(cfg params.Config, vocabs *vocab.Set, nFeatures int, rng *rand.Rand) (*CondLSTM, error) {
	emb, err := newFeatureEmbedder(vocabs, nFeatures, rng)
	if err != nil {
		return nil, err
	}
	if cfg.HiddenSize < emb.inputDim {
		return nil, errdefs.Config("hidden size %d smaller than embedded input size %d", cfg.HiddenSize, emb.inputDim)
	}
	flat := cfg.HiddenSize*cfg.PrefixLen + 1
	m := &CondLSTM{
		emb:            emb,
		lstm:           nn.NewLSTM("lstm", emb.inputDim, cfg.HiddenSize, cfg.NLayers, rng),
		prefixLen:      cfg.PrefixLen,
		hidden:         cfg.HiddenSize,
		fc1:            nn.NewLinear("mlp.fc1", flat, 512, rng),
		bn1:            nn.NewBatchNorm("mlp.bn1", 512),
		relu1:          &nn.ReLU{},
		fc2:            nn.NewLinear("mlp.fc2", 512, 256, rng),
		bn2:            nn.NewBatchNorm("mlp.bn2", 256),
		relu2:          &nn.ReLU{},
		actOut:         nn.NewLinear("head.activity", 256, vocabs.Get("activity").Size, rng),
		resOut:         nn.NewLinear("head.resource", 256, resourceWidth(vocabs), rng),
		rtOut:          nn.NewLinear("head.remaining", 256, 1, rng),
		resCategorical: vocabs.Has("resource"),
		training:       true,
	}
	return m, nil
}

// Forward runs one window batch. The returned state is detached; it can
// seed the next window of the same trace but carries no gradient history.
func (m *CondLSTM) Forward(b *eventlog.Batch, st *nn.State) (*Output, *nn.State, error) {
	if len(b.Events) != m.prefixLen {
		return nil, nil, errdefs.Data("window length %d, want %d", len(b.Events), m.prefixLen)
	}
	xs, err := m.emb.embed(b.Events)
	if err != nil {
		return nil, nil, err
	}
	hs, newState, err := m.lstm.Forward(xs, st)
	if err != nil {
		return nil, nil, err
	}
	conditioned := flattenWithCond(hs, b.Cond)

	out := m.fc1.Forward(conditioned)
	out = m.bn1.Forward(out, m.training)
	out = m.relu1.Forward(out)
	out = m.fc2.Forward(out)
	out = m.bn2.Forward(out, m.training)
	out = m.relu2.Forward(out)

	return &Output{
		Activity:  m.actOut.Forward(out),
		Resource:  m.resOut.Forward(out),
		Remaining: m.rtOut.Forward(out),
	}, newState, nil
}

// Backward pushes the three head gradients through the shared trunk, the
// recurrent stack, and into the embedding tables.
func (m *CondLSTM) Backward(dAct, dRes, dRT *mat.Dense) {
	d := m.actOut.Backward(dAct)
	d.Add(d, m.resOut.Backward(dRes))
	d.Add(d, m.rtOut.Backward(dRT))

	d = m.relu2.Backward(d)
	d = m.bn2.Backward(d)
	d = m.fc2.Backward(d)
	d = m.relu1.Backward(d)
	d = m.bn1.Backward(d)
	d = m.fc1.Backward(d)

	dHs := splitFlat(d, m.hidden, m.prefixLen)
	dXs := m.lstm.Backward(dHs)
	m.emb.backward(dXs)
}

// Params collects every learnable tensor of the model.
func (m *CondLSTM) Params() []*nn.Param {
	ps := m.emb.params()
	ps = append(ps, m.lstm.Params()...)
	ps = append(ps, m.fc1.Params()...)
	ps = append(ps, m.bn1.Params()...)
	ps = append(ps, m.fc2.Params()...)
	ps = append(ps, m.bn2.Params()...)
	ps = append(ps, m.actOut.Params()...)
	ps = append(ps, m.resOut.Params()...)
	ps = append(ps, m.rtOut.Params()...)
	return ps
}

// SetMode toggles batch-norm statistics between batch and running.
func (m *CondLSTM) SetMode(training bool) { m.training = training }

// ResourceCategorical reports whether the resource head is a classifier.
func (m *CondLSTM) ResourceCategorical() bool { return m.resCategorical }

// InputDim returns the embedded event width.
func (m *CondLSTM) InputDim() int { return m.emb.inputDim }
