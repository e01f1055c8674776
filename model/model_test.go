package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/eventlog"
	"github.com/raseidi/ConditionedSimulation/params"
	"github.com/raseidi/ConditionedSimulation/vocab"
)

func testConfig(variant params.Variant) params.Config {
	cfg := params.Default()
	cfg.Variant = variant
	cfg.HiddenSize = 8
	cfg.NLayers = 2
	return cfg
}

// testLoader builds a small synthetic log, its vocabularies, and a loader.
func testLoader(t *testing.T, batchSize int) (*eventlog.Loader, *vocab.Set, int) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	traces := eventlog.Synthetic(3, 8, 4, rng)
	vocabs, err := vocab.Build(eventlog.Records(traces), []string{"activity"})
	require.NoError(t, err)
	ds, err := eventlog.NewDataset(traces, vocabs, 5)
	require.NoError(t, err)
	loader, err := eventlog.NewLoader(ds, batchSize)
	require.NoError(t, err)
	return loader, vocabs, ds.NumFeatures()
}

func ones(r, c int) *mat.Dense {
	d := make([]float64, r*c)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDense(r, c, d)
}

func TestSharedForwardShapes(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 2)
	rng := rand.New(rand.NewSource(42))
	m, err := New(testConfig(params.VariantShared), vocabs, nFeatures, rng)
	require.NoError(t, err)

	b := loader.Batch(0)
	out, st, err := m.Forward(b, nil)
	require.NoError(t, err)

	ar, ac := out.Activity.Dims()
	assert.Equal(t, b.Size, ar)
	assert.Equal(t, vocabs.Get("activity").Size, ac)

	// no resource vocabulary: width-1 head, regression-style
	rr, rc := out.Resource.Dims()
	assert.Equal(t, b.Size, rr)
	assert.Equal(t, 1, rc)
	assert.False(t, m.ResourceCategorical())

	tr, tc := out.Remaining.Dims()
	assert.Equal(t, b.Size, tr)
	assert.Equal(t, 1, tc)

	require.Len(t, st.H, 2)
	require.Len(t, st.C, 2)
	assert.Equal(t, b.Size, st.BatchSize())
	for _, h := range st.H {
		_, hc := h.Dims()
		assert.Equal(t, 8, hc)
	}
}

func TestResourceHeadMatchesVocabulary(t *testing.T) {
	traces := []eventlog.Trace{{CaseID: "c1", Condition: 1, Events: []eventlog.Event{
		{Activity: "a", Resource: "r1", RemainingTime: 6},
		{Activity: "b", Resource: "r2", RemainingTime: 5},
		{Activity: "a", Resource: "r3", RemainingTime: 4},
		{Activity: "b", Resource: "r1", RemainingTime: 3},
		{Activity: "a", Resource: "r2", RemainingTime: 2},
		{Activity: "b", Resource: "r3", RemainingTime: 1},
	}}}
	vocabs, err := vocab.Build(eventlog.Records(traces), []string{"activity", "resource"})
	require.NoError(t, err)
	ds, err := eventlog.NewDataset(traces, vocabs, 5)
	require.NoError(t, err)
	loader, err := eventlog.NewLoader(ds, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	m, err := New(testConfig(params.VariantShared), vocabs, ds.NumFeatures(), rng)
	require.NoError(t, err)
	assert.True(t, m.ResourceCategorical())

	out, _, err := m.Forward(loader.Batch(0), nil)
	require.NoError(t, err)
	_, rc := out.Resource.Dims()
	assert.Equal(t, 3, rc)
}

func TestEvaluationForwardIsDeterministic(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 2)
	rng := rand.New(rand.NewSource(42))
	m, err := New(testConfig(params.VariantShared), vocabs, nFeatures, rng)
	require.NoError(t, err)

	m.SetMode(false)
	b := loader.Batch(0)
	out1, _, err := m.Forward(b, nil)
	require.NoError(t, err)
	out2, _, err := m.Forward(b, nil)
	require.NoError(t, err)

	assert.True(t, mat.Equal(out1.Activity, out2.Activity))
	assert.True(t, mat.Equal(out1.Resource, out2.Resource))
	assert.True(t, mat.Equal(out1.Remaining, out2.Remaining))
}

// TestCarriedStateIsDetached mutates a returned state after the fact and
// checks the model's backward pass is unaffected: the state must be a
// copy, not a view into the forward caches.
func TestCarriedStateIsDetached(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 2)
	cfg := testConfig(params.VariantShared)

	build := func() Model {
		m, err := New(cfg, vocabs, nFeatures, rng42())
		require.NoError(t, err)
		return m
	}
	a := build()
	b := build()

	batch := loader.Batch(0)
	outA, stA, err := a.Forward(batch, nil)
	require.NoError(t, err)
	_, _, err = b.Forward(batch, nil)
	require.NoError(t, err)

	// clobber A's exposed state before backward
	for _, h := range stA.H {
		h.Scale(999, h)
	}

	r, c := outA.Activity.Dims()
	dAct := ones(r, c)
	dRes := ones(r, 1)
	dRT := ones(r, 1)
	a.Backward(dAct, dRes, dRT)
	b.Backward(ones(r, c), ones(r, 1), ones(r, 1))

	pa, pb := a.Params(), b.Params()
	require.Equal(t, len(pa), len(pb))
	for i := range pa {
		assert.True(t, mat.Equal(pa[i].G, pb[i].G), "param %s", pa[i].Name)
	}
}

func rng42() *rand.Rand { return rand.New(rand.NewSource(42)) }

func TestHiddenSmallerThanInputFails(t *testing.T) {
	_, vocabs, nFeatures := testLoader(t, 1)
	cfg := testConfig(params.VariantShared)
	cfg.HiddenSize = 1 // below the embedded input width

	_, err := New(cfg, vocabs, nFeatures, rng42())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestStateBatchMismatchFails(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 2)
	m, err := New(testConfig(params.VariantShared), vocabs, nFeatures, rng42())
	require.NoError(t, err)

	// state from a size-2 batch fed into the size-1 tail batch
	_, st, err := m.Forward(loader.Batch(0), nil)
	require.NoError(t, err)
	tail := loader.Batch(loader.Batches() - 1)
	require.Equal(t, 1, tail.Size)

	_, _, err = m.Forward(tail, st)
	require.Error(t, err)
	assert.True(t, errdefs.IsData(err))
}

func TestSpecializedForwardAndBackward(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 2)
	m, err := New(testConfig(params.VariantSpecialized), vocabs, nFeatures, rng42())
	require.NoError(t, err)

	b := loader.Batch(0)
	out, st, err := m.Forward(b, nil)
	require.NoError(t, err)

	ar, ac := out.Activity.Dims()
	assert.Equal(t, b.Size, ar)
	assert.Equal(t, vocabs.Get("activity").Size, ac)
	require.Len(t, st.H, 2) // trunk depth, not block depth

	m.Backward(ones(ar, ac), ones(ar, 1), ones(ar, 1))
	var moved int
	for _, p := range m.Params() {
		if mat.Norm(p.G, 2) > 0 {
			moved++
		}
	}
	// every block and the trunk must receive gradient
	assert.Greater(t, moved, len(m.Params())/2)
}

func TestUnknownVariantFails(t *testing.T) {
	_, vocabs, nFeatures := testLoader(t, 1)
	cfg := testConfig("tree")
	_, err := New(cfg, vocabs, nFeatures, rng42())
	require.Error(t, err)
	assert.True(t, errdefs.IsConfig(err))
}

func TestForwardOutputsAreFinite(t *testing.T) {
	loader, vocabs, nFeatures := testLoader(t, 3)
	for _, variant := range []params.Variant{params.VariantShared, params.VariantSpecialized} {
		m, err := New(testConfig(variant), vocabs, nFeatures, rng42())
		require.NoError(t, err)
		out, _, err := m.Forward(loader.Batch(0), nil)
		require.NoError(t, err)
		for _, o := range []*mat.Dense{out.Activity, out.Resource, out.Remaining} {
			r, c := o.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					assert.False(t, math.IsNaN(o.At(i, j)), "variant %s", variant)
				}
			}
		}
	}
}
