package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()

	param.Set(i, j, w0-eps)
	lm := forward()

	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func sumSquaresHalf(ms ...*mat.Dense) float64 {
	s := 0.0
	for _, m := range ms {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := m.At(i, j)
				s += v * v / 2
			}
		}
	}
	return s
}

// ---- Linear ----
func TestLinearGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	lin := NewLinear("fc", 3, 4, rng)
	x := mat.NewDense(5, 3, randomArray(15, 3, rng))
	targets := []int{0, 2, 1, 3, 0}

	forward := func() float64 {
		loss, _ := CrossEntropy(lin.Forward(x), targets)
		return loss
	}

	loss, grad := CrossEntropy(lin.Forward(x), targets)
	if math.IsNaN(loss) {
		t.Fatal("loss is NaN")
	}
	lin.Backward(grad)

	finiteDiffCheck(t, "W", lin.W.W, lin.W.G, forward, 0, 0)
	finiteDiffCheck(t, "W", lin.W.W, lin.W.G, forward, 2, 3)
	finiteDiffCheck(t, "b", lin.B.W, lin.B.G, forward, 0, 1)
}

// ---- BatchNorm ----
func TestBatchNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(321))
	bn := NewBatchNorm("bn", 3)
	x := mat.NewDense(6, 3, randomArray(18, 3, rng))

	forward := func() float64 {
		return sumSquaresHalf(bn.Forward(x, true))
	}

	out := bn.Forward(x, true)
	dX := bn.Backward(out) // dLoss/dOut = out for the half-sum-of-squares loss

	finiteDiffCheck(t, "gamma", bn.Gamma.W, bn.Gamma.G, forward, 0, 1)
	finiteDiffCheck(t, "beta", bn.Beta.W, bn.Beta.G, forward, 0, 2)
	finiteDiffCheck(t, "x", x, dX, forward, 3, 0)
}

// ---- Embedding ----
func TestEmbeddingGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	emb := NewEmbedding("activity", 5, 3, rng)
	codes := []int{0, 2, 2, 4}

	forward := func() float64 {
		out, err := emb.Lookup(codes)
		if err != nil {
			t.Fatal(err)
		}
		return sumSquaresHalf(out)
	}

	out, err := emb.Lookup(codes)
	if err != nil {
		t.Fatal(err)
	}
	emb.Accumulate(codes, out)

	finiteDiffCheck(t, "emb", emb.W.W, emb.W.G, forward, 2, 1) // code used twice
	finiteDiffCheck(t, "emb", emb.W.W, emb.W.G, forward, 4, 0)
	finiteDiffCheck(t, "emb", emb.W.W, emb.W.G, forward, 1, 0) // unused code, zero grad
}

// ---- LSTM ----
func TestLSTMGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	lstm := NewLSTM("lstm", 3, 4, 2, rng)
	xs := []*mat.Dense{
		mat.NewDense(2, 3, randomArray(6, 3, rng)),
		mat.NewDense(2, 3, randomArray(6, 3, rng)),
		mat.NewDense(2, 3, randomArray(6, 3, rng)),
	}

	forward := func() float64 {
		hs, _, err := lstm.Forward(xs, nil)
		if err != nil {
			t.Fatal(err)
		}
		return sumSquaresHalf(hs...)
	}

	hs, _, err := lstm.Forward(xs, nil)
	if err != nil {
		t.Fatal(err)
	}
	dHs := make([]*mat.Dense, len(hs))
	for i, h := range hs {
		dHs[i] = mat.DenseCopyOf(h)
	}
	dXs := lstm.Backward(dHs)

	l0, l1 := lstm.layers[0], lstm.layers[1]
	finiteDiffCheck(t, "l0.wxi", l0.wxi.W, l0.wxi.G, forward, 0, 0)
	finiteDiffCheck(t, "l0.whf", l0.whf.W, l0.whf.G, forward, 1, 2)
	finiteDiffCheck(t, "l0.bg", l0.bg.W, l0.bg.G, forward, 0, 3)
	finiteDiffCheck(t, "l1.wxo", l1.wxo.W, l1.wxo.G, forward, 2, 1)
	finiteDiffCheck(t, "l1.whg", l1.whg.W, l1.whg.G, forward, 3, 0)
	finiteDiffCheck(t, "x1", xs[1], dXs[1], forward, 0, 2)
	finiteDiffCheck(t, "x2", xs[2], dXs[2], forward, 1, 1)
}

// ---- Losses ----
func TestCrossEntropyGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	logits := mat.NewDense(4, 3, randomArray(12, 3, rng))
	targets := []int{2, 0, 1, 2}

	forward := func() float64 {
		loss, _ := CrossEntropy(logits, targets)
		return loss
	}
	_, grad := CrossEntropy(logits, targets)

	for _, ij := range [][2]int{{0, 0}, {1, 2}, {3, 1}} {
		finiteDiffCheck(t, "logits", logits, grad, forward, ij[0], ij[1])
	}

	// softmax-minus-onehot rows sum to zero
	for i := 0; i < 4; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += grad.At(i, j)
		}
		if math.Abs(sum) > 1e-12 {
			t.Fatalf("row %d grad sum = %g, want 0", i, sum)
		}
	}
}

func TestMSEGradient(t *testing.T) {
	pred := mat.NewDense(3, 1, []float64{1.0, -0.5, 2.0})
	targets := []float64{0.5, 0.0, 2.0}

	forward := func() float64 {
		loss, _ := MSE(pred, targets)
		return loss
	}
	loss, grad := MSE(pred, targets)

	want := (0.25 + 0.25 + 0) / 3
	if math.Abs(loss-want) > 1e-12 {
		t.Fatalf("loss = %g, want %g", loss, want)
	}
	finiteDiffCheck(t, "pred", pred, grad, forward, 0, 0)
	finiteDiffCheck(t, "pred", pred, grad, forward, 1, 0)
}
