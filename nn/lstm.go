package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// State is the recurrent (hidden, cell) pair per stacked layer. A State
// returned by Forward owns copies of the final-step activations and shares
// no storage with the layer caches, so feeding it back into the next
// window cannot backpropagate across the window boundary.
type State struct {
	H []*mat.Dense // per layer, (batch x hidden)
	C []*mat.Dense
}

// BatchSize returns the batch dimension of the state.
func (s *State) BatchSize() int {
	if s == nil || len(s.H) == 0 {
		return 0
	}
	b, _ := s.H[0].Dims()
	return b
}

// LSTM is a stacked recurrent network consuming batch-first sequences:
// one (batch x in) matrix per step. Backward truncates at the window
// boundary; gradients never flow into the initial state.
type LSTM struct {
	In     int
	Hidden int
	Layers int

	layers []*lstmLayer
}

// NewLSTM builds a stack of Layers cells; layer 0 consumes in features,
// deeper layers consume the hidden width.
func NewLSTM(name string, in, hidden, layers int, rng *rand.Rand) *LSTM {
	l := &LSTM{In: in, Hidden: hidden, Layers: layers}
	for i := 0; i < layers; i++ {
		lin := in
		if i > 0 {
			lin = hidden
		}
		l.layers = append(l.layers, newLSTMLayer(fmt.Sprintf("%s.l%d", name, i), lin, hidden, rng))
	}
	return l
}

// Forward runs the full window and returns the per-step outputs of the top
// layer plus the detached final state. A non-nil initial state must match
// the input batch size and the stack shape; mismatches are data-contract
// errors, never silently reshaped.
func (l *LSTM) Forward(xs []*mat.Dense, st *State) ([]*mat.Dense, *State, error) {
	if len(xs) == 0 {
		return nil, nil, errdefs.Data("lstm: empty input window")
	}
	b, f := xs[0].Dims()
	if f != l.In {
		return nil, nil, errdefs.Data("lstm: input width %d, want %d", f, l.In)
	}
	if st != nil {
		if len(st.H) != l.Layers || len(st.C) != l.Layers {
			return nil, nil, errdefs.Data("lstm: state has %d layers, want %d", len(st.H), l.Layers)
		}
		if sb := st.BatchSize(); sb != b {
			return nil, nil, errdefs.Data("lstm: state batch size %d does not match input batch size %d", sb, b)
		}
	}

	out := &State{H: make([]*mat.Dense, l.Layers), C: make([]*mat.Dense, l.Layers)}
	seq := xs
	for i, layer := range l.layers {
		var h0, c0 *mat.Dense
		if st != nil {
			h0, c0 = st.H[i], st.C[i]
		}
		hs, hT, cT := layer.forward(seq, h0, c0)
		// detach: the exposed state is a copy with no graph history
		out.H[i] = mat.DenseCopyOf(hT)
		out.C[i] = mat.DenseCopyOf(cT)
		seq = hs
	}
	return seq, out, nil
}

// Backward propagates per-step gradients of the top layer's outputs down
// the stack, accumulating parameter gradients, and returns the per-step
// input gradients. Initial-state gradients are dropped at the window
// boundary.
func (l *LSTM) Backward(dHs []*mat.Dense) []*mat.Dense {
	d := dHs
	for i := l.Layers - 1; i >= 0; i-- {
		d = l.layers[i].backward(d)
	}
	return d
}

// Params collects every gate parameter in the stack.
func (l *LSTM) Params() []*Param {
	var ps []*Param
	for _, layer := range l.layers {
		ps = append(ps, layer.params()...)
	}
	return ps
}

// lstmLayer is one cell of the stack with separate input/hidden weights
// per gate (input, forget, candidate, output).
type lstmLayer struct {
	in, hidden int

	wxi, whi, bi *Param
	wxf, whf, bf *Param
	wxg, whg, bg *Param
	wxo, who, bo *Param

	// caches from the last forward, one entry per step
	xs, hprev, cprev   []*mat.Dense
	gi, gf, gg, og, tc []*mat.Dense
}

func newLSTMLayer(name string, in, hidden int, rng *rand.Rand) *lstmLayer {
	wx := func(gate string) *Param {
		return newParam(name+".wx"+gate, in, hidden, randomArray(in*hidden, float64(hidden), rng))
	}
	wh := func(gate string) *Param {
		return newParam(name+".wh"+gate, hidden, hidden, randomArray(hidden*hidden, float64(hidden), rng))
	}
	bias := func(gate string) *Param {
		return newParam(name+".b"+gate, 1, hidden, nil)
	}
	return &lstmLayer{
		in: in, hidden: hidden,
		wxi: wx("i"), whi: wh("i"), bi: bias("i"),
		wxf: wx("f"), whf: wh("f"), bf: bias("f"),
		wxg: wx("g"), whg: wh("g"), bg: bias("g"),
		wxo: wx("o"), who: wh("o"), bo: bias("o"),
	}
}

// gatePre computes x*Wx + h*Wh + b.
func gatePre(x, wx, h, wh, b *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, cols := wx.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Mul(x, wx)
	var hw mat.Dense
	hw.Mul(h, wh)
	out.Add(out, &hw)
	addRowInPlace(out, b)
	return out
}

func applySigmoid(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, sigmoid(m.At(i, j)))
		}
	}
	return out
}

func applyTanh(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, math.Tanh(m.At(i, j)))
		}
	}
	return out
}

func (l *lstmLayer) forward(xs []*mat.Dense, h0, c0 *mat.Dense) (hs []*mat.Dense, hT, cT *mat.Dense) {
	b, _ := xs[0].Dims()
	h := h0
	c := c0
	if h == nil {
		h = mat.NewDense(b, l.hidden, nil)
	}
	if c == nil {
		c = mat.NewDense(b, l.hidden, nil)
	}

	T := len(xs)
	l.xs = xs
	l.hprev = make([]*mat.Dense, T)
	l.cprev = make([]*mat.Dense, T)
	l.gi = make([]*mat.Dense, T)
	l.gf = make([]*mat.Dense, T)
	l.gg = make([]*mat.Dense, T)
	l.og = make([]*mat.Dense, T)
	l.tc = make([]*mat.Dense, T)

	hs = make([]*mat.Dense, T)
	for t := 0; t < T; t++ {
		l.hprev[t] = h
		l.cprev[t] = c

		i := applySigmoid(gatePre(xs[t], l.wxi.W, h, l.whi.W, l.bi.W))
		f := applySigmoid(gatePre(xs[t], l.wxf.W, h, l.whf.W, l.bf.W))
		g := applyTanh(gatePre(xs[t], l.wxg.W, h, l.whg.W, l.bg.W))
		o := applySigmoid(gatePre(xs[t], l.wxo.W, h, l.who.W, l.bo.W))

		cNext := mulElem(f, c)
		addInPlace(cNext, mulElem(i, g))
		tc := applyTanh(cNext)
		hNext := mulElem(o, tc)

		l.gi[t], l.gf[t], l.gg[t], l.og[t] = i, f, g, o
		l.tc[t] = tc

		h, c = hNext, cNext
		hs[t] = hNext
	}
	return hs, h, c
}

// backward runs truncated BPTT over the cached window. dHs carries the
// upstream gradient for every step's output; the returned slice holds the
// per-step input gradients.
func (l *lstmLayer) backward(dHs []*mat.Dense) []*mat.Dense {
	T := len(dHs)
	b, _ := dHs[0].Dims()
	dXs := make([]*mat.Dense, T)

	dhNext := mat.NewDense(b, l.hidden, nil)
	dcNext := mat.NewDense(b, l.hidden, nil)

	for t := T - 1; t >= 0; t-- {
		dh := mat.DenseCopyOf(dHs[t])
		dh.Add(dh, dhNext)

		i, f, g, o := l.gi[t], l.gf[t], l.gg[t], l.og[t]
		tc := l.tc[t]

		// dc = dcNext + dh*o*(1 - tanh(c)^2)
		dc := mat.DenseCopyOf(dcNext)
		tmp := mulElem(dh, o)
		for r := 0; r < b; r++ {
			for col := 0; col < l.hidden; col++ {
				v := tc.At(r, col)
				tmp.Set(r, col, tmp.At(r, col)*(1-v*v))
			}
		}
		dc.Add(dc, tmp)

		// pre-activation gradients per gate
		dAo := mulElem(mulElem(dh, tc), sigmoidGrad(o))
		dAi := mulElem(mulElem(dc, g), sigmoidGrad(i))
		dAg := mulElem(mulElem(dc, i), tanhGrad(g))
		dAf := mulElem(mulElem(dc, l.cprev[t]), sigmoidGrad(f))

		// carry to step t-1
		dcNext = mulElem(dc, f)
		dhNext = mat.NewDense(b, l.hidden, nil)

		dX := mat.NewDense(b, l.in, nil)
		accGate := func(dA *mat.Dense, wx, wh, bias *Param) {
			var dW mat.Dense
			dW.Mul(l.xs[t].T(), dA)
			wx.G.Add(wx.G, &dW)
			var dWh mat.Dense
			dWh.Mul(l.hprev[t].T(), dA)
			wh.G.Add(wh.G, &dWh)
			bias.G.Add(bias.G, colSums(dA))

			var dx mat.Dense
			dx.Mul(dA, wx.W.T())
			dX.Add(dX, &dx)
			var dhp mat.Dense
			dhp.Mul(dA, wh.W.T())
			dhNext.Add(dhNext, &dhp)
		}
		accGate(dAi, l.wxi, l.whi, l.bi)
		accGate(dAf, l.wxf, l.whf, l.bf)
		accGate(dAg, l.wxg, l.whg, l.bg)
		accGate(dAo, l.wxo, l.who, l.bo)

		dXs[t] = dX
	}
	// dhNext/dcNext at t=0 would flow into the initial state; dropped here,
	// which is what bounds backpropagation to one window.
	return dXs
}

func sigmoidGrad(s *mat.Dense) *mat.Dense {
	r, c := s.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := s.At(i, j)
			out.Set(i, j, v*(1-v))
		}
	}
	return out
}

func tanhGrad(t *mat.Dense) *mat.Dense {
	r, c := t.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := t.At(i, j)
			out.Set(i, j, 1-v*v)
		}
	}
	return out
}

func (l *lstmLayer) params() []*Param {
	return []*Param{
		l.wxi, l.whi, l.bi,
		l.wxf, l.whf, l.bf,
		l.wxg, l.whg, l.bg,
		l.wxo, l.who, l.bo,
	}
}
