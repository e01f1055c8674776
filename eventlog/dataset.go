package eventlog

import (
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/vocab"
)

// ResourceMode says how the resource attribute is represented in a run.
// Decided once at dataset construction and mirrored by the model's
// resource head.
type ResourceMode int

const (
	// ResourceNone: the log carries no resource attribute.
	ResourceNone ResourceMode = iota
	// ResourceCategorical: resource has a vocabulary; codes in column 1.
	ResourceCategorical
	// ResourceContinuous: resource is a numeric column passed through.
	ResourceContinuous
)

// Batch is the collation contract handed to the model: one matrix per
// window step, each (batch x features), categorical columns carrying
// integer codes as floats, plus the per-example condition column and the
// next-event targets.
type Batch struct {
	Events []*mat.Dense // prefix_len matrices of (Size x features)
	Cond   *mat.Dense   // (Size x 1)

	NextActivity  []int
	NextResource  []int     // categorical targets; nil otherwise
	NextResValue  []float64 // continuous targets; nil otherwise
	NextRemaining []float64

	Size int
}

type windowRec struct {
	rows   [][]float64 // prefixLen rows of features
	cond   float64
	act    int
	res    int
	resVal float64
	remain float64
}

// Dataset holds the encoded prefix windows of one split. Evaluation splits
// must be built with the training split's vocabularies so unseen values
// fail instead of being remapped.
type Dataset struct {
	Vocabs    *vocab.Set
	PrefixLen int

	resMode   ResourceMode
	nFeatures int
	windows   []windowRec
}

// NewDataset slices traces into prefix windows. Each window is exactly
// prefixLen consecutive events; its target is the following event. Traces
// shorter than prefixLen+1 contribute no windows.
func NewDataset(traces []Trace, vocabs *vocab.Set, prefixLen int) (*Dataset, error) {
	if prefixLen <= 0 {
		return nil, errdefs.Config("prefix length must be positive, got %d", prefixLen)
	}
	ds := &Dataset{Vocabs: vocabs, PrefixLen: prefixLen, resMode: resourceMode(traces, vocabs)}
	ds.nFeatures = vocabs.Len() + 1 // categorical columns plus remaining time
	if ds.resMode == ResourceContinuous {
		ds.nFeatures++
	}

	for _, tr := range traces {
		rows := make([][]float64, len(tr.Events))
		for i, ev := range tr.Events {
			row, err := ds.encode(ev)
			if err != nil {
				return nil, err
			}
			rows[i] = row
		}
		for start := 0; start+prefixLen < len(tr.Events); start++ {
			next := tr.Events[start+prefixLen]
			w := windowRec{
				rows:   rows[start : start+prefixLen],
				cond:   tr.Condition,
				remain: next.RemainingTime,
			}
			actV := vocabs.Get("activity")
			code, err := actV.Encode(next.Activity)
			if err != nil {
				return nil, err
			}
			w.act = code
			switch ds.resMode {
			case ResourceCategorical:
				rcode, err := vocabs.Get("resource").Encode(next.Resource)
				if err != nil {
					return nil, err
				}
				w.res = rcode
			case ResourceContinuous:
				v, err := parseResource(next.Resource)
				if err != nil {
					return nil, err
				}
				w.resVal = v
			}
			ds.windows = append(ds.windows, w)
		}
	}
	return ds, nil
}

func resourceMode(traces []Trace, vocabs *vocab.Set) ResourceMode {
	if vocabs.Has("resource") {
		return ResourceCategorical
	}
	for _, tr := range traces {
		for _, ev := range tr.Events {
			if ev.Resource != "" {
				return ResourceContinuous
			}
		}
	}
	return ResourceNone
}

func parseResource(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errdefs.Data("continuous resource value %q is not numeric", raw)
	}
	return v, nil
}

// encode lays out one event row: categorical codes first, in vocabulary
// order, then the untouched numeric columns.
func (ds *Dataset) encode(ev Event) ([]float64, error) {
	row := make([]float64, 0, ds.nFeatures)
	for _, name := range ds.Vocabs.Features() {
		var raw string
		switch name {
		case "activity":
			raw = ev.Activity
		case "resource":
			raw = ev.Resource
		default:
			return nil, errdefs.Config("unknown categorical feature %q", name)
		}
		code, err := ds.Vocabs.Get(name).Encode(raw)
		if err != nil {
			return nil, err
		}
		row = append(row, float64(code))
	}
	if ds.resMode == ResourceContinuous {
		v, err := parseResource(ev.Resource)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}
	row = append(row, ev.RemainingTime)
	return row, nil
}

// NumFeatures returns the event-row width.
func (ds *Dataset) NumFeatures() int { return ds.nFeatures }

// NumWindows returns the total number of prefix windows.
func (ds *Dataset) NumWindows() int { return len(ds.windows) }

// ResourceMode reports how the resource attribute is represented.
func (ds *Dataset) ResourceMode() ResourceMode { return ds.resMode }

// Loader batches a dataset in a caller-controlled order: shuffled per
// epoch for training, fixed for evaluation.
type Loader struct {
	ds        *Dataset
	batchSize int
	order     []int
}

// NewLoader wraps ds with the given batch size.
func NewLoader(ds *Dataset, batchSize int) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errdefs.Config("batch size must be positive, got %d", batchSize)
	}
	order := make([]int, ds.NumWindows())
	for i := range order {
		order[i] = i
	}
	return &Loader{ds: ds, batchSize: batchSize, order: order}, nil
}

// Shuffle permutes the iteration order for the next epoch.
func (l *Loader) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// Batches returns the number of batches per epoch; the final batch may be
// partial.
func (l *Loader) Batches() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// Batch collates the i-th batch of the current order.
func (l *Loader) Batch(i int) *Batch {
	lo := i * l.batchSize
	hi := lo + l.batchSize
	if hi > len(l.order) {
		hi = len(l.order)
	}
	ixs := l.order[lo:hi]
	b := &Batch{
		Size:          len(ixs),
		Cond:          mat.NewDense(len(ixs), 1, nil),
		NextActivity:  make([]int, len(ixs)),
		NextRemaining: make([]float64, len(ixs)),
	}
	switch l.ds.resMode {
	case ResourceCategorical:
		b.NextResource = make([]int, len(ixs))
	case ResourceContinuous:
		b.NextResValue = make([]float64, len(ixs))
	}
	b.Events = make([]*mat.Dense, l.ds.PrefixLen)
	for t := range b.Events {
		b.Events[t] = mat.NewDense(len(ixs), l.ds.nFeatures, nil)
	}
	for row, ix := range ixs {
		w := l.ds.windows[ix]
		for t := 0; t < l.ds.PrefixLen; t++ {
			b.Events[t].SetRow(row, w.rows[t])
		}
		b.Cond.Set(row, 0, w.cond)
		b.NextActivity[row] = w.act
		b.NextRemaining[row] = w.remain
		if b.NextResource != nil {
			b.NextResource[row] = w.res
		}
		if b.NextResValue != nil {
			b.NextResValue[row] = w.resVal
		}
	}
	return b
}
