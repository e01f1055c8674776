// Package engine drives training: epoch/batch iteration, mixed loss
// computation, scaler-wrapped optimizer steps, learning-rate scheduling,
// and per-epoch evaluation over the held-out loader.
package engine

import (
	"math"
	"math/rand"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/eventlog"
	"github.com/raseidi/ConditionedSimulation/model"
	"github.com/raseidi/ConditionedSimulation/nn"
	"github.com/raseidi/ConditionedSimulation/params"
)

// EpochMetrics is one epoch's aggregated report.
type EpochMetrics struct {
	Epoch   int
	Metrics map[string]float64
}

// History accumulates what a run produced, mainly for tests and
// checkpoint bookkeeping.
type History struct {
	Epochs       []EpochMetrics
	TotalBatches int
	SkippedSteps int
	BestTestLoss float64
}

// Engine owns one training run. Batches are processed strictly
// sequentially; recurrent state may flow from one batch into the next.
type Engine struct {
	cfg    params.Config
	model  model.Model
	optim  *nn.AdamW
	sched  *nn.CosineSchedule
	scaler *nn.Scaler
	rng    *rand.Rand
	log    *logrus.Logger

	reporters []Reporter
}

// New wires the optimizer, scheduler, and scaler around the model. The
// cosine horizon is the total number of training batches of the run.
func New(cfg params.Config, m model.Model, trainBatches int, log *logrus.Logger) *Engine {
	optim := nn.NewAdamW(m.Params(), cfg.LR, cfg.WeightDecay, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	return &Engine{
		cfg:    cfg,
		model:  m,
		optim:  optim,
		sched:  nn.NewCosineSchedule(cfg.LR, cfg.Epochs*trainBatches),
		scaler: nn.NewScaler(cfg.EnableScaler),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		log:    log,
	}
}

// AddReporter attaches a metrics sink.
func (e *Engine) AddReporter(r Reporter) {
	e.reporters = append(e.reporters, r)
}

// Train runs the full epoch loop. Configuration and data-contract errors
// abort immediately; numeric instability and sink failures do not.
func (e *Engine) Train(trainLoader, testLoader *eventlog.Loader) (*History, error) {
	hist := &History{BestTestLoss: math.Inf(1)}
	for epoch := 0; epoch < e.cfg.Epochs; epoch++ {
		if e.cfg.ShuffleDataset {
			trainLoader.Shuffle(e.rng)
		}
		trainMetrics, err := e.trainEpoch(trainLoader, hist)
		if err != nil {
			return hist, err
		}
		testMetrics, err := e.Evaluate(testLoader)
		if err != nil {
			return hist, err
		}

		metrics := make(map[string]float64, len(trainMetrics)+len(testMetrics)+1)
		for k, v := range trainMetrics {
			metrics["train_"+k] = v
		}
		for k, v := range testMetrics {
			metrics["test_"+k] = v
		}
		metrics["lr"] = e.sched.LR()
		hist.Epochs = append(hist.Epochs, EpochMetrics{Epoch: epoch, Metrics: metrics})
		improved := false
		if tl := testMetrics["loss"]; tl < hist.BestTestLoss {
			hist.BestTestLoss = tl
			improved = true
		}
		e.report(epoch, metrics)
		e.checkpoint(epoch, improved)
	}
	return hist, nil
}

func (e *Engine) trainEpoch(loader *eventlog.Loader, hist *History) (map[string]float64, error) {
	e.model.SetMode(true)
	var sums lossSums
	var state *nn.State
	for i := 0; i < loader.Batches(); i++ {
		b := loader.Batch(i)
		if e.cfg.CarryState && state != nil && state.BatchSize() != b.Size {
			// shape mismatch is an error inside the model; a fresh state
			// is allocated instead of reusing the stale one
			state = nil
		}
		out, newState, err := e.model.Forward(b, state)
		if err != nil {
			return nil, err
		}

		batch := e.losses(out, b)
		hist.TotalBatches++
		if !batch.finite() {
			e.log.WithFields(logrus.Fields{"batch": i, "loss": batch.total}).
				Warn("non-finite loss, skipping optimizer step")
			e.optim.ZeroGrad()
			hist.SkippedSteps++
			e.optim.SetLR(e.sched.Step())
			continue
		}
		sums.add(batch, b)

		s := e.scaler.Scale()
		scaleInPlace(batch.dAct, s)
		scaleInPlace(batch.dRes, s)
		scaleInPlace(batch.dRT, s)
		e.model.Backward(batch.dAct, batch.dRes, batch.dRT)

		if e.scaler.Unscale(e.optim.Params()) {
			nn.ClipGrads(e.cfg.GradClip, e.optim.Params())
			e.optim.Step()
		} else {
			e.log.WithField("batch", i).Warn("gradient overflow, optimizer step skipped")
			hist.SkippedSteps++
		}
		e.optim.ZeroGrad()
		// the schedule tracks processed batches, skipped steps included
		e.optim.SetLR(e.sched.Step())

		if e.cfg.CarryState {
			state = newState
		}
	}
	return sums.metrics(), nil
}

// Evaluate runs a no-gradient pass over the loader in its fixed order,
// accumulating the same three losses plus exact-match accuracy and mean
// absolute error for reporting.
func (e *Engine) Evaluate(loader *eventlog.Loader) (map[string]float64, error) {
	e.model.SetMode(false)
	defer e.model.SetMode(true)

	var sums lossSums
	for i := 0; i < loader.Batches(); i++ {
		b := loader.Batch(i)
		out, _, err := e.model.Forward(b, nil)
		if err != nil {
			return nil, err
		}
		sums.add(e.losses(out, b), b)
	}
	return sums.metrics(), nil
}

// batchLosses carries one batch's loss values and head gradients.
type batchLosses struct {
	act, res, rt, total float64
	accuracy            float64
	mae                 float64
	dAct, dRes, dRT     *mat.Dense
}

func (bl *batchLosses) finite() bool {
	return !math.IsNaN(bl.total) && !math.IsInf(bl.total, 0)
}

// losses computes the combined objective: cross-entropy on activity,
// cross-entropy or squared error on resource depending on the head fixed
// at construction, and squared error on remaining time.
func (e *Engine) losses(out *model.Output, b *eventlog.Batch) batchLosses {
	var bl batchLosses
	bl.act, bl.dAct = nn.CrossEntropy(out.Activity, b.NextActivity)
	bl.accuracy = nn.Accuracy(out.Activity, b.NextActivity)

	switch {
	case e.model.ResourceCategorical():
		bl.res, bl.dRes = nn.CrossEntropy(out.Resource, b.NextResource)
	case b.NextResValue != nil:
		bl.res, bl.dRes = nn.MSE(out.Resource, b.NextResValue)
	default:
		// no resource attribute in the log: width-1 head, zero weight
		bl.dRes = mat.NewDense(b.Size, 1, nil)
	}

	bl.rt, bl.dRT = nn.MSE(out.Remaining, b.NextRemaining)
	bl.mae = nn.MAE(out.Remaining, b.NextRemaining)

	wa, wr, wt := e.cfg.ActivityWeight, e.cfg.ResourceWeight, e.cfg.RemainingWeight
	scaleInPlace(bl.dAct, wa)
	scaleInPlace(bl.dRes, wr)
	scaleInPlace(bl.dRT, wt)
	bl.total = wa*bl.act + wr*bl.res + wt*bl.rt
	return bl
}

type lossSums struct {
	act, res, rt, total float64
	accuracy, mae       float64
	batches             int
	examples            int
}

func (s *lossSums) add(bl batchLosses, b *eventlog.Batch) {
	s.act += bl.act
	s.res += bl.res
	s.rt += bl.rt
	s.total += bl.total
	s.accuracy += bl.accuracy * float64(b.Size)
	s.mae += bl.mae * float64(b.Size)
	s.batches++
	s.examples += b.Size
}

func (s *lossSums) metrics() map[string]float64 {
	n := float64(s.batches)
	if n == 0 {
		n = 1
	}
	ex := float64(s.examples)
	if ex == 0 {
		ex = 1
	}
	return map[string]float64{
		"loss":           s.total / n,
		"activity_loss":  s.act / n,
		"resource_loss":  s.res / n,
		"remaining_loss": s.rt / n,
		"accuracy":       s.accuracy / ex,
		"remaining_mae":  s.mae / ex,
	}
}

// checkpoint saves weights on the configured cadence plus whenever the
// held-out loss improves. Failures degrade to a warning like any other
// external sink.
func (e *Engine) checkpoint(epoch int, improved bool) {
	if e.cfg.CheckpointDir == "" {
		return
	}
	if improved {
		if err := SaveCheckpoint(filepath.Join(e.cfg.CheckpointDir, "best.gob"), e.optim.Params()); err != nil {
			e.log.WithError(err).Warn("best checkpoint failed")
		}
	}
	if e.cfg.CheckpointEvery > 0 && (epoch+1)%e.cfg.CheckpointEvery == 0 {
		if err := SaveCheckpoint(filepath.Join(e.cfg.CheckpointDir, "last.gob"), e.optim.Params()); err != nil {
			e.log.WithError(err).Warn("checkpoint failed")
		}
	}
}

func (e *Engine) report(epoch int, metrics map[string]float64) {
	for _, r := range e.reporters {
		if err := r.Report(epoch, metrics); err != nil {
			// degrade to the remaining sinks; a dead tracker must never
			// kill the run
			e.log.WithError(err).Warn("metrics sink failed")
		}
	}
}

func scaleInPlace(m *mat.Dense, s float64) {
	if s == 1 {
		return
	}
	m.Scale(s, m)
}
