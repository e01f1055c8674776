package engine

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/eventlog"
	"github.com/raseidi/ConditionedSimulation/model"
	"github.com/raseidi/ConditionedSimulation/params"
	"github.com/raseidi/ConditionedSimulation/vocab"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Epochs = 2
	cfg.BatchSize = 1
	cfg.HiddenSize = 8
	cfg.NLayers = 1
	cfg.GradClip = 1
	cfg.EnableScaler = true
	cfg.ShuffleDataset = false
	return cfg
}

// fixture builds a tiny synthetic run: 3 train and 2 test traces of 8
// events each, one-window batches.
func fixture(t *testing.T, cfg params.Config) (*Engine, model.Model, *eventlog.Loader, *eventlog.Loader) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	train := eventlog.Synthetic(3, 8, 4, rng)
	test := eventlog.Synthetic(2, 8, 4, rng)

	vocabs, err := vocab.Build(eventlog.Records(append(train, test...)), []string{"activity"})
	require.NoError(t, err)
	trainDS, err := eventlog.NewDataset(train, vocabs, cfg.PrefixLen)
	require.NoError(t, err)
	testDS, err := eventlog.NewDataset(test, vocabs, cfg.PrefixLen)
	require.NoError(t, err)
	trainLoader, err := eventlog.NewLoader(trainDS, cfg.BatchSize)
	require.NoError(t, err)
	testLoader, err := eventlog.NewLoader(testDS, cfg.BatchSize)
	require.NoError(t, err)

	m, err := model.New(cfg, vocabs, trainDS.NumFeatures(), rand.New(rand.NewSource(cfg.Seed)))
	require.NoError(t, err)
	return New(cfg, m, trainLoader.Batches(), quietLog()), m, trainLoader, testLoader
}

func TestTrainProcessesEveryBatch(t *testing.T) {
	cfg := testConfig()
	e, _, trainLoader, testLoader := fixture(t, cfg)

	hist, err := e.Train(trainLoader, testLoader)
	require.NoError(t, err)

	// 3 traces x 3 windows x 2 epochs
	assert.Equal(t, 18, hist.TotalBatches)
	require.Len(t, hist.Epochs, 2)
	assert.False(t, math.IsInf(hist.BestTestLoss, 0))

	for _, key := range []string{
		"train_loss", "train_activity_loss", "train_remaining_loss",
		"test_loss", "test_accuracy", "test_remaining_mae", "lr",
	} {
		v, ok := hist.Epochs[1].Metrics[key]
		require.True(t, ok, "missing metric %s", key)
		assert.False(t, math.IsNaN(v), "metric %s", key)
	}
}

func TestCarryStateHandlesPartialBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2 // 9 train windows: the final batch shrinks to 1
	cfg.CarryState = true
	e, _, trainLoader, testLoader := fixture(t, cfg)

	hist, err := e.Train(trainLoader, testLoader)
	require.NoError(t, err)
	assert.Equal(t, 10, hist.TotalBatches)
}

type failingReporter struct{ calls int }

func (r *failingReporter) Report(int, map[string]float64) error {
	r.calls++
	return errdefs.External(errors.New("sink down"), "report")
}

func TestFailingReporterDoesNotAbortTraining(t *testing.T) {
	cfg := testConfig()
	e, _, trainLoader, testLoader := fixture(t, cfg)

	fr := &failingReporter{}
	e.AddReporter(fr)
	_, err := e.Train(trainLoader, testLoader)
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, fr.calls)
}

func TestCSVReporterWritesOneRowPerEpoch(t *testing.T) {
	cfg := testConfig()
	e, _, trainLoader, testLoader := fixture(t, cfg)

	path := filepath.Join(t.TempDir(), "metrics.csv")
	r := &CSVReporter{Path: path}
	defer r.Close()
	e.AddReporter(r)

	_, err := e.Train(trainLoader, testLoader)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1+cfg.Epochs)
	assert.Equal(t, "epoch", rows[0][0])
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "1", rows[2][0])
}

func TestEvaluateLeavesParametersUntouched(t *testing.T) {
	cfg := testConfig()
	e, m, _, testLoader := fixture(t, cfg)

	before := make([]*mat.Dense, len(m.Params()))
	for i, p := range m.Params() {
		before[i] = mat.DenseCopyOf(p.W)
	}

	metrics, err := e.Evaluate(testLoader)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(metrics["loss"]))

	for i, p := range m.Params() {
		assert.True(t, mat.Equal(before[i], p.W), "param %s", p.Name)
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	cfg := testConfig()
	_, m, _, _ := fixture(t, cfg)

	path := filepath.Join(t.TempDir(), "best.gob")
	require.NoError(t, SaveCheckpoint(path, m.Params()))

	saved := make([]*mat.Dense, len(m.Params()))
	for i, p := range m.Params() {
		saved[i] = mat.DenseCopyOf(p.W)
		p.W.Scale(0, p.W) // wipe the live weights
	}

	require.NoError(t, LoadCheckpoint(path, m.Params()))
	for i, p := range m.Params() {
		assert.True(t, mat.Equal(saved[i], p.W), "param %s", p.Name)
	}
}

func TestLoadCheckpointRejectsShapeMismatch(t *testing.T) {
	cfg := testConfig()
	_, m, _, _ := fixture(t, cfg)

	path := filepath.Join(t.TempDir(), "best.gob")
	require.NoError(t, SaveCheckpoint(path, m.Params()))

	cfg2 := cfg
	cfg2.HiddenSize = 16
	_, m2, _, _ := fixture(t, cfg2)
	err := LoadCheckpoint(path, m2.Params())
	require.Error(t, err)
	assert.True(t, errdefs.IsData(err))
}

func TestBestCheckpointWrittenOnImprovement(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointDir = t.TempDir()
	cfg.CheckpointEvery = 1
	e, _, trainLoader, testLoader := fixture(t, cfg)

	_, err := e.Train(trainLoader, testLoader)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, "best.gob"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, "last.gob"))
	assert.NoError(t, err)
}
