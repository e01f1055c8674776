package experiment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raseidi/ConditionedSimulation/params"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRunNameEncodesConfig(t *testing.T) {
	cfg := params.Default()
	name := RunName(cfg, 2)
	assert.Contains(t, name, "bpi20_permit")
	assert.Contains(t, name, "variant=shared")
	assert.Contains(t, name, "n_features=2")
	assert.Contains(t, name, "lr=0.0005")
	assert.Contains(t, name, "bs=16")

	cfg.Variant = params.VariantSpecialized
	assert.NotEqual(t, name, RunName(cfg, 2))
}

func TestCreateThenExists(t *testing.T) {
	reg := openTestRegistry(t)
	cfg := params.Default()
	name := RunName(cfg, 2)

	ok, err := reg.Exists(name)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = reg.Create(name, cfg)
	require.NoError(t, err)

	ok, err = reg.Exists(name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateRunRejected(t *testing.T) {
	reg := openTestRegistry(t)
	cfg := params.Default()

	_, err := reg.Create("run-a", cfg)
	require.NoError(t, err)
	_, err = reg.Create("run-a", cfg)
	require.Error(t, err)
}

func TestRunLoggerPersistsMetrics(t *testing.T) {
	reg := openTestRegistry(t)
	logger, err := reg.Create("run-b", params.Default())
	require.NoError(t, err)

	require.NoError(t, logger.Report(0, map[string]float64{"train_loss": 1.5, "test_loss": 2.0}))
	require.NoError(t, logger.Report(1, map[string]float64{"train_loss": 1.2, "test_loss": 1.8}))

	var n int
	err = reg.db.QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var v float64
	err = reg.db.QueryRow(
		`SELECT value FROM metrics WHERE epoch = 1 AND name = 'train_loss'`).Scan(&v)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, v, 1e-12)
}
