// Package experiment keeps a local registry of runs and their per-epoch
// metrics in SQLite, so repeated invocations of the same configuration can
// be skipped.
package experiment

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/params"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	config     TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	epoch  INTEGER NOT NULL,
	name   TEXT NOT NULL,
	value  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id, epoch);
`

// Registry wraps the run database.
type Registry struct {
	db *sql.DB
}

// Open creates or opens the registry at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdefs.External(err, "open experiment registry")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errdefs.External(err, "create registry schema")
	}
	return &Registry{db: db}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RunName derives the registry key from the full configuration, the same
// way the sweep tooling names runs.
func RunName(cfg params.Config, nFeatures int) string {
	return fmt.Sprintf("%s-variant=%s-n_features=%d-lr=%g-bs=%d-wd=%g-epochs=%d-hidden=%d-gradclip=%g-nlayers=%d",
		cfg.Dataset, cfg.Variant, nFeatures, cfg.LR, cfg.BatchSize, cfg.WeightDecay,
		cfg.Epochs, cfg.HiddenSize, cfg.GradClip, cfg.NLayers)
}

// Exists reports whether a run with this name was already recorded.
func (r *Registry) Exists(name string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, errdefs.External(err, "query runs")
	}
	return n > 0, nil
}

// Create records a new run and returns a logger bound to it.
func (r *Registry) Create(name string, cfg params.Config) (*RunLogger, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, errdefs.External(err, "encode run config")
	}
	res, err := r.db.Exec(`INSERT INTO runs (name, config) VALUES (?, ?)`, name, string(raw))
	if err != nil {
		return nil, errdefs.External(err, "insert run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errdefs.External(err, "run id")
	}
	return &RunLogger{db: r.db, runID: id}, nil
}

// RunLogger persists per-epoch metrics for one run. It satisfies the
// engine's Reporter contract.
type RunLogger struct {
	db    *sql.DB
	runID int64
}

// Report stores one epoch's metrics.
func (l *RunLogger) Report(epoch int, metrics map[string]float64) error {
	tx, err := l.db.Begin()
	if err != nil {
		return errdefs.External(err, "begin metrics tx")
	}
	for name, value := range metrics {
		if _, err := tx.Exec(
			`INSERT INTO metrics (run_id, epoch, name, value) VALUES (?, ?, ?, ?)`,
			l.runID, epoch, name, value,
		); err != nil {
			tx.Rollback()
			return errdefs.External(err, "insert metric")
		}
	}
	return errdefs.ExternalIf(tx.Commit(), "commit metrics")
}
