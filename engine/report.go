package engine

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// Reporter receives the per-epoch metrics. The engine never aborts a run
// because a sink failed; reporter errors are logged and training goes on.
type Reporter interface {
	Report(epoch int, metrics map[string]float64) error
}

// LogReporter writes metrics as structured fields.
type LogReporter struct {
	Log *logrus.Logger
}

// Report logs one epoch's metrics.
func (r *LogReporter) Report(epoch int, metrics map[string]float64) error {
	fields := logrus.Fields{"epoch": epoch}
	for k, v := range metrics {
		fields[k] = v
	}
	r.Log.WithFields(fields).Info("epoch complete")
	return nil
}

// CSVReporter appends one row per epoch to a local file, serving as the
// fallback sink when a remote tracker is unavailable.
type CSVReporter struct {
	Path string

	file   *os.File
	writer *csv.Writer
	header []string
}

// Report writes the metrics row, creating the file and header on first
// use. Column order is fixed by the first epoch's metric names.
func (r *CSVReporter) Report(epoch int, metrics map[string]float64) error {
	if r.file == nil {
		f, err := os.Create(r.Path)
		if err != nil {
			return errdefs.External(err, "create metrics file")
		}
		r.file = f
		r.writer = csv.NewWriter(f)
		r.header = make([]string, 0, len(metrics)+1)
		r.header = append(r.header, "epoch")
		keys := make([]string, 0, len(metrics))
		for k := range metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		r.header = append(r.header, keys...)
		if err := r.writer.Write(r.header); err != nil {
			return errdefs.External(err, "write metrics header")
		}
	}
	row := make([]string, len(r.header))
	row[0] = strconv.Itoa(epoch)
	for i, k := range r.header[1:] {
		row[i+1] = strconv.FormatFloat(metrics[k], 'g', -1, 64)
	}
	if err := r.writer.Write(row); err != nil {
		return errdefs.External(err, "write metrics row")
	}
	r.writer.Flush()
	return errdefs.ExternalIf(r.writer.Error(), "flush metrics")
}

// Close releases the underlying file.
func (r *CSVReporter) Close() error {
	if r.file == nil {
		return nil
	}
	r.writer.Flush()
	return r.file.Close()
}
