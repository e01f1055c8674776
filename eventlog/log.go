// Package eventlog reads tabular event logs and slices their traces into
// fixed-length prefix windows batched for training.
package eventlog

import (
	"encoding/csv"
	"io"
	"math/rand"
	"os"
	"strconv"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// Event is one record of a trace: an activity label, an optional resource
// (raw string; may encode a numeric value), and the normalized remaining
// time at that point of the trace.
type Event struct {
	Activity      string
	Resource      string
	RemainingTime float64
}

// Trace is an ordered sequence of events for one case, plus the scalar
// condition the model is trained against (normalized total trace time).
type Trace struct {
	CaseID    string
	Condition float64
	Events    []Event
}

// Log holds the train/test traces of one dataset.
type Log struct {
	Train []Trace
	Test  []Trace
}

// Expected columns. trace_time_norm is optional: when absent, the first
// event's remaining time (the full trace duration) is used as condition.
const (
	colCaseID    = "case_id"
	colActivity  = "activity"
	colResource  = "resource"
	colRemaining = "remaining_time_norm"
	colTraceTime = "trace_time_norm"
	colSplit     = "split"
)

// ReadCSV parses an event log. Rows must be grouped by case and ordered
// within each case; the reader preserves encounter order.
func ReadCSV(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.WrapData(err, "open event log")
	}
	defer f.Close()
	return readCSV(f)
}

func readCSV(r io.Reader) (*Log, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errdefs.WrapData(err, "read event log header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{colCaseID, colActivity, colRemaining, colSplit} {
		if _, ok := col[required]; !ok {
			return nil, errdefs.Data("event log missing column %q", required)
		}
	}
	hasResource := has(col, colResource)
	hasTraceTime := has(col, colTraceTime)

	log := &Log{}
	var cur *Trace
	var curSplit string
	flush := func() {
		if cur == nil {
			return
		}
		if !hasTraceTime && len(cur.Events) > 0 {
			cur.Condition = cur.Events[0].RemainingTime
		}
		switch curSplit {
		case "test":
			log.Test = append(log.Test, *cur)
		default:
			log.Train = append(log.Train, *cur)
		}
		cur = nil
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.WrapData(err, "read event log row")
		}
		caseID := row[col[colCaseID]]
		if cur == nil || cur.CaseID != caseID {
			flush()
			cur = &Trace{CaseID: caseID}
			curSplit = row[col[colSplit]]
		}
		rt, err := strconv.ParseFloat(row[col[colRemaining]], 64)
		if err != nil {
			return nil, errdefs.Data("line %d: bad %s value %q", line, colRemaining, row[col[colRemaining]])
		}
		if hasTraceTime {
			tt, err := strconv.ParseFloat(row[col[colTraceTime]], 64)
			if err != nil {
				return nil, errdefs.Data("line %d: bad %s value %q", line, colTraceTime, row[col[colTraceTime]])
			}
			cur.Condition = tt
		}
		ev := Event{Activity: row[col[colActivity]], RemainingTime: rt}
		if hasResource {
			ev.Resource = row[col[colResource]]
		}
		cur.Events = append(cur.Events, ev)
	}
	flush()
	if len(log.Train) == 0 {
		return nil, errdefs.Data("event log has no training traces")
	}
	return log, nil
}

func has(col map[string]int, name string) bool {
	_, ok := col[name]
	return ok
}

// Records flattens traces into per-event attribute maps for vocabulary
// building.
func Records(traces []Trace) []map[string]string {
	var out []map[string]string
	for _, tr := range traces {
		for _, ev := range tr.Events {
			rec := map[string]string{colActivity: ev.Activity}
			if ev.Resource != "" {
				rec[colResource] = ev.Resource
			}
			out = append(out, rec)
		}
	}
	return out
}

// Synthetic generates a deterministic toy log: nTraces traces of nEvents
// events drawn from nActivities labels, with linearly decaying remaining
// time. Used by tests and the smoke-train path.
func Synthetic(nTraces, nEvents, nActivities int, rng *rand.Rand) []Trace {
	traces := make([]Trace, 0, nTraces)
	for i := 0; i < nTraces; i++ {
		tr := Trace{CaseID: "case_" + strconv.Itoa(i)}
		total := 0.5 + rng.Float64()
		tr.Condition = total
		for j := 0; j < nEvents; j++ {
			tr.Events = append(tr.Events, Event{
				Activity:      "act_" + strconv.Itoa(rng.Intn(nActivities)),
				RemainingTime: total * float64(nEvents-j) / float64(nEvents),
			})
		}
		traces = append(traces, tr)
	}
	return traces
}
