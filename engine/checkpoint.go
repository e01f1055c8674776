package engine

import (
	"bytes"
	"encoding/gob"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/nn"
)

// paramData is the serializable view of one parameter: raw values plus
// shape, keyed by the parameter name.
type paramData struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// SaveCheckpoint persists the parameter set to path using gob.
func SaveCheckpoint(path string, ps []*nn.Param) error {
	out := make([]paramData, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		out[i] = paramData{Name: p.Name, Rows: r, Cols: c, Data: append([]float64(nil), raw.Data...)}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(out); err != nil {
		return errdefs.External(err, "encode checkpoint")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errdefs.External(err, "write checkpoint")
	}
	return nil
}

// LoadCheckpoint restores a parameter set saved by SaveCheckpoint. Every
// stored parameter must match a current one by name and shape.
func LoadCheckpoint(path string, ps []*nn.Param) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errdefs.External(err, "read checkpoint")
	}
	var in []paramData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&in); err != nil {
		return errdefs.External(err, "decode checkpoint")
	}
	byName := make(map[string]*nn.Param, len(ps))
	for _, p := range ps {
		byName[p.Name] = p
	}
	for _, pd := range in {
		p, ok := byName[pd.Name]
		if !ok {
			return errdefs.Data("checkpoint parameter %q not in model", pd.Name)
		}
		r, c := p.W.Dims()
		if r != pd.Rows || c != pd.Cols {
			return errdefs.Data("checkpoint parameter %q has shape (%d,%d), model wants (%d,%d)",
				pd.Name, pd.Rows, pd.Cols, r, c)
		}
		p.W.SetRawMatrix(mat.NewDense(r, c, pd.Data).RawMatrix())
	}
	return nil
}
