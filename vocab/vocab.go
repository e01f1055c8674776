// Package vocab builds per-feature vocabularies for categorical event
// attributes: a contiguous value-to-index mapping plus the embedding width
// the model allocates for the feature.
package vocab

import (
	"math"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// Vocab describes one categorical feature. Built once before training and
// read-only afterward.
type Vocab struct {
	Name   string
	Size   int
	EmbDim int

	index  map[string]int
	values []string
}

// Set is the full vocabulary for a run, keyed by feature name. Feature
// order is fixed at build time and drives the column order of event
// tensors.
type Set struct {
	features []string
	byName   map[string]*Vocab
}

// EmbDimFor returns the default embedding width for a feature with the
// given cardinality: max(2, floor(sqrt(size))).
func EmbDimFor(size int) int {
	d := int(math.Floor(math.Sqrt(float64(size))))
	if d < 2 {
		d = 2
	}
	return d
}

// Build enumerates the distinct values of each named feature in encounter
// order and assigns indices 0..size-1. A feature absent from the log is a
// configuration error.
func Build(records []map[string]string, features []string) (*Set, error) {
	s := &Set{byName: make(map[string]*Vocab, len(features))}
	for _, name := range features {
		v := &Vocab{Name: name, index: make(map[string]int)}
		for _, rec := range records {
			raw, ok := rec[name]
			if !ok {
				continue
			}
			if _, seen := v.index[raw]; !seen {
				v.index[raw] = len(v.values)
				v.values = append(v.values, raw)
			}
		}
		if len(v.values) == 0 {
			return nil, errdefs.Config("feature %q not present in event log", name)
		}
		v.Size = len(v.values)
		v.EmbDim = EmbDimFor(v.Size)
		s.features = append(s.features, name)
		s.byName[name] = v
	}
	return s, nil
}

// Features returns the feature names in declaration order.
func (s *Set) Features() []string { return s.features }

// Len returns the number of categorical features.
func (s *Set) Len() int { return len(s.features) }

// Get returns the vocabulary for name, or nil when the feature is not
// categorical in this run.
func (s *Set) Get(name string) *Vocab {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// Has reports whether name has a categorical vocabulary.
func (s *Set) Has(name string) bool { return s.Get(name) != nil }

// Encode maps a raw value to its index. Unseen values fail with a
// data-contract error; evaluation must never remap silently.
func (v *Vocab) Encode(raw string) (int, error) {
	ix, ok := v.index[raw]
	if !ok {
		return 0, errdefs.Data("feature %q: value %q not in vocabulary (size %d)", v.Name, raw, v.Size)
	}
	return ix, nil
}

// Decode returns the raw value for an index.
func (v *Vocab) Decode(ix int) (string, error) {
	if ix < 0 || ix >= len(v.values) {
		return "", errdefs.Data("feature %q: index %d out of range [0, %d)", v.Name, ix, v.Size)
	}
	return v.values[ix], nil
}
