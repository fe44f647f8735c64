// Package modeldata holds the model-ready feature arrays of a training or
// label set, keyed by attribute and feature type, together with the data
// signature, train/evaluation splitting and batching.
//
// Every [FeatureArray] stores one matrix per example: sequence arrays have
// one row per token, sentence arrays and label ids a single row. All arrays
// of a [Data] have the same number of examples.
package modeldata

import (
	"fmt"
	"maps"
	"slices"

	"github.com/haivivi/respsel/pkg/tensor"
)

// Keys of the arrays consumed by the dual-tower model.
const (
	TextSequenceFeatures  = "text_sequence_features"
	TextSentenceFeatures  = "text_sentence_features"
	LabelSequenceFeatures = "label_sequence_features"
	LabelSentenceFeatures = "label_sentence_features"
	LabelIDs              = "label_ids"
)

// FeatureArray is one feature matrix per example.
type FeatureArray struct {
	Sparse bool
	Units  int
	Values []*tensor.Tensor
}

// Data maps keys to their feature arrays.
type Data struct {
	arrays map[string][]*FeatureArray
}

// New creates an empty Data.
func New() *Data {
	return &Data{arrays: make(map[string][]*FeatureArray)}
}

// Add appends arrays under key. Arrays without values are skipped. It
// fails when an array's example count differs from the data's.
func (d *Data) Add(key string, arrays ...*FeatureArray) error {
	for _, a := range arrays {
		if a == nil || len(a.Values) == 0 {
			continue
		}
		if n := d.NumExamples(); n > 0 && len(a.Values) != n {
			return fmt.Errorf("modeldata: %s has %d examples, want %d", key, len(a.Values), n)
		}
		d.arrays[key] = append(d.arrays[key], a)
	}
	return nil
}

// Get returns the arrays stored under key.
func (d *Data) Get(key string) []*FeatureArray {
	return d.arrays[key]
}

// Has reports whether key has at least one array.
func (d *Data) Has(key string) bool {
	return len(d.arrays[key]) > 0
}

// Keys returns the sorted keys.
func (d *Data) Keys() []string {
	return slices.Sorted(maps.Keys(d.arrays))
}

// NumExamples returns the number of examples.
func (d *Data) NumExamples() int {
	for _, arrays := range d.arrays {
		if len(arrays) > 0 {
			return len(arrays[0].Values)
		}
	}
	return 0
}

// IsEmpty reports whether d holds no examples.
func (d *Data) IsEmpty() bool {
	return d == nil || d.NumExamples() == 0
}

// LabelIDs returns the label id of every example, or nil when absent.
func (d *Data) LabelIDs() []int {
	arrays := d.arrays[LabelIDs]
	if len(arrays) == 0 {
		return nil
	}
	ids := make([]int, len(arrays[0].Values))
	for i, v := range arrays[0].Values {
		ids[i] = int(v.Item())
	}
	return ids
}

// SequenceLengths returns the row count of every example under key.
func (d *Data) SequenceLengths(key string) []int {
	arrays := d.arrays[key]
	if len(arrays) == 0 {
		return nil
	}
	lens := make([]int, len(arrays[0].Values))
	for i, v := range arrays[0].Values {
		lens[i] = v.Rows
	}
	return lens
}

// Subset returns the examples at idx, in order. Indices may repeat.
// Values are shared, not copied.
func (d *Data) Subset(idx []int) *Data {
	out := New()
	for key, arrays := range d.arrays {
		for _, a := range arrays {
			values := make([]*tensor.Tensor, len(idx))
			for i, j := range idx {
				values[i] = a.Values[j]
			}
			out.arrays[key] = append(out.arrays[key], &FeatureArray{Sparse: a.Sparse, Units: a.Units, Values: values})
		}
	}
	return out
}

// NewLabelIDs builds the label id array.
func NewLabelIDs(ids []int) *FeatureArray {
	values := make([]*tensor.Tensor, len(ids))
	for i, id := range ids {
		values[i] = tensor.New(1, 1, []float64{float64(id)})
	}
	return &FeatureArray{Units: 1, Values: values}
}

// NewFeatureArray builds an array from per-example row matrices. All
// matrices must share the same width.
func NewFeatureArray(sparse bool, values [][][]float64) (*FeatureArray, error) {
	a := &FeatureArray{Sparse: sparse, Values: make([]*tensor.Tensor, len(values))}
	for i, rows := range values {
		if len(rows) == 0 {
			return nil, fmt.Errorf("modeldata: example %d has no feature rows", i)
		}
		if i == 0 {
			a.Units = len(rows[0])
		}
		for _, r := range rows {
			if len(r) != a.Units {
				return nil, fmt.Errorf("modeldata: example %d has width %d, want %d", i, len(r), a.Units)
			}
		}
		a.Values[i] = tensor.FromRows(rows)
	}
	return a, nil
}
