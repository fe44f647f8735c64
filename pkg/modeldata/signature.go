package modeldata

import (
	"fmt"

	"github.com/haivivi/respsel/pkg/tensor"
)

// FeatureSignature describes one feature array.
type FeatureSignature struct {
	Sparse bool `msgpack:"sparse" yaml:"sparse"`
	Units  int  `msgpack:"units" yaml:"units"`
}

// Signature maps keys to the signatures of their arrays.
type Signature map[string][]FeatureSignature

// Signature returns the signature of d.
func (d *Data) Signature() Signature {
	sig := make(Signature, len(d.arrays))
	for key, arrays := range d.arrays {
		for _, a := range arrays {
			sig[key] = append(sig[key], FeatureSignature{Sparse: a.Sparse, Units: a.Units})
		}
	}
	return sig
}

// Has reports whether key is present.
func (s Signature) Has(key string) bool {
	return len(s[key]) > 0
}

// SameFeatures reports whether keys a and b have identical signatures.
func (s Signature) SameFeatures(a, b string) bool {
	x, y := s[a], s[b]
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// ArrayState is the serializable form of a FeatureArray.
type ArrayState struct {
	Sparse bool        `msgpack:"sparse"`
	Units  int         `msgpack:"units"`
	Rows   []int       `msgpack:"rows"`
	Data   [][]float64 `msgpack:"data"`
}

// State is the serializable form of Data.
type State map[string][]ArrayState

// State returns a serializable copy of d.
func (d *Data) State() State {
	s := make(State, len(d.arrays))
	for key, arrays := range d.arrays {
		for _, a := range arrays {
			as := ArrayState{Sparse: a.Sparse, Units: a.Units}
			for _, v := range a.Values {
				as.Rows = append(as.Rows, v.Rows)
				as.Data = append(as.Data, append([]float64(nil), v.Data...))
			}
			s[key] = append(s[key], as)
		}
	}
	return s
}

// FromState rebuilds Data from a State.
func FromState(s State) (*Data, error) {
	d := New()
	for key, arrays := range s {
		for _, as := range arrays {
			if len(as.Rows) != len(as.Data) {
				return nil, fmt.Errorf("modeldata: %s has %d shapes for %d values", key, len(as.Rows), len(as.Data))
			}
			a := &FeatureArray{Sparse: as.Sparse, Units: as.Units, Values: make([]*tensor.Tensor, len(as.Data))}
			for i, data := range as.Data {
				if as.Rows[i]*as.Units != len(data) {
					return nil, fmt.Errorf("modeldata: %s value %d has %d entries, want %d", key, i, len(data), as.Rows[i]*as.Units)
				}
				a.Values[i] = tensor.New(as.Rows[i], as.Units, data)
			}
			if err := d.Add(key, a); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}
