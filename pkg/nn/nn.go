// Package nn provides the neural network layers used by the dual-tower
// encoder: dense layers with fixed sparse weights and L2 regularization,
// feed-forward stacks, layer normalization, multi-head self-attention with
// relative positions, a transformer encoder, and random input masking.
//
// Layers register their weights in a [Params] registry under stable names.
// Construction consumes a caller-provided random source, so rebuilding a
// layer tree from the same seed reproduces the same initialization and the
// same sparsity masks; saved parameter values can then be restored with
// [Params.Load].
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/tensor"
)

// Params is an ordered registry of named trainable tensors.
type Params struct {
	names       []string
	byName      map[string]*tensor.Tensor
	regularized map[string]bool
}

// NewParams creates an empty registry.
func NewParams() *Params {
	return &Params{
		byName:      make(map[string]*tensor.Tensor),
		regularized: make(map[string]bool),
	}
}

// Add registers t under name. Names must be unique.
func (p *Params) Add(name string, t *tensor.Tensor, regularize bool) *tensor.Tensor {
	if _, dup := p.byName[name]; dup {
		panic(fmt.Sprintf("nn: duplicate parameter %q", name))
	}
	p.names = append(p.names, name)
	p.byName[name] = t
	p.regularized[name] = regularize
	return t
}

// Get returns the parameter registered under name.
func (p *Params) Get(name string) (*tensor.Tensor, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// All returns every parameter in registration order.
func (p *Params) All() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(p.names))
	for i, n := range p.names {
		out[i] = p.byName[n]
	}
	return out
}

// Regularized returns the parameters subject to L2 regularization.
func (p *Params) Regularized() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, n := range p.names {
		if p.regularized[n] {
			out = append(out, p.byName[n])
		}
	}
	return out
}

// Len returns the number of registered parameters.
func (p *Params) Len() int { return len(p.names) }

// TensorState is the serializable form of one parameter.
type TensorState struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

// State maps parameter names to their values.
type State map[string]TensorState

// State returns a deep copy of all parameter values.
func (p *Params) State() State {
	s := make(State, len(p.names))
	for _, n := range p.names {
		t := p.byName[n]
		data := make([]float64, len(t.Data))
		copy(data, t.Data)
		s[n] = TensorState{Rows: t.Rows, Cols: t.Cols, Data: data}
	}
	return s
}

// Load overwrites parameter values from s. The name sets and shapes must
// match exactly.
func (p *Params) Load(s State) error {
	if len(s) != len(p.names) {
		return fmt.Errorf("nn: state has %d parameters, model has %d", len(s), len(p.names))
	}
	for _, n := range p.names {
		st, ok := s[n]
		if !ok {
			return fmt.Errorf("nn: state is missing parameter %q", n)
		}
		t := p.byName[n]
		if st.Rows != t.Rows || st.Cols != t.Cols || len(st.Data) != len(t.Data) {
			return fmt.Errorf("nn: parameter %q has shape %dx%d, want %dx%d", n, st.Rows, st.Cols, t.Rows, t.Cols)
		}
		copy(t.Data, st.Data)
	}
	return nil
}

// glorotUniform samples a fanIn x fanOut kernel from U(-l, l) with
// l = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(rng *rand.Rand, fanIn, fanOut int) []float64 {
	data := make([]float64, fanIn*fanOut)
	if fanIn+fanOut == 0 {
		return data
	}
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return data
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
