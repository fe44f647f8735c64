package nn

import (
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/tensor"
)

// Masking probabilities for InputMask.
const (
	MaskProbability   = 0.15
	MaskReplaceVector = 0.7
	MaskReplaceRandom = 0.1
)

// InputMask hides random input positions behind a learned mask vector.
type InputMask struct {
	Vector *tensor.Tensor
}

// NewInputMask registers the learned mask vector of width dim.
func NewInputMask(p *Params, name string, dim int, rng *rand.Rand) *InputMask {
	return &InputMask{
		Vector: p.Add(name+".vector", tensor.Param(1, dim, glorotUniform(rng, 1, dim)), false),
	}
}

// Forward picks each candidate row of x with probability MaskProbability.
// A picked row becomes the mask vector (70%), a random candidate row
// (10%), or stays unchanged (20%). It returns the masked input and the
// picked flags. At least one candidate is picked when any exists.
func (m *InputMask) Forward(g *tensor.Graph, x *tensor.Tensor, candidates []bool, rng *rand.Rand) (*tensor.Tensor, []bool) {
	var pool []int
	for i, ok := range candidates {
		if ok {
			pool = append(pool, i)
		}
	}
	picked := make([]bool, x.Rows)
	if len(pool) == 0 {
		return x, picked
	}
	hit := false
	for _, i := range pool {
		if rng.Float64() < MaskProbability {
			picked[i], hit = true, true
		}
	}
	if !hit {
		picked[pool[rng.IntN(len(pool))]] = true
	}

	vectorRow := x.Rows
	idx := make([]int, x.Rows)
	for i := range idx {
		idx[i] = i
		if !picked[i] {
			continue
		}
		switch r := rng.Float64(); {
		case r < MaskReplaceVector:
			idx[i] = vectorRow
		case r < MaskReplaceVector+MaskReplaceRandom:
			idx[i] = pool[rng.IntN(len(pool))]
		}
	}
	return g.GatherRows(g.ConcatRows(x, m.Vector), idx), picked
}
