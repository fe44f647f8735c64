package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/tensor"
)

// Activation selects the nonlinearity applied after a dense layer.
type Activation int

const (
	Linear Activation = iota
	ReLU
	GELU
)

func (a Activation) String() string {
	switch a {
	case Linear:
		return "linear"
	case ReLU:
		return "relu"
	case GELU:
		return "gelu"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// DenseConfig configures a dense layer.
type DenseConfig struct {
	Activation Activation

	// Sparsity is the fraction of kernel weights fixed to zero for the
	// lifetime of the layer. Zero keeps the kernel dense.
	Sparsity float64

	// Regularize marks the kernel for L2 regularization.
	Regularize bool

	// NoBias drops the bias vector.
	NoBias bool
}

// Dense computes act(x·(W∘M) + b), where M is a fixed 0/1 sparsity mask.
type Dense struct {
	In  int
	Out int

	W *tensor.Tensor
	B *tensor.Tensor

	mask *tensor.Tensor
	act  Activation
}

// NewDense creates a dense layer and registers its weights as
// name+".kernel" and name+".bias".
func NewDense(p *Params, name string, in, out int, cfg DenseConfig, rng *rand.Rand) *Dense {
	d := &Dense{In: in, Out: out, act: cfg.Activation}
	d.W = p.Add(name+".kernel", tensor.Param(in, out, glorotUniform(rng, in, out)), cfg.Regularize)
	if !cfg.NoBias {
		d.B = p.Add(name+".bias", tensor.Param(1, out, nil), false)
	}
	if cfg.Sparsity > 0 {
		mask := make([]float64, in*out)
		for i := range mask {
			if rng.Float64() >= cfg.Sparsity {
				mask[i] = 1
			} else {
				d.W.Data[i] = 0
			}
		}
		d.mask = tensor.New(in, out, mask)
	}
	return d
}

// Forward applies the layer to x (n x In).
func (d *Dense) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	w := d.W
	if d.mask != nil {
		w = g.Mul(w, d.mask)
	}
	y := g.MatMul(x, w)
	if d.B != nil {
		y = g.AddRow(y, d.B)
	}
	switch d.act {
	case ReLU:
		y = g.ReLU(y)
	case GELU:
		y = g.GELU(y)
	}
	return y
}

// FFN is a stack of GELU dense layers, each followed by dropout.
type FFN struct {
	layers   []*Dense
	dropRate float64
	in       int
}

// NewFFN creates one dense layer per entry of sizes. An empty sizes list
// yields an identity FFN.
func NewFFN(p *Params, name string, in int, sizes []int, dropRate float64, cfg DenseConfig, rng *rand.Rand) *FFN {
	f := &FFN{dropRate: dropRate, in: in}
	cfg.Activation = GELU
	prev := in
	for i, size := range sizes {
		f.layers = append(f.layers, NewDense(p, fmt.Sprintf("%s.hidden_%d", name, i), prev, size, cfg, rng))
		prev = size
	}
	return f
}

// OutDim returns the width of the FFN output.
func (f *FFN) OutDim() int {
	if len(f.layers) == 0 {
		return f.in
	}
	return f.layers[len(f.layers)-1].Out
}

// Forward applies every layer; dropout is active only when train is set.
func (f *FFN) Forward(g *tensor.Graph, x *tensor.Tensor, train bool, rng *rand.Rand) *tensor.Tensor {
	for _, l := range f.layers {
		x = l.Forward(g, x)
		if train {
			x = g.Dropout(x, f.dropRate, rng)
		}
	}
	return x
}

// LayerNorm normalizes rows and applies a learned gain and bias.
type LayerNorm struct {
	Gain *tensor.Tensor
	Bias *tensor.Tensor
}

// NewLayerNorm registers name+".gamma" and name+".beta" of width dim.
func NewLayerNorm(p *Params, name string, dim int) *LayerNorm {
	return &LayerNorm{
		Gain: p.Add(name+".gamma", tensor.Param(1, dim, ones(dim)), false),
		Bias: p.Add(name+".beta", tensor.Param(1, dim, nil), false),
	}
}

// Forward normalizes x.
func (l *LayerNorm) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.LayerNorm(x, l.Gain, l.Bias)
}
