package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/tensor"
)

// maskedLogit is added to attention logits of keys a query may not see.
const maskedLogit = -1e9

// AttentionConfig configures multi-head self-attention.
type AttentionConfig struct {
	Units    int
	Heads    int
	DropRate float64

	// KeyRelative and ValueRelative add learned relative position
	// embeddings to the attention logits and values.
	KeyRelative   bool
	ValueRelative bool

	// MaxRelativePosition clips relative distances to
	// [-MaxRelativePosition, MaxRelativePosition].
	MaxRelativePosition int

	// Unidirectional restricts every position to attend to itself and
	// earlier positions.
	Unidirectional bool

	Sparsity float64
}

// Attention is multi-head scaled dot-product self-attention over packed
// sequences of shape (batch*seqLen, Units).
type Attention struct {
	cfg AttentionConfig

	query *Dense
	key   *Dense
	value *Dense
	out   *Dense

	relKey   *tensor.Tensor
	relValue *tensor.Tensor
}

// NewAttention registers the projection and relative position weights.
func NewAttention(p *Params, name string, cfg AttentionConfig, rng *rand.Rand) (*Attention, error) {
	if cfg.Heads <= 0 || cfg.Units%cfg.Heads != 0 {
		return nil, fmt.Errorf("nn: %d attention heads do not divide %d units", cfg.Heads, cfg.Units)
	}
	if (cfg.KeyRelative || cfg.ValueRelative) && cfg.MaxRelativePosition <= 0 {
		return nil, fmt.Errorf("nn: max relative position must be positive, got %d", cfg.MaxRelativePosition)
	}
	dc := DenseConfig{Sparsity: cfg.Sparsity, Regularize: true, NoBias: true}
	a := &Attention{
		cfg:   cfg,
		query: NewDense(p, name+".query", cfg.Units, cfg.Units, dc, rng),
		key:   NewDense(p, name+".key", cfg.Units, cfg.Units, dc, rng),
		value: NewDense(p, name+".value", cfg.Units, cfg.Units, dc, rng),
		out:   NewDense(p, name+".output", cfg.Units, cfg.Units, DenseConfig{Sparsity: cfg.Sparsity, Regularize: true}, rng),
	}
	span := 2*cfg.MaxRelativePosition + 1
	dh := cfg.Units / cfg.Heads
	if cfg.KeyRelative {
		a.relKey = p.Add(name+".relative_key", tensor.Param(span, dh, glorotUniform(rng, span, dh)), true)
	}
	if cfg.ValueRelative {
		a.relValue = p.Add(name+".relative_value", tensor.Param(span, dh, glorotUniform(rng, span, dh)), true)
	}
	return a, nil
}

// relativeIndex returns idx[i][j] = clip(j-i, -m, m) + m.
func relativeIndex(seqLen, m int) [][]int {
	idx := make([][]int, seqLen)
	for i := range idx {
		idx[i] = make([]int, seqLen)
		for j := range idx[i] {
			d := max(-m, min(m, j-i))
			idx[i][j] = d + m
		}
	}
	return idx
}

// attentionBias builds the (seqLen x seqLen) additive mask for one
// sequence: masked keys and, when causal, future keys get maskedLogit.
func attentionBias(valid []bool, causal bool) *tensor.Tensor {
	n := len(valid)
	bias := tensor.New(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if !valid[j] || (causal && j > i) {
				bias.Set(i, j, maskedLogit)
			}
		}
	}
	return bias
}

// Forward attends within each sequence. x is (batch*seqLen, Units) and
// valid[b][i] marks the non-padding positions of sequence b.
func (a *Attention) Forward(g *tensor.Graph, x *tensor.Tensor, valid [][]bool, train bool, rng *rand.Rand) *tensor.Tensor {
	seqLen := 0
	if len(valid) > 0 {
		seqLen = len(valid[0])
	}
	q := a.query.Forward(g, x)
	k := a.key.Forward(g, x)
	v := a.value.Forward(g, x)

	dh := a.cfg.Units / a.cfg.Heads
	scale := 1 / math.Sqrt(float64(dh))
	var rel [][]int
	if a.relKey != nil || a.relValue != nil {
		rel = relativeIndex(seqLen, a.cfg.MaxRelativePosition)
	}
	span := 2*a.cfg.MaxRelativePosition + 1

	seqs := make([]*tensor.Tensor, len(valid))
	for b := range valid {
		lo, hi := b*seqLen, (b+1)*seqLen
		qb, kb, vb := g.SliceRows(q, lo, hi), g.SliceRows(k, lo, hi), g.SliceRows(v, lo, hi)
		bias := attentionBias(valid[b], a.cfg.Unidirectional)
		heads := make([]*tensor.Tensor, a.cfg.Heads)
		for h := range heads {
			qh := g.SliceCols(qb, h*dh, (h+1)*dh)
			kh := g.SliceCols(kb, h*dh, (h+1)*dh)
			vh := g.SliceCols(vb, h*dh, (h+1)*dh)

			logits := g.MatMulT(qh, kh)
			if a.relKey != nil {
				logits = g.Add(logits, g.Gather(g.MatMulT(qh, a.relKey), rel))
			}
			weights := g.SoftmaxRows(g.Add(g.Scale(logits, scale), bias))
			if train {
				weights = g.Dropout(weights, a.cfg.DropRate, rng)
			}
			o := g.MatMul(weights, vh)
			if a.relValue != nil {
				o = g.Add(o, g.MatMul(g.ScatterAdd(weights, rel, span), a.relValue))
			}
			heads[h] = o
		}
		seqs[b] = g.ConcatCols(heads...)
	}
	return a.out.Forward(g, g.ConcatRows(seqs...))
}
