package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/tensor"
)

// TransformerConfig configures a transformer encoder.
type TransformerConfig struct {
	Layers int
	Units  int
	Heads  int

	// FilterUnits is the hidden width of each block's feed-forward
	// network; zero means 4*Units.
	FilterUnits int

	DropRate          float64
	AttentionDropRate float64

	KeyRelative         bool
	ValueRelative       bool
	MaxRelativePosition int
	Unidirectional      bool

	Sparsity float64
}

type encoderBlock struct {
	attnNorm *LayerNorm
	attn     *Attention
	ffnNorm  *LayerNorm
	filter   *Dense
	output   *Dense
}

// Transformer is a stack of pre-layer-norm encoder blocks over packed
// sequences. Inputs are projected to Units; absolute sinusoidal positions
// are added unless relative attention is enabled.
type Transformer struct {
	cfg    TransformerConfig
	embed  *Dense
	blocks []*encoderBlock
	norm   *LayerNorm
}

// NewTransformer registers all encoder weights under name.
func NewTransformer(p *Params, name string, in int, cfg TransformerConfig, rng *rand.Rand) (*Transformer, error) {
	if cfg.Layers <= 0 {
		return nil, fmt.Errorf("nn: transformer needs at least one layer, got %d", cfg.Layers)
	}
	if cfg.FilterUnits == 0 {
		cfg.FilterUnits = 4 * cfg.Units
	}
	dc := DenseConfig{Sparsity: cfg.Sparsity, Regularize: true}
	t := &Transformer{
		cfg:   cfg,
		embed: NewDense(p, name+".embedding", in, cfg.Units, dc, rng),
	}
	for i := 0; i < cfg.Layers; i++ {
		prefix := fmt.Sprintf("%s.layer_%d", name, i)
		attn, err := NewAttention(p, prefix+".attention", AttentionConfig{
			Units:               cfg.Units,
			Heads:               cfg.Heads,
			DropRate:            cfg.AttentionDropRate,
			KeyRelative:         cfg.KeyRelative,
			ValueRelative:       cfg.ValueRelative,
			MaxRelativePosition: cfg.MaxRelativePosition,
			Unidirectional:      cfg.Unidirectional,
			Sparsity:            cfg.Sparsity,
		}, rng)
		if err != nil {
			return nil, err
		}
		filter := dc
		filter.Activation = GELU
		t.blocks = append(t.blocks, &encoderBlock{
			attnNorm: NewLayerNorm(p, prefix+".attention_norm", cfg.Units),
			attn:     attn,
			ffnNorm:  NewLayerNorm(p, prefix+".ffn_norm", cfg.Units),
			filter:   NewDense(p, prefix+".ffn_filter", cfg.Units, cfg.FilterUnits, filter, rng),
			output:   NewDense(p, prefix+".ffn_output", cfg.FilterUnits, cfg.Units, dc, rng),
		})
	}
	t.norm = NewLayerNorm(p, name+".output_norm", cfg.Units)
	return t, nil
}

// Units returns the output width.
func (t *Transformer) Units() int { return t.cfg.Units }

// Forward encodes x (batch*seqLen, in) with valid[b][i] marking real
// positions, returning (batch*seqLen, Units).
func (t *Transformer) Forward(g *tensor.Graph, x *tensor.Tensor, valid [][]bool, train bool, rng *rand.Rand) *tensor.Tensor {
	h := g.Scale(t.embed.Forward(g, x), math.Sqrt(float64(t.cfg.Units)))
	if !t.cfg.KeyRelative && !t.cfg.ValueRelative && len(valid) > 0 {
		h = g.Add(h, positionEncoding(len(valid), len(valid[0]), t.cfg.Units))
	}
	if train {
		h = g.Dropout(h, t.cfg.DropRate, rng)
	}
	for _, b := range t.blocks {
		a := b.attn.Forward(g, b.attnNorm.Forward(g, h), valid, train, rng)
		if train {
			a = g.Dropout(a, t.cfg.DropRate, rng)
		}
		h = g.Add(h, a)

		f := b.filter.Forward(g, b.ffnNorm.Forward(g, h))
		if train {
			f = g.Dropout(f, t.cfg.DropRate, rng)
		}
		f = b.output.Forward(g, f)
		if train {
			f = g.Dropout(f, t.cfg.DropRate, rng)
		}
		h = g.Add(h, f)
	}
	return t.norm.Forward(g, h)
}

// positionEncoding returns sinusoidal encodings for every position of
// batch sequences of length seqLen, packed like the encoder input.
func positionEncoding(batch, seqLen, units int) *tensor.Tensor {
	out := tensor.New(batch*seqLen, units, nil)
	for pos := 0; pos < seqLen; pos++ {
		for i := 0; i < units; i++ {
			angle := float64(pos) / math.Pow(10000, float64(2*(i/2))/float64(units))
			v := math.Sin(angle)
			if i%2 == 1 {
				v = math.Cos(angle)
			}
			for b := 0; b < batch; b++ {
				out.Set(b*seqLen+pos, i, v)
			}
		}
	}
	return out
}
