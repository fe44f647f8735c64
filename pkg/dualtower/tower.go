package dualtower

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/nn"
	"github.com/haivivi/respsel/pkg/tensor"
)

// towerKeys names the sequence and sentence arrays a tower reads.
type towerKeys struct {
	sequence string
	sentence string
}

var (
	textKeys  = towerKeys{modeldata.TextSequenceFeatures, modeldata.TextSentenceFeatures}
	labelKeys = towerKeys{modeldata.LabelSequenceFeatures, modeldata.LabelSentenceFeatures}
)

// inputLayers maps the arrays of one key to a common width.
type inputLayers struct {
	sig    []modeldata.FeatureSignature
	sparse []*nn.Dense // nil entries for dense arrays
	width  int
	concat *nn.Dense // optional projection to concat_dimension
}

// tower encodes the sequence and sentence features of one attribute into
// contextual token vectors.
type tower struct {
	name string
	cfg  *Config

	sequence *inputLayers
	sentence *inputLayers

	ffn         *nn.FFN
	mask        *nn.InputMask
	transformer *nn.Transformer
}

func newInputLayers(p *nn.Params, prefix string, sig []modeldata.FeatureSignature, denseDim int, reg bool, rng *rand.Rand) *inputLayers {
	if len(sig) == 0 {
		return nil
	}
	in := &inputLayers{sig: sig, sparse: make([]*nn.Dense, len(sig))}
	for i, fs := range sig {
		if fs.Sparse {
			in.sparse[i] = nn.NewDense(p, fmt.Sprintf("%s.sparse_to_dense_%d", prefix, i), fs.Units, denseDim, nn.DenseConfig{Regularize: reg}, rng)
			in.width += denseDim
		} else {
			in.width += fs.Units
		}
	}
	return in
}

// newTower builds the layers for one attribute. Keys absent from the
// signature get no input layers.
func newTower(p *nn.Params, name string, cfg *Config, sig modeldata.Signature, keys towerKeys, maskTokens bool, rng *rand.Rand) (*tower, error) {
	t := &tower{name: name, cfg: cfg}
	reg := cfg.RegularizationConstant > 0
	denseDim := cfg.denseDim(name)
	t.sequence = newInputLayers(p, name+".sequence", sig[keys.sequence], denseDim, reg, rng)
	t.sentence = newInputLayers(p, name+".sentence", sig[keys.sentence], denseDim, reg, rng)
	if t.sequence == nil && t.sentence == nil {
		return nil, invalid("no %s features", name)
	}

	width := 0
	switch {
	case t.sequence != nil && t.sentence != nil && t.sequence.width != t.sentence.width:
		dim := cfg.concatDim(name)
		dc := nn.DenseConfig{Regularize: reg}
		t.sequence.concat = nn.NewDense(p, name+".sequence.concat", t.sequence.width, dim, dc, rng)
		t.sentence.concat = nn.NewDense(p, name+".sentence.concat", t.sentence.width, dim, dc, rng)
		width = dim
	case t.sequence != nil:
		width = t.sequence.width
	default:
		width = t.sentence.width
	}

	t.ffn = nn.NewFFN(p, name+".ffnn", width, cfg.HiddenLayersSizes[name], cfg.DropRate, nn.DenseConfig{
		Sparsity:   cfg.WeightSparsity,
		Regularize: reg,
	}, rng)
	if maskTokens {
		if t.sequence == nil {
			return nil, invalid("masked language model needs %s sequence features", name)
		}
		t.mask = nn.NewInputMask(p, name+".input_mask", t.ffn.OutDim(), rng)
	}
	if cfg.NumTransformerLayers > 0 {
		tr, err := nn.NewTransformer(p, name+".transformer", t.ffn.OutDim(), nn.TransformerConfig{
			Layers:              cfg.NumTransformerLayers,
			Units:               cfg.TransformerSize,
			Heads:               cfg.NumAttentionHeads,
			DropRate:            cfg.DropRate,
			AttentionDropRate:   cfg.DropRateAttention,
			KeyRelative:         cfg.KeyRelativeAttention,
			ValueRelative:       cfg.ValueRelativeAttention,
			MaxRelativePosition: cfg.MaxRelativePosition,
			Unidirectional:      cfg.UnidirectionalEncoder,
			Sparsity:            cfg.WeightSparsity,
		}, rng)
		if err != nil {
			return nil, invalid("%s transformer: %v", name, err)
		}
		t.transformer = tr
	}
	return t, nil
}

// outDim returns the width of the encoded token vectors.
func (t *tower) outDim() int {
	if t.transformer != nil {
		return t.transformer.Units()
	}
	return t.ffn.OutDim()
}

// encoding is the result of running a tower over a batch.
type encoding struct {
	// out holds the contextual vectors, (batch*seqLen, outDim).
	out *tensor.Tensor

	// in holds the feed-forward output before masking and the
	// transformer, used as masked-token targets.
	in *tensor.Tensor

	batch   int
	seqLen  int
	lengths []int

	// tokenIDs identifies the raw input of every sequence row; masked
	// marks the rows hidden by the input mask.
	tokenIDs []uint64
	masked   []bool
}

type encodeOptions struct {
	train        bool
	sparseDrop   bool
	denseDrop    bool
	maskTokens   bool
	collectToken bool
}

// packKey concatenates the per-example matrices of every array under key
// and maps them to the key's input width.
func (t *tower) packKey(g *tensor.Graph, in *inputLayers, arrays []*modeldata.FeatureArray, opts encodeOptions, rng *rand.Rand) (*tensor.Tensor, []int, error) {
	if len(arrays) != len(in.sig) {
		return nil, nil, fmt.Errorf("%w: %s has %d feature arrays, want %d", ErrSignatureMismatch, t.name, len(arrays), len(in.sig))
	}
	var rows []int
	parts := make([]*tensor.Tensor, len(arrays))
	for i, a := range arrays {
		if a.Sparse != in.sig[i].Sparse || a.Units != in.sig[i].Units {
			return nil, nil, fmt.Errorf("%w: %s array %d is %+v, want %+v", ErrSignatureMismatch, t.name, i, modeldata.FeatureSignature{Sparse: a.Sparse, Units: a.Units}, in.sig[i])
		}
		n := 0
		for j, v := range a.Values {
			if i == 0 {
				rows = append(rows, v.Rows)
			} else if rows[j] != v.Rows {
				return nil, nil, fmt.Errorf("%w: %s example %d has %d rows in array %d, want %d", ErrSignatureMismatch, t.name, j, v.Rows, i, rows[j])
			}
			n += v.Rows
		}
		data := make([]float64, 0, n*a.Units)
		for _, v := range a.Values {
			data = append(data, v.Data...)
		}
		x := tensor.New(n, a.Units, data)
		if opts.train {
			if a.Sparse && opts.sparseDrop || !a.Sparse && opts.denseDrop {
				x = g.Dropout(x, t.cfg.DropRate, rng)
			}
		}
		if in.sparse[i] != nil {
			x = in.sparse[i].Forward(g, x)
		}
		parts[i] = x
	}
	x := parts[0]
	if len(parts) > 1 {
		x = g.ConcatCols(parts...)
	}
	if in.concat != nil {
		x = in.concat.Forward(g, x)
	}
	return x, rows, nil
}

// rowID hashes one raw input row across every array of a key.
func rowID(arrays []*modeldata.FeatureArray, example, row int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, a := range arrays {
		v := a.Values[example]
		for _, f := range v.Row(row) {
			bits := math.Float64bits(f)
			for k := range buf {
				buf[k] = byte(bits >> (8 * k))
			}
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// encode runs the tower over the examples of data.
func (t *tower) encode(g *tensor.Graph, data *modeldata.Data, keys towerKeys, opts encodeOptions, rng *rand.Rand) (*encoding, error) {
	batch := data.NumExamples()
	var seqX, sentX *tensor.Tensor
	var seqRows []int
	if t.sequence != nil {
		x, rows, err := t.packKey(g, t.sequence, data.Get(keys.sequence), opts, rng)
		if err != nil {
			return nil, err
		}
		seqX, seqRows = x, rows
	}
	if t.sentence != nil {
		x, rows, err := t.packKey(g, t.sentence, data.Get(keys.sentence), opts, rng)
		if err != nil {
			return nil, err
		}
		for j, r := range rows {
			if r != 1 {
				return nil, fmt.Errorf("%w: %s sentence features of example %d have %d rows", ErrSignatureMismatch, t.name, j, r)
			}
		}
		sentX = x
	}

	// Layout per example: sequence rows, then the sentence row, then
	// padding up to the longest example.
	e := &encoding{batch: batch, lengths: make([]int, batch)}
	for b := 0; b < batch; b++ {
		if seqRows != nil {
			e.lengths[b] = seqRows[b]
		}
		if sentX != nil {
			e.lengths[b]++
		}
		e.seqLen = max(e.seqLen, e.lengths[b])
	}
	seqTotal := 0
	if seqX != nil {
		seqTotal = seqX.Rows
	}
	idx := make([]int, batch*e.seqLen)
	candidates := make([]bool, len(idx))
	if opts.collectToken {
		e.tokenIDs = make([]uint64, len(idx))
	}
	offset := 0
	for b := 0; b < batch; b++ {
		base := b * e.seqLen
		nSeq := 0
		if seqRows != nil {
			nSeq = seqRows[b]
		}
		for i := 0; i < e.seqLen; i++ {
			switch {
			case i < nSeq:
				idx[base+i] = offset + i
				candidates[base+i] = true
				if opts.collectToken {
					e.tokenIDs[base+i] = rowID(data.Get(keys.sequence), b, i)
				}
			case i == nSeq && sentX != nil:
				idx[base+i] = seqTotal + b
			default:
				idx[base+i] = -1
			}
		}
		offset += nSeq
	}

	var x *tensor.Tensor
	switch {
	case seqX != nil && sentX != nil:
		x = g.ConcatRows(seqX, sentX)
	case seqX != nil:
		x = seqX
	default:
		x = sentX
	}
	x = g.GatherRows(x, idx)
	x = t.ffn.Forward(g, x, opts.train, rng)
	e.in = x

	if opts.maskTokens && t.mask != nil && opts.train {
		x, e.masked = t.mask.Forward(g, x, candidates, rng)
	}
	if t.transformer != nil {
		valid := make([][]bool, batch)
		for b := range valid {
			valid[b] = make([]bool, e.seqLen)
			for i := 0; i < e.lengths[b]; i++ {
				valid[b][i] = true
			}
		}
		x = g.GELU(t.transformer.Forward(g, x, valid, opts.train, rng))
	}
	e.out = x
	return e, nil
}

// lastToken pools the vector at the last valid position of every example.
func (e *encoding) lastToken(g *tensor.Graph) *tensor.Tensor {
	idx := make([]int, e.batch)
	for b, n := range e.lengths {
		idx[b] = b*e.seqLen + n - 1
	}
	return g.GatherRows(e.out, idx)
}
