package dualtower

import (
	"math"
	"math/rand/v2"

	"github.com/haivivi/respsel/pkg/nn"
	"github.com/haivivi/respsel/pkg/tensor"
)

// embedLayer projects pooled vectors into the similarity space,
// normalizing them for cosine similarity.
type embedLayer struct {
	dense     *nn.Dense
	normalize bool
}

func newEmbedLayer(p *nn.Params, name string, in int, cfg *Config, rng *rand.Rand) *embedLayer {
	return &embedLayer{
		dense:     nn.NewDense(p, name, in, cfg.EmbeddingDimension, nn.DenseConfig{Regularize: cfg.RegularizationConstant > 0}, rng),
		normalize: cfg.SimilarityType == SimilarityCosine,
	}
}

func (e *embedLayer) forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	y := e.dense.Forward(g, x)
	if e.normalize {
		y = g.L2NormalizeRows(y)
	}
	return y
}

// negatives draws n candidate indices in [0, total) per row and flags the
// ones whose id equals the row's own id.
func negatives(rows, n, total int, own []uint64, candidateIDs []uint64, rng *rand.Rand) ([][]int, []bool) {
	idx := make([][]int, rows)
	valid := make([]bool, rows*n)
	for i := range idx {
		idx[i] = make([]int, n)
		for j := range idx[i] {
			k := rng.IntN(total)
			idx[i][j] = k
			valid[i*n+j] = candidateIDs[k] != own[i]
		}
	}
	return idx, valid
}

// lossResult is a similarity loss and its batch accuracy.
type lossResult struct {
	loss *tensor.Tensor
	acc  float64
}

// dotProductLoss trains inputs to be most similar to their own labels.
// inputs and labels are (B, E) with ids[b] the id of row b; all holds
// every candidate label embedding with allIDs. Negative labels are drawn
// from all, negative inputs from the batch itself; negatives sharing the
// positive's id are excluded.
func dotProductLoss(g *tensor.Graph, cfg *Config, inputs, labels *tensor.Tensor, ids []uint64, all *tensor.Tensor, allIDs []uint64, rng *rand.Rand) lossResult {
	b := inputs.Rows
	n := cfg.NumNegExamples
	if all.Rows == 0 || b == 0 {
		n = 0
	}

	negLabel, validLabel := negatives(b, n, all.Rows, ids, allIDs, rng)
	negInput, validInput := negatives(b, n, b, ids, ids, rng)

	simPos := g.RowDot(inputs, labels)
	simIL := g.Gather(g.MatMulT(inputs, all), negLabel)
	simLL := g.Gather(g.MatMulT(labels, all), negLabel)
	simII := g.Gather(g.MatMulT(inputs, inputs), negInput)
	simLI := g.Gather(g.MatMulT(labels, inputs), negInput)

	res := lossResult{acc: accuracy(simPos, simIL, validLabel, n)}
	switch cfg.LossType {
	case LossMargin:
		res.loss = marginLoss(g, cfg, simPos, simIL, simLL, validLabel, n)
	default:
		logits := g.ConcatCols(simPos, simIL, simLL, simII, simLI)
		res.loss = softmaxLoss(g, cfg, logits, validLabel, validInput, n)
	}
	return res
}

// accuracy is the fraction of rows whose positive similarity is at least
// every valid negative label similarity.
func accuracy(simPos, simIL *tensor.Tensor, valid []bool, n int) float64 {
	if simPos.Rows == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < simPos.Rows; i++ {
		ok := true
		for j := 0; j < n; j++ {
			if valid[i*n+j] && simIL.At(i, j) > simPos.Data[i] {
				ok = false
				break
			}
		}
		if ok {
			correct++
		}
	}
	return float64(correct) / float64(simPos.Rows)
}

func softmaxLoss(g *tensor.Graph, cfg *Config, logits *tensor.Tensor, validLabel, validInput []bool, n int) *tensor.Tensor {
	rows, cols := logits.Rows, logits.Cols
	valid := make([]bool, rows*cols)
	for i := 0; i < rows; i++ {
		row := valid[i*cols : (i+1)*cols]
		row[0] = true
		copy(row[1:1+n], validLabel[i*n:(i+1)*n])
		copy(row[1+n:1+2*n], validLabel[i*n:(i+1)*n])
		copy(row[1+2*n:1+3*n], validInput[i*n:(i+1)*n])
		copy(row[1+3*n:1+4*n], validInput[i*n:(i+1)*n])
	}
	targets := make([]int, rows)
	var weights []float64
	if cfg.ScaleLoss {
		weights = make([]float64, rows)
		for i := range weights {
			p := tensor.Softmax(logits.Row(i), valid[i*cols:(i+1)*cols])[0]
			weights[i] = math.Pow(math.Min(0.5, 1-p)/0.5, 4)
		}
	}
	return g.SoftmaxCrossEntropy(logits, targets, valid, weights)
}

// marginLoss pushes positive similarities above the positive margin and
// negative ones below the negative margin.
func marginLoss(g *tensor.Graph, cfg *Config, simPos, simIL, simLL *tensor.Tensor, validLabel []bool, n int) *tensor.Tensor {
	rows := simPos.Rows
	hasNeg := tensor.New(rows, 1, nil)
	mask := tensor.New(rows, n, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			if validLabel[i*n+j] {
				mask.Set(i, j, 1)
				hasNeg.Data[i] = 1
			}
		}
	}

	loss := g.ReLU(g.AddScalar(g.Scale(simPos, -1), cfg.MaxPosSim))
	if n > 0 {
		var il *tensor.Tensor
		if cfg.UseMaxNegSim {
			il = g.Mul(g.ReLU(g.AddScalar(g.RowMax(simIL, validLabel), -cfg.MaxNegSim)), hasNeg)
		} else {
			il = g.Mul(g.ReLU(g.AddScalar(simIL, -cfg.MaxNegSim)), mask)
			il = g.MatMul(il, tensor.New(n, 1, ones(n)))
		}
		ll := g.Mul(g.ReLU(g.AddScalar(g.RowMax(simLL, validLabel), -cfg.MaxNegSim)), hasNeg)
		loss = g.Add(loss, g.Add(il, g.Scale(ll, cfg.NegativeMarginScale)))
	}
	return g.Mean(loss)
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
