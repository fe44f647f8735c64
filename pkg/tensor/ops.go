package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// gemm computes c += alpha * op(a) * op(b). a is stored as (ar x ac) and b
// as (br x bc); c is (cr x cc).
func gemm(tA, tB blas.Transpose, alpha float64, a []float64, ar, ac int, b []float64, br, bc int, c []float64, cr, cc int) {
	k := ac
	if tA == blas.Trans {
		k = ar
	}
	if cr == 0 || cc == 0 || k == 0 {
		return
	}
	blas64.Gemm(tA, tB, alpha,
		blas64.General{Rows: ar, Cols: ac, Stride: ac, Data: a},
		blas64.General{Rows: br, Cols: bc, Stride: bc, Data: b},
		1,
		blas64.General{Rows: cr, Cols: cc, Stride: cc, Data: c},
	)
}

// MatMul returns a·b for a (m x k) and b (k x n).
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: MatMul shape mismatch %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	out := g.result(m, n, a, b)
	gemm(blas.NoTrans, blas.NoTrans, 1, a.Data, m, k, b.Data, k, n, out.Data, m, n)
	g.push(out, func() {
		if a.requiresGrad {
			gemm(blas.NoTrans, blas.Trans, 1, out.grad(), m, n, b.Data, k, n, a.grad(), m, k)
		}
		if b.requiresGrad {
			gemm(blas.Trans, blas.NoTrans, 1, a.Data, m, k, out.grad(), m, n, b.grad(), k, n)
		}
	})
	return out
}

// MatMulT returns a·bᵀ for a (m x k) and b (n x k).
func (g *Graph) MatMulT(a, b *Tensor) *Tensor {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: MatMulT shape mismatch %dx%d · (%dx%d)ᵀ", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Rows
	out := g.result(m, n, a, b)
	gemm(blas.NoTrans, blas.Trans, 1, a.Data, m, k, b.Data, n, k, out.Data, m, n)
	g.push(out, func() {
		if a.requiresGrad {
			gemm(blas.NoTrans, blas.NoTrans, 1, out.grad(), m, n, b.Data, n, k, a.grad(), m, k)
		}
		if b.requiresGrad {
			gemm(blas.Trans, blas.NoTrans, 1, out.grad(), m, n, a.Data, m, k, b.grad(), n, k)
		}
	})
	return out
}

// Add returns a + b (same shape).
func (g *Graph) Add(a, b *Tensor) *Tensor {
	sameShape("Add", a, b)
	out := g.result(a.Rows, a.Cols, a, b)
	floats.AddTo(out.Data, a.Data, b.Data)
	g.push(out, func() {
		accumulate(a, out.grad())
		accumulate(b, out.grad())
	})
	return out
}

// Sub returns a - b (same shape).
func (g *Graph) Sub(a, b *Tensor) *Tensor {
	sameShape("Sub", a, b)
	out := g.result(a.Rows, a.Cols, a, b)
	floats.SubTo(out.Data, a.Data, b.Data)
	g.push(out, func() {
		accumulate(a, out.grad())
		if b.requiresGrad {
			floats.AddScaled(b.grad(), -1, out.grad())
		}
	})
	return out
}

// Mul returns the elementwise product a ∘ b (same shape).
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)
	out := g.result(a.Rows, a.Cols, a, b)
	floats.MulTo(out.Data, a.Data, b.Data)
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, d := range out.grad() {
				ag[i] += d * b.Data[i]
			}
		}
		if b.requiresGrad {
			bg := b.grad()
			for i, d := range out.grad() {
				bg[i] += d * a.Data[i]
			}
		}
	})
	return out
}

// AddRow broadcasts the (1 x n) row r over every row of a (m x n).
func (g *Graph) AddRow(a, r *Tensor) *Tensor {
	if r.Rows != 1 || r.Cols != a.Cols {
		panic(fmt.Sprintf("tensor: AddRow shape mismatch %dx%d + %dx%d", a.Rows, a.Cols, r.Rows, r.Cols))
	}
	out := g.result(a.Rows, a.Cols, a, r)
	for i := 0; i < a.Rows; i++ {
		floats.AddTo(out.Row(i), a.Row(i), r.Data)
	}
	g.push(out, func() {
		accumulate(a, out.grad())
		if r.requiresGrad {
			rg := r.grad()
			for i := 0; i < a.Rows; i++ {
				floats.Add(rg, out.grad()[i*a.Cols:(i+1)*a.Cols])
			}
		}
	})
	return out
}

// Scale returns s·a.
func (g *Graph) Scale(a *Tensor, s float64) *Tensor {
	out := g.result(a.Rows, a.Cols, a)
	floats.ScaleTo(out.Data, s, a.Data)
	g.push(out, func() {
		if a.requiresGrad {
			floats.AddScaled(a.grad(), s, out.grad())
		}
	})
	return out
}

// AddScalar returns a + s elementwise.
func (g *Graph) AddScalar(a *Tensor, s float64) *Tensor {
	out := g.result(a.Rows, a.Cols, a)
	copy(out.Data, a.Data)
	floats.AddConst(s, out.Data)
	g.push(out, func() {
		accumulate(a, out.grad())
	})
	return out
}

// ReLU returns max(0, a) elementwise.
func (g *Graph) ReLU(a *Tensor) *Tensor {
	out := g.result(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, v := range a.Data {
				if v > 0 {
					ag[i] += out.grad()[i]
				}
			}
		}
	})
	return out
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

// GELU applies the tanh approximation of the Gaussian error linear unit.
func (g *Graph) GELU(a *Tensor) *Tensor {
	out := g.result(a.Rows, a.Cols, a)
	th := make([]float64, len(a.Data))
	for i, x := range a.Data {
		th[i] = math.Tanh(geluC * (x + 0.044715*x*x*x))
		out.Data[i] = 0.5 * x * (1 + th[i])
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, x := range a.Data {
				t := th[i]
				d := 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*0.044715*x*x)
				ag[i] += out.grad()[i] * d
			}
		}
	})
	return out
}

// Dropout zeroes entries with probability rate and scales survivors by
// 1/(1-rate). A rate of zero (or less) returns a unchanged.
func (g *Graph) Dropout(a *Tensor, rate float64, rng *rand.Rand) *Tensor {
	if rate <= 0 {
		return a
	}
	if rate >= 1 {
		return g.Scale(a, 0)
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, len(a.Data))
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return g.Mul(a, New(a.Rows, a.Cols, mask))
}

// LayerNorm normalizes each row of x to zero mean and unit variance, then
// applies the (1 x n) gain and bias.
func (g *Graph) LayerNorm(x, gain, bias *Tensor) *Tensor {
	const eps = 1e-6
	n := x.Cols
	if gain.Cols != n || bias.Cols != n || gain.Rows != 1 || bias.Rows != 1 {
		panic("tensor: LayerNorm gain/bias shape mismatch")
	}
	out := g.result(x.Rows, n, x, gain, bias)
	xhat := make([]float64, len(x.Data))
	inv := make([]float64, x.Rows)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		mean := floats.Sum(row) / float64(n)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)
		inv[i] = 1 / math.Sqrt(variance+eps)
		for j, v := range row {
			h := (v - mean) * inv[i]
			xhat[i*n+j] = h
			out.Data[i*n+j] = h*gain.Data[j] + bias.Data[j]
		}
	}
	g.push(out, func() {
		dy := out.grad()
		if gain.requiresGrad {
			gg := gain.grad()
			for i := 0; i < x.Rows; i++ {
				for j := 0; j < n; j++ {
					gg[j] += dy[i*n+j] * xhat[i*n+j]
				}
			}
		}
		if bias.requiresGrad {
			bg := bias.grad()
			for i := 0; i < x.Rows; i++ {
				floats.Add(bg, dy[i*n:(i+1)*n])
			}
		}
		if x.requiresGrad {
			xg := x.grad()
			dxhat := make([]float64, n)
			for i := 0; i < x.Rows; i++ {
				var sum, sumXhat float64
				for j := 0; j < n; j++ {
					dxhat[j] = dy[i*n+j] * gain.Data[j]
					sum += dxhat[j]
					sumXhat += dxhat[j] * xhat[i*n+j]
				}
				for j := 0; j < n; j++ {
					xg[i*n+j] += inv[i] / float64(n) * (float64(n)*dxhat[j] - sum - xhat[i*n+j]*sumXhat)
				}
			}
		}
	})
	return out
}

// SoftmaxRows applies softmax to each row.
func (g *Graph) SoftmaxRows(a *Tensor) *Tensor {
	out := g.result(a.Rows, a.Cols, a)
	for i := 0; i < a.Rows; i++ {
		softmaxInto(out.Row(i), a.Row(i), nil)
	}
	g.push(out, func() {
		if !a.requiresGrad {
			return
		}
		ag := a.grad()
		for i := 0; i < a.Rows; i++ {
			y := out.Row(i)
			dy := out.grad()[i*a.Cols : (i+1)*a.Cols]
			dot := floats.Dot(y, dy)
			for j := range y {
				ag[i*a.Cols+j] += y[j] * (dy[j] - dot)
			}
		}
	})
	return out
}

// Transpose returns aᵀ.
func (g *Graph) Transpose(a *Tensor) *Tensor {
	out := g.result(a.Cols, a.Rows, a)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[j*a.Rows+i] = a.Data[i*a.Cols+j]
		}
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i := 0; i < a.Rows; i++ {
				for j := 0; j < a.Cols; j++ {
					ag[i*a.Cols+j] += out.grad()[j*a.Rows+i]
				}
			}
		}
	})
	return out
}

// Reshape returns a tensor with the same row-major data and a new shape.
func (g *Graph) Reshape(a *Tensor, rows, cols int) *Tensor {
	if rows*cols != len(a.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %dx%d to %dx%d", a.Rows, a.Cols, rows, cols))
	}
	out := g.result(rows, cols, a)
	copy(out.Data, a.Data)
	g.push(out, func() {
		accumulate(a, out.grad())
	})
	return out
}

// SliceRows returns rows [start, end) of a.
func (g *Graph) SliceRows(a *Tensor, start, end int) *Tensor {
	if start < 0 || end > a.Rows || start > end {
		panic(fmt.Sprintf("tensor: SliceRows [%d,%d) out of range for %d rows", start, end, a.Rows))
	}
	out := g.result(end-start, a.Cols, a)
	copy(out.Data, a.Data[start*a.Cols:end*a.Cols])
	g.push(out, func() {
		if a.requiresGrad {
			floats.Add(a.grad()[start*a.Cols:end*a.Cols], out.grad())
		}
	})
	return out
}

// SliceCols returns columns [start, end) of a.
func (g *Graph) SliceCols(a *Tensor, start, end int) *Tensor {
	if start < 0 || end > a.Cols || start > end {
		panic(fmt.Sprintf("tensor: SliceCols [%d,%d) out of range for %d cols", start, end, a.Cols))
	}
	w := end - start
	out := g.result(a.Rows, w, a)
	for i := 0; i < a.Rows; i++ {
		copy(out.Data[i*w:(i+1)*w], a.Data[i*a.Cols+start:i*a.Cols+end])
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i := 0; i < a.Rows; i++ {
				floats.Add(ag[i*a.Cols+start:i*a.Cols+end], out.grad()[i*w:(i+1)*w])
			}
		}
	})
	return out
}

// ConcatRows stacks tensors with equal column counts vertically.
func (g *Graph) ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 1 {
		return ts[0]
	}
	cols, rows := ts[0].Cols, 0
	for _, t := range ts {
		if t.Cols != cols {
			panic(fmt.Sprintf("tensor: ConcatRows column mismatch %d vs %d", t.Cols, cols))
		}
		rows += t.Rows
	}
	out := g.result(rows, cols, ts...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	g.push(out, func() {
		off := 0
		for _, t := range ts {
			n := len(t.Data)
			if t.requiresGrad {
				floats.Add(t.grad(), out.grad()[off:off+n])
			}
			off += n
		}
	})
	return out
}

// ConcatCols joins tensors with equal row counts horizontally.
func (g *Graph) ConcatCols(ts ...*Tensor) *Tensor {
	if len(ts) == 1 {
		return ts[0]
	}
	rows, cols := ts[0].Rows, 0
	for _, t := range ts {
		if t.Rows != rows {
			panic(fmt.Sprintf("tensor: ConcatCols row mismatch %d vs %d", t.Rows, rows))
		}
		cols += t.Cols
	}
	out := g.result(rows, cols, ts...)
	off := 0
	for _, t := range ts {
		for i := 0; i < rows; i++ {
			copy(out.Data[i*cols+off:i*cols+off+t.Cols], t.Row(i))
		}
		off += t.Cols
	}
	g.push(out, func() {
		off := 0
		for _, t := range ts {
			if t.requiresGrad {
				tg := t.grad()
				for i := 0; i < rows; i++ {
					floats.Add(tg[i*t.Cols:(i+1)*t.Cols], out.grad()[i*cols+off:i*cols+off+t.Cols])
				}
			}
			off += t.Cols
		}
	})
	return out
}

// GatherRows selects rows of a by index. An index of -1 yields a zero row.
func (g *Graph) GatherRows(a *Tensor, idx []int) *Tensor {
	out := g.result(len(idx), a.Cols, a)
	for i, r := range idx {
		if r < 0 {
			continue
		}
		copy(out.Row(i), a.Row(r))
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, r := range idx {
				if r < 0 {
					continue
				}
				floats.Add(ag[r*a.Cols:(r+1)*a.Cols], out.grad()[i*a.Cols:(i+1)*a.Cols])
			}
		}
	})
	return out
}

// Gather picks per-row columns: out[i][j] = a[i][idx[i][j]]. Every row of
// idx must have the same length and len(idx) must equal a.Rows.
func (g *Graph) Gather(a *Tensor, idx [][]int) *Tensor {
	if len(idx) != a.Rows {
		panic(fmt.Sprintf("tensor: Gather has %d index rows for %d rows", len(idx), a.Rows))
	}
	cols := 0
	if len(idx) > 0 {
		cols = len(idx[0])
	}
	out := g.result(a.Rows, cols, a)
	for i, row := range idx {
		for j, c := range row {
			out.Data[i*cols+j] = a.Data[i*a.Cols+c]
		}
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, row := range idx {
				for j, c := range row {
					ag[i*a.Cols+c] += out.grad()[i*cols+j]
				}
			}
		}
	})
	return out
}

// ScatterAdd is the adjoint of Gather: out (a.Rows x cols) starts at zero
// and out[i][idx[i][j]] += a[i][j].
func (g *Graph) ScatterAdd(a *Tensor, idx [][]int, cols int) *Tensor {
	if len(idx) != a.Rows {
		panic(fmt.Sprintf("tensor: ScatterAdd has %d index rows for %d rows", len(idx), a.Rows))
	}
	out := g.result(a.Rows, cols, a)
	for i, row := range idx {
		for j, c := range row {
			out.Data[i*cols+c] += a.Data[i*a.Cols+j]
		}
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, row := range idx {
				for j, c := range row {
					ag[i*a.Cols+j] += out.grad()[i*cols+c]
				}
			}
		}
	})
	return out
}

// L2NormalizeRows scales every row to unit euclidean length.
func (g *Graph) L2NormalizeRows(a *Tensor) *Tensor {
	const eps = 1e-12
	out := g.result(a.Rows, a.Cols, a)
	norms := make([]float64, a.Rows)
	for i := 0; i < a.Rows; i++ {
		row := a.Row(i)
		norms[i] = math.Sqrt(floats.Dot(row, row) + eps)
		floats.ScaleTo(out.Row(i), 1/norms[i], row)
	}
	g.push(out, func() {
		if !a.requiresGrad {
			return
		}
		ag := a.grad()
		for i := 0; i < a.Rows; i++ {
			y := out.Row(i)
			dy := out.grad()[i*a.Cols : (i+1)*a.Cols]
			dot := floats.Dot(y, dy)
			for j := range y {
				ag[i*a.Cols+j] += (dy[j] - y[j]*dot) / norms[i]
			}
		}
	})
	return out
}

// RowDot returns the (n x 1) per-row dot products of a and b.
func (g *Graph) RowDot(a, b *Tensor) *Tensor {
	sameShape("RowDot", a, b)
	out := g.result(a.Rows, 1, a, b)
	for i := 0; i < a.Rows; i++ {
		out.Data[i] = floats.Dot(a.Row(i), b.Row(i))
	}
	g.push(out, func() {
		for i := 0; i < a.Rows; i++ {
			d := out.grad()[i]
			if a.requiresGrad {
				floats.AddScaled(a.grad()[i*a.Cols:(i+1)*a.Cols], d, b.Row(i))
			}
			if b.requiresGrad {
				floats.AddScaled(b.grad()[i*b.Cols:(i+1)*b.Cols], d, a.Row(i))
			}
		}
	})
	return out
}

// RowMax returns the (n x 1) maximum of each row over entries marked valid.
// valid has one flag per element; nil marks everything valid. Rows without
// a valid entry yield 0 and pass no gradient.
func (g *Graph) RowMax(a *Tensor, valid []bool) *Tensor {
	out := g.result(a.Rows, 1, a)
	arg := make([]int, a.Rows)
	for i := 0; i < a.Rows; i++ {
		arg[i] = -1
		best := math.Inf(-1)
		for j := 0; j < a.Cols; j++ {
			k := i*a.Cols + j
			if valid != nil && !valid[k] {
				continue
			}
			if a.Data[k] > best {
				best, arg[i] = a.Data[k], j
			}
		}
		if arg[i] >= 0 {
			out.Data[i] = best
		}
	}
	g.push(out, func() {
		if a.requiresGrad {
			ag := a.grad()
			for i, j := range arg {
				if j >= 0 {
					ag[i*a.Cols+j] += out.grad()[i]
				}
			}
		}
	})
	return out
}

// Sum returns the 1x1 sum of all elements.
func (g *Graph) Sum(a *Tensor) *Tensor {
	out := g.result(1, 1, a)
	out.Data[0] = floats.Sum(a.Data)
	g.push(out, func() {
		if a.requiresGrad {
			floats.AddConst(out.grad()[0], a.grad())
		}
	})
	return out
}

// Mean returns the 1x1 mean of all elements. The mean of an empty tensor
// is zero.
func (g *Graph) Mean(a *Tensor) *Tensor {
	if len(a.Data) == 0 {
		return g.result(1, 1, a)
	}
	return g.Scale(g.Sum(a), 1/float64(len(a.Data)))
}

// SumSquares returns the 1x1 sum of squared elements.
func (g *Graph) SumSquares(a *Tensor) *Tensor {
	out := g.result(1, 1, a)
	out.Data[0] = floats.Dot(a.Data, a.Data)
	g.push(out, func() {
		if a.requiresGrad {
			floats.AddScaled(a.grad(), 2*out.grad()[0], a.Data)
		}
	})
	return out
}

// SoftmaxCrossEntropy returns the weighted mean over rows of
// -w_i·log softmax(logits_i)[target_i]. Entries with valid[k] == false are
// excluded from the softmax; nil valid marks everything valid. nil weights
// means a weight of one for every row.
func (g *Graph) SoftmaxCrossEntropy(logits *Tensor, targets []int, valid []bool, weights []float64) *Tensor {
	if len(targets) != logits.Rows {
		panic(fmt.Sprintf("tensor: %d targets for %d rows", len(targets), logits.Rows))
	}
	out := g.result(1, 1, logits)
	if logits.Rows == 0 {
		return out
	}
	n, c := logits.Rows, logits.Cols
	probs := make([]float64, n*c)
	var total float64
	for i := 0; i < n; i++ {
		var rowValid []bool
		if valid != nil {
			rowValid = valid[i*c : (i+1)*c]
		}
		softmaxInto(probs[i*c:(i+1)*c], logits.Row(i), rowValid)
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		p := probs[i*c+targets[i]]
		total += -w * math.Log(math.Max(p, 1e-300))
	}
	out.Data[0] = total / float64(n)
	g.push(out, func() {
		if !logits.requiresGrad {
			return
		}
		lg := logits.grad()
		d := out.grad()[0] / float64(n)
		for i := 0; i < n; i++ {
			w := 1.0
			if weights != nil {
				w = weights[i]
			}
			for j := 0; j < c; j++ {
				k := i*c + j
				if valid != nil && !valid[k] {
					continue
				}
				grad := probs[k]
				if j == targets[i] {
					grad -= 1
				}
				lg[k] += d * w * grad
			}
		}
	})
	return out
}

// Softmax returns the softmax of v restricted to entries where valid is
// true (nil means all). Invalid entries get probability zero.
func Softmax(v []float64, valid []bool) []float64 {
	out := make([]float64, len(v))
	softmaxInto(out, v, valid)
	return out
}

func softmaxInto(dst, src []float64, valid []bool) {
	maxV := math.Inf(-1)
	for j, v := range src {
		if valid != nil && !valid[j] {
			continue
		}
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(maxV, -1) {
		for j := range dst {
			dst[j] = 0
		}
		return
	}
	var sum float64
	for j, v := range src {
		if valid != nil && !valid[j] {
			dst[j] = 0
			continue
		}
		dst[j] = math.Exp(v - maxV)
		sum += dst[j]
	}
	for j := range dst {
		dst[j] /= sum
	}
}
