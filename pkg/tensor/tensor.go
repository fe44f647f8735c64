// Package tensor provides dense row-major 2-D tensors and a reverse-mode
// automatic differentiation tape.
//
// Every value is a matrix. Sequence data of shape (batch, length, dim) is
// stored packed as (batch*length, dim); callers keep track of the layout.
//
// # Usage
//
//	g := tensor.NewGraph(true)
//	w := tensor.Param(3, 2, nil)
//	x := tensor.New(4, 3, data)
//	loss := g.Mean(g.ReLU(g.MatMul(x, w)))
//	if err := g.Backward(loss); err != nil { ... }
//	opt.Step([]*tensor.Tensor{w})
//
// A Graph built with NewGraph(false) records nothing and is used for
// inference. Graphs are not safe for concurrent use; build one per call.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major matrix with an optional gradient buffer.
type Tensor struct {
	Rows int
	Cols int
	Data []float64

	// Grad holds the accumulated gradient. It is allocated lazily for
	// tensors that require gradients.
	Grad []float64

	requiresGrad bool
}

// New returns a constant tensor. If data is nil a zero tensor is allocated;
// otherwise len(data) must equal rows*cols and data is used without copying.
func New(rows, cols int, data []float64) *Tensor {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tensor: negative shape %dx%d", rows, cols))
	}
	if data == nil {
		data = make([]float64, rows*cols)
	}
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// Param returns a trainable tensor. Gradients flow into it during Backward.
func Param(rows, cols int, data []float64) *Tensor {
	t := New(rows, cols, data)
	t.requiresGrad = true
	return t
}

// FromRows builds a constant tensor from equally sized rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		return New(0, 0, nil)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), cols))
		}
		data = append(data, r...)
	}
	return New(len(rows), cols, data)
}

// RequiresGrad reports whether gradients are tracked for t.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Shape returns (rows, cols).
func (t *Tensor) Shape() (int, int) { return t.Rows, t.Cols }

// At returns the element at row i, column j.
func (t *Tensor) At(i, j int) float64 { return t.Data[i*t.Cols+j] }

// Set stores v at row i, column j.
func (t *Tensor) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float64 { return t.Data[i*t.Cols : (i+1)*t.Cols] }

// Item returns the single element of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// Clone returns a constant deep copy of t's data.
func (t *Tensor) Clone() *Tensor {
	cp := make([]float64, len(t.Data))
	copy(cp, t.Data)
	return New(t.Rows, t.Cols, cp)
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// grad returns the gradient buffer, allocating it on first use.
func (t *Tensor) grad() []float64 {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
	return t.Grad
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%dx%d)", t.Rows, t.Cols)
}

// Graph records operations so gradients can be propagated backwards.
type Graph struct {
	record bool
	tape   []func()
}

// NewGraph creates a graph. When record is false no backward closures are
// kept and Backward is unavailable.
func NewGraph(record bool) *Graph {
	return &Graph{record: record}
}

// Recording reports whether the graph tracks gradients.
func (g *Graph) Recording() bool { return g.record }

// result allocates an output tensor marked as requiring gradients when any
// input does and the graph records.
func (g *Graph) result(rows, cols int, inputs ...*Tensor) *Tensor {
	out := New(rows, cols, nil)
	if g.record {
		for _, in := range inputs {
			if in.requiresGrad {
				out.requiresGrad = true
				break
			}
		}
	}
	return out
}

// push appends a backward closure for out if it participates in gradients.
func (g *Graph) push(out *Tensor, back func()) {
	if out.requiresGrad {
		g.tape = append(g.tape, back)
	}
}

// Backward propagates gradients from a scalar loss to every tensor that
// requires them. Parameter gradients accumulate; call ZeroGrad (or let the
// optimizer do it) between steps.
func (g *Graph) Backward(loss *Tensor) error {
	if !g.record {
		return fmt.Errorf("tensor: Backward on a non-recording graph")
	}
	if loss.Rows != 1 || loss.Cols != 1 {
		return fmt.Errorf("tensor: Backward needs a 1x1 loss, got %dx%d", loss.Rows, loss.Cols)
	}
	if !loss.requiresGrad {
		return nil
	}
	loss.grad()[0] += 1
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
	g.tape = nil
	return nil
}

// accumulate adds src into t's gradient when t requires it.
func accumulate(t *Tensor, src []float64) {
	if !t.requiresGrad {
		return
	}
	floats.Add(t.grad(), src)
}

func sameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
