// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autograd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   data,
	}
}

func same(op string, a, b *V) {
	if len(a.X) != len(b.X) {
		panic(fmt.Sprintf("autograd: %s size mismatch %v %v", op, a.S, b.S))
	}
}

// Add adds two tensors of the same size
func (t *Tape) Add(a, b *V) *V {
	same("add", a, b)
	out := NewV(a.S...)
	floats.AddTo(out.X, a.X, b.X)
	t.Record(func() {
		floats.Add(a.D, out.D)
		floats.Add(b.D, out.D)
	})
	return out
}

// Sub subtracts b from a
func (t *Tape) Sub(a, b *V) *V {
	same("sub", a, b)
	out := NewV(a.S...)
	floats.SubTo(out.X, a.X, b.X)
	t.Record(func() {
		floats.Add(a.D, out.D)
		floats.Sub(b.D, out.D)
	})
	return out
}

// Scale multiplies a by s
func (t *Tape) Scale(a *V, s float64) *V {
	out := NewV(a.S...)
	floats.ScaleTo(out.X, s, a.X)
	t.Record(func() {
		floats.AddScaled(a.D, s, out.D)
	})
	return out
}

// ELU is the exponential linear unit with alpha 1
func (t *Tape) ELU(a *V) *V {
	out := NewV(a.S...)
	for i, x := range a.X {
		if x > 0 {
			out.X[i] = x
		} else {
			out.X[i] = math.Expm1(x)
		}
	}
	t.Record(func() {
		for i, x := range a.X {
			if x > 0 {
				a.D[i] += out.D[i]
			} else {
				a.D[i] += out.D[i] * (out.X[i] + 1)
			}
		}
	})
	return out
}

// LogCosh computes log(cosh(x)) elementwise
func (t *Tape) LogCosh(a *V) *V {
	out := NewV(a.S...)
	for i, x := range a.X {
		ax := math.Abs(x)
		out.X[i] = ax + math.Log1p(math.Exp(-2*ax)) - math.Ln2
	}
	t.Record(func() {
		for i, x := range a.X {
			a.D[i] += out.D[i] * math.Tanh(x)
		}
	})
	return out
}

// Sum sums all of the elements of a
func (t *Tape) Sum(a *V) *V {
	out := NewV(1)
	out.X[0] = floats.Sum(a.X)
	t.Record(func() {
		d := out.D[0]
		for i := range a.D {
			a.D[i] += d
		}
	})
	return out
}

// Dot is the dot product of a with the constant vector y
func (t *Tape) Dot(a *V, y []float64) *V {
	if len(y) != len(a.X) {
		panic(fmt.Sprintf("autograd: dot size mismatch %d %d", len(a.X), len(y)))
	}
	out := NewV(1)
	out.X[0] = floats.Dot(a.X, y)
	t.Record(func() {
		floats.AddScaled(a.D, out.D[0], y)
	})
	return out
}

// SquaredError is the sum of the squared differences of a and b
func (t *Tape) SquaredError(a, b *V) *V {
	same("squared error", a, b)
	out := NewV(1)
	sum := 0.0
	for i, x := range a.X {
		d := x - b.X[i]
		sum += d * d
	}
	out.X[0] = sum
	t.Record(func() {
		g := 2 * out.D[0]
		for i, x := range a.X {
			d := g * (x - b.X[i])
			a.D[i] += d
			b.D[i] -= d
		}
	})
	return out
}

// Linear computes x*w^T + b for x [rows, in], w [out, in] and b [out]
func (t *Tape) Linear(x, w, b *V) *V {
	rows, in := x.rows()
	outputs, win := w.rows()
	if in != win {
		panic(fmt.Sprintf("autograd: linear %s expects %d inputs, got %d", w.N, win, in))
	}
	if b != nil && len(b.X) != outputs {
		panic(fmt.Sprintf("autograd: linear bias %s has %d values, want %d", b.N, len(b.X), outputs))
	}
	out := NewV(rows, outputs)
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, general(rows, in, x.X), general(outputs, in, w.X), 0, general(rows, outputs, out.X))
	if b != nil {
		for i := 0; i < rows; i++ {
			floats.Add(out.X[i*outputs:(i+1)*outputs], b.X)
		}
	}
	t.Record(func() {
		dout := general(rows, outputs, out.D)
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, dout, general(outputs, in, w.X), 1, general(rows, in, x.D))
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, dout, general(rows, in, x.X), 1, general(outputs, in, w.D))
		if b != nil {
			for i := 0; i < rows; i++ {
				floats.Add(b.D, out.D[i*outputs:(i+1)*outputs])
			}
		}
	})
	return out
}

// Concat concatenates matrices with the same number of rows along the columns
func (t *Tape) Concat(vs ...*V) *V {
	rows, cols := vs[0].rows()
	widths := make([]int, len(vs))
	widths[0] = cols
	for i, v := range vs[1:] {
		r, c := v.rows()
		if r != rows {
			panic(fmt.Sprintf("autograd: concat row mismatch %v %v", vs[0].S, v.S))
		}
		widths[i+1] = c
		cols += c
	}
	out := NewV(rows, cols)
	for i := 0; i < rows; i++ {
		offset := i * cols
		for j, v := range vs {
			w := widths[j]
			copy(out.X[offset:offset+w], v.X[i*w:(i+1)*w])
			offset += w
		}
	}
	t.Record(func() {
		for i := 0; i < rows; i++ {
			offset := i * cols
			for j, v := range vs {
				w := widths[j]
				floats.Add(v.D[i*w:(i+1)*w], out.D[offset:offset+w])
				offset += w
			}
		}
	})
	return out
}

// Reshape views a with a new shape, values and gradients are shared
func (t *Tape) Reshape(a *V, s ...int) *V {
	if Size(s) != len(a.X) {
		panic(fmt.Sprintf("autograd: cannot reshape %v to %v", a.S, s))
	}
	return &V{
		N: a.N,
		S: append([]int(nil), s...),
		X: a.X,
		D: a.D,
	}
}

// Transpose swaps the last two axes of a
func (t *Tape) Transpose(a *V) *V {
	n := len(a.S)
	if n < 2 {
		panic(fmt.Sprintf("autograd: cannot transpose shape %v", a.S))
	}
	h, w := a.S[n-2], a.S[n-1]
	s := append([]int(nil), a.S...)
	s[n-2], s[n-1] = w, h
	out := NewV(s...)
	plane := h * w
	planes := len(a.X) / plane
	for p := 0; p < planes; p++ {
		base := p * plane
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				out.X[base+j*h+i] = a.X[base+i*w+j]
			}
		}
	}
	t.Record(func() {
		for p := 0; p < planes; p++ {
			base := p * plane
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					a.D[base+i*w+j] += out.D[base+j*h+i]
				}
			}
		}
	})
	return out
}
