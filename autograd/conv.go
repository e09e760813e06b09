// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autograd

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Conv is the geometry of a 2D convolution
type Conv struct {
	// KH and KW are the kernel height and width
	KH, KW int
	// SH and SW are the strides
	SH, SW int
	// PH and PW are the zero paddings
	PH, PW int
	// OH and OW are the output paddings of a transposed convolution
	OH, OW int
}

// Output is the spatial size produced by a convolution over h x w
func (c Conv) Output(h, w int) (int, int) {
	return FloorDiv(h-c.KH+2*c.PH, c.SH) + 1, FloorDiv(w-c.KW+2*c.PW, c.SW) + 1
}

// TransposeOutput is the spatial size produced by a transposed convolution over h x w
func (c Conv) TransposeOutput(h, w int) (int, int) {
	return (h-1)*c.SH - 2*c.PH + c.KH + c.OH, (w-1)*c.SW - 2*c.PW + c.KW + c.OW
}

// FloorDiv divides rounding toward negative infinity
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// im2col unfolds the patches of x [c, h, w] seen by a convolution producing oh x ow
func im2col(x []float64, c, h, w int, g Conv, oh, ow int, cols []float64) {
	p := oh * ow
	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < g.KH; ki++ {
			for kj := 0; kj < g.KW; kj++ {
				row := (ch*g.KH+ki)*g.KW + kj
				dst := cols[row*p : (row+1)*p]
				for i := 0; i < oh; i++ {
					y := i*g.SH - g.PH + ki
					if y < 0 || y >= h {
						for j := 0; j < ow; j++ {
							dst[i*ow+j] = 0
						}
						continue
					}
					src := x[(ch*h+y)*w : (ch*h+y+1)*w]
					for j := 0; j < ow; j++ {
						xx := j*g.SW - g.PW + kj
						if xx < 0 || xx >= w {
							dst[i*ow+j] = 0
							continue
						}
						dst[i*ow+j] = src[xx]
					}
				}
			}
		}
	}
}

// col2im folds cols back into x [c, h, w], accumulating overlapping patches
func col2im(cols []float64, c, h, w int, g Conv, oh, ow int, x []float64) {
	p := oh * ow
	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < g.KH; ki++ {
			for kj := 0; kj < g.KW; kj++ {
				row := (ch*g.KH+ki)*g.KW + kj
				src := cols[row*p : (row+1)*p]
				for i := 0; i < oh; i++ {
					y := i*g.SH - g.PH + ki
					if y < 0 || y >= h {
						continue
					}
					dst := x[(ch*h+y)*w : (ch*h+y+1)*w]
					for j := 0; j < ow; j++ {
						xx := j*g.SW - g.PW + kj
						if xx < 0 || xx >= w {
							continue
						}
						dst[xx] += src[i*ow+j]
					}
				}
			}
		}
	}
}

func image(op string, v *V) (int, int, int, int) {
	if len(v.S) != 4 {
		panic(fmt.Sprintf("autograd: %s expects [batch, channels, height, width], got %v", op, v.S))
	}
	return v.S[0], v.S[1], v.S[2], v.S[3]
}

func addBias(out []float64, b *V, channels, plane int) {
	if b == nil {
		return
	}
	for c := 0; c < channels; c++ {
		row := out[c*plane : (c+1)*plane]
		for i := range row {
			row[i] += b.X[c]
		}
	}
}

func biasGradient(b *V, d []float64, channels, plane int) {
	if b == nil {
		return
	}
	for c := 0; c < channels; c++ {
		b.D[c] += floats.Sum(d[c*plane : (c+1)*plane])
	}
}

// Conv2D convolves x [batch, in, h, w] with w [out, in, kh, kw] and adds the bias b [out]
func (t *Tape) Conv2D(x, w, b *V, g Conv) *V {
	batch, in, h, wd := image("conv2d", x)
	if len(w.S) != 4 || w.S[1] != in || w.S[2] != g.KH || w.S[3] != g.KW {
		panic(fmt.Sprintf("autograd: conv2d weight %s has shape %v for %d input channels", w.N, w.S, in))
	}
	outputs := w.S[0]
	oh, ow := g.Output(h, wd)
	if oh < 1 || ow < 1 {
		panic(fmt.Sprintf("autograd: conv2d input %dx%d is smaller than its kernel", h, wd))
	}
	k, p := in*g.KH*g.KW, oh*ow
	out := NewV(batch, outputs, oh, ow)
	weights := general(outputs, k, w.X)
	// the backward pass needs the columns of every sample, evaluation reuses one buffer
	stride := k * p
	if !t.Grad() {
		stride = 0
	}
	cols := make([]float64, max(batch-1, 0)*stride+k*p)
	for n := 0; n < batch; n++ {
		col := cols[n*stride : n*stride+k*p]
		im2col(x.X[n*in*h*wd:(n+1)*in*h*wd], in, h, wd, g, oh, ow, col)
		o := out.X[n*outputs*p : (n+1)*outputs*p]
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, weights, general(k, p, col), 0, general(outputs, p, o))
		addBias(o, b, outputs, p)
	}
	t.Record(func() {
		dcols := make([]float64, k*p)
		dweights := general(outputs, k, w.D)
		for n := 0; n < batch; n++ {
			col := general(k, p, cols[n*k*p:(n+1)*k*p])
			d := out.D[n*outputs*p : (n+1)*outputs*p]
			dout := general(outputs, p, d)
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, dout, col, 1, dweights)
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, weights, dout, 0, general(k, p, dcols))
			col2im(dcols, in, h, wd, g, oh, ow, x.D[n*in*h*wd:(n+1)*in*h*wd])
			biasGradient(b, d, outputs, p)
		}
	})
	return out
}

// ConvTranspose2D is the transposed convolution of x [batch, in, h, w] with w [in, out, kh, kw]
// plus the bias b [out]
func (t *Tape) ConvTranspose2D(x, w, b *V, g Conv) *V {
	batch, in, h, wd := image("convtranspose2d", x)
	if len(w.S) != 4 || w.S[0] != in || w.S[2] != g.KH || w.S[3] != g.KW {
		panic(fmt.Sprintf("autograd: convtranspose2d weight %s has shape %v for %d input channels", w.N, w.S, in))
	}
	outputs := w.S[1]
	oh, ow := g.TransposeOutput(h, wd)
	if ch, cw := g.Output(oh, ow); ch != h || cw != wd {
		panic(fmt.Sprintf("autograd: convtranspose2d output padding %d,%d is invalid for stride %d,%d", g.OH, g.OW, g.SH, g.SW))
	}
	k, p, plane := outputs*g.KH*g.KW, h*wd, oh*ow
	out := NewV(batch, outputs, oh, ow)
	weights := general(in, k, w.X)
	cols := make([]float64, k*p)
	for n := 0; n < batch; n++ {
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, weights, general(in, p, x.X[n*in*p:(n+1)*in*p]), 0, general(k, p, cols))
		o := out.X[n*outputs*plane : (n+1)*outputs*plane]
		col2im(cols, outputs, oh, ow, g, h, wd, o)
		addBias(o, b, outputs, plane)
	}
	t.Record(func() {
		dcols := make([]float64, k*p)
		dweights := general(in, k, w.D)
		for n := 0; n < batch; n++ {
			d := out.D[n*outputs*plane : (n+1)*outputs*plane]
			im2col(d, outputs, oh, ow, g, h, wd, dcols)
			col := general(k, p, dcols)
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, weights, col, 1, general(in, p, x.D[n*in*p:(n+1)*in*p]))
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, general(in, p, x.X[n*in*p:(n+1)*in*p]), col, 1, dweights)
			biasGradient(b, d, outputs, plane)
		}
	})
	return out
}

func sequence(op string, v *V) (int, int, int) {
	if len(v.S) != 3 {
		panic(fmt.Sprintf("autograd: %s expects [batch, channels, length], got %v", op, v.S))
	}
	return v.S[0], v.S[1], v.S[2]
}

// Conv1D convolves x [batch, in, length] with w [out, in, kernel] and adds the bias b [out]
func (t *Tape) Conv1D(x, w, b *V, kernel, stride, padding int) *V {
	batch, in, length := sequence("conv1d", x)
	if len(w.S) != 3 {
		panic(fmt.Sprintf("autograd: conv1d weight %s has shape %v", w.N, w.S))
	}
	g := Conv{KH: 1, KW: kernel, SH: 1, SW: stride, PW: padding}
	y := t.Conv2D(t.Reshape(x, batch, in, 1, length), t.Reshape(w, w.S[0], w.S[1], 1, w.S[2]), b, g)
	return t.Reshape(y, batch, y.S[1], y.S[3])
}

// ConvTranspose1D is the transposed convolution of x [batch, in, length] with w [in, out, kernel]
// plus the bias b [out]
func (t *Tape) ConvTranspose1D(x, w, b *V, kernel, stride, padding, outputPadding int) *V {
	batch, in, length := sequence("convtranspose1d", x)
	if len(w.S) != 3 {
		panic(fmt.Sprintf("autograd: convtranspose1d weight %s has shape %v", w.N, w.S))
	}
	g := Conv{KH: 1, KW: kernel, SH: 1, SW: stride, PW: padding, OW: outputPadding}
	y := t.ConvTranspose2D(t.Reshape(x, batch, in, 1, length), t.Reshape(w, w.S[0], w.S[1], 1, w.S[2]), b, g)
	return t.Reshape(y, batch, y.S[1], y.S[3])
}
