// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package augment scores the latent codes of the patches cut from the same baseline against each other.
package augment

import (
	"fmt"
	"math"

	"github.com/pointlander/khm/autograd"
	"gonum.org/v1/gonum/floats"
)

// Eps is the default floor added to the norm of a code
const Eps = 1e-6

// Loss is the augmentation term of the codes mu [baselines*perBaseline, latent].
// The rows of each block of perBaseline rows are normalized to z = x/(|x| + eps) and
// exp(-z_i.z_j) is summed over the unordered pairs of the block. Each block sum is
// divided by perBaseline and the total by baselines*perBaseline.
func Loss(t *autograd.Tape, mu *autograd.V, perBaseline, baselines int, eps float64) *autograd.V {
	if len(mu.S) != 2 || perBaseline < 1 || baselines < 1 || mu.S[0] != perBaseline*baselines {
		panic(fmt.Sprintf("augment: codes of shape %v are not %d blocks of %d rows", mu.S, baselines, perBaseline))
	}
	rows, dim := mu.S[0], mu.S[1]
	norms := make([]float64, rows)
	z := make([]float64, len(mu.X))
	for i := 0; i < rows; i++ {
		x := mu.X[i*dim : (i+1)*dim]
		norms[i] = floats.Norm(x, 2)
		floats.ScaleTo(z[i*dim:(i+1)*dim], 1/(norms[i]+eps), x)
	}
	row := func(v []float64, i int) []float64 {
		return v[i*dim : (i+1)*dim]
	}

	total := 0.0
	for b := 0; b < baselines; b++ {
		sum := 0.0
		for i := b * perBaseline; i < (b+1)*perBaseline; i++ {
			for j := i + 1; j < (b+1)*perBaseline; j++ {
				sum += math.Exp(-floats.Dot(row(z, i), row(z, j)))
			}
		}
		total += sum / float64(perBaseline)
	}
	norm := float64(baselines) * float64(perBaseline)
	out := autograd.NewV(1)
	out.X[0] = total / norm
	t.Record(func() {
		scale := out.D[0] / (norm * float64(perBaseline))
		gz := make([]float64, len(z))
		for b := 0; b < baselines; b++ {
			for i := b * perBaseline; i < (b+1)*perBaseline; i++ {
				for j := i + 1; j < (b+1)*perBaseline; j++ {
					e := -scale * math.Exp(-floats.Dot(row(z, i), row(z, j)))
					floats.AddScaled(row(gz, i), e, row(z, j))
					floats.AddScaled(row(gz, j), e, row(z, i))
				}
			}
		}
		for i := 0; i < rows; i++ {
			x, g, d := row(mu.X, i), row(gz, i), row(mu.D, i)
			n := norms[i]
			floats.AddScaled(d, 1/(n+eps), g)
			if n > 0 {
				floats.AddScaled(d, -floats.Dot(x, g)/(n*(n+eps)*(n+eps)), x)
			}
		}
	})
	return out
}
