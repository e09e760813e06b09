// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package augment

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pointlander/khm/autograd"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/diff/fd"
)

func TestOrthogonalPair(t *testing.T) {
	mu := autograd.Const([]float64{1, 0, 0, 0, 1, 0}, 2, 3)
	for _, eps := range []float64{Eps, 1e-3, 0} {
		assert.InDelta(t, .25, Loss(autograd.NoGrad(), mu, 2, 1, eps).X[0], 1e-15)
	}
}

func TestBlocksAreIndependent(t *testing.T) {
	// the first row of each block is aligned with the second row of the other block
	mu := autograd.Const([]float64{
		1, 0,
		0, 1,
		0, 1,
		1, 0,
	}, 4, 2)
	assert.InDelta(t, (.5+.5)/4, Loss(autograd.NoGrad(), mu, 2, 2, 0).X[0], 1e-15)

	aligned := autograd.Const([]float64{3, 0, 2, 0, 0, 1, 0, 5}, 4, 2)
	want := 2 * math.Exp(-1) / 2 / 4
	assert.InDelta(t, want, Loss(autograd.NoGrad(), aligned, 2, 2, 0).X[0], 1e-12)
}

func TestSinglePatch(t *testing.T) {
	mu := autograd.Const([]float64{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, 0.0, Loss(autograd.NoGrad(), mu, 1, 2, Eps).X[0])
}

func TestShapePanics(t *testing.T) {
	mu := autograd.NewV(5, 2)
	assert.Panics(t, func() { Loss(autograd.NoGrad(), mu, 2, 2, Eps) })
	assert.Panics(t, func() { Loss(autograd.NoGrad(), mu, 0, 5, Eps) })
}

func TestGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	mu := autograd.NewV(6, 4)
	for i := range mu.X {
		mu.X[i] = rng.NormFloat64()
	}
	loss := func(t *autograd.Tape) *autograd.V {
		return t.Scale(Loss(t, mu, 3, 2, 1e-2), 10)
	}
	tape := autograd.NewTape()
	tape.Backward(loss(tape))
	analytic := append([]float64(nil), mu.D...)
	x0 := append([]float64(nil), mu.X...)
	numeric := fd.Gradient(nil, func(x []float64) float64 {
		copy(mu.X, x)
		return loss(autograd.NoGrad()).X[0]
	}, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	copy(mu.X, x0)
	for i := range analytic {
		assert.InDelta(t, numeric[i], analytic[i], 1e-6+1e-4*math.Abs(numeric[i]), "index %d", i)
	}
}
