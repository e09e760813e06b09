// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autograd

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

const (
	// B1 exponential decay of the rate for the first moment estimates
	B1 = 0.9
	// B2 exponential decay rate for the second-moment estimates
	B2 = 0.999
)

// Optimizer updates weights from the gradients computed by a closure.
// The closure evaluates the loss, runs the backward pass and returns the loss.
// It may be called more than once per step.
type Optimizer interface {
	Step(closure func() float64) float64
}

func weights(sets []Set) []*V {
	var ws []*V
	for _, s := range sets {
		ws = append(ws, s.Weights...)
	}
	return ws
}

func zero(ws []*V) {
	for _, w := range ws {
		w.Zero()
	}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Adam is the adam optimizer with gradient norm clipping
type Adam struct {
	Eta       float64
	Iteration int
	Weights   []*V
}

// NewAdam creates an adam optimizer over the weights of sets
func NewAdam(eta float64, sets ...Set) *Adam {
	return &Adam{
		Eta:     eta,
		Weights: weights(sets),
	}
}

// Step does one adam update
func (a *Adam) Step(closure func() float64) float64 {
	pow := func(x float64) float64 {
		y := math.Pow(x, float64(a.Iteration+1))
		if !finite(y) {
			return 0
		}
		return y
	}

	zero(a.Weights)
	l := closure()
	if !finite(l) {
		klog.Warningf("adam: iteration %d loss is %v, skipping update", a.Iteration, l)
		return l
	}

	norm := 0.0
	for _, w := range a.Weights {
		norm += floats.Dot(w.D, w.D)
	}
	norm = math.Sqrt(norm)
	if !finite(norm) {
		klog.Warningf("adam: iteration %d gradient norm is %v, skipping update", a.Iteration, norm)
		return l
	}
	b1, b2 := pow(B1), pow(B2)
	scaling := 1.0
	if norm > 1 {
		scaling = 1 / norm
	}
	for _, w := range a.Weights {
		for ii, d := range w.D {
			g := d * scaling
			m := B1*w.States[StateM][ii] + (1-B1)*g
			v := B2*w.States[StateV][ii] + (1-B2)*g*g
			w.States[StateM][ii] = m
			w.States[StateV][ii] = v
			mhat := m / (1 - b1)
			vhat := v / (1 - b2)
			if vhat < 0 {
				vhat = 0
			}
			w.X[ii] -= a.Eta * mhat / (math.Sqrt(vhat) + 1e-8)
		}
	}
	a.Iteration++
	return l
}

// LineSearch is gradient descent with a backtracking line search on the Armijo condition
type LineSearch struct {
	// Eta is the first step tried
	Eta float64
	// Shrink scales the step after each rejected trial
	Shrink float64
	// C is the sufficient decrease constant
	C float64
	// Trials is the maximum number of steps tried
	Trials  int
	Weights []*V
}

// NewLineSearch creates a line search optimizer over the weights of sets
func NewLineSearch(eta float64, sets ...Set) *LineSearch {
	return &LineSearch{
		Eta:     eta,
		Shrink:  .5,
		C:       1e-4,
		Trials:  10,
		Weights: weights(sets),
	}
}

// Step does one line search update. When no trial decreases the loss the
// weights are restored and the loss is evaluated once more so the closure
// last sees the weights that were kept.
func (s *LineSearch) Step(closure func() float64) float64 {
	zero(s.Weights)
	l0 := closure()
	if !finite(l0) {
		klog.Warningf("linesearch: loss is %v, skipping update", l0)
		return l0
	}
	x0 := make([][]float64, len(s.Weights))
	g := make([][]float64, len(s.Weights))
	norm := 0.0
	for i, w := range s.Weights {
		x0[i] = append([]float64(nil), w.X...)
		g[i] = append([]float64(nil), w.D...)
		norm += floats.Dot(w.D, w.D)
	}
	if norm == 0 || !finite(norm) {
		return l0
	}

	step := s.Eta
	for trial := 0; trial < s.Trials; trial++ {
		for i, w := range s.Weights {
			floats.AddScaledTo(w.X, x0[i], -step, g[i])
		}
		zero(s.Weights)
		l := closure()
		if finite(l) && l <= l0-s.C*step*norm {
			return l
		}
		step *= s.Shrink
	}

	for i, w := range s.Weights {
		copy(w.X, x0[i])
	}
	zero(s.Weights)
	return closure()
}
