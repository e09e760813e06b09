// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package autograd is a small reverse mode automatic differentiation engine
// for float64 tensors. Values and their gradients live side by side in a V,
// learned values are grouped in a Set, and a Tape records the backward pass
// of every operation applied while it is recording.
package autograd

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

const (
	// StateM is the state for the mean
	StateM = iota
	// StateV is the state for the variance
	StateV
	// StateTotal is the total number of states
	StateTotal
)

// V is a tensor value
type V struct {
	N      string
	S      []int
	X      []float64
	D      []float64
	States [][]float64
}

// NewV creates a zero tensor with shape s
func NewV(s ...int) *V {
	size := Size(s)
	return &V{
		S: append([]int(nil), s...),
		X: make([]float64, size),
		D: make([]float64, size),
	}
}

// Const wraps x in a tensor with shape s
func Const(x []float64, s ...int) *V {
	if Size(s) != len(x) {
		panic(fmt.Sprintf("autograd: %d values do not fit shape %v", len(x), s))
	}
	return &V{
		S: append([]int(nil), s...),
		X: x,
		D: make([]float64, len(x)),
	}
}

// Size is the number of elements of shape s
func Size(s []int) int {
	size := 1
	for _, d := range s {
		size *= d
	}
	return size
}

// Size is the number of elements
func (v *V) Size() int {
	return len(v.X)
}

// Zero zeros the gradient
func (v *V) Zero() {
	for i := range v.D {
		v.D[i] = 0
	}
}

// Copy copies the values into a new constant
func (v *V) Copy() *V {
	x := make([]float64, len(v.X))
	copy(x, v.X)
	return Const(x, v.S...)
}

func (v *V) rows() (int, int) {
	if len(v.S) != 2 {
		panic(fmt.Sprintf("autograd: %s expected a matrix, got shape %v", v.N, v.S))
	}
	return v.S[0], v.S[1]
}

// Set is a set of named weights
type Set struct {
	Weights []*V
	ByName  map[string]*V
}

// NewSet creates a new weight set
func NewSet() Set {
	return Set{
		ByName: make(map[string]*V),
	}
}

// Add adds a zero weight with shape s to the set
func (s *Set) Add(name string, d ...int) *V {
	v := NewV(d...)
	v.N = name
	v.States = make([][]float64, StateTotal)
	for i := range v.States {
		v.States[i] = make([]float64, len(v.X))
	}
	s.Weights = append(s.Weights, v)
	s.ByName[name] = v
	return v
}

// Get returns a weight by name
func (s Set) Get(name string) *V {
	v, ok := s.ByName[name]
	if !ok {
		panic(fmt.Sprintf("autograd: no weight named %q", name))
	}
	return v
}

// Zero zeros the gradients of the set
func (s Set) Zero() {
	for _, w := range s.Weights {
		w.Zero()
	}
}

// Size is the number of learned values in the set
func (s Set) Size() int {
	size := 0
	for _, w := range s.Weights {
		size += len(w.X)
	}
	return size
}

// Init initializes the weights, biases start at zero
func (s Set) Init(rng *rand.Rand) {
	for _, w := range s.Weights {
		if strings.HasPrefix(w.N, "b") {
			for i := range w.X {
				w.X[i] = 0
			}
			continue
		}
		fan := len(w.X) / w.S[0]
		if fan == 0 {
			fan = 1
		}
		factor := math.Sqrt(2.0 / float64(fan))
		for i := range w.X {
			w.X[i] = rng.NormFloat64() * factor
		}
	}
}

// Tape records the backward pass of the operations applied through it
type Tape struct {
	grad     bool
	backward []func()
}

// NewTape creates a recording tape
func NewTape() *Tape {
	return &Tape{grad: true}
}

// NoGrad creates a tape that only evaluates
func NoGrad() *Tape {
	return &Tape{}
}

// Grad is true if the tape records
func (t *Tape) Grad() bool {
	return t.grad
}

// Record adds a backward function to the tape
func (t *Tape) Record(backward func()) {
	if t.grad {
		t.backward = append(t.backward, backward)
	}
}

// Backward seeds the gradient of the scalar loss and runs the tape in reverse
func (t *Tape) Backward(loss *V) {
	if !t.grad {
		panic("autograd: backward on a tape that does not record")
	}
	if len(loss.X) != 1 {
		panic(fmt.Sprintf("autograd: loss must be a scalar, got shape %v", loss.S))
	}
	loss.D[0] += 1
	for i := len(t.backward) - 1; i >= 0; i-- {
		t.backward[i]()
	}
	t.backward = t.backward[:0]
}
