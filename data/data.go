// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package data provides minibatches of baseline patches.
package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/pointlander/khm/autograd"
)

// Channels is the number of channels of a patch: real and imaginary parts of XX and YY
const Channels = 4

// ErrShape is returned for a minibatch whose parts do not agree
var ErrShape = errors.New("data: minibatch shape mismatch")

// Minibatch is a stack of patches cut from the dynamic spectra of some baselines.
// The rows are consecutive blocks of PatchX*PatchY patches, one block per baseline.
type Minibatch struct {
	// X is [batch, channels, patch, patch]
	X *autograd.V
	// UV holds the (u, v) pair of each row
	UV        []float64
	PatchX    int
	PatchY    int
	Baselines int
}

// PerBaseline is the number of patches cut from each baseline
func (m Minibatch) PerBaseline() int {
	return m.PatchX * m.PatchY
}

// Validate checks the minibatch against the patch geometry
func (m Minibatch) Validate(channels, patch int) error {
	if m.X == nil {
		return fmt.Errorf("%w: no patches", ErrShape)
	}
	if m.PatchX < 1 || m.PatchY < 1 || m.Baselines < 1 {
		return fmt.Errorf("%w: %dx%d patches of %d baselines", ErrShape, m.PatchX, m.PatchY, m.Baselines)
	}
	batch := m.PerBaseline() * m.Baselines
	want := []int{batch, channels, patch, patch}
	if fmt.Sprint(m.X.S) != fmt.Sprint(want) {
		return fmt.Errorf("%w: patches %v, want %v", ErrShape, m.X.S, want)
	}
	if len(m.UV) != 2*batch {
		return fmt.Errorf("%w: %d coordinates for %d patches", ErrShape, len(m.UV), batch)
	}
	return nil
}

// Source produces minibatches
type Source interface {
	Next(ctx context.Context) (Minibatch, error)
}

// Cycle is a source that repeats a fixed list of minibatches
type Cycle struct {
	Batches []Minibatch
	next    int
}

// Next returns the next minibatch of the cycle
func (c *Cycle) Next(ctx context.Context) (Minibatch, error) {
	if err := ctx.Err(); err != nil {
		return Minibatch{}, err
	}
	if len(c.Batches) == 0 {
		return Minibatch{}, errors.New("data: empty cycle")
	}
	m := c.Batches[c.next%len(c.Batches)]
	c.next++
	return m, nil
}
