// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"context"
	"errors"
	"testing"

	"github.com/pointlander/khm/autograd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func synthetic(t *testing.T, seed int64) *Synthetic {
	s, err := NewSynthetic(SyntheticConfig{
		Patch:     8,
		PatchX:    2,
		PatchY:    3,
		Baselines: 2,
		Sources:   3,
		MaxUV:     1000,
		Noise:     .01,
		Seed:      seed,
	})
	require.NoError(t, err)
	return s
}

func TestSyntheticShape(t *testing.T) {
	m, err := synthetic(t, 1).Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Validate(Channels, 8))
	assert.Equal(t, 6, m.PerBaseline())
	assert.Equal(t, []int{12, Channels, 8, 8}, m.X.S)

	// every patch of a baseline shares its coordinates
	for b := 0; b < 2; b++ {
		for i := 1; i < 6; i++ {
			row := b*6 + i
			assert.Equal(t, m.UV[2*b*6:2*b*6+2], m.UV[2*row:2*row+2])
		}
	}
	assert.NotEqual(t, m.UV[0:2], m.UV[12:14])
}

func TestSyntheticNormalized(t *testing.T) {
	m, err := synthetic(t, 2).Next(context.Background())
	require.NoError(t, err)
	plane := 64
	for c := 0; c < Channels; c++ {
		sum, squares := 0.0, 0.0
		for row := 0; row < 6; row++ {
			x := m.X.X[(row*Channels+c)*plane : (row*Channels+c+1)*plane]
			sum += floats.Sum(x)
			squares += floats.Dot(x, x)
		}
		n := float64(6 * plane)
		assert.InDelta(t, 0, sum/n, 1e-9)
		assert.InDelta(t, 1, squares/(n-1), 1e-9)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a, err := synthetic(t, 3).Next(context.Background())
	require.NoError(t, err)
	b, err := synthetic(t, 3).Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.X.X, b.X.X)
	assert.Equal(t, a.UV, b.UV)
}

func TestSyntheticCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := synthetic(t, 4).Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewSyntheticErrors(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{Patch: 8, PatchX: 1, PatchY: 1, Baselines: 1, Sources: 1})
	assert.Error(t, err)
	_, err = NewSynthetic(SyntheticConfig{Patch: 0, PatchX: 1, PatchY: 1, Baselines: 1, Sources: 1, MaxUV: 1})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	good := Minibatch{
		X:         autograd.NewV(4, Channels, 2, 2),
		UV:        make([]float64, 8),
		PatchX:    1,
		PatchY:    2,
		Baselines: 2,
	}
	assert.NoError(t, good.Validate(Channels, 2))

	for name, m := range map[string]Minibatch{
		"patch":     good,
		"nil":       {UV: good.UV, PatchX: 1, PatchY: 2, Baselines: 2},
		"uv":        {X: good.X, UV: good.UV[:6], PatchX: 1, PatchY: 2, Baselines: 2},
		"blocks":    {X: good.X, UV: good.UV, PatchX: 1, PatchY: 1, Baselines: 2},
		"baselines": {X: good.X, UV: good.UV, PatchX: 1, PatchY: 2},
	} {
		size := 2
		if name == "patch" {
			size = 3
		}
		assert.True(t, errors.Is(m.Validate(Channels, size), ErrShape), name)
	}
}

func TestCycle(t *testing.T) {
	a, b := Minibatch{Baselines: 1}, Minibatch{Baselines: 2}
	c := &Cycle{Batches: []Minibatch{a, b}}
	for _, want := range []int{1, 2, 1} {
		m, err := c.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, m.Baselines)
	}
	_, err := (&Cycle{}).Next(context.Background())
	assert.Error(t, err)
}
