// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autoencoder

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/pointlander/khm/autograd"
	"github.com/pointlander/khm/harmonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"pgregory.net/rapid"
)

func encoder(t testing.TB) harmonic.Encoder {
	e, err := harmonic.New([]float64{1e-4, 1e-3, 1e-2, 1e-1})
	require.NoError(t, err)
	return e
}

func input(rng *rand.Rand, s ...int) (*autograd.V, []float64) {
	x := autograd.NewV(s...)
	for i := range x.X {
		x.X[i] = rng.NormFloat64()
	}
	uv := make([]float64, 2*s[0])
	for i := range uv {
		uv[i] = rng.Float64() * 1000
	}
	return x, uv
}

func TestDefaultStages(t *testing.T) {
	c := Patch("net", 128, 4, 224, true)
	stages, err := Stages(c.Size, c.Kernel, c.Stride, c.Padding, len(c.Schedule))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{128, 128}, {64, 64}, {32, 32}, {16, 16}, {8, 8}, {4, 4}, {2, 2}}, stages)

	s := Sequence("netT", 128*128, 4, 16, true)
	stages, err = Stages(s.Size, s.Kernel, s.Stride, s.Padding, len(s.Schedule))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{16384}, {4096}, {1024}, {256}, {64}, {16}, {4}}, stages)
}

func TestDefaultUnits(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net, err := New(Patch("net", 128, 4, 224, true), encoder(t), rng)
	require.NoError(t, err)
	assert.Equal(t, []int{192, 2, 2}, net.Inner())
	assert.Equal(t, 768, net.Volume())
	for _, op := range net.restore {
		assert.Equal(t, []int{1, 1}, op)
	}

	netT, err := New(Sequence("netT", 128*128, 4, 16, true), encoder(t), rng)
	require.NoError(t, err)
	assert.Equal(t, []int{192, 4}, netT.Inner())
	for _, op := range netT.restore {
		assert.Equal(t, []int{0}, op)
	}
	assert.Equal(t, []int{16, 16}, netT.Set.Get("uv1").S)
	assert.Equal(t, []int{16, 768 + 16}, netT.Set.Get("fc1").S)
	assert.Equal(t, []int{768, 16 + 16}, netT.Set.Get("fc3").S)

	x, uv := input(rng, 1, 4, 128, 128)
	require.NoError(t, net.Check(x, uv))
	out := net.Forward(autograd.NoGrad(), x, uv)
	assert.Equal(t, x.S, out.Reconstruction.S)
	assert.Equal(t, []int{1, 224}, out.Latent.S)
	assert.Equal(t, []int{1, 224}, out.Sparse.S)
}

func TestConstructionErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	collapse := Sequence("short", 2, 4, 8, false)
	_, err := New(collapse, encoder(t), rng)
	assert.Error(t, err)

	unrestorable := Sequence("odd", 16, 4, 8, false)
	unrestorable.Kernel, unrestorable.Stride, unrestorable.Schedule = 3, 2, []int{2}
	_, err = New(unrestorable, encoder(t), rng)
	assert.Error(t, err)

	for _, c := range []Config{
		{Name: "3d", Size: []int{4, 4, 4}, Channels: 1, Latent: 1, Kernel: 1, Stride: 1, Schedule: []int{1}},
		{Name: "channels", Size: []int{4}, Latent: 1, Kernel: 1, Stride: 1, Schedule: []int{1}},
		{Name: "stride", Size: []int{4}, Channels: 1, Latent: 1, Kernel: 1, Schedule: []int{1}},
		{Name: "schedule", Size: []int{4}, Channels: 1, Latent: 1, Kernel: 1, Stride: 1},
		{Name: "empty", Size: []int{4}, Channels: 1, Latent: 1, Kernel: 1, Stride: 1, Schedule: []int{0}},
	} {
		_, err := New(c, encoder(t), rng)
		assert.Error(t, err, c.Name)
	}
}

func TestCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	c := Patch("net", 8, 2, 3, false)
	c.Schedule = []int{2, 3}
	u, err := New(c, encoder(t), rng)
	require.NoError(t, err)

	x, uv := input(rng, 2, 2, 8, 8)
	assert.NoError(t, u.Check(x, uv))
	assert.True(t, errors.Is(u.Check(x, uv[:2]), ErrShape))
	bad, uv := input(rng, 2, 3, 8, 8)
	assert.True(t, errors.Is(u.Check(bad, uv), ErrShape))
	bad, uv = input(rng, 2, 2, 8, 7)
	assert.True(t, errors.Is(u.Check(bad, uv), ErrShape))
	bad, uv = input(rng, 2, 2, 64)
	assert.True(t, errors.Is(u.Check(bad, uv), ErrShape))
}

// cascade runs the downsampling convolutions of u and returns the spatial size after each
func cascade(u *Unit, x *autograd.V) [][]int {
	t := autograd.NoGrad()
	sizes := [][]int{append([]int(nil), x.S[2:]...)}
	for i := range u.Schedule {
		w, b := u.Set.Get(fmt.Sprintf("c%d", i)), u.Set.Get(fmt.Sprintf("bc%d", i))
		if len(u.Size) == 2 {
			x = t.Conv2D(x, w, b, autograd.Conv{KH: u.Kernel, KW: u.Kernel, SH: u.Stride, SW: u.Stride, PH: u.Padding, PW: u.Padding})
		} else {
			x = t.Conv1D(x, w, b, u.Kernel, u.Stride, u.Padding)
		}
		sizes = append(sizes, append([]int(nil), x.S[2:]...))
	}
	return sizes
}

func TestPatchShapes(t *testing.T) {
	e := encoder(t)
	rapid.Check(t, func(t *rapid.T) {
		h := rapid.IntRange(1, 33).Draw(t, "h")
		w := rapid.IntRange(1, 33).Draw(t, "w")
		depth := rapid.IntRange(1, 4).Draw(t, "depth")
		rica := rapid.Bool().Draw(t, "rica")
		rng := rand.New(rand.NewSource(1))

		c := Patch("net", 1, 2, 3, rica)
		c.Size = []int{h, w}
		c.Schedule = c.Schedule[:depth]
		for i := range c.Schedule {
			c.Schedule[i] = 2
		}
		u, err := New(c, e, rng)
		if err != nil {
			t.Fatal(err)
		}
		x, uv := input(rng, 2, 2, h, w)
		if got := cascade(u, x); fmt.Sprint(got) != fmt.Sprint(u.stages) {
			t.Fatalf("cascade %v, analytic %v", got, u.stages)
		}
		out := u.Forward(autograd.NoGrad(), x, uv)
		if fmt.Sprint(out.Reconstruction.S) != fmt.Sprint(x.S) {
			t.Fatalf("reconstruction %v, input %v", out.Reconstruction.S, x.S)
		}
	})
}

func TestSequenceShapes(t *testing.T) {
	e := encoder(t)
	rng := rand.New(rand.NewSource(3))
	supported := 0
	for length := 1; length <= 80; length++ {
		c := Sequence("netT", length, 2, 3, false)
		c.Schedule = []int{2, 3}
		u, err := New(c, e, rng)
		if err != nil {
			continue
		}
		supported++
		x, uv := input(rng, 1, 2, length)
		assert.Equal(t, fmt.Sprint(u.stages), fmt.Sprint(cascade(u, x)), "length %d", length)
		code := u.Encode(autograd.NoGrad(), x, uv)
		out := u.Decode(autograd.NoGrad(), code, uv)
		assert.Equal(t, x.S, out.S, "length %d", length)
	}
	assert.Greater(t, supported, 10)
}

func TestRICALatentIsPreSparse(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	c := Sequence("netT", 16, 2, 3, true)
	c.Schedule = []int{2, 3}
	u, err := New(c, encoder(t), rng)
	require.NoError(t, err)
	x, uv := input(rng, 2, 2, 16)
	out := u.Forward(autograd.NoGrad(), x, uv)
	assert.Equal(t, u.Encode(autograd.NoGrad(), x, uv).X, out.Latent.X)
	require.NotNil(t, out.Sparse)
	assert.Equal(t, []int{2, 3}, out.Sparse.S)
}

func TestGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c := Sequence("netT", 16, 2, 3, true)
	c.Schedule = []int{2, 3}
	u, err := New(c, encoder(t), rng)
	require.NoError(t, err)
	x, uv := input(rng, 2, 2, 16)
	loss := func(t *autograd.Tape) *autograd.V {
		out := u.Forward(t, x, uv)
		return t.Add(t.SquaredError(out.Reconstruction, x), t.Sum(t.LogCosh(out.Latent)))
	}

	u.Set.Zero()
	tape := autograd.NewTape()
	tape.Backward(loss(tape))
	for _, name := range []string{"c0", "bt1", "fc1", "fc2in", "uv3"} {
		w := u.Set.Get(name)
		analytic := append([]float64(nil), w.D...)
		x0 := append([]float64(nil), w.X...)
		numeric := fd.Gradient(nil, func(v []float64) float64 {
			copy(w.X, v)
			return loss(autograd.NoGrad()).X[0]
		}, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		copy(w.X, x0)
		for i := range analytic {
			assert.InDelta(t, numeric[i], analytic[i], 1e-4*(1+math.Abs(numeric[i])), "%s[%d]", name, i)
		}
	}
}
