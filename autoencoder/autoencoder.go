// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package autoencoder implements convolutional autoencoders over 2D patches and
// 1D sequences that condition both halves on harmonic coordinate features.
package autoencoder

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/pointlander/khm/autograd"
	"github.com/pointlander/khm/harmonic"
	"k8s.io/klog/v2"
)

// DefaultSchedule is the channel count of each downsampling stage
var DefaultSchedule = []int{8, 12, 24, 48, 96, 192}

// ErrShape is returned for an input that does not match a unit
var ErrShape = errors.New("autoencoder: input shape mismatch")

// Config is the architecture of a unit
type Config struct {
	Name string
	// Size is [height, width] for a 2D unit or [length] for a 1D unit
	Size     []int
	Channels int
	Latent   int
	Kernel   int
	Stride   int
	Padding  int
	// TransposePadding is the padding of the decoder stages
	TransposePadding int
	Schedule         []int
	RICA             bool
}

// Patch is the configuration of a 2D unit over square patches
func Patch(name string, patch, channels, latent int, rica bool) Config {
	return Config{
		Name:             name,
		Size:             []int{patch, patch},
		Channels:         channels,
		Latent:           latent,
		Kernel:           3,
		Stride:           2,
		Padding:          1,
		TransposePadding: 1,
		Schedule:         append([]int(nil), DefaultSchedule...),
		RICA:             rica,
	}
}

// Sequence is the configuration of a 1D unit
func Sequence(name string, length, channels, latent int, rica bool) Config {
	return Config{
		Name:             name,
		Size:             []int{length},
		Channels:         channels,
		Latent:           latent,
		Kernel:           4,
		Stride:           4,
		Padding:          1,
		TransposePadding: 0,
		Schedule:         append([]int(nil), DefaultSchedule...),
		RICA:             rica,
	}
}

// OutputSize is the size of a dimension after one convolution
func OutputSize(dim, kernel, stride, padding int) int {
	return autograd.FloorDiv(dim-kernel+2*padding, stride) + 1
}

// Stages is the size after each of depth convolutions, the first entry is size itself
func Stages(size []int, kernel, stride, padding, depth int) ([][]int, error) {
	stages := make([][]int, depth+1)
	stages[0] = append([]int(nil), size...)
	for i := 1; i <= depth; i++ {
		stages[i] = make([]int, len(size))
		for d, dim := range stages[i-1] {
			next := OutputSize(dim, kernel, stride, padding)
			if next < 1 {
				return nil, fmt.Errorf("autoencoder: size %v collapses at stage %d", size, i)
			}
			stages[i][d] = next
		}
	}
	return stages, nil
}

// Unit is a convolutional autoencoder
type Unit struct {
	Config
	Set      autograd.Set
	encoder  harmonic.Encoder
	stages   [][]int
	restore  [][]int
	volume   int
	features int
}

// New creates a unit with initialized weights
func New(cfg Config, encoder harmonic.Encoder, rng *rand.Rand) (*Unit, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	depth := len(cfg.Schedule)
	stages, err := Stages(cfg.Size, cfg.Kernel, cfg.Stride, cfg.Padding, depth)
	if err != nil {
		return nil, err
	}
	// output padding that makes decoder stage j restore the size of encoder stage depth-j-1
	restore := make([][]int, depth)
	for j := range restore {
		from, to := stages[depth-j], stages[depth-j-1]
		restore[j] = make([]int, len(to))
		for d := range to {
			op := to[d] - ((from[d]-1)*cfg.Stride - 2*cfg.TransposePadding + cfg.Kernel)
			if op < 0 || op >= cfg.Stride {
				return nil, fmt.Errorf("autoencoder: %s decoder stage %d cannot restore size %d from %d", cfg.Name, j, to[d], from[d])
			}
			restore[j][d] = op
		}
	}
	inner := stages[depth]
	volume := autograd.Size(inner) * cfg.Schedule[depth-1]

	u := &Unit{
		Config:   cfg,
		Set:      autograd.NewSet(),
		encoder:  encoder,
		stages:   stages,
		restore:  restore,
		volume:   volume,
		features: encoder.Dim(),
	}
	u.Config.Size = append([]int(nil), cfg.Size...)
	u.Config.Schedule = append([]int(nil), cfg.Schedule...)

	kernel := make([]int, len(cfg.Size))
	for i := range kernel {
		kernel[i] = cfg.Kernel
	}
	in := cfg.Channels
	for i, out := range cfg.Schedule {
		u.Set.Add(fmt.Sprintf("c%d", i), append([]int{out, in}, kernel...)...)
		u.Set.Add(fmt.Sprintf("bc%d", i), out)
		in = out
	}
	for j := 0; j < depth; j++ {
		out := cfg.Channels
		if j < depth-1 {
			out = cfg.Schedule[depth-j-2]
		}
		u.Set.Add(fmt.Sprintf("t%d", j), append([]int{in, out}, kernel...)...)
		u.Set.Add(fmt.Sprintf("bt%d", j), out)
		in = out
	}
	h := u.features
	u.Set.Add("uv1", h, h)
	u.Set.Add("buv1", h)
	u.Set.Add("fc1", cfg.Latent, volume+h)
	u.Set.Add("bfc1", cfg.Latent)
	if cfg.RICA {
		u.Set.Add("fc2in", cfg.Latent, cfg.Latent)
		u.Set.Add("bfc2in", cfg.Latent)
		u.Set.Add("fc2out", cfg.Latent, cfg.Latent)
		u.Set.Add("bfc2out", cfg.Latent)
	}
	u.Set.Add("uv3", h, h)
	u.Set.Add("buv3", h)
	u.Set.Add("fc3", volume, cfg.Latent+h)
	u.Set.Add("bfc3", volume)
	u.Set.Init(rng)

	klog.V(2).Infof("%s: stages %v, decoder output padding %v, volume %d, %d parameters",
		cfg.Name, stages, restore, volume, u.Set.Size())
	return u, nil
}

func (c Config) validate() error {
	switch {
	case len(c.Size) != 1 && len(c.Size) != 2:
		return fmt.Errorf("autoencoder: %s size %v must have 1 or 2 dimensions", c.Name, c.Size)
	case c.Channels < 1 || c.Latent < 1:
		return fmt.Errorf("autoencoder: %s needs positive channels and latent, got %d and %d", c.Name, c.Channels, c.Latent)
	case c.Kernel < 1 || c.Stride < 1 || c.Padding < 0 || c.TransposePadding < 0:
		return fmt.Errorf("autoencoder: %s invalid kernel %d stride %d padding %d/%d",
			c.Name, c.Kernel, c.Stride, c.Padding, c.TransposePadding)
	case len(c.Schedule) == 0:
		return fmt.Errorf("autoencoder: %s has no stages", c.Name)
	}
	for _, channels := range c.Schedule {
		if channels < 1 {
			return fmt.Errorf("autoencoder: %s schedule %v has a stage without channels", c.Name, c.Schedule)
		}
	}
	return nil
}

// Inner is the shape of one sample after the last encoder stage
func (u *Unit) Inner() []int {
	return append([]int{u.Schedule[len(u.Schedule)-1]}, u.stages[len(u.stages)-1]...)
}

// Volume is the flattened size of Inner
func (u *Unit) Volume() int {
	return u.volume
}

// Check returns an error if x [batch, channels, size...] with the coordinates uv
// can not be fed to the unit
func (u *Unit) Check(x *autograd.V, uv []float64) error {
	if len(x.S) != 2+len(u.Size) || x.S[0] < 1 || x.S[1] != u.Channels {
		return fmt.Errorf("%w: %s got %v, want [batch %d %v]", ErrShape, u.Name, x.S, u.Channels, u.Size)
	}
	for i, d := range u.Size {
		if x.S[2+i] != d {
			return fmt.Errorf("%w: %s got %v, want [batch %d %v]", ErrShape, u.Name, x.S, u.Channels, u.Size)
		}
	}
	if len(uv) != 2*x.S[0] {
		return fmt.Errorf("%w: %s got %d coordinates for %d rows", ErrShape, u.Name, len(uv), x.S[0])
	}
	return nil
}

// Output is the result of a forward pass
type Output struct {
	Reconstruction *autograd.V
	// Latent is the code before the sparsifying stage
	Latent *autograd.V
	// Sparse is the code of the sparsifying stage, nil without RICA
	Sparse *autograd.V
}

// Forward encodes and decodes x, which must pass Check
func (u *Unit) Forward(t *autograd.Tape, x *autograd.V, uv []float64) Output {
	features := u.encoder.Encode(uv)
	latent := u.encode(t, x, features)
	code := latent
	var sparse *autograd.V
	if u.RICA {
		sparse = t.ELU(t.Linear(latent, u.Set.Get("fc2in"), u.Set.Get("bfc2in")))
		code = t.ELU(t.Linear(sparse, u.Set.Get("fc2out"), u.Set.Get("bfc2out")))
	}
	return Output{
		Reconstruction: u.decode(t, code, features),
		Latent:         latent,
		Sparse:         sparse,
	}
}

// Encode computes the latent code of x
func (u *Unit) Encode(t *autograd.Tape, x *autograd.V, uv []float64) *autograd.V {
	return u.encode(t, x, u.encoder.Encode(uv))
}

// Decode reconstructs an input from a code [batch, latent]
func (u *Unit) Decode(t *autograd.Tape, code *autograd.V, uv []float64) *autograd.V {
	return u.decode(t, code, u.encoder.Encode(uv))
}

func (u *Unit) encode(t *autograd.Tape, x, features *autograd.V) *autograd.V {
	batch := x.S[0]
	for i := range u.Schedule {
		w, b := u.Set.Get(fmt.Sprintf("c%d", i)), u.Set.Get(fmt.Sprintf("bc%d", i))
		if len(u.Size) == 2 {
			x = t.Conv2D(x, w, b, autograd.Conv{
				KH: u.Kernel, KW: u.Kernel,
				SH: u.Stride, SW: u.Stride,
				PH: u.Padding, PW: u.Padding,
			})
		} else {
			x = t.Conv1D(x, w, b, u.Kernel, u.Stride, u.Padding)
		}
		x = t.ELU(x)
	}
	flat := t.Reshape(x, batch, u.volume)
	uv := t.ELU(t.Linear(features, u.Set.Get("uv1"), u.Set.Get("buv1")))
	return t.ELU(t.Linear(t.Concat(flat, uv), u.Set.Get("fc1"), u.Set.Get("bfc1")))
}

func (u *Unit) decode(t *autograd.Tape, code, features *autograd.V) *autograd.V {
	batch := code.S[0]
	uv := t.ELU(t.Linear(features, u.Set.Get("uv3"), u.Set.Get("buv3")))
	x := t.Linear(t.Concat(code, uv), u.Set.Get("fc3"), u.Set.Get("bfc3"))
	x = t.Reshape(x, append([]int{batch}, u.Inner()...)...)
	depth := len(u.Schedule)
	for j := 0; j < depth; j++ {
		w, b := u.Set.Get(fmt.Sprintf("t%d", j)), u.Set.Get(fmt.Sprintf("bt%d", j))
		op := u.restore[j]
		if len(u.Size) == 2 {
			x = t.ConvTranspose2D(x, w, b, autograd.Conv{
				KH: u.Kernel, KW: u.Kernel,
				SH: u.Stride, SW: u.Stride,
				PH: u.TransposePadding, PW: u.TransposePadding,
				OH: op[0], OW: op[1],
			})
		} else {
			x = t.ConvTranspose1D(x, w, b, u.Kernel, u.Stride, u.TransposePadding, op[0])
		}
		if j < depth-1 {
			x = t.ELU(x)
		}
	}
	return x
}
