// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pointlander/khm/autograd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SyntheticConfig describes generated observations
type SyntheticConfig struct {
	Patch     int
	PatchX    int
	PatchY    int
	Baselines int
	// Sources is the number of point sources in the sky
	Sources int
	// MaxUV bounds the baseline coordinates
	MaxUV float64
	// Noise is the standard deviation of the receiver noise
	Noise float64
	Seed  int64
}

// Synthetic generates dynamic spectra of a sky of point sources seen by random baselines.
// Time runs along the height of a patch and frequency along its width.
type Synthetic struct {
	SyntheticConfig
	rng *rand.Rand
	// l, m and flux of each source
	l, m, flux []float64
}

// NewSynthetic creates a deterministic generator
func NewSynthetic(c SyntheticConfig) (*Synthetic, error) {
	if c.Patch < 1 || c.PatchX < 1 || c.PatchY < 1 || c.Baselines < 1 || c.Sources < 1 {
		return nil, fmt.Errorf("data: invalid synthetic geometry %+v", c)
	}
	if !(c.MaxUV > 0) || c.Noise < 0 {
		return nil, fmt.Errorf("data: invalid synthetic uv range %v or noise %v", c.MaxUV, c.Noise)
	}
	s := &Synthetic{
		SyntheticConfig: c,
		rng:             rand.New(rand.NewSource(c.Seed)),
		l:               make([]float64, c.Sources),
		m:               make([]float64, c.Sources),
		flux:            make([]float64, c.Sources),
	}
	for i := 0; i < c.Sources; i++ {
		s.l[i] = (s.rng.Float64()*2 - 1) * .05
		s.m[i] = (s.rng.Float64()*2 - 1) * .05
		s.flux[i] = .1 + s.rng.ExpFloat64()
	}
	return s, nil
}

// Next generates a minibatch
func (s *Synthetic) Next(ctx context.Context) (Minibatch, error) {
	if err := ctx.Err(); err != nil {
		return Minibatch{}, err
	}
	patch, per := s.Patch, s.PatchX*s.PatchY
	batch := per * s.Baselines
	x := autograd.NewV(batch, Channels, patch, patch)
	uv := make([]float64, 2*batch)
	plane := patch * patch
	for b := 0; b < s.Baselines; b++ {
		u := (s.rng.Float64()*2 - 1) * s.MaxUV
		v := (s.rng.Float64()*2 - 1) * s.MaxUV
		spectrum := s.spectrum(u, v)
		freqs := s.PatchY * patch
		for px := 0; px < s.PatchX; px++ {
			for py := 0; py < s.PatchY; py++ {
				row := b*per + px*s.PatchY + py
				uv[2*row], uv[2*row+1] = u, v
				for c := 0; c < Channels; c++ {
					dst := x.X[(row*Channels+c)*plane : (row*Channels+c+1)*plane]
					for i := 0; i < patch; i++ {
						src := spectrum[c][(px*patch+i)*freqs+py*patch:]
						copy(dst[i*patch:(i+1)*patch], src[:patch])
					}
				}
			}
		}
	}
	return Minibatch{
		X:         x,
		UV:        uv,
		PatchX:    s.PatchX,
		PatchY:    s.PatchY,
		Baselines: s.Baselines,
	}, nil
}

// spectrum is the normalized time x frequency visibility of one baseline in each channel
func (s *Synthetic) spectrum(u, v float64) [Channels][]float64 {
	times, freqs := s.PatchX*s.Patch, s.PatchY*s.Patch
	var out [Channels][]float64
	for c := range out {
		out[c] = make([]float64, times*freqs)
	}
	// the polarizations see the sources with different gains
	gx, gy := 1+.1*s.rng.NormFloat64(), 1+.1*s.rng.NormFloat64()
	for t := 0; t < times; t++ {
		// earth rotation turns the baseline during the observation
		angle := 2 * math.Pi * float64(t) / float64(4*times)
		ut := u*math.Cos(angle) - v*math.Sin(angle)
		vt := u*math.Sin(angle) + v*math.Cos(angle)
		for f := 0; f < freqs; f++ {
			wavelength := 1 + float64(f)/float64(freqs)
			re, im := 0.0, 0.0
			for k := range s.flux {
				phase := 2 * math.Pi * wavelength * (ut*s.l[k] + vt*s.m[k])
				re += s.flux[k] * math.Cos(phase)
				im += s.flux[k] * math.Sin(phase)
			}
			i := t*freqs + f
			out[0][i] = gx*re + s.Noise*s.rng.NormFloat64()
			out[1][i] = gx*im + s.Noise*s.rng.NormFloat64()
			out[2][i] = gy*re + s.Noise*s.rng.NormFloat64()
			out[3][i] = gy*im + s.Noise*s.rng.NormFloat64()
		}
	}
	for c := range out {
		normalize(out[c])
	}
	return out
}

// normalize scales x to zero mean and unit variance
func normalize(x []float64) {
	mean, std := stat.MeanStdDev(x, nil)
	floats.AddConst(-mean, x)
	if std > 0 && !math.IsNaN(std) {
		floats.Scale(1/std, x)
	}
}
