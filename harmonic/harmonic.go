// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package harmonic expands (u, v) coordinates into multi scale sinusoidal features.
package harmonic

import (
	"fmt"
	"math"

	"github.com/pointlander/khm/autograd"
)

// Encoder maps coordinates to sin and cos features at fixed scales
type Encoder struct {
	scales []float64
}

// New creates an encoder, the scales are copied
func New(scales []float64) (Encoder, error) {
	if len(scales) == 0 {
		return Encoder{}, fmt.Errorf("harmonic: no scales")
	}
	for _, s := range scales {
		if !(s > 0) || math.IsInf(s, 0) {
			return Encoder{}, fmt.Errorf("harmonic: scale %v is not positive and finite", s)
		}
	}
	return Encoder{scales: append([]float64(nil), scales...)}, nil
}

// Scales returns a copy of the scales
func (e Encoder) Scales() []float64 {
	return append([]float64(nil), e.scales...)
}

// Dim is the number of features per coordinate pair
func (e Encoder) Dim() int {
	return 4 * len(e.scales)
}

// Encode maps uv, laid out as u0, v0, u1, v1, ..., to a constant [rows, Dim()] tensor.
// Each row is sin(s0*u, s0*v, s1*u, s1*v, ...) followed by the cos of the same arguments.
func (e Encoder) Encode(uv []float64) *autograd.V {
	if len(uv)%2 != 0 {
		panic(fmt.Sprintf("harmonic: %d coordinates is not a list of pairs", len(uv)))
	}
	rows, half, dim := len(uv)/2, 2*len(e.scales), e.Dim()
	features := make([]float64, rows*dim)
	for i := 0; i < rows; i++ {
		row := features[i*dim : (i+1)*dim]
		for j, s := range e.scales {
			for k := 0; k < 2; k++ {
				x := s * uv[2*i+k]
				row[2*j+k] = math.Sin(x)
				row[half+2*j+k] = math.Cos(x)
			}
		}
	}
	return autograd.Const(features, rows, dim)
}
