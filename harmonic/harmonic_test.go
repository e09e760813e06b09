// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package harmonic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeLayout(t *testing.T) {
	e, err := New([]float64{1, 10})
	require.NoError(t, err)
	assert.Equal(t, 8, e.Dim())
	f := e.Encode([]float64{.1, .2, .3, .4})
	require.Equal(t, []int{2, 8}, f.S)
	want := []float64{
		math.Sin(.3), math.Sin(.4), math.Sin(3), math.Sin(4),
		math.Cos(.3), math.Cos(.4), math.Cos(3), math.Cos(4),
	}
	assert.InDeltaSlice(t, want, f.X[8:], 1e-15)
}

func TestNewCopiesScales(t *testing.T) {
	scales := []float64{1e-4, 1e-3}
	e, err := New(scales)
	require.NoError(t, err)
	scales[0] = 5
	assert.Equal(t, []float64{1e-4, 1e-3}, e.Scales())
}

func TestNewRejects(t *testing.T) {
	for _, scales := range [][]float64{nil, {1, 0}, {-1}, {math.NaN()}, {math.Inf(1)}} {
		_, err := New(scales)
		assert.Error(t, err, "%v", scales)
	}
}

func TestEncodeUnitCircle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scales := rapid.SliceOfN(rapid.Float64Range(1e-4, 10), 1, 6).Draw(t, "scales")
		uv := rapid.SliceOfN(rapid.Float64Range(-1e4, 1e4), 2, 2).Draw(t, "uv")
		e, err := New(scales)
		if err != nil {
			t.Fatal(err)
		}
		f := e.Encode(uv)
		half := 2 * len(scales)
		for i := 0; i < half; i++ {
			s, c := f.X[i], f.X[half+i]
			if math.Abs(s*s+c*c-1) > 1e-12 {
				t.Fatalf("feature %d is off the unit circle: %v %v", i, s, c)
			}
		}
	})
}
