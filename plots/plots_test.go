// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pointlander/khm/admm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestLosses(t *testing.T) {
	records := make([]admm.Record, 20)
	for i := range records {
		records[i] = admm.Record{ADMM: i % 5, Loss0: 1 / float64(i+1), KDist: .1, Total: 2 / float64(i+1)}
	}
	path := filepath.Join(t.TempDir(), "losses.png")
	require.NoError(t, Losses(records, path))
	exists(t, path)

	assert.Error(t, Losses(nil, path))
}

func TestLatents(t *testing.T) {
	codes := [][]float64{{0, 0, 1}, {1, 1, 0}, {5, 5, 5}, {6, 5, 4}}
	centroids := [][]float64{{.5, .5, .5}, {5.5, 5, 4.5}, {9, 9, 9}}
	path := filepath.Join(t.TempDir(), "latents.png")
	require.NoError(t, Latents(codes, centroids, []int{0, 0, 1, 1}, path))
	exists(t, path)

	assert.Error(t, Latents(codes, centroids, []int{0, 1}, path))
	assert.Error(t, Latents(codes, centroids, []int{0, 1, 2, 3}, path))
}

func TestLatentsOneDimension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latents.svg")
	require.NoError(t, Latents([][]float64{{1}, {2}}, [][]float64{{1.5}}, []int{0, 0}, path))
	exists(t, path)
}
