// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checkpoint saves and restores the learned values of parameter sets.
// A checkpoint is a zip archive holding one gob entry per set and a meta.json entry.
package checkpoint

import (
	"archive/zip"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pointlander/khm/autograd"
)

// MetaEntry is the name of the metadata entry
const MetaEntry = "meta.json"

var (
	// ErrIncomplete is returned when a set is missing from a checkpoint
	ErrIncomplete = errors.New("checkpoint: incomplete")
	// ErrShape is returned when a saved weight does not fit its set
	ErrShape = errors.New("checkpoint: shape mismatch")
)

// Meta describes a checkpoint
type Meta struct {
	Run   string    `json:"run"`
	Epoch int       `json:"epoch"`
	Time  time.Time `json:"time"`
}

// Weight is a saved weight
type Weight struct {
	N string
	S []int
	X []float64
}

func names(sets map[string]autograd.Set) []string {
	n := make([]string, 0, len(sets))
	for name := range sets {
		n = append(n, name)
	}
	sort.Strings(n)
	return n
}

// Save writes the sets to path. The archive is written next to path and renamed
// over it so a failed save leaves an existing checkpoint intact.
func Save(path string, meta Meta, sets map[string]autograd.Set) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	archive := zip.NewWriter(tmp)
	for _, name := range names(sets) {
		entry, err := archive.Create(name)
		if err != nil {
			return fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		weights := make([]Weight, 0, len(sets[name].Weights))
		for _, w := range sets[name].Weights {
			weights = append(weights, Weight{N: w.N, S: w.S, X: w.X})
		}
		if err := gob.NewEncoder(entry).Encode(weights); err != nil {
			return fmt.Errorf("checkpoint: %s: %w", name, err)
		}
	}
	entry, err := archive.Create(MetaEntry)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := json.NewEncoder(entry).Encode(meta); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func decode(f *zip.File, v any, gobbed bool) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	if gobbed {
		return gob.NewDecoder(r).Decode(v)
	}
	return json.NewDecoder(r).Decode(v)
}

func same(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Load restores the sets from path. Every set is checked before any value is
// copied, so on error the sets are left untouched.
func Load(path string, sets map[string]autograd.Set) (Meta, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: %w", err)
	}
	defer archive.Close()
	entries := make(map[string]*zip.File, len(archive.File))
	for _, f := range archive.File {
		entries[f.Name] = f
	}

	var meta Meta
	f, ok := entries[MetaEntry]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s has no %s", ErrIncomplete, path, MetaEntry)
	}
	if err := decode(f, &meta, false); err != nil {
		return Meta{}, fmt.Errorf("checkpoint: %s: %w", MetaEntry, err)
	}

	saved := make(map[string][]Weight, len(sets))
	for _, name := range names(sets) {
		f, ok := entries[name]
		if !ok {
			return Meta{}, fmt.Errorf("%w: %s has no %s", ErrIncomplete, path, name)
		}
		var weights []Weight
		if err := decode(f, &weights, true); err != nil {
			return Meta{}, fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		set := sets[name]
		if len(weights) != len(set.Weights) {
			return Meta{}, fmt.Errorf("%w: %s has %d weights, want %d", ErrShape, name, len(weights), len(set.Weights))
		}
		for _, w := range weights {
			v, ok := set.ByName[w.N]
			if !ok {
				return Meta{}, fmt.Errorf("%w: %s has no weight %s", ErrShape, name, w.N)
			}
			if !same(v.S, w.S) || len(v.X) != len(w.X) {
				return Meta{}, fmt.Errorf("%w: %s.%s is %v, want %v", ErrShape, name, w.N, w.S, v.S)
			}
		}
		saved[name] = weights
	}

	for name, weights := range saved {
		for _, w := range weights {
			copy(sets[name].ByName[w.N].X, w.X)
		}
	}
	return meta, nil
}
