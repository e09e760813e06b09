// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plots draws training curves and latent codes.
package plots

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/pointlander/khm/admm"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Palette colors the clusters
var Palette = []color.RGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
	{R: 255, B: 255, A: 255},
	{G: 255, B: 255, A: 255},
	{R: 128, A: 255},
	{G: 128, A: 255},
	{B: 128, A: 255},
	{R: 128, G: 128, B: 128, A: 255},
}

// Losses plots the loss terms of the records against the step
func Losses(records []admm.Record, path string) error {
	if len(records) == 0 {
		return errors.New("plots: no records")
	}
	series := []struct {
		name  string
		value func(r admm.Record) float64
	}{
		{"loss0", func(r admm.Record) float64 { return r.Loss0 }},
		{"loss1", func(r admm.Record) float64 { return r.Loss1 }},
		{"loss2", func(r admm.Record) float64 { return r.Loss2 }},
		{"loss3", func(r admm.Record) float64 { return r.Loss3 }},
		{"kdist", func(r admm.Record) float64 { return r.KDist }},
		{"augmentation", func(r admm.Record) float64 { return r.Augmentation }},
		{"similarity", func(r admm.Record) float64 { return r.Similarity }},
		{"total", func(r admm.Record) float64 { return r.Total }},
	}

	p := plot.New()

	p.Title.Text = "loss vs step"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	lines := make([]any, 0, 2*len(series))
	for _, s := range series {
		points := make(plotter.XYs, 0, len(records))
		for i, r := range records {
			points = append(points, plotter.XY{X: float64(i), Y: s.value(r)})
		}
		lines = append(lines, s.name, points)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return fmt.Errorf("plots: %w", err)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("plots: %w", err)
	}
	return nil
}

// Latents scatters the first two dimensions of the codes colored by cluster,
// the centroids are drawn as crosses
func Latents(codes, centroids [][]float64, assign []int, path string) error {
	if len(codes) != len(assign) {
		return fmt.Errorf("plots: %d codes and %d assignments", len(codes), len(assign))
	}
	coordinates := func(v []float64) (float64, float64) {
		switch len(v) {
		case 0:
			return 0, 0
		case 1:
			return v[0], 0
		}
		return v[0], v[1]
	}

	points := make([]plotter.XYs, len(centroids))
	for i, code := range codes {
		k := assign[i]
		if k < 0 || k >= len(points) {
			return fmt.Errorf("plots: code %d assigned to cluster %d of %d", i, k, len(points))
		}
		x, y := coordinates(code)
		points[k] = append(points[k], plotter.XY{X: x, Y: y})
	}

	p := plot.New()

	p.Title.Text = "x vs y"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	for i := range points {
		if len(points[i]) == 0 {
			continue
		}
		scatter, err := plotter.NewScatter(points[i])
		if err != nil {
			return fmt.Errorf("plots: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Length(1)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		scatter.GlyphStyle.Color = Palette[i%len(Palette)]
		p.Add(scatter)
	}

	if len(centroids) > 0 {
		means := make(plotter.XYs, 0, len(centroids))
		for _, m := range centroids {
			x, y := coordinates(m)
			means = append(means, plotter.XY{X: x, Y: y})
		}
		scatter, err := plotter.NewScatter(means)
		if err != nil {
			return fmt.Errorf("plots: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Length(4)
		scatter.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(scatter)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("plots: %w", err)
	}
	return nil
}
