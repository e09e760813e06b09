// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the training configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pointlander/khm/kharmonic"
	"gopkg.in/yaml.v3"
)

// Optimizers are the names of the supported optimizers
var Optimizers = []string{"adam", "linesearch"}

// Synthetic configures the generated data
type Synthetic struct {
	PatchX  int     `yaml:"patch_x"`
	PatchY  int     `yaml:"patch_y"`
	Sources int     `yaml:"sources"`
	MaxUV   float64 `yaml:"max_uv"`
	Noise   float64 `yaml:"noise"`
}

// Config is the configuration of a training run, it is not modified after Validate
type Config struct {
	Seed int64 `yaml:"seed"`
	// Epochs is the number of passes over the data
	Epochs int `yaml:"epochs"`
	// Iterations is the number of minibatches per epoch
	Iterations int `yaml:"iterations"`
	// ADMMIterations is the number of inner iterations per minibatch
	ADMMIterations int `yaml:"admm_iterations"`
	// Baselines is the number of baselines per minibatch
	Baselines int `yaml:"baselines"`
	Patch     int `yaml:"patch"`
	Channels  int `yaml:"channels"`
	// Latent is the code dimension of the 2D unit
	Latent int `yaml:"latent"`
	// AxisLatent is the code dimension of each 1D unit
	AxisLatent     int       `yaml:"axis_latent"`
	HarmonicScales []float64 `yaml:"harmonic_scales"`
	// Schedule is the channel count of each convolution stage
	Schedule []int `yaml:"schedule"`

	// K is the number of centroids
	K int `yaml:"k"`
	// Order is the exponent p of the harmonic mean
	Order   float64 `yaml:"order"`
	Epsilon float64 `yaml:"epsilon"`
	// Regime is "gradient" or "offline"
	Regime string `yaml:"regime"`

	// Alpha weights the clustering distance
	Alpha float64 `yaml:"alpha"`
	// Beta weights the centroid similarity
	Beta float64 `yaml:"beta"`
	// Gamma weights the augmentation term
	Gamma      float64 `yaml:"gamma"`
	AugmentEps float64 `yaml:"augment_eps"`
	Rho        float64 `yaml:"rho"`
	RICA       bool    `yaml:"rica"`
	RICALambda float64 `yaml:"rica_lambda"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`

	Synthetic Synthetic `yaml:"synthetic"`
}

// Default is the configuration of the LOFAR trainer
func Default() Config {
	return Config{
		Seed:           1,
		Epochs:         10,
		Iterations:     406870 / 96,
		ADMMIterations: 10,
		Baselines:      96,
		Patch:          128,
		Channels:       4,
		Latent:         256 - 2*16,
		AxisLatent:     16,
		HarmonicScales: []float64{1e-4, 1e-3, 1e-2, 1e-1},
		Schedule:       []int{8, 12, 24, 48, 96, 192},
		K:              10,
		Order:          4,
		Epsilon:        1e-9,
		Regime:         kharmonic.Gradient.String(),
		Alpha:          .01,
		Beta:           .01,
		Gamma:          .01,
		AugmentEps:     1e-6,
		Rho:            1,
		RICA:           true,
		RICALambda:     .01,
		Optimizer:      "adam",
		LearningRate:   1e-4,
		Synthetic: Synthetic{
			PatchX:  2,
			PatchY:  2,
			Sources: 5,
			MaxUV:   1e4,
			Noise:   .05,
		},
	}
}

// Load overlays the YAML file at path on the defaults and validates the result
func Load(path string) (Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// YAML encodes the configuration
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return string(out), nil
}

// KRegime is the parsed centroid update regime
func (c Config) KRegime() kharmonic.Regime {
	r, err := kharmonic.ParseRegime(c.Regime)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks the configuration
func (c Config) Validate() error {
	positive := map[string]int{
		"epochs":            c.Epochs,
		"iterations":        c.Iterations,
		"admm_iterations":   c.ADMMIterations,
		"baselines":         c.Baselines,
		"patch":             c.Patch,
		"channels":          c.Channels,
		"latent":            c.Latent,
		"axis_latent":       c.AxisLatent,
		"k":                 c.K,
		"synthetic.patch_x": c.Synthetic.PatchX,
		"synthetic.patch_y": c.Synthetic.PatchY,
		"synthetic.sources": c.Synthetic.Sources,
	}
	for name, value := range positive {
		if value < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	for name, value := range map[string]float64{
		"order":            c.Order,
		"epsilon":          c.Epsilon,
		"augment_eps":      c.AugmentEps,
		"rho":              c.Rho,
		"learning_rate":    c.LearningRate,
		"synthetic.max_uv": c.Synthetic.MaxUV,
	} {
		if !(value > 0) {
			return fmt.Errorf("%s must be positive, got %v", name, value)
		}
	}
	for name, value := range map[string]float64{
		"alpha":           c.Alpha,
		"beta":            c.Beta,
		"gamma":           c.Gamma,
		"rica_lambda":     c.RICALambda,
		"synthetic.noise": c.Synthetic.Noise,
	} {
		if !(value >= 0) {
			return fmt.Errorf("%s must not be negative, got %v", name, value)
		}
	}
	if len(c.HarmonicScales) == 0 {
		return errors.New("harmonic_scales is empty")
	}
	for _, s := range c.HarmonicScales {
		if !(s > 0) {
			return fmt.Errorf("harmonic scale %v must be positive", s)
		}
	}
	if len(c.Schedule) == 0 {
		return errors.New("schedule is empty")
	}
	for _, s := range c.Schedule {
		if s < 1 {
			return fmt.Errorf("schedule %v has a stage without channels", c.Schedule)
		}
	}
	if _, err := kharmonic.ParseRegime(c.Regime); err != nil {
		return err
	}
	for _, o := range Optimizers {
		if c.Optimizer == o {
			return nil
		}
	}
	return fmt.Errorf("unknown optimizer %q, want one of %v", c.Optimizer, Optimizers)
}
