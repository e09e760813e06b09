// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kharmonic is a soft K-harmonic means clustering head over latent codes.
//
// The centroids are either learned through the Distance and Similarity losses
// (the Gradient regime) or recomputed in closed form from a batch by
// OfflineUpdate (the Offline regime). A head is built for one regime and the
// two never touch the centroids in the same run.
package kharmonic

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/pointlander/khm/autograd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Regime selects how the centroids are updated
type Regime int

const (
	// Gradient learns the centroids with the optimizer
	Gradient Regime = iota
	// Offline recomputes the centroids with the K-harmonic means recursion
	Offline
)

func (r Regime) String() string {
	switch r {
	case Gradient:
		return "gradient"
	case Offline:
		return "offline"
	}
	return fmt.Sprintf("Regime(%d)", int(r))
}

// ParseRegime parses the name of a regime
func ParseRegime(name string) (Regime, error) {
	switch name {
	case "gradient":
		return Gradient, nil
	case "offline":
		return Offline, nil
	}
	return 0, fmt.Errorf("kharmonic: unknown regime %q", name)
}

// ErrRegime is returned by operations that are not part of the head's regime
var ErrRegime = errors.New("kharmonic: operation not available in this regime")

// Head holds the K centroids
type Head struct {
	Set autograd.Set
	// M is the K x latent centroid matrix
	M *autograd.V
	// P is the order of the harmonic mean
	P      float64
	Eps    float64
	Regime Regime
}

// New creates a head with centroids drawn uniformly from [0, 1)
func New(latent, k int, p, eps float64, regime Regime, rng *rand.Rand) (*Head, error) {
	if latent < 1 || k < 1 {
		return nil, fmt.Errorf("kharmonic: need positive latent and K, got %d and %d", latent, k)
	}
	if !(p > 0) || !(eps > 0) {
		return nil, fmt.Errorf("kharmonic: order %v and epsilon %v must be positive", p, eps)
	}
	if regime != Gradient && regime != Offline {
		return nil, fmt.Errorf("kharmonic: unknown %v", regime)
	}
	set := autograd.NewSet()
	m := set.Add("M", k, latent)
	for i := range m.X {
		m.X[i] = rng.Float64()
	}
	return &Head{
		Set:    set,
		M:      m,
		P:      p,
		Eps:    eps,
		Regime: regime,
	}, nil
}

// K is the number of centroids
func (h *Head) K() int {
	return h.M.S[0]
}

// Latent is the dimension of the centroids
func (h *Head) Latent() int {
	return h.M.S[1]
}

// Params are the weights learned by the optimizer, none in the Offline regime
func (h *Head) Params() []autograd.Set {
	if h.Regime == Offline {
		return nil
	}
	return []autograd.Set{h.Set}
}

func (h *Head) centroid(k int) []float64 {
	d := h.Latent()
	return h.M.X[k*d : (k+1)*d]
}

func (h *Head) check(x *autograd.V) {
	if len(x.S) != 2 || x.S[1] != h.Latent() {
		panic(fmt.Sprintf("kharmonic: codes of shape %v do not match %d dimensional centroids", x.S, h.Latent()))
	}
}

// powm2 is d^(p-2), zero at d = 0 unless p is 2
func powm2(d, p float64) float64 {
	if d == 0 {
		if p == 2 {
			return 1
		}
		return 0
	}
	return math.Pow(d, p-2)
}

// Distance is the mean over the rows of x [batch, latent] of the K-harmonic mean
// K / sum_k 1/(|x - m_k|^p + eps), divided by batch*K*latent
func (h *Head) Distance(t *autograd.Tape, x *autograd.V) *autograd.V {
	h.check(x)
	batch, dim, k := x.S[0], h.Latent(), h.K()
	K := float64(k)
	dist := make([]float64, batch*k)
	sums := make([]float64, batch)
	total := 0.0
	for i := 0; i < batch; i++ {
		xi := x.X[i*dim : (i+1)*dim]
		for j := 0; j < k; j++ {
			d := floats.Distance(xi, h.centroid(j), 2)
			dist[i*k+j] = d
			sums[i] += 1 / (math.Pow(d, h.P) + h.Eps)
		}
		total += K / (sums[i] + h.Eps)
	}
	norm := float64(batch) * float64(batch) * K * float64(dim)
	out := autograd.NewV(1)
	out.X[0] = total / norm
	t.Record(func() {
		scale := out.D[0] / norm
		diff := make([]float64, dim)
		for i := 0; i < batch; i++ {
			xi := x.X[i*dim : (i+1)*dim]
			outer := scale * K / ((sums[i] + h.Eps) * (sums[i] + h.Eps))
			for j := 0; j < k; j++ {
				d := dist[i*k+j]
				a := math.Pow(d, h.P) + h.Eps
				g := outer * h.P * powm2(d, h.P) / (a * a)
				if g == 0 {
					continue
				}
				floats.SubTo(diff, xi, h.centroid(j))
				floats.AddScaled(x.D[i*dim:(i+1)*dim], g, diff)
				floats.AddScaled(h.M.D[j*dim:(j+1)*dim], -g, diff)
			}
		}
	})
	return out
}

// Similarity is the contrastive penalty sum_i [sum_{j!=i} exp(cos_ij)] / (exp(cos_ii) + eps)
// divided by K*latent, where cos_ij = m_i.m_j/(|m_i||m_j| + eps)
func (h *Head) Similarity(t *autograd.Tape) *autograd.V {
	k, dim := h.K(), h.Latent()
	norms := make([]float64, k)
	for i := range norms {
		norms[i] = floats.Norm(h.centroid(i), 2)
	}
	dots := make([]float64, k*k)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			dots[i*k+j] = floats.Dot(h.centroid(i), h.centroid(j))
			dots[j*k+i] = dots[i*k+j]
		}
	}
	cos := func(i, j int) float64 {
		return dots[i*k+j] / (norms[i]*norms[j] + h.Eps)
	}
	nums, dens := make([]float64, k), make([]float64, k)
	total := 0.0
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if j != i {
				nums[i] += math.Exp(cos(i, j))
			}
		}
		dens[i] = math.Exp(cos(i, i)) + h.Eps
		total += nums[i] / dens[i]
	}
	norm := float64(k) * float64(dim)
	out := autograd.NewV(1)
	out.X[0] = total / norm
	t.Record(func() {
		scale := out.D[0] / norm
		for i := 0; i < k; i++ {
			mi, di := h.centroid(i), h.M.D[i*dim:(i+1)*dim]
			// numerator terms
			for j := 0; j < k; j++ {
				if j == i {
					continue
				}
				mj, dj := h.centroid(j), h.M.D[j*dim:(j+1)*dim]
				b := norms[i]*norms[j] + h.Eps
				g := scale * math.Exp(cos(i, j)) / dens[i]
				floats.AddScaled(di, g/b, mj)
				floats.AddScaled(dj, g/b, mi)
				c := g * dots[i*k+j] / (b * b)
				if norms[i] > 0 {
					floats.AddScaled(di, -c*norms[j]/norms[i], mi)
				}
				if norms[j] > 0 {
					floats.AddScaled(dj, -c*norms[i]/norms[j], mj)
				}
			}
			// denominator term, d/dm q/(q+eps) = 2 eps m/(q+eps)^2
			q := dots[i*k+i]
			g := -scale * nums[i] / (dens[i] * dens[i]) * math.Exp(cos(i, i))
			floats.AddScaled(di, g*2*h.Eps/((q+h.Eps)*(q+h.Eps)), mi)
		}
	})
	return out
}

// Weights is the batch x K matrix P of the K-harmonic means recursion, each column sums to 1
func (h *Head) Weights(x *autograd.V) *mat.Dense {
	h.check(x)
	batch, dim, k := x.S[0], h.Latent(), h.K()
	q := mat.NewDense(batch, k, nil)
	dist := make([]float64, k)
	for i := 0; i < batch; i++ {
		xi := x.X[i*dim : (i+1)*dim]
		sum := 0.0
		for j := 0; j < k; j++ {
			dist[j] = floats.Distance(xi, h.centroid(j), 2)
			sum += 1 / (math.Pow(dist[j], h.P) + h.Eps)
		}
		alpha := 1 / (sum*sum + h.Eps)
		for j := 0; j < k; j++ {
			q.Set(i, j, alpha/(math.Pow(dist[j], h.P+2)+h.Eps))
		}
	}
	column := make([]float64, batch)
	for j := 0; j < k; j++ {
		mat.Col(column, j, q)
		sum := floats.Sum(column)
		if sum == 0 {
			for i := range column {
				column[i] = 1
			}
			sum = float64(batch)
		}
		floats.Scale(1/sum, column)
		q.SetCol(j, column)
	}
	return q
}

// OfflineUpdate replaces the centroids with P^T x, the convex combinations of the rows of x
func (h *Head) OfflineUpdate(x *autograd.V) error {
	if h.Regime != Offline {
		return fmt.Errorf("offline update with %v centroids: %w", h.Regime, ErrRegime)
	}
	if len(x.S) != 2 || x.S[1] != h.Latent() || x.S[0] < 1 {
		return fmt.Errorf("kharmonic: codes of shape %v do not match %d dimensional centroids", x.S, h.Latent())
	}
	p := h.Weights(x)
	codes := mat.NewDense(x.S[0], x.S[1], x.X)
	m := mat.NewDense(h.K(), h.Latent(), h.M.X)
	m.Mul(p.T(), codes)
	return nil
}

// Centroids returns a copy of the centroids
func (h *Head) Centroids() [][]float64 {
	centroids := make([][]float64, h.K())
	for k := range centroids {
		centroids[k] = append([]float64(nil), h.centroid(k)...)
	}
	return centroids
}

// Assign returns the nearest centroid of each code
func (h *Head) Assign(codes [][]float64) []int {
	assign := make([]int, len(codes))
	for i, code := range codes {
		best := math.MaxFloat64
		for j := 0; j < h.K(); j++ {
			if d := floats.Distance(code, h.centroid(j), 2); d < best {
				best, assign[i] = d, j
			}
		}
	}
	return assign
}
