// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package admm trains the patch autoencoder, the two axis autoencoders and the
// clustering head together. Each minibatch is a consensus problem solved by a
// fixed number of ADMM iterations: an optimizer step on the augmented
// Lagrangian followed by a dual ascent step on the multipliers.
package admm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pointlander/khm/augment"
	"github.com/pointlander/khm/autoencoder"
	"github.com/pointlander/khm/autograd"
	"github.com/pointlander/khm/config"
	"github.com/pointlander/khm/data"
	"github.com/pointlander/khm/harmonic"
	"github.com/pointlander/khm/kharmonic"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Checkpoint names of the parameter sets
const (
	NameNet  = "net"
	NameHead = "khm"
	NameNetT = "netT"
	NameNetF = "netF"
)

// Record is the loss of one inner iteration
type Record struct {
	Epoch        int
	Minibatch    int
	ADMM         int
	Loss0        float64
	Loss1        float64
	Loss2        float64
	Loss3        float64
	KDist        float64
	Augmentation float64
	Similarity   float64
	RICA         float64
	Total        float64
}

// Sink persists the records of a minibatch
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// Multipliers are the Lagrange multipliers of the three consensus constraints
type Multipliers struct {
	Y1, Y2, Y3 []float64
}

// NewMultipliers creates zero multipliers for a minibatch of n values
func NewMultipliers(n int) Multipliers {
	return Multipliers{
		Y1: make([]float64, n),
		Y2: make([]float64, n),
		Y3: make([]float64, n),
	}
}

// Terms are the parts of the training loss
type Terms struct {
	Loss0, Loss1, Loss2, Loss3 float64
	KDist                      float64
	Augmentation               float64
	Similarity                 float64
	RICA                       float64
	// Total is the scalar loss on the tape
	Total *autograd.V
	// Mu is the combined latent code [batch, latent + 2 axis latent]
	Mu *autograd.V
}

// Trainer holds the models of a run. It is not safe for concurrent use.
type Trainer struct {
	Config    config.Config
	Net       *autoencoder.Unit
	NetT      *autoencoder.Unit
	NetF      *autoencoder.Unit
	Head      *kharmonic.Head
	Optimizer autograd.Optimizer
}

// New creates the models and the optimizer of cfg
func New(cfg config.Config, rng *rand.Rand) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("admm: %w", err)
	}
	encoder, err := harmonic.New(cfg.HarmonicScales)
	if err != nil {
		return nil, err
	}
	unit := func(c autoencoder.Config) (*autoencoder.Unit, error) {
		c.Schedule = append([]int(nil), cfg.Schedule...)
		return autoencoder.New(c, encoder, rng)
	}
	net, err := unit(autoencoder.Patch(NameNet, cfg.Patch, cfg.Channels, cfg.Latent, cfg.RICA))
	if err != nil {
		return nil, err
	}
	length := cfg.Patch * cfg.Patch
	netT, err := unit(autoencoder.Sequence(NameNetT, length, cfg.Channels, cfg.AxisLatent, cfg.RICA))
	if err != nil {
		return nil, err
	}
	netF, err := unit(autoencoder.Sequence(NameNetF, length, cfg.Channels, cfg.AxisLatent, cfg.RICA))
	if err != nil {
		return nil, err
	}
	head, err := kharmonic.New(cfg.Latent+2*cfg.AxisLatent, cfg.K, cfg.Order, cfg.Epsilon, cfg.KRegime(), rng)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		Config: cfg,
		Net:    net,
		NetT:   netT,
		NetF:   netF,
		Head:   head,
	}
	sets := append([]autograd.Set{net.Set, netT.Set, netF.Set}, head.Params()...)
	switch cfg.Optimizer {
	case "adam":
		t.Optimizer = autograd.NewAdam(cfg.LearningRate, sets...)
	case "linesearch":
		t.Optimizer = autograd.NewLineSearch(cfg.LearningRate, sets...)
	}
	return t, nil
}

// Sets are the parameter sets of the run by checkpoint name
func (t *Trainer) Sets() map[string]autograd.Set {
	return map[string]autograd.Set{
		NameNet:  t.Net.Set,
		NameHead: t.Head.Set,
		NameNetT: t.NetT.Set,
		NameNetF: t.NetF.Set,
	}
}

type pass struct {
	x, x1, r, x2, x3 *autograd.V
	mu, muT, muF     *autograd.V
}

// forward runs the patch unit on the minibatch and the axis units on the
// residual flattened along the time and the frequency axes
func (t *Trainer) forward(tape *autograd.Tape, b data.Minibatch) pass {
	x := b.X
	batch, c, h, w := x.S[0], x.S[1], x.S[2], x.S[3]
	net := t.Net.Forward(tape, x, b.UV)
	r := tape.Scale(tape.Sub(x, net.Reconstruction), .5)
	netT := t.NetT.Forward(tape, tape.Reshape(r, batch, c, h*w), b.UV)
	netF := t.NetF.Forward(tape, tape.Reshape(tape.Transpose(r), batch, c, w*h), b.UV)
	return pass{
		x:   x,
		x1:  net.Reconstruction,
		r:   r,
		x2:  tape.Reshape(netT.Reconstruction, batch, c, h, w),
		x3:  tape.Transpose(tape.Reshape(netF.Reconstruction, batch, c, w, h)),
		mu:  net.Latent,
		muT: netT.Latent,
		muF: netF.Latent,
	}
}

// Evaluate computes the training loss of the minibatch with the multipliers y
func (t *Trainer) Evaluate(tape *autograd.Tape, b data.Minibatch, y Multipliers) (Terms, error) {
	if err := t.Check(b); err != nil {
		return Terms{}, err
	}
	if len(y.Y1) != b.X.Size() || len(y.Y2) != b.X.Size() || len(y.Y3) != b.X.Size() {
		return Terms{}, fmt.Errorf("admm: %w: multipliers of %d values for %d inputs", data.ErrShape, len(y.Y1), b.X.Size())
	}
	return t.evaluate(tape, b, y), nil
}

// evaluate is Evaluate for a minibatch that passed Check
func (t *Trainer) evaluate(tape *autograd.Tape, b data.Minibatch, y Multipliers) Terms {
	c := t.Config
	p := t.forward(tape, b)
	n := float64(p.x.Size())

	consensus := func(target, v *autograd.V, y []float64) *autograd.V {
		linear := tape.Dot(tape.Sub(target, v), y)
		quadratic := tape.Scale(tape.SquaredError(target, v), c.Rho/2)
		return tape.Scale(tape.Add(linear, quadratic), 1/n)
	}
	loss0 := tape.Scale(tape.SquaredError(tape.Add(tape.Add(p.x1, p.x2), p.x3), p.x), 1/n)
	loss1 := consensus(p.x, p.x1, y.Y1)
	loss2 := consensus(p.r, p.x2, y.Y2)
	loss3 := consensus(p.r, p.x3, y.Y3)

	mu := tape.Concat(p.mu, p.muT, p.muF)
	kdist := tape.Scale(t.Head.Distance(tape, mu), c.Alpha)
	similarity := tape.Scale(t.Head.Similarity(tape), c.Beta)
	augmentation := tape.Scale(augment.Loss(tape, mu, b.PerBaseline(), b.Baselines, c.AugmentEps), c.Gamma)

	total := tape.Add(tape.Add(tape.Add(loss0, loss1), tape.Add(loss2, loss3)),
		tape.Add(tape.Add(kdist, augmentation), similarity))
	terms := Terms{
		Loss0:        loss0.X[0],
		Loss1:        loss1.X[0],
		Loss2:        loss2.X[0],
		Loss3:        loss3.X[0],
		KDist:        kdist.X[0],
		Augmentation: augmentation.X[0],
		Similarity:   similarity.X[0],
		Mu:           mu,
	}
	if c.RICA {
		sparsity := func(v *autograd.V) *autograd.V {
			return tape.Scale(tape.Sum(tape.LogCosh(v)), 1/float64(v.Size()))
		}
		rica := tape.Scale(tape.Add(tape.Add(sparsity(p.mu), sparsity(p.muT)), sparsity(p.muF)), c.RICALambda)
		terms.RICA = rica.X[0]
		total = tape.Add(total, rica)
	}
	terms.Total = total
	return terms
}

// dual is the dual ascent step y += rho*residual
func (t *Trainer) dual(p pass, y Multipliers) {
	rho := t.Config.Rho
	residual := make([]float64, p.x.Size())
	floats.SubTo(residual, p.x.X, p.x1.X)
	floats.AddScaled(y.Y1, rho, residual)
	floats.SubTo(residual, p.r.X, p.x2.X)
	floats.AddScaled(y.Y2, rho, residual)
	floats.SubTo(residual, p.r.X, p.x3.X)
	floats.AddScaled(y.Y3, rho, residual)
}

// UpdateMultipliers does the dual ascent step for the minibatch without gradients
func (t *Trainer) UpdateMultipliers(b data.Minibatch, y Multipliers) {
	t.dual(t.forward(autograd.NoGrad(), b), y)
}

// Iterate is one inner iteration: an optimizer step, the offline centroid update
// when the head is in the Offline regime, and the multiplier update
func (t *Trainer) Iterate(epoch, minibatch, admm int, b data.Minibatch, y Multipliers) (Record, error) {
	var terms Terms
	t.Optimizer.Step(func() float64 {
		tape := autograd.NewTape()
		t.Head.Set.Zero()
		b.X.Zero()
		terms = t.evaluate(tape, b, y)
		tape.Backward(terms.Total)
		return terms.Total.X[0]
	})
	record := Record{
		Epoch:        epoch,
		Minibatch:    minibatch,
		ADMM:         admm,
		Loss0:        terms.Loss0,
		Loss1:        terms.Loss1,
		Loss2:        terms.Loss2,
		Loss3:        terms.Loss3,
		KDist:        terms.KDist,
		Augmentation: terms.Augmentation,
		Similarity:   terms.Similarity,
		RICA:         terms.RICA,
		Total:        terms.Total.X[0],
	}
	if t.Config.RICA {
		klog.Infof("%d %d %d %g %g %g %g %g %g %g %g", epoch, minibatch, admm, record.Loss0, record.Loss1,
			record.Loss2, record.Loss3, record.KDist, record.Augmentation, record.Similarity, record.RICA)
	} else {
		klog.Infof("%d %d %d %g %g %g %g %g %g %g", epoch, minibatch, admm, record.Loss0, record.Loss1,
			record.Loss2, record.Loss3, record.KDist, record.Augmentation, record.Similarity)
	}

	p := t.forward(autograd.NoGrad(), b)
	if t.Head.Regime == kharmonic.Offline {
		if err := t.Head.OfflineUpdate(autograd.NoGrad().Concat(p.mu, p.muT, p.muF)); err != nil {
			return record, fmt.Errorf("admm: %w", err)
		}
	}
	t.dual(p, y)
	return record, nil
}

// Check returns an error if the minibatch does not fit the models
func (t *Trainer) Check(b data.Minibatch) error {
	if err := b.Validate(t.Config.Channels, t.Config.Patch); err != nil {
		return fmt.Errorf("admm: %w", err)
	}
	return nil
}

// Minibatch solves the consensus problem of one minibatch, starting from zero multipliers,
// and returns one record per inner iteration
func (t *Trainer) Minibatch(ctx context.Context, epoch, index int, b data.Minibatch) ([]Record, error) {
	if err := t.Check(b); err != nil {
		return nil, err
	}
	y := NewMultipliers(b.X.Size())
	records := make([]Record, 0, t.Config.ADMMIterations)
	for admm := 0; admm < t.Config.ADMMIterations; admm++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		record, err := t.Iterate(epoch, index, admm, b, y)
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Run trains for the configured epochs and returns the number of epochs completed.
// The records of each minibatch are written to sink in one call; a failed write is
// logged and training goes on.
func (t *Trainer) Run(ctx context.Context, source data.Source, sink Sink) (int, error) {
	for epoch := 0; epoch < t.Config.Epochs; epoch++ {
		for i := 0; i < t.Config.Iterations; i++ {
			start := time.Now()
			b, err := source.Next(ctx)
			if err != nil {
				return epoch, fmt.Errorf("admm: epoch %d minibatch %d: %w", epoch, i, err)
			}
			records, err := t.Minibatch(ctx, epoch, i, b)
			if err != nil {
				return epoch, fmt.Errorf("admm: epoch %d minibatch %d: %w", epoch, i, err)
			}
			if err := sink.Write(ctx, records); err != nil {
				klog.Errorf("admm: epoch %d minibatch %d: losing %d records: %v", epoch, i, len(records), err)
			}
			klog.Infof("Iteration %d took %v", i, time.Since(start))
		}
	}
	return t.Config.Epochs, nil
}

// Embed returns the combined latent code of each row of the minibatch
func (t *Trainer) Embed(b data.Minibatch) ([][]float64, error) {
	if err := t.Check(b); err != nil {
		return nil, err
	}
	tape := autograd.NoGrad()
	p := t.forward(tape, b)
	mu := tape.Concat(p.mu, p.muT, p.muF)
	rows, dim := mu.S[0], mu.S[1]
	codes := make([][]float64, rows)
	for i := range codes {
		codes[i] = append([]float64(nil), mu.X[i*dim:(i+1)*dim]...)
	}
	return codes, nil
}
