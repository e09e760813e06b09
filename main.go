// Copyright 2025 The KHM Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/pointlander/khm/admm"
	"github.com/pointlander/khm/checkpoint"
	"github.com/pointlander/khm/config"
	"github.com/pointlander/khm/data"
	"github.com/pointlander/khm/lossdb"
	"github.com/pointlander/khm/plots"
)

var (
	// FlagConfig is the YAML configuration overlaid on the defaults
	FlagConfig = flag.String("config", "", "yaml configuration file")
	// FlagLoad loads the model before training
	FlagLoad = flag.Bool("load", false, "load the model from the checkpoint")
	// FlagSave saves the model after training
	FlagSave = flag.Bool("save", false, "save the model to the checkpoint")
	// FlagCheckpoint is the checkpoint file
	FlagCheckpoint = flag.String("checkpoint", "khm.model", "checkpoint file")
	// FlagDB is the loss database
	FlagDB = flag.String("db", "loss.db", "sqlite loss database, empty to discard the losses")
	// FlagPlot plots the losses and the embeddings
	FlagPlot = flag.Bool("plot", false, "plot the losses and the embeddings")
	// FlagPrint prints the effective configuration and exits
	FlagPrint = flag.Bool("print", false, "print the configuration")
)

// recorder keeps the records for plotting and forwards them
type recorder struct {
	admm.Sink
	records []admm.Record
}

func (r *recorder) Write(ctx context.Context, records []admm.Record) error {
	r.records = append(r.records, records...)
	return r.Sink.Write(ctx, records)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *FlagConfig != "" {
		var err error
		cfg, err = config.Load(*FlagConfig)
		if err != nil {
			klog.Fatalf("%v", err)
		}
	}
	configuration, err := cfg.YAML()
	if err != nil {
		klog.Fatalf("%v", err)
	}
	if *FlagPrint {
		fmt.Print(configuration)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rng := rand.New(rand.NewSource(cfg.Seed))
	trainer, err := admm.New(cfg, rng)
	if err != nil {
		klog.Fatalf("%v", err)
	}
	trained := 0
	if *FlagLoad {
		meta, err := checkpoint.Load(*FlagCheckpoint, trainer.Sets())
		if err != nil {
			klog.Fatalf("%v", err)
		}
		klog.Infof("loaded run %s epoch %d from %s", meta.Run, meta.Epoch, *FlagCheckpoint)
		trained = meta.Epoch
	}

	run := uuid.New().String()
	var sink admm.Sink = lossdb.Discard{}
	if *FlagDB != "" {
		db, err := lossdb.Open(ctx, *FlagDB, cfg.RICA, configuration)
		if err != nil {
			klog.Errorf("losses will not be stored: %v", err)
		} else {
			defer db.Close()
			sink, run = db, db.Run.String()
		}
	}
	recorded := &recorder{Sink: sink}

	source, err := data.NewSynthetic(data.SyntheticConfig{
		Patch:     cfg.Patch,
		PatchX:    cfg.Synthetic.PatchX,
		PatchY:    cfg.Synthetic.PatchY,
		Baselines: cfg.Baselines,
		Sources:   cfg.Synthetic.Sources,
		MaxUV:     cfg.Synthetic.MaxUV,
		Noise:     cfg.Synthetic.Noise,
		Seed:      cfg.Seed,
	})
	if err != nil {
		klog.Fatalf("%v", err)
	}

	start := time.Now()
	epochs, err := trainer.Run(ctx, source, recorded)
	if err != nil {
		klog.Errorf("%v", err)
	}
	klog.Infof("%d of %d epochs took %v", epochs, cfg.Epochs, time.Since(start))

	if *FlagSave {
		meta := checkpoint.Meta{Run: run, Epoch: trained + epochs, Time: time.Now().UTC()}
		if err := checkpoint.Save(*FlagCheckpoint, meta, trainer.Sets()); err != nil {
			klog.Errorf("%v", err)
		} else {
			klog.Infof("saved %s", *FlagCheckpoint)
		}
	}

	if *FlagPlot {
		if len(recorded.records) > 0 {
			if err := plots.Losses(recorded.records, "losses.png"); err != nil {
				klog.Errorf("%v", err)
			}
		}
		b, err := source.Next(context.Background())
		if err != nil {
			klog.Fatalf("%v", err)
		}
		codes, err := trainer.Embed(b)
		if err != nil {
			klog.Fatalf("%v", err)
		}
		assign := trainer.Head.Assign(codes)
		if err := plots.Latents(codes, trainer.Head.Centroids(), assign, "latents.png"); err != nil {
			klog.Errorf("%v", err)
		}
		counts := make([]int, trainer.Head.K())
		for _, k := range assign {
			counts[k]++
		}
		klog.Infof("cluster sizes %v", counts)
	}
}
