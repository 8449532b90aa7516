package main

// Scripted walkthrough of an interactive session on a synthetic recording:
// filter, resample, undo/redo, epoching and a Morlet analysis job.
//
//   go run ./cmd/demo
//   go run ./cmd/demo synthetic:8x30x250

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/internal/signal/memsignal"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

func main() {
	source := "synthetic:4x10x100"
	if len(os.Args) > 1 {
		source = os.Args[1]
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	backend := memsignal.New()
	registry := session.NewRegistry(session.Options{Logger: logger})
	defer registry.Close()
	sessions := session.NewService(registry, backend, nil, logger)

	info, err := sessions.Load(ctx, source)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", source, err)
	}
	id := info.SessionID
	fmt.Printf("✓ Session %s loaded: %d channels, %.0f Hz, %.1f s\n",
		id, len(info.Raw.ChannelNames), info.Raw.SampleRate, info.Raw.Duration)

	low, high := 1.0, 40.0
	step("filter 1-40 Hz", func() (session.Info, error) {
		return sessions.ApplyFilter(ctx, id, signal.FilterParams{LowFreq: &low, HighFreq: &high})
	})
	step("resample to 50 Hz", func() (session.Info, error) {
		return sessions.ApplyResample(ctx, id, signal.ResampleParams{TargetRate: 50})
	})
	for i := 0; i < 2; i++ {
		step("undo", func() (session.Info, error) {
			_, info, err := sessions.Undo(id)
			return info, err
		})
	}
	for i := 0; i < 2; i++ {
		step("redo", func() (session.Info, error) {
			_, info, err := sessions.Redo(id)
			return info, err
		})
	}
	info = step("epochs -0.2..0.8 s", func() (session.Info, error) {
		return sessions.CreateEpochs(ctx, id, signal.EpochParams{TMin: -0.2, TMax: 0.8, Baseline: &[2]float64{-0.2, 0}})
	})

	pool := worker.NewPool(4, logger)
	if err := pool.Start(1); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	defer pool.Stop()
	engine := analysis.New(analysis.Options{Sessions: sessions, TF: backend, Pool: pool, Logger: logger})

	req := types.DefaultAnalysisRequest()
	req.Channels = info.Epochs.ChannelNames[:1]
	req.FMax = 20
	jobID, err := engine.Start(id, req)
	if err != nil {
		log.Fatalf("Failed to start analysis: %v", err)
	}
	sub, err := engine.Subscribe(jobID)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	var last types.AnalysisJobStatus
	for st := range sub.C {
		fmt.Printf("  analysis %s: %-9s %3.0f%%\n", jobID, st.Status, st.Progress*100)
		last = st
	}
	if last.Status != types.StatusCompleted {
		log.Fatalf("Analysis ended %s: %s", last.Status, last.Error)
	}
	r := last.Result
	fmt.Printf("✓ Power %d freqs x %d times on %s (n_cycles %.2f)\n",
		len(r.Freqs), len(r.Times), strings.Join(r.ChannelNames, ","), r.NCyclesUsed)
}

func step(name string, fn func() (session.Info, error)) session.Info {
	info, err := fn()
	if err != nil {
		log.Fatalf("%s failed: %v", name, err)
	}
	ops := make([]string, len(info.History))
	for i, h := range info.History {
		ops[i] = h.Operation
	}
	rate := 0.0
	if info.Raw != nil {
		rate = info.Raw.SampleRate
	}
	fmt.Printf("✓ %-20s rate=%.0f Hz history=[%s] undo=%d redo=%d\n",
		name, rate, strings.Join(ops, ","), info.UndoDepth, info.RedoDepth)
	return info
}
