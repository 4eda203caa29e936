package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/offlinekit/ilqlctl/internal/checkpoint"
	"github.com/offlinekit/ilqlctl/internal/config"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/orchestrator"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
	"github.com/offlinekit/ilqlctl/internal/trainer"
)

// #region main

func main() {
	configPath := flag.String("config", envOr("ILQL_CONFIG", ""), "path to YAML training config")
	dataset := flag.String("dataset", envOr("ILQL_DATASET", ""), "path to JSONL training dataset")
	evalDataset := flag.String("eval-dataset", envOr("ILQL_EVAL_DATASET", ""), "path to JSONL held-out dataset (optional)")
	dbPath := flag.String("db", envOr("ILQL_DB", "ilql_runs.db"), "path to runs database")
	runnerAddr := flag.String("runner", envOr("RUNNER_ADDR", ""), "gRPC address of the model runner (remote models only)")
	flag.Parse()

	if *configPath == "" || *dataset == "" {
		fmt.Fprintln(os.Stderr, "usage: train --config path/to/config.yml --dataset path/to/data.jsonl [--eval-dataset path] [--db path] [--runner addr]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// SIGINT/SIGTERM stop the loop at the next step boundary; the final
	// checkpoint is still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, tok, err := model.Build(ctx, cfg.Model, cfg.Method, *runnerAddr)
	if err != nil {
		log.Fatalf("model: %v", err)
	}
	defer m.Close()

	pipe, err := pipeline.Build(cfg.Train.Pipeline, pipeline.Options{
		Train:     cfg.Train,
		Source:    *dataset,
		Tokenizer: tok,
	})
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	var evalPipe pipeline.Pipeline
	if *evalDataset != "" {
		evalPipe, err = pipeline.Build(cfg.Train.Pipeline, pipeline.Options{
			Train:     cfg.Train,
			Source:    *evalDataset,
			Tokenizer: tok,
		})
		if err != nil {
			log.Fatalf("eval pipeline: %v", err)
		}
	}

	shaper, err := orchestrator.Build(cfg.Train.Orchestrator, cfg.Method)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	store, err := checkpoint.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer store.Close()

	loop, err := trainer.New(trainer.Options{
		Config:       cfg,
		Model:        m,
		Pipeline:     pipe,
		EvalPipeline: evalPipe,
		Shaper:       shaper,
		Store:        store,
	})
	if err != nil {
		log.Fatalf("trainer: %v", err)
	}

	fmt.Printf("ILQL trainer ready.\n")
	fmt.Printf("  Run: %s | DB: %s | Dataset: %s\n", loop.RunID(), *dbPath, *dataset)

	summary, err := loop.Run(ctx)
	if err != nil {
		log.Printf("run failed: %v", err)
		os.Exit(1)
	}
	if summary.Stopped {
		fmt.Printf("Run %s stopped at step %d (checkpointed).\n", summary.RunID, summary.State.Step)
		return
	}
	fmt.Printf("Run %s finished: steps=%d skipped=%d epochs=%d checkpoints=%d mean_loss=%.6f\n",
		summary.RunID, summary.State.Step, summary.State.SkippedSteps,
		summary.State.Epoch, summary.Checkpoints, summary.State.MeanLoss())
	if summary.AtRisk {
		fmt.Fprintln(os.Stderr, "warning: at least one checkpoint failed during this run")
	}
}

// #endregion main

// #region helpers

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
