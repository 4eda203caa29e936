package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/offlinekit/ilqlctl/internal/metrics"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/orchestrator"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
)

const defaultMaxConsecutiveSkips = 10

// #region loop

// Loop drives training: one sequential pass of steps over the pipeline,
// with interval-driven logging, evaluation, and checkpointing. Step order
// is a correctness invariant for optimizer state; nothing here reorders
// or overlaps optimizer updates.
type Loop struct {
	opts  Options
	phase Phase
	state TrainingState

	runID        string
	lastCkptStep int
	checkpoints  int
	evals        int
	atRisk       bool
	ownSink      bool
}

// New validates the wiring and registers the run. The loop starts in
// PhaseInit; Run moves it through the state machine.
func New(opts Options) (*Loop, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("trainer: nil config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Model == nil || opts.Pipeline == nil || opts.Shaper == nil {
		return nil, fmt.Errorf("trainer: model, pipeline, and shaper are required")
	}
	if opts.MaxConsecutiveSkips == 0 {
		opts.MaxConsecutiveSkips = defaultMaxConsecutiveSkips
	}

	l := &Loop{opts: opts, phase: PhaseInit, lastCkptStep: -1}

	if opts.Store != nil {
		cfgYAML, err := opts.Config.Marshal()
		if err != nil {
			return nil, err
		}
		l.runID, err = opts.Store.CreateRun(string(cfgYAML))
		if err != nil {
			return nil, err
		}
	} else {
		l.runID = uuid.New().String()
	}

	// Without an explicit sink, metrics land next to the checkpoints, or
	// in the log when there is no store at all.
	if l.opts.Sink == nil {
		if opts.Store != nil {
			sink, err := metrics.NewDBSink(opts.Store.DB(), l.runID)
			if err != nil {
				return nil, err
			}
			l.opts.Sink = sink
			l.ownSink = true
		} else {
			l.opts.Sink = metrics.LogSink{}
		}
	}
	return l, nil
}

// RunID returns the persisted run identifier.
func (l *Loop) RunID() string { return l.runID }

// Phase returns the loop's current state-machine position.
func (l *Loop) Phase() Phase { return l.phase }

// State returns a copy of the training state.
func (l *Loop) State() TrainingState { return l.state }

// #endregion loop

// #region run

// Run executes the loop until min(total_steps, epochs) is reached, the
// context is canceled (graceful stop: partial step work is discarded and
// a final checkpoint of the last completed step is written), or an
// unrecoverable error occurs.
//
// Run returns an error only for unrecoverable failures; skipped steps,
// checkpoint failures, and eval failures are reported via the sink and
// the summary.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	t := l.opts.Config.Train
	l.phase = PhaseRunning
	log.Printf("[TRAIN] run %s: total_steps=%d epochs=%d batch_size=%d accelerate=%v",
		l.runID, t.TotalSteps, t.Epochs, t.BatchSize, t.Accelerate)

	stopped := false
	var failure error

	for {
		if l.state.Step >= t.TotalSteps || l.opts.Pipeline.Epoch() >= t.Epochs {
			break
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}

		if err := l.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The in-flight step aborted on cancellation; its partial
				// work is discarded and the last completed step is what
				// the final checkpoint captures.
				stopped = true
				break
			}
			failure = err
			break
		}
	}

	return l.finish(stopped, failure)
}

// step runs exactly one optimizer step, including the interval-driven
// transitions that follow it.
func (l *Loop) step(ctx context.Context) error {
	t := l.opts.Config.Train
	lr := lrAt(l.state.Step, t)
	l.state.LR = lr

	raw, err := l.opts.Pipeline.NextBatch(t.BatchSize)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	applied, err := l.applyBatch(ctx, raw, lr)
	if err != nil {
		if errors.Is(err, orchestrator.ErrStep) {
			// Non-finite tensors: skip the step, keep counting, never
			// propagate. The step counter still advances.
			l.state.Step++
			l.state.Epoch = l.opts.Pipeline.Epoch()
			l.state.SkippedSteps++
			l.state.ConsecutiveSkips++
			log.Printf("[TRAIN] step %d skipped: %v", l.state.Step, err)
			l.opts.Sink.Emit(l.state.Step, map[string]float64{"step_skipped": 1})
			if l.state.ConsecutiveSkips >= l.opts.MaxConsecutiveSkips {
				return fmt.Errorf("%d consecutive non-finite steps: %w", l.state.ConsecutiveSkips, err)
			}
			return nil
		}
		return err
	}

	l.state.Step++
	l.state.Epoch = l.opts.Pipeline.Epoch()
	l.state.ConsecutiveSkips = 0
	l.state.LossSum += applied.loss.Total
	l.state.LossCount++

	if synced, err := l.opts.Shaper.MaybeSync(l.state.Step, l.opts.Model); err != nil {
		log.Printf("[TRAIN] target-q sync failed at step %d: %v", l.state.Step, err)
		l.opts.Sink.Emit(l.state.Step, map[string]float64{"target_sync_error": 1})
	} else if synced {
		l.opts.Sink.Emit(l.state.Step, map[string]float64{"target_sync": 1})
	}

	if l.state.Step%t.LogInterval == 0 {
		l.opts.Sink.Emit(l.state.Step, map[string]float64{
			"loss":      applied.loss.Total,
			"loss_q":    applied.loss.QLoss,
			"loss_v":    applied.loss.VLoss,
			"loss_cql":  applied.loss.CQLLoss,
			"loss_pi":   applied.loss.PiLoss,
			"lr":        lr,
			"grad_norm": float64(applied.gradNorm),
			"epoch":     float64(l.state.Epoch),
		})
	}

	if l.state.Step%t.EvalInterval == 0 {
		l.phase = PhaseEvaluating
		if err := l.runEval(ctx); err != nil {
			log.Printf("[TRAIN] eval at step %d failed: %v", l.state.Step, err)
			l.opts.Sink.Emit(l.state.Step, map[string]float64{"eval_error": 1})
		} else {
			l.evals++
		}
		l.phase = PhaseRunning
	}

	if l.state.Step%t.CheckpointInterval == 0 {
		l.phase = PhaseCheckpointing
		l.saveCheckpoint(ctx)
		l.phase = PhaseRunning
	}
	return nil
}

type appliedStep struct {
	loss     *orchestrator.StepLoss
	gradNorm float32
}

// applyBatch shapes, forwards, assembles the loss, and applies the
// gradient for one batch. Any ErrStep surfaces to the caller for skip
// handling.
func (l *Loop) applyBatch(ctx context.Context, raw *pipeline.Batch, lr float64) (*appliedStep, error) {
	t := l.opts.Config.Train

	shaped, err := l.opts.Shaper.Shape(raw)
	if err != nil {
		return nil, err
	}

	out, err := l.forward(ctx, shaped.Tokens, shaped.Mask)
	if err != nil {
		return nil, err
	}

	loss, err := l.opts.Shaper.Loss(shaped, out)
	if err != nil {
		return nil, err
	}

	gradNorm, err := l.opts.Model.Apply(ctx, loss.Grad, shaped.Tokens, shaped.Mask,
		float32(lr), float32(t.GradClip), float32(t.WeightDecay))
	if err != nil {
		return nil, fmt.Errorf("apply gradients: %w", err)
	}
	return &appliedStep{loss: loss, gradNorm: gradNorm}, nil
}

// forward runs the forward pass, fanning rows out across workers when
// accelerate is set. All shards complete before the step proceeds: a
// barrier, so the optimizer update stays globally synchronized.
func (l *Loop) forward(ctx context.Context, tokens [][]int, mask [][]float32) (*model.Output, error) {
	if !l.opts.Config.Train.Accelerate {
		return l.opts.Model.Forward(ctx, tokens, mask)
	}

	workers := l.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(tokens) {
		workers = len(tokens)
	}
	if workers <= 1 {
		return l.opts.Model.Forward(ctx, tokens, mask)
	}

	type shardResult struct {
		start int
		out   *model.Output
		err   error
	}
	results := make([]shardResult, workers)
	per := (len(tokens) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * per
		end := start + per
		if end > len(tokens) {
			end = len(tokens)
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(i, start, end int) {
			defer wg.Done()
			out, err := l.opts.Model.Forward(ctx, tokens[start:end], mask[start:end])
			results[i] = shardResult{start: start, out: out, err: err}
		}(w, start, end)
	}
	wg.Wait()

	merged := &model.Output{
		Q:       make([][][]float32, l.opts.Model.NumQHeads()),
		TargetQ: make([][][]float32, l.opts.Model.NumQHeads()),
		V:       make([][]float32, len(tokens)),
		LogProb: make([][]float32, len(tokens)),
	}
	for h := range merged.Q {
		merged.Q[h] = make([][]float32, len(tokens))
		merged.TargetQ[h] = make([][]float32, len(tokens))
	}
	for _, r := range results {
		if r.out == nil && r.err == nil {
			continue // empty shard
		}
		if r.err != nil {
			return nil, r.err
		}
		for b := range r.out.V {
			merged.V[r.start+b] = r.out.V[b]
			merged.LogProb[r.start+b] = r.out.LogProb[b]
			for h := range r.out.Q {
				merged.Q[h][r.start+b] = r.out.Q[h][b]
				merged.TargetQ[h][r.start+b] = r.out.TargetQ[h][b]
			}
		}
	}
	return merged, nil
}

// saveCheckpoint persists model snapshot + TrainingState. Failures mark
// the run at risk and are reported; the loop continues.
func (l *Loop) saveCheckpoint(ctx context.Context) {
	if l.opts.Store == nil {
		log.Printf("[CKPT] no store configured, skipping checkpoint at step %d", l.state.Step)
		return
	}
	blob, err := l.opts.Model.Snapshot(ctx)
	if err == nil {
		err = l.opts.Store.Save(l.runID, l.state.Step, blob, l.state)
	}
	if err != nil {
		log.Printf("[CKPT] checkpoint at step %d failed: %v", l.state.Step, err)
		l.opts.Sink.Emit(l.state.Step, map[string]float64{"checkpoint_error": 1})
		l.atRisk = true
		if err := l.opts.Store.MarkAtRisk(l.runID); err != nil {
			log.Printf("[CKPT] mark at risk failed: %v", err)
		}
		return
	}
	l.lastCkptStep = l.state.Step
	l.checkpoints++
	log.Printf("[CKPT] step %d checkpointed", l.state.Step)
}

// finish writes the terminal checkpoint and run status. A graceful stop
// still checkpoints; a Failed run keeps its last good checkpoint only.
func (l *Loop) finish(stopped bool, failure error) (*Summary, error) {
	if failure == nil {
		// Final checkpoint, unless the interval just wrote this exact step.
		// Uses a fresh context: cancellation must not lose the final state.
		if l.state.Step > 0 && l.lastCkptStep != l.state.Step {
			l.phase = PhaseCheckpointing
			l.saveCheckpoint(context.Background())
		}
		l.phase = PhaseFinished
	} else {
		l.phase = PhaseFailed
	}

	if l.opts.Store != nil {
		status := "finished"
		if failure != nil {
			status = "failed"
		}
		if err := l.opts.Store.Finish(l.runID, status); err != nil {
			log.Printf("[TRAIN] finish run: %v", err)
		}
	}

	summary := &Summary{
		RunID:       l.runID,
		Phase:       l.phase,
		State:       l.state,
		Checkpoints: l.checkpoints,
		Evals:       l.evals,
		Stopped:     stopped,
		AtRisk:      l.atRisk,
	}
	log.Printf("[TRAIN] run %s %s: steps=%d skipped=%d epochs=%d checkpoints=%d mean_loss=%.6f",
		l.runID, l.phase, l.state.Step, l.state.SkippedSteps, l.state.Epoch,
		l.checkpoints, l.state.MeanLoss())

	if l.ownSink {
		if err := l.opts.Sink.Close(); err != nil {
			log.Printf("[TRAIN] close metrics sink: %v", err)
		}
	}

	if failure != nil {
		return summary, fmt.Errorf("run %s failed at step %d: %w", l.runID, l.state.Step, failure)
	}
	return summary, nil
}

// #endregion run
