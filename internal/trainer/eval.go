package trainer

import (
	"context"
	"fmt"
	"log"
)

// evalBatches bounds how much held-out data one eval pass consumes.
const evalBatches = 4

// runEval runs the model over held-out batches without applying
// gradients and reports mean loss and mean reward. Failures wrap ErrEval;
// the caller logs them and keeps training.
func (l *Loop) runEval(ctx context.Context) error {
	if l.opts.EvalPipeline == nil {
		log.Printf("[EVAL] no eval pipeline configured, skipping at step %d", l.state.Step)
		return nil
	}
	t := l.opts.Config.Train

	var lossSum, rewardSum float64
	var tokens int
	for i := 0; i < evalBatches; i++ {
		raw, err := l.opts.EvalPipeline.NextBatch(t.BatchSize)
		if err != nil {
			return fmt.Errorf("%w: batch: %v", ErrEval, err)
		}
		shaped, err := l.opts.Shaper.Shape(raw)
		if err != nil {
			return fmt.Errorf("%w: shape: %v", ErrEval, err)
		}
		out, err := l.forward(ctx, shaped.Tokens, shaped.Mask)
		if err != nil {
			return fmt.Errorf("%w: forward: %v", ErrEval, err)
		}
		loss, err := l.opts.Shaper.Loss(shaped, out)
		if err != nil {
			return fmt.Errorf("%w: loss: %v", ErrEval, err)
		}
		lossSum += loss.Total

		for b := range shaped.Rewards {
			for p, r := range shaped.Rewards[b] {
				if shaped.Mask[b][p] != 0 {
					rewardSum += float64(r)
					tokens++
				}
			}
		}
	}

	meanReward := 0.0
	if tokens > 0 {
		meanReward = rewardSum / float64(tokens)
	}
	l.opts.Sink.Emit(l.state.Step, map[string]float64{
		"eval_loss":   lossSum / evalBatches,
		"eval_reward": meanReward,
	})
	log.Printf("[EVAL] step %d: mean_loss=%.6f mean_reward=%.6f", l.state.Step, lossSum/evalBatches, meanReward)
	return nil
}
