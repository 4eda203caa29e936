package trainer

import (
	"errors"

	"github.com/offlinekit/ilqlctl/internal/checkpoint"
	"github.com/offlinekit/ilqlctl/internal/config"
	"github.com/offlinekit/ilqlctl/internal/metrics"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/orchestrator"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
)

// ErrEval marks held-out evaluation failures. Logged and reported, never
// fatal to the run.
var ErrEval = errors.New("eval error")

// #region phase

// Phase is the loop's state-machine position.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseRunning       Phase = "running"
	PhaseEvaluating    Phase = "evaluating"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseFinished      Phase = "finished"
	PhaseFailed        Phase = "failed"
)

// #endregion phase

// #region training-state

// TrainingState is the loop's mutable per-run state. Created at loop
// start, mutated once per step, exclusively owned by the loop, and
// serialized into every checkpoint.
type TrainingState struct {
	Step             int     `json:"step"`
	Epoch            int     `json:"epoch"`
	LR               float64 `json:"lr"`
	SkippedSteps     int     `json:"skipped_steps"`
	ConsecutiveSkips int     `json:"consecutive_skips"`
	LossSum          float64 `json:"loss_sum"`
	LossCount        int     `json:"loss_count"`
}

// MeanLoss is the running mean over applied (non-skipped) steps.
func (s TrainingState) MeanLoss() float64 {
	if s.LossCount == 0 {
		return 0
	}
	return s.LossSum / float64(s.LossCount)
}

// #endregion training-state

// #region options

// Options wires the loop's collaborators. Model, Pipeline, Shaper, and a
// validated Config are required. Store may be nil for dry runs (no
// checkpoints persist); Sink defaults to LogSink; EvalPipeline may be nil
// (eval passes are skipped with a log line).
type Options struct {
	Config       *config.Config
	Model        model.Model
	Pipeline     pipeline.Pipeline
	EvalPipeline pipeline.Pipeline
	Shaper       orchestrator.Shaper
	Store        *checkpoint.Store
	Sink         metrics.Sink

	// MaxConsecutiveSkips ends the run as Failed when this many non-finite
	// steps happen back to back. Zero means the default of 10.
	MaxConsecutiveSkips int

	// Workers caps the per-step forward fan-out when train.accelerate is
	// set. Zero means GOMAXPROCS.
	Workers int
}

// Summary is returned by Run for reporting.
type Summary struct {
	RunID       string
	Phase       Phase
	State       TrainingState
	Checkpoints int
	Evals       int
	Stopped     bool // terminated by cancellation rather than by bounds
	AtRisk      bool // at least one checkpoint failed
}

// #endregion options
