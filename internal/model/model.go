package model

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/offlinekit/ilqlctl/internal/config"
)

// ErrLoad marks model/tokenizer resolution failures. Always fatal pre-loop.
var ErrLoad = errors.New("model load error")

// #region tensors

// Output holds per-token head outputs for one batch. Q and TargetQ are
// [head][batch][time]; V and LogProb are [batch][time]. LogProb is the log
// probability the policy head assigns to the observed token.
type Output struct {
	Q       [][][]float32
	TargetQ [][][]float32
	V       [][]float32
	LogProb [][]float32
}

// StepGrad carries per-token loss gradients back into the model: dL/dQ per
// head, dL/dV, and dL/dlogπ. The model maps these to parameter gradients.
type StepGrad struct {
	DQ       [][][]float32
	DV       [][]float32
	DLogProb [][]float32
}

// #endregion tensors

// #region model-interface

// Model is the trainable estimator behind the loop. Implementations:
// the in-process reference model and the gRPC-backed remote runner.
type Model interface {
	// Forward computes Q/V/policy outputs for a padded batch.
	Forward(ctx context.Context, tokens [][]int, mask [][]float32) (*Output, error)

	// Apply backpropagates per-token gradient signals and steps the
	// parameters with the given learning rate. Gradients are clipped to the
	// global L2 norm clip before the update; the pre-clip norm is returned.
	// Frozen layers receive no update.
	Apply(ctx context.Context, g *StepGrad, tokens [][]int, mask [][]float32, lr, clip, weightDecay float32) (float32, error)

	// NumQHeads reports how many independent Q-heads the model carries.
	NumQHeads() int

	// QParams returns a copy of the flattened online Q-head parameters,
	// one vector per head.
	QParams() ([][]float32, error)

	// TargetQParams returns a copy of the target-network Q-head parameters.
	TargetQParams() ([][]float32, error)

	// SetTargetQParams overwrites the target-network Q-head parameters.
	SetTargetQParams(params [][]float32) error

	// Snapshot serializes model + optimizer state for checkpointing.
	Snapshot(ctx context.Context) ([]byte, error)

	// Restore loads a snapshot previously produced by Snapshot.
	Restore(ctx context.Context, blob []byte) error

	Close() error
}

// #endregion model-interface

// #region registry

// BuildOptions carries everything a model factory may need.
type BuildOptions struct {
	Model      config.ModelConfig
	NumQHeads  int
	VocabSize  int
	RunnerAddr string // remote runner address, empty for in-process types
}

// Factory builds a model from options.
type Factory func(ctx context.Context, opts BuildOptions) (Model, error)

var registry = map[string]Factory{}

// Register installs a named model factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// Registered lists the installed model types, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves model_type into a loaded model and tokenizer. The
// tokenizer path resolves independently of the model path; the two may
// differ. Unresolvable types or paths fail with ErrLoad.
func Build(ctx context.Context, mc config.ModelConfig, method config.MethodConfig, runnerAddr string) (Model, *Tokenizer, error) {
	tok, err := LoadTokenizer(mc.TokenizerPath)
	if err != nil {
		return nil, nil, err
	}

	f, ok := registry[mc.ModelType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown model_type %q (registered: %v)", ErrLoad, mc.ModelType, Registered())
	}

	heads := 1
	if method.TwoQs {
		heads = 2
	}
	m, err := f(ctx, BuildOptions{
		Model:      mc,
		NumQHeads:  heads,
		VocabSize:  tok.Size(),
		RunnerAddr: runnerAddr,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

// #endregion registry
