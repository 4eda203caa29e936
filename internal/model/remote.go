package model

import (
	"context"
	"fmt"

	"github.com/offlinekit/ilqlctl/internal/remote"
)

func init() {
	Register("ilql_remote", func(ctx context.Context, opts BuildOptions) (Model, error) {
		return NewRemote(ctx, opts)
	})
}

// #region remote-model

// Remote adapts the model-runner gRPC client to the Model interface. The
// actual GPT-2 weights live in the runner process; this side only moves
// batches, gradient signals, and parameter vectors.
type Remote struct {
	client *remote.Client
	heads  int
}

// NewRemote dials the runner and materializes the configured model there.
// A failed Configure is a load error: it happens before the loop starts.
func NewRemote(ctx context.Context, opts BuildOptions) (*Remote, error) {
	if opts.RunnerAddr == "" {
		return nil, fmt.Errorf("%w: model_type ilql_remote needs a runner address", ErrLoad)
	}
	client, err := remote.NewClient(opts.RunnerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	_, err = client.Configure(ctx, remote.ConfigureRequest{
		ModelPath:         opts.Model.ModelPath,
		Device:            opts.Model.Device,
		NumLayersUnfrozen: opts.Model.NumLayersUnfrozen,
		NumQHeads:         opts.NumQHeads,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: configure runner: %v", ErrLoad, err)
	}
	return &Remote{client: client, heads: opts.NumQHeads}, nil
}

// NewRemoteWithClient wires an existing client, for tests.
func NewRemoteWithClient(client *remote.Client, heads int) *Remote {
	return &Remote{client: client, heads: heads}
}

// Forward runs the batch through the runner.
func (m *Remote) Forward(ctx context.Context, tokens [][]int, mask [][]float32) (*Output, error) {
	resp, err := m.client.Forward(ctx, remote.ForwardRequest{Tokens: tokens, Mask: mask})
	if err != nil {
		return nil, err
	}
	return &Output{Q: resp.Q, TargetQ: resp.TargetQ, V: resp.V, LogProb: resp.LogProb}, nil
}

// Apply ships gradient signals and optimizer knobs to the runner.
func (m *Remote) Apply(ctx context.Context, g *StepGrad, tokens [][]int, mask [][]float32, lr, clip, weightDecay float32) (float32, error) {
	resp, err := m.client.Apply(ctx, remote.ApplyRequest{
		Tokens:      tokens,
		Mask:        mask,
		DQ:          g.DQ,
		DV:          g.DV,
		DLogProb:    g.DLogProb,
		LR:          lr,
		Clip:        clip,
		WeightDecay: weightDecay,
	})
	if err != nil {
		return 0, err
	}
	return resp.GradNorm, nil
}

// NumQHeads reports the configured head count.
func (m *Remote) NumQHeads() int { return m.heads }

// QParams fetches the online Q-head parameters from the runner.
func (m *Remote) QParams() ([][]float32, error) {
	resp, err := m.client.QParams(context.Background(), false)
	if err != nil {
		return nil, err
	}
	return resp.Params, nil
}

// TargetQParams fetches the target Q-head parameters from the runner.
func (m *Remote) TargetQParams() ([][]float32, error) {
	resp, err := m.client.QParams(context.Background(), true)
	if err != nil {
		return nil, err
	}
	return resp.Params, nil
}

// SetTargetQParams pushes blended target parameters to the runner.
func (m *Remote) SetTargetQParams(params [][]float32) error {
	return m.client.SetTargetQ(context.Background(), params)
}

// Snapshot pulls the runner's serialized model+optimizer state.
func (m *Remote) Snapshot(ctx context.Context) ([]byte, error) {
	return m.client.Snapshot(ctx)
}

// Restore pushes a snapshot blob back to the runner.
func (m *Remote) Restore(ctx context.Context, blob []byte) error {
	return m.client.Restore(ctx, blob)
}

// Close shuts down the runner connection.
func (m *Remote) Close() error { return m.client.Close() }

// #endregion remote-model
