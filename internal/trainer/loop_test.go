package trainer

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/offlinekit/ilqlctl/internal/checkpoint"
	"github.com/offlinekit/ilqlctl/internal/config"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/orchestrator"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
)

// #region helpers

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Train.NCtx = 8
	cfg.Train.InputSize = 1
	cfg.Train.GenSize = 1
	cfg.Train.LogInterval = 25
	cfg.Train.EvalInterval = 1 << 20 // out of reach unless a test lowers it
	cfg.Train.CheckpointInterval = 100
	cfg.Train.LRRampSteps = 10
	cfg.Train.LRDecaySteps = 20
	cfg.Method.Alpha = 0.7
	return cfg
}

func testModel(t *testing.T) model.Model {
	t.Helper()
	m, err := model.NewReference(model.BuildOptions{
		Model:     config.ModelConfig{ModelPath: "gpt2", NumLayersUnfrozen: -1},
		NumQHeads: 2,
		VocabSize: 32,
	})
	if err != nil {
		t.Fatalf("NewReference: %v", err)
	}
	return m
}

// staticPipe builds an in-memory pipeline with n single-token examples.
func staticPipe(t *testing.T, n int) *pipeline.Offline {
	t.Helper()
	examples := make([]pipeline.Example, n)
	for i := range examples {
		examples[i] = pipeline.Example{
			Tokens:  []int{(i % 30) + 1},
			Rewards: []float32{float32(i%3) - 1},
		}
	}
	p, err := pipeline.NewStatic(examples, 2)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return p
}

func tempStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewStore(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// captureSink records emitted samples.
type captureSink struct {
	mu      sync.Mutex
	samples []map[string]float64
	steps   []int
}

func (s *captureSink) Emit(step int, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.samples = append(s.samples, copied)
	s.steps = append(s.steps, step)
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sample := range s.samples {
		if _, ok := sample[name]; ok {
			n++
		}
	}
	return n
}

// #endregion helpers

func TestLRSchedule(t *testing.T) {
	tc := config.TrainConfig{
		LRRampSteps:        100,
		LRDecaySteps:       200,
		LearningRateInit:   1e-3,
		LearningRateTarget: 1e-4,
	}
	if lr := lrAt(0, tc); lr != 0 {
		t.Fatalf("lr at step 0 must be 0, got %g", lr)
	}
	if lr := lrAt(50, tc); lr != 5e-4 {
		t.Fatalf("lr mid-ramp: got %g want 5e-4", lr)
	}
	if lr := lrAt(100, tc); lr != 1e-3 {
		t.Fatalf("lr at ramp end must equal learning_rate_init, got %g", lr)
	}
	if lr := lrAt(300, tc); lr != 1e-4 {
		t.Fatalf("lr after decay must equal learning_rate_target, got %g", lr)
	}
	mid := lrAt(200, tc)
	if mid >= 1e-3 || mid <= 1e-4 {
		t.Fatalf("lr mid-decay out of range: %g", mid)
	}
}

func TestEpochBoundWins(t *testing.T) {
	// total_steps=80000 but one epoch of 100 batches: the epoch bound
	// wins, the loop runs exactly 100 steps and writes exactly one
	// checkpoint, at step 100.
	cfg := testConfig()
	cfg.Train.TotalSteps = 80000
	cfg.Train.Epochs = 1
	cfg.Train.BatchSize = 80
	cfg.Train.CheckpointInterval = 100

	store := tempStore(t)
	sink := &captureSink{}
	loop, err := New(Options{
		Config:   cfg,
		Model:    testModel(t),
		Pipeline: staticPipe(t, 8000), // 100 batches of 80 per epoch
		Shaper:   orchestrator.NewOffline(cfg.Method),
		Store:    store,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Phase != PhaseFinished {
		t.Fatalf("expected finished, got %s", summary.Phase)
	}
	if summary.State.Step != 100 {
		t.Fatalf("expected exactly 100 steps, got %d", summary.State.Step)
	}
	if summary.State.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", summary.State.Epoch)
	}
	if summary.Checkpoints != 1 {
		t.Fatalf("expected exactly one checkpoint, got %d", summary.Checkpoints)
	}

	steps, err := store.Steps(loop.RunID())
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 1 || steps[0] != 100 {
		t.Fatalf("expected one checkpoint at step 100, got %v", steps)
	}

	run, err := store.GetRun(loop.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "finished" || run.AtRisk {
		t.Fatalf("bad terminal run row: %+v", run)
	}
}

func TestTotalStepsBoundWins(t *testing.T) {
	cfg := testConfig()
	cfg.Train.TotalSteps = 7
	cfg.Train.Epochs = 5
	cfg.Train.BatchSize = 2
	cfg.Train.CheckpointInterval = 3

	loop, err := New(Options{
		Config:   cfg,
		Model:    testModel(t),
		Pipeline: staticPipe(t, 10),
		Shaper:   orchestrator.NewOffline(cfg.Method),
		Sink:     &captureSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.State.Step != 7 {
		t.Fatalf("expected 7 steps, got %d", summary.State.Step)
	}
	if summary.Phase != PhaseFinished {
		t.Fatalf("expected finished, got %s", summary.Phase)
	}
}

func TestNonFiniteStepSkipped(t *testing.T) {
	// One poisoned reward reached at step 37: the step is skipped, the
	// counter still advances, and Run reports no error.
	cfg := testConfig()
	cfg.Train.TotalSteps = 80000
	cfg.Train.Epochs = 1
	cfg.Train.BatchSize = 1
	cfg.Train.CheckpointInterval = 1000

	examples := make([]pipeline.Example, 100)
	for i := range examples {
		examples[i] = pipeline.Example{Tokens: []int{(i % 30) + 1}, Rewards: []float32{1}}
	}
	examples[36].Rewards[0] = float32(math.NaN()) // pulled at step 37
	pipe, err := pipeline.NewStatic(examples, 2)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	sink := &captureSink{}
	loop, err := New(Options{
		Config:   cfg,
		Model:    testModel(t),
		Pipeline: pipe,
		Shaper:   orchestrator.NewOffline(cfg.Method),
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run must not propagate a skipped step: %v", err)
	}
	if summary.State.Step != 100 {
		t.Fatalf("expected 100 steps, got %d", summary.State.Step)
	}
	if summary.State.SkippedSteps != 1 {
		t.Fatalf("expected 1 skipped step, got %d", summary.State.SkippedSteps)
	}
	if sink.count("step_skipped") != 1 {
		t.Fatalf("skip not reported to sink")
	}
}

func TestRepeatedNonFiniteFails(t *testing.T) {
	cfg := testConfig()
	cfg.Train.TotalSteps = 100
	cfg.Train.Epochs = 10
	cfg.Train.BatchSize = 1

	examples := []pipeline.Example{
		{Tokens: []int{1}, Rewards: []float32{float32(math.Inf(1))}},
		{Tokens: []int{2}, Rewards: []float32{float32(math.Inf(1))}},
	}
	pipe, _ := pipeline.NewStatic(examples, 2)

	loop, err := New(Options{
		Config:              cfg,
		Model:               testModel(t),
		Pipeline:            pipe,
		Shaper:              orchestrator.NewOffline(cfg.Method),
		Sink:                &captureSink{},
		MaxConsecutiveSkips: 3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure after repeated non-finite steps")
	}
	if summary.Phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", summary.Phase)
	}
	if summary.State.ConsecutiveSkips != 3 {
		t.Fatalf("expected 3 consecutive skips, got %d", summary.State.ConsecutiveSkips)
	}
}

// cancelAfterPipe cancels a context after a fixed number of batch pulls.
type cancelAfterPipe struct {
	*pipeline.Offline
	cancel context.CancelFunc
	after  int
	pulls  int
}

func (p *cancelAfterPipe) NextBatch(n int) (*pipeline.Batch, error) {
	p.pulls++
	if p.pulls == p.after {
		p.cancel()
	}
	return p.Offline.NextBatch(n)
}

func TestGracefulStop(t *testing.T) {
	cfg := testConfig()
	cfg.Train.TotalSteps = 1000
	cfg.Train.Epochs = 100
	cfg.Train.BatchSize = 2
	cfg.Train.CheckpointInterval = 10000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := &cancelAfterPipe{Offline: staticPipe(t, 50), cancel: cancel, after: 5}

	store := tempStore(t)
	loop, err := New(Options{
		Config:   cfg,
		Model:    testModel(t),
		Pipeline: pipe,
		Shaper:   orchestrator.NewOffline(cfg.Method),
		Store:    store,
		Sink:     &captureSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := loop.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Stopped {
		t.Fatal("expected stopped summary")
	}
	if summary.Phase != PhaseFinished {
		t.Fatalf("graceful stop should finish, got %s", summary.Phase)
	}
	// Cancellation lands during the 5th pull, so that step aborts and the
	// last completed step is 4.
	if summary.State.Step != 4 {
		t.Fatalf("expected 4 completed steps, got %d", summary.State.Step)
	}
	// The final checkpoint is still written despite cancellation.
	rec, err := store.Latest(loop.RunID())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Step != 4 {
		t.Fatalf("expected final checkpoint at step 4, got %d", rec.Step)
	}
}

func TestEvalRunsAtInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Train.TotalSteps = 10
	cfg.Train.Epochs = 100
	cfg.Train.BatchSize = 2
	cfg.Train.EvalInterval = 5
	cfg.Train.CheckpointInterval = 10000

	sink := &captureSink{}
	loop, err := New(Options{
		Config:       cfg,
		Model:        testModel(t),
		Pipeline:     staticPipe(t, 50),
		EvalPipeline: staticPipe(t, 20),
		Shaper:       orchestrator.NewOffline(cfg.Method),
		Sink:         sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Evals != 2 {
		t.Fatalf("expected 2 eval passes, got %d", summary.Evals)
	}
	if sink.count("eval_loss") != 2 {
		t.Fatalf("expected 2 eval_loss samples")
	}
}

func TestAcceleratedForwardMatchesSequential(t *testing.T) {
	cfg := testConfig()
	cfg.Train.Accelerate = true
	cfg.Train.BatchSize = 5

	m := testModel(t)
	loop, err := New(Options{
		Config:   cfg,
		Model:    m,
		Pipeline: staticPipe(t, 10),
		Shaper:   orchestrator.NewOffline(cfg.Method),
		Sink:     &captureSink{},
		Workers:  3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tokens := [][]int{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}}
	mask := [][]float32{{1, 1}, {1, 1}, {1, 1}, {1, 1}, {1, 0}}

	want, err := m.Forward(context.Background(), tokens, mask)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got, err := loop.forward(context.Background(), tokens, mask)
	if err != nil {
		t.Fatalf("sharded forward: %v", err)
	}

	for h := range want.Q {
		for b := range want.Q[h] {
			for p := range want.Q[h][b] {
				if got.Q[h][b][p] != want.Q[h][b][p] {
					t.Fatalf("Q mismatch at head %d row %d pos %d", h, b, p)
				}
			}
		}
	}
	for b := range want.V {
		for p := range want.V[b] {
			if got.V[b][p] != want.V[b][p] || got.LogProb[b][p] != want.LogProb[b][p] {
				t.Fatalf("V/LogProb mismatch at row %d pos %d", b, p)
			}
		}
	}
}

func TestTrainingMakesProgress(t *testing.T) {
	// Sanity: on a uniform-reward dataset, a few hundred steps of the full
	// stack reduce the loss.
	cfg := testConfig()
	cfg.Train.TotalSteps = 200
	cfg.Train.Epochs = 1 << 20
	cfg.Train.BatchSize = 4
	cfg.Train.CheckpointInterval = 10000
	cfg.Train.LRRampSteps = 10
	cfg.Train.LRDecaySteps = 100
	cfg.Train.LearningRateInit = 0.05
	cfg.Train.LearningRateTarget = 0.01

	examples := make([]pipeline.Example, 16)
	for i := range examples {
		examples[i] = pipeline.Example{Tokens: []int{(i % 8) + 1}, Rewards: []float32{0.5}}
	}
	pipe, _ := pipeline.NewStatic(examples, 2)

	m := testModel(t)
	shaper := orchestrator.NewOffline(cfg.Method)

	// Loss on the first batch before training.
	probe, _ := pipeline.NewStatic(examples, 2)
	raw, _ := probe.NextBatch(4)
	shaped, err := shaper.Shape(raw)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	out, _ := m.Forward(context.Background(), shaped.Tokens, shaped.Mask)
	before, err := shaper.Loss(shaped, out)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}

	loop, err := New(Options{
		Config:   cfg,
		Model:    m,
		Pipeline: pipe,
		Shaper:   shaper,
		Sink:     &captureSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, _ = m.Forward(context.Background(), shaped.Tokens, shaped.Mask)
	after, err := shaper.Loss(shaped, out)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if after.Total >= before.Total {
		t.Fatalf("training did not reduce loss: before=%f after=%f", before.Total, after.Total)
	}
}
