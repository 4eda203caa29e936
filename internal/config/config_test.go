package config

import (
	"errors"
	"math"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Train.TotalSteps = 12345
	cfg.Method.Tau = 0.9
	cfg.Method.TwoQs = false

	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if *back != *cfg {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", *back, *cfg)
	}

	// Second round-trip must be byte-identical too.
	out2, err := back.Marshal()
	if err != nil {
		t.Fatalf("Marshal again: %v", err)
	}
	if string(out2) != string(out) {
		t.Fatalf("re-serialization differs:\n%s\n---\n%s", out, out2)
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	doc := []byte(`
model:
  model_path: gpt2
  model_type: ilql_reference
  tokenizer_path: gpt2
  num_layers_unfrozen: -1
  some_future_knob: true
train:
  n_ctx: 64
  epochs: 1
  total_steps: 10
  batch_size: 4
  grad_clip: 1.0
  lr_ramp_steps: 2
  lr_decay_steps: 4
  weight_decay: 0
  learning_rate_init: 0.001
  learning_rate_target: 0.0001
  log_interval: 1
  checkpoint_interval: 5
  eval_interval: 5
  input_size: 16
  gen_size: 16
  pipeline: OfflinePipeline
  orchestrator: OfflineOrchestrator
  shiny_new_field: 42
method:
  name: ilqlconfig
  tau: 0.7
  gamma: 0.99
  cql_scale: 0.1
  awac_scale: 1
  alpha: 0.1
  steps_for_target_q_sync: 5
  beta: 4
  two_qs: true
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse with unknown keys: %v", err)
	}
	if cfg.Train.BatchSize != 4 {
		t.Fatalf("expected batch_size 4, got %d", cfg.Train.BatchSize)
	}
	if cfg.Method.Beta != 4 {
		t.Fatalf("expected beta 4, got %f", cfg.Method.Beta)
	}
}

func TestValidationRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"epochs zero", func(c *Config) { c.Train.Epochs = 0 }},
		{"tau zero", func(c *Config) { c.Method.Tau = 0 }},
		{"tau above one", func(c *Config) { c.Method.Tau = 1.5 }},
		{"gamma one", func(c *Config) { c.Method.Gamma = 1 }},
		{"gamma negative", func(c *Config) { c.Method.Gamma = -0.1 }},
		{"log interval zero", func(c *Config) { c.Train.LogInterval = 0 }},
		{"checkpoint interval zero", func(c *Config) { c.Train.CheckpointInterval = 0 }},
		{"eval interval zero", func(c *Config) { c.Train.EvalInterval = 0 }},
		{"batch size zero", func(c *Config) { c.Train.BatchSize = 0 }},
		{"missing model path", func(c *Config) { c.Model.ModelPath = "" }},
		{"missing pipeline", func(c *Config) { c.Train.Pipeline = "" }},
		{"context overflow", func(c *Config) { c.Train.InputSize = 400; c.Train.GenSize = 200 }},
		{"nan grad clip", func(c *Config) { c.Train.GradClip = math.NaN() }},
		{"sync interval zero", func(c *Config) { c.Method.StepsForTargetQSync = 0 }},
		{"alpha one", func(c *Config) { c.Method.Alpha = 1 }},
		{"beta negative", func(c *Config) { c.Method.Beta = -1 }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: error should wrap ErrConfig, got %v", tc.name, err)
		}
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("model: [not, a, mapping"))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
