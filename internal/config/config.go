package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks any configuration load or validation failure.
// Callers test for it with errors.Is; it is always fatal pre-loop.
var ErrConfig = errors.New("config error")

// #region sections

// ModelConfig selects and shapes the model/tokenizer pair.
type ModelConfig struct {
	ModelPath         string `yaml:"model_path"`
	ModelType         string `yaml:"model_type"`
	Device            string `yaml:"device"`
	TokenizerPath     string `yaml:"tokenizer_path"`
	NumLayersUnfrozen int    `yaml:"num_layers_unfrozen"`
}

// TrainConfig drives the step loop: bounds, schedule, and intervals.
type TrainConfig struct {
	NCtx               int     `yaml:"n_ctx"`
	Epochs             int     `yaml:"epochs"`
	TotalSteps         int     `yaml:"total_steps"`
	BatchSize          int     `yaml:"batch_size"`
	GradClip           float64 `yaml:"grad_clip"`
	LRRampSteps        int     `yaml:"lr_ramp_steps"`
	LRDecaySteps       int     `yaml:"lr_decay_steps"`
	WeightDecay        float64 `yaml:"weight_decay"`
	LearningRateInit   float64 `yaml:"learning_rate_init"`
	LearningRateTarget float64 `yaml:"learning_rate_target"`
	LogInterval        int     `yaml:"log_interval"`
	CheckpointInterval int     `yaml:"checkpoint_interval"`
	EvalInterval       int     `yaml:"eval_interval"`
	InputSize          int     `yaml:"input_size"`
	GenSize            int     `yaml:"gen_size"`
	Pipeline           string  `yaml:"pipeline"`
	Orchestrator       string  `yaml:"orchestrator"`
	Accelerate         bool    `yaml:"accelerate"`
}

// MethodConfig holds the ILQL hyperparameters.
type MethodConfig struct {
	Name                string  `yaml:"name"`
	Tau                 float64 `yaml:"tau"`
	Gamma               float64 `yaml:"gamma"`
	CQLScale            float64 `yaml:"cql_scale"`
	AWACScale           float64 `yaml:"awac_scale"`
	Alpha               float64 `yaml:"alpha"`
	StepsForTargetQSync int     `yaml:"steps_for_target_q_sync"`
	Beta                float64 `yaml:"beta"`
	TwoQs               bool    `yaml:"two_qs"`
}

// Config is the full, immutable run configuration. Loaded once at process
// start and shared read-only afterwards.
type Config struct {
	Model  ModelConfig  `yaml:"model"`
	Train  TrainConfig  `yaml:"train"`
	Method MethodConfig `yaml:"method"`
}

// #endregion sections

// #region defaults

// Default returns the reference ILQL hyperparameters for a GPT-2 fine-tune.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			ModelPath:         "gpt2",
			ModelType:         "ilql_reference",
			Device:            "cpu",
			TokenizerPath:     "gpt2",
			NumLayersUnfrozen: -1,
		},
		Train: TrainConfig{
			NCtx:               512,
			Epochs:             1,
			TotalSteps:         80000,
			BatchSize:          80,
			GradClip:           1.0,
			LRRampSteps:        100,
			LRDecaySteps:       3366,
			WeightDecay:        1e-6,
			LearningRateInit:   1e-4,
			LearningRateTarget: 1e-4,
			LogInterval:        25,
			CheckpointInterval: 1000,
			EvalInterval:       100,
			InputSize:          32,
			GenSize:            32,
			Pipeline:           "OfflinePipeline",
			Orchestrator:       "OfflineOrchestrator",
			Accelerate:         false,
		},
		Method: MethodConfig{
			Name:                "ilqlconfig",
			Tau:                 0.7,
			Gamma:               0.99,
			CQLScale:            0.1,
			AWACScale:           1,
			Alpha:               0.005,
			StepsForTargetQSync: 5,
			Beta:                0,
			TwoQs:               true,
		},
	}
}

// #endregion defaults

// #region load

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config. Unknown keys are
// ignored for forward compatibility; missing required keys fail validation
// before any resource is allocated. Identical input always yields an
// identical Config value.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal re-serializes the config. Parse∘Marshal round-trips.
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrConfig, err)
	}
	return out, nil
}

// #endregion load

// #region validate

// Validate checks required fields and numeric ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.Model.ModelPath == "" {
		problems = append(problems, "model.model_path is required")
	}
	if c.Model.ModelType == "" {
		problems = append(problems, "model.model_type is required")
	}
	if c.Model.TokenizerPath == "" {
		problems = append(problems, "model.tokenizer_path is required")
	}
	if c.Model.NumLayersUnfrozen < -1 {
		problems = append(problems, "model.num_layers_unfrozen must be -1 or >= 0")
	}

	t := c.Train
	if t.NCtx <= 0 {
		problems = append(problems, "train.n_ctx must be > 0")
	}
	if t.Epochs < 1 {
		problems = append(problems, "train.epochs must be >= 1")
	}
	if t.TotalSteps <= 0 {
		problems = append(problems, "train.total_steps must be > 0")
	}
	if t.BatchSize <= 0 {
		problems = append(problems, "train.batch_size must be > 0")
	}
	if !finite(t.GradClip) || t.GradClip <= 0 {
		problems = append(problems, "train.grad_clip must be finite and > 0")
	}
	if t.LRRampSteps < 0 {
		problems = append(problems, "train.lr_ramp_steps must be >= 0")
	}
	if t.LRDecaySteps < 0 {
		problems = append(problems, "train.lr_decay_steps must be >= 0")
	}
	if !finite(t.WeightDecay) || t.WeightDecay < 0 {
		problems = append(problems, "train.weight_decay must be finite and >= 0")
	}
	if !finite(t.LearningRateInit) || t.LearningRateInit <= 0 {
		problems = append(problems, "train.learning_rate_init must be finite and > 0")
	}
	if !finite(t.LearningRateTarget) || t.LearningRateTarget < 0 {
		problems = append(problems, "train.learning_rate_target must be finite and >= 0")
	}
	if t.LogInterval <= 0 {
		problems = append(problems, "train.log_interval must be > 0")
	}
	if t.CheckpointInterval <= 0 {
		problems = append(problems, "train.checkpoint_interval must be > 0")
	}
	if t.EvalInterval <= 0 {
		problems = append(problems, "train.eval_interval must be > 0")
	}
	if t.InputSize <= 0 {
		problems = append(problems, "train.input_size must be > 0")
	}
	if t.GenSize <= 0 {
		problems = append(problems, "train.gen_size must be > 0")
	}
	if t.InputSize > 0 && t.GenSize > 0 && t.NCtx > 0 && t.InputSize+t.GenSize > t.NCtx {
		problems = append(problems, "train.input_size + train.gen_size must not exceed train.n_ctx")
	}
	if t.Pipeline == "" {
		problems = append(problems, "train.pipeline is required")
	}
	if t.Orchestrator == "" {
		problems = append(problems, "train.orchestrator is required")
	}

	m := c.Method
	if m.Name == "" {
		problems = append(problems, "method.name is required")
	}
	if !finite(m.Tau) || m.Tau <= 0 || m.Tau > 1 {
		problems = append(problems, "method.tau must be in (0, 1]")
	}
	if !finite(m.Gamma) || m.Gamma < 0 || m.Gamma >= 1 {
		problems = append(problems, "method.gamma must be in [0, 1)")
	}
	if !finite(m.CQLScale) || m.CQLScale < 0 {
		problems = append(problems, "method.cql_scale must be finite and >= 0")
	}
	if !finite(m.AWACScale) || m.AWACScale < 0 {
		problems = append(problems, "method.awac_scale must be finite and >= 0")
	}
	if !finite(m.Alpha) || m.Alpha <= 0 || m.Alpha >= 1 {
		problems = append(problems, "method.alpha must be in (0, 1)")
	}
	if m.StepsForTargetQSync <= 0 {
		problems = append(problems, "method.steps_for_target_q_sync must be > 0")
	}
	if !finite(m.Beta) || m.Beta < 0 {
		problems = append(problems, "method.beta must be finite and >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %d problem(s), first: %s", ErrConfig, len(problems), problems[0])
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// #endregion validate
