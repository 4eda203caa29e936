package pipeline

import (
	"fmt"
	"sort"

	"github.com/offlinekit/ilqlctl/internal/config"
)

// #region types

// Example is one offline interaction: a token sequence with a per-token
// reward tail covering the generated region.
type Example struct {
	Tokens  []int     `json:"tokens"`
	Text    string    `json:"text,omitempty"`
	Rewards []float32 `json:"rewards"`
}

// Batch is an ephemeral, padded slice of examples. Tokens and Rewards are
// [batch][seq]; Mask is 1 for real tokens and 0 for padding. Consumed
// immediately by the orchestrator, never retained.
type Batch struct {
	Tokens  [][]int
	Mask    [][]float32
	Rewards [][]float32
	Epoch   int
}

// SeqLen returns the padded sequence length of the batch.
func (b *Batch) SeqLen() int {
	if len(b.Tokens) == 0 {
		return 0
	}
	return len(b.Tokens[0])
}

// Encoder turns raw text into token ids. Satisfied by model.Tokenizer.
type Encoder interface {
	Encode(text string) []int
}

// Pipeline supplies a lazy, restartable sequence of offline examples.
// Exhausting the dataset wraps around (epoch boundary) rather than
// terminating; epochs and total_steps both bound the loop upstream.
type Pipeline interface {
	NextBatch(n int) (*Batch, error)
	Epoch() int
	BatchesPerEpoch(n int) int
	Reset()
}

// #endregion types

// #region registry

// Options carries everything a pipeline factory may need.
type Options struct {
	Train     config.TrainConfig
	Source    string  // dataset path, format up to the implementation
	Tokenizer Encoder // may be nil when the dataset is pre-tokenized
}

// Factory builds a pipeline from options.
type Factory func(opts Options) (Pipeline, error)

var registry = map[string]Factory{}

// Register installs a named pipeline factory. Later registrations with the
// same name override earlier ones.
func Register(name string, f Factory) {
	registry[name] = f
}

// Build resolves a registered pipeline by the config's string identifier.
func Build(name string, opts Options) (Pipeline, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (registered: %v)", name, Registered())
	}
	return f(opts)
}

// Registered lists registered pipeline names, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// #endregion registry
