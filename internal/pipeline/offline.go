package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

func init() {
	Register("OfflinePipeline", func(opts Options) (Pipeline, error) {
		return NewOffline(opts)
	})
}

// #region offline-pipeline

// Offline serves pre-collected examples from a JSONL dataset in a fixed
// order, wrapping around at the end of each epoch.
type Offline struct {
	examples []Example
	seqLen   int
	cursor   int
	epoch    int
}

// NewOffline loads a JSONL dataset (one Example per line) and returns a
// pipeline over it. Rows carrying text instead of tokens require a
// tokenizer. An empty dataset is a construction-time error, never a
// runtime wrap.
func NewOffline(opts Options) (*Offline, error) {
	f, err := os.Open(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	seqLen := opts.Train.InputSize + opts.Train.GenSize

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if len(ex.Tokens) == 0 && ex.Text != "" {
			if opts.Tokenizer == nil {
				return nil, fmt.Errorf("dataset line %d: text row but no tokenizer configured", line)
			}
			ex.Tokens = opts.Tokenizer.Encode(ex.Text)
		}
		if len(ex.Tokens) == 0 {
			return nil, fmt.Errorf("dataset line %d: no tokens", line)
		}
		if len(ex.Tokens) > seqLen {
			ex.Tokens = ex.Tokens[:seqLen]
		}
		if len(ex.Rewards) > len(ex.Tokens) {
			ex.Rewards = ex.Rewards[:len(ex.Tokens)]
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", opts.Source)
	}

	return &Offline{examples: examples, seqLen: seqLen}, nil
}

// NewStatic builds an in-memory pipeline over the given examples. Used by
// tests and dry runs.
func NewStatic(examples []Example, seqLen int) (*Offline, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("no examples")
	}
	return &Offline{examples: examples, seqLen: seqLen}, nil
}

// NextBatch returns the next n examples, padded to the pipeline's sequence
// length. Crossing the end of the dataset increments the epoch counter and
// continues from the start.
func (p *Offline) NextBatch(n int) (*Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", n)
	}

	b := &Batch{
		Tokens:  make([][]int, n),
		Mask:    make([][]float32, n),
		Rewards: make([][]float32, n),
		Epoch:   p.epoch,
	}
	for i := 0; i < n; i++ {
		ex := p.examples[p.cursor]
		b.Tokens[i], b.Mask[i], b.Rewards[i] = pad(ex, p.seqLen)
		p.cursor++
		if p.cursor == len(p.examples) {
			p.cursor = 0
			p.epoch++
		}
	}
	return b, nil
}

// Epoch reports how many full passes over the dataset have completed.
func (p *Offline) Epoch() int { return p.epoch }

// BatchesPerEpoch reports how many NextBatch(n) calls cover one epoch,
// rounding up.
func (p *Offline) BatchesPerEpoch(n int) int {
	if n <= 0 {
		return 0
	}
	return (len(p.examples) + n - 1) / n
}

// Reset rewinds to the start of the dataset and zeroes the epoch counter.
func (p *Offline) Reset() {
	p.cursor = 0
	p.epoch = 0
}

// Len reports the number of examples in the dataset.
func (p *Offline) Len() int { return len(p.examples) }

func pad(ex Example, seqLen int) (tokens []int, mask, rewards []float32) {
	tokens = make([]int, seqLen)
	mask = make([]float32, seqLen)
	rewards = make([]float32, seqLen)

	copy(tokens, ex.Tokens)
	for i := range ex.Tokens {
		mask[i] = 1
	}
	// Rewards align to the tail of the real tokens: the generated region.
	off := len(ex.Tokens) - len(ex.Rewards)
	for i, r := range ex.Rewards {
		rewards[off+i] = r
	}
	return tokens, mask, rewards
}

// #endregion offline-pipeline
