package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
)

func init() {
	Register("ilql_reference", func(ctx context.Context, opts BuildOptions) (Model, error) {
		return NewReference(opts)
	})
}

// refLayers is the trunk depth of the reference model.
const refLayers = 6

// #region reference-model

// Reference is a small in-process tabular model: a stack of per-token
// trunk tables feeding Q-heads, a V-head, and a policy head. It exists so
// the loop, the orchestrator math, and checkpointing can run end to end
// without a runner process; the heads and freeze semantics mirror what the
// runner exposes for a real GPT-2.
type Reference struct {
	vocab     int
	heads     int
	trunk     [][]float32 // [refLayers][vocab]
	trainable []bool      // per trunk layer
	qHead     [][]float32 // [heads][vocab]
	qTarget   [][]float32 // [heads][vocab]
	vHead     []float32
	piHead    []float32
}

// NewReference builds a reference model. model_path must be "gpt2" (fresh
// deterministic init) or an existing snapshot file.
func NewReference(opts BuildOptions) (*Reference, error) {
	if opts.VocabSize <= 0 {
		return nil, fmt.Errorf("%w: reference model needs a vocab size", ErrLoad)
	}
	if opts.Model.Device != "" && opts.Model.Device != "cpu" {
		log.Printf("[MODEL] reference model ignores device %q, running on cpu", opts.Model.Device)
	}

	m := &Reference{vocab: opts.VocabSize, heads: opts.NumQHeads}
	m.initParams()
	m.setUnfrozen(opts.Model.NumLayersUnfrozen)

	switch {
	case opts.Model.ModelPath == "gpt2":
		// fresh init
	default:
		blob, err := os.ReadFile(opts.Model.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("%w: model_path %q: %v", ErrLoad, opts.Model.ModelPath, err)
		}
		if err := m.Restore(context.Background(), blob); err != nil {
			return nil, fmt.Errorf("%w: model_path %q: %v", ErrLoad, opts.Model.ModelPath, err)
		}
	}
	return m, nil
}

func (m *Reference) initParams() {
	rng := rand.New(rand.NewSource(42))
	table := func(n int) []float32 {
		t := make([]float32, n)
		for i := range t {
			t[i] = float32(rng.NormFloat64()) * 0.02
		}
		return t
	}
	m.trunk = make([][]float32, refLayers)
	for l := range m.trunk {
		m.trunk[l] = table(m.vocab)
	}
	m.qHead = make([][]float32, m.heads)
	m.qTarget = make([][]float32, m.heads)
	for h := 0; h < m.heads; h++ {
		m.qHead[h] = table(m.vocab)
		m.qTarget[h] = append([]float32(nil), m.qHead[h]...)
	}
	m.vHead = table(m.vocab)
	m.piHead = table(m.vocab)
	m.trainable = make([]bool, refLayers)
}

// setUnfrozen resolves num_layers_unfrozen: -1 unfreezes everything, N >= 0
// leaves only the last N trunk layers trainable (earlier layers frozen
// first). Heads are always trainable.
func (m *Reference) setUnfrozen(n int) {
	for l := range m.trainable {
		if n < 0 {
			m.trainable[l] = true
		} else {
			m.trainable[l] = l >= refLayers-n
		}
	}
}

// #endregion reference-model

// #region forward

// Forward computes Q/targetQ/V/logπ per token. Padded positions stay zero.
func (m *Reference) Forward(ctx context.Context, tokens [][]int, mask [][]float32) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bs := len(tokens)
	out := &Output{
		Q:       make([][][]float32, m.heads),
		TargetQ: make([][][]float32, m.heads),
		V:       make([][]float32, bs),
		LogProb: make([][]float32, bs),
	}
	for h := 0; h < m.heads; h++ {
		out.Q[h] = make([][]float32, bs)
		out.TargetQ[h] = make([][]float32, bs)
	}

	for b := 0; b < bs; b++ {
		seq := len(tokens[b])
		out.V[b] = make([]float32, seq)
		out.LogProb[b] = make([]float32, seq)
		for h := 0; h < m.heads; h++ {
			out.Q[h][b] = make([]float32, seq)
			out.TargetQ[h][b] = make([]float32, seq)
		}
		for t := 0; t < seq; t++ {
			if mask[b][t] == 0 {
				continue
			}
			tok := tokens[b][t]
			if tok < 0 || tok >= m.vocab {
				return nil, fmt.Errorf("token id %d out of range [0, %d)", tok, m.vocab)
			}
			s := m.trunkSum(tok)
			for h := 0; h < m.heads; h++ {
				out.Q[h][b][t] = s + m.qHead[h][tok]
				out.TargetQ[h][b][t] = s + m.qTarget[h][tok]
			}
			out.V[b][t] = s + m.vHead[tok]
			out.LogProb[b][t] = logSigmoid(s + m.piHead[tok])
		}
	}
	return out, nil
}

func (m *Reference) trunkSum(tok int) float32 {
	var s float32
	for l := 0; l < refLayers; l++ {
		s += m.trunk[l][tok]
	}
	return s
}

// logSigmoid(x) = -log(1 + exp(-x)), the policy head's log-score.
func logSigmoid(x float32) float32 {
	return float32(-math.Log1p(math.Exp(-float64(x))))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// #endregion forward

// #region apply

// Apply maps per-token gradient signals to parameter gradients, clips the
// global L2 norm at clip, and steps with decoupled weight decay. Frozen
// trunk layers accumulate no gradient and receive no decay.
func (m *Reference) Apply(ctx context.Context, g *StepGrad, tokens [][]int, mask [][]float32, lr, clip, weightDecay float32) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	gTrunk := make([][]float32, refLayers)
	for l := range gTrunk {
		gTrunk[l] = make([]float32, m.vocab)
	}
	gQ := make([][]float32, m.heads)
	for h := range gQ {
		gQ[h] = make([]float32, m.vocab)
	}
	gV := make([]float32, m.vocab)
	gPi := make([]float32, m.vocab)

	addTrunk := func(tok int, d float32) {
		for l := 0; l < refLayers; l++ {
			if m.trainable[l] {
				gTrunk[l][tok] += d
			}
		}
	}

	for b := range tokens {
		for t := range tokens[b] {
			if mask[b][t] == 0 {
				continue
			}
			tok := tokens[b][t]
			for h := 0; h < m.heads; h++ {
				d := g.DQ[h][b][t]
				gQ[h][tok] += d
				addTrunk(tok, d)
			}
			dv := g.DV[b][t]
			gV[tok] += dv
			addTrunk(tok, dv)

			if dlp := g.DLogProb[b][t]; dlp != 0 {
				x := m.trunkSum(tok) + m.piHead[tok]
				dx := dlp * sigmoid(-x)
				gPi[tok] += dx
				addTrunk(tok, dx)
			}
		}
	}

	// Global pre-clip norm over everything that will be applied.
	var sumSq float64
	accum := func(vec []float32) {
		for _, v := range vec {
			sumSq += float64(v) * float64(v)
		}
	}
	for l := 0; l < refLayers; l++ {
		if m.trainable[l] {
			accum(gTrunk[l])
		}
	}
	for h := 0; h < m.heads; h++ {
		accum(gQ[h])
	}
	accum(gV)
	accum(gPi)
	norm := float32(math.Sqrt(sumSq))

	scale := float32(1)
	if clip > 0 && norm > clip {
		scale = clip / norm
	}

	step := func(params, grads []float32) {
		for i := range params {
			params[i] -= lr * (scale*grads[i] + weightDecay*params[i])
		}
	}
	for l := 0; l < refLayers; l++ {
		if m.trainable[l] {
			step(m.trunk[l], gTrunk[l])
		}
	}
	for h := 0; h < m.heads; h++ {
		step(m.qHead[h], gQ[h])
	}
	step(m.vHead, gV)
	step(m.piHead, gPi)

	return norm, nil
}

// #endregion apply

// #region target-q

// NumQHeads reports the Q-head count.
func (m *Reference) NumQHeads() int { return m.heads }

// QParams returns a copy of the online Q-head tables, one per head.
func (m *Reference) QParams() ([][]float32, error) {
	return copyTables(m.qHead), nil
}

// TargetQParams returns a copy of the target Q-head tables.
func (m *Reference) TargetQParams() ([][]float32, error) {
	return copyTables(m.qTarget), nil
}

// SetTargetQParams overwrites the target Q-head tables.
func (m *Reference) SetTargetQParams(params [][]float32) error {
	if len(params) != m.heads {
		return fmt.Errorf("expected %d heads, got %d", m.heads, len(params))
	}
	for h, p := range params {
		if len(p) != m.vocab {
			return fmt.Errorf("head %d: expected %d params, got %d", h, m.vocab, len(p))
		}
		copy(m.qTarget[h], p)
	}
	return nil
}

func copyTables(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i, t := range src {
		out[i] = append([]float32(nil), t...)
	}
	return out
}

// #endregion target-q

// Close is a no-op for the in-process model.
func (m *Reference) Close() error { return nil }

// #region snapshot

const snapshotMagic = uint32(0x494C5131) // "ILQ1"

// Snapshot serializes every table little-endian for the checkpoint store.
func (m *Reference) Snapshot(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	w := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	w(snapshotMagic)
	w(uint32(m.vocab))
	w(uint32(refLayers))
	w(uint32(m.heads))
	for _, flag := range m.trainable {
		if flag {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	writeTable := func(t []float32) {
		for _, f := range t {
			w(math.Float32bits(f))
		}
	}
	for l := 0; l < refLayers; l++ {
		writeTable(m.trunk[l])
	}
	for h := 0; h < m.heads; h++ {
		writeTable(m.qHead[h])
	}
	for h := 0; h < m.heads; h++ {
		writeTable(m.qTarget[h])
	}
	writeTable(m.vHead)
	writeTable(m.piHead)
	return buf.Bytes(), nil
}

// Restore loads a snapshot produced by Snapshot. Vocab and head counts
// must match the built model.
func (m *Reference) Restore(ctx context.Context, blob []byte) error {
	r := bytes.NewReader(blob)
	u32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}
	magic, err := u32()
	if err != nil || magic != snapshotMagic {
		return fmt.Errorf("not a reference model snapshot")
	}
	vocab, _ := u32()
	layers, _ := u32()
	heads, err := u32()
	if err != nil {
		return fmt.Errorf("truncated snapshot header")
	}
	if int(vocab) != m.vocab || int(layers) != refLayers || int(heads) != m.heads {
		return fmt.Errorf("snapshot shape %d/%d/%d does not match model %d/%d/%d",
			vocab, layers, heads, m.vocab, refLayers, m.heads)
	}
	flags := make([]byte, refLayers)
	if _, err := io.ReadFull(r, flags); err != nil {
		return fmt.Errorf("truncated snapshot flags")
	}
	for l, f := range flags {
		m.trainable[l] = f == 1
	}
	readTable := func(t []float32) error {
		for i := range t {
			bits, err := u32()
			if err != nil {
				return fmt.Errorf("truncated snapshot table")
			}
			t[i] = math.Float32frombits(bits)
		}
		return nil
	}
	for l := 0; l < refLayers; l++ {
		if err := readTable(m.trunk[l]); err != nil {
			return err
		}
	}
	for h := 0; h < m.heads; h++ {
		if err := readTable(m.qHead[h]); err != nil {
			return err
		}
	}
	for h := 0; h < m.heads; h++ {
		if err := readTable(m.qTarget[h]); err != nil {
			return err
		}
	}
	if err := readTable(m.vHead); err != nil {
		return err
	}
	return readTable(m.piHead)
}

// #endregion snapshot
