package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/offlinekit/ilqlctl/internal/config"
	"github.com/offlinekit/ilqlctl/internal/model"
	"github.com/offlinekit/ilqlctl/internal/pipeline"
)

// ErrStep marks a step whose tensors went non-finite. The loop skips the
// step and reports it; it is never fatal on its own.
var ErrStep = errors.New("step error")

// awacWeightCap bounds exp(beta * advantage) before awac_scale is applied,
// keeping one outlier advantage from dominating the batch.
const awacWeightCap = 20.0

// #region types

// ShapedBatch is a pipeline batch with the method's derived tensors
// attached: discounted reward-to-go per token.
type ShapedBatch struct {
	Tokens  [][]int
	Mask    [][]float32
	Rewards [][]float32
	Returns [][]float32
	Epoch   int
}

// StepLoss is the assembled ILQL objective for one batch, with the
// per-token gradient signals the model consumes.
type StepLoss struct {
	Total   float64
	QLoss   float64
	VLoss   float64
	CQLLoss float64
	PiLoss  float64
	Tokens  int
	Grad    *model.StepGrad
}

// Shaper turns raw pipeline batches into method-ready tensors and
// maintains the target-Q network.
type Shaper interface {
	Shape(raw *pipeline.Batch) (*ShapedBatch, error)
	Loss(shaped *ShapedBatch, out *model.Output) (*StepLoss, error)
	MaybeSync(step int, m model.Model) (bool, error)
}

// #endregion types

// #region registry

// Factory builds a shaper from the method hyperparameters.
type Factory func(method config.MethodConfig) (Shaper, error)

var registry = map[string]Factory{}

// Register installs a named orchestrator factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// Build resolves a registered orchestrator by the config's string
// identifier.
func Build(name string, method config.MethodConfig) (Shaper, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown orchestrator %q (registered: %v)", name, Registered())
	}
	return f(method)
}

// Registered lists registered orchestrator names, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("OfflineOrchestrator", func(method config.MethodConfig) (Shaper, error) {
		return NewOffline(method), nil
	})
}

// #endregion registry

// #region offline-orchestrator

// Offline shapes pre-collected batches for the ILQL objective.
type Offline struct {
	method config.MethodConfig
}

// NewOffline creates the offline shaper.
func NewOffline(method config.MethodConfig) *Offline {
	return &Offline{method: method}
}

// Shape computes discounted reward-to-go per token. A non-finite reward
// anywhere in the batch fails with ErrStep.
func (o *Offline) Shape(raw *pipeline.Batch) (*ShapedBatch, error) {
	gamma := float32(o.method.Gamma)
	returns := make([][]float32, len(raw.Rewards))

	for b, rewards := range raw.Rewards {
		ret := make([]float32, len(rewards))
		var acc float32
		for t := len(rewards) - 1; t >= 0; t-- {
			if raw.Mask[b][t] == 0 {
				continue
			}
			if !finite32(rewards[t]) {
				return nil, fmt.Errorf("%w: non-finite reward at row %d pos %d", ErrStep, b, t)
			}
			acc = rewards[t] + gamma*acc
			ret[t] = acc
		}
		returns[b] = ret
	}

	return &ShapedBatch{
		Tokens:  raw.Tokens,
		Mask:    raw.Mask,
		Rewards: raw.Rewards,
		Returns: returns,
		Epoch:   raw.Epoch,
	}, nil
}

// Loss assembles the ILQL objective from the model outputs:
//   - Q heads regress on r + gamma * min-target-Q(next), double-Q
//     bootstrapping when two_qs is set,
//   - V trains by expectile regression against the bootstrapped value,
//     weighted |alpha - 1{u<0}|,
//   - a conservative penalty cql_scale * q^2 pushes down Q mass,
//   - the policy term is AWAC-weighted NLL with weight
//     awac_scale * exp(beta * advantage), exponential capped.
//
// Gradients are means over real tokens. Non-finite inputs or outputs fail
// with ErrStep.
func (o *Offline) Loss(shaped *ShapedBatch, out *model.Output) (*StepLoss, error) {
	heads := len(out.TargetQ)
	if heads == 0 || len(out.Q) != heads {
		return nil, fmt.Errorf("%w: model produced %d online / %d target Q heads", ErrStep, len(out.Q), heads)
	}
	gamma := o.method.Gamma
	alpha := o.method.Alpha
	cql := o.method.CQLScale
	awac := o.method.AWACScale
	beta := o.method.Beta

	grad := &model.StepGrad{
		DQ:       make([][][]float32, heads),
		DV:       make([][]float32, len(shaped.Tokens)),
		DLogProb: make([][]float32, len(shaped.Tokens)),
	}
	for h := 0; h < heads; h++ {
		grad.DQ[h] = make([][]float32, len(shaped.Tokens))
	}

	var loss StepLoss
	count := 0

	for b := range shaped.Tokens {
		seq := len(shaped.Tokens[b])
		grad.DV[b] = make([]float32, seq)
		grad.DLogProb[b] = make([]float32, seq)
		for h := 0; h < heads; h++ {
			grad.DQ[h][b] = make([]float32, seq)
		}

		for t := 0; t < seq; t++ {
			if shaped.Mask[b][t] == 0 {
				continue
			}

			boot := bootstrapValue(out.TargetQ, b, t)
			next := float64(0)
			if t+1 < seq && shaped.Mask[b][t+1] != 0 {
				next = bootstrapValue(out.TargetQ, b, t+1)
			}
			y := float64(shaped.Rewards[b][t]) + gamma*next

			v := float64(out.V[b][t])
			logp := float64(out.LogProb[b][t])
			if !finite(y) || !finite(v) || !finite(logp) || !finite(boot) {
				return nil, fmt.Errorf("%w: non-finite tensors at row %d pos %d", ErrStep, b, t)
			}

			for h := 0; h < heads; h++ {
				q := float64(out.Q[h][b][t])
				if !finite(q) {
					return nil, fmt.Errorf("%w: non-finite Q at head %d row %d pos %d", ErrStep, h, b, t)
				}
				qd := q - y
				loss.QLoss += qd * qd
				loss.CQLLoss += cql * q * q
				grad.DQ[h][b][t] = float32(2*qd + 2*cql*q)
			}

			// Expectile regression of V toward the bootstrapped value.
			u := boot - v
			w := math.Abs(alpha - indicator(u < 0))
			loss.VLoss += w * u * u
			grad.DV[b][t] = float32(-2 * w * u)

			// AWAC-weighted NLL on the policy head; the advantage is the
			// same bootstrapped-minus-V quantity.
			wA := awac * math.Min(math.Exp(beta*u), awacWeightCap)
			loss.PiLoss += -wA * logp
			grad.DLogProb[b][t] = float32(-wA)

			count++
		}
	}

	if count == 0 {
		return nil, fmt.Errorf("%w: batch has no real tokens", ErrStep)
	}

	inv := 1 / float64(count)
	loss.QLoss *= inv
	loss.VLoss *= inv
	loss.CQLLoss *= inv
	loss.PiLoss *= inv
	loss.Total = loss.QLoss + loss.VLoss + loss.CQLLoss + loss.PiLoss
	loss.Tokens = count
	if !finite(loss.Total) {
		return nil, fmt.Errorf("%w: non-finite loss", ErrStep)
	}

	scaleGrad(grad, float32(inv))
	loss.Grad = grad
	return &loss, nil
}

// MaybeSync refreshes the target-Q network every steps_for_target_q_sync
// steps: target = tau*online + (1-tau)*target. tau = 1 is an exact copy.
// Returns whether a sync happened.
func (o *Offline) MaybeSync(step int, m model.Model) (bool, error) {
	if step == 0 || step%o.method.StepsForTargetQSync != 0 {
		return false, nil
	}
	online, err := m.QParams()
	if err != nil {
		return false, fmt.Errorf("fetch online q params: %w", err)
	}
	target, err := m.TargetQParams()
	if err != nil {
		return false, fmt.Errorf("fetch target q params: %w", err)
	}
	blended, err := Polyak(online, target, o.method.Tau)
	if err != nil {
		return false, err
	}
	if err := m.SetTargetQParams(blended); err != nil {
		return false, fmt.Errorf("set target q params: %w", err)
	}
	return true, nil
}

// #endregion offline-orchestrator

// #region helpers

// bootstrapValue is the value used for TD targets: with two Q-heads it is
// the elementwise minimum (double-Q, never above either head), with one it
// is that head's target estimate.
func bootstrapValue(targetQ [][][]float32, b, t int) float64 {
	min := float64(targetQ[0][b][t])
	for h := 1; h < len(targetQ); h++ {
		if v := float64(targetQ[h][b][t]); v < min {
			min = v
		}
	}
	return min
}

// Polyak blends online into target: tau*online + (1-tau)*target, per head.
func Polyak(online, target [][]float32, tau float64) ([][]float32, error) {
	if len(online) != len(target) {
		return nil, fmt.Errorf("head count mismatch: %d online vs %d target", len(online), len(target))
	}
	tf := float32(tau)
	out := make([][]float32, len(online))
	for h := range online {
		if len(online[h]) != len(target[h]) {
			return nil, fmt.Errorf("head %d: param length mismatch", h)
		}
		out[h] = make([]float32, len(online[h]))
		for i := range online[h] {
			out[h][i] = tf*online[h][i] + (1-tf)*target[h][i]
		}
	}
	return out, nil
}

func scaleGrad(g *model.StepGrad, s float32) {
	for h := range g.DQ {
		for b := range g.DQ[h] {
			for t := range g.DQ[h][b] {
				g.DQ[h][b][t] *= s
			}
		}
	}
	for b := range g.DV {
		for t := range g.DV[b] {
			g.DV[b][t] *= s
			g.DLogProb[b][t] *= s
		}
	}
}

func indicator(cond bool) float64 {
	if cond {
		return 1
	}
	return 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finite32(f float32) bool {
	return finite(float64(f))
}

// #endregion helpers
