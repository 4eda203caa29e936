package trainer

import "github.com/offlinekit/ilqlctl/internal/config"

// lrAt evaluates the ramp/decay schedule at a step: a linear ramp from 0
// to learning_rate_init over lr_ramp_steps, then linear decay toward
// learning_rate_target over lr_decay_steps, constant afterwards.
func lrAt(step int, t config.TrainConfig) float64 {
	if step < t.LRRampSteps {
		return t.LearningRateInit * float64(step) / float64(t.LRRampSteps)
	}
	if t.LRDecaySteps > 0 && step < t.LRRampSteps+t.LRDecaySteps {
		frac := float64(step-t.LRRampSteps) / float64(t.LRDecaySteps)
		return t.LearningRateInit + (t.LearningRateTarget-t.LearningRateInit)*frac
	}
	return t.LearningRateTarget
}
