package train

import "math"

// StepDecay returns the learning rate for the given 1-based epoch under a
// step-decay policy: the base rate multiplied by factor once for every
// complete multiple of decayEvery epochs elapsed.
//
// It is a pure function of its arguments, so calling it repeatedly with the
// same epoch always yields the same rate. A decayEvery <= 0 means the rate
// never decays, and base is returned unchanged.
func StepDecay(epoch int, base float64, decayEvery int, factor float64) float64 {
	if decayEvery <= 0 {
		return base
	}
	return base * math.Pow(factor, float64(epoch/decayEvery))
}
