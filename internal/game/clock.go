package game

import (
	"math"
	"time"
)

// GrowthBase controls the pacing of the multiplier curve. Changing it changes
// how fast rounds play out, not their fairness: the crash point is compared
// against elapsed time through this same curve everywhere.
const GrowthBase = 1.0003

// MultiplierAt maps elapsed time since round start to the live multiplier:
// floor(100 * GrowthBase^ms) / 100. Monotonic, starts at exactly 1.00 and is
// quantized to two decimals for display and comparison.
func MultiplierAt(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return MinMultiplier
	}
	m := math.Pow(GrowthBase, float64(elapsed.Milliseconds()))
	return math.Floor(m*100) / 100
}

// TimeToReach inverts MultiplierAt: the elapsed time at which the live
// multiplier reaches target. Used for scheduling estimates only; the round's
// stored crash point stays authoritative.
func TimeToReach(target float64) time.Duration {
	if target <= MinMultiplier {
		return 0
	}
	ms := math.Floor(math.Log(target) / math.Log(GrowthBase))
	return time.Duration(ms) * time.Millisecond
}
