// Package reputation maintains provider reputation scores.
//
// A score is an exponential moving average over terminal escrow outcomes:
// each outcome moves the score a fixed fraction of the way toward 1.0
// (released) or 0.0 (refunded, expired, or resolved as a refund).
package reputation

import "math"

const (
	// Lambda is the weight of the newest outcome.
	Lambda = 0.1

	// Initial is the score a new account starts with.
	Initial = 0.5
)

// Outcome is the result of a terminal escrow as seen by its provider.
type Outcome float64

const (
	Success Outcome = 1.0
	Failure Outcome = 0.0
)

// OutcomeOf converts a success flag into an Outcome.
func OutcomeOf(success bool) Outcome {
	if success {
		return Success
	}
	return Failure
}

// Next returns λ·outcome + (1−λ)·old clamped to [0, 1].
func Next(old float64, outcome Outcome) float64 {
	if math.IsNaN(old) {
		old = Initial
	}
	return clamp(Lambda*float64(outcome) + (1-Lambda)*old)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // < 0.2
	TierEmerging    Tier = "emerging"    // 0.2-0.4
	TierEstablished Tier = "established" // 0.4-0.6
	TierTrusted     Tier = "trusted"     // 0.6-0.8
	TierElite       Tier = "elite"       // >= 0.8
)

// TierFor maps a score to its tier.
func TierFor(score float64) Tier {
	switch {
	case score >= 0.8:
		return TierElite
	case score >= 0.6:
		return TierTrusted
	case score >= 0.4:
		return TierEstablished
	case score >= 0.2:
		return TierEmerging
	default:
		return TierNew
	}
}
