// Package risk holds the pure trailing-stop math. No state, no I/O: the
// execution engine feeds it prices and stores whatever comes back.
package risk

import "execution-core/internal/position"

// TrailingConfig sets the two-stage trailing stop parameters. Percentages
// are human-scale (3.0 means 3%).
type TrailingConfig struct {
	InitialTrailPct   float64 // stop distance while stage is INITIAL
	TightenedTrailPct float64 // stop distance after tightening
	TightenTriggerPct float64 // profit that flips INITIAL -> TIGHTENED
}

// DefaultTrailingConfig mirrors the production defaults: a wide 3% stop
// until the position is 1% in profit, then a tight 0.1% stop.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		InitialTrailPct:   3.0,
		TightenedTrailPct: 0.1,
		TightenTriggerPct: 1.0,
	}
}

// ProfitPct returns the unlevered percentage return of a position marked at
// last. Zero for FLAT or a non-positive entry.
func ProfitPct(side position.Side, entry, last float64) float64 {
	if entry <= 0 {
		return 0
	}
	switch side {
	case position.SideLong:
		return (last - entry) / entry * 100.0
	case position.SideShort:
		return (entry - last) / entry * 100.0
	default:
		return 0
	}
}

// stopCandidate derives a stop price at trailPct distance from ref.
func stopCandidate(side position.Side, ref, trailPct float64) float64 {
	t := trailPct / 100.0
	if side == position.SideShort {
		return ref * (1.0 + t)
	}
	return ref * (1.0 - t)
}

// ComputeStop returns the updated stop price and stage for a position marked
// at last. The stage transition is one-way: once TIGHTENED, later calls never
// return INITIAL. The stop only ever moves in the risk-reducing direction; a
// candidate that would loosen protection is discarded in favor of the stored
// stop.
func ComputeStop(cfg TrailingConfig, side position.Side, entry, last, storedStop float64, stage position.StopStage) (float64, position.StopStage) {
	if side == position.SideFlat || side == "" {
		return storedStop, stage
	}

	if stage != position.StageTightened && ProfitPct(side, entry, last) >= cfg.TightenTriggerPct {
		stage = position.StageTightened
	}

	trailPct := cfg.InitialTrailPct
	if stage == position.StageTightened {
		trailPct = cfg.TightenedTrailPct
	}

	candidate := stopCandidate(side, last, trailPct)
	if storedStop <= 0 {
		return candidate, stage
	}

	if side == position.SideLong {
		if candidate > storedStop {
			return candidate, stage
		}
		return storedStop, stage
	}
	if candidate < storedStop {
		return candidate, stage
	}
	return storedStop, stage
}

// InitialStop seeds the stop for a freshly opened position from its entry.
func InitialStop(cfg TrailingConfig, side position.Side, entry float64) float64 {
	return stopCandidate(side, entry, cfg.InitialTrailPct)
}

// Breached reports whether last has crossed the stop against the position's
// favor. A zero stop never triggers.
func Breached(side position.Side, last, stop float64) bool {
	if stop <= 0 {
		return false
	}
	switch side {
	case position.SideLong:
		return last <= stop
	case position.SideShort:
		return last >= stop
	default:
		return false
	}
}
