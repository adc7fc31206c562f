package risk

import (
	"testing"

	"execution-core/internal/position"
)

func TestProfitPct(t *testing.T) {
	tests := []struct {
		name  string
		side  position.Side
		entry float64
		last  float64
		want  float64
	}{
		{"long gain", position.SideLong, 100, 102, 2.0},
		{"long loss", position.SideLong, 100, 95, -5.0},
		{"short gain", position.SideShort, 100, 98, 2.0},
		{"short loss", position.SideShort, 100, 103, -3.0},
		{"flat", position.SideFlat, 100, 120, 0},
		{"zero entry", position.SideLong, 0, 120, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProfitPct(tt.side, tt.entry, tt.last); got != tt.want {
				t.Fatalf("ProfitPct=%v, expected %v", got, tt.want)
			}
		})
	}
}

// Stop price for a LONG must be non-decreasing as price rises.
func TestComputeStopMonotonicLong(t *testing.T) {
	cfg := DefaultTrailingConfig()
	entry := 100.0
	stop := InitialStop(cfg, position.SideLong, entry)
	stage := position.StageInitial

	prev := stop
	for _, last := range []float64{100, 100.4, 100.9, 101.2, 102, 101.5, 103, 102.2, 105} {
		stop, stage = ComputeStop(cfg, position.SideLong, entry, last, stop, stage)
		if stop < prev {
			t.Fatalf("stop loosened: %.4f -> %.4f at last=%.2f", prev, stop, last)
		}
		prev = stop
	}
}

func TestComputeStopMonotonicShort(t *testing.T) {
	cfg := DefaultTrailingConfig()
	entry := 100.0
	stop := InitialStop(cfg, position.SideShort, entry)
	stage := position.StageInitial

	prev := stop
	for _, last := range []float64{100, 99.5, 99.0, 99.3, 98.5, 98.9, 97} {
		stop, stage = ComputeStop(cfg, position.SideShort, entry, last, stop, stage)
		if stop > prev {
			t.Fatalf("stop loosened: %.4f -> %.4f at last=%.2f", prev, stop, last)
		}
		prev = stop
	}
}

// Once TIGHTENED the stage never reverts, even if profit falls back under
// the trigger.
func TestStageOneWay(t *testing.T) {
	cfg := DefaultTrailingConfig()
	entry := 100.0
	stop := InitialStop(cfg, position.SideLong, entry)
	stage := position.StageInitial

	stop, stage = ComputeStop(cfg, position.SideLong, entry, 101.5, stop, stage)
	if stage != position.StageTightened {
		t.Fatalf("stage=%s after +1.5%% profit, expected TIGHTENED", stage)
	}

	// Price falls back below the trigger.
	_, stage = ComputeStop(cfg, position.SideLong, entry, 100.2, stop, stage)
	if stage != position.StageTightened {
		t.Fatalf("stage reverted to %s", stage)
	}
}

func TestTightenedStopIsNarrow(t *testing.T) {
	cfg := DefaultTrailingConfig()
	entry := 100.0
	stop := InitialStop(cfg, position.SideLong, entry)

	stop, _ = ComputeStop(cfg, position.SideLong, entry, 102, stop, position.StageInitial)
	want := 102 * (1 - cfg.TightenedTrailPct/100)
	if stop != want {
		t.Fatalf("tightened stop=%.4f, expected %.4f", stop, want)
	}
}

func TestBreached(t *testing.T) {
	tests := []struct {
		name string
		side position.Side
		last float64
		stop float64
		want bool
	}{
		{"long above stop", position.SideLong, 101, 97, false},
		{"long at stop", position.SideLong, 97, 97, true},
		{"long below stop", position.SideLong, 96.5, 97, true},
		{"short below stop", position.SideShort, 99, 103, false},
		{"short above stop", position.SideShort, 103.5, 103, true},
		{"zero stop never triggers", position.SideLong, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Breached(tt.side, tt.last, tt.stop); got != tt.want {
				t.Fatalf("Breached=%v, expected %v", got, tt.want)
			}
		})
	}
}
