// Package pruners provides early-stopping strategies for ascent studies.
//
// Every pruner compares a trial's intermediate values against sibling trials
// at the same step index only; values reported at different steps are never
// comparable resources.
package pruners

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/ascent"
)

// PercentilePruner prunes a trial whose latest reported value is worse than
// the given percentile of sibling values at the same step.
type PercentilePruner struct {
	// Percentile of the sibling distribution a trial must beat, in (0, 100].
	// 50 is the median. "Best" percentile is direction-aware: for a minimized
	// study the 25th percentile keeps only the best quarter.
	Percentile float64

	// NStartupTrials disables pruning until this many trials completed.
	NStartupTrials int

	// NWarmupSteps disables pruning for a trial's first steps.
	NWarmupSteps int

	// IntervalSteps spaces out pruning checks after warmup; 1 checks every step.
	IntervalSteps int
}

// NewMedianPruner returns a PercentilePruner at the 50th percentile with
// defaults matching the common median-pruning setup.
func NewMedianPruner() *PercentilePruner {
	return &PercentilePruner{Percentile: 50, NStartupTrials: 5, NWarmupSteps: 0, IntervalSteps: 1}
}

// NewPercentilePruner returns a pruner at the given percentile.
func NewPercentilePruner(percentile float64) *PercentilePruner {
	return &PercentilePruner{Percentile: percentile, NStartupTrials: 5, NWarmupSteps: 0, IntervalSteps: 1}
}

func (p *PercentilePruner) ShouldPrune(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (bool, error) {
	step, ok := trial.LastStep()
	if !ok {
		return false, nil
	}
	if step < p.NWarmupSteps {
		return false, nil
	}
	if interval := p.IntervalSteps; interval > 1 && (step-p.NWarmupSteps)%interval != 0 {
		return false, nil
	}

	siblings, err := study.Storage().GetAllTrials(ctx, study.ID())
	if err != nil {
		return false, err
	}

	completed := 0
	var atStep []float64
	for _, t := range siblings {
		if t.ID == trial.ID {
			continue
		}
		if t.State == ascent.StateComplete {
			completed++
		}
		// Compare against completed or still-running siblings that have
		// reported at exactly this step.
		if t.State != ascent.StateComplete && t.State != ascent.StateRunning {
			continue
		}
		if v, ok := t.IntermediateValues[step]; ok {
			atStep = append(atStep, v)
		}
	}
	if completed < p.NStartupTrials || len(atStep) == 0 {
		return false, nil
	}

	cutoff := bestPercentile(atStep, p.Percentile, study.Direction())
	value := trial.IntermediateValues[step]
	if study.Direction() == ascent.DirectionMaximize {
		return value < cutoff, nil
	}
	return value > cutoff, nil
}

// bestPercentile returns the cutoff value such that the given percentile of
// observations is at least as good as it, under the study direction.
func bestPercentile(values []float64, percentile float64, direction ascent.StudyDirection) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	p := percentile / 100
	if direction == ascent.DirectionMaximize {
		// Best values sort to the top; the cutoff sits that far from the top.
		p = 1 - p
	}
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
