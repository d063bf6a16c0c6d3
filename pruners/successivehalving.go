package pruners

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/copyleftdev/ascent"
)

// rungAttrKey marks completion of a rung and stores the value observed there.
func rungAttrKey(rung int) string { return fmt.Sprintf("halving:rung:%d", rung) }

// SuccessiveHalvingPruner implements asynchronous successive halving: the
// resource schedule doubles by ReductionFactor at each rung, and only trials
// inside the top 1/ReductionFactor at a rung are allowed to continue past it.
//
// Rung completions are recorded in trial system attributes, so the decision
// is reconstructed from persisted history by whichever worker asks, without
// any pruner-local state.
type SuccessiveHalvingPruner struct {
	// MinResource is the step count of the first rung.
	MinResource int

	// ReductionFactor is eta: rung r ends at MinResource * eta^(r + MinEarlyStoppingRate).
	ReductionFactor int

	// MinEarlyStoppingRate delays the first rung, giving every trial more
	// budget before the first cull.
	MinEarlyStoppingRate int
}

// NewSuccessiveHalvingPruner returns a pruner with the conventional
// min_resource=1, eta=4 schedule.
func NewSuccessiveHalvingPruner() *SuccessiveHalvingPruner {
	return &SuccessiveHalvingPruner{MinResource: 1, ReductionFactor: 4}
}

func (p *SuccessiveHalvingPruner) ShouldPrune(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (bool, error) {
	if p.MinResource < 1 || p.ReductionFactor < 2 {
		return false, fmt.Errorf("pruners: successive halving needs min_resource >= 1 and reduction_factor >= 2")
	}
	step, ok := trial.LastStep()
	if !ok {
		return false, nil
	}
	value := trial.IntermediateValues[step]

	var siblings []ascent.FrozenTrial
	loaded := false

	for rung := 0; rung < 63; rung++ {
		promotion := p.rungResource(rung)
		if step < promotion {
			return false, nil
		}
		if _, done := trial.SystemAttrs[rungAttrKey(rung)]; done {
			continue
		}

		if !loaded {
			all, err := study.Storage().GetAllTrials(ctx, study.ID())
			if err != nil {
				return false, err
			}
			siblings = all
			loaded = true
		}

		if !p.topCompetitor(value, rung, trial, siblings, study.Direction()) {
			return true, nil
		}
		attr := strconv.FormatFloat(value, 'g', -1, 64)
		if err := study.Storage().SetTrialSystemAttr(ctx, trial.ID, rungAttrKey(rung), attr); err != nil {
			return false, err
		}
		trial.SystemAttrs[rungAttrKey(rung)] = attr
	}
	return false, nil
}

// rungResource returns the step at which the given rung is evaluated.
func (p *SuccessiveHalvingPruner) rungResource(rung int) int {
	eta := float64(p.ReductionFactor)
	return p.MinResource * int(math.Pow(eta, float64(rung+p.MinEarlyStoppingRate)))
}

// topCompetitor reports whether value survives the cull at the rung: it must
// be within the best 1/eta fraction of all values recorded at that rung.
func (p *SuccessiveHalvingPruner) topCompetitor(value float64, rung int, trial ascent.FrozenTrial, siblings []ascent.FrozenTrial, direction ascent.StudyDirection) bool {
	competitors := []float64{value}
	for _, t := range siblings {
		if t.ID == trial.ID {
			continue
		}
		if t.State != ascent.StateComplete && t.State != ascent.StateRunning && t.State != ascent.StatePruned {
			continue
		}
		raw, ok := t.SystemAttrs[rungAttrKey(rung)]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		competitors = append(competitors, v)
	}
	if len(competitors) == 1 {
		return true
	}

	sort.Float64s(competitors)
	if direction == ascent.DirectionMaximize {
		for i, j := 0, len(competitors)-1; i < j; i, j = i+1, j-1 {
			competitors[i], competitors[j] = competitors[j], competitors[i]
		}
	}
	// Keep ceil(n/eta) survivors, always at least one.
	keep := (len(competitors) + p.ReductionFactor - 1) / p.ReductionFactor
	cutoff := competitors[keep-1]
	if direction == ascent.DirectionMaximize {
		return value >= cutoff
	}
	return value <= cutoff
}
