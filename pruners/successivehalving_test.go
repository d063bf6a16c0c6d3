package pruners

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ascent"
)

func TestSuccessiveHalvingValidation(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-validate")
	require.NoError(t, err)
	trial := reportingTrial(t, study, 1, 0.5)

	bad := &SuccessiveHalvingPruner{MinResource: 0, ReductionFactor: 4}
	_, err = bad.ShouldPrune(ctx, study, trial)
	assert.Error(t, err)

	bad = &SuccessiveHalvingPruner{MinResource: 1, ReductionFactor: 1}
	_, err = bad.ShouldPrune(ctx, study, trial)
	assert.Error(t, err)
}

func TestSuccessiveHalvingBeforeFirstRung(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-early")
	require.NoError(t, err)

	pruner := &SuccessiveHalvingPruner{MinResource: 4, ReductionFactor: 2}
	trial := reportingTrial(t, study, 2, 0.5)

	// Step 2 has not reached the first rung at step 4.
	prune, err := pruner.ShouldPrune(ctx, study, trial)
	require.NoError(t, err)
	assert.False(t, prune)
}

func TestSuccessiveHalvingFirstCompetitorSurvives(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-first")
	require.NoError(t, err)

	pruner := NewSuccessiveHalvingPruner()
	trial := reportingTrial(t, study, 1, 0.9)

	prune, err := pruner.ShouldPrune(ctx, study, trial)
	require.NoError(t, err)
	assert.False(t, prune)

	// Surviving the rung leaves a persisted marker.
	frozen, err := study.Storage().GetTrial(ctx, trial.ID)
	require.NoError(t, err)
	_, ok := frozen.SystemAttrs[rungAttrKey(0)]
	assert.True(t, ok)
}

func TestSuccessiveHalvingCullsBottomOfRung(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-cull")
	require.NoError(t, err)

	pruner := &SuccessiveHalvingPruner{MinResource: 1, ReductionFactor: 2}

	// Four siblings pass rung 0 with values 1..4; with eta=2 the rung keeps
	// the best half.
	for _, v := range []float64{1, 2, 3, 4} {
		trial := reportingTrial(t, study, 1, v)
		prune, err := pruner.ShouldPrune(ctx, study, trial)
		require.NoError(t, err)
		_ = prune
	}

	worst := reportingTrial(t, study, 1, 10)
	prune, err := pruner.ShouldPrune(ctx, study, worst)
	require.NoError(t, err)
	assert.True(t, prune)

	best := reportingTrial(t, study, 1, 0.5)
	prune, err = pruner.ShouldPrune(ctx, study, best)
	require.NoError(t, err)
	assert.False(t, prune)
}

func TestSuccessiveHalvingMaximize(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-max", ascent.WithDirection(ascent.DirectionMaximize))
	require.NoError(t, err)

	pruner := &SuccessiveHalvingPruner{MinResource: 1, ReductionFactor: 2}
	for _, v := range []float64{1, 2, 3, 4} {
		trial := reportingTrial(t, study, 1, v)
		_, err := pruner.ShouldPrune(ctx, study, trial)
		require.NoError(t, err)
	}

	low := reportingTrial(t, study, 1, 0.1)
	prune, err := pruner.ShouldPrune(ctx, study, low)
	require.NoError(t, err)
	assert.True(t, prune)

	high := reportingTrial(t, study, 1, 9)
	prune, err = pruner.ShouldPrune(ctx, study, high)
	require.NoError(t, err)
	assert.False(t, prune)
}

func TestSuccessiveHalvingRungCheckedOnce(t *testing.T) {
	ctx := context.Background()
	storage := ascent.NewInMemoryStorage()
	study, err := ascent.CreateStudy(ctx, storage, "sha-once")
	require.NoError(t, err)

	pruner := &SuccessiveHalvingPruner{MinResource: 1, ReductionFactor: 2}
	trial := reportingTrial(t, study, 1, 5)

	prune, err := pruner.ShouldPrune(ctx, study, trial)
	require.NoError(t, err)
	require.False(t, prune)

	// A sibling beating it later does not retroactively cull the passed rung.
	_ = reportingTrial(t, study, 1, 0.1)
	frozen, err := study.Storage().GetTrial(ctx, trial.ID)
	require.NoError(t, err)
	prune, err = pruner.ShouldPrune(ctx, study, frozen)
	require.NoError(t, err)
	assert.False(t, prune)
}
