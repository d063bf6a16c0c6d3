package gridsearch

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ascent"
)

func TestNewValidatesSpace(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(Space{"x": nil})
	assert.Error(t, err)

	s, err := New(Space{"x": {1.0, 2.0}, "y": {"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, 6, s.Size())
}

func TestGridVisitsEveryCellOnce(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{
		"x": {0.0, 1.0, 2.0},
		"y": {10, 20},
	})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-cover",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	type pair struct {
		x float64
		y int
	}
	var visited []pair
	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		x, err := trial.SuggestFloat("x", 0, 2)
		if err != nil {
			return 0, err
		}
		y, err := trial.SuggestInt("y", 10, 20)
		if err != nil {
			return 0, err
		}
		visited = append(visited, pair{x, y})
		return x + float64(y), nil
	}, ascent.MaxTrials(sampler.Size()))
	require.NoError(t, err)

	require.Len(t, visited, 6)
	sort.Slice(visited, func(i, j int) bool {
		if visited[i].x != visited[j].x {
			return visited[i].x < visited[j].x
		}
		return visited[i].y < visited[j].y
	})
	want := []pair{{0, 10}, {0, 20}, {1, 10}, {1, 20}, {2, 10}, {2, 20}}
	assert.Equal(t, want, visited)
}

func TestGridExhaustionStopsTheLoop(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{"x": {1.0, 2.0}})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-exhaust",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	calls := 0
	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		calls++
		x, err := trial.SuggestFloat("x", 0, 10)
		if err != nil {
			return 0, err
		}
		return x, nil
	}, ascent.MaxTrials(50))
	require.NoError(t, err)

	// Two cells plus the attempt that discovered exhaustion.
	assert.Equal(t, 3, calls)

	trials, err := study.Trials(ctx)
	require.NoError(t, err)
	complete := 0
	for _, tr := range trials {
		if tr.State == ascent.StateComplete {
			complete++
		}
	}
	assert.Equal(t, 2, complete)
}

func TestGridFailedTrialReleasesCell(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{"x": {1.0, 2.0}})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-release",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	failedFirst := false
	var seen []float64
	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		x, err := trial.SuggestFloat("x", 0, 10)
		if err != nil {
			return 0, err
		}
		if !failedFirst {
			failedFirst = true
			return 0, assert.AnError
		}
		seen = append(seen, x)
		return x, nil
	}, ascent.MaxTrials(10))
	require.NoError(t, err)

	// The failed trial's cell was re-evaluated, so both values complete.
	sort.Float64s(seen)
	assert.Equal(t, []float64{1, 2}, seen)
}

func TestGridRejectsUnknownParameter(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{"x": {1.0}})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-unknown",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		_, err := trial.SuggestFloat("z", 0, 1)
		assert.Error(t, err)
		return 0, nil
	}, ascent.MaxTrials(1))
	require.NoError(t, err)
}

func TestGridValueMustFitDistribution(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{"x": {5.0}})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-misfit",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		// The grid holds 5.0 but the objective only accepts [0, 1].
		_, err := trial.SuggestFloat("x", 0, 1)
		assert.Error(t, err)
		return 0, nil
	}, ascent.MaxTrials(1))
	require.NoError(t, err)
}

func TestGridCategoricalValues(t *testing.T) {
	ctx := context.Background()
	sampler, err := New(Space{"opt": {"adam", "sgd"}})
	require.NoError(t, err)

	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "grid-cat",
		ascent.WithSampler(sampler))
	require.NoError(t, err)

	var seen []interface{}
	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		v, err := trial.SuggestCategorical("opt", []interface{}{"adam", "sgd"})
		if err != nil {
			return 0, err
		}
		seen = append(seen, v)
		return 0, nil
	}, ascent.MaxTrials(2))
	require.NoError(t, err)

	assert.ElementsMatch(t, []interface{}{"adam", "sgd"}, seen)
}
