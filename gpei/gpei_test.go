package gpei

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

func TestKernels(t *testing.T) {
	m := Matern52{LengthScale: 1, SignalVar: 2}
	assert.InDelta(t, 2.0, m.Eval([]float64{0.3}, []float64{0.3}), 1e-12)
	assert.Greater(t, m.Eval([]float64{0}, []float64{0.1}), m.Eval([]float64{0}, []float64{0.9}))

	r := RBF{LengthScale: 1, SignalVar: 1}
	assert.InDelta(t, 1.0, r.Eval([]float64{0.5, 0.5}, []float64{0.5, 0.5}), 1e-12)
	assert.InDelta(t, math.Exp(-0.5), r.Eval([]float64{0}, []float64{1}), 1e-12)
}

func TestGPInterpolatesTrainingPoints(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{0.1, 0.5, 0.9})
	y := mat.NewVecDense(3, []float64{1, -1, 1})

	model, err := fitGP(Matern52{LengthScale: 0.25, SignalVar: 1}, 1e-6, x, y)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mean, variance, err := model.predict(x.RawRowView(i))
		require.NoError(t, err)
		assert.InDelta(t, y.AtVec(i), mean, 0.05)
		assert.Less(t, variance, 0.01)
	}

	// Far from the data the posterior is uncertain.
	_, varFar, err := model.predict([]float64{10})
	require.NoError(t, err)
	assert.Greater(t, varFar, 0.5)
}

func TestGPHandlesDuplicateObservations(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0.5, 0.5, 0.5, 0.5})
	y := mat.NewVecDense(4, []float64{1, 1, 1, 1})

	_, err := fitGP(Matern52{LengthScale: 0.25, SignalVar: 1}, 1e-6, x, y)
	assert.NoError(t, err, "jitter escalation must absorb duplicated rows")
}

func TestGPRejectsMismatchedDims(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewVecDense(3, []float64{0, 1, 2})
	_, err := fitGP(Matern52{LengthScale: 0.25, SignalVar: 1}, 1e-6, x, y)
	assert.Error(t, err)
}

func TestExpectedImprovement(t *testing.T) {
	// A candidate clearly below the best loss scores high.
	good := expectedImprovement(0, -1, 0.1, 0)
	// One clearly above scores near zero.
	bad := expectedImprovement(0, 1, 0.1, 0)
	assert.Greater(t, good, bad)
	assert.GreaterOrEqual(t, bad, 0.0)

	// With zero uncertainty EI is the plain improvement.
	assert.InDelta(t, 0.5, expectedImprovement(1, 0.5, 0, 0), 1e-12)
	assert.Equal(t, 0.0, expectedImprovement(0, 1, 0, 0))

	// Uncertainty keeps hopeless candidates slightly alive.
	assert.Greater(t, expectedImprovement(0, 1, 2.0, 0), 0.0)
}

func newGPStudy(t *testing.T, opts ...ascent.StudyOption) *ascent.Study {
	t.Helper()
	study, err := ascent.CreateStudy(context.Background(), ascent.NewInMemoryStorage(), t.Name(), opts...)
	require.NoError(t, err)
	return study
}

func seedQuadratic(t *testing.T, study *ascent.Study, dist distribution.Distribution, xs []float64) {
	t.Helper()
	ctx := context.Background()
	for _, x := range xs {
		trialID, err := study.Storage().CreateNewTrial(ctx, study.ID(), nil)
		require.NoError(t, err)
		require.NoError(t, study.Storage().SetTrialParam(ctx, trialID, "x", x, dist))
		require.NoError(t, study.Storage().SetTrialStateValues(ctx, trialID, ascent.StateComplete, []float64{(x - 2) * (x - 2)}))
	}
}

func TestSamplerBootstrapsBelowStartup(t *testing.T) {
	ctx := context.Background()
	study := newGPStudy(t)
	s := NewSeeded(1)
	dist := distribution.Uniform{Low: -10, High: 10}

	seedQuadratic(t, study, dist, []float64{-5, 0, 5})

	space, err := s.InferRelativeSearchSpace(ctx, study, ascent.FrozenTrial{})
	require.NoError(t, err)
	params, err := s.SampleRelative(ctx, study, ascent.FrozenTrial{}, space)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestSamplerProposesNearOptimum(t *testing.T) {
	ctx := context.Background()
	study := newGPStudy(t)
	s := NewSeeded(2)
	dist := distribution.Uniform{Low: -10, High: 10}

	xs := []float64{-9, -6, -3, -1, 0, 1, 2, 3, 5, 7, 9}
	seedQuadratic(t, study, dist, xs)

	space, err := s.InferRelativeSearchSpace(ctx, study, ascent.FrozenTrial{})
	require.NoError(t, err)
	require.Contains(t, space, "x")

	hits := 0
	const draws = 10
	for i := 0; i < draws; i++ {
		params, err := s.SampleRelative(ctx, study, ascent.FrozenTrial{}, space)
		require.NoError(t, err)
		require.Contains(t, params, "x")
		v := params["x"]
		assert.True(t, dist.Contains(v))
		if math.Abs(v-2) < 4 {
			hits++
		}
	}
	assert.Greater(t, hits, draws/2, "EI should concentrate proposals near the minimum")
}

func TestSamplerExcludesCategoricalAndSingle(t *testing.T) {
	ctx := context.Background()
	study := newGPStudy(t)
	s := NewSeeded(3)

	u := distribution.Uniform{Low: 0, High: 1}
	c := distribution.Categorical{Choices: []interface{}{"a", "b"}}
	point := distribution.Uniform{Low: 4, High: 4}

	trialID, err := study.Storage().CreateNewTrial(ctx, study.ID(), nil)
	require.NoError(t, err)
	require.NoError(t, study.Storage().SetTrialParam(ctx, trialID, "x", 0.5, u))
	require.NoError(t, study.Storage().SetTrialParam(ctx, trialID, "opt", 0, c))
	require.NoError(t, study.Storage().SetTrialParam(ctx, trialID, "fixed", 4, point))
	require.NoError(t, study.Storage().SetTrialStateValues(ctx, trialID, ascent.StateComplete, []float64{1}))

	space, err := s.InferRelativeSearchSpace(ctx, study, ascent.FrozenTrial{})
	require.NoError(t, err)
	assert.Contains(t, space, "x")
	assert.NotContains(t, space, "opt")
	assert.NotContains(t, space, "fixed")
}

func TestSamplerEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(4)
	study, err := ascent.CreateStudy(ctx, ascent.NewInMemoryStorage(), "gpei-e2e", ascent.WithSampler(s))
	require.NoError(t, err)

	err = study.Optimize(ctx, func(trial *ascent.Trial) (float64, error) {
		x, err := trial.SuggestFloat("x", -10, 10)
		if err != nil {
			return 0, err
		}
		return (x - 2) * (x - 2), nil
	}, ascent.MaxTrials(30))
	require.NoError(t, err)

	best, err := study.BestValue(ctx)
	require.NoError(t, err)
	assert.Less(t, best, 10.0)
}

func TestUnitTransforms(t *testing.T) {
	u := distribution.Uniform{Low: -2, High: 2}
	assert.InDelta(t, 0.5, toUnit(u, 0), 1e-12)
	assert.InDelta(t, 0.0, fromUnit(u, 0.5), 1e-12)

	lg := distribution.LogUniform{Low: 1e-4, High: 1}
	assert.InDelta(t, 0.5, toUnit(lg, 1e-2), 1e-9)
	assert.InDelta(t, 1e-2, fromUnit(lg, 0.5), 1e-9)

	i := distribution.Int{Low: 0, High: 10}
	assert.Equal(t, 7.0, fromUnit(i, 0.7))
}
