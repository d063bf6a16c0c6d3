package ascent

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ascent/distribution"
)

func TestRandomSamplerStaysInBounds(t *testing.T) {
	ctx := context.Background()
	s := NewSeededRandomSampler(1)

	dists := []distribution.Distribution{
		distribution.Uniform{Low: -2, High: 2},
		distribution.LogUniform{Low: 1e-4, High: 10},
		distribution.Discrete{Low: 0, High: 1, Q: 0.25},
		distribution.Int{Low: 3, High: 9},
		distribution.Int{Low: 1, High: 1000, Log: true},
		distribution.Categorical{Choices: []interface{}{"a", "b", "c"}},
	}
	for _, d := range dists {
		for i := 0; i < 200; i++ {
			v, err := s.SampleIndependent(ctx, nil, FrozenTrial{}, "p", d)
			require.NoError(t, err)
			assert.True(t, d.Contains(v), "%v sampled %v outside %+v", d.Kind(), v, d)
		}
	}
}

func TestRandomSamplerDiscreteOnGrid(t *testing.T) {
	ctx := context.Background()
	s := NewSeededRandomSampler(2)
	d := distribution.Discrete{Low: 0.5, High: 2.5, Q: 0.5}

	for i := 0; i < 100; i++ {
		v, err := s.SampleIndependent(ctx, nil, FrozenTrial{}, "q", d)
		require.NoError(t, err)
		k := (v - d.Low) / d.Q
		assert.InDelta(t, math.Round(k), k, 1e-9, "value %v is off the grid", v)
	}
}

func TestRandomSamplerCategoricalCoversAllIndices(t *testing.T) {
	ctx := context.Background()
	s := NewSeededRandomSampler(3)
	d := distribution.Categorical{Choices: []interface{}{"x", "y", "z"}}

	seen := map[int]bool{}
	for i := 0; i < 300; i++ {
		v, err := s.SampleIndependent(ctx, nil, FrozenTrial{}, "c", d)
		require.NoError(t, err)
		seen[int(v)] = true
	}
	assert.Len(t, seen, 3)
}

func TestRandomSamplerSeedReproducible(t *testing.T) {
	ctx := context.Background()
	d := distribution.Uniform{Low: 0, High: 1}

	a := NewSeededRandomSampler(7)
	b := NewSeededRandomSampler(7)
	for i := 0; i < 20; i++ {
		va, err := a.SampleIndependent(ctx, nil, FrozenTrial{}, "p", d)
		require.NoError(t, err)
		vb, err := b.SampleIndependent(ctx, nil, FrozenTrial{}, "p", d)
		require.NoError(t, err)
		assert.Equal(t, va, vb)
	}
}

func TestRandomSamplerRejectsInvalidDistribution(t *testing.T) {
	ctx := context.Background()
	s := NewSeededRandomSampler(4)
	_, err := s.SampleIndependent(ctx, nil, FrozenTrial{}, "bad", distribution.Uniform{Low: 2, High: 1})
	assert.Error(t, err)
}

func TestRandomSamplerOptsOutOfRelative(t *testing.T) {
	ctx := context.Background()
	s := NewRandomSampler()

	space, err := s.InferRelativeSearchSpace(ctx, nil, FrozenTrial{})
	require.NoError(t, err)
	assert.Empty(t, space)

	params, err := s.SampleRelative(ctx, nil, FrozenTrial{}, nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}
