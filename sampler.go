package ascent

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/copyleftdev/ascent/distribution"
)

// Sampler proposes parameter values for running trials.
//
// Relative sampling runs once per trial over a stable joint search space and
// may pre-commit values for any subset of it; independent sampling is the
// universal per-parameter fallback and must succeed for any valid
// distribution. Samplers are not shared across worker processes: any state
// that must survive a restart belongs in study or trial attributes, not in
// the sampler itself.
type Sampler interface {
	// InferRelativeSearchSpace returns the joint space the sampler wants to
	// sample relatively for this trial. An empty map opts out.
	InferRelativeSearchSpace(ctx context.Context, study *Study, trial FrozenTrial) (map[string]distribution.Distribution, error)

	// SampleRelative jointly samples internal values for a subset of the given
	// search space. Called once per trial, lazily, before the first suggestion
	// that could use it.
	SampleRelative(ctx context.Context, study *Study, trial FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error)

	// SampleIndependent samples an internal value for one parameter.
	SampleIndependent(ctx context.Context, study *Study, trial FrozenTrial, name string, dist distribution.Distribution) (float64, error)
}

// RandomSampler samples every parameter uniformly and independently. It is the
// default sampler, the bootstrap sampler of the model-based strategies, and
// the reference behavior for every distribution kind.
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSampler returns a sampler seeded from the clock.
func NewRandomSampler() *RandomSampler {
	return NewSeededRandomSampler(time.Now().UnixNano())
}

// NewSeededRandomSampler returns a sampler with a fixed seed, for
// reproducible studies.
func NewSeededRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) InferRelativeSearchSpace(ctx context.Context, study *Study, trial FrozenTrial) (map[string]distribution.Distribution, error) {
	return nil, nil
}

func (s *RandomSampler) SampleRelative(ctx context.Context, study *Study, trial FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error) {
	return nil, nil
}

func (s *RandomSampler) SampleIndependent(ctx context.Context, study *Study, trial FrozenTrial, name string, dist distribution.Distribution) (float64, error) {
	if err := distribution.Validate(dist); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uniformInternal(s.rng, dist), nil
}

// uniformInternal draws a uniform internal value: log-domain for log scales,
// a choice index for categoricals.
func uniformInternal(rng *rand.Rand, dist distribution.Distribution) float64 {
	switch d := dist.(type) {
	case distribution.Uniform:
		return d.Low + rng.Float64()*(d.High-d.Low)
	case distribution.LogUniform:
		logLow, logHigh := math.Log(d.Low), math.Log(d.High)
		return math.Exp(logLow + rng.Float64()*(logHigh-logLow))
	case distribution.Discrete:
		n := int(math.Floor((d.High-d.Low)/d.Q)) + 1
		return d.Low + float64(rng.Intn(n))*d.Q
	case distribution.Int:
		if d.Log {
			logLow, logHigh := math.Log(float64(d.Low)), math.Log(float64(d.High)+1)
			v := math.Exp(logLow + rng.Float64()*(logHigh-logLow))
			return clamp(math.Floor(v), float64(d.Low), float64(d.High))
		}
		return float64(d.Low + rng.Intn(d.High-d.Low+1))
	case distribution.Categorical:
		return float64(rng.Intn(len(d.Choices)))
	default:
		return 0
	}
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
