// Package tpe implements the Tree-structured Parzen Estimator sampler.
//
// TPE is an independent-mode, model-based sampler: for each requested
// parameter it splits the completed trials into a "good" and a "bad" group at
// a quantile of their objective values, fits a Parzen density to each group's
// observed values for that parameter, and proposes the candidate maximizing
// the likelihood ratio l(x)/g(x). Until enough history exists it defers to
// uniform random sampling.
package tpe

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

// Sampler is a TPE sampler. Safe for use by one study at a time.
type Sampler struct {
	// NStartupTrials completed trials must exist before the model kicks in;
	// below that every suggestion is uniform random.
	NStartupTrials int

	// NEICandidates is the number of candidates drawn from the good density
	// and scored against the bad one.
	NEICandidates int

	// GammaFraction controls the good/bad split point.
	GammaFraction float64

	mu       sync.Mutex
	rng      *rand.Rand
	fallback *ascent.RandomSampler
}

// New returns a TPE sampler with the standard defaults (10 startup trials,
// 24 EI candidates, 10% gamma).
func New() *Sampler {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a deterministic TPE sampler for reproducible studies.
func NewSeeded(seed int64) *Sampler {
	return &Sampler{
		NStartupTrials: 10,
		NEICandidates:  24,
		GammaFraction:  0.1,
		rng:            rand.New(rand.NewSource(seed)),
		fallback:       ascent.NewSeededRandomSampler(seed + 1),
	}
}

func (s *Sampler) InferRelativeSearchSpace(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (map[string]distribution.Distribution, error) {
	return nil, nil
}

func (s *Sampler) SampleRelative(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error) {
	return nil, nil
}

func (s *Sampler) SampleIndependent(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, name string, dist distribution.Distribution) (float64, error) {
	if err := distribution.Validate(dist); err != nil {
		return 0, err
	}
	if dist.Single() {
		return s.fallback.SampleIndependent(ctx, study, trial, name, dist)
	}

	trials, err := study.Storage().GetAllTrials(ctx, study.ID())
	if err != nil {
		return 0, err
	}

	type observation struct {
		loss  float64 // objective value normalized so lower is better
		param float64 // internal parameter value
	}
	var obs []observation
	completed := 0
	for _, t := range trials {
		if t.State != ascent.StateComplete || len(t.Values) == 0 {
			continue
		}
		completed++
		v, ok := t.InternalParams[name]
		if !ok {
			continue
		}
		if d, ok := t.Distributions[name]; !ok || !distribution.Compatible(d, dist) {
			continue
		}
		loss := t.Values[0]
		if study.Direction() == ascent.DirectionMaximize {
			loss = -loss
		}
		obs = append(obs, observation{loss: loss, param: v})
	}

	if completed < s.NStartupTrials || len(obs) < 2 {
		return s.fallback.SampleIndependent(ctx, study, trial, name, dist)
	}

	sort.Slice(obs, func(i, j int) bool { return obs[i].loss < obs[j].loss })
	nBelow := s.gamma(len(obs))
	below := make([]float64, 0, nBelow)
	above := make([]float64, 0, len(obs)-nBelow)
	for i, o := range obs {
		if i < nBelow {
			below = append(below, o.param)
		} else {
			above = append(above, o.param)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := dist.(distribution.Categorical); ok {
		return s.sampleCategorical(c, below, above), nil
	}
	return s.sampleNumeric(dist, below, above)
}

// gamma returns the size of the good group, min(ceil(0.1 n), 25) by default.
func (s *Sampler) gamma(n int) int {
	g := int(math.Ceil(s.GammaFraction * float64(n)))
	if g > 25 {
		g = 25
	}
	if g < 1 {
		g = 1
	}
	return g
}

// sampleNumeric proposes the candidate maximizing log l(x) - log g(x) in the
// distribution's sampling domain (log-transformed for log scales).
func (s *Sampler) sampleNumeric(dist distribution.Distribution, below, above []float64) (float64, error) {
	low, high, toDomain, fromDomain := samplingDomain(dist)

	lowerObs := transformAll(below, toDomain)
	upperObs := transformAll(above, toDomain)
	good := newParzenEstimator(lowerObs, low, high)
	bad := newParzenEstimator(upperObs, low, high)

	best := math.Inf(-1)
	var bestX float64
	for i := 0; i < s.NEICandidates; i++ {
		x := good.sample(s.rng)
		score := good.logPDF(x) - bad.logPDF(x)
		if score > best {
			best = score
			bestX = x
		}
	}
	return snapInternal(dist, fromDomain(bestX)), nil
}

// sampleCategorical scores each choice index by its add-one smoothed weight in
// the good group over the bad group.
func (s *Sampler) sampleCategorical(dist distribution.Categorical, below, above []float64) float64 {
	k := len(dist.Choices)
	goodW := indexWeights(below, k)
	badW := indexWeights(above, k)

	// Draw candidates from the good weights, keep the best ratio.
	bestScore := math.Inf(-1)
	bestIdx := 0
	for i := 0; i < s.NEICandidates; i++ {
		idx := sampleIndex(s.rng, goodW)
		score := math.Log(goodW[idx]) - math.Log(badW[idx])
		if score > bestScore {
			bestScore = score
			bestIdx = idx
		}
	}
	return float64(bestIdx)
}

// indexWeights returns add-one smoothed, normalized counts per choice index.
func indexWeights(observations []float64, k int) []float64 {
	counts := make([]float64, k)
	for i := range counts {
		counts[i] = 1
	}
	for _, v := range observations {
		i := int(math.Round(v))
		if i >= 0 && i < k {
			counts[i]++
		}
	}
	total := float64(len(observations) + k)
	for i := range counts {
		counts[i] /= total
	}
	return counts
}

func sampleIndex(rng *rand.Rand, weights []float64) int {
	r := rng.Float64()
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return i
		}
	}
	return len(weights) - 1
}

// samplingDomain returns the numeric domain TPE models a distribution in,
// with transforms between internal values and that domain.
func samplingDomain(dist distribution.Distribution) (low, high float64, toDomain, fromDomain func(float64) float64) {
	id := func(v float64) float64 { return v }
	switch d := dist.(type) {
	case distribution.Uniform:
		return d.Low, d.High, id, id
	case distribution.LogUniform:
		return math.Log(d.Low), math.Log(d.High), math.Log, math.Exp
	case distribution.Discrete:
		return d.Low, d.High, id, id
	case distribution.Int:
		if d.Log {
			return math.Log(float64(d.Low)), math.Log(float64(d.High)), math.Log, math.Exp
		}
		return float64(d.Low), float64(d.High), id, id
	default:
		return 0, 1, id, id
	}
}

// snapInternal rounds the proposal onto the distribution's grid where one
// exists, keeping it inside the bounds.
func snapInternal(dist distribution.Distribution, v float64) float64 {
	switch d := dist.(type) {
	case distribution.Discrete:
		k := math.Round((v - d.Low) / d.Q)
		return clampF(d.Low+k*d.Q, d.Low, d.High)
	case distribution.Int:
		return clampF(math.Round(v), float64(d.Low), float64(d.High))
	default:
		return v
	}
}

func transformAll(values []float64, f func(float64) float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = f(v)
	}
	return out
}
