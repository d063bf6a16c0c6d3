// Package gpei implements a Bayesian sampler: a Gaussian process surrogate
// over the study's intersection search space, with candidates chosen by
// expected improvement.
//
// The sampler works in relative mode over the numeric part of the
// intersection space; categorical parameters and parameters outside a stable
// intersection fall back to independent uniform sampling.
package gpei

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

// Sampler proposes parameters by maximizing expected improvement under a
// Gaussian process fitted to completed trials.
type Sampler struct {
	// NStartupTrials completed trials must exist before the surrogate is
	// consulted; below that everything samples uniformly.
	NStartupTrials int

	// NCandidates random points compete on expected improvement per trial.
	NCandidates int

	// Xi is the exploration bias of the acquisition function.
	Xi float64

	// NoiseVar is the observation noise assumed by the surrogate.
	NoiseVar float64

	// Kernel defaults to Matern52{LengthScale: 0.25, SignalVar: 1}.
	Kernel Kernel

	mu       sync.Mutex
	rng      *rand.Rand
	fallback *ascent.RandomSampler
}

// New returns a sampler with the conventional defaults.
func New() *Sampler {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a deterministic sampler for reproducible studies.
func NewSeeded(seed int64) *Sampler {
	return &Sampler{
		NStartupTrials: 10,
		NCandidates:    64,
		Xi:             0.01,
		NoiseVar:       1e-6,
		Kernel:         Matern52{LengthScale: 0.25, SignalVar: 1},
		rng:            rand.New(rand.NewSource(seed)),
		fallback:       ascent.NewSeededRandomSampler(seed + 1),
	}
}

func (s *Sampler) InferRelativeSearchSpace(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (map[string]distribution.Distribution, error) {
	space, err := ascent.IntersectionSearchSpace(ctx, study.Storage(), study.ID())
	if err != nil {
		return nil, err
	}
	// The surrogate models numeric dimensions only.
	for name, dist := range space {
		if _, ok := dist.(distribution.Categorical); ok {
			delete(space, name)
		}
		if dist.Single() {
			delete(space, name)
		}
	}
	return space, nil
}

func (s *Sampler) SampleRelative(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error) {
	if len(searchSpace) == 0 {
		return nil, nil
	}

	trials, err := study.Storage().GetAllTrials(ctx, study.ID())
	if err != nil {
		return nil, err
	}

	names := ascent.SortedParamNames(searchSpace)
	rows, losses := s.observations(trials, names, searchSpace, study.Direction())
	if len(rows) < s.NStartupTrials {
		return nil, nil
	}

	// Standardize losses so kernel amplitude 1 fits every objective scale.
	meanLoss := stat.Mean(losses, nil)
	stdLoss := stat.StdDev(losses, nil)
	if stdLoss <= 0 || math.IsNaN(stdLoss) {
		stdLoss = 1
	}
	y := mat.NewVecDense(len(losses), nil)
	bestLoss := math.Inf(1)
	for i, l := range losses {
		norm := (l - meanLoss) / stdLoss
		y.SetVec(i, norm)
		if norm < bestLoss {
			bestLoss = norm
		}
	}

	d := len(names)
	x := mat.NewDense(len(rows), d, nil)
	for i, row := range rows {
		x.SetRow(i, row)
	}

	model, err := fitGP(s.Kernel, s.NoiseVar, x, y)
	if err != nil {
		// A degenerate surrogate falls back to uniform sampling rather than
		// failing the trial.
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var bestCand []float64
	bestScore := math.Inf(-1)
	for c := 0; c < s.NCandidates; c++ {
		cand := make([]float64, d)
		for i := range cand {
			cand[i] = s.rng.Float64()
		}
		mu, variance, err := model.predict(cand)
		if err != nil {
			continue
		}
		score := expectedImprovement(bestLoss, mu, math.Sqrt(variance), s.Xi)
		if score > bestScore {
			bestScore = score
			bestCand = cand
		}
	}
	if bestCand == nil {
		return nil, nil
	}

	out := make(map[string]float64, d)
	for i, name := range names {
		out[name] = fromUnit(searchSpace[name], bestCand[i])
	}
	return out, nil
}

func (s *Sampler) SampleIndependent(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, name string, dist distribution.Distribution) (float64, error) {
	return s.fallback.SampleIndependent(ctx, study, trial, name, dist)
}

// observations collects the unit-cube feature rows and losses of completed
// trials that recorded every modeled parameter under a compatible distribution.
func (s *Sampler) observations(trials []ascent.FrozenTrial, names []string, space map[string]distribution.Distribution, direction ascent.StudyDirection) ([][]float64, []float64) {
	var rows [][]float64
	var losses []float64
	for _, t := range trials {
		if t.State != ascent.StateComplete || len(t.Values) == 0 {
			continue
		}
		row := make([]float64, len(names))
		ok := true
		for i, name := range names {
			v, has := t.InternalParams[name]
			if !has {
				ok = false
				break
			}
			d, has := t.Distributions[name]
			if !has || !distribution.Compatible(d, space[name]) {
				ok = false
				break
			}
			row[i] = toUnit(space[name], v)
		}
		if !ok {
			continue
		}
		loss := t.Values[0]
		if direction == ascent.DirectionMaximize {
			loss = -loss
		}
		rows = append(rows, row)
		losses = append(losses, loss)
	}
	return rows, losses
}

// toUnit maps an internal value into [0, 1], in log space for log scales.
func toUnit(dist distribution.Distribution, v float64) float64 {
	low, high, toDomain, _ := domain(dist)
	if high <= low {
		return 0
	}
	u := (toDomain(v) - low) / (high - low)
	return clampF(u, 0, 1)
}

// fromUnit maps a unit-cube coordinate back to an internal value, snapped to
// the distribution's grid where one exists.
func fromUnit(dist distribution.Distribution, u float64) float64 {
	low, high, _, fromDomain := domain(dist)
	v := fromDomain(low + u*(high-low))
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

func domain(dist distribution.Distribution) (low, high float64, toDomain, fromDomain func(float64) float64) {
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

func clampF(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
