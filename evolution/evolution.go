// Package evolution implements an evolutionary relative sampler.
//
// Each generation, the sampler refits a Gaussian search distribution to the
// elite fraction of completed trials over the study's intersection search
// space, then proposes offspring by perturbing that distribution. The fitted
// state is serialized into a study system attribute after every refit, so a
// worker process started mid-study (or after a crash) continues the same
// lineage instead of restarting from scratch.
package evolution

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/ascent"
	"github.com/copyleftdev/ascent/distribution"
)

// sysAttrState holds the serialized optimizer state on the study.
const sysAttrState = "evolution:state"

// state is the persisted per-generation search distribution.
type state struct {
	Generation int                  `json:"generation"`
	Mean       map[string]float64   `json:"mean"`
	Sigma      map[string]float64   `json:"sigma"`
	Weights    map[string][]float64 `json:"weights,omitempty"` // categorical index weights
}

// Sampler is an evolutionary sampler.
type Sampler struct {
	// PopulationSize completed trials form one generation.
	PopulationSize int

	// ElitePortion of each generation parents the next one.
	ElitePortion float64

	mu       sync.Mutex
	rng      *rand.Rand
	fallback *ascent.RandomSampler
}

// New returns a sampler with population 10 and elite portion 0.5.
func New() *Sampler {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a deterministic sampler for reproducible studies.
func NewSeeded(seed int64) *Sampler {
	return &Sampler{
		PopulationSize: 10,
		ElitePortion:   0.5,
		rng:            rand.New(rand.NewSource(seed)),
		fallback:       ascent.NewSeededRandomSampler(seed + 1),
	}
}

func (s *Sampler) InferRelativeSearchSpace(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial) (map[string]distribution.Distribution, error) {
	return ascent.IntersectionSearchSpace(ctx, study.Storage(), study.ID())
}

func (s *Sampler) SampleRelative(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, searchSpace map[string]distribution.Distribution) (map[string]float64, error) {
	if len(searchSpace) == 0 {
		return nil, nil
	}

	trials, err := study.Storage().GetAllTrials(ctx, study.ID())
	if err != nil {
		return nil, err
	}
	var completed []ascent.FrozenTrial
	for _, t := range trials {
		if t.State == ascent.StateComplete && len(t.Values) > 0 {
			completed = append(completed, t)
		}
	}
	if len(completed) < s.PopulationSize {
		// Not enough history for a first generation; bootstrap randomly.
		return nil, nil
	}

	generation := len(completed) / s.PopulationSize
	st, err := s.loadState(ctx, study)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Generation != generation {
		st = s.refit(generation, completed, searchSpace, study.Direction())
		if err := s.storeState(ctx, study, st); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(searchSpace))
	for _, name := range ascent.SortedParamNames(searchSpace) {
		dist := searchSpace[name]
		if c, ok := dist.(distribution.Categorical); ok {
			weights, ok := st.Weights[name]
			if !ok || len(weights) != len(c.Choices) {
				out[name] = float64(s.rng.Intn(len(c.Choices)))
				continue
			}
			out[name] = float64(weightedIndex(s.rng, weights))
			continue
		}
		mu, okM := st.Mean[name]
		sigma, okS := st.Sigma[name]
		if !okM || !okS {
			continue
		}
		low, high, _, fromDomain := bounds(dist)
		v := s.rng.NormFloat64()*sigma + mu
		v = fromDomain(clampF(v, low, high))
		out[name] = snap(dist, v)
	}
	return out, nil
}

func (s *Sampler) SampleIndependent(ctx context.Context, study *ascent.Study, trial ascent.FrozenTrial, name string, dist distribution.Distribution) (float64, error) {
	return s.fallback.SampleIndependent(ctx, study, trial, name, dist)
}

// refit fits mean/sigma (and categorical weights) to the elite of the
// completed trials, in each distribution's sampling domain.
func (s *Sampler) refit(generation int, completed []ascent.FrozenTrial, space map[string]distribution.Distribution, direction ascent.StudyDirection) *state {
	sort.Slice(completed, func(i, j int) bool {
		a, b := completed[i].Values[0], completed[j].Values[0]
		if direction == ascent.DirectionMaximize {
			return a > b
		}
		return a < b
	})
	nElite := int(math.Ceil(s.ElitePortion * float64(s.PopulationSize)))
	if nElite > len(completed) {
		nElite = len(completed)
	}
	elite := completed[:nElite]

	st := &state{
		Generation: generation,
		Mean:       make(map[string]float64),
		Sigma:      make(map[string]float64),
		Weights:    make(map[string][]float64),
	}
	for name, dist := range space {
		if c, ok := dist.(distribution.Categorical); ok {
			counts := make([]float64, len(c.Choices))
			for i := range counts {
				counts[i] = 1 // add-one prior
			}
			total := float64(len(c.Choices))
			for _, t := range elite {
				i := int(math.Round(t.InternalParams[name]))
				if i >= 0 && i < len(counts) {
					counts[i]++
					total++
				}
			}
			for i := range counts {
				counts[i] /= total
			}
			st.Weights[name] = counts
			continue
		}

		low, high, toDomain, _ := bounds(dist)
		var sum, sumSq float64
		n := 0
		for _, t := range elite {
			v, ok := t.InternalParams[name]
			if !ok {
				continue
			}
			x := toDomain(v)
			sum += x
			sumSq += x * x
			n++
		}
		if n == 0 {
			continue
		}
		mean := sum / float64(n)
		variance := sumSq/float64(n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		sigma := math.Sqrt(variance)
		// Sigma floor keeps exploration alive once the elite clusters.
		if floor := (high - low) / 20; sigma < floor {
			sigma = floor
		}
		st.Mean[name] = mean
		st.Sigma[name] = sigma
	}
	return st
}

func (s *Sampler) loadState(ctx context.Context, study *ascent.Study) (*state, error) {
	attrs, err := study.Storage().GetStudySystemAttrs(ctx, study.ID())
	if err != nil {
		return nil, err
	}
	raw, ok := attrs[sysAttrState]
	if !ok {
		return nil, nil
	}
	var st state
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// A corrupt state is recoverable: refit from trial history.
		return nil, nil
	}
	return &st, nil
}

func (s *Sampler) storeState(ctx context.Context, study *ascent.Study, st *state) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return study.Storage().SetStudySystemAttr(ctx, study.ID(), sysAttrState, string(raw))
}

// bounds returns the sampling domain of a numeric distribution and the
// transforms between internal values and that domain.
func bounds(dist distribution.Distribution) (low, high float64, toDomain, fromDomain func(float64) float64) {
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

func snap(dist distribution.Distribution, v float64) float64 {
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

func weightedIndex(rng *rand.Rand, weights []float64) int {
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

func clampF(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
