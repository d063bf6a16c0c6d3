package tpe

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// parzenEstimator is a 1-D Parzen window (Gaussian mixture) over observed
// internal values, with one extra prior component spanning the full range so
// the density never vanishes anywhere in the domain.
type parzenEstimator struct {
	mus     []float64
	sigmas  []float64
	weights []float64
	low     float64
	high    float64
}

// newParzenEstimator builds the mixture for observations inside [low, high].
func newParzenEstimator(observations []float64, low, high float64) *parzenEstimator {
	n := len(observations)
	mus := make([]float64, 0, n+1)
	mus = append(mus, observations...)

	// Prior component: centered, wide as the whole domain.
	priorMu := (low + high) / 2
	priorSigma := high - low
	if priorSigma <= 0 {
		priorSigma = 1
	}
	mus = append(mus, priorMu)

	sigmas := make([]float64, len(mus))
	for i, mu := range mus[:n] {
		// Bandwidth from the distance to the farther domain edge, shrunk with
		// the sample count; clamped so the mixture neither collapses nor
		// flattens into the prior.
		spread := math.Max(mu-low, high-mu) / math.Max(1, math.Sqrt(float64(n)))
		minSigma := priorSigma / math.Max(100, float64(n+1))
		sigmas[i] = clampF(spread, minSigma, priorSigma)
	}
	sigmas[len(sigmas)-1] = priorSigma

	weights := make([]float64, len(mus))
	for i := range weights {
		weights[i] = 1 / float64(len(mus))
	}

	return &parzenEstimator{mus: mus, sigmas: sigmas, weights: weights, low: low, high: high}
}

// sample draws one value from the mixture, clipped to the domain.
func (p *parzenEstimator) sample(rng *rand.Rand) float64 {
	i := rng.Intn(len(p.mus))
	v := rng.NormFloat64()*p.sigmas[i] + p.mus[i]
	return clampF(v, p.low, p.high)
}

// logPDF evaluates the mixture's log density at x.
func (p *parzenEstimator) logPDF(x float64) float64 {
	var acc float64
	for i := range p.mus {
		n := distuv.Normal{Mu: p.mus[i], Sigma: p.sigmas[i]}
		acc += p.weights[i] * n.Prob(x)
	}
	if acc <= 0 {
		return math.Inf(-1)
	}
	return math.Log(acc)
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
