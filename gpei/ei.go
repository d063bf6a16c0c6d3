package gpei

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// expectedImprovement scores a candidate's posterior (mu, sigma) against the
// best loss seen so far. Losses are normalized so lower is always better, and
// xi biases the score toward exploration.
func expectedImprovement(bestLoss, mu, sigma, xi float64) float64 {
	improvement := bestLoss - mu - xi
	if sigma <= 1e-10 {
		return math.Max(0, improvement)
	}
	z := improvement / sigma
	return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}
