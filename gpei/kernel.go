package gpei

import "math"

// Kernel is a covariance function over normalized parameter vectors.
type Kernel interface {
	Eval(x1, x2 []float64) float64
}

// Matern52 is the Matérn 5/2 kernel, the default choice: smooth enough for
// gradient-free search yet tolerant of the kinks real objectives have.
type Matern52 struct {
	LengthScale float64
	SignalVar   float64
}

func (k Matern52) Eval(x1, x2 []float64) float64 {
	var sumSq float64
	for i := range x1 {
		d := x1[i] - x2[i]
		sumSq += d * d
	}
	r := math.Sqrt(sumSq) / k.LengthScale
	poly := 1 + math.Sqrt(5)*r + (5.0/3.0)*r*r
	return k.SignalVar * poly * math.Exp(-math.Sqrt(5)*r)
}

// RBF is the squared-exponential kernel.
type RBF struct {
	LengthScale float64
	SignalVar   float64
}

func (k RBF) Eval(x1, x2 []float64) float64 {
	var sumSq float64
	for i := range x1 {
		d := x1[i] - x2[i]
		sumSq += d * d
	}
	return k.SignalVar * math.Exp(-sumSq/(2*k.LengthScale*k.LengthScale))
}
