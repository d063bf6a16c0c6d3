package gpei

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// gp is a Gaussian process posterior over observations in the unit cube.
// Inputs are normalized per dimension and targets standardized before fitting,
// so one kernel length scale serves every search space.
type gp struct {
	kernel   Kernel
	noiseVar float64

	x     *mat.Dense
	alpha *mat.VecDense
	chol  *mat.Cholesky
}

// fitGP conditions the process on n observations of d normalized features.
func fitGP(kernel Kernel, noiseVar float64, x *mat.Dense, y *mat.VecDense) (*gp, error) {
	n, d := x.Dims()
	if n == 0 || d == 0 {
		return nil, fmt.Errorf("gpei: empty training data")
	}
	if n != y.Len() {
		return nil, fmt.Errorf("gpei: %d inputs but %d targets", n, y.Len())
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		for j := i; j < n; j++ {
			k.SetSym(i, j, kernel.Eval(xi, x.RawRowView(j)))
		}
	}

	// Escalate the diagonal jitter until the matrix factorizes; duplicated
	// observations otherwise make it singular.
	model := &gp{kernel: kernel, noiseVar: noiseVar, x: x}
	jitter := noiseVar
	for attempt := 0; attempt < 8; attempt++ {
		kj := mat.NewSymDense(n, nil)
		kj.CopySym(k)
		for i := 0; i < n; i++ {
			kj.SetSym(i, i, kj.At(i, i)+jitter)
		}

		var chol mat.Cholesky
		if !chol.Factorize(kj) {
			jitter *= 10
			continue
		}
		alpha := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(alpha, y); err != nil {
			jitter *= 10
			continue
		}
		model.alpha = alpha
		model.chol = &chol
		return model, nil
	}
	return nil, fmt.Errorf("gpei: kernel matrix is not positive definite")
}

// predict returns the posterior mean and variance at one normalized point.
func (g *gp) predict(xStar []float64) (mean, variance float64, err error) {
	n, _ := g.x.Dims()

	kStar := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		kStar.SetVec(i, g.kernel.Eval(xStar, g.x.RawRowView(i)))
	}

	mean = mat.Dot(kStar, g.alpha)

	v := mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(v, kStar); err != nil {
		return 0, 0, fmt.Errorf("gpei: posterior solve: %w", err)
	}
	variance = g.kernel.Eval(xStar, xStar) + g.noiseVar - mat.Dot(kStar, v)
	if variance < 0 {
		variance = 0
	}
	return mean, variance, nil
}
