package fault

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// copulaDraw samples n uniforms whose dependence follows a Gaussian copula
// with the given correlation matrix (row-major, n×n). The marginals are
// applied by the caller through Distribution.Quantile.
func copulaDraw(rng *rand.Rand, corr []float64, n int) ([]float64, error) {
	if len(corr) != n*n {
		return nil, fmt.Errorf("correlation matrix: got %d entries, want %d", len(corr), n*n)
	}
	sym := mat.NewSymDense(n, corr)
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("correlation matrix is not positive definite")
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	z := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		z.SetVec(i, rng.NormFloat64())
	}
	var correlated mat.VecDense
	correlated.MulVec(&lower, z)

	u := make([]float64, n)
	for i := 0; i < n; i++ {
		u[i] = normCDF(correlated.AtVec(i))
	}
	return u, nil
}

// pairCorrelation builds an n×n correlation matrix with a single off-diagonal
// coefficient between every declared pair.
func pairCorrelation(n int, rho float64) []float64 {
	m := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				m[i*n+j] = 1
			} else {
				m[i*n+j] = rho
			}
		}
	}
	return m
}
