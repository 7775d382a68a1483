package fault

import (
	"fmt"
	"math"
	"math/rand"
)

// Distribution describes how a fault parameter or trigger time is sampled.
// Kinds: "uniform" (Min..Max), "normal" (Mean, StdDev), "weibull"
// (Shape, Scale), "exponential" (Rate), "poisson" (Rate, first-arrival time).
type Distribution struct {
	Kind   string  `yaml:"kind"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stddev"`
	Shape  float64 `yaml:"shape"`
	Scale  float64 `yaml:"scale"`
	Rate   float64 `yaml:"rate"`
}

// Validate checks the parameters for the declared kind.
func (d Distribution) Validate() error {
	switch d.Kind {
	case "uniform":
		if d.Max < d.Min {
			return fmt.Errorf("uniform: max %g below min %g", d.Max, d.Min)
		}
	case "normal":
		if d.StdDev < 0 {
			return fmt.Errorf("normal: negative stddev %g", d.StdDev)
		}
	case "weibull":
		if d.Shape <= 0 || d.Scale <= 0 {
			return fmt.Errorf("weibull: shape %g and scale %g must be positive", d.Shape, d.Scale)
		}
	case "exponential", "poisson":
		if d.Rate <= 0 {
			return fmt.Errorf("%s: rate %g must be positive", d.Kind, d.Rate)
		}
	default:
		return fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
	return nil
}

// Sample draws one value.
func (d Distribution) Sample(rng *rand.Rand) float64 {
	return d.Quantile(rng.Float64())
}

// Quantile maps a uniform u in (0,1) through the inverse CDF. Sampling goes
// through here so copula-correlated draws reuse the same marginals.
func (d Distribution) Quantile(u float64) float64 {
	u = math.Min(math.Max(u, 1e-12), 1-1e-12)
	switch d.Kind {
	case "uniform":
		return d.Min + u*(d.Max-d.Min)
	case "normal":
		return d.Mean + d.StdDev*normInv(u)
	case "weibull":
		return weibullQuantile(u, d.Shape, d.Scale)
	case "exponential", "poisson":
		// First arrival of a Poisson process is exponential with the same rate.
		return -math.Log(1.0-u) / d.Rate
	default:
		return 0
	}
}

// CDF evaluates the distribution's CDF at x, used for goodness-of-fit
// checks over ensemble trigger times.
func (d Distribution) CDF(x float64) float64 {
	switch d.Kind {
	case "uniform":
		if d.Max == d.Min {
			return 0
		}
		return math.Min(math.Max((x-d.Min)/(d.Max-d.Min), 0), 1)
	case "normal":
		if d.StdDev == 0 {
			return 0
		}
		return 0.5 * math.Erfc(-(x-d.Mean)/(d.StdDev*math.Sqrt2))
	case "weibull":
		if x <= 0 {
			return 0
		}
		return 1.0 - math.Exp(-math.Pow(x/d.Scale, d.Shape))
	case "exponential", "poisson":
		if x <= 0 {
			return 0
		}
		return 1.0 - math.Exp(-d.Rate*x)
	default:
		return 0
	}
}

func weibullQuantile(u, shape, scale float64) float64 {
	return scale * math.Pow(-math.Log(1.0-u), 1.0/shape)
}

// normInv is the Acklam rational approximation to the inverse standard
// normal CDF, accurate to about 1.15e-9 over (0,1).
func normInv(p float64) float64 {
	const (
		a1 = -3.969683028665376e+01
		a2 = 2.209460984245205e+02
		a3 = -2.759285104469687e+02
		a4 = 1.383577518672690e+02
		a5 = -3.066479806614716e+01
		a6 = 2.506628277459239e+00

		b1 = -5.447609879822406e+01
		b2 = 1.615858368580409e+02
		b3 = -1.556989798598866e+02
		b4 = 6.680131188771972e+01
		b5 = -1.328068155288572e+01

		c1 = -7.784894002430293e-03
		c2 = -3.223964580411365e-01
		c3 = -2.400758277161838e+00
		c4 = -2.549732539343734e+00
		c5 = 4.374664141464968e+00
		c6 = 2.938163982698783e+00

		d1 = 7.784695709041462e-03
		d2 = 3.224671290700398e-01
		d3 = 2.445134137142996e+00
		d4 = 3.754408661907416e+00

		pLow  = 0.02425
		pHigh = 1 - pLow
	)
	switch {
	case p <= 0:
		return math.Inf(-1)
	case p >= 1:
		return math.Inf(1)
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c1*q+c2)*q+c3)*q+c4)*q+c5)*q + c6) /
			((((d1*q+d2)*q+d3)*q+d4)*q + 1)
	case p > pHigh:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c1*q+c2)*q+c3)*q+c4)*q+c5)*q + c6) /
			((((d1*q+d2)*q+d3)*q+d4)*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a1*r+a2)*r+a3)*r+a4)*r+a5)*r + a6) * q /
			(((((b1*r+b2)*r+b3)*r+b4)*r+b5)*r + 1)
	}
}

// normCDF is the standard normal CDF.
func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}
