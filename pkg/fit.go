package gesher

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GaussianParams are the parameters of A*exp(-(x-Mean)^2/(2*Sigma^2)).
type GaussianParams struct {
	Amplitude float64
	Mean      float64
	Sigma     float64
}

func GaussianParamsFromSlice(p []float64) GaussianParams {
	return GaussianParams{Amplitude: p[0], Mean: p[1], Sigma: p[2]}
}

func (g GaussianParams) slice() []float64 {
	return []float64{g.Amplitude, g.Mean, g.Sigma}
}

func (g GaussianParams) At(x float64) float64 {
	return gaussian(x, g.slice())
}

type modelFunc func(x float64, p []float64) float64

func gaussian(x float64, p []float64) float64 {
	d := x - p[1]
	return p[0] * math.Exp(-(d*d)/(2*p[2]*p[2]))
}

func linear(x float64, p []float64) float64 {
	return p[0]*x + p[1]
}

type fitResult struct {
	Params     []float64
	Covariance [][]float64
	Iterations int
}

const (
	fitFTol      = 1e-10
	fitXTol      = 1e-10
	fitGTol      = 1e-12
	fitStallGTol = 1e-8
	stepFactor   = 100
	lambdaStart  = 1e-3
	lambdaLimit  = 1e16
	jacobianStep = 6e-6
)

// curveFit minimises sum(((y - f(x, p)) / sigma)^2) with Levenberg-Marquardt.
// sigma may be nil. The covariance is scaled by the reduced chi-square, so
// sigma only acts as relative weights. Iterations are capped at 200*(n+1).
//
// Steps are bounded by a trust radius measured in the Jacobian column norms
// (MINPACK's scaling), starting at stepFactor times the scaled initial guess.
func curveFit(f modelFunc, x, y, sigma, p0 []float64) (fitResult, error) {
	m, n := len(x), len(p0)
	if len(y) != m || (sigma != nil && len(sigma) != m) {
		return fitResult{}, fmt.Errorf("curve fit: %d x values, %d y values: %w", m, len(y), ErrInsufficientPoints)
	}
	if m < n {
		return fitResult{}, fmt.Errorf("curve fit: %d points for %d parameters: %w", m, n, ErrInsufficientPoints)
	}
	weights := make([]float64, m)
	for i := range weights {
		weights[i] = 1
		if sigma != nil {
			if sigma[i] == 0 || math.IsNaN(sigma[i]) {
				return fitResult{}, fmt.Errorf("curve fit: sigma[%d] = %g: %w", i, sigma[i], ErrFitNotConverged)
			}
			weights[i] = 1 / sigma[i]
		}
	}

	residuals := func(p []float64, r []float64) float64 {
		for i := range x {
			r[i] = weights[i] * (y[i] - f(x[i], p))
		}
		return floats.Dot(r, r)
	}
	jacobian := func(p []float64, jac *mat.Dense) {
		pp := make([]float64, n)
		for j := 0; j < n; j++ {
			h := jacobianStep * math.Max(math.Abs(p[j]), 1)
			copy(pp, p)
			pp[j] = p[j] + h
			for i := range x {
				jac.Set(i, j, weights[i]*f(x[i], pp))
			}
			pp[j] = p[j] - h
			for i := range x {
				jac.Set(i, j, (jac.At(i, j)-weights[i]*f(x[i], pp))/(2*h))
			}
		}
	}

	p := append([]float64(nil), p0...)
	r := make([]float64, m)
	chi2 := residuals(p, r)
	if math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return fitResult{}, fmt.Errorf("curve fit: non-finite residuals at initial guess: %w", ErrFitNotConverged)
	}

	jac := mat.NewDense(m, n, nil)
	var jtj mat.Dense
	grad := mat.NewVecDense(n, nil)
	rNew := make([]float64, m)
	pNew := make([]float64, n)
	lambda := lambdaStart
	maxIter := 200 * (n + 1)
	diag := make([]float64, n)
	var delta float64

	converged := false
	iter := 0
	for ; iter < maxIter && !converged; iter++ {
		jacobian(p, jac)
		jtj.Mul(jac.T(), jac)
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))
		for j := range diag {
			diag[j] = math.Max(diag[j], math.Sqrt(jtj.At(j, j)))
		}
		if iter == 0 {
			delta = stepFactor * scaledNorm(diag, p)
			if delta == 0 {
				delta = stepFactor
			}
		}

		if chi2 == 0 || maxCosine(jac, grad, chi2) <= fitGTol {
			converged = true
			break
		}

		accepted := false
		for !accepted {
			damped := mat.DenseCopyOf(&jtj)
			for j := 0; j < n; j++ {
				d := jtj.At(j, j)
				if d == 0 {
					d = 1
				}
				damped.Set(j, j, d*(1+lambda))
			}
			var step mat.VecDense
			if err := step.SolveVec(damped, grad); usableSolve(err) {
				stepLen := scaledNorm(diag, step.RawVector().Data)
				if stepLen > delta {
					step.ScaleVec(delta/stepLen, &step)
					stepLen = delta
				}
				for j := range p {
					pNew[j] = p[j] + step.AtVec(j)
				}
				chi2New := residuals(pNew, rNew)
				if !math.IsNaN(chi2New) && chi2New < chi2 {
					accepted = true
					stepNorm := mat.Norm(&step, 2)
					reduction := chi2 - chi2New
					copy(p, pNew)
					copy(r, rNew)
					chi2 = chi2New
					lambda = math.Max(lambda/10, 1e-12)
					delta = math.Max(delta, 2*stepLen)
					if reduction <= fitFTol*chi2 || stepNorm <= fitXTol*(floats.Norm(p, 2)+fitXTol) {
						converged = true
					}
					break
				}
			}
			lambda *= 10
			delta /= 2
			if lambda > lambdaLimit {
				// No damping gives a downhill step. Only a vanishing gradient
				// makes that a minimum.
				if maxCosine(jac, grad, chi2) <= fitStallGTol {
					converged = true
					break
				}
				return fitResult{}, fmt.Errorf("curve fit: no downhill step after %d iterations: %w", iter, ErrFitNotConverged)
			}
		}
	}
	if !converged {
		return fitResult{}, fmt.Errorf("curve fit: no convergence after %d iterations: %w", iter, ErrFitNotConverged)
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fitResult{}, fmt.Errorf("curve fit: non-finite parameters %v: %w", p, ErrFitNotConverged)
		}
	}

	jacobian(p, jac)
	jtj.Mul(jac.T(), jac)
	return fitResult{Params: p, Covariance: covariance(&jtj, chi2, m, n), Iterations: iter}, nil
}

// scaledNorm is the Euclidean norm of diag*v.
func scaledNorm(diag, v []float64) float64 {
	scaled := make([]float64, len(v))
	floats.MulTo(scaled, diag, v)
	return floats.Norm(scaled, 2)
}

// usableSolve accepts results that gonum only flags as ill-conditioned.
func usableSolve(err error) bool {
	var cond mat.Condition
	return err == nil || errors.As(err, &cond)
}

// maxCosine is the largest |cos| between the residual vector and a Jacobian
// column; zero means the residuals are orthogonal to every direction.
func maxCosine(jac *mat.Dense, grad *mat.VecDense, chi2 float64) float64 {
	rNorm := math.Sqrt(chi2)
	_, n := jac.Dims()
	worst := 0.0
	for j := 0; j < n; j++ {
		colNorm := mat.Norm(jac.ColView(j), 2)
		if colNorm == 0 {
			continue
		}
		worst = math.Max(worst, math.Abs(grad.AtVec(j))/(colNorm*rNorm))
	}
	return worst
}

func covariance(jtj *mat.Dense, chi2 float64, m, n int) [][]float64 {
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	var inv mat.Dense
	if err := inv.Inverse(jtj); !usableSolve(err) || m <= n {
		for i := range cov {
			for j := range cov[i] {
				cov[i][j] = math.Inf(1)
			}
		}
		return cov
	}
	scale := chi2 / float64(m-n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov[i][j] = inv.At(i, j) * scale
		}
	}
	return cov
}

// histogram counts values into len(edges)-1 bins. Bins are half-open except
// the last, which also holds values equal to the final edge.
func histogram(values, edges []float64) []float64 {
	counts := make([]float64, len(edges)-1)
	last := len(edges) - 1
	for _, v := range values {
		if math.IsNaN(v) || v < edges[0] || v > edges[last] {
			continue
		}
		i := sort.SearchFloat64s(edges, v)
		switch {
		case i == last && edges[i] == v:
			counts[last-1]++
		case edges[i] == v:
			counts[i]++
		default:
			counts[i-1]++
		}
	}
	return counts
}

func binMids(edges []float64) []float64 {
	mids := make([]float64, len(edges)-1)
	for i := range mids {
		mids[i] = edges[i] + (edges[i+1]-edges[i])/2
	}
	return mids
}

// fitGaussianHistogram fits a Gaussian to histogram counts. With dropEmpty
// the zero-count bins are removed first. The fit starts from the histogram
// shape and then from p0; a result that does not describe a peak inside the
// bins is ErrFitNotConverged.
func fitGaussianHistogram(values, edges []float64, p0 GaussianParams, dropEmpty bool) (GaussianParams, error) {
	counts := histogram(values, edges)
	mids := binMids(edges)

	xs := make([]float64, 0, len(counts))
	ys := make([]float64, 0, len(counts))
	populated := 0
	for i, c := range counts {
		if c > 0 {
			populated++
		} else if dropEmpty {
			continue
		}
		xs = append(xs, mids[i])
		ys = append(ys, c)
	}
	if populated == 0 {
		return GaussianParams{}, ErrDegenerateHistogram
	}

	var err error
	for _, start := range []GaussianParams{histogramGuess(counts, edges), p0} {
		var res fitResult
		res, err = curveFit(gaussian, xs, ys, nil, start.slice())
		if err != nil {
			continue
		}
		params := GaussianParamsFromSlice(res.Params)
		params.Sigma = math.Abs(params.Sigma)
		if err = params.within(edges[0], edges[len(edges)-1]); err == nil {
			return params, nil
		}
	}
	return GaussianParams{}, err
}

// histogramGuess reads a starting point off the counts: the tallest bin gives
// amplitude and centre, the span of bins at or above half of it the width.
func histogramGuess(counts, edges []float64) GaussianParams {
	mode := floats.MaxIdx(counts)
	half := counts[mode] / 2
	lo, hi := mode, mode
	for lo > 0 && counts[lo-1] >= half {
		lo--
	}
	for hi < len(counts)-1 && counts[hi+1] >= half {
		hi++
	}
	fwhm := edges[hi+1] - edges[lo]
	return GaussianParams{
		Amplitude: counts[mode],
		Mean:      edges[mode] + (edges[mode+1]-edges[mode])/2,
		Sigma:     fwhm / (2 * math.Sqrt(2*math.Ln2)),
	}
}

// within rejects fits that ran off the histogram: centre outside [lo, hi],
// non-positive amplitude, or a width that is zero or wider than the range.
func (g GaussianParams) within(lo, hi float64) error {
	if !(g.Amplitude > 0) || math.IsInf(g.Amplitude, 0) ||
		!(g.Sigma > 0) || g.Sigma > hi-lo ||
		!(g.Mean >= lo && g.Mean <= hi) {
		return fmt.Errorf("gaussian %+v does not fit in [%g, %g]: %w", g, lo, hi, ErrFitNotConverged)
	}
	return nil
}
