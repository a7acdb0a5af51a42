package rampcal

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madToSigma scales a median absolute deviation to a Gaussian sigma.
const madToSigma = 1.4826

// ClipResult holds the outcome of an iterative sigma clip.
type ClipResult struct {
	Center        float64
	Sigma         float64
	Kept          []bool
	NumIterations int
}

// Rejected reports whether value i was clipped. Non-finite values are never
// kept and never reported as rejected.
func (r ClipResult) Rejected(values []float64, i int) bool {
	return isFinite(values[i]) && !r.Kept[i]
}

// SigmaClip iteratively rejects values further than kappa sigma from the
// median. The first pass estimates sigma from the median absolute deviation,
// later passes use the standard deviation of the kept values. The loop stops
// when the kept set no longer changes or after maxIterations passes.
func SigmaClip(values []float64, kappa float64, maxIterations int) ClipResult {
	res := ClipResult{Kept: make([]bool, len(values))}
	for i, v := range values {
		res.Kept[i] = isFinite(v)
	}
	scratch := make([]float64, 0, len(values))

	for res.NumIterations < maxIterations {
		scratch = scratch[:0]
		for i, v := range values {
			if res.Kept[i] {
				scratch = append(scratch, v)
			}
		}
		if len(scratch) == 0 {
			res.Center, res.Sigma = math.NaN(), math.NaN()
			return res
		}

		center := medianFloat64(scratch)
		var sigma float64
		if res.NumIterations == 0 {
			sigma = madToSigma * medianAbsDev(scratch, center)
		} else {
			_, sigma = stat.PopMeanStdDev(scratch, nil)
		}
		res.Center, res.Sigma = center, sigma
		res.NumIterations++

		changed := false
		for i, v := range values {
			if !isFinite(v) {
				continue
			}
			keep := math.Abs(v-center) <= kappa*sigma
			if keep != res.Kept[i] {
				changed = true
				res.Kept[i] = keep
			}
		}
		if !changed {
			break
		}
	}
	return res
}

// medianFloat64 returns the median of values. It sorts a copy; the input is
// left untouched.
func medianFloat64(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}

func medianAbsDev(values []float64, center float64) float64 {
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - center)
	}
	return medianFloat64(dev)
}

// finiteValues returns the finite entries of values.
func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if isFinite(v) {
			out = append(out, v)
		}
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func nan() float64 { return math.NaN() }

func nan32() float32 { return float32(math.NaN()) }

func isNaN32(v float32) bool { return v != v }
