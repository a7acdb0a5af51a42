package rampcal

import (
	"context"
	"math"
)

// CumulativeBadMask returns the [ngroup*ny*nx] bad-sample mask of one
// integration. Once a pixel has a nonzero group DQ, that group and every
// later group of the pixel are bad.
func CumulativeBadMask(cube *RampCube, integ int) []bool {
	npix := cube.npix()
	out := make([]bool, cube.NGroup*npix)
	for g := 0; g < cube.NGroup; g++ {
		dq := cube.GroupDQFrame(integ, g)
		cur := out[g*npix : (g+1)*npix]
		if g == 0 {
			for k, v := range dq {
				cur[k] = v != 0
			}
			continue
		}
		prev := out[(g-1)*npix : g*npix]
		for k, v := range dq {
			cur[k] = prev[k] || v != 0
		}
	}
	return out
}

// FitSlopes fits bias and slope maps for every integration. Samples flagged
// in the cumulative bad mask or above satFrac times the saturation threshold
// are excluded. A nil sat disables the threshold exclusion.
func FitSlopes(ctx context.Context, cube *RampCube, sat *SaturationMap, satFrac float64) (*SlopeFitResult, error) {
	if err := validateSatFrac(satFrac); err != nil {
		return nil, err
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	if err := checkSaturationMap(sat, cube); err != nil {
		return nil, err
	}

	res := &SlopeFitResult{
		NInt:  cube.NInt,
		NY:    cube.NY,
		NX:    cube.NX,
		Bias:  make([][]float32, cube.NInt),
		Slope: make([][]float32, cube.NInt),
	}
	err := forEachIntegration(ctx, cube.NInt, func(_ context.Context, i int) error {
		res.Bias[i], res.Slope[i] = FitIntegration(cube, i, sat, satFrac)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FitIntegration is the unweighted least-squares fit of one integration.
// Pixels with fewer than two usable samples get NaN bias and slope.
func FitIntegration(cube *RampCube, integ int, sat *SaturationMap, satFrac float64) (bias, slope []float32) {
	npix := cube.npix()
	times := cube.GroupTimes()
	bad := CumulativeBadMask(cube, integ)

	n := make([]float64, npix)
	st := make([]float64, npix)
	sy := make([]float64, npix)
	stt := make([]float64, npix)
	sty := make([]float64, npix)

	for g := 0; g < cube.NGroup; g++ {
		t := times[g]
		frame := cube.Frame(integ, g)
		badg := bad[g*npix : (g+1)*npix]
		for k, v := range frame {
			if badg[k] || isNaN32(v) {
				continue
			}
			if sat != nil {
				if lim, ok := sat.limit(k); ok && float64(v) > satFrac*float64(lim) {
					continue
				}
			}
			y := float64(v)
			n[k]++
			st[k] += t
			sy[k] += y
			stt[k] += t * t
			sty[k] += t * y
		}
	}

	bias = make([]float32, npix)
	slope = make([]float32, npix)
	for k := 0; k < npix; k++ {
		b, m, ok := olsFromSums(n[k], st[k], sy[k], stt[k], sty[k])
		if !ok {
			bias[k], slope[k] = nan32(), nan32()
			continue
		}
		bias[k], slope[k] = float32(b), float32(m)
	}
	return bias, slope
}

// olsFromSums solves y = b + m*t from accumulated sums.
func olsFromSums(n, st, sy, stt, sty float64) (b, m float64, ok bool) {
	if n < 2 {
		return 0, 0, false
	}
	denom := n*stt - st*st
	if denom <= 1e-12*n*stt || math.IsNaN(denom) {
		return 0, 0, false
	}
	m = (n*sty - st*sy) / denom
	b = (sy - m*st) / n
	return b, m, true
}

// OLSRampFitter is a minimal full ramp fit built on FitSlopes. The combined
// rate is the mean of the finite per-integration slopes.
type OLSRampFitter struct {
	Saturation *SaturationMap
	SatFrac    float64
	// Skip makes FitRamp return no product.
	Skip bool
}

func (f OLSRampFitter) FitRamp(ctx context.Context, cube *RampCube) (*RampFitResult, error) {
	if f.Skip {
		return nil, nil
	}
	satFrac := f.SatFrac
	if satFrac == 0 {
		satFrac = 1
	}
	fit, err := FitSlopes(ctx, cube, f.Saturation, satFrac)
	if err != nil {
		return nil, err
	}
	npix := cube.npix()
	rate := make([]float32, npix)
	for k := 0; k < npix; k++ {
		var sum float64
		var cnt int
		for i := 0; i < fit.NInt; i++ {
			if v := fit.Slope[i][k]; !isNaN32(v) {
				sum += float64(v)
				cnt++
			}
		}
		if cnt == 0 {
			rate[k] = nan32()
			continue
		}
		rate[k] = float32(sum / float64(cnt))
	}
	return &RampFitResult{Rate: rate, RateInts: fit.Slope}, nil
}
