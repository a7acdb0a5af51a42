package rampcal

import (
	"context"
	"log/slog"
	"math"

	"github.com/pkg/errors"
)

func usableIntegrations(nint int, p *OutlierParams) int {
	if p.SkipFirstIntegration {
		return nint - 1
	}
	return nint
}

// maxNoiseSamples caps the residuals pooled into the stack noise estimate.
const maxNoiseSamples = 1 << 20

// stackNoise estimates the scatter of an integration's rate around the
// median of the pixel's other integrations in [first, nint). The MAD of these
// residuals pooled over every pixel is stable where a per-pixel estimate from
// a handful of integrations is not.
func stackNoise(rates [][]float32, first, npix int) float64 {
	nint := len(rates) - first
	stride := 1
	if total := nint * npix; total > maxNoiseSamples {
		stride = (total + maxNoiseSamples - 1) / maxNoiseSamples
	}
	values := make([]float64, 0, nint)
	others := make([]float64, 0, nint)
	resid := make([]float64, 0, min(nint*npix, maxNoiseSamples)+nint)
	for k := 0; k < npix; k += stride {
		values = values[:0]
		for i := first; i < len(rates); i++ {
			if len(rates[i]) == npix && isFinite(float64(rates[i][k])) {
				values = append(values, float64(rates[i][k]))
			}
		}
		if len(values) < 3 {
			continue
		}
		for j, v := range values {
			others = append(others[:0], values[:j]...)
			others = append(others, values[j+1:]...)
			resid = append(resid, math.Abs(v-medianFloat64(others)))
		}
	}
	if len(resid) == 0 {
		return 0
	}
	return madToSigma * medianFloat64(resid)
}

// DetectCubeOutliers sigma-clips every pixel across the integration axis and
// returns the [nint][ny*nx] outlier mask. A clipped value is only reported
// when it also lies SigmaCut stack-noise sigmas from the pixel's center.
// Nothing is flagged when fewer than NIntMin integrations are usable.
func DetectCubeOutliers(rates [][]float32, ny, nx int, p *OutlierParams) [][]bool {
	if p == nil {
		p = NewOutlierParams()
	}
	nint := len(rates)
	npix := ny * nx
	out := make([][]bool, nint)
	for i := range out {
		out[i] = make([]bool, npix)
	}
	if usableIntegrations(nint, p) < p.NIntMin {
		return out
	}

	first := 0
	if p.SkipFirstIntegration {
		first = 1
	}
	floor := p.SigmaCut * stackNoise(rates, first, npix)
	values := make([]float64, nint-first)
	for k := 0; k < npix; k++ {
		for i := first; i < nint; i++ {
			if len(rates[i]) != npix {
				values[i-first] = nan()
				continue
			}
			values[i-first] = float64(rates[i][k])
		}
		clip := SigmaClip(values, p.SigmaCut, p.ClipIterations)
		for j := range values {
			if clip.Rejected(values, j) && math.Abs(values[j]-clip.Center) > floor {
				out[j+first][k] = true
			}
		}
	}
	return out
}

// ApplyRateIntOutliers flags outlying integrations of every pixel as
// DO_NOT_USE and JUMP_DET in all of that integration's groups. The returned
// bool reports whether detection ran.
func ApplyRateIntOutliers(ctx context.Context, rateints [][]float32, cube *RampCube, p *OutlierParams) (*RampCube, bool, error) {
	if p == nil {
		p = NewOutlierParams()
	}
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	if err := cube.Validate(); err != nil {
		return nil, false, err
	}
	if len(rateints) != cube.NInt {
		return nil, false, errors.Wrapf(ErrGeometryMismatch, "rateints has %d integrations, cube has %d", len(rateints), cube.NInt)
	}
	for i, r := range rateints {
		if len(r) != cube.npix() {
			return nil, false, errors.Wrapf(ErrGeometryMismatch, "rateints[%d] has %d pixels, want %d", i, len(r), cube.npix())
		}
	}

	if n := usableIntegrations(cube.NInt, p); n < p.NIntMin {
		slog.InfoContext(ctx, "too few integrations for outlier detection",
			slog.Int("usable", n), slog.Int("nint_min", p.NIntMin))
		return cube, false, nil
	}

	mask := DetectCubeOutliers(rateints, cube.NY, cube.NX, p)
	flagged := 0
	for i := 0; i < cube.NInt; i++ {
		for g := 0; g < cube.NGroup; g++ {
			n := FlagMask(cube.GroupDQFrame(i, g), mask[i], DoNotUse|JumpDet)
			if g == 0 {
				flagged += n
			}
		}
	}
	slog.InfoContext(ctx, "flagged rate integration outliers",
		slog.Int("pixel_integrations", flagged), slog.Float64("sigma_cut", p.SigmaCut))
	return cube, true, nil
}
