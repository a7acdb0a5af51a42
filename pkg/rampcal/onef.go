package rampcal

import (
	"context"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// meanSlopeClip is the kappa used for the robust mean slope across
// integrations.
const meanSlopeClip = 3.0

// RemoveOneOverF models and subtracts correlated read noise. A mean signal
// ramp built from the slope fit is removed first; the residual of every
// group and readout channel is then modeled row by row and the model is
// subtracted from the data. fit is reused when non-nil.
func RemoveOneOverF(ctx context.Context, cube *RampCube, sat *SaturationMap, p *OneOverFParams, fit *SlopeFitResult) (*RampCube, error) {
	if p == nil {
		p = NewOneOverFParams()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	if err := checkChannels(cube); err != nil {
		return nil, err
	}

	if fit == nil {
		var err error
		if fit, err = FitSlopes(ctx, cube, sat, p.SatFrac); err != nil {
			return nil, err
		}
	} else if fit.NInt != cube.NInt || fit.NY != cube.NY || fit.NX != cube.NX {
		return nil, errors.Wrapf(ErrGeometryMismatch, "slope fit [%d %d %d] does not match cube [%d %d %d]",
			fit.NInt, fit.NY, fit.NX, cube.NInt, cube.NY, cube.NX)
	}

	meanSlope := RobustMeanSlope(fit)
	times := cube.GroupTimes()
	width := cube.NX / cube.NOutputs

	model := &channelModel{params: p}
	if p.Model == NoiseModelSavGol {
		if w := effectiveWindow(p.Window, p.PolyOrder, width); w > 0 {
			kx, ky, err := savGolKernels(w, p.PolyOrder)
			if err != nil {
				return nil, err
			}
			defer kx.Close()
			defer ky.Close()
			model.kx, model.ky, model.smooth = kx, ky, true
		}
	}

	slog.DebugContext(ctx, "removing 1/f noise",
		slog.String("model", p.Model.String()), slog.Int("channels", cube.NOutputs), slog.Int("channel_width", width))

	err := forEachIntegration(ctx, cube.NInt, func(ctx context.Context, i int) error {
		bad := CumulativeBadMask(cube, i)
		npix := cube.npix()
		resid := make([]float32, cube.NY*width)
		valid := make([]bool, cube.NY*width)
		for g := 0; g < cube.NGroup; g++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			frame := cube.Frame(i, g)
			badg := bad[g*npix : (g+1)*npix]
			t := float32(times[g])
			for c := 0; c < cube.NOutputs; c++ {
				x0 := c * width
				for y := 0; y < cube.NY; y++ {
					for x := 0; x < width; x++ {
						k := y*cube.NX + x0 + x
						j := y*width + x
						s := meanSlope[k]
						resid[j] = frame[k] - s*t
						valid[j] = !badg[k] && !isNaN32(s) && !isNaN32(frame[k])
					}
				}
				prof := model.fit(resid, valid, cube.NY, width)
				for y := 0; y < cube.NY; y++ {
					for x := 0; x < width; x++ {
						if v := prof[y*width+x]; !isNaN32(v) {
							frame[y*cube.NX+x0+x] -= v
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cube, nil
}

// RobustMeanSlope averages the per-integration slopes of every pixel after
// sigma clipping. Pixels without a finite slope get NaN.
func RobustMeanSlope(fit *SlopeFitResult) []float32 {
	npix := fit.NY * fit.NX
	out := make([]float32, npix)
	values := make([]float64, fit.NInt)
	kept := make([]float64, 0, fit.NInt)
	for k := 0; k < npix; k++ {
		for i := 0; i < fit.NInt; i++ {
			values[i] = float64(fit.Slope[i][k])
		}
		clip := SigmaClip(values, meanSlopeClip, 5)
		kept = kept[:0]
		for i, v := range values {
			if clip.Kept[i] {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			// Every finite value was clipped when sigma collapsed to zero.
			kept = finiteValues(values)
		}
		if len(kept) == 0 {
			out[k] = nan32()
			continue
		}
		out[k] = float32(stat.Mean(kept, nil))
	}
	return out
}

// FitChannelNoise models the row-correlated noise of one channel residual
// image of ny rows by width columns. Only valid samples constrain the
// model.
func FitChannelNoise(resid []float32, valid []bool, ny, width int, p *OneOverFParams) ([]float32, error) {
	if p == nil {
		p = NewOneOverFParams()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(resid) != ny*width || len(valid) != ny*width {
		return nil, errors.Wrapf(ErrGeometryMismatch, "channel image length %d/%d, want %dx%d", len(resid), len(valid), ny, width)
	}
	m := &channelModel{params: p}
	if p.Model == NoiseModelSavGol {
		if w := effectiveWindow(p.Window, p.PolyOrder, width); w > 0 {
			kx, ky, err := savGolKernels(w, p.PolyOrder)
			if err != nil {
				return nil, err
			}
			defer kx.Close()
			defer ky.Close()
			m.kx, m.ky, m.smooth = kx, ky, true
		}
	}
	return m.fit(resid, valid, ny, width), nil
}

// channelModel fits one channel image at a time. kx and ky are shared
// read-only filter kernels. Without smooth the savgol model falls back to
// a per-row median.
type channelModel struct {
	params *OneOverFParams
	kx, ky Mat
	smooth bool
}

// fit runs the bounded outlier-rejecting loop: model the kept samples,
// reject samples further than NSigma from the model and refit until the
// rejected set is stable or MaxIter passes ran.
func (m *channelModel) fit(resid []float32, valid []bool, ny, width int) []float32 {
	n := ny * width
	kept := make([]bool, n)
	copy(kept, valid)
	model := make([]float32, n)
	rowVals := make([]float64, 0, width)
	devs := make([]float64, 0, width)

	for iter := 0; iter < m.params.MaxIter; iter++ {
		m.modelRows(resid, kept, ny, width, model, rowVals)

		changed := false
		for y := 0; y < ny; y++ {
			devs = devs[:0]
			for x := 0; x < width; x++ {
				j := y*width + x
				if kept[j] {
					devs = append(devs, float64(resid[j]-model[j]))
				}
			}
			if len(devs) == 0 {
				continue
			}
			center := medianFloat64(devs)
			limit := m.params.NSigma * madToSigma * medianAbsDev(devs, center)
			for x := 0; x < width; x++ {
				j := y*width + x
				if !valid[j] {
					continue
				}
				keep := math.Abs(float64(resid[j]-model[j])-center) <= limit
				if keep != kept[j] {
					kept[j] = keep
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return model
}

// modelRows writes the noise model of every row into model. Rows without
// kept samples get NaN.
func (m *channelModel) modelRows(resid []float32, kept []bool, ny, width int, model []float32, rowVals []float64) {
	rowCenter := make([]float64, ny)
	for y := 0; y < ny; y++ {
		rowVals = rowVals[:0]
		for x := 0; x < width; x++ {
			if j := y*width + x; kept[j] {
				rowVals = append(rowVals, float64(resid[j]))
			}
		}
		switch {
		case len(rowVals) == 0:
			rowCenter[y] = math.NaN()
		case m.params.Model == NoiseModelMean:
			rowCenter[y] = stat.Mean(rowVals, nil)
		default:
			rowCenter[y] = medianFloat64(rowVals)
		}
	}

	if !m.smooth {
		for y := 0; y < ny; y++ {
			v := float32(rowCenter[y])
			for x := 0; x < width; x++ {
				model[y*width+x] = v
			}
		}
		return
	}

	// Rejected samples are replaced by the row median before smoothing.
	src := NewMatWithSize(ny, width)
	defer src.Close()
	data := src.DataFloat32()
	for y := 0; y < ny; y++ {
		fill := float32(rowCenter[y])
		if math.IsNaN(rowCenter[y]) {
			fill = 0
		}
		for x := 0; x < width; x++ {
			j := y*width + x
			if kept[j] {
				data[j] = resid[j]
			} else {
				data[j] = fill
			}
		}
	}
	dst := NewMat()
	defer dst.Close()
	sepFilter2DReflect(src, &dst, m.kx, m.ky)
	smoothed := dst.DataFloat32()
	for y := 0; y < ny; y++ {
		nanRow := math.IsNaN(rowCenter[y])
		for x := 0; x < width; x++ {
			j := y*width + x
			if nanRow {
				model[j] = nan32()
			} else {
				model[j] = smoothed[j]
			}
		}
	}
}
