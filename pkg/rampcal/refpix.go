package rampcal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

const stepRefPix = "refpix"

// RefPixState tracks the pseudo reference pixel lifecycle.
type RefPixState int

const (
	RefPixNormal RefPixState = iota
	RefPixFlagged
	RefPixCorrected
	RefPixRestored
)

func (s RefPixState) String() string {
	switch s {
	case RefPixNormal:
		return "NORMAL"
	case RefPixFlagged:
		return "FLAGGED"
	case RefPixCorrected:
		return "CORRECTED"
	case RefPixRestored:
		return "RESTORED"
	default:
		return fmt.Sprintf("RefPixState(%d)", int(s))
	}
}

// PseudoRefRegions returns the border regions to treat as reference pixels.
// Zero-width edges are omitted.
func PseudoRefRegions(ny, nx int, p *RefPixParams) []Region {
	var regions []Region
	if p.NLower > 0 {
		regions = append(regions, LowerRows(ny, nx, p.NLower, p.NRowOff))
	}
	if p.NUpper > 0 {
		regions = append(regions, UpperRows(ny, nx, p.NUpper, p.NRowOff))
	}
	if p.NLeft > 0 {
		regions = append(regions, LeftCols(ny, nx, p.NLeft, p.NColOff))
	}
	if p.NRight > 0 {
		regions = append(regions, RightCols(ny, nx, p.NRight, p.NColOff))
	}
	return regions
}

// CorrectReferencePixels runs the external reference pixel correction. On
// subarrays with border rows requested, the border is temporarily flagged as
// REFERENCE_PIXEL and restored after the correction, whether it succeeded or
// not.
func CorrectReferencePixels(ctx context.Context, cube *RampCube, corrector RefPixCorrector, p *RefPixParams) (*RampCube, RefPixState, error) {
	if p == nil {
		p = NewRefPixParams()
	}
	if err := p.Validate(); err != nil {
		return nil, RefPixNormal, err
	}
	if err := cube.Validate(); err != nil {
		return nil, RefPixNormal, err
	}
	if corrector == nil {
		return nil, RefPixNormal, externalFailure(stepRefPix, errors.New("no reference pixel corrector configured"))
	}

	// Side columns are not supported for subarray pseudo reference pixels,
	// so only the row counts decide.
	if cube.Subarray.IsFullFrame() || p.NLower+p.NUpper == 0 {
		res, err := corrector.CorrectRefPix(ctx, cube, p.UseSideRefPixels)
		if err != nil {
			return nil, RefPixNormal, externalFailure(stepRefPix, err)
		}
		return res, RefPixCorrected, nil
	}

	res, err := withPseudoRefPixels(ctx, cube, p, func(useSide bool) (*RampCube, error) {
		return corrector.CorrectRefPix(ctx, cube, useSide)
	})
	if err != nil {
		return nil, RefPixRestored, externalFailure(stepRefPix, err)
	}
	return res, RefPixRestored, nil
}

// withPseudoRefPixels floods the border regions, runs correct and restores
// the REFERENCE_PIXEL bits on the input cube and on the returned cube.
func withPseudoRefPixels(ctx context.Context, cube *RampCube, p *RefPixParams, correct func(useSide bool) (*RampCube, error)) (res *RampCube, err error) {
	slog.InfoContext(ctx, "flagging reference rows at [bottom, top] of array",
		slog.Int("nlower", p.NLower), slog.Int("nupper", p.NUpper), slog.Int("nrow_off", p.NRowOff))
	slog.InfoContext(ctx, "flagging reference columns at [left, right] of array",
		slog.Int("nleft", p.NLeft), slog.Int("nright", p.NRight), slog.Int("ncol_off", p.NColOff))

	tok := FloodRegions(cube.PixelDQ, cube.NY, cube.NX, PseudoRefRegions(cube.NY, cube.NX, p), ReferencePixel)
	defer func() {
		slog.DebugContext(ctx, "removing pseudo reference pixel flags", slog.Int("regions", len(tok.Regions())))
		tok.Restore(cube.PixelDQ)
		if res != nil && res != cube {
			if len(res.PixelDQ) != len(cube.PixelDQ) {
				res, err = nil, errors.Wrapf(ErrGeometryMismatch, "refpix result pixeldq length %d, want %d", len(res.PixelDQ), len(cube.PixelDQ))
				return
			}
			tok.Restore(res.PixelDQ)
		}
	}()

	useSide := p.UseSideRefPixels
	if p.NLeft+p.NRight == 0 {
		useSide = false
	}
	return correct(useSide)
}

// BorderRefPixCorrector is a minimal reference pixel correction. For every
// group and readout channel it subtracts the mean of the channel's
// reference rows; with side pixels enabled it then subtracts, row by row,
// the mean of the reference columns.
type BorderRefPixCorrector struct{}

func (BorderRefPixCorrector) CorrectRefPix(ctx context.Context, cube *RampCube, useSideRefPixels bool) (*RampCube, error) {
	if cube.NOutputs <= 0 || cube.NX%cube.NOutputs != 0 {
		return nil, errors.Wrapf(ErrGeometryMismatch, "nx %d not divisible by %d outputs", cube.NX, cube.NOutputs)
	}
	ny, nx := cube.NY, cube.NX
	sideCol := make([]bool, nx)
	for x := 0; x < nx; x++ {
		full := true
		for y := 0; y < ny && full; y++ {
			full = cube.PixelDQ[y*nx+x].Has(ReferencePixel)
		}
		sideCol[x] = full
	}
	width := nx / cube.NOutputs

	err := forEachIntegration(ctx, cube.NInt, func(_ context.Context, i int) error {
		for g := 0; g < cube.NGroup; g++ {
			frame := cube.Frame(i, g)
			for c := 0; c < cube.NOutputs; c++ {
				x0, x1 := c*width, (c+1)*width
				var sum float64
				var n int
				for y := 0; y < ny; y++ {
					for x := x0; x < x1; x++ {
						k := y*nx + x
						if sideCol[x] || !cube.PixelDQ[k].Has(ReferencePixel) || isNaN32(frame[k]) {
							continue
						}
						sum += float64(frame[k])
						n++
					}
				}
				if n == 0 {
					continue
				}
				offset := float32(sum / float64(n))
				for y := 0; y < ny; y++ {
					row := frame[y*nx+x0 : y*nx+x1]
					for x := range row {
						row[x] -= offset
					}
				}
			}

			if !useSideRefPixels {
				continue
			}
			for y := 0; y < ny; y++ {
				row := frame[y*nx : (y+1)*nx]
				var sum float64
				var n int
				for x, v := range row {
					if sideCol[x] && !isNaN32(v) {
						sum += float64(v)
						n++
					}
				}
				if n == 0 {
					continue
				}
				offset := float32(sum / float64(n))
				for x := range row {
					row[x] -= offset
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
