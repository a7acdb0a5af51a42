package rampcal

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCorrector snapshots the pixel DQ it was called with and marks
// extra pixels as DO_NOT_USE.
type recordingCorrector struct {
	seenDQ  []DQ
	useSide []bool
	extra   []int
	clone   bool
	err     error
}

func (c *recordingCorrector) CorrectRefPix(_ context.Context, cube *RampCube, useSide bool) (*RampCube, error) {
	c.seenDQ = append([]DQ(nil), cube.PixelDQ...)
	c.useSide = append(c.useSide, useSide)
	if c.err != nil {
		return nil, c.err
	}
	out := cube
	if c.clone {
		out = cube.Clone()
	}
	for _, k := range c.extra {
		out.PixelDQ[k] |= DoNotUse
	}
	return out, nil
}

func refpixCube(name string, ny, nx int) *RampCube {
	cube := NewRampCube("NIRCAM", subarray(name, ny, nx), 1, 2, ny, nx, 1, 1)
	for k := range cube.PixelDQ {
		if k%7 == 0 {
			cube.PixelDQ[k] = RC
		}
	}
	return cube
}

func TestCorrectReferencePixelsSkipPath(t *testing.T) {
	tests := []struct {
		name string
		sub  string
		p    *RefPixParams
	}{
		{name: "full frame", sub: "FULL", p: NewRefPixParams()},
		{name: "no border rows", sub: "SUB64P", p: &RefPixParams{NLeft: 4, NRight: 4, UseSideRefPixels: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cube := refpixCube(tt.sub, 8, 8)
			orig := append([]DQ(nil), cube.PixelDQ...)
			corr := &recordingCorrector{}

			out, state, err := CorrectReferencePixels(context.Background(), cube, corr, tt.p)
			require.NoError(t, err)
			assert.Equal(t, RefPixCorrected, state)
			assert.Equal(t, orig, corr.seenDQ, "no pseudo reference pixels")
			assert.Equal(t, []bool{true}, corr.useSide)
			assert.Equal(t, orig, out.PixelDQ)
		})
	}
}

func TestCorrectReferencePixelsRestoresExactly(t *testing.T) {
	const ny, nx = 12, 10
	tests := []struct {
		name     string
		p        *RefPixParams
		flagged  func(y, x int) bool
		wantSide bool
		clone    bool
	}{
		{
			name:    "rows only",
			p:       &RefPixParams{NLower: 2, NUpper: 3, UseSideRefPixels: true},
			flagged: func(y, x int) bool { return y < 2 || y >= ny-3 },
		},
		{
			name:    "rows with offset",
			p:       &RefPixParams{NLower: 1, NUpper: 1, NRowOff: 2, UseSideRefPixels: true},
			flagged: func(y, x int) bool { return y == 2 || y == ny-3 },
			clone:   true,
		},
		{
			name:     "rows and columns",
			p:        &RefPixParams{NLower: 4, NUpper: 4, NLeft: 1, NRight: 2, NColOff: 1, UseSideRefPixels: true},
			flagged:  func(y, x int) bool { return y < 4 || y >= ny-4 || x == 1 || x == nx-3 || x == nx-2 },
			wantSide: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cube := refpixCube("SUB320A335R", ny, nx)
			orig := append([]DQ(nil), cube.PixelDQ...)
			corr := &recordingCorrector{extra: []int{0, 5*nx + 5, (ny-1)*nx + 3}, clone: tt.clone}

			out, state, err := CorrectReferencePixels(context.Background(), cube, corr, tt.p)
			require.NoError(t, err)
			assert.Equal(t, RefPixRestored, state)
			assert.Equal(t, []bool{tt.wantSide}, corr.useSide)

			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					assert.Equal(t, tt.flagged(y, x), corr.seenDQ[y*nx+x].Has(ReferencePixel), "flooded (%d,%d)", y, x)
				}
			}

			want := append([]DQ(nil), orig...)
			for _, k := range corr.extra {
				want[k] |= DoNotUse
			}
			assert.Equal(t, want, out.PixelDQ)
		})
	}
}

func TestCorrectReferencePixelsRestoresOnFailure(t *testing.T) {
	cube := refpixCube("SUB64P", 8, 8)
	orig := append([]DQ(nil), cube.PixelDQ...)
	corr := &recordingCorrector{err: errors.New("refpix crashed")}

	out, state, err := CorrectReferencePixels(context.Background(), cube, corr, NewRefPixParams())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, RefPixRestored, state)
	assert.ErrorIs(t, err, ErrExternalStep)
	assert.Equal(t, orig, cube.PixelDQ)
	assert.True(t, corr.seenDQ[0].Has(ReferencePixel))
}

func TestRefPixStateString(t *testing.T) {
	assert.Equal(t, "NORMAL", RefPixNormal.String())
	assert.Equal(t, "FLAGGED", RefPixFlagged.String())
	assert.Equal(t, "CORRECTED", RefPixCorrected.String())
	assert.Equal(t, "RESTORED", RefPixRestored.String())
	assert.Equal(t, "RefPixState(9)", RefPixState(9).String())
}

func TestBorderRefPixCorrectorWithPseudoRows(t *testing.T) {
	const ny, nx = 8, 8
	cube := NewRampCube("NIRCAM", subarray("SUB64P", ny, nx), 1, 2, ny, nx, 1, 1)
	for g := 0; g < 2; g++ {
		frame := cube.Frame(0, g)
		for k := range frame {
			frame[k] = 50 + float32(g)
		}
		frame[4*nx+4] = 150
	}
	p := &RefPixParams{NLower: 2, NUpper: 2}

	out, _, err := CorrectReferencePixels(context.Background(), cube, BorderRefPixCorrector{}, p)
	require.NoError(t, err)
	for g := 0; g < 2; g++ {
		frame := out.Frame(0, g)
		assert.InDelta(t, 100-float32(g), frame[4*nx+4], 1e-4)
		assert.InDelta(t, 0, frame[0], 1e-4)
		assert.InDelta(t, 0, frame[3*nx+7], 1e-4)
	}
	for _, v := range out.PixelDQ {
		assert.False(t, v.Has(ReferencePixel))
	}
}

func TestBorderRefPixCorrectorSideColumns(t *testing.T) {
	const ny, nx = 6, 8
	cube := NewRampCube("NIRCAM", subarray("SUB64P", ny, nx), 1, 1, ny, nx, 1, 1)
	frame := cube.Frame(0, 0)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			frame[y*nx+x] = float32(10 * y)
		}
	}
	p := &RefPixParams{NLower: 1, NUpper: 1, NLeft: 1, NRight: 1, UseSideRefPixels: true}

	out, _, err := CorrectReferencePixels(context.Background(), cube, BorderRefPixCorrector{}, p)
	require.NoError(t, err)
	for k, v := range out.Frame(0, 0) {
		assert.InDelta(t, 0, v, 1e-4, "pixel %d", k)
	}
}
