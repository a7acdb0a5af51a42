package fitsimg

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rampcal/pkg/rampcal"
)

func TestScale(t *testing.T) {
	assert.Equal(t, []float32{0, 32778}, scale([]int16{-32768, 10}, 1, 32768))

	got := scale([]float32{1.5, float32(math.NaN())}, 2, 1)
	assert.Equal(t, float32(4), got[0])
	assert.True(t, math.IsNaN(float64(got[1])))
}

// writeInt16 encodes a BITPIX 16 image with the given header cards.
func writeInt16(t *testing.T, axes []int, data []int16, cards ...fitsio.Card) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	require.NoError(t, err)
	hdu := fitsio.NewImage(16, axes)
	defer hdu.Close()
	if len(cards) > 0 {
		require.NoError(t, hdu.Header().Append(cards...))
	}
	require.NoError(t, hdu.Write(data))
	require.NoError(t, f.Write(hdu))
	require.NoError(t, f.Close())
	return &buf
}

func TestReadInt16Scaled(t *testing.T) {
	buf := writeInt16(t, []int{3, 2}, []int16{-32768, -1, 0, 1, 100, 32767},
		fitsio.Card{Name: "BZERO", Value: 32768.0},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "INSTRUME", Value: "MIRI"},
	)
	img, err := Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, img.Axes)
	assert.Equal(t, []float32{0, 32767, 32768, 32769, 32868, 65535}, img.Data)
	assert.Equal(t, "MIRI", img.Header.GetString("INSTRUME"))

	sat, err := img.SaturationMap()
	require.NoError(t, err)
	assert.Equal(t, 2, sat.NY)
	assert.Equal(t, float32(65535), sat.Threshold[5])
}

func TestHeaderAccessors(t *testing.T) {
	h := Header{"INSTRUME": "NIRCAM  ", "NGROUPS": 8, "TGROUP": 10.737, "FULL": true, "NOUTS": "4"}
	assert.Equal(t, "NIRCAM", h.GetString("instrume"))
	assert.Equal(t, "8", h.GetString("NGROUPS"))
	assert.Equal(t, "true", h.GetString("FULL"))
	assert.Empty(t, h.GetString("MISSING"))

	n, ok := h.GetInt("NGROUPS")
	assert.True(t, ok)
	assert.Equal(t, 8, n)
	_, ok = h.GetInt("TGROUP")
	assert.False(t, ok)
	n, ok = h.GetInt("NOUTS")
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	v, ok := h.GetFloat("TGROUP")
	assert.True(t, ok)
	assert.Equal(t, 10.737, v)
}

func TestWriteRead(t *testing.T) {
	cube := rampcal.NewRampCube("NIRCAM", rampcal.Subarray{Name: "SUB64P"}, 2, 3, 3, 4, 1, 1)
	rate := make([]float32, 12)
	for k := range rate {
		rate[k] = float32(k) * 0.25
	}
	rate[5] = float32(math.NaN())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FromRate(cube, rate, "rate")))
	img, err := Read(&buf, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 3}, img.Axes)
	assert.Equal(t, "NIRCAM", img.Header.GetString("INSTRUME"))
	assert.Equal(t, "rate", img.Header.GetString("PRODTYPE"))
	require.Len(t, img.Data, 12)
	for k, v := range rate {
		if k == 5 {
			assert.True(t, math.IsNaN(float64(img.Data[k])))
			continue
		}
		assert.Equal(t, v, img.Data[k])
	}
}

func TestSaturationMapFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sat.fits")
	levels := make([]float32, 6*5)
	for k := range levels {
		levels[k] = 50000 + float32(k)
	}
	require.NoError(t, WriteFile(path, &Image{Axes: []int{5, 6}, Data: levels}))

	img, err := ReadFile(path, 0)
	require.NoError(t, err)
	sat, err := img.SaturationMap()
	require.NoError(t, err)
	assert.Equal(t, 6, sat.NY)
	assert.Equal(t, 5, sat.NX)
	assert.Equal(t, levels, sat.Threshold)

	_, err = ReadFile(path, 1)
	assert.Error(t, err)

	cube := rampcal.NewRampCube("NIRCAM", rampcal.Subarray{}, 2, 3, 3, 4, 1, 1)
	stack := FromRateInts(cube, [][]float32{make([]float32, 12), make([]float32, 12)})
	_, err = stack.SaturationMap()
	assert.ErrorIs(t, err, rampcal.ErrGeometryMismatch)
	assert.Equal(t, []int{4, 3, 2}, stack.Axes)
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, &Image{Axes: []int{2, 2}, Data: make([]float32, 3)})
	assert.Error(t, err)
}
