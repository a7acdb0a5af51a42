// Package fitsimg reads and writes single FITS images as float32 arrays.
// The CLI uses it for saturation reference maps and rate products.
package fitsimg

import (
	"bytes"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"rampcal/pkg/rampcal"
)

// Header holds the cards of an HDU, keyed by upper-case name.
type Header map[string]any

func (h Header) GetString(key string) string {
	switch v := h[strings.ToUpper(key)].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimRight(v, " ")
	default:
		return strings.TrimSpace(toString(v))
	}
}

func (h Header) GetFloat(key string) (float64, bool) {
	switch v := h[strings.ToUpper(key)].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func (h Header) GetInt(key string) (int, bool) {
	f, ok := h.GetFloat(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func toString(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return ""
}

// Image is an N-dimensional image. Axes follow FITS order: Axes[0] is the
// fastest varying (x) axis.
type Image struct {
	Axes   []int
	Data   []float32
	Header Header
}

func (img *Image) npix() int {
	n := 1
	for _, a := range img.Axes {
		n *= a
	}
	return n
}

// ReadFile reads HDU index hdu of the file at path.
func ReadFile(path string, hdu int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open FITS file")
	}
	defer f.Close()
	img, err := Read(f, hdu)
	return img, errors.Wrapf(err, "read %s", path)
}

// Read decodes HDU index hdu from r, applying BSCALE and BZERO.
func Read(r io.Reader, hdu int) (*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse FITS")
	}
	defer f.Close()

	if hdu < 0 || hdu >= len(f.HDUs()) {
		return nil, errors.Errorf("HDU %d out of range, file has %d", hdu, len(f.HDUs()))
	}
	src, ok := f.HDU(hdu).(fitsio.Image)
	if !ok {
		return nil, errors.Errorf("HDU %d is not an image", hdu)
	}
	hdr := src.Header()
	img := &Image{
		Axes:   append([]int(nil), hdr.Axes()...),
		Header: Header{},
	}
	for _, k := range hdr.Keys() {
		if c := hdr.Get(k); c != nil {
			img.Header[strings.ToUpper(k)] = c.Value
		}
	}
	if len(img.Axes) == 0 {
		return nil, errors.Errorf("HDU %d has no data axes", hdu)
	}

	bscale, ok := img.Header.GetFloat("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := img.Header.GetFloat("BZERO")
	data, err := readPixels(src, img.npix(), bscale, bzero)
	if err != nil {
		return nil, err
	}
	img.Data = data
	return img, nil
}

type pixel interface {
	~uint8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// readPixels decodes the data unit in its BITPIX type and scales it to
// physical values.
func readPixels(src fitsio.Image, n int, bscale, bzero float64) ([]float32, error) {
	bitpix := src.Header().Bitpix()
	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if raw := len(src.Raw()); size == 0 || raw < n*size {
		return nil, errors.Errorf("pixel data too short: %d bytes for %d pixels of BITPIX %d", raw, n, bitpix)
	}
	switch bitpix {
	case 8:
		return readScaled(src, make([]uint8, n), bscale, bzero)
	case 16:
		return readScaled(src, make([]int16, n), bscale, bzero)
	case 32:
		return readScaled(src, make([]int32, n), bscale, bzero)
	case 64:
		return readScaled(src, make([]int64, n), bscale, bzero)
	case -32:
		return readScaled(src, make([]float32, n), bscale, bzero)
	case -64:
		return readScaled(src, make([]float64, n), bscale, bzero)
	}
	return nil, errors.Errorf("unsupported BITPIX: %d", bitpix)
}

func readScaled[T pixel](src fitsio.Image, buf []T, bscale, bzero float64) ([]float32, error) {
	if err := src.Read(&buf); err != nil {
		return nil, errors.Wrap(err, "decode pixels")
	}
	return scale(buf, bscale, bzero), nil
}

func scale[T pixel](in []T, bscale, bzero float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(float64(v)*bscale + bzero)
	}
	return out
}

// Write encodes img as the primary HDU of a new FITS stream (BITPIX -32).
// String, bool and numeric header values are carried over.
func Write(w io.Writer, img *Image) error {
	if len(img.Data) != img.npix() {
		return errors.Errorf("image has %d pixels, axes %v want %d", len(img.Data), img.Axes, img.npix())
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return errors.Wrap(err, "create FITS")
	}
	hdu := fitsio.NewImage(-32, img.Axes)
	defer hdu.Close()

	keys := make([]string, 0, len(img.Header))
	for k := range img.Header {
		if !reserved(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var cards []fitsio.Card
	for _, k := range keys {
		switch v := img.Header[k]; v.(type) {
		case string, bool, int, int64, float64:
			cards = append(cards, fitsio.Card{Name: k, Value: v})
		}
	}
	if len(cards) > 0 {
		if err := hdu.Header().Append(cards...); err != nil {
			return errors.Wrap(err, "append header cards")
		}
	}
	if err := hdu.Write(img.Data); err != nil {
		return errors.Wrap(err, "encode pixels")
	}
	if err := f.Write(hdu); err != nil {
		return errors.Wrap(err, "write HDU")
	}
	return errors.Wrap(f.Close(), "close FITS")
}

// WriteFile writes img to path, replacing any existing file.
func WriteFile(path string, img *Image) error {
	var buf bytes.Buffer
	if err := Write(&buf, img); err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0o644), "write %s", path)
}

func reserved(key string) bool {
	switch key {
	case "SIMPLE", "BITPIX", "EXTEND", "END", "XTENSION", "PCOUNT", "GCOUNT", "BSCALE", "BZERO":
		return true
	}
	return strings.HasPrefix(key, "NAXIS")
}

// SaturationMap converts a 2-D image of saturation levels.
func (img *Image) SaturationMap() (*rampcal.SaturationMap, error) {
	if len(img.Axes) != 2 {
		return nil, errors.Wrapf(rampcal.ErrGeometryMismatch, "saturation reference has %d axes, want 2", len(img.Axes))
	}
	return &rampcal.SaturationMap{
		NY:        img.Axes[1],
		NX:        img.Axes[0],
		Threshold: append([]float32(nil), img.Data...),
	}, nil
}

// FromRate wraps a rate image of a cube as a 2-D FITS image.
func FromRate(cube *rampcal.RampCube, rate []float32, suffix string) *Image {
	return &Image{
		Axes: []int{cube.NX, cube.NY},
		Data: rate,
		Header: Header{
			"INSTRUME": cube.Instrument,
			"SUBARRAY": cube.Subarray.Name,
			"BUNIT":    "DN/s",
			"PRODTYPE": suffix,
		},
	}
}

// FromRateInts stacks per-integration rates into a 3-D image.
func FromRateInts(cube *rampcal.RampCube, rateints [][]float32) *Image {
	data := make([]float32, 0, len(rateints)*cube.NY*cube.NX)
	for _, r := range rateints {
		data = append(data, r...)
	}
	img := FromRate(cube, data, "rateints")
	img.Axes = []int{cube.NX, cube.NY, len(rateints)}
	return img
}
