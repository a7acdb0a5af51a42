package rampcal

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SavGolCoefficients returns the smoothing weights of a Savitzky-Golay
// filter: the value at the window center of the least-squares polynomial of
// the given order.
func SavGolCoefficients(window, order int) ([]float64, error) {
	if window < 1 || window%2 == 0 {
		return nil, errors.Wrapf(ErrInvalidParams, "savgol window must be odd, got %d", window)
	}
	if order < 0 || order >= window {
		return nil, errors.Wrapf(ErrInvalidParams, "savgol order %d invalid for window %d", order, window)
	}

	half := window / 2
	ncoef := order + 1
	a := mat.NewDense(window, ncoef, nil)
	for i := 0; i < window; i++ {
		x := float64(i - half)
		p := 1.0
		for j := 0; j < ncoef; j++ {
			a.Set(i, j, p)
			p *= x
		}
	}

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var c mat.Dense
	if err := c.Solve(&ata, a.T()); err != nil {
		return nil, errors.Wrapf(ErrInvalidParams, "savgol normal equations: %v", err)
	}
	return mat.Row(nil, 0, &c), nil
}

// savGolKernels builds the horizontal smoothing kernel and the identity
// vertical kernel for a row-wise filter of a channel image.
func savGolKernels(window, order int) (kx, ky Mat, err error) {
	coeffs, err := SavGolCoefficients(window, order)
	if err != nil {
		return Mat{}, Mat{}, err
	}
	kx = NewMatWithSize(window, 1)
	data := kx.DataFloat32()
	for i, v := range coeffs {
		data[i] = float32(v)
	}
	ky = NewMatWithSize(1, 1)
	ky.DataFloat32()[0] = 1
	return kx, ky, nil
}

// effectiveWindow shrinks window to the widest odd length that fits n
// samples. It returns 0 when no polynomial of the order fits.
func effectiveWindow(window, order, n int) int {
	if window > n {
		window = n
	}
	if window%2 == 0 {
		window--
	}
	if window <= order {
		return 0
	}
	return window
}
