//go:build !purego && !js

package rampcal

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                      { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int             { return mat.m.Rows() }
func (mat Mat) Cols() int             { return mat.m.Cols() }
func (mat Mat) Empty() bool           { return mat.m.Empty() }
func (mat *Mat) Close()               { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// --- CV operations ---

// sepFilter2DReflect mirrors about the edge pixel without repeating it
// (dcb|abcd), matching the pure Go backend.
func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderReflect101)
}

func countNonZero(src Mat) int {
	return gocv.CountNonZero(src.m)
}

func morphDilate(src Mat, dst *Mat, shape morphShape, kernelSize, iterations int) {
	elem := gocv.MorphRect
	if shape == morphCross {
		elem = gocv.MorphCross
	}
	kernel := gocv.GetStructuringElement(elem, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()
	gocv.MorphologyExWithParams(src.m, &dst.m, gocv.MorphDilate, kernel, iterations, gocv.BorderReflect101)
}
