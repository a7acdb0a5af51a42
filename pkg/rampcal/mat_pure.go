//go:build purego || js

package rampcal

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data: make([]float32, rows*cols),
		rows: rows,
		cols: cols,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

// --- Pure Go CV operations ---

// reflectIndex mirrors idx about the border pixel without repeating it
// (dcb|abcd), as OpenCV's BORDER_REFLECT_101.
func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	srcData := src.DataFloat32()
	kx := kernelX.DataFloat32()
	ky := kernelY.DataFloat32()
	kxLen := kernelX.rows * kernelX.cols
	kyLen := kernelY.rows * kernelY.cols
	kxHalf := kxLen / 2
	kyHalf := kyLen / 2

	temp := make([]float32, rows*cols)

	// Horizontal pass
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			if c >= kxHalf && c < cols-kxHalf {
				base := rowOff + c - kxHalf
				for k := 0; k < kxLen; k++ {
					sum += srcData[base+k] * kx[k]
				}
			} else {
				for k := 0; k < kxLen; k++ {
					cc := reflectIndex(c+k-kxHalf, cols)
					sum += srcData[rowOff+cc] * kx[k]
				}
			}
			temp[rowOff+c] = sum
		}
	}

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}

	// Vertical pass
	dstData := dst.DataFloat32()
	rowOffs := make([]int, kyLen)
	for r := 0; r < rows; r++ {
		for k := 0; k < kyLen; k++ {
			rowOffs[k] = reflectIndex(r+k-kyHalf, rows) * cols
		}
		dstOff := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k := 0; k < kyLen; k++ {
				sum += temp[rowOffs[k]+c] * ky[k]
			}
			dstData[dstOff+c] = sum
		}
	}
}

func countNonZero(src Mat) int {
	data := src.DataFloat32()
	n := src.rows * src.cols
	count := 0
	for i := 0; i < n; i++ {
		if data[i] != 0 {
			count++
		}
	}
	return count
}

func morphDilate(src Mat, dst *Mat, shape morphShape, kernelSize, iterations int) {
	rows, cols := src.rows, src.cols
	half := kernelSize / 2

	type off struct{ dr, dc int }
	var offsets []off
	for dr := -half; dr <= half; dr++ {
		for dc := -half; dc <= half; dc++ {
			if shape == morphCross && dr != 0 && dc != 0 {
				continue
			}
			offsets = append(offsets, off{dr, dc})
		}
	}

	current := make([]float32, rows*cols)
	copy(current, src.DataFloat32())
	result := make([]float32, rows*cols)

	for iter := 0; iter < iterations; iter++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				maxVal := current[r*cols+c]
				for _, o := range offsets {
					rr := reflectIndex(r+o.dr, rows)
					cc := reflectIndex(c+o.dc, cols)
					if v := current[rr*cols+cc]; v > maxVal {
						maxVal = v
					}
				}
				result[r*cols+c] = maxVal
			}
		}
		current, result = result, current
	}

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
	copy(dst.DataFloat32(), current)
}
