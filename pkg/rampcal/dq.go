package rampcal

type morphShape int

const (
	morphRect morphShape = iota
	morphCross
)

// FlagMask ORs flag into dq wherever mask is set.
func FlagMask(dq []DQ, mask []bool, flag DQ) int {
	n := 0
	for i, m := range mask {
		if m {
			dq[i] |= flag
			n++
		}
	}
	return n
}

// MaskOf returns the pixels where any bit of flag is set.
func MaskOf(dq []DQ, flag DQ) []bool {
	mask := make([]bool, len(dq))
	for i, v := range dq {
		mask[i] = v&flag != 0
	}
	return mask
}

// GrowMask dilates a [ny*nx] mask by radius pixels. With diagonal the
// neighborhood is the Chebyshev ball (8-connected); without it growth only
// follows rows and columns and yields the Manhattan ball.
func GrowMask(mask []bool, ny, nx, radius int, diagonal bool) []bool {
	out := make([]bool, len(mask))
	copy(out, mask)
	if radius <= 0 || len(mask) == 0 {
		return out
	}

	src := NewMatWithSize(ny, nx)
	defer src.Close()
	data := src.DataFloat32()
	for i, m := range mask {
		if m {
			data[i] = 1
		} else {
			data[i] = 0
		}
	}
	if countNonZero(src) == 0 {
		return out
	}

	dst := NewMat()
	defer dst.Close()
	if diagonal {
		morphDilate(src, &dst, morphRect, 2*radius+1, 1)
	} else {
		morphDilate(src, &dst, morphCross, 3, radius)
	}
	grown := dst.DataFloat32()
	for i := range out {
		out[i] = grown[i] != 0
	}
	return out
}

// Region is a half-open rectangle of rows [Row0, Row1) and columns [Col0, Col1).
type Region struct {
	Row0, Row1 int
	Col0, Col1 int
}

func (r Region) clip(ny, nx int) Region {
	r.Row0, r.Row1 = clampInt(r.Row0, 0, ny), clampInt(r.Row1, 0, ny)
	r.Col0, r.Col1 = clampInt(r.Col0, 0, nx), clampInt(r.Col1, 0, nx)
	return r
}

func (r Region) Empty() bool { return r.Row0 >= r.Row1 || r.Col0 >= r.Col1 }

// LowerRows is n rows starting off rows above the bottom edge.
func LowerRows(ny, nx, n, off int) Region {
	return Region{Row0: off, Row1: off + n, Col0: 0, Col1: nx}
}

// UpperRows is n rows ending off rows below the top edge.
func UpperRows(ny, nx, n, off int) Region {
	return Region{Row0: ny - n - off, Row1: ny - off, Col0: 0, Col1: nx}
}

// LeftCols is n columns starting off columns from the left edge.
func LeftCols(ny, nx, n, off int) Region {
	return Region{Row0: 0, Row1: ny, Col0: off, Col1: off + n}
}

// RightCols is n columns ending off columns from the right edge.
func RightCols(ny, nx, n, off int) Region {
	return Region{Row0: 0, Row1: ny, Col0: nx - n - off, Col1: nx - off}
}

type savedRegion struct {
	region Region
	values []DQ
}

// RestoreToken remembers the pre-flood state of flooded regions.
type RestoreToken struct {
	nx      int
	flag    DQ
	regions []savedRegion
}

// FloodRegions ORs flag into every region of the [ny*nx] array dq. All
// regions are captured before any of them is modified, so overlapping
// regions restore correctly.
func FloodRegions(dq []DQ, ny, nx int, regions []Region, flag DQ) *RestoreToken {
	tok := &RestoreToken{nx: nx, flag: flag}
	for _, r := range regions {
		r = r.clip(ny, nx)
		if r.Empty() {
			continue
		}
		saved := savedRegion{region: r, values: make([]DQ, 0, (r.Row1-r.Row0)*(r.Col1-r.Col0))}
		for y := r.Row0; y < r.Row1; y++ {
			saved.values = append(saved.values, dq[y*nx+r.Col0:y*nx+r.Col1]...)
		}
		tok.regions = append(tok.regions, saved)
	}
	for _, s := range tok.regions {
		r := s.region
		for y := r.Row0; y < r.Row1; y++ {
			row := dq[y*nx+r.Col0 : y*nx+r.Col1]
			for x := range row {
				row[x] |= flag
			}
		}
	}
	return tok
}

// Restore puts the flooded flag back to its pre-flood value inside the
// flooded regions. Other bits, including ones set after the flood, are kept.
func (t *RestoreToken) Restore(dq []DQ) {
	if t == nil {
		return
	}
	for _, s := range t.regions {
		r := s.region
		w := r.Col1 - r.Col0
		for y := r.Row0; y < r.Row1; y++ {
			row := dq[y*t.nx+r.Col0 : y*t.nx+r.Col1]
			orig := s.values[(y-r.Row0)*w : (y-r.Row0+1)*w]
			for x := range row {
				row[x] = row[x]&^t.flag | orig[x]&t.flag
			}
		}
	}
}

// Regions lists the flooded regions after clipping.
func (t *RestoreToken) Regions() []Region {
	if t == nil {
		return nil
	}
	out := make([]Region, len(t.regions))
	for i, s := range t.regions {
		out[i] = s.region
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
