/*
Copyright © 2019 the cubegen authors.
This file is part of cubegen.

cubegen is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

cubegen is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with cubegen.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package resample conforms 2-D gridded images to a target grid shape.
// Axes that shrink are reduced block by block and axes that grow are
// interpolated. Missing cells are NaN or equal to a declared fill value.
package resample

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reducer specifies how a block of source cells is combined into one
// target cell when downsampling.
type Reducer int

// Supported reducers.
const (
	Mean Reducer = iota
	Mode
	Median
	Min
	Max
	Nearest
)

var reducerNames = []string{"mean", "mode", "median", "min", "max", "nearest"}

func (r Reducer) String() string {
	if r < 0 || int(r) >= len(reducerNames) {
		return fmt.Sprintf("Reducer(%d)", int(r))
	}
	return reducerNames[r]
}

// ParseReducer returns the reducer with the given (case-insensitive) name.
func ParseReducer(name string) (Reducer, error) {
	for i, n := range reducerNames {
		if strings.EqualFold(name, n) {
			return Reducer(i), nil
		}
	}
	return 0, fmt.Errorf("resample: unsupported downsampling method %q", name)
}

// Interpolator specifies how values are filled in when upsampling.
type Interpolator int

// Supported interpolators.
const (
	NearestNeighbor Interpolator = iota
	Linear
)

var interpolatorNames = []string{"nearest", "linear"}

func (i Interpolator) String() string {
	if i < 0 || int(i) >= len(interpolatorNames) {
		return fmt.Sprintf("Interpolator(%d)", int(i))
	}
	return interpolatorNames[i]
}

// ParseInterpolator returns the interpolator with the given
// (case-insensitive) name.
func ParseInterpolator(name string) (Interpolator, error) {
	for i, n := range interpolatorNames {
		if strings.EqualFold(name, n) {
			return Interpolator(i), nil
		}
	}
	return 0, fmt.Errorf("resample: unsupported upsampling method %q", name)
}

// Resample returns a copy of img with the given width and height.
// Cells of img that are NaN or equal to fill are treated as missing, and
// missing cells in the result are NaN. img is not modified.
func Resample(img *sparse.DenseArray, width, height int, down Reducer, up Interpolator, fill float64) (*sparse.DenseArray, error) {
	if len(img.Shape) != 2 {
		return nil, fmt.Errorf("resample: image must be 2-D but has shape %v", img.Shape)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("resample: invalid target shape %dx%d", width, height)
	}
	if int(down) < 0 || int(down) >= len(reducerNames) {
		return nil, fmt.Errorf("resample: invalid reducer %v", down)
	}
	if int(up) < 0 || int(up) >= len(interpolatorNames) {
		return nil, fmt.Errorf("resample: invalid interpolator %v", up)
	}
	out := masked(img, fill)
	if out.Shape[1] < width {
		out = interpolateX(out, width, up)
	}
	if out.Shape[0] < height {
		out = interpolateY(out, height, up)
	}
	if out.Shape[0] > height || out.Shape[1] > width {
		out = reduce(out, width, height, down)
	}
	return out, nil
}

// masked returns a copy of img with fill values replaced by NaN.
func masked(img *sparse.DenseArray, fill float64) *sparse.DenseArray {
	out := sparse.ZerosDense(img.Shape...)
	for i, v := range img.Elements {
		if v == fill {
			v = math.NaN()
		}
		out.Elements[i] = v
	}
	return out
}

// sourcePos returns the position of the center of target cell i in the
// index space of an axis with n source cells and m target cells.
func sourcePos(i, n, m int) float64 {
	return (float64(i)+0.5)*float64(n)/float64(m) - 0.5
}

func interp1(v0, v1, f float64, up Interpolator) float64 {
	switch {
	case math.IsNaN(v0):
		return v1
	case math.IsNaN(v1):
		return v0
	case up == NearestNeighbor:
		if f < 0.5 {
			return v0
		}
		return v1
	}
	return v0*(1-f) + v1*f
}

func neighbors(p float64, n int) (i0, i1 int, f float64) {
	p = math.Max(0, math.Min(p, float64(n-1)))
	i0 = int(math.Floor(p))
	i1 = i0 + 1
	if i1 > n-1 {
		i1 = n - 1
	}
	return i0, i1, p - float64(i0)
}

func interpolateX(img *sparse.DenseArray, width int, up Interpolator) *sparse.DenseArray {
	h, n := img.Shape[0], img.Shape[1]
	out := sparse.ZerosDense(h, width)
	for i := 0; i < width; i++ {
		i0, i1, f := neighbors(sourcePos(i, n, width), n)
		for j := 0; j < h; j++ {
			out.Elements[j*width+i] = interp1(img.Elements[j*n+i0], img.Elements[j*n+i1], f, up)
		}
	}
	return out
}

func interpolateY(img *sparse.DenseArray, height int, up Interpolator) *sparse.DenseArray {
	n, w := img.Shape[0], img.Shape[1]
	out := sparse.ZerosDense(height, w)
	for j := 0; j < height; j++ {
		j0, j1, f := neighbors(sourcePos(j, n, height), n)
		for i := 0; i < w; i++ {
			out.Elements[j*w+i] = interp1(img.Elements[j0*w+i], img.Elements[j1*w+i], f, up)
		}
	}
	return out
}

// blocks returns, for each of the m target cells of an axis, the half-open
// range of the n source cells whose centers fall within it.
func blocks(n, m int) [][2]int {
	b := make([][2]int, m)
	for i := range b {
		b[i] = [2]int{n, 0}
	}
	for j := 0; j < n; j++ {
		i := int(math.Floor((float64(j) + 0.5) * float64(m) / float64(n)))
		if i >= m {
			i = m - 1
		}
		if j < b[i][0] {
			b[i][0] = j
		}
		if j+1 > b[i][1] {
			b[i][1] = j + 1
		}
	}
	return b
}

func reduce(img *sparse.DenseArray, width, height int, down Reducer) *sparse.DenseArray {
	h, w := img.Shape[0], img.Shape[1]
	xb, yb := blocks(w, width), blocks(h, height)
	out := sparse.ZerosDense(height, width)
	vals := make([]float64, 0, (w/width+1)*(h/height+1))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if down == Nearest {
				cx, cy := nearestIn(sourcePos(x, w, width), xb[x]), nearestIn(sourcePos(y, h, height), yb[y])
				out.Elements[y*width+x] = img.Elements[cy*w+cx]
				continue
			}
			vals = vals[:0]
			for j := yb[y][0]; j < yb[y][1]; j++ {
				for i := xb[x][0]; i < xb[x][1]; i++ {
					if v := img.Elements[j*w+i]; !math.IsNaN(v) {
						vals = append(vals, v)
					}
				}
			}
			out.Elements[y*width+x] = reduceValues(vals, down)
		}
	}
	return out
}

func nearestIn(p float64, b [2]int) int {
	i := int(math.Floor(p + 0.5))
	if i < b[0] {
		return b[0]
	}
	if i >= b[1] {
		return b[1] - 1
	}
	return i
}

// reduceValues combines the non-missing values of a block. vals may be
// reordered.
func reduceValues(vals []float64, down Reducer) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	switch down {
	case Mean:
		return stat.Mean(vals, nil)
	case Mode:
		m, _ := stat.Mode(vals, nil)
		return m
	case Median:
		sort.Float64s(vals)
		if n := len(vals); n%2 == 0 {
			return (vals[n/2-1] + vals[n/2]) / 2
		}
		return stat.Quantile(0.5, stat.Empirical, vals, nil)
	case Min:
		return floats.Min(vals)
	case Max:
		return floats.Max(vals)
	}
	panic(fmt.Errorf("resample: invalid reducer %v", down))
}

// AspectRatio returns the width:height ratio of img.
func AspectRatio(img *sparse.DenseArray) float64 {
	return float64(img.Shape[1]) / float64(img.Shape[0])
}

// CheckAspect logs a warning if the width:height ratio of img is not
// exactly 2, which is the ratio of a global equirectangular grid.
// It returns whether the ratio is 2.
func CheckAspect(img *sparse.DenseArray, log logrus.FieldLogger, fields logrus.Fields) bool {
	if len(img.Shape) != 2 || img.Shape[0] == 0 {
		return false
	}
	r := AspectRatio(img)
	if r == 2 {
		return true
	}
	log.WithFields(fields).WithFields(logrus.Fields{
		"width":        img.Shape[1],
		"height":       img.Shape[0],
		"aspect_ratio": r,
	}).Warn("image aspect ratio is not 2:1")
	return false
}
