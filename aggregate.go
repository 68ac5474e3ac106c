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

package cubegen

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// Aggregate returns the cell-wise weighted mean of the given 2-D images.
// Missing cells (NaN) are excluded from the mean of that cell rather than
// being treated as zero, and a cell that is missing in every image is
// missing in the result. If weights is nil, all images are weighted
// equally. The input images are not modified.
func Aggregate(images []*sparse.DenseArray, weights []float64) (*sparse.DenseArray, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("cubegen: aggregate: no images")
	}
	if weights == nil {
		weights = make([]float64, len(images))
		floats.AddConst(1, weights)
	}
	if len(weights) != len(images) {
		return nil, fmt.Errorf("cubegen: aggregate: %d weights for %d images", len(weights), len(images))
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("cubegen: aggregate: invalid weight %g for image %d", w, i)
		}
	}
	shape := images[0].Shape
	if len(shape) != 2 {
		return nil, fmt.Errorf("cubegen: aggregate: images must be 2-D but have shape %v", shape)
	}
	for i, img := range images[1:] {
		if !sameShape(shape, img.Shape) {
			return nil, fmt.Errorf("cubegen: aggregate: image %d has shape %v; want %v", i+1, img.Shape, shape)
		}
	}

	if len(images) == 1 {
		return images[0].Copy(), nil
	}

	out := sparse.ZerosDense(shape...)
	sumW := make([]float64, len(out.Elements))
	for k, img := range images {
		w := weights[k]
		if w == 0 {
			continue
		}
		for i, v := range img.Elements {
			if math.IsNaN(v) {
				continue
			}
			out.Elements[i] += v * w
			sumW[i] += w
		}
	}
	for i, sw := range sumW {
		if sw == 0 {
			out.Elements[i] = math.NaN()
			continue
		}
		out.Elements[i] /= sw
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
