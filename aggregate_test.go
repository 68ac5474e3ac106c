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
	"math"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/kr/pretty"
)

// newImage returns a 2-D image with the given values.
func newImage(h, w int, vals ...float64) *sparse.DenseArray {
	a := sparse.ZerosDense(h, w)
	copy(a.Elements, vals)
	return a
}

// sameValues returns whether a and b are equal within tol, with NaN equal
// to NaN.
func sameValues(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			if math.IsNaN(a[i]) != math.IsNaN(b[i]) {
				return false
			}
			continue
		}
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func TestAggregateSingle(t *testing.T) {
	x := newImage(2, 2, 1, math.NaN(), 3, 4)
	for _, w := range [][]float64{nil, {0.3}} {
		y, err := Aggregate([]*sparse.DenseArray{x}, w)
		if err != nil {
			t.Fatal(err)
		}
		if !sameValues(x.Elements, y.Elements, 0) {
			t.Errorf("weights %v: got %v, want %v", w, y.Elements, x.Elements)
		}
		y.Elements[0] = 100
		if x.Elements[0] != 1 {
			t.Error("output shares memory with input")
		}
	}
}

func TestAggregateMissing(t *testing.T) {
	nan := math.NaN()
	a := newImage(1, 3, 1, nan, nan)
	b := newImage(1, 3, 3, 6, nan)
	aCopy := a.Copy()

	got, err := Aggregate([]*sparse.DenseArray{a, b}, []float64{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{(1*1 + 3*3) / 4.0, 6, nan}
	if !sameValues(got.Elements, want, 1e-12) {
		t.Errorf("got %v, want %v", got.Elements, want)
	}
	if !sameValues(a.Elements, aCopy.Elements, 0) {
		t.Error("input was modified")
	}

	got, err = Aggregate([]*sparse.DenseArray{a, b}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want = []float64{2, 6, nan}
	if !sameValues(got.Elements, want, 1e-12) {
		t.Errorf("uniform weights: got %v, want %v", got.Elements, want)
	}
}

func TestAggregateErrors(t *testing.T) {
	a := newImage(2, 2)
	tests := []struct {
		name    string
		images  []*sparse.DenseArray
		weights []float64
	}{
		{name: "empty"},
		{name: "shape mismatch", images: []*sparse.DenseArray{a, newImage(2, 3)}},
		{name: "not 2-D", images: []*sparse.DenseArray{sparse.ZerosDense(2, 2, 2)}},
		{name: "weights length", images: []*sparse.DenseArray{a, a}, weights: []float64{1}},
		{name: "negative weight", images: []*sparse.DenseArray{a, a}, weights: []float64{1, -1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if r, err := Aggregate(test.images, test.weights); err == nil {
				t.Errorf("expected an error but got %# v", pretty.Formatter(r))
			}
		})
	}
}
