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
	"testing"
	"time"
)

func TestOverlapWeight(t *testing.T) {
	tests := []struct {
		a0, a1, b0, b1 int
		want           float64
	}{
		{a0: 1, a1: 5, b0: 4, b1: 8, want: 0.25},
		{a0: 1, a1: 9, b0: 4, b1: 8, want: 1},
		{a0: 6, a1: 9, b0: 4, b1: 8, want: 0.5},
		{a0: 5, a1: 6, b0: 4, b1: 8, want: 1},  // A inside B
		{a0: 0, a1: 2, b0: 4, b1: 8, want: 0},  // disjoint, before
		{a0: 9, a1: 12, b0: 4, b1: 8, want: 0}, // disjoint, after
		{a0: 8, a1: 12, b0: 4, b1: 8, want: 0}, // touching at the end of B
		{a0: 0, a1: 4, b0: 4, b1: 8, want: 0},  // touching at the start of B
		{a0: 0, a1: 9, b0: 4, b1: 4, want: 1},  // degenerate B inside A
		{a0: 5, a1: 9, b0: 4, b1: 4, want: 0},  // degenerate B outside A
	}
	for _, test := range tests {
		got := OverlapWeight(test.a0, test.a1, test.b0, test.b1)
		if got != test.want {
			t.Errorf("OverlapWeight(%d, %d, %d, %d) = %g; want %g", test.a0, test.a1, test.b0, test.b1, got, test.want)
		}
	}
	if got := OverlapWeight(1.0, 5.0, 4.0, 8.0); got != 0.25 {
		t.Errorf("float: got %g, want 0.25", got)
	}
}

func TestTimeOverlapWeight(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2001, time.January, day, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		a0, a1, b0, b1 time.Time
		want           float64
	}{
		{a0: d(1), a1: d(5), b0: d(4), b1: d(8), want: 0.25},
		{a0: d(1), a1: d(9), b0: d(4), b1: d(8), want: 1},
		{a0: d(6), a1: d(9), b0: d(4), b1: d(8), want: 0.5},
		{a0: d(10), a1: d(12), b0: d(4), b1: d(8), want: 0},
		// Coverage [01-01, 02-01) against the period [01-25, 02-02).
		{a0: d(1), a1: d(32), b0: d(25), b1: d(33), want: 7.0 / 8},
	}
	for _, test := range tests {
		if got := TimeOverlapWeight(test.a0, test.a1, test.b0, test.b1); got != test.want {
			t.Errorf("TimeOverlapWeight(%v, %v, %v, %v) = %g; want %g", test.a0, test.a1, test.b0, test.b1, got, test.want)
		}
	}
}
