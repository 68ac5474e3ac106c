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
	"time"

	"golang.org/x/exp/constraints"
)

// OverlapWeight returns the fraction of interval [bStart, bEnd] that is
// covered by interval [aStart, aEnd]. The rules are applied in order:
// if A lies fully inside B the weight is 1; if only the start of A lies
// inside B the weight is (bEnd-aStart)/(bEnd-bStart); if only the end of
// A lies inside B the weight is (aEnd-bStart)/(bEnd-bStart); if B lies
// fully inside A the weight is 1; otherwise the intervals do not
// intersect and the weight is 0.
//
// Both intervals must satisfy start <= end.
func OverlapWeight[T constraints.Integer | constraints.Float](aStart, aEnd, bStart, bEnd T) float64 {
	startInside := bStart <= aStart && aStart <= bEnd
	endInside := bStart <= aEnd && aEnd <= bEnd
	bLen := float64(bEnd - bStart)
	switch {
	case startInside && endInside:
		return 1
	case startInside:
		if bLen == 0 {
			return 0
		}
		return float64(bEnd-aStart) / bLen
	case endInside:
		if bLen == 0 {
			return 0
		}
		return float64(aEnd-bStart) / bLen
	case aStart <= bStart && bEnd <= aEnd:
		return 1
	}
	return 0
}

// TimeOverlapWeight is OverlapWeight for time intervals.
func TimeOverlapWeight(aStart, aEnd, bStart, bEnd time.Time) float64 {
	ref := bStart
	return OverlapWeight(
		int64(aStart.Sub(ref)), int64(aEnd.Sub(ref)),
		int64(0), int64(bEnd.Sub(ref)),
	)
}
