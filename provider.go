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
	"image"
	"math"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/sparse"
	"github.com/spatialmodel/cubegen/resample"
)

// Provider is a pluggable source of images for a cube. A provider must be
// prepared exactly once before any other method is called, and it is
// closed exactly once after its last image has been computed.
type Provider interface {
	// Name returns the name of the provider, for logging and provenance.
	Name() string

	// Prepare enumerates the source time ranges of the provider.
	Prepare() error

	// TemporalCoverage returns the earliest start and the latest end of
	// the provider's source time ranges. It returns ErrNoCoverage if there
	// are no source time ranges.
	TemporalCoverage() (start, end time.Time, err error)

	// SpatialCoverage returns the region of the target grid that
	// the provider writes to.
	SpatialCoverage() image.Rectangle

	// VariableDescriptors returns the output variables of the provider,
	// keyed by name.
	VariableDescriptors() map[string]VariableDescriptor

	// ComputeVariableImages returns one image on the target grid for each
	// output variable, aggregated over the period [start, end). It returns
	// a nil map if no source data overlaps the period.
	ComputeVariableImages(start, end time.Time) (map[string]*sparse.DenseArray, error)

	// Close releases the resources held by the provider.
	Close() error
}

// NoIndex is the intra-file index of a source time range that covers
// a whole file.
const NoIndex = -1

// SourceTimeRange is one retrievable image in a source archive.
type SourceTimeRange struct {
	Start, End time.Time

	// Key identifies the file that holds the image.
	Key string

	// Index is the record within the file, or NoIndex.
	Index int
}

// ResamplingOrder specifies whether source images are aggregated in time
// before or after they are resampled to the target grid.
type ResamplingOrder int

const (
	// TimeFirst aggregates source images at their native resolution and
	// then resamples once. It requires that all of the images contributing
	// to a period have the same shape.
	TimeFirst ResamplingOrder = iota

	// SpaceFirst resamples every source image and then aggregates.
	SpaceFirst
)

func (o ResamplingOrder) String() string {
	switch o {
	case TimeFirst:
		return "time_first"
	case SpaceFirst:
		return "space_first"
	}
	return fmt.Sprintf("ResamplingOrder(%d)", int(o))
}

// ParseResamplingOrder parses "time_first" or "space_first".
func ParseResamplingOrder(s string) (ResamplingOrder, error) {
	switch strings.ToLower(s) {
	case "time_first":
		return TimeFirst, nil
	case "space_first":
		return SpaceFirst, nil
	}
	return 0, fmt.Errorf("cubegen: unknown resampling order %q", s)
}

// VariableDescriptor holds the static metadata of an output variable.
type VariableDescriptor struct {
	// Name is the name of the variable in the cube.
	Name string

	// SourceName is the name of the field in the source datasets.
	SourceName string

	// DataType is the on-disk numeric type: "float32" or "float64".
	DataType string

	// FillValue marks missing cells on disk and in source images.
	FillValue float64

	Downsample resample.Reducer
	Upsample   resample.Interpolator
	Order      ResamplingOrder

	// Expression, if not empty, transforms each cell after resampling.
	// The cell value is available as the parameter "value".
	Expression string

	// Attributes are CF attributes such as units, long_name and
	// standard_name to be stored with the variable.
	Attributes map[string]string
}

// Validate checks the descriptor and fills in defaults.
func (v *VariableDescriptor) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("cubegen: variable descriptor has no name")
	}
	if v.SourceName == "" {
		v.SourceName = v.Name
	}
	switch v.DataType {
	case "":
		v.DataType = "float32"
	case "float32", "float64":
	default:
		return fmt.Errorf("cubegen: variable %s: unsupported data type %q", v.Name, v.DataType)
	}
	if math.IsNaN(v.FillValue) || math.IsInf(v.FillValue, 0) {
		return fmt.Errorf("cubegen: variable %s: fill value must be a finite number", v.Name)
	}
	if v.Expression != "" {
		if _, err := govaluate.NewEvaluableExpression(v.Expression); err != nil {
			return fmt.Errorf("cubegen: variable %s: parsing expression: %v", v.Name, err)
		}
	}
	return nil
}

// transform applies the variable's expression to each non-missing cell of
// img in place.
func (v *VariableDescriptor) transform(img *sparse.DenseArray) error {
	if v.Expression == "" {
		return nil
	}
	expr, err := govaluate.NewEvaluableExpression(v.Expression)
	if err != nil {
		return fmt.Errorf("cubegen: variable %s: parsing expression: %v", v.Name, err)
	}
	params := make(map[string]interface{}, 1)
	for i, val := range img.Elements {
		if math.IsNaN(val) {
			continue
		}
		params["value"] = val
		r, err := expr.Evaluate(params)
		if err != nil {
			return fmt.Errorf("cubegen: variable %s: evaluating expression: %v", v.Name, err)
		}
		f, ok := r.(float64)
		if !ok {
			return fmt.Errorf("cubegen: variable %s: expression result %v is not a number", v.Name, r)
		}
		img.Elements[i] = f
	}
	return nil
}

// WeightMap maps the indices of source time ranges to their overlap
// weights for one target period.
type WeightMap map[int]float64

// weightMap returns the weights of the ranges that overlap [start, end).
func weightMap(ranges []SourceTimeRange, start, end time.Time) WeightMap {
	m := make(WeightMap)
	for i, r := range ranges {
		if !r.Start.Before(end) {
			break // ranges are sorted by start time.
		}
		if w := TimeOverlapWeight(r.Start, r.End, start, end); w > 0 {
			m[i] = w
		}
	}
	return m
}
