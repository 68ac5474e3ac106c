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
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// rangeList is a RangeEnumerator that returns fixed ranges in the order
// given.
type rangeList []SourceTimeRange

func (r rangeList) SourceTimeRanges() ([]SourceTimeRange, error) {
	return append([]SourceTimeRange(nil), r...), nil
}

// fakeReader returns constant images whose value and shape depend on the
// dataset key, or the cell values given for the key.
type fakeReader struct {
	values  map[string]float64
	cells   map[string][]float64
	shapes  map[string][2]int
	missing map[string]string // key -> field that is missing
}

func (r fakeReader) ReadImage(ds Dataset, field string, index int) (*sparse.DenseArray, error) {
	key := ds.(*fakeDataset).key
	if r.missing[key] == field || (field != "v" && field != "w") {
		return nil, fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}
	shape := [2]int{1, 2}
	if s, ok := r.shapes[key]; ok {
		shape = s
	}
	img := sparse.ZerosDense(shape[0], shape[1])
	if cells, ok := r.cells[key]; ok {
		copy(img.Elements, cells)
		return img, nil
	}
	for i := range img.Elements {
		img.Elements[i] = r.values[key]
	}
	return img, nil
}

// testConfig returns a validated global configuration with a w x h grid
// and 8-day periods.
func testConfig(t *testing.T, w, h int, start, end time.Time, format string) *CubeConfig {
	t.Helper()
	c := NewCubeConfig()
	c.SpatialRes = 0
	c.GridWidth, c.GridHeight = w, h
	c.StartTime, c.EndTime, c.RefTime = start, end, start
	c.ChunkSizes = []int{3, h, w}
	c.Format = format
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	return c
}

// shiftingArchive creates four files whose time ranges shift so that each
// of the first three 8-day periods of 2001 overlaps two of them.
func shiftingArchive(t *testing.T) (rangeList, []string) {
	dir := t.TempDir()
	var keys []string
	var ranges rangeList
	for i := 0; i < 4; i++ {
		key := filepath.Join(dir, fmt.Sprintf("f%d.nc", i+1))
		touch(t, key)
		keys = append(keys, key)
		start := date(2001, 1, 1)
		if i > 0 {
			start = date(2001, 1, 5+8*(i-1))
		}
		end := date(2001, 1, 5+8*i)
		ranges = append(ranges, SourceTimeRange{Start: start, End: end, Key: key, Index: NoIndex})
	}
	return ranges, keys
}

func newTestProvider(t *testing.T, cfg *CubeConfig, ranges rangeList, reader ImageReader, closes map[string]int, descs ...VariableDescriptor) *ArchiveProvider {
	t.Helper()
	log := logrus.New()
	cache := NewDatasetCache(t.TempDir(), fakeOpen(closes))
	cache.Log = log
	if len(descs) == 0 {
		descs = []VariableDescriptor{{Name: "v", FillValue: -9999}}
	}
	p, err := NewArchiveProvider("test", cfg, ranges, reader, cache, descs...)
	if err != nil {
		t.Fatal(err)
	}
	p.Log = log
	return p
}

func TestArchiveProviderCache(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges, keys := shiftingArchive(t)
	values := map[string]float64{keys[0]: 1, keys[1]: 2, keys[2]: 3, keys[3]: 4}
	closes := make(map[string]int)
	p := newTestProvider(t, cfg, ranges, fakeReader{values: values}, closes)
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}

	want := []float64{(1 + 2*0.5) / 1.5, (2*0.5 + 3*0.5) / 1.0, (3*0.5 + 4*0.5) / 1.0}
	// closed[i] lists the files that must have been closed once after
	// period i.
	closed := [][]string{nil, {keys[0]}, {keys[0], keys[1]}}
	for i, per := range cfg.Periods(2001)[:3] {
		imgs, err := p.ComputeVariableImages(per.Start, per.End)
		if err != nil {
			t.Fatal(err)
		}
		if !sameValues(imgs["v"].Elements, []float64{want[i], want[i]}, 1e-12) {
			t.Errorf("period %d: got %v, want %g", i, imgs["v"].Elements, want[i])
		}
		if open := p.Cache.Len(); open > 3 || open != 2 {
			t.Errorf("period %d: %d files open; want 2", i, open)
		}
		for _, k := range closed[i] {
			if closes[k] != 1 {
				t.Errorf("period %d: %s closed %d times; want 1", i, filepath.Base(k), closes[k])
			}
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if closes[k] != 1 {
			t.Errorf("%s closed %d times; want 1", filepath.Base(k), closes[k])
		}
	}
	if p.Cache.Opened() != 4 {
		t.Errorf("files opened %d times; want 4", p.Cache.Opened())
	}
}

func TestArchiveProviderNoOverlap(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges, keys := shiftingArchive(t)
	closes := make(map[string]int)
	p := newTestProvider(t, cfg, ranges, fakeReader{values: map[string]float64{keys[0]: 1}}, closes)
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}
	imgs, err := p.ComputeVariableImages(date(2001, 6, 1), date(2001, 6, 9))
	if err != nil {
		t.Fatal(err)
	}
	if imgs != nil {
		t.Errorf("expected no images but got %v", imgs)
	}
	start, end, err := p.TemporalCoverage()
	if err != nil {
		t.Fatal(err)
	}
	if start != date(2001, 1, 1) || end != date(2001, 1, 29) {
		t.Errorf("coverage: got %v to %v", start, end)
	}
}

func TestArchiveProviderState(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	p := newTestProvider(t, cfg, nil, fakeReader{}, make(map[string]int))
	if _, err := p.ComputeVariableImages(date(2001, 1, 1), date(2001, 1, 9)); !errors.Is(err, ErrProviderState) {
		t.Errorf("compute before prepare: got %v", err)
	}
	if _, _, err := p.TemporalCoverage(); !errors.Is(err, ErrProviderState) {
		t.Errorf("coverage before prepare: got %v", err)
	}
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := p.Prepare(); !errors.Is(err, ErrProviderState) {
		t.Errorf("second prepare: got %v", err)
	}
	if _, _, err := p.TemporalCoverage(); !errors.Is(err, ErrNoCoverage) {
		t.Errorf("coverage without ranges: got %v, want ErrNoCoverage", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ComputeVariableImages(date(2001, 1, 1), date(2001, 1, 9)); !errors.Is(err, ErrProviderState) {
		t.Errorf("compute after close: got %v", err)
	}
	if err := p.Close(); !errors.Is(err, ErrProviderState) {
		t.Errorf("second close: got %v", err)
	}
}

func TestArchiveProviderMixedShapes(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges, keys := shiftingArchive(t)
	reader := fakeReader{
		values: map[string]float64{keys[0]: 1, keys[1]: 2},
		shapes: map[string][2]int{keys[1]: {2, 4}},
	}
	for _, order := range []ResamplingOrder{TimeFirst, SpaceFirst} {
		t.Run(order.String(), func(t *testing.T) {
			p := newTestProvider(t, cfg, ranges, reader, make(map[string]int),
				VariableDescriptor{Name: "v", FillValue: -9999, Order: order})
			if err := p.Prepare(); err != nil {
				t.Fatal(err)
			}
			imgs, err := p.ComputeVariableImages(date(2001, 1, 1), date(2001, 1, 9))
			if err != nil {
				t.Fatal(err)
			}
			want := (1 + 2*0.5) / 1.5
			if !sameValues(imgs["v"].Elements, []float64{want, want}, 1e-12) {
				t.Errorf("got %v, want %g", imgs["v"].Elements, want)
			}
			p.Close()
		})
	}
}

func TestArchiveProviderOrder(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges, keys := shiftingArchive(t)
	// The first period holds the whole of file 1 and half of file 2. Both
	// files are 4x1 and are block-averaged onto the 2x1 grid; cell 1 of
	// file 1 is missing.
	reader := fakeReader{
		cells: map[string][]float64{
			keys[0]: {1, math.NaN(), 5, 5},
			keys[1]: {3, 3, 5, 5},
		},
		shapes: map[string][2]int{keys[0]: {1, 4}, keys[1]: {1, 4}},
	}
	tests := []struct {
		order ResamplingOrder
		want  float64
	}{
		// Per-cell means over time are (1+3*0.5)/1.5 and 3, then the block
		// mean is taken.
		{order: TimeFirst, want: ((1+3*0.5)/1.5 + 3) / 2},
		// The block means are 1 and 3, then the weighted mean over time.
		{order: SpaceFirst, want: (1 + 3*0.5) / 1.5},
	}
	for _, test := range tests {
		t.Run(test.order.String(), func(t *testing.T) {
			p := newTestProvider(t, cfg, ranges, reader, make(map[string]int),
				VariableDescriptor{Name: "v", FillValue: -9999, Order: test.order})
			if err := p.Prepare(); err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			imgs, err := p.ComputeVariableImages(date(2001, 1, 1), date(2001, 1, 9))
			if err != nil {
				t.Fatal(err)
			}
			if !sameValues(imgs["v"].Elements, []float64{test.want, 5}, 1e-12) {
				t.Errorf("got %v, want [%g 5]", imgs["v"].Elements, test.want)
			}
		})
	}
}

func TestArchiveProviderUnsortedRanges(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.nc"), filepath.Join(dir, "b.nc")
	touch(t, a)
	touch(t, b)
	ranges := rangeList{
		{Start: date(2001, 3, 1), End: date(2001, 3, 9), Key: b, Index: NoIndex},
		{Start: date(2001, 1, 1), End: date(2001, 1, 9), Key: a, Index: NoIndex},
	}
	reader := fakeReader{values: map[string]float64{a: 1, b: 2}}
	p := newTestProvider(t, cfg, ranges, reader, make(map[string]int))
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	start, end, err := p.TemporalCoverage()
	if err != nil {
		t.Fatal(err)
	}
	if start != date(2001, 1, 1) || end != date(2001, 3, 9) {
		t.Errorf("coverage: got %v to %v", start, end)
	}
	for _, test := range []struct {
		start time.Time
		want  float64
	}{
		{start: date(2001, 1, 1), want: 1},
		{start: date(2001, 3, 1), want: 2},
	} {
		imgs, err := p.ComputeVariableImages(test.start, test.start.AddDate(0, 0, 8))
		if err != nil {
			t.Fatal(err)
		}
		if img, ok := imgs["v"]; !ok || !sameValues(img.Elements, []float64{test.want, test.want}, 0) {
			t.Errorf("%v: got %v, want %g", test.start, imgs, test.want)
		}
	}
}

func TestArchiveProviderInvalidRange(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges := rangeList{{Start: date(2001, 1, 9), End: date(2001, 1, 1), Key: "a.nc", Index: NoIndex}}
	p := newTestProvider(t, cfg, ranges, fakeReader{}, make(map[string]int))
	if err := p.Prepare(); err == nil {
		t.Error("a range that ends before it starts should fail")
	}
}

func TestArchiveProviderMissingField(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	ranges, keys := shiftingArchive(t)
	reader := fakeReader{
		values:  map[string]float64{keys[0]: 1, keys[1]: 2},
		missing: map[string]string{keys[1]: "w"},
	}
	p := newTestProvider(t, cfg, ranges, reader, make(map[string]int),
		VariableDescriptor{Name: "v", FillValue: -9999},
		VariableDescriptor{Name: "w", FillValue: -9999, Expression: "value * 10"},
		VariableDescriptor{Name: "x", FillValue: -9999},
	)
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}
	imgs, err := p.ComputeVariableImages(date(2001, 1, 1), date(2001, 1, 9))
	if err != nil {
		t.Fatal(err)
	}
	// w is only read from the first file.
	if !sameValues(imgs["w"].Elements, []float64{10, 10}, 1e-12) {
		t.Errorf("w: got %v, want 10", imgs["w"].Elements)
	}
	// x is in no file.
	if _, ok := imgs["x"]; ok {
		t.Error("x should not have an image")
	}
	if len(imgs) != 2 {
		t.Errorf("got %d images; want 2", len(imgs))
	}
	p.Close()
}

func TestNewArchiveProviderInvalid(t *testing.T) {
	cfg := testConfig(t, 2, 1, date(2001, 1, 1), date(2002, 1, 1), FormatNetCDF)
	cache := NewDatasetCache(t.TempDir(), OpenNetCDF)
	for _, d := range []VariableDescriptor{
		{Name: ""},
		{Name: "v", DataType: "int8"},
		{Name: "v", Expression: "value *"},
	} {
		if _, err := NewArchiveProvider("test", cfg, rangeList(nil), NetCDFReader{}, cache, d); err == nil {
			t.Errorf("descriptor %+v should be invalid", d)
		}
	}
}
