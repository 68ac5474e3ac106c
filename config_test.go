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
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNewCubeConfig(t *testing.T) {
	c := NewCubeConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.GridWidth != 1440 || c.GridHeight != 720 {
		t.Errorf("grid: got %dx%d, want 1440x720", c.GridWidth, c.GridHeight)
	}
	if c.PeriodsPerYear() != 46 {
		t.Errorf("periods per year: got %d, want 46", c.PeriodsPerYear())
	}
	if c.NumPeriods() != 11*46 {
		t.Errorf("number of periods: got %d, want %d", c.NumPeriods(), 11*46)
	}
}

func TestCubeConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *CubeConfig)
	}{
		{name: "lat out of range", modify: func(c *CubeConfig) { c.LatMin = -91 }},
		{name: "lat decreasing", modify: func(c *CubeConfig) { c.LatMin, c.LatMax = 10, -10 }},
		{name: "lon out of range", modify: func(c *CubeConfig) { c.LonMax = 181 }},
		{name: "lon equal", modify: func(c *CubeConfig) { c.LonMin, c.LonMax = 5, 5 }},
		{name: "no resolution", modify: func(c *CubeConfig) { c.SpatialRes = 0 }},
		{name: "temporal res", modify: func(c *CubeConfig) { c.TemporalRes = 0 }},
		{name: "end before start", modify: func(c *CubeConfig) { c.EndTime = c.StartTime }},
		{name: "comp level", modify: func(c *CubeConfig) { c.CompLevel = 10 }},
		{name: "chunk sizes", modify: func(c *CubeConfig) { c.ChunkSizes = []int{1, 0, 10} }},
		{name: "chunk rank", modify: func(c *CubeConfig) { c.ChunkSizes = []int{1, 10} }},
		{name: "format", modify: func(c *CubeConfig) { c.Format = "zarr3" }},
		{name: "calendar", modify: func(c *CubeConfig) { c.Calendar = "noleap" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := NewCubeConfig()
			test.modify(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got error %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestCubeConfigExplicitGrid(t *testing.T) {
	c := NewCubeConfig()
	c.SpatialRes = 0
	c.LonMin, c.LonMax, c.LatMin, c.LatMax = -10, 10, 0, 10
	c.GridWidth, c.GridHeight = 4, 2
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.SpatialRes != 5 {
		t.Errorf("resolution: got %g, want 5", c.SpatialRes)
	}
	lats, latb := c.Lats()
	if !reflect.DeepEqual(lats, []float64{7.5, 2.5}) {
		t.Errorf("lats: got %v", lats)
	}
	if latb[0] != [2]float64{10, 5} {
		t.Errorf("lat bounds: got %v", latb)
	}
	lons, _ := c.Lons()
	if !reflect.DeepEqual(lons, []float64{-7.5, -2.5, 2.5, 7.5}) {
		t.Errorf("lons: got %v", lons)
	}
	b := c.CellBounds(1, 1)
	if b.Min.X != -5 || b.Max.X != 0 || b.Min.Y != 0 || b.Max.Y != 5 {
		t.Errorf("cell bounds: got %# v", pretty.Formatter(b))
	}
	if !c.Bounds().Overlaps(b) {
		t.Error("cell should be within the grid bounds")
	}
}

func TestPeriods(t *testing.T) {
	c := NewCubeConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	p := c.Periods(2001)
	if len(p) != 46 {
		t.Fatalf("got %d periods", len(p))
	}
	want := []Period{
		{Start: date(2001, 1, 1), End: date(2001, 1, 9)},
		{Start: date(2001, 1, 9), End: date(2001, 1, 17)},
	}
	if !reflect.DeepEqual(p[:2], want) {
		t.Errorf("first periods: got %v, want %v", p[:2], want)
	}
	last := Period{Start: date(2001, 12, 27), End: date(2002, 1, 1)}
	if p[45] != last {
		t.Errorf("last period: got %v, want %v", p[45], last)
	}
	for i := 1; i < len(p); i++ {
		if !p[i].Start.Equal(p[i-1].End) {
			t.Errorf("period %d does not start at the end of the previous one", i)
		}
	}
	if idx := c.PeriodIndex(2003, 5); idx != 2*46+5 {
		t.Errorf("index: got %d", idx)
	}
	if got := c.PeriodAt(2*46 + 5); got != c.Periods(2003)[5] {
		t.Errorf("PeriodAt: got %v", got)
	}
	if len(c.TimeGrid()) != c.NumPeriods() {
		t.Errorf("time grid has %d periods; want %d", len(c.TimeGrid()), c.NumPeriods())
	}
	// Leap years end at the next January 1 too.
	p = c.Periods(2004)
	if p[45].End != date(2005, 1, 1) {
		t.Errorf("leap year last period: got %v", p[45])
	}
}

func TestPeriodOverlaps(t *testing.T) {
	p := Period{Start: date(2001, 1, 9), End: date(2001, 1, 17)}
	for _, test := range []struct {
		start, end time.Time
		want       bool
	}{
		{start: date(2001, 1, 1), end: date(2001, 1, 9), want: false},
		{start: date(2001, 1, 1), end: date(2001, 1, 10), want: true},
		{start: date(2001, 1, 10), end: date(2001, 1, 12), want: true},
		{start: date(2001, 1, 16), end: date(2002, 1, 1), want: true},
		{start: date(2001, 1, 17), end: date(2002, 1, 1), want: false},
	} {
		if got := p.Overlaps(test.start, test.end); got != test.want {
			t.Errorf("[%v, %v): got %v, want %v", test.start, test.end, got, test.want)
		}
	}
}

func TestCubeConfigSaveLoad(t *testing.T) {
	c := NewCubeConfig()
	c.Format = FormatChunked
	c.Compression = true
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "cube.toml")
	if err := SaveCubeConfig(c, path); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadCubeConfig(path, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, c2) {
		t.Errorf("loaded configuration differs: %v", pretty.Diff(c, c2))
	}
}

func TestCubeConfigOldVersion(t *testing.T) {
	c := NewCubeConfig()
	c.ModelVersion = "0.1.0"
	path := filepath.Join(t.TempDir(), "cube.toml")
	if err := SaveCubeConfig(c, path); err != nil {
		t.Fatal(err)
	}
	c2, err := LoadCubeConfig(path, logrus.New())
	if err != nil {
		t.Fatalf("an old version should only cause a warning: %v", err)
	}
	if c2.ModelVersion != "0.1.0" {
		t.Errorf("model version: got %s", c2.ModelVersion)
	}
}
