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
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// Store is the persistent storage of a cube. Each variable is an array
// with dimensions (time, lat, lon) whose time dimension spans every
// period of the cube; slots that have not been written hold the
// variable's fill value.
type Store interface {
	// HasVariable returns whether storage has been created for the
	// named variable.
	HasVariable(name string) bool

	// CreateVariable creates the storage of a variable.
	CreateVariable(v VariableDescriptor) error

	// WriteBlock writes images to consecutive periods of the named variable,
	// starting at the given period index. Missing (NaN) cells are
	// written as the variable's fill value.
	WriteBlock(name string, start int, images []*sparse.DenseArray) error

	// ReadPeriod returns the image of the named variable at the given
	// period index, with fill values replaced by NaN.
	ReadPeriod(name string, index int) (*sparse.DenseArray, error)

	// TimeBounds returns the stored bounds of the given period index.
	TimeBounds(index int) (Period, error)

	// Variables returns the names of the stored variables, sorted.
	Variables() []string

	Close() error
}

// newStore creates or opens the store of the cube in dir.
func newStore(dir string, cfg *CubeConfig, create bool, log logrus.FieldLogger) (Store, error) {
	switch cfg.Format {
	case FormatNetCDF:
		return newNetCDFStore(dir, cfg, create, log)
	case FormatChunked:
		return newChunkStore(dir, cfg, create, log)
	}
	return nil, fmt.Errorf("%w: unknown storage format %q", ErrInvalidConfig, cfg.Format)
}

// coordinate is a coordinate or bounds array of a cube.
type coordinate struct {
	name  string
	dims  []string
	shape []int
	vals  []float64
	attrs map[string]string
}

// coordinates returns the time, lat and lon coordinates of a cube and
// their bounds. Times are days since cfg.RefTime.
func coordinates(cfg *CubeConfig) []coordinate {
	grid := cfg.TimeGrid()
	t := make([]float64, len(grid))
	tb := make([]float64, 2*len(grid))
	for i, p := range grid {
		t[i] = cfg.DaysSinceRef(p.Start)
		tb[2*i] = t[i]
		tb[2*i+1] = cfg.DaysSinceRef(p.End)
	}
	lat, latb := cfg.Lats()
	lon, lonb := cfg.Lons()
	return []coordinate{
		{name: "time", dims: []string{"time"}, shape: []int{len(t)}, vals: t,
			attrs: map[string]string{"units": cfg.TimeUnits(), "calendar": cfg.Calendar, "bounds": "time_bnds", "standard_name": "time"}},
		{name: "time_bnds", dims: []string{"time", "nv"}, shape: []int{len(t), 2}, vals: tb,
			attrs: map[string]string{"units": cfg.TimeUnits(), "calendar": cfg.Calendar}},
		{name: "lat", dims: []string{"lat"}, shape: []int{len(lat)}, vals: lat,
			attrs: map[string]string{"units": "degrees_north", "bounds": "lat_bnds", "standard_name": "latitude"}},
		{name: "lat_bnds", dims: []string{"lat", "nv"}, shape: []int{len(lat), 2}, vals: flatten(latb),
			attrs: map[string]string{"units": "degrees_north"}},
		{name: "lon", dims: []string{"lon"}, shape: []int{len(lon)}, vals: lon,
			attrs: map[string]string{"units": "degrees_east", "bounds": "lon_bnds", "standard_name": "longitude"}},
		{name: "lon_bnds", dims: []string{"lon", "nv"}, shape: []int{len(lon), 2}, vals: flatten(lonb),
			attrs: map[string]string{"units": "degrees_east"}},
	}
}

func flatten(b [][2]float64) []float64 {
	out := make([]float64, 0, 2*len(b))
	for _, v := range b {
		out = append(out, v[0], v[1])
	}
	return out
}

// periodFromDays converts stored time bounds to a Period.
func periodFromDays(cfg *CubeConfig, start, end float64) Period {
	conv := func(d float64) time.Time {
		return cfg.RefTime.Add(time.Duration(math.Round(d * float64(day)))).Round(time.Second)
	}
	return Period{Start: conv(start), End: conv(end)}
}

// toDisk returns v, or fill if v is missing.
func toDisk(v, fill float64) float64 {
	if math.IsNaN(v) {
		return fill
	}
	return v
}

// fromDisk returns v, or NaN if v is the fill value.
func fromDisk(v, fill float64) float64 {
	if v == fill {
		return math.NaN()
	}
	return v
}

func checkImages(cfg *CubeConfig, name string, images []*sparse.DenseArray) error {
	for i, img := range images {
		if len(img.Shape) != 2 || img.Shape[0] != cfg.GridHeight || img.Shape[1] != cfg.GridWidth {
			return fmt.Errorf("cubegen: writing %s: image %d has shape %v; want [%d %d]", name, i, img.Shape, cfg.GridHeight, cfg.GridWidth)
		}
	}
	return nil
}

func checkIndex(cfg *CubeConfig, name string, start, n int) error {
	if start < 0 || start+n > cfg.NumPeriods() {
		return fmt.Errorf("cubegen: %s: period indices [%d, %d) out of range [0, %d)", name, start, start+n, cfg.NumPeriods())
	}
	return nil
}
