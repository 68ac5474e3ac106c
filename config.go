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
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
)

// Storage formats.
const (
	// FormatNetCDF stores each variable as one NetCDF file per year.
	FormatNetCDF = "netcdf"
	// FormatChunked stores each variable as a directory of
	// (optionally compressed) chunk files.
	FormatChunked = "chunked"
)

// CubeConfig describes the target grid of a cube. It is created once when
// the cube is created, persisted alongside the cube, and reloaded unchanged
// when the cube is opened.
type CubeConfig struct {
	// ModelVersion is the version of cubegen that wrote the cube.
	ModelVersion string `toml:"model_version"`

	// SpatialRes is the edge length of grid cells in degrees. If it is zero
	// it is calculated from the bounding box and GridWidth.
	SpatialRes float64 `toml:"spatial_res"`

	// LonMin, LonMax, LatMin, and LatMax specify the bounding box
	// of the grid in degrees.
	LonMin float64 `toml:"lon_min"`
	LonMax float64 `toml:"lon_max"`
	LatMin float64 `toml:"lat_min"`
	LatMax float64 `toml:"lat_max"`

	// GridWidth and GridHeight are the number of grid cells in the
	// West-East and South-North directions. If they are zero they are
	// calculated from the bounding box and SpatialRes.
	GridWidth  int `toml:"grid_width"`
	GridHeight int `toml:"grid_height"`

	// TemporalRes is the length of each time period in days.
	TemporalRes int `toml:"temporal_res"`

	// RefTime is the reference time for time coordinates, which are
	// stored as days since RefTime.
	RefTime time.Time `toml:"ref_time"`

	// Calendar is the CF calendar of the time coordinate.
	Calendar string `toml:"calendar"`

	// StartTime (inclusive) and EndTime (exclusive) specify the time
	// span of the cube.
	StartTime time.Time `toml:"start_time"`
	EndTime   time.Time `toml:"end_time"`

	// ChunkSizes is the chunk shape (time, lat, lon) hint for chunked storage.
	ChunkSizes []int `toml:"chunk_sizes"`

	// Compression specifies whether variable data should be compressed,
	// and CompLevel (0-9) how strongly.
	Compression bool `toml:"compression"`
	CompLevel   int  `toml:"comp_level"`

	// Format is the storage format, either "netcdf" or "chunked".
	Format string `toml:"format"`
}

// NewCubeConfig returns the configuration of a global, quarter-degree,
// eight-day cube covering 2001 through 2011.
func NewCubeConfig() *CubeConfig {
	return &CubeConfig{
		ModelVersion: ModelVersion,
		SpatialRes:   0.25,
		LonMin:       -180,
		LonMax:       180,
		LatMin:       -90,
		LatMax:       90,
		TemporalRes:  8,
		RefTime:      time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC),
		Calendar:     "gregorian",
		StartTime:    time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndTime:      time.Date(2012, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChunkSizes:   []int{1, 180, 360},
		Compression:  false,
		CompLevel:    3,
		Format:       FormatNetCDF,
	}
}

func configErr(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, a...))
}

// Validate fills in the derived grid dimensions and checks that the
// configuration is valid.
func (c *CubeConfig) Validate() error {
	if c.LatMin < -90 || c.LatMax > 90 || c.LatMin >= c.LatMax {
		return configErr("latitude bounds [%g, %g] must be strictly increasing within [-90, 90]", c.LatMin, c.LatMax)
	}
	if c.LonMin < -180 || c.LonMax > 180 || c.LonMin >= c.LonMax {
		return configErr("longitude bounds [%g, %g] must be strictly increasing within [-180, 180]", c.LonMin, c.LonMax)
	}
	if c.SpatialRes < 0 || c.GridWidth < 0 || c.GridHeight < 0 {
		return configErr("negative grid resolution or size")
	}
	switch {
	case c.GridWidth == 0 && c.GridHeight == 0:
		if c.SpatialRes == 0 {
			return configErr("either spatial_res or grid_width and grid_height must be specified")
		}
		c.GridWidth = round((c.LonMax - c.LonMin) / c.SpatialRes)
		c.GridHeight = round((c.LatMax - c.LatMin) / c.SpatialRes)
	case c.GridWidth == 0 || c.GridHeight == 0:
		return configErr("grid_width and grid_height must both be specified")
	case c.SpatialRes == 0:
		c.SpatialRes = (c.LonMax - c.LonMin) / float64(c.GridWidth)
	}
	if c.GridWidth <= 0 || c.GridHeight <= 0 {
		return configErr("grid size %dx%d is not positive", c.GridWidth, c.GridHeight)
	}
	if c.TemporalRes <= 0 || c.TemporalRes > 366 {
		return configErr("temporal_res %d must be between 1 and 366 days", c.TemporalRes)
	}
	if c.StartTime.IsZero() || !c.EndTime.After(c.StartTime) {
		return configErr("end_time %v must be after start_time %v", c.EndTime, c.StartTime)
	}
	c.StartTime, c.EndTime, c.RefTime = c.StartTime.UTC(), c.EndTime.UTC(), c.RefTime.UTC()
	if c.RefTime.IsZero() {
		c.RefTime = time.Date(c.StartTime.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	switch c.Calendar {
	case "":
		c.Calendar = "gregorian"
	case "gregorian", "standard", "proleptic_gregorian":
	default:
		return configErr("unsupported calendar %q", c.Calendar)
	}
	if c.ChunkSizes == nil {
		c.ChunkSizes = []int{1, c.GridHeight, c.GridWidth}
	}
	if len(c.ChunkSizes) != 3 {
		return configErr("chunk_sizes must have 3 elements (time, lat, lon) but has %d", len(c.ChunkSizes))
	}
	for _, s := range c.ChunkSizes {
		if s <= 0 {
			return configErr("chunk_sizes %v must be positive", c.ChunkSizes)
		}
	}
	if c.CompLevel < 0 || c.CompLevel > 9 {
		return configErr("comp_level %d must be between 0 and 9", c.CompLevel)
	}
	switch c.Format {
	case "":
		c.Format = FormatNetCDF
	case FormatNetCDF, FormatChunked:
	default:
		return configErr("unknown storage format %q", c.Format)
	}
	if c.ModelVersion == "" {
		c.ModelVersion = ModelVersion
	}
	return nil
}

func round(v float64) int { return int(math.Floor(v + 0.5)) }

// Bounds returns the geographic bounding box of the grid.
func (c *CubeConfig) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: c.LonMin, Y: c.LatMin},
		Max: geom.Point{X: c.LonMax, Y: c.LatMax},
	}
}

// CellBounds returns the geographic bounding box of the grid cell at
// column x and row y. Row 0 is the northernmost row.
func (c *CubeConfig) CellBounds(x, y int) *geom.Bounds {
	dx, dy := c.cellSize()
	top := c.LatMax - float64(y)*dy
	left := c.LonMin + float64(x)*dx
	return &geom.Bounds{
		Min: geom.Point{X: left, Y: top - dy},
		Max: geom.Point{X: left + dx, Y: top},
	}
}

func (c *CubeConfig) cellSize() (dx, dy float64) {
	return (c.LonMax - c.LonMin) / float64(c.GridWidth), (c.LatMax - c.LatMin) / float64(c.GridHeight)
}

// Lats returns the latitudes of the grid cell centers, northernmost first,
// along with the [north, south] bounds of each row.
func (c *CubeConfig) Lats() (centers []float64, bounds [][2]float64) {
	centers = make([]float64, c.GridHeight)
	bounds = make([][2]float64, c.GridHeight)
	for j := range centers {
		b := c.CellBounds(0, j)
		centers[j] = (b.Min.Y + b.Max.Y) / 2
		bounds[j] = [2]float64{b.Max.Y, b.Min.Y}
	}
	return centers, bounds
}

// Lons returns the longitudes of the grid cell centers, westernmost first,
// along with the [west, east] bounds of each column.
func (c *CubeConfig) Lons() (centers []float64, bounds [][2]float64) {
	centers = make([]float64, c.GridWidth)
	bounds = make([][2]float64, c.GridWidth)
	for i := range centers {
		b := c.CellBounds(i, 0)
		centers[i] = (b.Min.X + b.Max.X) / 2
		bounds[i] = [2]float64{b.Min.X, b.Max.X}
	}
	return centers, bounds
}

// GridRegion returns the smallest rectangle of grid cells that holds every
// cell whose center lies within b. The result is empty if b does not
// contain any cell center.
func (c *CubeConfig) GridRegion(b *geom.Bounds) image.Rectangle {
	var r image.Rectangle
	if !c.Bounds().Overlaps(b) {
		return r
	}
	for y := 0; y < c.GridHeight; y++ {
		for x := 0; x < c.GridWidth; x++ {
			cb := c.CellBounds(x, y)
			center := geom.Point{X: (cb.Min.X + cb.Max.X) / 2, Y: (cb.Min.Y + cb.Max.Y) / 2}
			if b.Overlaps(geom.NewBoundsPoint(center)) {
				r = r.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	return r
}

// SaveCubeConfig writes c to the file at path.
func SaveCubeConfig(c *CubeConfig, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cubegen: saving cube configuration: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("cubegen: saving cube configuration: %w", err)
	}
	return f.Close()
}

// LoadCubeConfig reads and validates the configuration at path.
// If the configuration was written by a different model version a warning
// is logged; no migration is performed.
func LoadCubeConfig(path string, log logrus.FieldLogger) (*CubeConfig, error) {
	c := new(CubeConfig)
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("cubegen: loading cube configuration: %w", err)
	}
	if c.ModelVersion != ModelVersion {
		log.WithFields(logrus.Fields{
			"file":     path,
			"found":    c.ModelVersion,
			"expected": ModelVersion,
		}).Warn("cube configuration was written by a different model version")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
