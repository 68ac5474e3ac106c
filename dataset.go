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
	"os"
	"sort"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// Dataset is an open source file.
type Dataset interface {
	// Fields returns the names of the fields in the dataset.
	Fields() []string

	// HasField returns whether the dataset holds the named field.
	HasField(name string) bool

	Close() error
}

// ImageReader extracts 2-D images from datasets.
type ImageReader interface {
	// ReadImage returns the 2-D image of field at the given record index
	// of ds, or the whole field if index is NoIndex. It returns an error
	// wrapping ErrFieldMissing if ds does not hold field.
	ReadImage(ds Dataset, field string, index int) (*sparse.DenseArray, error)
}

// NetCDFDataset is a classic-format NetCDF file.
type NetCDFDataset struct {
	path string
	f    *os.File
	ff   *cdf.File
}

// OpenNetCDF opens the NetCDF file at path. It matches the OpenFunc type.
func OpenNetCDF(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ff, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cubegen: opening NetCDF file %s: %v", path, err)
	}
	return &NetCDFDataset{path: path, f: f, ff: ff}, nil
}

// Fields returns the variables in the file, sorted by name.
func (d *NetCDFDataset) Fields() []string {
	v := d.ff.Header.Variables()
	sort.Strings(v)
	return v
}

// HasField returns whether the file holds the named variable.
func (d *NetCDFDataset) HasField(name string) bool {
	return d.ff.Header.Lengths(name) != nil
}

// Header returns the header of the file.
func (d *NetCDFDataset) Header() *cdf.Header { return d.ff.Header }

// Close closes the file.
func (d *NetCDFDataset) Close() error { return d.f.Close() }

func (d *NetCDFDataset) String() string { return d.path }

// NetCDFReader reads images from NetCDF datasets. The last two dimensions
// of a field are latitude and longitude; a third, leading dimension is
// the record (time) dimension.
type NetCDFReader struct {
	// FlipY reverses the row order of images, for archives whose first
	// row is the southernmost one.
	FlipY bool
}

// ReadImage reads one 2-D slab of field, converting it to float64,
// applying scale_factor and add_offset attributes, and replacing
// _FillValue and missing_value cells with NaN.
func (r NetCDFReader) ReadImage(ds Dataset, field string, index int) (*sparse.DenseArray, error) {
	nds, ok := ds.(*NetCDFDataset)
	if !ok {
		return nil, fmt.Errorf("cubegen: NetCDFReader can't read dataset of type %T", ds)
	}
	h := nds.ff.Header
	dims := h.Lengths(field)
	if dims == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrFieldMissing, field, nds.path)
	}
	if index == NoIndex {
		index = 0
	}
	var ny, nx int
	var begin, end []int
	switch len(dims) {
	case 2:
		if index != 0 {
			return nil, fmt.Errorf("cubegen: reading %s from %s: record %d of a 2-D field", field, nds.path, index)
		}
		ny, nx = dims[0], dims[1]
		begin, end = []int{0, 0}, []int{ny, 0}
	case 3:
		if dims[0] != 0 && index >= dims[0] {
			return nil, fmt.Errorf("cubegen: reading %s from %s: record %d out of range [0, %d)", field, nds.path, index, dims[0])
		}
		ny, nx = dims[1], dims[2]
		begin, end = []int{index, 0, 0}, []int{index + 1, 0, 0}
	default:
		return nil, fmt.Errorf("cubegen: reading %s from %s: field has %d dimensions; want 2 or 3", field, nds.path, len(dims))
	}

	rr := nds.ff.Reader(field, begin, end)
	buf := rr.Zero(ny * nx)
	if _, err := rr.Read(buf); err != nil {
		return nil, fmt.Errorf("cubegen: reading %s from %s: %v", field, nds.path, err)
	}
	vals, err := toFloat64(buf)
	if err != nil {
		return nil, fmt.Errorf("cubegen: reading %s from %s: %v", field, nds.path, err)
	}

	scale, offset := 1.0, 0.0
	if v, ok := attrFloat(h, field, "scale_factor"); ok {
		scale = v
	}
	if v, ok := attrFloat(h, field, "add_offset"); ok {
		offset = v
	}
	fill, hasFill := attrFloat(h, field, "_FillValue")
	missing, hasMissing := attrFloat(h, field, "missing_value")

	img := sparse.ZerosDense(ny, nx)
	for j := 0; j < ny; j++ {
		row := j
		if r.FlipY {
			row = ny - 1 - j
		}
		for i := 0; i < nx; i++ {
			v := vals[row*nx+i]
			if (hasFill && v == fill) || (hasMissing && v == missing) {
				v = math.NaN()
			} else {
				v = v*scale + offset
			}
			img.Elements[j*nx+i] = v
		}
	}
	return img, nil
}

func toFloat64(buf interface{}) ([]float64, error) {
	var out []float64
	switch b := buf.(type) {
	case []uint8:
		out = make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
	case []int16:
		out = make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
	case []int32:
		out = make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
	case []float32:
		out = make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
	case []float64:
		out = b
	default:
		return nil, fmt.Errorf("unsupported data type %T", buf)
	}
	return out, nil
}

// attrFloat returns the first value of a numeric attribute.
func attrFloat(h *cdf.Header, v, a string) (float64, bool) {
	switch x := h.GetAttribute(v, a).(type) {
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	case []float32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []int32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []int16:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []uint8:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	}
	return 0, false
}
