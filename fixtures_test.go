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
	"io"
	"os"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/klauspost/compress/gzip"
)

// writeNetCDF writes a NetCDF file holding one float32 field of h x w
// cells. If there is more than one record, or records3D is true, the
// field has a leading time dimension.
func writeNetCDF(t *testing.T, path, field string, h, w int, records3D bool, records [][]float64, attrs map[string]interface{}) {
	t.Helper()
	var dims []string
	var lengths []int
	if records3D || len(records) > 1 {
		dims, lengths = []string{"time", "lat", "lon"}, []int{len(records), h, w}
	} else {
		dims, lengths = []string{"lat", "lon"}, []int{h, w}
	}
	hdr := cdf.NewHeader(dims, lengths)
	hdr.AddVariable(field, dims, []float32{0})
	for k, v := range attrs {
		hdr.AddAttribute(field, k, v)
	}
	hdr.Define()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ff, err := cdf.Create(f, hdr)
	if err != nil {
		t.Fatal(err)
	}
	var buf []float32
	for _, r := range records {
		if len(r) != h*w {
			t.Fatalf("record has %d values; want %d", len(r), h*w)
		}
		for _, v := range r {
			buf = append(buf, float32(v))
		}
	}
	if _, err := ff.Writer(field, make([]int, len(lengths)), lengths).Write(buf); err != nil {
		t.Fatal(err)
	}
}

// constant returns n copies of v.
func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// gzipFile writes a gzip-compressed copy of src to dst.
func gzipFile(t *testing.T, src, dst string) {
	t.Helper()
	in, err := os.Open(src)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}
