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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// arrayMeta is the metadata of a chunked array, stored as array.json in
// the array's directory.
type arrayMeta struct {
	Shape      []int             `json:"shape"`
	Chunks     []int             `json:"chunks"`
	DataType   string            `json:"dtype"`
	FillValue  float64           `json:"fill_value"`
	Compressor string            `json:"compressor,omitempty"`
	Level      int               `json:"level,omitempty"`
	Dimensions []string          `json:"dimensions"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const arrayMetaFile = "array.json"

// chunkArray is an n-dimensional array stored as a directory of chunk
// files named by their chunk indices, e.g. "3.0.1". Chunks that have not
// been written hold the fill value.
type chunkArray struct {
	dir   string
	meta  arrayMeta
	codec *zstdCodec
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) close() {
	c.enc.Close()
	c.dec.Close()
}

func createArray(dir string, meta arrayMeta, codec *zstdCodec) (*chunkArray, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, arrayMetaFile), b, 0644); err != nil {
		return nil, err
	}
	return &chunkArray{dir: dir, meta: meta, codec: codec}, nil
}

func openArray(dir string, codec *zstdCodec) (*chunkArray, error) {
	b, err := os.ReadFile(filepath.Join(dir, arrayMetaFile))
	if err != nil {
		return nil, err
	}
	a := &chunkArray{dir: dir, codec: codec}
	if err := json.Unmarshal(b, &a.meta); err != nil {
		return nil, fmt.Errorf("cubegen: reading %s: %v", filepath.Join(dir, arrayMetaFile), err)
	}
	if len(a.meta.Shape) == 0 || len(a.meta.Shape) != len(a.meta.Chunks) {
		return nil, fmt.Errorf("cubegen: array %s has shape %v and chunks %v", dir, a.meta.Shape, a.meta.Chunks)
	}
	return a, nil
}

func (a *chunkArray) chunkLen() int {
	n := 1
	for _, c := range a.meta.Chunks {
		n *= c
	}
	return n
}

func (a *chunkArray) chunkPath(idx []int) string {
	s := make([]string, len(idx))
	for i, v := range idx {
		s[i] = strconv.Itoa(v)
	}
	return filepath.Join(a.dir, strings.Join(s, "."))
}

func (a *chunkArray) elemSize() int {
	if a.meta.DataType == "float32" {
		return 4
	}
	return 8
}

func (a *chunkArray) readChunk(idx []int) ([]float64, error) {
	vals := make([]float64, a.chunkLen())
	b, err := os.ReadFile(a.chunkPath(idx))
	if os.IsNotExist(err) {
		for i := range vals {
			vals[i] = a.meta.FillValue
		}
		return vals, nil
	} else if err != nil {
		return nil, err
	}
	if a.meta.Compressor == "zstd" {
		if b, err = a.codec.dec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("cubegen: decompressing %s: %v", a.chunkPath(idx), err)
		}
	}
	if len(b) != len(vals)*a.elemSize() {
		return nil, fmt.Errorf("cubegen: chunk %s has %d bytes; want %d", a.chunkPath(idx), len(b), len(vals)*a.elemSize())
	}
	for i := range vals {
		if a.elemSize() == 4 {
			vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		} else {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	}
	return vals, nil
}

func (a *chunkArray) writeChunk(idx []int, vals []float64) error {
	b := make([]byte, len(vals)*a.elemSize())
	for i, v := range vals {
		if a.elemSize() == 4 {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
		}
	}
	if a.meta.Compressor == "zstd" {
		b = a.codec.enc.EncodeAll(b, nil)
	}
	return os.WriteFile(a.chunkPath(idx), b, 0644)
}

// each calls f for every index vector in the box [lo, hi). It calls f
// once with an empty index if the box has no dimensions.
func each(lo, hi []int, f func(idx []int) error) error {
	idx := append([]int(nil), lo...)
	for d := range lo {
		if lo[d] >= hi[d] {
			return nil
		}
	}
	for {
		if err := f(idx); err != nil {
			return err
		}
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return nil
		}
	}
}

func offset(idx, shape []int) int {
	o := 0
	for d, i := range idx {
		o = o*shape[d] + i
	}
	return o
}

// region copies the box of the array starting at start with the given
// shape to or from vals, which is in row-major order. If write is true
// the box is overwritten with vals.
func (a *chunkArray) region(start, shape []int, vals []float64, write bool) error {
	r := len(a.meta.Shape)
	if len(start) != r || len(shape) != r {
		return fmt.Errorf("cubegen: region of rank %d in array of rank %d", len(start), r)
	}
	c0, c1 := make([]int, r), make([]int, r)
	for d := 0; d < r; d++ {
		if start[d] < 0 || shape[d] <= 0 || start[d]+shape[d] > a.meta.Shape[d] {
			return fmt.Errorf("cubegen: region %v+%v out of bounds of %v", start, shape, a.meta.Shape)
		}
		c0[d] = start[d] / a.meta.Chunks[d]
		c1[d] = (start[d]+shape[d]-1)/a.meta.Chunks[d] + 1
	}
	chunks := a.meta.Chunks
	return each(c0, c1, func(ci []int) error {
		chunk, err := a.readChunk(ci)
		if err != nil {
			return err
		}
		// The overlap of the chunk and the region, in array coordinates.
		lo, hi := make([]int, r), make([]int, r)
		for d := 0; d < r; d++ {
			lo[d] = max(start[d], ci[d]*chunks[d])
			hi[d] = min(start[d]+shape[d], (ci[d]+1)*chunks[d])
		}
		rowLen := hi[r-1] - lo[r-1]
		pos := make([]int, r)
		err = each(lo[:r-1], hi[:r-1], func(outer []int) error {
			copy(pos, outer)
			pos[r-1] = lo[r-1]
			inChunk := make([]int, r)
			inRegion := make([]int, r)
			for d := 0; d < r; d++ {
				inChunk[d] = pos[d] - ci[d]*chunks[d]
				inRegion[d] = pos[d] - start[d]
			}
			co, ro := offset(inChunk, chunks), offset(inRegion, shape)
			if write {
				copy(chunk[co:co+rowLen], vals[ro:ro+rowLen])
			} else {
				copy(vals[ro:ro+rowLen], chunk[co:co+rowLen])
			}
			return nil
		})
		if err != nil || !write {
			return err
		}
		return a.writeChunk(ci, chunk)
	})
}

// chunkStore stores each variable as a chunked array.
type chunkStore struct {
	dir   string
	cfg   *CubeConfig
	log   logrus.FieldLogger
	codec *zstdCodec
	vars  map[string]*chunkArray
	tbnds *chunkArray
}

func newChunkStore(dir string, cfg *CubeConfig, create bool, log logrus.FieldLogger) (*chunkStore, error) {
	codec, err := newZstdCodec(cfg.CompLevel)
	if err != nil {
		return nil, fmt.Errorf("cubegen: creating compressor: %v", err)
	}
	s := &chunkStore{dir: dir, cfg: cfg, log: log, codec: codec, vars: make(map[string]*chunkArray)}
	if create {
		if err := s.writeCoords(); err != nil {
			codec.close()
			return nil, fmt.Errorf("cubegen: writing coordinates: %v", err)
		}
	}
	if s.tbnds, err = openArray(filepath.Join(dir, "coords", "time_bnds"), codec); err != nil {
		codec.close()
		return nil, fmt.Errorf("cubegen: opening store: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "data"))
	if err != nil && !os.IsNotExist(err) {
		codec.close()
		return nil, fmt.Errorf("cubegen: opening store: %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := openArray(filepath.Join(dir, "data", e.Name()), codec)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			codec.close()
			return nil, err
		}
		s.vars[e.Name()] = a
	}
	return s, nil
}

func (s *chunkStore) compressor() string {
	if s.cfg.Compression {
		return "zstd"
	}
	return ""
}

func (s *chunkStore) writeCoords() error {
	for _, c := range coordinates(s.cfg) {
		a, err := createArray(filepath.Join(s.dir, "coords", c.name), arrayMeta{
			Shape:      c.shape,
			Chunks:     c.shape,
			DataType:   "float64",
			FillValue:  math.MaxFloat64,
			Compressor: s.compressor(),
			Level:      s.cfg.CompLevel,
			Dimensions: c.dims,
			Attributes: c.attrs,
		}, s.codec)
		if err != nil {
			return err
		}
		if err := a.region(make([]int, len(c.shape)), c.shape, c.vals, true); err != nil {
			return fmt.Errorf("%s: %v", c.name, err)
		}
	}
	return nil
}

func (s *chunkStore) HasVariable(name string) bool {
	_, ok := s.vars[name]
	return ok
}

func (s *chunkStore) Variables() []string {
	names := make([]string, 0, len(s.vars))
	for n := range s.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *chunkStore) CreateVariable(v VariableDescriptor) error {
	if s.HasVariable(v.Name) {
		return fmt.Errorf("cubegen: variable %s already exists", v.Name)
	}
	shape := []int{s.cfg.NumPeriods(), s.cfg.GridHeight, s.cfg.GridWidth}
	chunks := make([]int, 3)
	for d := range chunks {
		chunks[d] = min(s.cfg.ChunkSizes[d], shape[d])
	}
	fill := v.FillValue
	if v.DataType == "float32" {
		fill = float64(float32(fill))
	}
	a, err := createArray(filepath.Join(s.dir, "data", v.Name), arrayMeta{
		Shape:      shape,
		Chunks:     chunks,
		DataType:   v.DataType,
		FillValue:  fill,
		Compressor: s.compressor(),
		Level:      s.cfg.CompLevel,
		Dimensions: []string{"time", "lat", "lon"},
		Attributes: v.Attributes,
	}, s.codec)
	if err != nil {
		return fmt.Errorf("cubegen: creating variable %s: %v", v.Name, err)
	}
	s.vars[v.Name] = a
	return nil
}

func (s *chunkStore) WriteBlock(name string, start int, images []*sparse.DenseArray) error {
	a, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("cubegen: writing to nonexistent variable %s", name)
	}
	if err := checkIndex(s.cfg, name, start, len(images)); err != nil {
		return err
	}
	if err := checkImages(s.cfg, name, images); err != nil {
		return err
	}
	n := s.cfg.GridHeight * s.cfg.GridWidth
	vals := make([]float64, len(images)*n)
	for k, img := range images {
		for i, v := range img.Elements {
			vals[k*n+i] = toDisk(v, a.meta.FillValue)
		}
	}
	return a.region([]int{start, 0, 0}, []int{len(images), s.cfg.GridHeight, s.cfg.GridWidth}, vals, true)
}

func (s *chunkStore) ReadPeriod(name string, index int) (*sparse.DenseArray, error) {
	a, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("cubegen: reading nonexistent variable %s", name)
	}
	if err := checkIndex(s.cfg, name, index, 1); err != nil {
		return nil, err
	}
	img := sparse.ZerosDense(s.cfg.GridHeight, s.cfg.GridWidth)
	if err := a.region([]int{index, 0, 0}, []int{1, s.cfg.GridHeight, s.cfg.GridWidth}, img.Elements, false); err != nil {
		return nil, err
	}
	for i, v := range img.Elements {
		img.Elements[i] = fromDisk(v, a.meta.FillValue)
	}
	return img, nil
}

func (s *chunkStore) TimeBounds(index int) (Period, error) {
	if err := checkIndex(s.cfg, "time_bnds", index, 1); err != nil {
		return Period{}, err
	}
	b := make([]float64, 2)
	if err := s.tbnds.region([]int{index, 0}, []int{1, 2}, b, false); err != nil {
		return Period{}, err
	}
	return periodFromDays(s.cfg, b[0], b[1]), nil
}

func (s *chunkStore) Close() error {
	s.codec.close()
	return nil
}
