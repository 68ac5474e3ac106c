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
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// storedVariable is the metadata of a variable in a store.
type storedVariable struct {
	Name       string            `toml:"name"`
	DataType   string            `toml:"data_type"`
	FillValue  float64           `toml:"fill_value"`
	Attributes map[string]string `toml:"attributes"`
}

func newStoredVariable(v VariableDescriptor) *storedVariable {
	return &storedVariable{
		Name:       v.Name,
		DataType:   v.DataType,
		FillValue:  v.FillValue,
		Attributes: v.Attributes,
	}
}

// diskFill returns the fill value as it reads back from disk.
func (v *storedVariable) diskFill() float64 {
	if v.DataType == "float32" {
		return float64(float32(v.FillValue))
	}
	return v.FillValue
}

const variableMetaFile = "variable.toml"

func saveStoredVariable(dir string, v *storedVariable) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, variableMetaFile))
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadStoredVariables reads the metadata of every variable directory in dir.
func loadStoredVariables(dir string) (map[string]*storedVariable, error) {
	vars := make(map[string]*storedVariable)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name(), variableMetaFile)
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v := new(storedVariable)
		if _, err := toml.DecodeFile(path, v); err != nil {
			return nil, fmt.Errorf("cubegen: reading variable metadata %s: %v", path, err)
		}
		vars[v.Name] = v
	}
	return vars, nil
}

func sortedNames(vars map[string]*storedVariable) []string {
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// netcdfStore stores each variable as one NetCDF file per year, with the
// time, lat and lon coordinates in a separate file.
type netcdfStore struct {
	dir  string
	cfg  *CubeConfig
	log  logrus.FieldLogger
	vars map[string]*storedVariable

	coordsF *os.File
	coords  *cdf.File
}

const coordsFile = "coords.nc"

func newNetCDFStore(dir string, cfg *CubeConfig, create bool, log logrus.FieldLogger) (*netcdfStore, error) {
	s := &netcdfStore{dir: dir, cfg: cfg, log: log}
	if create {
		if err := os.MkdirAll(filepath.Join(dir, "data"), os.ModePerm); err != nil {
			return nil, fmt.Errorf("cubegen: creating store: %v", err)
		}
		if err := s.writeCoords(); err != nil {
			return nil, fmt.Errorf("cubegen: writing coordinates: %v", err)
		}
	}
	f, err := os.Open(filepath.Join(dir, coordsFile))
	if err != nil {
		return nil, fmt.Errorf("cubegen: opening store: %v", err)
	}
	ff, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cubegen: opening store coordinates: %v", err)
	}
	s.coordsF, s.coords = f, ff
	if s.vars, err = loadStoredVariables(filepath.Join(dir, "data")); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func addAttributes(h *cdf.Header, v string, attrs map[string]string) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.AddAttribute(v, k, attrs[k])
	}
}

func (s *netcdfStore) writeCoords() error {
	coords := coordinates(s.cfg)
	h := cdf.NewHeader(
		[]string{"time", "lat", "lon", "nv"},
		[]int{s.cfg.NumPeriods(), s.cfg.GridHeight, s.cfg.GridWidth, 2})
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "model_version", s.cfg.ModelVersion)
	for _, c := range coords {
		h.AddVariable(c.name, c.dims, []float64{0})
		addAttributes(h, c.name, c.attrs)
	}
	h.Define()
	f, err := os.Create(filepath.Join(s.dir, coordsFile))
	if err != nil {
		return err
	}
	ff, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		return err
	}
	for _, c := range coords {
		w := ff.Writer(c.name, make([]int, len(c.shape)), c.shape)
		if _, err := w.Write(c.vals); err != nil {
			f.Close()
			return fmt.Errorf("%s: %v", c.name, err)
		}
	}
	return f.Close()
}

func (s *netcdfStore) HasVariable(name string) bool {
	_, ok := s.vars[name]
	return ok
}

func (s *netcdfStore) Variables() []string { return sortedNames(s.vars) }

func (s *netcdfStore) CreateVariable(v VariableDescriptor) error {
	if s.HasVariable(v.Name) {
		return fmt.Errorf("cubegen: variable %s already exists", v.Name)
	}
	sv := newStoredVariable(v)
	if err := saveStoredVariable(filepath.Join(s.dir, "data", v.Name), sv); err != nil {
		return fmt.Errorf("cubegen: creating variable %s: %v", v.Name, err)
	}
	s.vars[v.Name] = sv
	return nil
}

func (s *netcdfStore) yearPath(name string, year int) string {
	return filepath.Join(s.dir, "data", name, fmt.Sprintf("%d_%s.nc", year, name))
}

// openYear opens the file holding the given year of a variable,
// creating it if it doesn't exist.
func (s *netcdfStore) openYear(v *storedVariable, year int) (*os.File, *cdf.File, error) {
	path := s.yearPath(v.Name, year)
	if _, err := os.Stat(path); err == nil {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, err
		}
		ff, err := cdf.Open(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return f, ff, nil
	}

	ppy := s.cfg.PeriodsPerYear()
	h := cdf.NewHeader(
		[]string{"time", "lat", "lon", "nv"},
		[]int{ppy, s.cfg.GridHeight, s.cfg.GridWidth, 2})
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "model_version", s.cfg.ModelVersion)
	h.AddAttribute("", "year", []int32{int32(year)})
	dims := []string{"time", "lat", "lon"}
	if v.DataType == "float64" {
		h.AddVariable(v.Name, dims, []float64{0})
		h.AddAttribute(v.Name, "_FillValue", []float64{v.FillValue})
	} else {
		h.AddVariable(v.Name, dims, []float32{0})
		h.AddAttribute(v.Name, "_FillValue", []float32{float32(v.FillValue)})
	}
	addAttributes(h, v.Name, v.Attributes)
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", s.cfg.TimeUnits())
	h.AddAttribute("time", "calendar", s.cfg.Calendar)
	h.AddAttribute("time", "bounds", "time_bnds")
	h.AddVariable("time_bnds", []string{"time", "nv"}, []float64{0})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	ff, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	t := make([]float64, ppy)
	tb := make([]float64, 2*ppy)
	for i, p := range s.cfg.Periods(year) {
		t[i] = s.cfg.DaysSinceRef(p.Start)
		tb[2*i], tb[2*i+1] = t[i], s.cfg.DaysSinceRef(p.End)
	}
	if _, err := ff.Writer("time", []int{0}, []int{ppy}).Write(t); err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := ff.Writer("time_bnds", []int{0, 0}, []int{ppy, 2}).Write(tb); err != nil {
		f.Close()
		return nil, nil, err
	}
	// Every period of a new file starts out missing.
	empty := make([]*sparse.DenseArray, ppy)
	blank := sparse.ZerosDense(s.cfg.GridHeight, s.cfg.GridWidth)
	for i := range blank.Elements {
		blank.Elements[i] = math.NaN()
	}
	for i := range empty {
		empty[i] = blank
	}
	if err := s.writeRecords(ff, v, 0, empty); err != nil {
		f.Close()
		return nil, nil, err
	}
	s.log.WithFields(logrus.Fields{"variable": v.Name, "year": year, "file": path}).Debug("created variable file")
	return f, ff, nil
}

func (s *netcdfStore) writeRecords(ff *cdf.File, v *storedVariable, t0 int, images []*sparse.DenseArray) error {
	n := s.cfg.GridHeight * s.cfg.GridWidth
	var buf interface{}
	if v.DataType == "float64" {
		b := make([]float64, len(images)*n)
		for k, img := range images {
			for i, val := range img.Elements {
				b[k*n+i] = toDisk(val, v.FillValue)
			}
		}
		buf = b
	} else {
		b := make([]float32, len(images)*n)
		for k, img := range images {
			for i, val := range img.Elements {
				b[k*n+i] = float32(toDisk(val, v.FillValue))
			}
		}
		buf = b
	}
	w := ff.Writer(v.Name, []int{t0, 0, 0}, []int{t0 + len(images), 0, 0})
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("cubegen: writing %s: %v", v.Name, err)
	}
	return nil
}

func (s *netcdfStore) WriteBlock(name string, start int, images []*sparse.DenseArray) error {
	v, ok := s.vars[name]
	if !ok {
		return fmt.Errorf("cubegen: writing to nonexistent variable %s", name)
	}
	if err := checkIndex(s.cfg, name, start, len(images)); err != nil {
		return err
	}
	if err := checkImages(s.cfg, name, images); err != nil {
		return err
	}
	ppy := s.cfg.PeriodsPerYear()
	for k := 0; k < len(images); {
		idx := start + k
		year, t0 := s.cfg.StartYear()+idx/ppy, idx%ppy
		n := ppy - t0
		if n > len(images)-k {
			n = len(images) - k
		}
		f, ff, err := s.openYear(v, year)
		if err != nil {
			return fmt.Errorf("cubegen: opening %s for %d: %v", name, year, err)
		}
		if err := s.writeRecords(ff, v, t0, images[k:k+n]); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		k += n
	}
	return nil
}

func (s *netcdfStore) ReadPeriod(name string, index int) (*sparse.DenseArray, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("cubegen: reading nonexistent variable %s", name)
	}
	if err := checkIndex(s.cfg, name, index, 1); err != nil {
		return nil, err
	}
	img := sparse.ZerosDense(s.cfg.GridHeight, s.cfg.GridWidth)
	ppy := s.cfg.PeriodsPerYear()
	path := s.yearPath(name, s.cfg.StartYear()+index/ppy)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		for i := range img.Elements {
			img.Elements[i] = math.NaN()
		}
		return img, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("cubegen: reading %s: %v", path, err)
	}
	t := index % ppy
	r := ff.Reader(name, []int{t, 0, 0}, []int{t + 1, 0, 0})
	buf := r.Zero(len(img.Elements))
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("cubegen: reading %s: %v", path, err)
	}
	vals, err := toFloat64(buf)
	if err != nil {
		return nil, err
	}
	fill := v.diskFill()
	for i, val := range vals {
		img.Elements[i] = fromDisk(val, fill)
	}
	return img, nil
}

func (s *netcdfStore) TimeBounds(index int) (Period, error) {
	if err := checkIndex(s.cfg, "time_bnds", index, 1); err != nil {
		return Period{}, err
	}
	r := s.coords.Reader("time_bnds", []int{index, 0}, []int{index + 1, 0})
	buf := make([]float64, 2)
	if _, err := r.Read(buf); err != nil {
		return Period{}, fmt.Errorf("cubegen: reading time bounds: %v", err)
	}
	return periodFromDays(s.cfg, buf[0], buf[1]), nil
}

func (s *netcdfStore) Close() error { return s.coordsF.Close() }
