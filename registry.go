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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/spatialmodel/cubegen/resample"
)

// ProviderContext holds what provider constructors need to know about the
// cube they are constructed for.
type ProviderContext struct {
	Config *CubeConfig

	// CacheDir is where decompressed source files are kept.
	CacheDir string

	// Fetch, if not nil, retrieves remote source files.
	Fetch FetchFunc

	Log logrus.FieldLogger
}

// ProviderConstructor creates a provider from the arguments of a source
// specification.
type ProviderConstructor func(ctx ProviderContext, args map[string]string) (Provider, error)

type registration struct {
	help string
	new  ProviderConstructor
}

// Registry maps provider names to constructors.
type Registry struct {
	providers map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]registration)}
}

// DefaultRegistry returns a registry holding the built-in "netcdf" and
// "static" providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("netcdf", netcdfHelp, NewNetCDFProvider)
	r.Register("static", staticHelp, NewStaticProvider)
	return r
}

// Register adds a provider constructor. It replaces any constructor
// already registered with the same name.
func (r *Registry) Register(name, help string, c ProviderConstructor) {
	r.providers[name] = registration{help: help, new: c}
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Help returns the description of the named provider.
func (r *Registry) Help(name string) string { return r.providers[name].help }

// New creates a provider from a source specification of the form
// "name:key=value:key=value".
func (r *Registry) New(ctx ProviderContext, spec string) (Provider, error) {
	name, args, err := ParseSourceSpec(spec)
	if err != nil {
		return nil, err
	}
	reg, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if ctx.Log == nil {
		ctx.Log = logrus.StandardLogger()
	}
	return reg.new(ctx, args)
}

// ParseSourceSpec splits a source specification of the form
// "name:key=value:key=value" into the provider name and its arguments.
// A segment without "=" continues the previous value, so values may
// contain colons, as in "template=gs://bucket/file_[DATE].nc".
func ParseSourceSpec(spec string) (name string, args map[string]string, err error) {
	parts := strings.Split(spec, ":")
	name = strings.TrimSpace(parts[0])
	if name == "" {
		return "", nil, fmt.Errorf("cubegen: source specification %q has no provider name", spec)
	}
	args = make(map[string]string)
	var last string
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.Contains(k, "/") {
			if last == "" {
				return "", nil, fmt.Errorf("cubegen: source specification %q: %q is not key=value", spec, p)
			}
			args[last] += ":" + p
			continue
		}
		k = strings.TrimSpace(k)
		if _, dup := args[k]; dup {
			return "", nil, fmt.Errorf("cubegen: source specification %q: repeated key %q", spec, k)
		}
		args[k] = v
		last = k
	}
	return name, args, nil
}

const commonHelp = `  vars=out[/field],...   output variables and the source fields they are read from (required)
  fill=-9999             fill value
  dtype=float32          on-disk type (float32 or float64)
  downsample=mean        mean, mode, median, min, max or nearest
  upsample=nearest       nearest or linear
  order=time_first       time_first or space_first
  expr=                  expression applied to each cell value, e.g. "value * 0.02"
  units=, long_name=, standard_name=   variable attributes
  flip_y=false           whether the first row of source images is the southernmost
  region=x0,y0,x1,y1     part of the grid covered by the source, in grid cells
  bbox=w,s,e,n           part of the grid covered by the source, in degrees`

const netcdfHelp = `NetCDF files with the start date in their names.
  template=path_[DATE].nc  file path template; alternatively
  glob=pattern, date_pattern=regexp  a glob pattern and a regular expression whose first submatch is the date
  layout=20060102        Go layout of the date in the file names
  start=, end=           files dated before start or from end on are ignored (default: the cube's span)
  file_delta=1d          time between files (h, m, s, d or mo units)
  record_delta=          time between records within a file (default: one image per file)
` + commonHelp

const staticHelp = `A single NetCDF file of time-invariant data.
  file=path              the file
  start=, end=           the time span the data is valid for (default: the cube's span)
` + commonHelp

// NewNetCDFProvider creates a provider for an archive of NetCDF files.
func NewNetCDFProvider(ctx ProviderContext, args map[string]string) (Provider, error) {
	if ctx.Log == nil {
		ctx.Log = logrus.StandardLogger()
	}
	a := argParser{args: args}
	cfg := ctx.Config
	start := a.time("start", cfg.StartTime)
	end := a.time("end", cfg.EndTime)
	fileDelta, months := a.interval("file_delta", "1d")
	recordDelta, recordMonths := a.interval("record_delta", "")
	if recordMonths != 0 {
		a.fail("record_delta", fmt.Errorf("must not be in months"))
	}
	layout := a.str("layout", "20060102")
	var enum RangeEnumerator
	if g := a.str("glob", ""); g != "" {
		enum = &GlobEnumerator{
			Pattern:     g,
			DatePattern: a.str("date_pattern", `(\d{8})`),
			Layout:      layout,
			Start:       start,
			End:         end,
			FileDelta:   fileDelta,
			Months:      months,
			RecordDelta: recordDelta,
			Log:         ctx.Log,
		}
	} else {
		enum = &TemplateEnumerator{
			Template:    a.required("template"),
			Layout:      layout,
			Start:       start,
			End:         end,
			FileDelta:   fileDelta,
			Months:      months,
			RecordDelta: recordDelta,
			Fetch:       ctx.Fetch,
			Log:         ctx.Log,
		}
	}
	return newProvider(ctx, "netcdf", &a, enum)
}

// NewStaticProvider creates a provider for a single file of
// time-invariant data.
func NewStaticProvider(ctx ProviderContext, args map[string]string) (Provider, error) {
	a := argParser{args: args}
	enum := &StaticEnumerator{
		Path:  a.required("file"),
		Start: a.time("start", ctx.Config.StartTime),
		End:   a.time("end", ctx.Config.EndTime),
		Fetch: ctx.Fetch,
	}
	return newProvider(ctx, "static", &a, enum)
}

func newProvider(ctx ProviderContext, kind string, a *argParser, enum RangeEnumerator) (Provider, error) {
	if ctx.Log == nil {
		ctx.Log = logrus.StandardLogger()
	}
	descs := a.descriptors()
	reader := NetCDFReader{FlipY: a.bool("flip_y", false)}
	region := a.region("region")
	if bb := a.bbox("bbox"); bb != nil {
		if !region.Empty() {
			a.fail("bbox", fmt.Errorf("region and bbox are mutually exclusive"))
		}
		if region = ctx.Config.GridRegion(bb); region.Empty() {
			a.fail("bbox", fmt.Errorf("no grid cell centers within %v", *bb))
		}
	}
	name := a.str("name", kind)
	if err := a.done(); err != nil {
		return nil, fmt.Errorf("cubegen: %s provider: %v", kind, err)
	}
	cache := NewDatasetCache(ctx.CacheDir, OpenNetCDF)
	cache.Log = ctx.Log
	p, err := NewArchiveProvider(name, ctx.Config, enum, reader, cache, descs...)
	if err != nil {
		return nil, err
	}
	p.Region = region
	p.Log = ctx.Log
	return p, nil
}

// argParser reads provider arguments, remembering the first error and
// which arguments were used.
type argParser struct {
	args map[string]string
	used map[string]bool
	err  error
}

func (a *argParser) fail(key string, err error) {
	if a.err == nil {
		a.err = fmt.Errorf("argument %s: %v", key, err)
	}
}

func (a *argParser) get(key string) (string, bool) {
	if a.used == nil {
		a.used = make(map[string]bool)
	}
	a.used[key] = true
	v, ok := a.args[key]
	return v, ok && v != ""
}

func (a *argParser) str(key, def string) string {
	if v, ok := a.get(key); ok {
		return v
	}
	return def
}

func (a *argParser) required(key string) string {
	v, ok := a.get(key)
	if !ok {
		a.fail(key, fmt.Errorf("required"))
	}
	return v
}

func (a *argParser) float(key string, def float64) float64 {
	v, ok := a.get(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		a.fail(key, err)
	}
	return f
}

func (a *argParser) bool(key string, def bool) bool {
	v, ok := a.get(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		a.fail(key, err)
	}
	return b
}

func (a *argParser) time(key string, def time.Time) time.Time {
	v, ok := a.get(key)
	if !ok {
		return def
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		a.fail(key, err)
	}
	return t.UTC()
}

// interval parses a duration such as "6h", "8d" or "1mo". Intervals in
// months are returned separately because they vary in length.
func (a *argParser) interval(key, def string) (d time.Duration, months int) {
	v := a.str(key, def)
	if v == "" {
		return 0, 0
	}
	var err error
	switch {
	case strings.HasSuffix(v, "mo"):
		months, err = strconv.Atoi(strings.TrimSuffix(v, "mo"))
	case strings.HasSuffix(v, "d"):
		var n int
		n, err = strconv.Atoi(strings.TrimSuffix(v, "d"))
		d = time.Duration(n) * day
	default:
		d, err = cast.ToDurationE(v)
	}
	if err != nil {
		a.fail(key, err)
	}
	return d, months
}

func (a *argParser) region(key string) image.Rectangle {
	v, ok := a.get(key)
	if !ok {
		return image.Rectangle{}
	}
	s := strings.Split(v, ",")
	if len(s) != 4 {
		a.fail(key, fmt.Errorf("want x0,y0,x1,y1"))
		return image.Rectangle{}
	}
	var c [4]int
	for i, p := range s {
		n, err := cast.ToIntE(strings.TrimSpace(p))
		if err != nil {
			a.fail(key, err)
		}
		c[i] = n
	}
	return image.Rect(c[0], c[1], c[2], c[3])
}

// bbox parses a geographic bounding box given as west,south,east,north.
func (a *argParser) bbox(key string) *geom.Bounds {
	v, ok := a.get(key)
	if !ok {
		return nil
	}
	s := strings.Split(v, ",")
	if len(s) != 4 {
		a.fail(key, fmt.Errorf("want west,south,east,north"))
		return nil
	}
	var c [4]float64
	for i, p := range s {
		f, err := cast.ToFloat64E(strings.TrimSpace(p))
		if err != nil {
			a.fail(key, err)
			return nil
		}
		c[i] = f
	}
	b := &geom.Bounds{Min: geom.Point{X: c[0], Y: c[1]}, Max: geom.Point{X: c[2], Y: c[3]}}
	if b.Empty() {
		a.fail(key, fmt.Errorf("west must not exceed east nor south exceed north"))
		return nil
	}
	return b
}

func (a *argParser) descriptors() []VariableDescriptor {
	vars := a.required("vars")
	down, err := resample.ParseReducer(a.str("downsample", "mean"))
	if err != nil {
		a.fail("downsample", err)
	}
	up, err := resample.ParseInterpolator(a.str("upsample", "nearest"))
	if err != nil {
		a.fail("upsample", err)
	}
	order, err := ParseResamplingOrder(a.str("order", "time_first"))
	if err != nil {
		a.fail("order", err)
	}
	attrs := make(map[string]string)
	for _, k := range []string{"units", "long_name", "standard_name"} {
		if v, ok := a.get(k); ok {
			attrs[k] = v
		}
	}
	fill := a.float("fill", -9999)
	dtype := a.str("dtype", "float32")
	expr := a.str("expr", "")
	var out []VariableDescriptor
	for _, v := range strings.Split(vars, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		name, field, _ := strings.Cut(v, "/")
		out = append(out, VariableDescriptor{
			Name:       name,
			SourceName: field,
			DataType:   dtype,
			FillValue:  fill,
			Downsample: down,
			Upsample:   up,
			Order:      order,
			Expression: expr,
			Attributes: attrs,
		})
	}
	return out
}

// done returns the first error, or an error if any argument was not used.
func (a *argParser) done() error {
	if a.err != nil {
		return a.err
	}
	var unused []string
	for k := range a.args {
		if !a.used[k] {
			unused = append(unused, k)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return fmt.Errorf("unknown arguments %v", unused)
	}
	return nil
}
