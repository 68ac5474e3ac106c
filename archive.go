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
	"image"
	"sort"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/cubegen/resample"
)

type providerState int

const (
	stateCreated providerState = iota
	statePrepared
	stateClosed
)

func (s providerState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case statePrepared:
		return "prepared"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// ArchiveProvider is a Provider that reads images from an archive of
// source files. The files and time ranges of the archive are listed by
// Enumerator, files are opened through Cache, and images are extracted
// from them by Reader.
type ArchiveProvider struct {
	ProviderName string
	Enumerator   RangeEnumerator
	Reader       ImageReader
	Cache        *DatasetCache
	Descriptors  map[string]VariableDescriptor

	// Width and Height are the shape of the target grid.
	Width, Height int

	// Region is the part of the target grid that the provider covers.
	// If it is empty the provider covers the whole grid.
	Region image.Rectangle

	Log logrus.FieldLogger

	state    providerState
	ranges   []SourceTimeRange
	openKeys map[string]bool
	warned   map[[2]int]bool
}

// NewArchiveProvider returns a provider for the target grid of cfg.
// The descriptors are validated.
func NewArchiveProvider(name string, cfg *CubeConfig, enum RangeEnumerator, reader ImageReader, cache *DatasetCache, descriptors ...VariableDescriptor) (*ArchiveProvider, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("cubegen: provider %s has no variables", name)
	}
	d := make(map[string]VariableDescriptor, len(descriptors))
	for _, v := range descriptors {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, ok := d[v.Name]; ok {
			return nil, fmt.Errorf("cubegen: provider %s: duplicate variable %s", name, v.Name)
		}
		d[v.Name] = v
	}
	return &ArchiveProvider{
		ProviderName: name,
		Enumerator:   enum,
		Reader:       reader,
		Cache:        cache,
		Descriptors:  d,
		Width:        cfg.GridWidth,
		Height:       cfg.GridHeight,
		Log:          logrus.StandardLogger(),
	}, nil
}

func (p *ArchiveProvider) log() logrus.FieldLogger {
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
	return p.Log.WithFields(logrus.Fields{"provider": p.ProviderName})
}

func (p *ArchiveProvider) checkState(op string, want providerState) error {
	if p.state != want {
		return fmt.Errorf("%w: %s: %s called when provider is %v", ErrProviderState, p.ProviderName, op, p.state)
	}
	return nil
}

// Name implements Provider.
func (p *ArchiveProvider) Name() string { return p.ProviderName }

// Prepare implements Provider. It enumerates the source time ranges of
// the archive and sorts them by start time.
func (p *ArchiveProvider) Prepare() error {
	if err := p.checkState("Prepare", stateCreated); err != nil {
		return err
	}
	ranges, err := p.Enumerator.SourceTimeRanges()
	if err == nil {
		ranges, err = sortRanges(ranges)
	}
	if err != nil {
		return fmt.Errorf("cubegen: preparing provider %s: %w", p.ProviderName, err)
	}
	p.ranges = ranges
	p.openKeys = make(map[string]bool)
	p.warned = make(map[[2]int]bool)
	p.state = statePrepared
	p.log().WithFields(logrus.Fields{"ranges": len(ranges)}).Info("prepared provider")
	return nil
}

// TemporalCoverage implements Provider.
func (p *ArchiveProvider) TemporalCoverage() (start, end time.Time, err error) {
	if err := p.checkState("TemporalCoverage", statePrepared); err != nil {
		return start, end, err
	}
	if len(p.ranges) == 0 {
		return start, end, fmt.Errorf("%w: provider %s", ErrNoCoverage, p.ProviderName)
	}
	start = p.ranges[0].Start
	for _, r := range p.ranges {
		if r.End.After(end) {
			end = r.End
		}
	}
	return start, end, nil
}

// SpatialCoverage implements Provider.
func (p *ArchiveProvider) SpatialCoverage() image.Rectangle {
	if p.Region.Empty() {
		return image.Rect(0, 0, p.Width, p.Height)
	}
	return p.Region
}

// VariableDescriptors implements Provider.
func (p *ArchiveProvider) VariableDescriptors() map[string]VariableDescriptor {
	return p.Descriptors
}

// Ranges returns the source time ranges found by Prepare.
func (p *ArchiveProvider) Ranges() []SourceTimeRange { return p.ranges }

// ComputeVariableImages implements Provider. Datasets that are not
// referenced by the source ranges that overlap [start, end) are closed,
// so periods must be requested in increasing time order.
func (p *ArchiveProvider) ComputeVariableImages(start, end time.Time) (map[string]*sparse.DenseArray, error) {
	if err := p.checkState("ComputeVariableImages", statePrepared); err != nil {
		return nil, err
	}
	weights := weightMap(p.ranges, start, end)
	p.retain(weights)
	if len(weights) == 0 {
		return nil, nil
	}

	indices := make([]int, 0, len(weights))
	for i := range weights {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	log := p.log().WithFields(logrus.Fields{"period_start": start, "period_end": end})
	log.WithFields(logrus.Fields{"sources": len(indices)}).Debug("computing images")

	failed := make(map[string]bool)
	out := make(map[string]*sparse.DenseArray)
	names := make([]string, 0, len(p.Descriptors))
	for name := range p.Descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Descriptors[name]
		var imgs []*sparse.DenseArray
		var w []float64
		for _, i := range indices {
			r := p.ranges[i]
			if failed[r.Key] {
				continue
			}
			ds, err := p.Cache.Get(r.Key)
			if err != nil {
				log.WithFields(logrus.Fields{"file": r.Key}).WithError(err).Warn("skipping source file that can't be opened")
				failed[r.Key] = true
				continue
			}
			img, err := p.Reader.ReadImage(ds, v.SourceName, r.Index)
			if err != nil {
				fields := logrus.Fields{"file": r.Key, "variable": name, "field": v.SourceName}
				if errors.Is(err, ErrFieldMissing) {
					log.WithFields(fields).Warn("source field missing; skipping entry")
				} else {
					log.WithFields(fields).WithError(err).Warn("skipping unreadable source image")
				}
				continue
			}
			sourceImagesRead.Inc()
			p.checkAspect(img, log)
			imgs = append(imgs, img)
			w = append(w, weights[i])
		}
		if len(imgs) == 0 {
			continue
		}
		img, err := p.combine(v, imgs, w, log)
		if err != nil {
			return nil, fmt.Errorf("cubegen: provider %s: variable %s: %w", p.ProviderName, name, err)
		}
		if err := v.transform(img); err != nil {
			return nil, err
		}
		out[name] = img
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// combine aggregates and resamples the images of one variable in the
// variable's resampling order.
func (p *ArchiveProvider) combine(v VariableDescriptor, imgs []*sparse.DenseArray, w []float64, log logrus.FieldLogger) (*sparse.DenseArray, error) {
	region := p.SpatialCoverage()
	width, height := region.Dx(), region.Dy()
	rs := func(img *sparse.DenseArray) (*sparse.DenseArray, error) {
		return resample.Resample(img, width, height, v.Downsample, v.Upsample, v.FillValue)
	}
	order := v.Order
	if order == TimeFirst && !sameShapes(imgs) {
		log.WithFields(logrus.Fields{"variable": v.Name}).Warn("source images differ in shape; using space_first instead of time_first")
		order = SpaceFirst
	}
	if len(imgs) == 1 {
		return rs(imgs[0])
	}
	if order == TimeFirst {
		agg, err := Aggregate(imgs, w)
		if err != nil {
			return nil, err
		}
		return rs(agg)
	}
	resampled := make([]*sparse.DenseArray, len(imgs))
	for i, img := range imgs {
		r, err := rs(img)
		if err != nil {
			return nil, err
		}
		resampled[i] = r
	}
	return Aggregate(resampled, w)
}

func sameShapes(imgs []*sparse.DenseArray) bool {
	for _, img := range imgs[1:] {
		if !sameShape(imgs[0].Shape, img.Shape) {
			return false
		}
	}
	return true
}

// checkAspect warns once for each source image shape that does not have
// a 2:1 aspect ratio.
func (p *ArchiveProvider) checkAspect(img *sparse.DenseArray, log logrus.FieldLogger) {
	shape := [2]int{img.Shape[0], img.Shape[1]}
	if p.warned[shape] {
		return
	}
	if !resample.CheckAspect(img, log, nil) {
		p.warned[shape] = true
	}
}

// retain closes the open datasets that are not referenced by weights.
func (p *ArchiveProvider) retain(weights WeightMap) {
	keys := make(map[string]bool, len(weights))
	for i := range weights {
		keys[p.ranges[i].Key] = true
	}
	for k := range p.openKeys {
		if !keys[k] {
			p.Cache.Close(k)
		}
	}
	p.openKeys = keys
}

// Close implements Provider. It closes all open datasets.
func (p *ArchiveProvider) Close() error {
	if p.state == stateClosed {
		return p.checkState("Close", statePrepared)
	}
	p.state = stateClosed
	p.Cache.CloseAll()
	p.openKeys = nil
	p.log().WithFields(logrus.Fields{"opened": p.Cache.Opened()}).Info("closed provider")
	return nil
}
