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
	"math"
	"sort"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// block is a run of images to be written to consecutive periods of a
// variable.
type block struct {
	start  int
	images []*sparse.DenseArray
}

// updater runs one provider over the time grid of a cube.
type updater struct {
	c           *Cube
	p           Provider
	log         logrus.FieldLogger
	descriptors map[string]VariableDescriptor
	region      image.Rectangle
	blocks      map[string]*block
	written     int
}

// Update writes the images of provider p into the cube. p is prepared,
// asked for an image of each period of the cube that overlaps its
// temporal coverage, in increasing time order, and closed. A provider
// without any source data is skipped with a warning. Updating a period
// that has already been written overwrites it.
func (c *Cube) Update(p Provider) error {
	if c.closed {
		return ErrCubeClosed
	}
	log := c.Log.WithFields(logrus.Fields{"provider": p.Name()})
	err := c.update(p, log)
	if cerr := p.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("cubegen: closing provider %s: %w", p.Name(), cerr)
	}
	return err
}

func (c *Cube) update(p Provider, log logrus.FieldLogger) error {
	if err := p.Prepare(); err != nil {
		return err
	}
	covStart, covEnd, err := p.TemporalCoverage()
	if errors.Is(err, ErrNoCoverage) {
		log.WithError(err).Warn("provider has no source data; skipping")
		return nil
	} else if err != nil {
		return err
	}
	u := &updater{
		c:           c,
		p:           p,
		log:         log,
		descriptors: p.VariableDescriptors(),
		region:      p.SpatialCoverage(),
		blocks:      make(map[string]*block),
	}
	grid := image.Rect(0, 0, c.cfg.GridWidth, c.cfg.GridHeight)
	if !u.region.In(grid) || u.region.Empty() {
		return fmt.Errorf("cubegen: provider %s: spatial coverage %v is not within the grid %v", p.Name(), u.region, grid)
	}
	log.WithFields(logrus.Fields{"coverage_start": covStart, "coverage_end": covEnd}).Info("updating cube")

	startYear := max(covStart.Year(), c.cfg.StartYear())
	endYear := min(covEnd.Add(-time.Nanosecond).Year(), c.cfg.EndYear())
	var runErr error
years:
	for year := startYear; year <= endYear; year++ {
		for i, per := range c.cfg.Periods(year) {
			if !per.Overlaps(c.cfg.StartTime, c.cfg.EndTime) {
				continue
			}
			if TimeOverlapWeight(covStart, covEnd, per.Start, per.End) == 0 {
				periodsSkipped.WithLabelValues(p.Name()).Inc()
				continue
			}
			if runErr = u.period(c.cfg.PeriodIndex(year, i), per); runErr != nil {
				break years
			}
		}
		log.WithFields(logrus.Fields{"year": year, "images_written": u.written}).Info("finished year")
	}
	if err := u.flushAll(); err != nil && runErr == nil {
		runErr = err
	}
	if err := c.appendChangelog(fmt.Sprintf("updated with provider %s: %d images written", p.Name(), u.written)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// period computes and buffers the images of one period.
func (u *updater) period(idx int, per Period) error {
	log := u.log.WithFields(logrus.Fields{"period": idx, "period_start": per.Start, "period_end": per.End})
	if stored, err := u.c.store.TimeBounds(idx); err != nil {
		return err
	} else if !stored.Start.Equal(per.Start) || !stored.End.Equal(per.End) {
		log.WithFields(logrus.Fields{"stored_start": stored.Start, "stored_end": stored.End}).
			Warn("stored time bounds differ from the time grid; overwriting period")
	}
	images, err := u.p.ComputeVariableImages(per.Start, per.End)
	if err != nil {
		return fmt.Errorf("cubegen: provider %s: period %v to %v: %w", u.p.Name(), per.Start, per.End, err)
	}
	periodsProcessed.WithLabelValues(u.p.Name()).Inc()
	// Variables that are not part of this period can't be extended.
	for name := range u.blocks {
		if _, ok := images[name]; !ok {
			if err := u.flush(name); err != nil {
				return err
			}
		}
	}
	if images == nil {
		log.Debug("no source data for period")
		return nil
	}
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		img, err := u.place(name, idx, images[name])
		if err != nil {
			return err
		}
		b := u.blocks[name]
		if b != nil && (b.start+len(b.images) != idx || len(b.images) >= u.blockSize()) {
			if err := u.flush(name); err != nil {
				return err
			}
			b = nil
		}
		if b == nil {
			b = &block{start: idx}
			u.blocks[name] = b
		}
		b.images = append(b.images, img)
	}
	log.WithFields(logrus.Fields{"variables": len(names)}).Debug("computed period")
	return nil
}

func (u *updater) blockSize() int {
	if u.c.BlockSize <= 0 {
		return 1
	}
	return u.c.BlockSize
}

// place returns img as a full-grid image. If the provider covers only
// part of the grid, img is pasted into the currently stored image.
func (u *updater) place(name string, idx int, img *sparse.DenseArray) (*sparse.DenseArray, error) {
	w, h := u.region.Dx(), u.region.Dy()
	if len(img.Shape) != 2 || img.Shape[0] != h || img.Shape[1] != w {
		return nil, fmt.Errorf("cubegen: provider %s: image of %s has shape %v; want [%d %d]", u.p.Name(), name, img.Shape, h, w)
	}
	if w == u.c.cfg.GridWidth && h == u.c.cfg.GridHeight {
		return img, nil
	}
	var full *sparse.DenseArray
	if u.c.store.HasVariable(name) {
		var err error
		if full, err = u.c.store.ReadPeriod(name, idx); err != nil {
			return nil, err
		}
	} else {
		full = sparse.ZerosDense(u.c.cfg.GridHeight, u.c.cfg.GridWidth)
		for i := range full.Elements {
			full.Elements[i] = math.NaN()
		}
	}
	gw := u.c.cfg.GridWidth
	for j := 0; j < h; j++ {
		copy(full.Elements[(u.region.Min.Y+j)*gw+u.region.Min.X:], img.Elements[j*w:(j+1)*w])
	}
	return full, nil
}

func (u *updater) flush(name string) error {
	b := u.blocks[name]
	delete(u.blocks, name)
	if b == nil || len(b.images) == 0 {
		return nil
	}
	s := u.c.store
	if !s.HasVariable(name) {
		v, ok := u.descriptors[name]
		if !ok {
			return fmt.Errorf("cubegen: provider %s returned undeclared variable %s", u.p.Name(), name)
		}
		if err := v.Validate(); err != nil {
			return err
		}
		if err := s.CreateVariable(v); err != nil {
			return err
		}
		u.log.WithFields(logrus.Fields{"variable": name}).Info("created variable")
	}
	start := time.Now()
	if err := s.WriteBlock(name, b.start, b.images); err != nil {
		return err
	}
	blockWriteDuration.Observe(time.Since(start).Seconds())
	imagesWritten.WithLabelValues(u.p.Name()).Add(float64(len(b.images)))
	u.written += len(b.images)
	u.log.WithFields(logrus.Fields{"variable": name, "start": b.start, "periods": len(b.images)}).Debug("wrote block")
	return nil
}

func (u *updater) flushAll() error {
	names := make([]string, 0, len(u.blocks))
	for name := range u.blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := u.flush(name); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAll updates the cube with each provider in turn. A provider that
// fails does not stop the others; the errors of all failed providers are
// returned together.
func (c *Cube) UpdateAll(providers ...Provider) error {
	var errs []error
	for _, p := range providers {
		if err := c.Update(p); err != nil {
			c.Log.WithFields(logrus.Fields{"provider": p.Name()}).WithError(err).Error("update failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
