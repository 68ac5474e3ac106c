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
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

const (
	configFile    = "cube.toml"
	changelogFile = "CHANGES"
)

// Cube is a gridded (variable, time, lat, lon) data cube stored in a
// directory.
type Cube struct {
	// BlockSize is the maximum number of consecutive periods of a variable
	// that are buffered before they are written to storage.
	BlockSize int

	Log logrus.FieldLogger

	dir    string
	cfg    *CubeConfig
	store  Store
	closed bool
}

// Create creates a new cube in dir, which must not exist or be empty.
// The coordinate arrays of the cube are written immediately; variable
// storage is created when a variable is first written.
func Create(dir string, cfg *CubeConfig) (*Cube, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCubeExists, dir)
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("cubegen: creating cube: %v", err)
	}
	c := *cfg
	c.ModelVersion = ModelVersion
	if err := SaveCubeConfig(&c, filepath.Join(dir, configFile)); err != nil {
		return nil, err
	}
	log := logrus.StandardLogger()
	s, err := newStore(dir, &c, true, log)
	if err != nil {
		return nil, err
	}
	cube := &Cube{BlockSize: 8, Log: log, dir: dir, cfg: &c, store: s}
	if err := cube.appendChangelog(fmt.Sprintf("created cube (cubegen %s, %s format, %dx%d cells, %d periods)",
		Version, c.Format, c.GridWidth, c.GridHeight, c.NumPeriods())); err != nil {
		s.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{"dir": dir, "format": c.Format}).Info("created cube")
	return cube, nil
}

// Open opens the existing cube in dir.
func Open(dir string) (*Cube, error) {
	path := filepath.Join(dir, configFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrCubeNotFound, dir)
	}
	log := logrus.StandardLogger()
	cfg, err := LoadCubeConfig(path, log)
	if err != nil {
		return nil, err
	}
	s, err := newStore(dir, cfg, false, log)
	if err != nil {
		return nil, err
	}
	return &Cube{BlockSize: 8, Log: log, dir: dir, cfg: cfg, store: s}, nil
}

// Dir returns the directory of the cube.
func (c *Cube) Dir() string { return c.dir }

// Config returns a copy of the configuration of the cube.
func (c *Cube) Config() (CubeConfig, error) {
	if c.closed {
		return CubeConfig{}, ErrCubeClosed
	}
	return *c.cfg, nil
}

// Variables returns the names of the variables stored in the cube.
func (c *Cube) Variables() ([]string, error) {
	if c.closed {
		return nil, ErrCubeClosed
	}
	return c.store.Variables(), nil
}

// ReadPeriod returns the image of the named variable at the given period
// index. Missing cells are NaN.
func (c *Cube) ReadPeriod(name string, index int) (*sparse.DenseArray, error) {
	if c.closed {
		return nil, ErrCubeClosed
	}
	return c.store.ReadPeriod(name, index)
}

// Changelog returns the provenance log of the cube.
func (c *Cube) Changelog() (string, error) {
	if c.closed {
		return "", ErrCubeClosed
	}
	b, err := os.ReadFile(filepath.Join(c.dir, changelogFile))
	if err != nil {
		return "", fmt.Errorf("cubegen: reading changelog: %v", err)
	}
	return string(b), nil
}

func (c *Cube) appendChangelog(msg string) error {
	f, err := os.OpenFile(filepath.Join(c.dir, changelogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("cubegen: writing changelog: %v", err)
	}
	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), msg); err != nil {
		f.Close()
		return fmt.Errorf("cubegen: writing changelog: %v", err)
	}
	return f.Close()
}

// Close closes the cube. Closing a closed cube does nothing.
func (c *Cube) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.Close()
}
