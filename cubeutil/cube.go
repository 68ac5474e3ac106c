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

package cubeutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/cubegen"
	"github.com/spf13/cast"
)

// BuildOptions holds the settings for filling a cube with source data.
type BuildOptions struct {
	// CacheDir is where downloaded and decompressed source files are kept.
	CacheDir string

	// BlockSize is the number of periods buffered per variable before
	// they are written.
	BlockSize int
}

func buildOptions(cfg *viper.Viper) BuildOptions {
	return BuildOptions{
		CacheDir:  os.ExpandEnv(cfg.GetString("CacheDir")),
		BlockSize: cfg.GetInt("BlockSize"),
	}
}

// CubeConfig creates a new cube configuration from the Cube.* variables of
// the given viper configuration.
func CubeConfig(cfg *viper.Viper) (*cubegen.CubeConfig, error) {
	c := &cubegen.CubeConfig{
		SpatialRes:  cfg.GetFloat64("Cube.SpatialRes"),
		LonMin:      cfg.GetFloat64("Cube.LonMin"),
		LonMax:      cfg.GetFloat64("Cube.LonMax"),
		LatMin:      cfg.GetFloat64("Cube.LatMin"),
		LatMax:      cfg.GetFloat64("Cube.LatMax"),
		GridWidth:   cfg.GetInt("Cube.GridWidth"),
		GridHeight:  cfg.GetInt("Cube.GridHeight"),
		TemporalRes: cfg.GetInt("Cube.TemporalRes"),
		Calendar:    cfg.GetString("Cube.Calendar"),
		Compression: cfg.GetBool("Cube.Compression"),
		CompLevel:   cfg.GetInt("Cube.CompLevel"),
		Format:      cfg.GetString("Cube.Format"),
	}
	var err error
	times := []struct {
		key string
		t   *time.Time
	}{
		{"Cube.StartTime", &c.StartTime},
		{"Cube.EndTime", &c.EndTime},
		{"Cube.RefTime", &c.RefTime},
	}
	for _, t := range times {
		v := cfg.Get(t.key)
		if s, ok := v.(string); ok {
			v = os.ExpandEnv(s)
		}
		if *t.t, err = cast.ToTimeE(v); err != nil {
			return nil, fmt.Errorf("cubegen: reading '%s': %v", t.key, err)
		}
		*t.t = t.t.UTC()
	}
	if c.ChunkSizes, err = intSlice(cfg.Get("Cube.ChunkSizes")); err != nil {
		return nil, fmt.Errorf("cubegen: reading 'Cube.ChunkSizes': %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// intSlice converts v to a slice of ints. Flag values arrive as strings
// in the format "[1,2,3]".
func intSlice(v interface{}) ([]int, error) {
	s, ok := v.(string)
	if !ok {
		return cast.ToIntSliceE(v)
	}
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if s == "" {
		return nil, nil
	}
	var o []int
	for _, f := range strings.Split(s, ",") {
		i, err := cast.ToIntE(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		o = append(o, i)
	}
	return o, nil
}

// Create creates a cube in dir with configuration cfg and fills it with
// data from the given source specifications.
func Create(ctx context.Context, dir string, cfg *cubegen.CubeConfig, sources []string, opts BuildOptions) error {
	// A bad source must not leave an empty cube behind.
	providers, err := newProviders(ctx, cfg, sources, opts)
	if err != nil {
		return err
	}
	c, err := cubegen.Create(dir, cfg)
	if err != nil {
		return err
	}
	return fill(c, providers, opts)
}

// Update opens the cube in dir and fills it with data from the given
// source specifications.
func Update(ctx context.Context, dir string, sources []string, opts BuildOptions) error {
	c, err := cubegen.Open(dir)
	if err != nil {
		return err
	}
	cfg, err := c.Config()
	if err != nil {
		c.Close()
		return err
	}
	providers, err := newProviders(ctx, &cfg, sources, opts)
	if err != nil {
		c.Close()
		return err
	}
	return fill(c, providers, opts)
}

func fill(c *cubegen.Cube, providers []cubegen.Provider, opts BuildOptions) error {
	if opts.BlockSize > 0 {
		c.BlockSize = opts.BlockSize
	}
	err := c.UpdateAll(providers...)
	if cerr := c.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// newProviders creates a provider for each source specification.
// Remote source files are downloaded into opts.CacheDir.
func newProviders(ctx context.Context, cfg *cubegen.CubeConfig, sources []string, opts BuildOptions) ([]cubegen.Provider, error) {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "cubegen-cache")
	}
	d := NewDownloader(ctx, filepath.Join(cacheDir, "downloads"))
	pctx := cubegen.ProviderContext{
		Config:   cfg,
		CacheDir: cacheDir,
		Fetch:    d.Fetch,
		Log:      logrus.StandardLogger(),
	}
	r := cubegen.DefaultRegistry()
	providers := make([]cubegen.Provider, 0, len(sources))
	for _, s := range sources {
		p, err := r.New(pctx, s)
		if err != nil {
			for _, p := range providers {
				p.Close()
			}
			return nil, fmt.Errorf("cubegen: source %q: %w", s, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Info writes a description of the cube in dir to w.
func Info(w io.Writer, dir string) error {
	c, err := cubegen.Open(dir)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg, err := c.Config()
	if err != nil {
		return err
	}
	vars, err := c.Variables()
	if err != nil {
		return err
	}
	changes, err := c.Changelog()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# cube %s\n", c.Dir())
	fmt.Fprintf(w, "# %dx%d cells, %d periods\n\n", cfg.GridWidth, cfg.GridHeight, cfg.NumPeriods())
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("cubegen: encoding configuration: %v", err)
	}
	fmt.Fprintf(w, "\n# variables\n")
	if len(vars) == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for _, v := range vars {
		fmt.Fprintln(w, v)
	}
	fmt.Fprintf(w, "\n# changes\n%s", changes)
	return nil
}

// setLogging configures the standard logger. If logFile is not empty,
// log messages are also appended to it.
func setLogging(level, logFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("cubegen: invalid log level: %v", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableSorting:  true,
	})
	if logFile = os.ExpandEnv(logFile); logFile == "" {
		logrus.SetOutput(os.Stderr)
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("cubegen: opening log file: %v", err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	o := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(os.ExpandEnv(v)); v != "" {
			o = append(o, v)
		}
	}
	return o
}

// IsUsageError returns whether err was caused by invalid input rather
// than by a failure while building a cube.
func IsUsageError(err error) bool {
	for _, target := range []error{cubegen.ErrInvalidConfig, cubegen.ErrCubeExists,
		cubegen.ErrCubeNotFound, cubegen.ErrUnknownProvider} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
