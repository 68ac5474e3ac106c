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

// Package cubeutil contains the command-line interface for building
// gridded data cubes.
package cubeutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lnashier/viper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/cubegen"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	cube := cubegen.NewCubeConfig()
	cubeFlags := []*pflag.FlagSet{createCmd.Flags()}

	// Options are the configuration options available to cubegen.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "loglevel",
			usage: `
              loglevel is the minimum level of log messages to print: one of
              debug, info, warning, or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile is the path to a file that log messages are copied to.
              It can include environment variables. If LogFile is left blank,
              messages are only written to standard error.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "metrics",
			usage: `
              metrics is the address (for example ":9090") at which to serve
              Prometheus metrics while the cube is being built. If it is blank,
              no metrics are served.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{createCmd.Flags(), updateCmd.Flags()},
		},
		{
			name: "CacheDir",
			usage: `
              CacheDir is the directory where downloaded and decompressed
              source files are kept. It can include environment variables.
              The default is a directory within the system temporary directory.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{createCmd.Flags(), updateCmd.Flags()},
		},
		{
			name: "BlockSize",
			usage: `
              BlockSize is the number of consecutive periods of a variable
              that are buffered in memory before they are written.`,
			defaultVal: 8,
			flagsets:   []*pflag.FlagSet{createCmd.Flags(), updateCmd.Flags()},
		},
		{
			name: "Cube.SpatialRes",
			usage: `
              Cube.SpatialRes is the edge length of grid cells in degrees.
              Set it to 0 to calculate it from Cube.GridWidth.`,
			defaultVal: cube.SpatialRes,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.LonMin",
			usage: `
              Cube.LonMin is the western edge of the grid in degrees.`,
			defaultVal: cube.LonMin,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.LonMax",
			usage: `
              Cube.LonMax is the eastern edge of the grid in degrees.`,
			defaultVal: cube.LonMax,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.LatMin",
			usage: `
              Cube.LatMin is the southern edge of the grid in degrees.`,
			defaultVal: cube.LatMin,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.LatMax",
			usage: `
              Cube.LatMax is the northern edge of the grid in degrees.`,
			defaultVal: cube.LatMax,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.GridWidth",
			usage: `
              Cube.GridWidth is the number of grid cells in the West-East
              direction. If it is 0 it is calculated from Cube.SpatialRes.`,
			defaultVal: 0,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.GridHeight",
			usage: `
              Cube.GridHeight is the number of grid cells in the South-North
              direction. If it is 0 it is calculated from Cube.SpatialRes.`,
			defaultVal: 0,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.TemporalRes",
			usage: `
              Cube.TemporalRes is the length of each time period in days. Each
              year starts a new sequence of periods on January 1.`,
			defaultVal: cube.TemporalRes,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.StartTime",
			usage: `
              Cube.StartTime is the start of the time span of the cube.`,
			defaultVal: cube.StartTime.Format("2006-01-02"),
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.EndTime",
			usage: `
              Cube.EndTime is the (exclusive) end of the time span of the cube.`,
			defaultVal: cube.EndTime.Format("2006-01-02"),
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.RefTime",
			usage: `
              Cube.RefTime is the reference time of the time coordinate, which
              is stored as days since Cube.RefTime.`,
			defaultVal: cube.RefTime.Format("2006-01-02"),
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.Calendar",
			usage: `
              Cube.Calendar is the CF calendar of the time coordinate.`,
			defaultVal: cube.Calendar,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.Format",
			usage: `
              Cube.Format is the storage format of the cube: "netcdf" for one
              NetCDF file per variable and year, or "chunked" for
              directories of chunk files.`,
			defaultVal: cube.Format,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.ChunkSizes",
			usage: `
              Cube.ChunkSizes is the (time, lat, lon) shape of the chunks of
              chunked storage.`,
			defaultVal: cube.ChunkSizes,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.Compression",
			usage: `
              Cube.Compression specifies whether chunks are compressed.`,
			defaultVal: cube.Compression,
			flagsets:   cubeFlags,
		},
		{
			name: "Cube.CompLevel",
			usage: `
              Cube.CompLevel is the compression level, from 0 to 9.`,
			defaultVal: cube.CompLevel,
			flagsets:   cubeFlags,
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("CUBEGEN")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case []int:
				set.IntSliceP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(createCmd)
	Root.AddCommand(updateCmd)
	Root.AddCommand(listCmd)
	Root.AddCommand(infoCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("cubegen: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "cubegen",
	Short: "A builder of gridded data cubes.",
	Long: `cubegen builds gridded (variable, time, latitude, longitude) data cubes
from archives of source images, such as satellite or reanalysis products.
Source images are aggregated over the time periods of the cube and resampled
onto its grid.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'CUBEGEN_var' where 'var' is the
name of the variable to be set. Many configuration variables are additionally
allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if err := setConfig(); err != nil {
			return err
		}
		return setLogging(Cfg.GetString("loglevel"), Cfg.GetString("LogFile"))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of cubegen.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("cubegen v%s (cube format %s)\n", cubegen.Version, cubegen.ModelVersion)
	},
	DisableAutoGenTag: true,
}

var createCmd = &cobra.Command{
	Use:   "create DIR [SOURCE...]",
	Short: "Create a new cube",
	Long: `create creates a new cube in directory DIR, which must not exist or
be empty, with the grid specified by the Cube.* configuration variables.
If any sources are given, the cube is filled with their data.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := CubeConfig(Cfg)
		if err != nil {
			return err
		}
		stop := serveMetrics(Cfg.GetString("metrics"))
		defer stop()
		return Create(context.Background(), args[0], cfg, sources(args[1:]), buildOptions(Cfg))
	},
	DisableAutoGenTag: true,
}

var updateCmd = &cobra.Command{
	Use:   "update DIR SOURCE...",
	Short: "Add data to an existing cube",
	Long: `update opens the existing cube in directory DIR and writes the data of
the given sources into it. Periods that already hold data are overwritten.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs := sources(args[1:])
		if len(specs) == 0 {
			return fmt.Errorf("cubegen: no sources specified")
		}
		stop := serveMetrics(Cfg.GetString("metrics"))
		defer stop()
		return Update(context.Background(), args[0], specs, buildOptions(Cfg))
	},
	DisableAutoGenTag: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available source providers",
	Long: `list prints the names of the available source providers and the
arguments they accept.`,
	Run: func(cmd *cobra.Command, args []string) {
		r := cubegen.DefaultRegistry()
		for _, name := range r.Names() {
			cmd.Printf("%s: %s\n\n", name, r.Help(name))
		}
	},
	DisableAutoGenTag: true,
}

var infoCmd = &cobra.Command{
	Use:   "info DIR",
	Short: "Describe a cube",
	Long: `info prints the configuration, variables, and change history of the
cube in directory DIR.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Info(cmd.OutOrStdout(), args[0])
	},
	DisableAutoGenTag: true,
}

// sources returns the source specifications given as arguments.
func sources(args []string) []string {
	return expandStringSlice(args)
}

// serveMetrics serves Prometheus metrics at addr in the background,
// if addr is not empty. The returned function stops the server.
func serveMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}
	reg := prometheus.NewRegistry()
	cubegen.RegisterMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server failed")
		}
	}()
	logrus.WithFields(logrus.Fields{"address": addr}).Info("serving metrics")
	return func() { srv.Close() }
}
