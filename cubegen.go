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

// Package cubegen builds and incrementally updates gridded
// (variable, time, latitude, longitude) data cubes from heterogeneous
// source archives. Source observation intervals are reconciled with a
// fixed target time grid by overlap-weighted temporal aggregation, and
// source grids are conformed to the fixed target grid by spatial
// resampling.
package cubegen

import "errors"

// Version gives the version number.
const Version = "0.4.0"

// ModelVersion is the version of the on-disk cube layout and
// configuration record written by this version of cubegen.
const ModelVersion = "0.2.0"

var (
	// ErrInvalidConfig is returned when a cube configuration is invalid.
	ErrInvalidConfig = errors.New("cubegen: invalid cube configuration")

	// ErrCubeClosed is returned by operations on a closed cube.
	ErrCubeClosed = errors.New("cubegen: cube is closed")

	// ErrCubeNotFound is returned when opening a cube that doesn't exist.
	ErrCubeNotFound = errors.New("cubegen: cube does not exist")

	// ErrCubeExists is returned when creating a cube in a directory
	// that already has contents.
	ErrCubeExists = errors.New("cubegen: target directory is not empty")

	// ErrNoCoverage is returned by a provider that has no source data.
	ErrNoCoverage = errors.New("cubegen: no source data available")

	// ErrFieldMissing is returned when a source field is not present in
	// a dataset.
	ErrFieldMissing = errors.New("cubegen: field not in dataset")

	// ErrUnknownProvider is returned when a provider name is not registered.
	ErrUnknownProvider = errors.New("cubegen: unknown provider")

	// ErrProviderState is returned when provider operations are called
	// out of order, e.g. computing images before Prepare or after Close.
	ErrProviderState = errors.New("cubegen: invalid provider state")
)
