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

// Command cubegen is a command-line interface for building gridded data
// cubes from archives of source images.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/cubegen/cubeutil"
)

func main() {
	if err := cubeutil.Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if cubeutil.IsUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
