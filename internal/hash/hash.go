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

// Package hash creates stable keys for naming cached files.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash/fnv"

	"github.com/davecgh/go-spew/spew"
)

// Key returns a hexadecimal hash of the given values. Values that gob can't
// encode are printed with spew instead.
func Key(values ...interface{}) string {
	h := fnv.New128a()
	if err := gob.NewEncoder(h).Encode(values); err != nil {
		h.Reset()
		printer := spew.ConfigState{
			Indent:                  " ",
			SortKeys:                true,
			DisableMethods:          true,
			SpewKeys:                true,
			DisablePointerAddresses: true,
			DisableCapacities:       true,
		}
		printer.Fprintf(h, "%#v", values)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// FileName returns a file name for a cached copy of the file at path.
// The name keeps the base name of path for readability and is prefixed
// with a hash of the full path and of any version values, such as the
// modification time of the file, so that files with the same base name in
// different directories, or different versions of one file, do not collide.
func FileName(path, base string, version ...interface{}) string {
	return Key(append([]interface{}{path}, version...)...)[:16] + "_" + base
}
