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
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestTemplateEnumerator(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "src_20010101.nc"))
	// 2001-01-02 is missing.
	touch(t, filepath.Join(dir, "src_20010103.nc.gz"))

	e := &TemplateEnumerator{
		Template:    filepath.Join(dir, "src_[DATE].nc"),
		Layout:      "20060102",
		Start:       date(2001, 1, 1),
		End:         date(2001, 1, 4),
		FileDelta:   24 * time.Hour,
		RecordDelta: 12 * time.Hour,
		Log:         logrus.New(),
	}
	ranges, err := e.SourceTimeRanges()
	if err != nil {
		t.Fatal(err)
	}
	at := func(d, h int) time.Time { return time.Date(2001, 1, d, h, 0, 0, 0, time.UTC) }
	want := []SourceTimeRange{
		{Start: at(1, 0), End: at(1, 12), Key: filepath.Join(dir, "src_20010101.nc"), Index: 0},
		{Start: at(1, 12), End: at(2, 0), Key: filepath.Join(dir, "src_20010101.nc"), Index: 1},
		{Start: at(3, 0), End: at(3, 12), Key: filepath.Join(dir, "src_20010103.nc.gz"), Index: 0},
		{Start: at(3, 12), End: at(4, 0), Key: filepath.Join(dir, "src_20010103.nc.gz"), Index: 1},
	}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("got %v, want %v", ranges, want)
	}
}

func TestTemplateEnumeratorMonths(t *testing.T) {
	dir := t.TempDir()
	for m := 1; m <= 3; m++ {
		touch(t, filepath.Join(dir, fmt.Sprintf("m2001%02d.nc", m)))
	}
	e := &TemplateEnumerator{
		Template: filepath.Join(dir, "m[DATE].nc"),
		Layout:   "200601",
		Start:    date(2001, 1, 1),
		End:      date(2001, 4, 1),
		Months:   1,
	}
	ranges, err := e.SourceTimeRanges()
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 3 {
		t.Fatalf("got %d ranges", len(ranges))
	}
	if ranges[1].Start != date(2001, 2, 1) || ranges[1].End != date(2001, 3, 1) || ranges[1].Index != NoIndex {
		t.Errorf("February: got %v", ranges[1])
	}
}

func TestTemplateEnumeratorInvalid(t *testing.T) {
	e := &TemplateEnumerator{Template: "no_date.nc", FileDelta: time.Hour}
	if _, err := e.SourceTimeRanges(); err == nil {
		t.Error("a template without [DATE] should fail")
	}
}

func TestGlobEnumerator(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "MOD11C2.A2001009.nc"))
	touch(t, filepath.Join(dir, "MOD11C2.A2001001.nc"))
	touch(t, filepath.Join(dir, "MOD11C2.nodate.nc"))
	e := &GlobEnumerator{
		Pattern:     filepath.Join(dir, "MOD11C2.*.nc"),
		DatePattern: `A(\d{7})`,
		Layout:      "2006002",
		FileDelta:   8 * 24 * time.Hour,
		Log:         logrus.New(),
	}
	ranges, err := e.SourceTimeRanges()
	if err != nil {
		t.Fatal(err)
	}
	want := []SourceTimeRange{
		{Start: date(2001, 1, 1), End: date(2001, 1, 9), Key: filepath.Join(dir, "MOD11C2.A2001001.nc"), Index: NoIndex},
		{Start: date(2001, 1, 9), End: date(2001, 1, 17), Key: filepath.Join(dir, "MOD11C2.A2001009.nc"), Index: NoIndex},
	}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("got %v, want %v", ranges, want)
	}

	for _, test := range []struct {
		start, end time.Time
		want       []SourceTimeRange
	}{
		{start: date(2001, 1, 2), want: want[1:]},
		{end: date(2001, 1, 9), want: want[:1]},
		{start: date(2001, 1, 1), end: date(2001, 1, 10), want: want},
	} {
		e.Start, e.End = test.start, test.end
		ranges, err := e.SourceTimeRanges()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(ranges, test.want) {
			t.Errorf("files from %v to %v: got %v, want %v", test.start, test.end, ranges, test.want)
		}
	}
}

func TestStaticEnumerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nc")
	touch(t, path)
	e := &StaticEnumerator{Path: path, Start: date(2001, 1, 1), End: date(2002, 1, 1)}
	ranges, err := e.SourceTimeRanges()
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 || ranges[0].Index != NoIndex || ranges[0].Key != path {
		t.Errorf("got %v", ranges)
	}
	e.Path += ".missing"
	if _, err := e.SourceTimeRanges(); err == nil {
		t.Error("a missing static file should fail")
	}
	e.End = e.Start
	e.Path = path
	if _, err := e.SourceTimeRanges(); err == nil {
		t.Error("an empty time range should fail")
	}
}
