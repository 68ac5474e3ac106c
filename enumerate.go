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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RangeEnumerator lists the source time ranges of an archive.
type RangeEnumerator interface {
	SourceTimeRanges() ([]SourceTimeRange, error)
}

// FetchFunc makes the file at path available locally, for example by
// downloading it, and returns the local path. It returns local paths
// unchanged.
type FetchFunc func(path string) (string, error)

// locate returns the local path of path, or of path with a ".gz" suffix,
// if either exists.
func locate(path string, fetch FetchFunc) (string, bool) {
	if fetch == nil {
		return existing(path)
	}
	for _, p := range []string{path, path + ".gz"} {
		if local, err := fetch(p); err == nil {
			if _, err := os.Stat(local); err == nil {
				return local, true
			}
		}
	}
	return "", false
}

// TemplateEnumerator enumerates an archive whose file names contain their
// start date. Template is a path containing the string "[DATE]", which is
// replaced by each file's start date formatted with Layout. Files start at
// Start and every FileDelta (or every Months calendar months if Months is
// not zero) until End. Each file holds consecutive records RecordDelta
// apart; if RecordDelta is zero each file holds a single image.
// Files that do not exist, with or without a ".gz" suffix, are skipped
// with a warning.
type TemplateEnumerator struct {
	Template    string
	Layout      string
	Start, End  time.Time
	FileDelta   time.Duration
	Months      int
	RecordDelta time.Duration

	// Fetch, if not nil, is used to retrieve remote files.
	Fetch FetchFunc

	Log logrus.FieldLogger
}

func (e *TemplateEnumerator) next(t time.Time) time.Time {
	if e.Months != 0 {
		return t.AddDate(0, e.Months, 0)
	}
	return t.Add(e.FileDelta)
}

// SourceTimeRanges implements RangeEnumerator.
func (e *TemplateEnumerator) SourceTimeRanges() ([]SourceTimeRange, error) {
	if !strings.Contains(e.Template, "[DATE]") {
		return nil, fmt.Errorf("cubegen: file template %q does not contain [DATE]", e.Template)
	}
	if e.Months < 0 || (e.Months == 0 && e.FileDelta <= 0) || e.RecordDelta < 0 {
		return nil, fmt.Errorf("cubegen: invalid file or record interval for template %q", e.Template)
	}
	log := e.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	var ranges []SourceTimeRange
	for date := e.Start; date.Before(e.End); date = e.next(date) {
		path := strings.Replace(e.Template, "[DATE]", date.Format(e.Layout), -1)
		key, ok := locate(path, e.Fetch)
		if !ok {
			log.WithFields(logrus.Fields{"file": path}).Warn("source file does not exist; skipping")
			continue
		}
		ranges = append(ranges, fileRanges(key, date, e.next(date), e.RecordDelta)...)
	}
	return sortRanges(ranges)
}

// existing returns path, or path with a ".gz" suffix, if it exists.
func existing(path string) (string, bool) {
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	if _, err := os.Stat(path + ".gz"); err == nil {
		return path + ".gz", true
	}
	return "", false
}

// fileRanges splits the file interval [start, end) into records
// recordDelta long.
func fileRanges(key string, start, end time.Time, recordDelta time.Duration) []SourceTimeRange {
	if recordDelta == 0 {
		return []SourceTimeRange{{Start: start, End: end, Key: key, Index: NoIndex}}
	}
	var out []SourceTimeRange
	for i, s := 0, start; s.Before(end); i, s = i+1, s.Add(recordDelta) {
		e := s.Add(recordDelta)
		if e.After(end) {
			e = end
		}
		out = append(out, SourceTimeRange{Start: s, End: e, Key: key, Index: i})
	}
	return out
}

// GlobEnumerator enumerates the files matching Pattern. Each file's start
// date is the first submatch of DatePattern in its base name, parsed with
// Layout, and each file covers FileDelta (or Months calendar months).
// Files dated before Start or not before End are ignored; a zero Start or
// End sets no limit.
type GlobEnumerator struct {
	Pattern     string
	DatePattern string
	Layout      string
	Start, End  time.Time
	FileDelta   time.Duration
	Months      int
	RecordDelta time.Duration

	Log logrus.FieldLogger
}

// SourceTimeRanges implements RangeEnumerator.
func (e *GlobEnumerator) SourceTimeRanges() ([]SourceTimeRange, error) {
	re, err := regexp.Compile(e.DatePattern)
	if err != nil {
		return nil, fmt.Errorf("cubegen: date pattern: %v", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("cubegen: date pattern %q has no submatch", e.DatePattern)
	}
	if e.Months < 0 || (e.Months == 0 && e.FileDelta <= 0) {
		return nil, fmt.Errorf("cubegen: invalid file interval for pattern %q", e.Pattern)
	}
	files, err := filepath.Glob(e.Pattern)
	if err != nil {
		return nil, fmt.Errorf("cubegen: %v", err)
	}
	log := e.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	var ranges []SourceTimeRange
	for _, f := range files {
		m := re.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			log.WithFields(logrus.Fields{"file": f}).Warn("no date in file name; skipping")
			continue
		}
		start, err := time.Parse(e.Layout, m[1])
		if err != nil {
			log.WithFields(logrus.Fields{"file": f}).WithError(err).Warn("invalid date in file name; skipping")
			continue
		}
		if (!e.Start.IsZero() && start.Before(e.Start)) || (!e.End.IsZero() && !start.Before(e.End)) {
			continue
		}
		end := start.Add(e.FileDelta)
		if e.Months != 0 {
			end = start.AddDate(0, e.Months, 0)
		}
		ranges = append(ranges, fileRanges(f, start, end, e.RecordDelta)...)
	}
	return sortRanges(ranges)
}

// StaticEnumerator holds a single file of time-invariant data that is
// valid over [Start, End).
type StaticEnumerator struct {
	Path       string
	Start, End time.Time
	Fetch      FetchFunc
}

// SourceTimeRanges implements RangeEnumerator.
func (e *StaticEnumerator) SourceTimeRanges() ([]SourceTimeRange, error) {
	key, ok := locate(e.Path, e.Fetch)
	if !ok {
		return nil, fmt.Errorf("cubegen: static source file %s does not exist", e.Path)
	}
	return sortRanges([]SourceTimeRange{{Start: e.Start, End: e.End, Key: key, Index: NoIndex}})
}

// sortRanges sorts ranges by start time and checks that each one is
// internally consistent.
func sortRanges(ranges []SourceTimeRange) ([]SourceTimeRange, error) {
	for _, r := range ranges {
		if !r.Start.Before(r.End) {
			return nil, fmt.Errorf("cubegen: source time range %s [%v, %v) does not end after it starts", r.Key, r.Start, r.End)
		}
	}
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Start.Before(ranges[j].Start) })
	return ranges, nil
}
