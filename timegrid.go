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

import "time"

// Period is one interval of the target time grid. Start is inclusive and
// End is exclusive.
type Period struct {
	Start, End time.Time
}

// Overlaps returns whether p shares any time with [start, end).
func (p Period) Overlaps(start, end time.Time) bool {
	return p.Start.Before(end) && start.Before(p.End)
}

const day = 24 * time.Hour

// PeriodsPerYear returns the number of target periods in each year.
func (c *CubeConfig) PeriodsPerYear() int {
	return (365 + c.TemporalRes - 1) / c.TemporalRes
}

// StartYear returns the first calendar year that the cube covers.
func (c *CubeConfig) StartYear() int { return c.StartTime.Year() }

// EndYear returns the last calendar year that the cube covers.
func (c *CubeConfig) EndYear() int { return c.EndTime.Add(-time.Nanosecond).Year() }

// Periods returns the target periods of the given year. Periods are
// TemporalRes days long except the last one, which ends at the start of the
// next year.
func (c *CubeConfig) Periods(year int) []Period {
	ppy := c.PeriodsPerYear()
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	next := jan1.AddDate(1, 0, 0)
	out := make([]Period, ppy)
	for i := range out {
		s := jan1.AddDate(0, 0, i*c.TemporalRes)
		e := s.AddDate(0, 0, c.TemporalRes)
		if i == ppy-1 || e.After(next) {
			e = next
		}
		out[i] = Period{Start: s, End: e}
	}
	return out
}

// PeriodIndex returns the storage index of period i of the given year.
func (c *CubeConfig) PeriodIndex(year, i int) int {
	return (year-c.StartYear())*c.PeriodsPerYear() + i
}

// NumPeriods returns the length of the time dimension of the cube.
func (c *CubeConfig) NumPeriods() int {
	return (c.EndYear() - c.StartYear() + 1) * c.PeriodsPerYear()
}

// PeriodAt returns the period stored at the given index.
func (c *CubeConfig) PeriodAt(index int) Period {
	ppy := c.PeriodsPerYear()
	return c.Periods(c.StartYear() + index/ppy)[index%ppy]
}

// TimeGrid returns every period of every year of the cube, in storage
// order.
func (c *CubeConfig) TimeGrid() []Period {
	var out []Period
	for y := c.StartYear(); y <= c.EndYear(); y++ {
		out = append(out, c.Periods(y)...)
	}
	return out
}

// DaysSinceRef returns t encoded as fractional days since RefTime.
func (c *CubeConfig) DaysSinceRef(t time.Time) float64 {
	return float64(t.Sub(c.RefTime)) / float64(day)
}

// TimeUnits returns the CF units string of the time coordinate.
func (c *CubeConfig) TimeUnits() string {
	return "days since " + c.RefTime.Format("2006-01-02 15:04:05")
}
