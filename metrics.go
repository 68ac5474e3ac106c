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

import "github.com/prometheus/client_golang/prometheus"

const labelProvider = "provider"

var (
	periodsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubegen_periods_processed_total",
			Help: "Number of target periods for which images were requested from a provider",
		},
		[]string{labelProvider},
	)

	periodsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubegen_periods_skipped_total",
			Help: "Number of target periods skipped because the provider has no data for them",
		},
		[]string{labelProvider},
	)

	imagesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubegen_images_written_total",
			Help: "Number of variable images written to cubes",
		},
		[]string{labelProvider},
	)

	sourceImagesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubegen_source_images_read_total",
			Help: "Number of images read from source datasets",
		},
	)

	blockWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cubegen_block_write_duration_seconds",
			Help:    "Duration of block writes to cube storage",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RegisterMetrics registers the cubegen metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(periodsProcessed)
	reg.MustRegister(periodsSkipped)
	reg.MustRegister(imagesWritten)
	reg.MustRegister(sourceImagesRead)
	reg.MustRegister(blockWriteDuration)
}
