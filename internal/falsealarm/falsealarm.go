/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package falsealarm implements the False-Alarm Calculator: a pure
// function of sub-group size, live-detector count, window width, and
// single-detector imitation rate.
package falsealarm // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/falsealarm"

import (
	"fmt"
	"math"
)

// weeksPerYear converts the per-week imitation rate's combined
// recurrence into years.
const weeksPerYear = 52.1775

// secondsPerWeek converts the window into the imitation rate's time
// base so the combined rate is dimensionally consistent.
const secondsPerWeek = 7 * 24 * 3600.0

// Years returns the mean recurrence interval, in years, of a
// coincidence of multiplicity r among n live detectors within a
// window of windowSeconds, assuming each detector independently
// imitates a signal at imitationPerWeek. n < r returns 0, an
// undefined combination, so the caller can render a placeholder.
func Years(n, r int, windowSeconds, imitationPerWeek float64) float64 {
	if n < r || r <= 0 {
		return 0
	}
	rate := combinations(n, r) * math.Pow(imitationPerWeek, float64(r)) * math.Pow(windowSeconds/secondsPerWeek, float64(r-1))
	if rate <= 0 {
		return 0
	}
	return (1 / rate) / weeksPerYear
}

// combinations computes C(n, r) = n! / (r! (n-r)!) without overflow
// for the small n this engine ever sees (live detector counts in the
// tens).
func combinations(n, r int) float64 {
	if r < 0 || r > n {
		return 0
	}
	if r > n-r {
		r = n - r
	}
	result := 1.0
	for i := 0; i < r; i++ {
		result *= float64(n-i) / float64(i+1)
	}
	return result
}

// FormatRecurrence renders years in the wire format's literal
// string, e.g. "Would happen every 3.21e+04 year". A zero value
// (undefined n < r) renders as a placeholder.
func FormatRecurrence(years float64) string {
	if years <= 0 {
		return `Would happen every undefined (n < r) year`
	}
	return fmt.Sprintf("Would happen every %.2e year", years)
}
