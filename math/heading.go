// math/heading.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package math

import (
	gomath "math"
)

///////////////////////////////////////////////////////////////////////////
// headings and directions

// HeadingDifference returns the minimum difference between two
// headings. (i.e., the result is always in the range [0,180].)
func HeadingDifference(a float64, b float64) float64 {
	d := Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Reduces it to [0,360).
func NormalizeHeading(h float64) float64 {
	h = gomath.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Track returns the course over ground in degrees for a north/east
// velocity vector. Note that atan2() normally measures w.r.t. the +x axis
// with counter-clockwise positive; passing (east, north) gives a compass
// heading instead.
func Track(ne [2]float64) float64 {
	return NormalizeHeading(Degrees(gomath.Atan2(ne[1], ne[0])))
}
