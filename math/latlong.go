// math/latlong.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package math

import (
	"fmt"
	gomath "math"
)

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371000

///////////////////////////////////////////////////////////////////////////
// Point2LL

// Point2LL represents a 2D point on the Earth in latitude-longitude.
// Important: 0 (x) is longitude, 1 (y) is latitude. Unlike screen-space
// code, everything here is float64: at a single degree of float32
// precision two fixes a meter apart can't be told apart.
type Point2LL [2]float64

func (p Point2LL) Longitude() float64 {
	return p[0]
}

func (p Point2LL) Latitude() float64 {
	return p[1]
}

// DDString returns the position in decimal degrees, e.g.:
// (36.832508, -2.851210)
func (p Point2LL) DDString() string {
	return fmt.Sprintf("(%f, %f)", p[1], p[0]) // latitude, longitude
}

func (p Point2LL) IsZero() bool {
	return p[0] == 0 && p[1] == 0
}

// DistanceM returns the great-circle distance in meters between two
// lat-long coordinates.
func DistanceM(a Point2LL, b Point2LL) float64 {
	// https://www.movable-type.co.uk/scripts/latlong.html
	lat1, lon1 := Radians(a[1]), Radians(a[0])
	lat2, lon2 := Radians(b[1]), Radians(b[0])
	dlat, dlon := lat2-lat1, lon2-lon1

	x := Sqr(gomath.Sin(dlat/2)) + gomath.Cos(lat1)*gomath.Cos(lat2)*Sqr(gomath.Sin(dlon/2))
	c := 2 * gomath.Atan2(gomath.Sqrt(x), gomath.Sqrt(1-x))
	return EarthRadius * c
}

// Bearing returns the initial great-circle bearing from |from| to |to| in
// degrees, in [0,360).
func Bearing(from Point2LL, to Point2LL) float64 {
	lat1, lat2 := Radians(from[1]), Radians(to[1])
	dlon := Radians(to[0] - from[0])

	y := gomath.Sin(dlon) * gomath.Cos(lat2)
	x := gomath.Cos(lat1)*gomath.Sin(lat2) - gomath.Sin(lat1)*gomath.Cos(lat2)*gomath.Cos(dlon)
	return NormalizeHeading(Degrees(gomath.Atan2(y, x)))
}

// Offset returns the point at distance dist meters along heading hdg
// (degrees) from the given point. It assumes a (locally) flat earth, which
// is fine at the few-kilometer scales a glide covers.
func Offset(p Point2LL, hdg float64, dist float64) Point2LL {
	h := Radians(hdg)
	dn, de := dist*gomath.Cos(h), dist*gomath.Sin(h)
	dlat := Degrees(dn / EarthRadius)
	dlon := Degrees(de / (EarthRadius * gomath.Cos(Radians(p[1]))))
	return Point2LL{p[0] + dlon, p[1] + dlat}
}

// NEOffset returns the north/east displacement in meters of b relative to a.
func NEOffset(a Point2LL, b Point2LL) [2]float64 {
	dn := Radians(b[1]-a[1]) * EarthRadius
	de := Radians(b[0]-a[0]) * EarthRadius * gomath.Cos(Radians(a[1]))
	return [2]float64{dn, de}
}
