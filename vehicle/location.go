// vehicle/location.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package vehicle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	gomath "math"
	"strings"

	"github.com/fireeye-uav/engout/math"
)

// AltFrame is the reference an altitude is measured from.
type AltFrame int

const (
	AltFrameAbsolute AltFrame = iota
	AltFrameAboveHome
	AltFrameAboveTerrain
)

func (f AltFrame) String() string {
	switch f {
	case AltFrameAbsolute:
		return "absolute"
	case AltFrameAboveHome:
		return "above-home"
	case AltFrameAboveTerrain:
		return "above-terrain"
	default:
		return "unknown"
	}
}

func ParseAltFrame(s string) (AltFrame, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "absolute", "amsl":
		return AltFrameAbsolute, nil
	case "above-home", "relative":
		return AltFrameAboveHome, nil
	case "above-terrain", "terrain":
		return AltFrameAboveTerrain, nil
	default:
		return AltFrameAbsolute, fmt.Errorf("%q: unknown altitude frame", s)
	}
}

func (f AltFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *AltFrame) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	var err error
	*f, err = ParseAltFrame(s)
	return err
}

// Location is a 3D position; Alt is in meters in the given Frame.
type Location struct {
	Lat   float64  `json:"lat" msgpack:"lat"`
	Lng   float64  `json:"lng" msgpack:"lng"`
	Alt   float64  `json:"alt" msgpack:"alt"`
	Frame AltFrame `json:"frame" msgpack:"frame"`
}

func (l Location) Point() math.Point2LL {
	return math.Point2LL{l.Lng, l.Lat}
}

// DistanceM returns the horizontal distance in meters between l and o.
func (l Location) DistanceM(o Location) float64 {
	return math.DistanceM(l.Point(), o.Point())
}

// BearingTo returns the bearing from l to o in degrees.
func (l Location) BearingTo(o Location) float64 {
	return math.Bearing(l.Point(), o.Point())
}

// Distance3DM returns the distance between l and o including the altitude
// difference. Altitudes in different frames can't be compared, so in that
// case the result is +Inf.
func (l Location) Distance3DM(o Location) float64 {
	if l.Frame != o.Frame {
		return gomath.Inf(1)
	}
	return gomath.Hypot(l.DistanceM(o), l.Alt-o.Alt)
}

// WithAlt returns a copy of l at the given altitude and frame.
func (l Location) WithAlt(alt float64, frame AltFrame) Location {
	l.Alt = alt
	l.Frame = frame
	return l
}

func (l Location) String() string {
	return fmt.Sprintf("%.7f,%.7f %.1fm %s", l.Lat, l.Lng, l.Alt, l.Frame)
}

func (l Location) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("lat", l.Lat),
		slog.Float64("lng", l.Lng),
		slog.Float64("alt", l.Alt),
		slog.String("frame", l.Frame.String()),
	)
}
