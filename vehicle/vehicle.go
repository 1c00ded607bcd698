// vehicle/vehicle.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package vehicle describes the boundary between the failsafe and the host
// flight stack: the sensors it reads, the navigation state it reads and
// replaces, and the mode and text channels it writes to.
package vehicle

import (
	"fmt"
	"strings"
	"time"
)

// Vehicle is the host flight stack as seen by the failsafe. Methods that
// return a bool alongside a value report false when the underlying sensor
// or estimate is currently unavailable; callers skip whatever depended on
// it for that cycle.
//
// Requests (SetMode, SetTarget) are advisory: the host may refuse them,
// and the return value only reports whether it accepted.
type Vehicle interface {
	// Now returns the host's monotonic clock.
	Now() time.Time

	Armed() bool
	// ReportPrearm sets the result of this cycle's pre-arm check. A
	// failing check blocks arming with the given reason.
	ReportPrearm(ok bool, reason string)

	// RPM returns the reading of the given (zero-based) RPM sensor instance.
	RPM(instance int) (float64, bool)
	// Vibration returns the magnitude of the filtered accelerometer
	// vibration vector (m/s/s).
	Vibration() float64
	// AuxSwitch returns the position of the RC switch assigned to the
	// given auxiliary function.
	AuxSwitch(function int) (SwitchPosition, bool)

	// GroundSpeed returns the north/east ground velocity in m/s.
	GroundSpeed() [2]float64
	Position() (Location, bool)
	Home() (Location, bool)
	// Target returns the current navigation target.
	Target() (Location, bool)
	SetTarget(loc Location) bool
	// Reframe converts loc's altitude to the given frame; it fails if
	// e.g. there's no terrain data for the location.
	Reframe(loc Location, frame AltFrame) (Location, bool)
	// HeightAboveHome returns the vehicle's altitude relative to home
	// from the barometer, which remains available without a position fix.
	HeightAboveHome() (float64, bool)

	// InRotorFlight reports VTOL flight on the lift motors (Q modes).
	InRotorFlight() bool
	// InAssistedFlight reports fixed-wing flight with lift motors
	// assisting (Q_ASSIST).
	InAssistedFlight() bool
	// InFinalDescent reports the final descent phase of a VTOL landing.
	InFinalDescent() bool

	Mode() Mode
	SetMode(m Mode) bool

	// SendText sends a status message to the ground station. There is no
	// acknowledgement.
	SendText(sev Severity, text string)
}

// SwitchPosition is the position of a three-position RC switch.
type SwitchPosition int

const (
	SwitchLow SwitchPosition = iota
	SwitchMiddle
	SwitchHigh
)

func (p SwitchPosition) String() string {
	switch p {
	case SwitchLow:
		return "low"
	case SwitchMiddle:
		return "middle"
	case SwitchHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParseSwitchPosition(s string) (SwitchPosition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SwitchLow, nil
	case "middle", "mid":
		return SwitchMiddle, nil
	case "high":
		return SwitchHigh, nil
	default:
		return SwitchMiddle, fmt.Errorf("%q: unknown switch position", s)
	}
}

// Severity follows the MAVLink MAV_SEVERITY ordering: lower values are
// more severe.
type Severity int

const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

func (s Severity) String() string {
	return [...]string{"EMERGENCY", "ALERT", "CRITICAL", "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG"}[min(max(int(s), 0), 7)]
}
