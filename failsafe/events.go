// failsafe/events.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/vehicle"
)

type EventKind int

const (
	EventEngineOut EventKind = iota
	EventEngineRunning
	EventFailsafeRTL
	EventFailsafeCleared
	EventCloseToTarget
	EventQAssistTimeout
	EventNoProgress
	EventNoPosition
	EventQRTLTimeout
	EventGuidedOverride
	EventGuidedCleared
	EventTargetAltitude
)

var eventKindNames = [...]string{
	EventEngineOut:       "engine_out",
	EventEngineRunning:   "engine_running",
	EventFailsafeRTL:     "failsafe_rtl",
	EventFailsafeCleared: "failsafe_cleared",
	EventCloseToTarget:   "close_to_target",
	EventQAssistTimeout:  "qassist_timeout",
	EventNoProgress:      "no_progress",
	EventNoPosition:      "no_position",
	EventQRTLTimeout:     "qrtl_timeout",
	EventGuidedOverride:  "guided_override",
	EventGuidedCleared:   "guided_cleared",
	EventTargetAltitude:  "target_altitude",
}

func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is a status change of the failsafe. Fields carries the values
// that led to it; Text renders the ground-link message.
type Event struct {
	Kind     EventKind
	Severity vehicle.Severity
	Time     time.Time
	Fields   map[string]any
}

func (e Event) Text() string {
	switch e.Kind {
	case EventEngineOut:
		return "Engine out"
	case EventEngineRunning:
		return "Engine running"
	case EventFailsafeRTL:
		return "Engine out failsafe: RTL"
	case EventFailsafeCleared:
		return "Engine out failsafe cleared"
	case EventCloseToTarget:
		return "Close to target: QRTL"
	case EventQAssistTimeout:
		return "Q_ASSIST for too long: " + e.mode()
	case EventNoProgress:
		return "Too slow: " + e.mode()
	case EventNoPosition:
		return "No position: QLAND"
	case EventQRTLTimeout:
		return "QRTL for too long: QLAND"
	case EventGuidedOverride:
		return "Guided override"
	case EventGuidedCleared:
		return "Guided override cleared"
	case EventTargetAltitude:
		return fmt.Sprintf("Target altitude reset to %.0fm", e.Fields["alt"])
	default:
		return e.Kind.String()
	}
}

func (e Event) mode() string {
	if m, ok := e.Fields["mode"].(vehicle.Mode); ok {
		return m.String()
	}
	return "?"
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", e.Kind.String()),
		slog.String("severity", e.Severity.String()),
		slog.Time("time", e.Time),
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		attrs = append(attrs, slog.Any(k, e.Fields[k]))
	}
	return slog.GroupValue(attrs...)
}

// emitter delivers events to the log, the ground link and any
// subscribers.
type emitter struct {
	v    vehicle.Vehicle
	lg   *log.Logger
	subs []func(Event)
}

func (em *emitter) emit(kind EventKind, sev vehicle.Severity, fields map[string]any) {
	e := Event{Kind: kind, Severity: sev, Time: em.v.Now(), Fields: fields}
	if sev <= vehicle.SeverityWarning {
		em.lg.Warn("failsafe event", slog.Any("event", e))
	} else {
		em.lg.Info("failsafe event", slog.Any("event", e))
	}
	em.v.SendText(sev, e.Text())
	for _, fn := range em.subs {
		fn(e)
	}
}
