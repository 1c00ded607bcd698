// failsafe/landing.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"log/slog"
	gomath "math"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/param"
	"github.com/fireeye-uav/engout/vehicle"
)

const (
	// NoProgressTime is how long an assisted glide may stay below
	// ENGOUT_QAST_GSPD before it is abandoned.
	NoProgressTime = 2 * time.Second
	// QRTLMaxHeadingError is the largest difference between ground track
	// and bearing to the target at which the spiral hands over to QRTL.
	QRTLMaxHeadingError = 20
	// ApproachRangeFactor scales Q_FW_LND_APR_RAD to the distance within
	// which an abandoned glide still flies QRTL rather than QLAND.
	ApproachRangeFactor = 1.25
	// NoPositionHeightFactor scales Q_RTL_ALT to the height below which
	// losing the position estimate means landing where we are.
	NoPositionHeightFactor = 1.05
	// GuidedTolerance is the distance in meters by which the host's
	// target may drift from a guided override before it is re-applied.
	GuidedTolerance = 1
	// TargetAltTolerance is the fraction of Q_RTL_ALT by which the
	// target's terrain-relative altitude may differ before it is reset.
	TargetAltTolerance = 0.01
)

// Episode holds the state of a failsafe episode. The timers are
// independent of each other and nil while their condition doesn't hold.
// GuidedOverride outlives the episode itself: it is kept until the
// aircraft leaves RTL and QRTL or disarms.
type Episode struct {
	Triggered      bool              `msgpack:"triggered"`
	QAssistSince   *time.Time        `msgpack:"qassist_since"`
	QRTLSince      *time.Time        `msgpack:"qrtl_since"`
	SlowSince      *time.Time        `msgpack:"slow_since"`
	GuidedOverride *vehicle.Location `msgpack:"guided_override"`
}

func (ep *Episode) reset() {
	*ep = Episode{GuidedOverride: ep.GuidedOverride}
}

// since sets *t to now if it isn't already set, and returns the time
// elapsed since then.
func since(t **time.Time, now time.Time) time.Duration {
	if *t == nil {
		*t = &now
	}
	return now.Sub(**t)
}

// SpiralRadius returns the loiter radius to fly at ground speed gs so
// that the orbit shrinks to nothing as the aircraft slows from the glide
// speed to the no-progress threshold. The result is in [0, orig].
func SpiralRadius(orig, gs, glideSpeed, threshold float64) float64 {
	if glideSpeed <= threshold {
		return orig
	}
	k := 2 * (math.Sqr(gs) - math.Sqr(threshold)) / (math.Sqr(glideSpeed) - math.Sqr(threshold))
	return math.Clamp(orig*min(1, k), 0, orig)
}

// LandingController flies the descent once the failsafe has triggered:
// the RTL orbit, the Q_ASSIST spiral, and the hand-offs to QRTL and
// QLAND.
type LandingController struct {
	v     vehicle.Vehicle
	cfg   *config
	ev    *emitter
	lg    *log.Logger
	group *param.Group
	ep    *Episode

	// escalated holds the conditions that requested a mode change on the
	// last tick, so that a refused request is only reported once.
	escalated map[EventKind]bool
}

func (lc *LandingController) request(m vehicle.Mode) {
	if !lc.v.SetMode(m) {
		lc.lg.Info("mode change refused", slog.String("mode", m.String()))
	}
}

// escalate requests m because of the condition kind. The request is
// repeated every tick the condition holds but the event is only sent on
// the first.
func (lc *LandingController) escalate(held map[EventKind]bool, kind EventKind, m vehicle.Mode,
	sev vehicle.Severity, fields map[string]any) {
	lc.request(m)
	held[kind] = true
	if !lc.escalated[kind] {
		lc.ev.emit(kind, sev, fields)
	}
}

// approachMode is the mode to abandon a glide in: QRTL near the target,
// QLAND elsewhere.
func (lc *LandingController) approachMode(dist float64) vehicle.Mode {
	if dist < ApproachRangeFactor*lc.cfg.approachRadius.Get() {
		return vehicle.ModeQRTL
	}
	return vehicle.ModeQLand
}

// CheckQRTLTimeout forces QLAND if QRTL has been flying on the lift
// motors for too long without reaching its final descent.
func (lc *LandingController) CheckQRTLTimeout(engine EngineState) {
	v := lc.v
	if !v.Armed() || engine != EngineStopped || v.Mode() != vehicle.ModeQRTL ||
		!(v.InAssistedFlight() || v.InRotorFlight()) || v.InFinalDescent() {
		lc.ep.QRTLSince = nil
		return
	}

	elapsed := since(&lc.ep.QRTLSince, v.Now())
	if limit := lc.cfg.qrtlMax.Get(); elapsed.Seconds() > limit {
		lc.request(vehicle.ModeQLand)
		lc.ev.emit(EventQRTLTimeout, vehicle.SeverityWarning,
			map[string]any{"elapsed": elapsed.Seconds(), "limit": limit})
		lc.ep.QRTLSince = nil
	}
}

// UpdateGuidedOverride captures a GUIDED target chosen by the pilot
// during an episode and keeps it as the RTL target.
func (lc *LandingController) UpdateGuidedOverride() {
	v := lc.v
	if !v.Armed() {
		lc.clearGuidedOverride("disarmed")
		return
	}

	switch v.Mode() {
	case vehicle.ModeGuided:
		if !lc.ep.Triggered {
			return
		}
		t, ok := v.Target()
		if !ok {
			return
		}
		loc, ok := v.Reframe(t, vehicle.AltFrameAboveTerrain)
		if !ok {
			lc.lg.Warn("guided target", slog.Any("target", t), slog.Any("error", ErrReframe))
			return
		}
		loc = loc.WithAlt(lc.cfg.qrtlAlt.Get(), vehicle.AltFrameAboveTerrain)
		lc.ep.GuidedOverride = &loc
		lc.request(vehicle.ModeRTL)
		v.SetTarget(loc)
		lc.ev.emit(EventGuidedOverride, vehicle.SeverityInfo, map[string]any{"target": loc})

	case vehicle.ModeRTL:
		if lc.ep.GuidedOverride == nil {
			return
		}
		o := *lc.ep.GuidedOverride
		if t, ok := v.Target(); ok {
			if t, ok = v.Reframe(t, o.Frame); ok && t.Distance3DM(o) <= GuidedTolerance {
				return
			}
		}
		v.SetTarget(o)

	case vehicle.ModeQRTL:
		// The override stays in place through the final approach.

	default:
		lc.clearGuidedOverride(v.Mode().String())
	}
}

func (lc *LandingController) clearGuidedOverride(reason string) {
	if lc.ep.GuidedOverride != nil {
		lc.ep.GuidedOverride = nil
		lc.ev.emit(EventGuidedCleared, vehicle.SeverityInfo, map[string]any{"reason": reason})
	}
}

// CorrectTargetAltitude puts the target back at Q_RTL_ALT above terrain;
// the host doesn't retarget by itself when terrain following is enabled
// mid-flight.
func (lc *LandingController) CorrectTargetAltitude(engine EngineState) {
	v := lc.v
	if v.InFinalDescent() {
		return
	}
	switch m := v.Mode(); {
	case m == vehicle.ModeQRTL:
		// Rotor flight in QRTL ends the episode, so only the engine state
		// is checked here.
		if !v.Armed() || engine != EngineStopped {
			return
		}
	case m == vehicle.ModeRTL && v.InAssistedFlight():
		if !lc.ep.Triggered {
			return
		}
	default:
		return
	}

	t, ok := v.Target()
	if !ok {
		return
	}
	rt, ok := v.Reframe(t, vehicle.AltFrameAboveTerrain)
	if !ok {
		return
	}
	alt := lc.cfg.qrtlAlt.Get()
	if gomath.Abs(rt.Alt-alt) > TargetAltTolerance*alt {
		v.SetTarget(rt.WithAlt(alt, vehicle.AltFrameAboveTerrain))
		lc.ev.emit(EventTargetAltitude, vehicle.SeverityDebug, map[string]any{"alt": alt, "was": rt.Alt})
	}
}

// UpdateTimers tracks how long Q_ASSIST has been active and how long the
// assisted glide has been below the no-progress ground speed.
func (lc *LandingController) UpdateTimers(assisted bool) {
	now := lc.v.Now()
	if !assisted {
		lc.ep.QAssistSince = nil
		lc.ep.SlowSince = nil
		return
	}
	since(&lc.ep.QAssistSince, now)
	if math.Length2(lc.v.GroundSpeed()) < lc.cfg.qassistGS.Get() {
		since(&lc.ep.SlowSince, now)
	} else {
		lc.ep.SlowSince = nil
	}
}

// Update runs while triggered and in RTL.
func (lc *LandingController) Update() error {
	v := lc.v
	now := v.Now()

	held := make(map[EventKind]bool)
	defer func() { lc.escalated = held }()

	pos, ok := v.Position()
	if !ok {
		lc.lg.Debug("landing update", slog.Any("error", ErrNoPosition))
		if h, ok := v.HeightAboveHome(); ok && h < NoPositionHeightFactor*lc.cfg.qrtlAlt.Get() {
			lc.escalate(held, EventNoPosition, vehicle.ModeQLand, vehicle.SeverityCritical,
				map[string]any{"height": h})
		}
		return nil
	}
	target, ok := v.Target()
	if !ok {
		return nil
	}
	dist := pos.DistanceM(target)

	if lc.ep.QAssistSince != nil {
		if elapsed, limit := now.Sub(*lc.ep.QAssistSince), lc.cfg.qassistMax.Get(); elapsed.Seconds() > limit {
			m := lc.approachMode(dist)
			lc.escalate(held, EventQAssistTimeout, m, vehicle.SeverityWarning,
				map[string]any{"mode": m, "distance": dist, "elapsed": elapsed.Seconds()})
			return nil
		}
	}
	if lc.ep.SlowSince != nil {
		if elapsed := now.Sub(*lc.ep.SlowSince); elapsed > NoProgressTime {
			m := lc.approachMode(dist)
			lc.escalate(held, EventNoProgress, m, vehicle.SeverityWarning,
				map[string]any{"mode": m, "distance": dist, "groundspeed": math.Length2(v.GroundSpeed())})
			return nil
		}
	}

	if !v.InAssistedFlight() {
		return lc.group.Restore(HostLoiterRadius)
	}

	orig, err := lc.group.GetBackup(HostLoiterRadius)
	if err != nil {
		return err
	}
	gsv := v.GroundSpeed()
	gs := math.Length2(gsv)
	radius := SpiralRadius(gomath.Abs(orig), gs, lc.cfg.glideSpeed.Get(), lc.cfg.qassistGS.Get())
	// The sign of WP_LOITER_RAD selects the orbit direction.
	if err := lc.group.Set(HostLoiterRadius, gomath.Copysign(radius, orig)); err != nil {
		return err
	}

	herr := math.HeadingDifference(math.Track(gsv), pos.BearingTo(target))
	if dist < gomath.Abs(orig) && radius < dist && herr < QRTLMaxHeadingError {
		lc.escalate(held, EventCloseToTarget, vehicle.ModeQRTL, vehicle.SeverityInfo,
			map[string]any{"distance": dist, "radius": radius, "heading_error": herr})
	}
	return nil
}
