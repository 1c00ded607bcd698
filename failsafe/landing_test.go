// failsafe/landing_test.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"testing"
	"time"

	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/vehicle"
)

func TestSpiralRadius(t *testing.T) {
	const orig, glide, thr = 200., 22., 3.

	if r := SpiralRadius(orig, glide, glide, thr); r != orig {
		t.Errorf("at glide speed: got %v, expected %v", r, orig)
	}
	if r := SpiralRadius(orig, thr, glide, thr); r != 0 {
		t.Errorf("at threshold: got %v, expected 0", r)
	}
	if r := SpiralRadius(orig, 1, glide, thr); r != 0 {
		t.Errorf("below threshold: got %v, expected 0", r)
	}
	if r := SpiralRadius(orig, 40, glide, thr); r != orig {
		t.Errorf("above glide speed: got %v", r)
	}
	if r := SpiralRadius(orig, 10, 3, 3); r != orig {
		t.Errorf("degenerate glide speed: got %v", r)
	}

	// Non-increasing as the aircraft slows.
	prev := orig
	for gs := glide; gs >= 0; gs -= 0.25 {
		r := SpiralRadius(orig, gs, glide, thr)
		if r > prev || r < 0 {
			t.Fatalf("radius %v at %v m/s after %v", r, gs, prev)
		}
		prev = r
	}

	if r := SpiralRadius(orig, 13, glide, thr); !math.ApproxEqual(r, 200*2*(169.-9)/(484-9), 1e-9) {
		t.Errorf("at 13 m/s: got %v", r)
	}
}

func TestSpiralToQRTL(t *testing.T) {
	f, tv, s := makeTestFailsafe(t)
	killEngine(t, f, tv)

	tv.placeSouthOf(rally, 150)
	tv.assisted = true

	for _, gs := range []float64{22, 18, 15} {
		tv.gs = [2]float64{gs, 0}
		tick(t, f, tv, 1)
		if tv.mode != vehicle.ModeRTL {
			t.Fatalf("left RTL for %s at %v m/s", tv.mode, gs)
		}
		r, _ := s.Get(HostLoiterRadius)
		expect := -SpiralRadius(200, gs, 22, 3)
		if !math.ApproxEqual(r, expect, 1e-9) {
			t.Errorf("WP_LOITER_RAD at %v m/s: got %v, expected %v", gs, r, expect)
		}
	}

	// Same speed but flying away from the target doesn't hand over.
	tv.gs = [2]float64{-13, 0}
	tick(t, f, tv, 1)
	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("QRTL while flying away from the target")
	}

	tv.gs = [2]float64{13, 0}
	tick(t, f, tv, 1)
	if tv.mode != vehicle.ModeQRTL {
		t.Fatalf("mode %s, expected QRTL", tv.mode)
	}
	if tv.countText("Close to target") != 1 {
		t.Errorf("texts %v", tv.texts)
	}
	if r, _ := s.Get(HostLoiterRadius); r >= 0 || r < -150 {
		t.Errorf("WP_LOITER_RAD %v", r)
	}

	// Back to normal flight restores the radius.
	tv.mode = vehicle.ModeRTL
	tv.assisted = false
	tv.gs = [2]float64{0, 22}
	tick(t, f, tv, 1)
	if r, _ := s.Get(HostLoiterRadius); r != -200 {
		t.Errorf("WP_LOITER_RAD %v after Q_ASSIST ended", r)
	}
}

func TestQAssistTimeout(t *testing.T) {
	for _, c := range []struct {
		dist   float64
		expect vehicle.Mode
	}{{1000, vehicle.ModeQLand}, {100, vehicle.ModeQRTL}} {
		t.Run(c.expect.String(), func(t *testing.T) {
			f, tv, s := makeTestFailsafe(t)
			s.Set(ParamQAssistMax, 1)
			killEngine(t, f, tv)

			tv.placeSouthOf(rally, c.dist)
			tv.assisted = true
			// Crossing the bearing to the target, so no spiral hand-over.
			tv.gs = [2]float64{0, 20}

			tick(t, f, tv, 6)
			if tv.mode != vehicle.ModeRTL {
				t.Fatalf("mode %s before the timeout", tv.mode)
			}
			tick(t, f, tv, 1)
			if tv.mode != c.expect {
				t.Fatalf("mode %s, expected %s", tv.mode, c.expect)
			}
			if tv.countText("Q_ASSIST for too long: "+c.expect.String()) != 1 {
				t.Errorf("texts %v", tv.texts)
			}
		})
	}
}

func TestNoProgress(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)

	tv.placeSouthOf(rally, 1000)
	tv.assisted = true
	tv.gs = [2]float64{1, 0}

	tick(t, f, tv, 11)
	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("mode %s after 2s", tv.mode)
	}
	tick(t, f, tv, 1)
	if tv.mode != vehicle.ModeQLand {
		t.Fatalf("mode %s, expected QLAND", tv.mode)
	}
	if tv.countText("Too slow: QLAND") != 1 {
		t.Errorf("texts %v", tv.texts)
	}

	// Speeding up resets the timer.
	f2, tv2, _ := makeTestFailsafe(t)
	killEngine(t, f2, tv2)
	tv2.placeSouthOf(rally, 1000)
	tv2.assisted = true
	for i := range 30 {
		if i%5 == 4 {
			tv2.gs = [2]float64{0, 10}
		} else {
			tv2.gs = [2]float64{1, 0}
		}
		tick(t, f2, tv2, 1)
	}
	if tv2.mode != vehicle.ModeRTL {
		t.Errorf("mode %s, expected RTL", tv2.mode)
	}
}

func TestNoPosition(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)

	tv.pos = nil
	tv.height = ptr(40.)
	tick(t, f, tv, 5)
	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("mode %s at 40m without position", tv.mode)
	}

	tv.height = ptr(15.)
	tick(t, f, tv, 1)
	if tv.mode != vehicle.ModeQLand {
		t.Fatalf("mode %s, expected QLAND", tv.mode)
	}
	if tv.countText("No position") != 1 {
		t.Errorf("texts %v", tv.texts)
	}
}

func TestQRTLTimeout(t *testing.T) {
	f, tv, s := makeTestFailsafe(t)
	s.Set(ParamQRTLMax, 5)

	tv.armed = true
	tv.mode = vehicle.ModeQRTL
	tv.rotor = true
	tv.rpm[0], tv.vibe = 0, 0.1

	start := tv.now
	var qland time.Duration
	for range 60 {
		tick(t, f, tv, 1)
		if tv.mode == vehicle.ModeQLand {
			qland = tv.now.Sub(start)
			break
		}
	}
	// Two seconds to detect the engine out, then five of QRTL.
	if qland < 7*time.Second || qland > 7600*time.Millisecond {
		t.Errorf("QLAND after %s", qland)
	}
	if tv.countText("QRTL for too long: QLAND") != 1 {
		t.Errorf("texts %v", tv.texts)
	}
	if f.Triggered() {
		t.Errorf("episode triggered during rotor flight")
	}

	// The final descent doesn't time out.
	f, tv, s = makeTestFailsafe(t)
	s.Set(ParamQRTLMax, 5)
	tv.armed, tv.mode, tv.rotor, tv.final = true, vehicle.ModeQRTL, true, true
	tv.rpm[0], tv.vibe = 0, 0.1
	tick(t, f, tv, 60)
	if tv.mode != vehicle.ModeQRTL {
		t.Errorf("mode %s during final descent", tv.mode)
	}
}

func TestGuidedOverride(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)
	tv.placeSouthOf(rally, 800)
	tv.gs = [2]float64{0, 22}

	guided := vehicle.Location{Lat: 36.8192676, Lng: -2.8719136, Alt: 5000, Frame: vehicle.AltFrameAboveHome}
	tv.mode = vehicle.ModeGuided
	tv.target = &guided
	tick(t, f, tv, 1)

	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("mode %s after guided override, expected RTL", tv.mode)
	}
	expect := guided.WithAlt(15, vehicle.AltFrameAboveTerrain)
	if *tv.target != expect {
		t.Fatalf("target %s, expected %s", tv.target, expect)
	}
	if st := f.Status(); st.Episode.GuidedOverride == nil || *st.Episode.GuidedOverride != expect {
		t.Errorf("status override %v", st.Episode.GuidedOverride)
	}

	// The host switching back to the rally point gets overridden.
	tv.target = &rally
	tick(t, f, tv, 1)
	if *tv.target != expect {
		t.Errorf("target %s not re-applied", tv.target)
	}
	sets := tv.targetSets
	tick(t, f, tv, 5)
	if tv.targetSets != sets {
		t.Errorf("target re-set %d times while it matched", tv.targetSets-sets)
	}

	// QRTL on the lift motors ends the episode but keeps the override;
	// other modes clear it.
	tv.mode, tv.rotor = vehicle.ModeQRTL, true
	tick(t, f, tv, 1)
	if f.Triggered() {
		t.Errorf("still triggered in rotor flight")
	}
	if f.Status().Episode.GuidedOverride == nil {
		t.Errorf("override cleared in QRTL")
	}
	tv.mode = vehicle.ModeOther
	tick(t, f, tv, 1)
	if f.Status().Episode.GuidedOverride != nil {
		t.Errorf("override not cleared")
	}
	if tv.countText("Guided override cleared") != 1 {
		t.Errorf("texts %v", tv.texts)
	}
}

func TestGuidedBeforeEpisode(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	tv.armed = true
	guided := vehicle.Location{Lat: 36.8192676, Lng: -2.8719136, Alt: 100, Frame: vehicle.AltFrameAboveHome}
	tv.mode = vehicle.ModeGuided
	tv.target = &guided
	tick(t, f, tv, 5)
	if tv.mode != vehicle.ModeGuided || *tv.target != guided {
		t.Errorf("guided flight changed without an engine out: %s %s", tv.mode, tv.target)
	}
}

func TestTargetAltitudeCorrection(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)

	tv.placeSouthOf(rally.WithAlt(5000, vehicle.AltFrameAboveHome), 1000)
	tv.gs = [2]float64{0, 22}

	// Not assisted in RTL: left alone.
	tick(t, f, tv, 1)
	if tv.target.Alt != 5000 {
		t.Fatalf("target altitude changed to %v", tv.target.Alt)
	}

	tv.assisted = true
	tick(t, f, tv, 1)
	if tv.target.Alt != 15 || tv.target.Frame != vehicle.AltFrameAboveTerrain {
		t.Errorf("target %s, expected 15m above terrain", tv.target)
	}

	// Within 1% is close enough.
	tv.target.Alt = 15.1
	sets := tv.targetSets
	tick(t, f, tv, 1)
	if tv.targetSets != sets {
		t.Errorf("target reset for a 0.1m difference")
	}

	// Final descent is left alone.
	tv.final = true
	tv.target.Alt = 50
	tick(t, f, tv, 1)
	if tv.target.Alt != 50 {
		t.Errorf("target changed during final descent")
	}
}

func TestGuidedOverrideDisarm(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)
	tv.placeSouthOf(rally, 800)

	guided := vehicle.Location{Lat: 36.8192676, Lng: -2.8719136, Alt: 50, Frame: vehicle.AltFrameAboveHome}
	tv.mode = vehicle.ModeGuided
	tv.target = &guided
	tick(t, f, tv, 1)
	if f.Status().Episode.GuidedOverride == nil {
		t.Fatalf("override not captured")
	}

	tv.mode = vehicle.ModeQRTL
	tv.armed = false
	tick(t, f, tv, 1)
	if f.Status().Episode.GuidedOverride != nil {
		t.Errorf("override kept after disarm")
	}
}

func TestTargetAltitudeInRotorQRTL(t *testing.T) {
	f, tv, _ := makeTestFailsafe(t)
	killEngine(t, f, tv)
	tv.placeSouthOf(rally, 50)

	tv.mode, tv.rotor = vehicle.ModeQRTL, true
	tick(t, f, tv, 3)
	if f.Triggered() {
		t.Fatalf("still triggered in rotor flight")
	}

	drifted := rally.WithAlt(5000, vehicle.AltFrameAboveHome)
	tv.target = &drifted
	tick(t, f, tv, 1)
	if tv.target.Alt != 15 || tv.target.Frame != vehicle.AltFrameAboveTerrain {
		t.Errorf("target %s, expected 15m above terrain", tv.target)
	}

	// Once the engine is back QRTL is left to the host.
	tv.rpm[0], tv.vibe = 2500, 8
	tick(t, f, tv, 11)
	tv.target = &drifted
	tick(t, f, tv, 1)
	if tv.target.Alt != 5000 {
		t.Errorf("target changed to %s with the engine running", tv.target)
	}
}

func TestRefusedModeReportedOnce(t *testing.T) {
	f, tv, s := makeTestFailsafe(t)
	s.Set(ParamQAssistMax, 1)
	killEngine(t, f, tv)

	tv.placeSouthOf(rally, 1000)
	tv.assisted = true
	tv.gs = [2]float64{0, 20}
	tv.refuseModes = true

	tick(t, f, tv, 20)
	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("mode %s", tv.mode)
	}
	// The request is repeated every tick, the message isn't.
	if n := tv.countRequests(vehicle.ModeQLand); n < 10 {
		t.Errorf("%d QLAND requests", n)
	}
	if n := tv.countText("Q_ASSIST for too long"); n != 1 {
		t.Errorf("%d timeout messages, expected 1", n)
	}

	// A new Q_ASSIST episode that times out is reported again.
	tv.assisted = false
	tick(t, f, tv, 1)
	tv.assisted = true
	tick(t, f, tv, 7)
	if n := tv.countText("Q_ASSIST for too long"); n != 2 {
		t.Errorf("%d timeout messages, expected 2", n)
	}
}
