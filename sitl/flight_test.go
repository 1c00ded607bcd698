// sitl/flight_test.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package sitl

import (
	"errors"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/fireeye-uav/engout/failsafe"
	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/vehicle"
)

const tickPeriod = 200 * time.Millisecond

type flight struct {
	t  *testing.T
	s  *Sim
	fs *failsafe.Failsafe
}

func newFlight(t *testing.T, cfg Config) *flight {
	t.Helper()
	s := New(cfg, quietLogger())
	if err := failsafe.Register(s); err != nil {
		t.Fatal(err)
	}
	fs, err := failsafe.New(s, s, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	fl := &flight{t: t, s: s, fs: fs}
	fl.run(tickPeriod, nil)
	return fl
}

// run steps the simulation and the failsafe together for up to d,
// stopping early once until returns true. It reports whether until was
// satisfied.
func (fl *flight) run(d time.Duration, until func() bool) bool {
	fl.t.Helper()
	for elapsed := time.Duration(0); elapsed < d; elapsed += tickPeriod {
		fl.s.Step(tickPeriod)
		if err := fl.fs.Tick(); err != nil {
			fl.t.Fatalf("Tick: %v", err)
		}
		if until != nil && until() {
			return true
		}
	}
	return until == nil
}

func (fl *flight) waitText(prefix string, d time.Duration) {
	fl.t.Helper()
	if !fl.run(d, func() bool { return countTexts(fl.s, prefix) > 0 }) {
		fl.t.Fatalf("no %q message after %s; got %v", prefix, d, textStrings(fl.s))
	}
}

func (fl *flight) waitDisarmed(d time.Duration) {
	fl.t.Helper()
	if !fl.run(d, func() bool { return !fl.s.Armed() }) {
		fl.t.Fatalf("still flying after %s: %+v", d, fl.s.State())
	}
}

// takeoff arms, climbs out and flies the mission for the given time.
func (fl *flight) takeoff(mission time.Duration) {
	fl.t.Helper()
	if err := fl.s.Arm(); err != nil {
		fl.t.Fatal(err)
	}
	fl.run(60*time.Second+mission, nil)
	if st := fl.s.State(); st.Rotor || st.Landed {
		fl.t.Fatalf("not cruising: %+v", st)
	}
}

// rallyConfig flies the mission orbit beyond the rally point, so that
// the rally point rather than home is the closest RTL target wherever
// the engine stops.
func rallyConfig() Config {
	cfg := testConfig()
	c := math.Offset(testHome.Point(), math.Bearing(testHome.Point(), testRally.Point()), 900)
	cfg.MissionCenter = &vehicle.Location{Lat: c.Latitude(), Lng: c.Longitude()}
	return cfg
}

func countTexts(s *Sim, prefix string) int {
	n := 0
	for _, t := range s.Texts() {
		if strings.HasPrefix(t.Text, prefix) {
			n++
		}
	}
	return n
}

func textStrings(s *Sim) []string {
	var strs []string
	for _, t := range s.Texts() {
		strs = append(strs, t.Text)
	}
	return strs
}

func TestRallyLanding(t *testing.T) {
	fl := newFlight(t, rallyConfig())
	before := fl.s.Values()

	fl.takeoff(30 * time.Second)
	fl.s.SetEngine(false)
	fl.waitText("Engine out failsafe: RTL", 5*time.Second)
	if m := fl.s.Mode(); m != vehicle.ModeRTL {
		t.Fatalf("mode %s after engine out", m)
	}
	if tgt, ok := fl.s.Target(); !ok || tgt.DistanceM(testRally) > 1 {
		t.Fatalf("RTL target %s, expected the rally point", tgt)
	}

	fl.waitDisarmed(10 * time.Minute)
	st := fl.s.State()
	if d := st.Position.DistanceM(testRally); d > 150 {
		t.Errorf("landed %.0fm from the rally point; messages %v", d, textStrings(fl.s))
	}
	if countTexts(fl.s, "Crashed") != 0 {
		t.Errorf("crashed: %v", textStrings(fl.s))
	}
	if n := countTexts(fl.s, "Engine out failsafe: RTL"); n != 1 {
		t.Errorf("%d failsafe triggers", n)
	}

	// Disarming on the ground puts every parameter back.
	fl.run(time.Second, nil)
	if after := fl.s.Values(); !maps.Equal(before, after) {
		for name, v := range before {
			if after[name] != v {
				t.Errorf("%s changed from %v to %v", name, v, after[name])
			}
		}
	}
}

func TestGuidedOverrideLanding(t *testing.T) {
	guided := vehicle.Location{Lat: 36.8192676, Lng: -2.8719136, Alt: 5000, Frame: vehicle.AltFrameAboveHome}

	fl := newFlight(t, testConfig())
	fl.takeoff(30 * time.Second)
	fl.s.SetEngine(false)
	fl.waitText("Engine out failsafe: RTL", 5*time.Second)
	fl.run(10*time.Second, nil)

	fl.s.Guided(guided)
	fl.run(tickPeriod, nil)
	if m := fl.s.Mode(); m != vehicle.ModeRTL {
		t.Fatalf("mode %s after guided override", m)
	}
	if countTexts(fl.s, "Guided override") == 0 {
		t.Errorf("no guided override message")
	}

	fl.waitDisarmed(10 * time.Minute)
	if d := fl.s.State().Position.DistanceM(guided); d > 150 {
		t.Errorf("landed %.0fm from the guided point; messages %v", d, textStrings(fl.s))
	}
}

func TestQAssistTimeoutLanding(t *testing.T) {
	cfg := rallyConfig()
	cfg.Params = map[string]float64{failsafe.ParamQAssistMax: 1}

	fl := newFlight(t, cfg)
	fl.takeoff(30 * time.Second)
	fl.s.SetEngine(false)
	fl.waitText("Q_ASSIST for too long", 10*time.Minute)
	fl.waitDisarmed(5 * time.Minute)
	if d := fl.s.State().Position.DistanceM(testRally); d > 300 {
		t.Errorf("landed %.0fm from the rally point", d)
	}
}

func TestParametersRestored(t *testing.T) {
	fl := newFlight(t, testConfig())
	fl.takeoff(30 * time.Second)
	before := fl.s.Values()

	fl.s.SetEngine(false)
	fl.waitText("Engine out", 5*time.Second)
	fl.run(time.Second, nil)
	changed := 0
	for name, v := range fl.s.Values() {
		if before[name] != v {
			changed++
		}
	}
	if changed == 0 {
		t.Fatalf("no parameters changed for the glide")
	}

	fl.s.SetEngine(true)
	fl.waitText("Engine running", 5*time.Second)
	fl.run(time.Second, nil)
	after := fl.s.Values()
	for name, v := range before {
		if after[name] != v {
			t.Errorf("%s changed from %v to %v", name, v, after[name])
		}
	}
	if fl.fs.Triggered() {
		t.Errorf("failsafe still triggered")
	}
}

func TestPrearmChecks(t *testing.T) {
	fl := newFlight(t, testConfig())

	check := func(glide float64, ok bool) {
		t.Helper()
		if err := fl.s.Set(failsafe.ParamGlideSpeed, glide); err != nil {
			t.Fatal(err)
		}
		fl.run(tickPeriod, nil)
		if got, reason := fl.s.Prearm(); got != ok {
			t.Errorf("glide speed %v: pre-arm %v (%s), expected %v", glide, got, reason, ok)
		}
	}
	check(1, false)
	check(22, true)
	check(100, false)
	check(22, true)

	fl.s.SetEngine(false)
	fl.run(tickPeriod, nil)
	if err := fl.s.Arm(); !errors.Is(err, ErrPrearm) || !strings.Contains(err.Error(), "Engine not running") {
		t.Errorf("Arm with the engine off: %v", err)
	}
	fl.s.SetEngine(true)
	fl.run(tickPeriod, nil)
	if err := fl.s.Arm(); err != nil {
		t.Errorf("Arm with the engine running: %v", err)
	}
}
