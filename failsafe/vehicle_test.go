// failsafe/vehicle_test.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/param"
	"github.com/fireeye-uav/engout/vehicle"
)

const tickPeriod = 200 * time.Millisecond

var rally = vehicle.Location{Lat: 36.8164241, Lng: -2.868918, Alt: 15, Frame: vehicle.AltFrameAboveTerrain}

// testVehicle is a scripted host. Terrain and home are both at sea level,
// so reframing only relabels the altitude.
type testVehicle struct {
	now          time.Time
	armed        bool
	prearmOK     bool
	prearmReason string

	rpm  map[int]float64
	vibe float64
	aux  map[int]vehicle.SwitchPosition

	gs     [2]float64
	pos    *vehicle.Location
	target *vehicle.Location
	height *float64

	rotor, assisted, final bool
	noReframe              bool

	mode         vehicle.Mode
	refuseModes  bool
	modeRequests []vehicle.Mode
	targetSets   int
	texts        []string
}

func newTestVehicle() *testVehicle {
	return &testVehicle{
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		rpm:  map[int]float64{0: 2500},
		vibe: 8,
		aux:  make(map[int]vehicle.SwitchPosition),
	}
}

func (tv *testVehicle) Now() time.Time { return tv.now }
func (tv *testVehicle) Armed() bool    { return tv.armed }
func (tv *testVehicle) ReportPrearm(ok bool, reason string) {
	tv.prearmOK, tv.prearmReason = ok, reason
}
func (tv *testVehicle) RPM(instance int) (float64, bool) {
	rpm, ok := tv.rpm[instance]
	return rpm, ok
}
func (tv *testVehicle) Vibration() float64 { return tv.vibe }
func (tv *testVehicle) AuxSwitch(fn int) (vehicle.SwitchPosition, bool) {
	p, ok := tv.aux[fn]
	return p, ok
}
func (tv *testVehicle) GroundSpeed() [2]float64 { return tv.gs }
func (tv *testVehicle) Position() (vehicle.Location, bool) {
	if tv.pos == nil {
		return vehicle.Location{}, false
	}
	return *tv.pos, true
}
func (tv *testVehicle) Home() (vehicle.Location, bool) {
	return vehicle.Location{Lat: 36.8, Lng: -2.85}, true
}
func (tv *testVehicle) Target() (vehicle.Location, bool) {
	if tv.target == nil {
		return vehicle.Location{}, false
	}
	return *tv.target, true
}
func (tv *testVehicle) SetTarget(loc vehicle.Location) bool {
	tv.target = &loc
	tv.targetSets++
	return true
}
func (tv *testVehicle) Reframe(loc vehicle.Location, frame vehicle.AltFrame) (vehicle.Location, bool) {
	if tv.noReframe {
		return vehicle.Location{}, false
	}
	loc.Frame = frame
	return loc, true
}
func (tv *testVehicle) HeightAboveHome() (float64, bool) {
	if tv.height == nil {
		return 0, false
	}
	return *tv.height, true
}
func (tv *testVehicle) InRotorFlight() bool    { return tv.rotor }
func (tv *testVehicle) InAssistedFlight() bool { return tv.assisted }
func (tv *testVehicle) InFinalDescent() bool   { return tv.final }
func (tv *testVehicle) Mode() vehicle.Mode     { return tv.mode }
func (tv *testVehicle) SetMode(m vehicle.Mode) bool {
	tv.modeRequests = append(tv.modeRequests, m)
	if tv.refuseModes {
		return false
	}
	tv.mode = m
	return true
}
func (tv *testVehicle) SendText(sev vehicle.Severity, text string) {
	tv.texts = append(tv.texts, text)
}

func (tv *testVehicle) countText(prefix string) int {
	n := 0
	for _, t := range tv.texts {
		if strings.HasPrefix(t, prefix) {
			n++
		}
	}
	return n
}

func (tv *testVehicle) countRequests(m vehicle.Mode) int {
	n := 0
	for _, r := range tv.modeRequests {
		if r == m {
			n++
		}
	}
	return n
}

// placeSouthOf puts the vehicle dist meters south of the target.
func (tv *testVehicle) placeSouthOf(target vehicle.Location, dist float64) {
	p := math.Offset(target.Point(), 180, dist)
	tv.pos = &vehicle.Location{Lat: p.Latitude(), Lng: p.Longitude(), Alt: 40, Frame: vehicle.AltFrameAboveHome}
	tv.target = &target
}

func hostParams() map[string]float64 {
	return map[string]float64{
		HostTECSSpeedWeight: 1,
		HostThrottleMax:     80,
		HostCruiseSpeed:     18,
		HostTerrainFollow:   0,
		HostQOptions:        1,
		HostQAssistSpeed:    0,
		HostQAssistAlt:      0,
		HostRTLAutoland:     2,
		HostQRTLMode:        1,
		HostLoiterRadius:    -200,
		HostQRTLAlt:         15,
		HostApproachRadius:  100,
		HostAirspeedMin:     9,
		HostAirspeedMax:     30,
	}
}

func quietLogger() *log.Logger {
	return &log.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func makeTestFailsafe(t *testing.T) (*Failsafe, *testVehicle, *param.MemoryStore) {
	t.Helper()
	tv := newTestVehicle()
	s := param.NewMemoryStore(hostParams())
	if err := Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f, err := New(tv, s, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, tv, s
}

func tick(t *testing.T, f *Failsafe, tv *testVehicle, n int) {
	t.Helper()
	for range n {
		if err := f.Tick(); err != nil {
			t.Fatalf("Tick at %s: %v", tv.now.Format(time.TimeOnly), err)
		}
		tv.now = tv.now.Add(tickPeriod)
	}
}

// killEngine arms the vehicle, stops the engine and ticks until the
// episode triggers.
func killEngine(t *testing.T, f *Failsafe, tv *testVehicle) {
	t.Helper()
	tv.armed = true
	tv.mode = vehicle.ModeOther
	tv.rpm[0], tv.vibe = 0, 0.1
	tick(t, f, tv, 11)
	if !f.Triggered() {
		t.Fatalf("failsafe not triggered after the engine stopped")
	}
	if tv.mode != vehicle.ModeRTL {
		t.Fatalf("mode %s after trigger, expected RTL", tv.mode)
	}
}
