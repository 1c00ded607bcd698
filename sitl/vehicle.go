// sitl/vehicle.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package sitl

import (
	gomath "math"
	"time"

	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/vehicle"
)

var _ vehicle.Vehicle = (*Sim)(nil)

func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Sim) ReportPrearm(ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prearmOK, s.prearmReason = ok, reason
}

func (s *Sim) RPM(instance int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instance != 0 {
		return 0, false
	}
	if !s.engine {
		return 0, true
	}
	return max(0, s.rand.Normal(2500, 30)), true
}

func (s *Sim) Vibration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine {
		return max(0, s.rand.Normal(8, 0.5))
	}
	return gomath.Abs(s.rand.Normal(0.2, 0.05))
}

func (s *Sim) AuxSwitch(function int) (vehicle.SwitchPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.aux[function]
	return pos, ok
}

func (s *Sim) GroundSpeed() [2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vel
}

func (s *Sim) Position() (vehicle.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gps {
		return vehicle.Location{}, false
	}
	return s.location(), true
}

func (s *Sim) Home() (vehicle.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home, true
}

func (s *Sim) Target() (vehicle.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return vehicle.Location{}, false
	}
	return *s.target, true
}

func (s *Sim) SetTarget(loc vehicle.Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case vehicle.ModeRTL, vehicle.ModeGuided, vehicle.ModeQRTL:
		s.target = &loc
		return true
	default:
		return false
	}
}

func (s *Sim) Reframe(loc vehicle.Location, frame vehicle.AltFrame) (vehicle.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reframe(loc, frame)
}

func (s *Sim) reframe(loc vehicle.Location, frame vehicle.AltFrame) (vehicle.Location, bool) {
	if loc.Frame == frame {
		return loc, true
	}
	if s.cfg.NoTerrainData && (loc.Frame == vehicle.AltFrameAboveTerrain || frame == vehicle.AltFrameAboveTerrain) {
		return vehicle.Location{}, false
	}

	amsl := loc.Alt
	switch loc.Frame {
	case vehicle.AltFrameAboveHome:
		amsl += s.home.Alt
	case vehicle.AltFrameAboveTerrain:
		amsl += s.terrain(loc.Point())
	}
	switch frame {
	case vehicle.AltFrameAboveHome:
		amsl -= s.home.Alt
	case vehicle.AltFrameAboveTerrain:
		amsl -= s.terrain(loc.Point())
	}
	return loc.WithAlt(amsl, frame), true
}

func (s *Sim) HeightAboveHome() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alt - s.home.Alt, true
}

func (s *Sim) InRotorFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && s.rotor
}

func (s *Sim) InAssistedFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && s.assisted
}

func (s *Sim) InFinalDescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && s.final
}

func (s *Sim) Mode() vehicle.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sim) SetMode(m vehicle.Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMode(m)
	return true
}

func (s *Sim) setMode(m vehicle.Mode) {
	if m == s.mode {
		return
	}
	s.mode = m
	s.final = false
	switch m {
	case vehicle.ModeRTL:
		t := s.rtlTarget()
		s.target = &t
	case vehicle.ModeGuided:
		t := s.location()
		s.target = &t
	case vehicle.ModeQRTL:
		if s.target == nil {
			t := s.rtlTarget()
			s.target = &t
		}
	case vehicle.ModeOther:
		s.target = nil
	}
	s.sendText(vehicle.SeverityInfo, "Mode "+m.String())
}

// rtlTarget returns the closest rally point, or home.
func (s *Sim) rtlTarget() vehicle.Location {
	best := s.home.WithAlt(s.param("RTL_ALTITUDE"), vehicle.AltFrameAboveHome)
	bestDist := math.DistanceM(s.p, best.Point())
	for _, r := range s.cfg.Rally {
		if d := math.DistanceM(s.p, r.Point()); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best
}

func (s *Sim) SendText(sev vehicle.Severity, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendText(sev, text)
}
