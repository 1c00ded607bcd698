// failsafe/engine.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"time"

	"github.com/fireeye-uav/engout/vehicle"
)

type EngineState int

const (
	EngineRunning EngineState = iota
	EngineStopped
)

func (s EngineState) String() string {
	if s == EngineStopped {
		return "stopped"
	}
	return "running"
}

// EngineMonitor turns the RPM, vibration, and manual switch inputs into
// a debounced engine state.
type EngineMonitor struct {
	v   vehicle.Vehicle
	cfg *config
	ev  *emitter

	state EngineState
	// PendingSince is set while the raw sensor signal disagrees with
	// state.
	PendingSince *time.Time
}

func newEngineMonitor(v vehicle.Vehicle, cfg *config, ev *emitter) *EngineMonitor {
	return &EngineMonitor{v: v, cfg: cfg, ev: ev}
}

func (m *EngineMonitor) Current() EngineState {
	return m.state
}

func (m *EngineMonitor) Update() EngineState {
	if !m.v.Armed() {
		// Never latch an engine-out on the ground.
		m.state = EngineRunning
		m.PendingSince = nil
		return m.state
	}

	if fn := m.cfg.rcFunction.Int(); fn > 0 {
		if pos, ok := m.v.AuxSwitch(fn); ok {
			switch pos {
			case vehicle.SwitchLow:
				m.PendingSince = nil
				m.flip(EngineStopped, "switch")
				return m.state
			case vehicle.SwitchHigh:
				m.PendingSince = nil
				m.flip(EngineRunning, "switch")
				return m.state
			}
		}
	}

	raw := m.raw()
	if raw == m.state {
		m.PendingSince = nil
		return m.state
	}

	now := m.v.Now()
	if m.PendingSince == nil {
		m.PendingSince = &now
	}
	delay := time.Duration(m.cfg.delay.Get() * float64(time.Second))
	if now.Sub(*m.PendingSince) >= delay {
		m.PendingSince = nil
		m.flip(raw, "sensors")
	}
	return m.state
}

// raw returns the undebounced engine state: either signal above its
// threshold means the engine is running.
func (m *EngineMonitor) raw() EngineState {
	if ch := m.cfg.rpmChannel.Int(); ch > 0 {
		if rpm, ok := m.v.RPM(ch - 1); ok && rpm > m.cfg.rpmThresh.Get() {
			return EngineRunning
		}
	}
	if m.v.Vibration() > m.cfg.vibeThresh.Get() {
		return EngineRunning
	}
	return EngineStopped
}

func (m *EngineMonitor) flip(s EngineState, source string) {
	if s == m.state {
		return
	}
	m.state = s
	fields := map[string]any{"source": source, "vibration": m.v.Vibration()}
	if ch := m.cfg.rpmChannel.Int(); ch > 0 {
		if rpm, ok := m.v.RPM(ch - 1); ok {
			fields["rpm"] = rpm
		}
	}
	if s == EngineStopped {
		m.ev.emit(EventEngineOut, vehicle.SeverityCritical, fields)
	} else {
		m.ev.emit(EventEngineRunning, vehicle.SeverityInfo, fields)
	}
}
