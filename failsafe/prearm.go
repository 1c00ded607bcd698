// failsafe/prearm.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"fmt"
	"strings"

	"github.com/fireeye-uav/engout/vehicle"
)

// PrearmChecker blocks arming when the failsafe is misconfigured or the
// engine can't be confirmed to be running.
type PrearmChecker struct {
	v   vehicle.Vehicle
	cfg *config
}

// Check returns nil if arming may proceed. It always passes while armed
// or while the failsafe is disabled.
func (p *PrearmChecker) Check() error {
	if p.v.Armed() || !p.cfg.enable.Bool() {
		return nil
	}

	gs := p.cfg.glideSpeed.Get()
	lo, hi := 0., gs
	if p.cfg.airspeedMin != nil {
		lo = p.cfg.airspeedMin.Get()
	}
	if p.cfg.airspeedMax != nil {
		hi = p.cfg.airspeedMax.Get()
	}
	if gs <= 0 || gs < lo || gs > hi {
		return fmt.Errorf("%w: %s %.1f not in [%.1f, %.1f]", ErrGlideSpeedOutOfBounds, ParamGlideSpeed, gs, lo, hi)
	}

	vibeThresh := p.cfg.vibeThresh.Get()
	if vibeThresh <= 1 {
		return fmt.Errorf("%w: %s %.1f", ErrVibeThresholdTooLow, ParamVibeThresh, vibeThresh)
	}

	var failing []string
	if ch := p.cfg.rpmChannel.Int(); ch > 0 {
		thresh := p.cfg.rpmThresh.Get()
		if rpm, ok := p.v.RPM(ch - 1); !ok {
			failing = append(failing, fmt.Sprintf("no RPM%d", ch))
		} else if rpm <= thresh {
			failing = append(failing, fmt.Sprintf("RPM %.0f <= %.0f", rpm, thresh))
		}
	}
	if vibeThresh < VibeDisabled {
		if vibe := p.v.Vibration(); vibe <= vibeThresh {
			failing = append(failing, fmt.Sprintf("vibration %.1f <= %.1f", vibe, vibeThresh))
		}
	}
	if len(failing) > 0 {
		return fmt.Errorf("%w: %s", ErrEngineNotRunning, strings.Join(failing, ", "))
	}
	return nil
}
