// failsafe/glide.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"errors"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/param"
)

// GlideConfigurator retunes the energy controller and VTOL assist for a
// powerless glide. All changes go through its parameter group, so
// Configure(false, ...) always returns the airframe to its original
// tuning.
type GlideConfigurator struct {
	group *param.Group
	cfg   *config
	lg    *log.Logger
}

func newGlideConfigurator(s param.Store, cfg *config, lg *log.Logger) (*GlideConfigurator, error) {
	g, err := param.NewGroup("tuning", s, lg, TuningParams...)
	if err != nil {
		return nil, err
	}
	return &GlideConfigurator{group: g, cfg: cfg, lg: lg}, nil
}

func (g *GlideConfigurator) Configure(glide, qassist bool) error {
	if !glide {
		return g.group.RestoreAll()
	}

	if qassist {
		// Under assisted lift favor altitude over speed, though not
		// entirely, and let the (dead) engine have full authority so the
		// energy controller doesn't fight the lift motors.
		w, err := g.group.GetBackup(HostTECSSpeedWeight)
		if err != nil {
			return err
		}
		return errors.Join(
			g.group.Set(HostTECSSpeedWeight, w/2),
			g.group.Set(HostThrottleMax, 100))
	}

	qopt, err := g.group.GetBackup(HostQOptions)
	if err != nil {
		return err
	}
	qopt = float64((int64(qopt) &^ QOptionLevelTransition) | QOptionDisableApproach)

	errs := []error{
		g.group.Restore(HostTECSSpeedWeight),
		// Zero throttle also keeps the energy controller's underspeed
		// logic from adding throttle if detection was wrong.
		g.group.Set(HostThrottleMax, 0),
		g.group.Set(HostCruiseSpeed, g.cfg.glideSpeed.Get()),
		g.group.Set(HostTerrainFollow, 1),
		g.group.Set(HostQOptions, qopt),
		g.group.Set(HostQAssistAlt, g.cfg.qrtlAlt.Get()),
	}
	// Q_ASSIST_SPEED <= 0 disables the altitude trigger of Q_ASSIST as
	// well, which the landing sequence depends on.
	if spd, err := g.group.GetBackup(HostQAssistSpeed); err != nil {
		errs = append(errs, err)
	} else if spd <= 0 {
		errs = append(errs, g.group.Set(HostQAssistSpeed, 0.1))
	}
	return errors.Join(errs...)
}

// Outstanding returns the tuning parameters currently changed.
func (g *GlideConfigurator) Outstanding() []string {
	return g.group.Outstanding()
}
