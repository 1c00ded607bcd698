// failsafe/params.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"fmt"

	"github.com/fireeye-uav/engout/param"
)

// Parameters owned by the failsafe.
const (
	ParamEnable     = "ENGOUT_ENABLE"
	ParamGlideSpeed = "ENGOUT_GLIDE_SPD"
	ParamDelay      = "ENGOUT_DELAY"
	ParamRPMChannel = "ENGOUT_RPM_CHAN"
	ParamRPMThresh  = "ENGOUT_RPM_THRESH"
	ParamVibeThresh = "ENGOUT_VIBE_THRESH"
	ParamQAssistMax = "ENGOUT_QAST_TIME"
	ParamQAssistGS  = "ENGOUT_QAST_GSPD"
	ParamQRTLMax    = "ENGOUT_QRTL_TIME"
	ParamRCFunction = "ENGOUT_RC_FUNC"
)

// Host parameters that are read or temporarily changed.
const (
	HostTECSSpeedWeight = "TECS_SPDWEIGHT"
	HostThrottleMax     = "THR_MAX"
	HostCruiseSpeed     = "AIRSPEED_CRUISE"
	HostTerrainFollow   = "TERRAIN_FOLLOW"
	HostQOptions        = "Q_OPTIONS"
	HostQAssistSpeed    = "Q_ASSIST_SPEED"
	HostQAssistAlt      = "Q_ASSIST_ALT"
	HostRTLAutoland     = "RTL_AUTOLAND"
	HostQRTLMode        = "Q_RTL_MODE"
	HostLoiterRadius    = "WP_LOITER_RAD"
	HostQRTLAlt         = "Q_RTL_ALT"
	HostApproachRadius  = "Q_FW_LND_APR_RAD"
	HostAirspeedMin     = "AIRSPEED_MIN"
	HostAirspeedMax     = "AIRSPEED_MAX"
)

// Q_OPTIONS bits.
const (
	QOptionLevelTransition = 1 << 0
	QOptionDisableApproach = 1 << 16
)

// VibeDisabled is the vibration threshold at or above which vibration is
// not used to confirm that the engine is running before arming.
const VibeDisabled = 100

// Params is the table of parameters the failsafe declares at startup.
var Params = []param.Param{
	{Name: ParamEnable, Default: 1, Min: 0, Max: 1,
		Description: "Enable the engine-out failsafe"},
	{Name: ParamGlideSpeed, Default: 22, Min: 0, Max: 100, Units: "m/s",
		Description: "Best glide airspeed"},
	{Name: ParamDelay, Default: 2, Min: 0, Max: 10, Units: "s",
		Description: "Time the engine signals must agree before the engine state changes"},
	{Name: ParamRPMChannel, Default: 1, Min: 0, Max: 4,
		Description: "RPM sensor used for engine detection (1-based); 0 disables"},
	{Name: ParamRPMThresh, Default: 500, Min: 0, Max: 20000, Units: "rpm",
		Description: "RPM above which the engine is running"},
	{Name: ParamVibeThresh, Default: 4, Min: 0, Max: 1000, Units: "m/s/s",
		Description: "Vibration above which the engine is running; 100 or more is ignored before arming"},
	{Name: ParamQAssistMax, Default: 30, Min: 0, Max: 600, Units: "s",
		Description: "Longest Q_ASSIST episode before giving up on the glide"},
	{Name: ParamQAssistGS, Default: 3, Min: 0, Max: 50, Units: "m/s",
		Description: "Ground speed below which an assisted glide is making no progress"},
	{Name: ParamQRTLMax, Default: 30, Min: 0, Max: 600, Units: "s",
		Description: "Longest QRTL before switching to QLAND"},
	{Name: ParamRCFunction, Default: 300, Min: 0, Max: 500,
		Description: "RC aux function of the manual engine state switch; 0 disables"},
}

// Register declares the failsafe's parameters with the host.
func Register(r param.Registrar) error {
	return param.RegisterAll(r, Params)
}

// TuningParams are changed by the glide configurator.
var TuningParams = []string{
	HostTECSSpeedWeight, HostThrottleMax, HostCruiseSpeed, HostTerrainFollow,
	HostQOptions, HostQAssistSpeed, HostQAssistAlt,
}

// EpisodeParams are changed for the duration of a failsafe episode.
var EpisodeParams = []string{HostRTLAutoland, HostQRTLMode, HostLoiterRadius}

type config struct {
	enable, glideSpeed, delay         *param.Handle
	rpmChannel, rpmThresh, vibeThresh *param.Handle
	qassistMax, qassistGS, qrtlMax    *param.Handle
	rcFunction                        *param.Handle
	qrtlAlt, approachRadius           *param.Handle
	airspeedMin, airspeedMax          *param.Handle // optional
}

func bindConfig(s param.Store) (*config, error) {
	var c config
	owned := map[string]**param.Handle{
		ParamEnable:     &c.enable,
		ParamGlideSpeed: &c.glideSpeed,
		ParamDelay:      &c.delay,
		ParamRPMChannel: &c.rpmChannel,
		ParamRPMThresh:  &c.rpmThresh,
		ParamVibeThresh: &c.vibeThresh,
		ParamQAssistMax: &c.qassistMax,
		ParamQAssistGS:  &c.qassistGS,
		ParamQRTLMax:    &c.qrtlMax,
		ParamRCFunction: &c.rcFunction,
	}
	for _, p := range Params {
		h, err := param.BindParam(s, p)
		if err != nil {
			return nil, fmt.Errorf("owned parameters not registered: %w", err)
		}
		*owned[p.Name] = h
	}

	var err error
	if c.qrtlAlt, err = param.Bind(s, HostQRTLAlt); err != nil {
		return nil, err
	}
	if c.approachRadius, err = param.Bind(s, HostApproachRadius); err != nil {
		return nil, err
	}
	// Airframes without an airspeed envelope skip that part of the
	// pre-arm check.
	c.airspeedMin, _ = param.Bind(s, HostAirspeedMin)
	c.airspeedMax, _ = param.Bind(s, HostAirspeedMax)

	return &c, nil
}
