// failsafe/prearm_test.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package failsafe

import (
	"errors"
	"strings"
	"testing"
)

func TestPrearm(t *testing.T) {
	for _, c := range []struct {
		name    string
		params  map[string]float64
		rpm     float64
		vibe    float64
		noRPM   bool
		armed   bool
		expect  error
		message []string
	}{
		{name: "ok", rpm: 2500, vibe: 8},
		{name: "glide zero", params: map[string]float64{ParamGlideSpeed: 0}, rpm: 2500, vibe: 8, expect: ErrGlideSpeedOutOfBounds},
		{name: "glide slow", params: map[string]float64{ParamGlideSpeed: 1}, rpm: 2500, vibe: 8, expect: ErrGlideSpeedOutOfBounds},
		{name: "glide fast", params: map[string]float64{ParamGlideSpeed: 100}, rpm: 2500, vibe: 8, expect: ErrGlideSpeedOutOfBounds},
		{name: "glide at min", params: map[string]float64{ParamGlideSpeed: 9}, rpm: 2500, vibe: 8},
		{name: "vibe threshold", params: map[string]float64{ParamVibeThresh: 1}, rpm: 2500, vibe: 8, expect: ErrVibeThresholdTooLow},
		{name: "engine off", rpm: 0, vibe: 0.2, expect: ErrEngineNotRunning, message: []string{"RPM 0", "vibration 0.2"}},
		{name: "rpm low", rpm: 300, vibe: 8, expect: ErrEngineNotRunning, message: []string{"RPM 300"}},
		{name: "no rpm", noRPM: true, vibe: 8, expect: ErrEngineNotRunning, message: []string{"no RPM1"}},
		{name: "rpm disabled", params: map[string]float64{ParamRPMChannel: 0}, rpm: 0, vibe: 8},
		{name: "vibe disabled", params: map[string]float64{ParamVibeThresh: 100}, rpm: 2500, vibe: 0},
		{name: "first match wins", params: map[string]float64{ParamGlideSpeed: 0, ParamVibeThresh: 0.5}, rpm: 0, expect: ErrGlideSpeedOutOfBounds},
		{name: "armed", params: map[string]float64{ParamGlideSpeed: 0}, armed: true},
		{name: "disabled", params: map[string]float64{ParamEnable: 0, ParamGlideSpeed: 0}},
	} {
		t.Run(c.name, func(t *testing.T) {
			f, tv, s := makeTestFailsafe(t)
			for name, v := range c.params {
				if err := s.Set(name, v); err != nil {
					t.Fatal(err)
				}
			}
			tv.rpm[0], tv.vibe, tv.armed = c.rpm, c.vibe, c.armed
			if c.noRPM {
				delete(tv.rpm, 0)
			}

			err := f.Prearm.Check()
			if c.expect == nil {
				if err != nil {
					t.Errorf("unexpected failure: %v", err)
				}
				return
			}
			if !errors.Is(err, c.expect) {
				t.Fatalf("got %v, expected %v", err, c.expect)
			}
			for _, m := range c.message {
				if !strings.Contains(err.Error(), m) {
					t.Errorf("%q doesn't mention %q", err.Error(), m)
				}
			}
		})
	}
}

func TestPrearmReported(t *testing.T) {
	f, tv, s := makeTestFailsafe(t)
	tick(t, f, tv, 1)
	if !tv.prearmOK {
		t.Errorf("pre-arm failed: %s", tv.prearmReason)
	}

	s.Set(ParamGlideSpeed, 1)
	tick(t, f, tv, 1)
	if tv.prearmOK || !strings.Contains(tv.prearmReason, "Glide speed") {
		t.Errorf("pre-arm: %v %q", tv.prearmOK, tv.prearmReason)
	}
	if st := f.Status(); st.Prearm == "" {
		t.Errorf("status doesn't report the pre-arm failure")
	}

	s.Set(ParamGlideSpeed, 22)
	tick(t, f, tv, 1)
	if !tv.prearmOK {
		t.Errorf("pre-arm failed after fixing glide speed: %s", tv.prearmReason)
	}
}
