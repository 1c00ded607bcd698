// cmd/engoutsim/scenario.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fireeye-uav/engout/sitl"
	"github.com/fireeye-uav/engout/util"
	"github.com/fireeye-uav/engout/vehicle"
)

const defaultDuration = 20 * 60 // seconds

// Action is a single intervention at a given time after the start of the
// run. Exactly one of the effect fields is set.
type Action struct {
	At float64 `json:"at"` // seconds

	Engine    *bool              `json:"engine,omitempty"`
	GPS       *bool              `json:"gps,omitempty"`
	Guided    *vehicle.Location  `json:"guided,omitempty"`
	AuxSwitch string             `json:"aux_switch,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Arm       bool               `json:"arm,omitempty"`
	Disarm    bool               `json:"disarm,omitempty"`

	auxSwitch vehicle.SwitchPosition
}

func (a Action) Time() time.Duration {
	return time.Duration(a.At * float64(time.Second))
}

func (a Action) String() string {
	var s []string
	if a.Engine != nil {
		s = append(s, fmt.Sprintf("engine %v", *a.Engine))
	}
	if a.GPS != nil {
		s = append(s, fmt.Sprintf("gps %v", *a.GPS))
	}
	if a.Guided != nil {
		s = append(s, fmt.Sprintf("guided %.6f,%.6f", a.Guided.Lat, a.Guided.Lng))
	}
	if a.AuxSwitch != "" {
		s = append(s, "aux switch "+a.AuxSwitch)
	}
	for _, name := range slices.Sorted(maps.Keys(a.Params)) {
		s = append(s, fmt.Sprintf("%s=%v", name, a.Params[name]))
	}
	if a.Arm {
		s = append(s, "arm")
	}
	if a.Disarm {
		s = append(s, "disarm")
	}
	return fmt.Sprintf("%.1fs: %s", a.At, strings.Join(s, ", "))
}

func (a Action) effects() int {
	n := 0
	for _, b := range []bool{a.Engine != nil, a.GPS != nil, a.Guided != nil, a.AuxSwitch != "",
		len(a.Params) > 0, a.Arm, a.Disarm} {
		if b {
			n++
		}
	}
	return n
}

// Scenario is a scripted flight: the SITL configuration, what happens
// during the flight, and what must have been observed by the end.
type Scenario struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Sim         sitl.Config `json:"sim"`
	Duration    float64     `json:"duration"` // seconds
	Actions     []Action    `json:"actions"`

	// Expect lists prefixes of ground link messages that must be seen in
	// this order.
	Expect []string `json:"expect"`
	// Reject lists message prefixes that must never be seen.
	Reject []string `json:"reject"`
	// MaxLandingDistance bounds the distance in meters from the landing
	// point to the closest rally point or home. Zero skips the check.
	MaxLandingDistance float64 `json:"max_landing_distance"`
	// RestoreParams requires every parameter to be back at its initial
	// value once the vehicle has disarmed.
	RestoreParams bool `json:"restore_params"`
}

func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sc Scenario
	if err := util.UnmarshalJSONBytes(b, &sc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var e util.ErrorLogger
	e.Push(path)
	sc.PostDeserialize(&e)
	if err := e.Err(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// PostDeserialize fills in defaults and reports every problem with the
// scenario to e.
func (sc *Scenario) PostDeserialize(e *util.ErrorLogger) {
	if sc.Name == "" {
		e.ErrorString("\"name\" must be specified")
	}
	if sc.Duration == 0 {
		sc.Duration = defaultDuration
	} else if sc.Duration < 0 {
		e.ErrorString("\"duration\" %v must be positive", sc.Duration)
	}
	if sc.Sim.Home.Lat == 0 && sc.Sim.Home.Lng == 0 {
		e.ErrorString("\"sim\": \"home\" must be specified")
	}
	if sc.MaxLandingDistance < 0 {
		e.ErrorString("\"max_landing_distance\" %v must not be negative", sc.MaxLandingDistance)
	}

	for i := range sc.Actions {
		a := &sc.Actions[i]
		e.Push(fmt.Sprintf("action %d", i))

		if a.At < 0 || a.At > sc.Duration {
			e.ErrorString("\"at\" %v must be between 0 and the duration %v", a.At, sc.Duration)
		}
		if i > 0 && a.At < sc.Actions[i-1].At {
			e.ErrorString("actions must be in time order")
		}
		if n := a.effects(); n != 1 {
			e.ErrorString("%d effects given; exactly one is required", n)
		}
		if a.AuxSwitch != "" {
			var err error
			if a.auxSwitch, err = vehicle.ParseSwitchPosition(a.AuxSwitch); err != nil {
				e.Error(err)
			}
		}

		e.Pop()
	}

	for i, s := range sc.Expect {
		if strings.TrimSpace(s) == "" {
			e.ErrorString("\"expect\" entry %d is empty", i)
		}
	}
	for i, s := range sc.Reject {
		if strings.TrimSpace(s) == "" {
			e.ErrorString("\"reject\" entry %d is empty", i)
		}
	}
}

// Verify checks the messages and final state of a finished run against
// the scenario's expectations.
func (sc *Scenario) Verify(texts []sitl.Text, st sitl.State, rally []vehicle.Location,
	before, after map[string]float64) error {
	var e util.ErrorLogger
	e.Push(sc.Name)

	next := 0
	for _, t := range texts {
		if next < len(sc.Expect) && strings.HasPrefix(t.Text, sc.Expect[next]) {
			next++
		}
		for _, r := range sc.Reject {
			if strings.HasPrefix(t.Text, r) {
				e.ErrorString("unexpected message %q", t.Text)
			}
		}
	}
	if next < len(sc.Expect) {
		e.ErrorString("message %q never seen", sc.Expect[next])
	}

	if sc.MaxLandingDistance > 0 {
		if st.Armed || !st.Landed {
			e.ErrorString("still flying at the end of the run")
		} else {
			d := landingDistance(st.Position, rally)
			if d > sc.MaxLandingDistance {
				e.ErrorString("landed %.0fm from the closest landing point; at most %.0fm allowed",
					d, sc.MaxLandingDistance)
			}
		}
	}

	if sc.RestoreParams {
		for _, name := range slices.Sorted(maps.Keys(before)) {
			if after[name] != before[name] {
				e.ErrorString("%s is %v, was %v before the flight", name, after[name], before[name])
			}
		}
	}

	return e.Err()
}

func landingDistance(p vehicle.Location, points []vehicle.Location) float64 {
	d := -1.0
	for _, pt := range points {
		if dd := p.DistanceM(pt); d < 0 || dd < d {
			d = dd
		}
	}
	return d
}
