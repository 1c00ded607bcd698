// cmd/engoutsim/run.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fireeye-uav/engout/failsafe"
	"github.com/fireeye-uav/engout/groundlink"
	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/recorder"
	"github.com/fireeye-uav/engout/sched"
	"github.com/fireeye-uav/engout/sitl"
	"github.com/fireeye-uav/engout/vehicle"
)

// After the vehicle disarms the run continues this long so the failsafe
// sees the disarm and puts its parameters back.
const settleTime = 2 * time.Second

var errScenarioDone = errors.New("scenario complete")

type statusMessage struct {
	Vehicle  sitl.State      `json:"vehicle"`
	Failsafe failsafe.Status `json:"failsafe"`
}

// Runner flies a scenario: the scheduler ticks the failsafe and its Wait
// advances the simulation clock, so the whole flight runs on simulated
// time.
type Runner struct {
	Scenario *Scenario
	Sim      *sitl.Sim
	Failsafe *failsafe.Failsafe
	Sched    *sched.Scheduler

	// Optional outputs.
	Hub      *groundlink.Hub
	Recorder *recorder.Writer

	// Speedup > 0 paces the simulation at that multiple of real time;
	// 0 runs it as fast as possible.
	Speedup float64

	start      time.Time
	before     map[string]float64
	next       int
	flown      bool
	doneAt     *time.Time
	lastStatus time.Time
	actionErrs []error

	mu    sync.Mutex
	texts []sitl.Text

	lg *log.Logger
}

func NewRunner(sc *Scenario, lg *log.Logger) (*Runner, error) {
	s := sitl.New(sc.Sim, lg.With(slog.String("component", "sitl")))
	if err := failsafe.Register(s); err != nil {
		return nil, err
	}
	fs, err := failsafe.New(s, s, lg.With(slog.String("component", "failsafe")))
	if err != nil {
		return nil, err
	}

	r := &Runner{
		Scenario: sc,
		Sim:      s,
		Failsafe: fs,
		start:    s.Now(),
		before:   s.Values(),
		lg:       lg,
	}
	r.Sched = sched.New(sched.TaskFunc(r.tick), s, lg.With(slog.String("component", "sched")))
	r.Sched.Wait = r.wait
	s.Subscribe(r.onText)
	return r, nil
}

// onText runs with the simulation locked; it must not call into r.Sim.
func (r *Runner) onText(t sitl.Text) {
	r.mu.Lock()
	r.texts = append(r.texts, t)
	r.mu.Unlock()

	if r.Hub != nil {
		r.Hub.Publish(groundlink.Message{
			Type:     groundlink.MessageText,
			Time:     t.Time,
			Severity: t.Severity.String(),
			Text:     t.Text,
		})
	}
	if r.Recorder != nil {
		r.Recorder.AddText(t)
	}
}

func (r *Runner) Texts() []sitl.Text {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sitl.Text(nil), r.texts...)
}

func (r *Runner) Elapsed() time.Duration {
	return r.Sim.Now().Sub(r.start)
}

func (r *Runner) tick() error {
	elapsed := r.Elapsed()
	for r.next < len(r.Scenario.Actions) && r.Scenario.Actions[r.next].Time() <= elapsed {
		a := r.Scenario.Actions[r.next]
		r.next++

		r.lg.Info("scenario action", slog.String("action", a.String()))
		if err := r.apply(a); err != nil {
			r.lg.Warnf("%s: %v", a, err)
			r.actionErrs = append(r.actionErrs, fmt.Errorf("%s: %w", a, err))
		}
	}

	err := r.Failsafe.Tick()
	r.sample()
	return err
}

func (r *Runner) apply(a Action) error {
	switch {
	case a.Engine != nil:
		r.Sim.SetEngine(*a.Engine)
	case a.GPS != nil:
		r.Sim.SetGPS(*a.GPS)
	case a.Guided != nil:
		r.Sim.Guided(*a.Guided)
	case a.AuxSwitch != "":
		fn, _ := r.Sim.Get(failsafe.ParamRCFunction)
		r.Sim.SetAuxSwitch(int(fn), a.auxSwitch)
	case len(a.Params) > 0:
		var errs []error
		for name, v := range a.Params {
			errs = append(errs, r.Sim.Set(name, v))
		}
		return errors.Join(errs...)
	case a.Arm:
		return r.Sim.Arm()
	case a.Disarm:
		r.Sim.Disarm()
	}
	return nil
}

func (r *Runner) sample() {
	now := r.Sim.Now()
	frame := func() recorder.Frame {
		return recorder.Frame{Time: now, Vehicle: r.Sim.State(), Failsafe: r.Failsafe.Status()}
	}

	if r.Recorder != nil {
		if _, err := r.Recorder.Sample(now, frame); err != nil {
			r.lg.Errorf("recorder: %v", err)
			r.Recorder = nil
		}
	}
	if r.Hub != nil && now.Sub(r.lastStatus) >= time.Second {
		fr := frame()
		r.Hub.PublishStatus(now, statusMessage{Vehicle: fr.Vehicle, Failsafe: fr.Failsafe})
		r.lastStatus = now
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Sim.Step(d)
	if r.Speedup > 0 {
		if err := sched.Sleep(ctx, time.Duration(float64(d)/r.Speedup)); err != nil {
			return err
		}
	}

	now := r.Sim.Now()
	if r.Sim.Armed() {
		r.flown = true
		r.doneAt = nil
	} else if r.flown && r.next == len(r.Scenario.Actions) && r.doneAt == nil {
		t := now.Add(settleTime)
		r.doneAt = &t
	}

	if r.doneAt != nil && !now.Before(*r.doneAt) {
		return errScenarioDone
	}
	if r.Elapsed() >= time.Duration(r.Scenario.Duration*float64(time.Second)) {
		return errScenarioDone
	}
	return nil
}

// Run flies the scenario until the vehicle has landed and disarmed, the
// scenario's duration has passed, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	err := r.Sched.Run(ctx)
	if errors.Is(err, errScenarioDone) {
		r.lg.Info("scenario complete", slog.String("name", r.Scenario.Name),
			slog.Duration("elapsed", r.Elapsed()), slog.Int("ticks", r.Sched.Ticks),
			slog.Int("faults", r.Sched.Faults))
		return nil
	}
	return err
}

// Verify reports failed actions and unmet expectations.
func (r *Runner) Verify() error {
	var points []vehicle.Location
	if home, ok := r.Sim.Home(); ok {
		points = append(points, home)
	}
	points = append(points, r.Scenario.Sim.Rally...)

	err := r.Scenario.Verify(r.Texts(), r.Sim.State(), points, r.before, r.Sim.Values())
	return errors.Join(append(r.actionErrs, err)...)
}
