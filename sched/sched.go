// sched/sched.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package sched runs a periodic task, turning errors and panics into a
// slower retry instead of a crash.
package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/vehicle"
)

const (
	Period  = 200 * time.Millisecond
	Backoff = time.Second
)

type Task interface {
	Tick() error
}

type TaskFunc func() error

func (f TaskFunc) Tick() error { return f() }

// Reporter is the ground-link text channel; vehicle.Vehicle satisfies it.
type Reporter interface {
	SendText(sev vehicle.Severity, text string)
}

type Scheduler struct {
	Task     Task
	Reporter Reporter
	Period   time.Duration
	Backoff  time.Duration
	// Wait blocks for d or until ctx is done. The default waits in real
	// time; a simulation may advance its own clock instead.
	Wait func(ctx context.Context, d time.Duration) error

	Ticks, Faults int

	lg        *log.Logger
	lastFault string
}

func New(task Task, r Reporter, lg *log.Logger) *Scheduler {
	return &Scheduler{
		Task:     task,
		Reporter: r,
		Period:   Period,
		Backoff:  Backoff,
		Wait:     Sleep,
		lg:       lg,
	}
}

// Sleep waits for d in real time.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunOnce runs the task once and returns the delay until it should run
// again. A fault is reported the first time its message is seen; a
// successful tick resets that.
func (s *Scheduler) RunOnce() time.Duration {
	s.Ticks++
	err := s.tick()
	if err == nil {
		if s.lastFault != "" {
			s.lg.Info("task recovered", slog.String("fault", s.lastFault))
			s.lastFault = ""
		}
		return s.Period
	}

	s.Faults++
	if msg := err.Error(); msg != s.lastFault {
		s.lg.Error("task fault", slog.Any("error", err))
		if s.Reporter != nil {
			s.Reporter.SendText(vehicle.SeverityError, "Engine out: internal error: "+msg)
		}
		s.lastFault = msg
	}
	return s.Backoff
}

func (s *Scheduler) tick() (err error) {
	defer s.lg.CatchPanic(&err)
	return s.Task.Tick()
}

// Run calls RunOnce until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Wait(ctx, s.RunOnce()); err != nil {
			return err
		}
	}
}
