// sched/sched_test.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/vehicle"
)

type textRecorder struct {
	texts []string
}

func (r *textRecorder) SendText(sev vehicle.Severity, text string) {
	r.texts = append(r.texts, text)
}

func quietLogger() *log.Logger {
	return &log.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestRunOnce(t *testing.T) {
	var results []error
	i := 0
	task := TaskFunc(func() error {
		err := results[i]
		i++
		return err
	})

	errA, errB := errors.New("a"), errors.New("b")
	results = []error{nil, errA, errA, errB, nil, errA}
	delays := []time.Duration{Period, Backoff, Backoff, Backoff, Period, Backoff}

	r := &textRecorder{}
	s := New(task, r, quietLogger())
	for j, d := range delays {
		if got := s.RunOnce(); got != d {
			t.Errorf("tick %d: delay %s, expected %s", j, got, d)
		}
	}

	// errA twice in a row is reported once; after a success it's
	// reported again.
	expect := []string{"Engine out: internal error: a", "Engine out: internal error: b", "Engine out: internal error: a"}
	if len(r.texts) != len(expect) {
		t.Fatalf("texts %q, expected %q", r.texts, expect)
	}
	for j := range expect {
		if r.texts[j] != expect[j] {
			t.Errorf("text %d: %q, expected %q", j, r.texts[j], expect[j])
		}
	}
	if s.Ticks != 6 || s.Faults != 4 {
		t.Errorf("ticks %d faults %d", s.Ticks, s.Faults)
	}
}

func TestPanic(t *testing.T) {
	r := &textRecorder{}
	n := 0
	s := New(TaskFunc(func() error {
		n++
		if n == 1 {
			var m map[string]int
			m["boom"] = 1
		}
		return nil
	}), r, quietLogger())

	if d := s.RunOnce(); d != Backoff {
		t.Errorf("delay after panic %s", d)
	}
	if len(r.texts) != 1 {
		t.Errorf("texts %q", r.texts)
	}
	if d := s.RunOnce(); d != Period {
		t.Errorf("delay after recovery %s", d)
	}
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waited []time.Duration
	s := New(TaskFunc(func() error { return nil }), nil, quietLogger())
	s.Wait = func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		if len(waited) == 5 {
			cancel()
		}
		return ctx.Err()
	}

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
	if s.Ticks != 5 || len(waited) != 5 || waited[0] != Period {
		t.Errorf("ticks %d waits %v", s.Ticks, waited)
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep returned %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep returned %v", err)
	}
}
