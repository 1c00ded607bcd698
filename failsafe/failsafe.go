// failsafe/failsafe.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package failsafe implements the engine-out failsafe: it detects that
// the engine has stopped, retunes the aircraft for a glide, and flies a
// staged landing (RTL orbit, Q_ASSIST spiral, QRTL, QLAND) that the pilot
// can override at any time.
package failsafe

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/param"
	"github.com/fireeye-uav/engout/vehicle"

	"github.com/brunoga/deep"
)

// Failsafe holds all of the failsafe's state. It is driven by calling
// Tick periodically from a single goroutine.
type Failsafe struct {
	v   vehicle.Vehicle
	lg  *log.Logger
	cfg *config
	ev  *emitter

	Engine  *EngineMonitor
	Glide   *GlideConfigurator
	Landing *LandingController
	Prearm  *PrearmChecker

	// episode parameters: RTL_AUTOLAND, Q_RTL_MODE, WP_LOITER_RAD
	group   *param.Group
	episode Episode
	prearm  error
}

// New binds the failsafe to the host. The failsafe's own parameters must
// already have been declared with Register.
func New(v vehicle.Vehicle, s param.Store, lg *log.Logger) (*Failsafe, error) {
	cfg, err := bindConfig(s)
	if err != nil {
		return nil, err
	}
	glide, err := newGlideConfigurator(s, cfg, lg)
	if err != nil {
		return nil, err
	}
	group, err := param.NewGroup("episode", s, lg, EpisodeParams...)
	if err != nil {
		return nil, err
	}

	f := &Failsafe{
		v:      v,
		lg:     lg,
		cfg:    cfg,
		ev:     &emitter{v: v, lg: lg},
		Glide:  glide,
		Prearm: &PrearmChecker{v: v, cfg: cfg},
		group:  group,
	}
	f.Engine = newEngineMonitor(v, cfg, f.ev)
	f.Landing = &LandingController{v: v, cfg: cfg, ev: f.ev, lg: lg, group: group, ep: &f.episode}
	return f, nil
}

// Subscribe registers fn to be called with every event.
func (f *Failsafe) Subscribe(fn func(Event)) {
	f.ev.subs = append(f.ev.subs, fn)
}

// Triggered reports whether a failsafe episode is in progress.
func (f *Failsafe) Triggered() bool {
	return f.episode.Triggered
}

func (f *Failsafe) Tick() error {
	v := f.v

	if !v.Armed() {
		f.prearm = f.Prearm.Check()
		if f.prearm != nil {
			v.ReportPrearm(false, f.prearm.Error())
		} else {
			v.ReportPrearm(true, "")
		}
	} else {
		f.prearm = nil
	}

	engine := f.Engine.Update()
	assisted := v.InAssistedFlight()
	enabled := f.cfg.enable.Bool()

	if err := f.Glide.Configure(enabled && engine == EngineStopped, assisted); err != nil {
		return fmt.Errorf("glide configuration: %w", err)
	}

	f.Landing.CheckQRTLTimeout(engine)
	f.Landing.UpdateGuidedOverride()
	f.Landing.CorrectTargetAltitude(engine)
	f.Landing.UpdateTimers(assisted)

	need := enabled && engine == EngineStopped && v.Armed() && !v.InRotorFlight()
	if need && !f.episode.Triggered {
		// A partial start is undone so that the next tick starts over.
		if err := f.startEpisode(); err != nil {
			return errors.Join(err, f.group.RestoreAll())
		}
		f.episode.Triggered = true
	} else if !need && f.episode.Triggered {
		f.episode.reset()
		if err := f.group.RestoreAll(); err != nil {
			return fmt.Errorf("episode restore: %w", err)
		}
		f.ev.emit(EventFailsafeCleared, vehicle.SeverityInfo, map[string]any{"engine": engine})
	}

	if f.episode.Triggered && v.Mode() == vehicle.ModeRTL {
		if err := f.Landing.Update(); err != nil {
			return fmt.Errorf("landing: %w", err)
		}
	} else {
		f.Landing.escalated = nil
	}
	return nil
}

func (f *Failsafe) startEpisode() error {
	// Don't let RTL divert to a mission landing or fly QRTL's own
	// approach; the landing controller decides when to QRTL.
	if err := f.group.Set(HostRTLAutoland, 0); err != nil {
		return fmt.Errorf("episode start: %w", err)
	}
	if err := f.group.Set(HostQRTLMode, 0); err != nil {
		return fmt.Errorf("episode start: %w", err)
	}
	if !f.v.SetMode(vehicle.ModeRTL) {
		f.lg.Warn("RTL refused", slog.String("mode", f.v.Mode().String()))
	}
	f.ev.emit(EventFailsafeRTL, vehicle.SeverityCritical, map[string]any{"mode": f.v.Mode()})
	return nil
}

// Status is a snapshot of the failsafe for the recorder and the ground
// link.
type Status struct {
	Time           time.Time          `msgpack:"time"`
	Mode           vehicle.Mode       `msgpack:"mode"`
	Engine         EngineState        `msgpack:"engine"`
	EnginePending  bool               `msgpack:"engine_pending"`
	Episode        Episode            `msgpack:"episode"`
	Prearm         string             `msgpack:"prearm,omitempty"`
	TuningBackups  map[string]float64 `msgpack:"tuning_backups"`
	EpisodeBackups map[string]float64 `msgpack:"episode_backups"`
}

func (f *Failsafe) Status() Status {
	s := Status{
		Time:           f.v.Now(),
		Mode:           f.v.Mode(),
		Engine:         f.Engine.Current(),
		EnginePending:  f.Engine.PendingSince != nil,
		Episode:        deep.MustCopy(f.episode),
		TuningBackups:  f.Glide.group.Snapshot(),
		EpisodeBackups: f.group.Snapshot(),
	}
	if f.prearm != nil {
		s.Prearm = f.prearm.Error()
	}
	return s
}
