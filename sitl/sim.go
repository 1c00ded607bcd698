// sitl/sim.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package sitl is a software-in-the-loop host for the failsafe: a
// point-mass model of a VTOL fixed-wing aircraft with just enough of a
// flight stack (modes, Q_ASSIST, terrain, parameters) to fly the
// engine-out landing end to end.
package sitl

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	gomath "math"
	"sync"
	"time"

	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/math"
	"github.com/fireeye-uav/engout/param"
	"github.com/fireeye-uav/engout/rand"
	"github.com/fireeye-uav/engout/vehicle"
)

var (
	ErrArmed  = errors.New("Vehicle is armed")
	ErrPrearm = errors.New("PreArm")
)

const (
	stepDT          = 50 * time.Millisecond
	maxTurnRate     = 20  // deg/s
	takeoffClimb    = 3   // m/s
	qrtlSpeed       = 8   // m/s
	landingSink     = 1.5 // m/s
	assistDecel     = 0.6 // m/s/s with a dead engine and the lift motors holding altitude
	finalDescentBox = 5   // m
	maxTexts        = 200
)

// Config describes a simulation.
type Config struct {
	Seed int64 `json:"seed"`
	// Home is where the aircraft starts, on the ground.
	Home vehicle.Location `json:"home"`
	// Rally points, altitude above home.
	Rally []vehicle.Location `json:"rally"`
	// The mission is a counterclockwise orbit of MissionCenter (home if
	// unset) at CruiseAlt meters above terrain.
	MissionCenter *vehicle.Location `json:"mission_center,omitempty"`
	MissionRadius float64           `json:"mission_radius"`
	CruiseAlt     float64           `json:"cruise_alt"`
	Wind          [2]float64        `json:"wind"` // north/east, m/s
	GlideRatio    float64           `json:"glide_ratio"`
	NoTerrainData bool              `json:"no_terrain_data"`
	Terrain       TerrainConfig     `json:"terrain"`
	// Params overrides DefaultParams.
	Params map[string]float64 `json:"params"`
}

func (c *Config) setDefaults() {
	if c.MissionRadius <= 0 {
		c.MissionRadius = 300
	}
	if c.CruiseAlt <= 0 {
		c.CruiseAlt = 120
	}
	if c.GlideRatio <= 0 {
		c.GlideRatio = 12
	}
	c.Terrain.setDefaults()
}

// Text is a status message sent to the ground station.
type Text struct {
	Time     time.Time        `msgpack:"time" json:"time"`
	Severity vehicle.Severity `msgpack:"severity" json:"severity"`
	Text     string           `msgpack:"text" json:"text"`
}

// Sim is the simulated host. It is safe for concurrent use, though the
// failsafe itself is only ever ticked from one goroutine.
type Sim struct {
	*param.MemoryStore
	Terrain *Terrain

	lg  *log.Logger
	cfg Config

	mu   sync.Mutex
	rand *rand.Rand
	now  time.Time
	home vehicle.Location // absolute

	armed, landed, takeoff bool
	takeoffPending         bool
	landedAt               time.Time
	engine                 bool
	gps                    bool
	mode                   vehicle.Mode
	target                 *vehicle.Location

	p          math.Point2LL
	alt        float64 // AMSL
	heading    float64
	airspeed   float64
	vel        [2]float64
	climb      float64
	rotor      bool
	assisted   bool
	assistHAGL float64
	final      bool

	aux          map[int]vehicle.SwitchPosition
	prearmOK     bool
	prearmReason string
	texts        []Text
	subs         []func(Text)
}

func New(cfg Config, lg *log.Logger) *Sim {
	cfg.setDefaults()
	params := DefaultParams()
	maps.Copy(params, cfg.Params)

	s := &Sim{
		MemoryStore: param.NewMemoryStore(params),
		Terrain:     NewTerrain(cfg.Terrain, cfg.Home.Point()),
		lg:          lg,
		cfg:         cfg,
		rand:        rand.Make(cfg.Seed),
		now:         time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		landed:      true,
		engine:      true,
		gps:         true,
		prearmOK:    true,
		aux:         make(map[int]vehicle.SwitchPosition),
	}
	ground := s.Terrain.Height(cfg.Home.Point())
	s.home = cfg.Home.WithAlt(ground, vehicle.AltFrameAbsolute)
	s.p = cfg.Home.Point()
	s.alt = ground
	return s
}

///////////////////////////////////////////////////////////////////////////
// Controls

// Arm arms the vehicle if the last pre-arm check passed. Arming on the
// ground in a mission mode starts a VTOL takeoff.
func (s *Sim) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		return nil
	}
	if !s.prearmOK {
		return fmt.Errorf("%w: %s", ErrPrearm, s.prearmReason)
	}
	s.armed = true
	if s.landed {
		s.landedAt, s.takeoffPending = s.now, true
	}
	s.lg.Info("armed", slog.Time("time", s.now))
	return nil
}

// Disarm disarms immediately, wherever the aircraft is.
func (s *Sim) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarm("forced")
}

func (s *Sim) disarm(why string) {
	if !s.armed {
		return
	}
	s.armed = false
	s.assisted, s.final, s.takeoff = false, false, false
	s.lg.Info("disarmed", slog.String("reason", why), slog.Time("time", s.now))
}

// SetEngine starts or stops the engine.
func (s *Sim) SetEngine(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != on {
		s.engine = on
		s.lg.Info("engine control", slog.Bool("on", on), slog.Time("time", s.now))
	}
}

func (s *Sim) SetGPS(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gps = ok
}

func (s *Sim) SetAuxSwitch(function int, pos vehicle.SwitchPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[function] = pos
}

// Guided switches to GUIDED and flies to loc, as a pilot would from the
// ground station.
func (s *Sim) Guided(loc vehicle.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMode(vehicle.ModeGuided)
	s.target = &loc
}

// Subscribe registers fn to be called with each status message. fn is
// called with the simulation locked and must not call back into it.
func (s *Sim) Subscribe(fn func(Text)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Texts returns the status messages sent so far (at most the last few
// hundred).
func (s *Sim) Texts() []Text {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Text(nil), s.texts...)
}

func (s *Sim) Prearm() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prearmOK, s.prearmReason
}

///////////////////////////////////////////////////////////////////////////
// State

// State is a snapshot of the simulated aircraft.
type State struct {
	Time        time.Time        `msgpack:"time" json:"time"`
	Armed       bool             `msgpack:"armed" json:"armed"`
	Landed      bool             `msgpack:"landed" json:"landed"`
	Engine      bool             `msgpack:"engine" json:"engine"`
	Mode        vehicle.Mode     `msgpack:"mode" json:"mode"`
	Position    vehicle.Location `msgpack:"position" json:"position"`
	HAGL        float64          `msgpack:"hagl" json:"hagl"`
	Heading     float64          `msgpack:"heading" json:"heading"`
	Airspeed    float64          `msgpack:"airspeed" json:"airspeed"`
	GroundSpeed [2]float64       `msgpack:"groundspeed" json:"groundspeed"`
	Climb       float64          `msgpack:"climb" json:"climb"`
	Rotor       bool             `msgpack:"rotor" json:"rotor"`
	Assisted    bool             `msgpack:"assisted" json:"assisted"`
	Final       bool             `msgpack:"final" json:"final"`
}

func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Time:        s.now,
		Armed:       s.armed,
		Landed:      s.landed,
		Engine:      s.engine,
		Mode:        s.mode,
		Position:    s.location(),
		HAGL:        s.alt - s.terrain(s.p),
		Heading:     s.heading,
		Airspeed:    s.airspeed,
		GroundSpeed: s.vel,
		Climb:       s.climb,
		Rotor:       s.rotor,
		Assisted:    s.assisted,
		Final:       s.final,
	}
}

func (s *Sim) location() vehicle.Location {
	return vehicle.Location{Lat: s.p.Latitude(), Lng: s.p.Longitude(), Alt: s.alt - s.home.Alt, Frame: vehicle.AltFrameAboveHome}
}

func (s *Sim) terrain(p math.Point2LL) float64 {
	return s.Terrain.Height(p)
}

func (s *Sim) param(name string) float64 {
	v, _ := s.MemoryStore.Get(name)
	return v
}

///////////////////////////////////////////////////////////////////////////
// Dynamics

// Step advances the simulation by d.
func (s *Sim) Step(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for d > 0 {
		dt := min(d, stepDT)
		s.step(dt.Seconds())
		s.now = s.now.Add(dt)
		d -= dt
	}
}

func (s *Sim) step(dt float64) {
	if !s.armed {
		s.vel, s.climb, s.airspeed = [2]float64{}, 0, 0
		return
	}
	if s.landed {
		if s.mode == vehicle.ModeOther && s.takeoffPending {
			s.landed, s.takeoff, s.takeoffPending, s.rotor = false, true, false, true
			s.sendText(vehicle.SeverityInfo, "Takeoff started")
		} else {
			if delay := time.Duration(s.param("LAND_DISARMDELAY") * float64(time.Second)); s.now.Sub(s.landedAt) >= delay {
				s.disarm("landed")
			}
			return
		}
	}

	hagl := s.alt - s.terrain(s.p)
	switch {
	case s.takeoff:
		s.vel, s.climb = [2]float64{}, takeoffClimb
		if hagl >= s.cfg.CruiseAlt {
			s.takeoff, s.rotor = false, false
			s.airspeed = s.param("AIRSPEED_CRUISE")
			s.heading = s.course()
			s.sendText(vehicle.SeverityInfo, "Transition done")
		}
	case s.mode == vehicle.ModeQRTL || s.mode == vehicle.ModeQLand:
		s.rotorStep(dt, hagl)
	default:
		s.planeStep(dt, hagl)
	}

	s.p = math.Offset(s.p, math.Track(s.vel), math.Length2(s.vel)*dt)
	s.alt += s.climb * dt

	if ground := s.terrain(s.p); s.alt <= ground {
		s.touchdown(ground)
	}
}

func (s *Sim) touchdown(ground float64) {
	if !s.rotor && s.airspeed > 5 {
		s.sendText(vehicle.SeverityCritical, fmt.Sprintf("Crashed at %.0f m/s", s.airspeed))
	} else {
		s.sendText(vehicle.SeverityInfo, "Land complete")
	}
	s.alt = ground
	s.landed, s.landedAt = true, s.now
	s.vel, s.climb, s.airspeed = [2]float64{}, 0, 0
	s.assisted = false
}

func (s *Sim) rotorStep(dt, hagl float64) {
	s.rotor, s.assisted = true, false

	var v [2]float64
	if s.mode == vehicle.ModeQRTL && s.target != nil && !s.final {
		ne := math.NEOffset(s.p, s.target.Point())
		d := math.Length2(ne)
		if d < finalDescentBox {
			s.final = true
		}
		if spd := min(qrtlSpeed, 0.5*d); d > 0.01 {
			v = [2]float64{ne[0] / d * spd, ne[1] / d * spd}
		}
		s.climb = math.Clamp((s.param("Q_RTL_ALT")-hagl)*0.5, -2, 2)
	} else {
		// QLAND, or the final descent of QRTL: stop and come straight
		// down.
		decay := max(0, 1-dt)
		v = [2]float64{s.vel[0] * decay, s.vel[1] * decay}
		s.final = true
		s.climb = -landingSink
	}
	s.vel = v
	s.airspeed = math.Length2(v)
	if s.airspeed > 0.5 {
		s.heading = math.Track(v)
	}
}

func (s *Sim) planeStep(dt, hagl float64) {
	s.rotor, s.final = false, false

	course := s.course()
	turn := math.Clamp(headingError(course, s.heading), -maxTurnRate*dt, maxTurnRate*dt)
	s.heading = math.NormalizeHeading(s.heading + turn)

	cruise := s.param("AIRSPEED_CRUISE")
	powered := s.engine && s.param("THR_MAX") > 0

	// Q_ASSIST_SPEED <= 0 disables assistance entirely.
	qaSpeed, qaAlt := s.param("Q_ASSIST_SPEED"), s.param("Q_ASSIST_ALT")
	trigger := qaSpeed > 0 && ((qaAlt > 0 && hagl < qaAlt) || s.airspeed < qaSpeed)
	if trigger && !s.assisted {
		s.assisted, s.assistHAGL = true, max(hagl, 1)
		s.lg.Debug("Q_ASSIST started", slog.Float64("hagl", hagl), slog.Float64("airspeed", s.airspeed))
	} else if s.assisted && !trigger && hagl > qaAlt+2 {
		s.assisted = false
	}

	switch {
	case s.assisted:
		s.climb = math.Clamp((s.assistHAGL-hagl)*0.5, -2, 2)
		if powered {
			s.airspeed = approach(s.airspeed, cruise, 2*dt)
		} else {
			s.airspeed = max(0, s.airspeed-assistDecel*dt)
		}
	case powered:
		s.airspeed = approach(s.airspeed, cruise, 2*dt)
		want := s.alt
		if s.mode == vehicle.ModeOther {
			want = s.terrain(s.p) + s.cfg.CruiseAlt
		}
		s.climb = math.Clamp((want-s.alt)*0.2, -3, 3)
	default:
		s.airspeed = approach(s.airspeed, cruise, dt)
		s.climb = -s.airspeed / s.cfg.GlideRatio
	}

	h := math.Radians(s.heading)
	s.vel = [2]float64{
		s.airspeed*gomath.Cos(h) + s.cfg.Wind[0],
		s.airspeed*gomath.Sin(h) + s.cfg.Wind[1],
	}
}

// course returns the ground course for fixed-wing flight in the current
// mode.
func (s *Sim) course() float64 {
	switch s.mode {
	case vehicle.ModeOther:
		center := s.cfg.Home
		if s.cfg.MissionCenter != nil {
			center = *s.cfg.MissionCenter
		}
		return loiterCourse(s.p, center.Point(), s.cfg.MissionRadius, -1)
	case vehicle.ModeRTL, vehicle.ModeGuided:
		if s.target == nil {
			return s.heading
		}
		r := s.param("WP_LOITER_RAD")
		dir := 1.
		if r < 0 {
			dir = -1
		}
		return loiterCourse(s.p, s.target.Point(), gomath.Abs(r), dir)
	default:
		return s.heading
	}
}

// loiterCourse steers onto a circle of the given radius around center:
// straight in from far away, tangent on the circle, outward inside it.
// dir is 1 for clockwise.
func loiterCourse(p, center math.Point2LL, radius, dir float64) float64 {
	brg := math.Bearing(p, center)
	dist := math.DistanceM(p, center)
	if radius < 1 || dist > 2*radius {
		return brg
	}
	off := 90 * math.Clamp(2-dist/radius, 0, 2)
	return math.NormalizeHeading(brg - dir*off)
}

// headingError returns the signed turn in (-180, 180] from h to want.
func headingError(want, h float64) float64 {
	d := math.NormalizeHeading(want - h)
	if d > 180 {
		d -= 360
	}
	return d
}

func approach(v, want, step float64) float64 {
	if v < want {
		return min(v+step, want)
	}
	return max(v-step, want)
}

func (s *Sim) sendText(sev vehicle.Severity, text string) {
	t := Text{Time: s.now, Severity: sev, Text: text}
	s.texts = append(s.texts, t)
	if len(s.texts) > maxTexts {
		s.texts = s.texts[len(s.texts)-maxTexts:]
	}
	s.lg.Info("text", slog.String("severity", sev.String()), slog.String("text", text))
	for _, fn := range s.subs {
		fn(t)
	}
}
