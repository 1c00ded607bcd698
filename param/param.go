// param/param.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package param provides typed access to the host's named parameters:
// descriptors for parameters we own, handles bound once at startup, and
// transactional groups that can always put back what they changed.
package param

import (
	"errors"
	"fmt"
	"maps"
	gomath "math"
	"slices"
	"sync"
)

var (
	ErrDuplicateParameter = errors.New("Parameter already declared")
	ErrNotInGroup         = errors.New("Parameter not managed by this group")
	ErrOutOfRange         = errors.New("Parameter value out of range")
	ErrUnknownParameter   = errors.New("Unknown parameter")
)

// Store is the host's parameter storage. Writes are immediate and
// persisted by the host.
type Store interface {
	Get(name string) (float64, bool)
	Set(name string, v float64) error
}

// Registrar is implemented by stores that accept new parameter
// declarations; a declared parameter starts at its default unless the
// store already holds a value for it.
type Registrar interface {
	Declare(p Param) error
}

// Param describes a parameter that we own.
type Param struct {
	Name        string
	Default     float64
	Min, Max    float64
	Units       string
	Description string
}

func (p Param) Validate(v float64) error {
	if gomath.IsNaN(v) || v < p.Min || v > p.Max {
		return fmt.Errorf("%s=%g (range %g..%g): %w", p.Name, v, p.Min, p.Max, ErrOutOfRange)
	}
	return nil
}

// RegisterAll declares all of the given parameters, stopping at the
// first failure.
func RegisterAll(r Registrar, params []Param) error {
	for _, p := range params {
		if err := r.Declare(p); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Handle

// Handle is a parameter bound to a store. Get refreshes the cached value
// from the store; if the store stops reporting the parameter, the last
// known value is returned.
type Handle struct {
	name   string
	store  Store
	cached float64
	desc   *Param
}

// Bind returns a handle to the named parameter, which must already exist
// in the store.
func Bind(s Store, name string) (*Handle, error) {
	v, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownParameter)
	}
	return &Handle{name: name, store: s, cached: v}, nil
}

// BindParam binds a parameter we own; writes through the handle are
// range-checked against its descriptor.
func BindParam(s Store, p Param) (*Handle, error) {
	h, err := Bind(s, p.Name)
	if err != nil {
		return nil, err
	}
	h.desc = &p
	return h, nil
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Get() float64 {
	if v, ok := h.store.Get(h.name); ok {
		h.cached = v
	}
	return h.cached
}

func (h *Handle) Bool() bool {
	return h.Get() != 0
}

func (h *Handle) Int() int {
	return int(gomath.Round(h.Get()))
}

func (h *Handle) Set(v float64) error {
	if h.desc != nil {
		if err := h.desc.Validate(v); err != nil {
			return err
		}
	}
	if err := h.store.Set(h.name, v); err != nil {
		return fmt.Errorf("%s: %w", h.name, err)
	}
	h.cached = v
	return nil
}

///////////////////////////////////////////////////////////////////////////
// MemoryStore

// MemoryStore is an in-memory Store and Registrar. It is what the SITL
// host persists and what tests use in place of a real flight stack.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]float64
	declared map[string]Param
	order    []string
}

func NewMemoryStore(values map[string]float64) *MemoryStore {
	s := &MemoryStore{
		values:   make(map[string]float64),
		declared: make(map[string]Param),
	}
	for _, name := range slices.Sorted(maps.Keys(values)) {
		s.values[name] = values[name]
		s.order = append(s.order, name)
	}
	return s
}

func (s *MemoryStore) Get(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[name]
	return v, ok
}

func (s *MemoryStore) Set(name string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[name]; !ok {
		return ErrUnknownParameter
	}
	if p, ok := s.declared[name]; ok {
		if err := p.Validate(v); err != nil {
			return err
		}
	}
	s.values[name] = v
	return nil
}

func (s *MemoryStore) Declare(p Param) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.declared[p.Name]; ok {
		return ErrDuplicateParameter
	}
	if err := p.Validate(p.Default); err != nil {
		return err
	}
	s.declared[p.Name] = p
	if _, ok := s.values[p.Name]; !ok {
		s.values[p.Name] = p.Default
		s.order = append(s.order, p.Name)
	}
	return nil
}

// Names returns the parameter names with host parameters first (sorted),
// followed by declared parameters in declaration order.
func (s *MemoryStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.order)
}

// Values returns a copy of all parameter values.
func (s *MemoryStore) Values() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]float64, len(s.values))
	for name, v := range s.values {
		m[name] = v
	}
	return m
}

// Load sets each of the given values, adding parameters that don't exist
// yet.
func (s *MemoryStore) Load(values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(values)) {
		if _, ok := s.values[name]; !ok {
			s.order = append(s.order, name)
		}
		s.values[name] = values[name]
	}
}
