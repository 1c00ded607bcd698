// param/group.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package param

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/fireeye-uav/engout/log"

	"github.com/brunoga/deep"
)

// Group is a named set of host parameters that are changed temporarily.
// The first change to a parameter records its original value; Restore
// writes it back. Groups are owned by a single goroutine.
type Group struct {
	Name    string
	handles map[string]*Handle
	backups map[string]float64
	lg      *log.Logger
}

// NewGroup binds all of the named parameters; it fails if any is unknown
// to the store.
func NewGroup(name string, s Store, lg *log.Logger, names ...string) (*Group, error) {
	g := &Group{
		Name:    name,
		handles: make(map[string]*Handle),
		backups: make(map[string]float64),
		lg:      lg,
	}
	for _, n := range names {
		h, err := Bind(s, n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.Name, err)
		}
		g.handles[n] = h
	}
	return g, nil
}

func (g *Group) handle(name string) (*Handle, error) {
	if h, ok := g.handles[name]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%s: %s: %w", g.Name, name, ErrNotInGroup)
}

// Managed reports whether the named parameter belongs to the group.
func (g *Group) Managed(name string) bool {
	_, ok := g.handles[name]
	return ok
}

// Get returns the parameter's current value.
func (g *Group) Get(name string) (float64, error) {
	h, err := g.handle(name)
	if err != nil {
		return 0, err
	}
	return h.Get(), nil
}

// Backup records the parameter's current value unless a backup is
// already held.
func (g *Group) Backup(name string) error {
	h, err := g.handle(name)
	if err != nil {
		return err
	}
	if _, ok := g.backups[name]; !ok {
		g.backups[name] = h.Get()
		g.lg.Debug("param backup", slog.String("group", g.Name), slog.String("param", name), slog.Float64("value", g.backups[name]))
	}
	return nil
}

// Set backs the parameter up if needed and then writes v. Writing the
// value the parameter already has is a no-op apart from the backup.
func (g *Group) Set(name string, v float64) error {
	h, err := g.handle(name)
	if err != nil {
		return err
	}
	if err := g.Backup(name); err != nil {
		return err
	}
	if h.Get() == v {
		return nil
	}
	if err := h.Set(v); err != nil {
		return fmt.Errorf("%s: %w", g.Name, err)
	}
	return nil
}

// GetBackup returns the recorded original value if present, otherwise
// the current value.
func (g *Group) GetBackup(name string) (float64, error) {
	h, err := g.handle(name)
	if err != nil {
		return 0, err
	}
	if v, ok := g.backups[name]; ok {
		return v, nil
	}
	return h.Get(), nil
}

// HasBackup reports whether the group currently owns a change to the
// parameter.
func (g *Group) HasBackup(name string) bool {
	_, ok := g.backups[name]
	return ok
}

// Restore writes the backed-up value and drops the backup. Restoring a
// parameter without a backup does nothing. If the write fails the
// backup is kept so that a later restore can try again.
func (g *Group) Restore(name string) error {
	h, err := g.handle(name)
	if err != nil {
		return err
	}
	v, ok := g.backups[name]
	if !ok {
		return nil
	}
	if h.Get() != v {
		if err := h.Set(v); err != nil {
			return fmt.Errorf("%s: restore: %w", g.Name, err)
		}
	}
	delete(g.backups, name)
	g.lg.Debug("param restore", slog.String("group", g.Name), slog.String("param", name), slog.Float64("value", v))
	return nil
}

// RestoreAll restores every backed-up parameter, in name order, and
// returns all the failures joined together.
func (g *Group) RestoreAll() error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(g.backups)) {
		if err := g.Restore(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outstanding returns the names of the parameters that currently hold a
// backup, sorted.
func (g *Group) Outstanding() []string {
	return slices.Sorted(maps.Keys(g.backups))
}

// Snapshot returns a copy of the recorded original values.
func (g *Group) Snapshot() map[string]float64 {
	return deep.MustCopy(g.backups)
}
