// sitl/params.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package sitl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fireeye-uav/engout/util"
)

// DefaultParams returns the host parameters of the simulated airframe.
func DefaultParams() map[string]float64 {
	return map[string]float64{
		"AIRSPEED_CRUISE":  18,
		"AIRSPEED_MIN":     9,
		"AIRSPEED_MAX":     30,
		"THR_MAX":          100,
		"TECS_SPDWEIGHT":   1,
		"TERRAIN_FOLLOW":   0,
		"Q_OPTIONS":        1,
		"Q_ASSIST_SPEED":   0,
		"Q_ASSIST_ALT":     0,
		"Q_RTL_ALT":        15,
		"Q_RTL_MODE":       1,
		"Q_FW_LND_APR_RAD": 80,
		"RTL_AUTOLAND":     2,
		"RTL_ALTITUDE":     100,
		"WP_LOITER_RAD":    120,
		"LAND_DISARMDELAY": 2,
	}
}

// ParseParm reads a parameter file in the flight stack's format: one
// "NAME VALUE" (or "NAME,VALUE") per line, with # comments.
func ParseParm(r io.Reader) (map[string]float64, error) {
	params := make(map[string]float64)
	var e util.ErrorLogger

	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t'
		})
		if len(fields) == 0 {
			continue
		}

		e.Push(fmt.Sprintf("line %d", line))
		if len(fields) != 2 {
			e.ErrorString("expected NAME VALUE, got %q", strings.TrimSpace(text))
		} else if v, err := strconv.ParseFloat(fields[1], 64); err != nil {
			e.ErrorString("%s: invalid value %q", fields[0], fields[1])
		} else {
			params[fields[0]] = v
		}
		e.Pop()
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := e.Err(); err != nil {
		return nil, err
	}
	return params, nil
}

func LoadParmFile(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	params, err := ParseParm(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// SaveParams persists all parameter values, as the flight stack would
// to its EEPROM.
func (s *Sim) SaveParams(path string) error {
	return util.StoreObject(path, s.Values())
}

// LoadParams restores values saved with SaveParams.
func (s *Sim) LoadParams(path string) error {
	var params map[string]float64
	if err := util.RetrieveObject(path, &params); err != nil {
		return err
	}
	s.Load(params)
	return nil
}
