// vehicle/mode.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package vehicle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode is the host flight mode. Only the modes the failsafe reads or
// requests are distinguished; everything else is ModeOther.
type Mode int

const (
	ModeOther Mode = iota
	ModeRTL
	ModeGuided
	ModeQLand
	ModeQRTL
)

func (m Mode) String() string {
	switch m {
	case ModeRTL:
		return "RTL"
	case ModeGuided:
		return "GUIDED"
	case ModeQLand:
		return "QLAND"
	case ModeQRTL:
		return "QRTL"
	default:
		return "OTHER"
	}
}

// ParseMode converts a mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RTL":
		return ModeRTL, nil
	case "GUIDED":
		return ModeGuided, nil
	case "QLAND":
		return ModeQLand, nil
	case "QRTL":
		return ModeQRTL, nil
	case "OTHER", "AUTO", "FBWA", "FBWB", "CRUISE", "MANUAL", "QHOVER", "QLOITER":
		return ModeOther, nil
	default:
		return ModeOther, fmt.Errorf("%q: unknown flight mode", s)
	}
}

// IsReturn reports whether the mode is part of the return-to-land family
// that the failsafe drives.
func (m Mode) IsReturn() bool {
	return m == ModeRTL || m == ModeQRTL
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	var err error
	*m, err = ParseMode(s)
	return err
}
