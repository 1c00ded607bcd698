// recorder/csv.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{"time", "mode", "armed", "engine", "triggered", "lat", "lng", "alt",
	"hagl", "heading", "airspeed", "climb", "rotor", "assisted", "texts"}

// ExportCSV writes one row per frame, for plotting a flight in a
// spreadsheet.
func ExportCSV(w io.Writer, frames []Frame) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }
	for _, fr := range frames {
		v := fr.Vehicle
		texts := ""
		for i, t := range fr.Texts {
			if i > 0 {
				texts += "; "
			}
			texts += t.Text
		}
		row := []string{
			fr.Time.UTC().Format(time.RFC3339Nano),
			v.Mode.String(),
			strconv.FormatBool(v.Armed),
			strconv.FormatBool(v.Engine),
			strconv.FormatBool(fr.Failsafe.Episode.Triggered),
			f(v.Position.Lat, 7),
			f(v.Position.Lng, 7),
			f(v.Position.Alt, 2),
			f(v.HAGL, 2),
			f(v.Heading, 1),
			f(v.Airspeed, 2),
			f(v.Climb, 2),
			strconv.FormatBool(v.Rotor),
			strconv.FormatBool(v.Assisted),
			texts,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("%s: %w", fr.Time, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
