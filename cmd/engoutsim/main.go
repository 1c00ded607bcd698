// cmd/engoutsim/main.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// engoutsim flies scripted engine-out scenarios against the simulated
// aircraft and checks that the failsafe brings it down where expected.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fireeye-uav/engout/failsafe"
	"github.com/fireeye-uav/engout/groundlink"
	"github.com/fireeye-uav/engout/log"
	"github.com/fireeye-uav/engout/recorder"
	"github.com/fireeye-uav/engout/sitl"

	"github.com/goforj/godump"
	"github.com/iancoleman/orderedmap"
	"golang.org/x/sync/errgroup"
)

var (
	scenarioFilename = flag.String("scenario", "", "filename of JSON file with a scenario definition")
	logLevel         = flag.String("loglevel", "info", "logging level: debug, info, warn, error")
	logDir           = flag.String("logdir", "", "log file directory")
	speedup          = flag.Float64("speedup", 0, "run at this multiple of real time; 0 runs as fast as possible")
	listen           = flag.String("listen", "", "address for the ground link server, e.g. localhost:8099")
	recordFilename   = flag.String("record", "", "write a flight recording to this file")
	parmFilename     = flag.String("params", "", "ArduPilot .parm file with parameter defaults")
	saveParams       = flag.String("saveparams", "", "save the final parameter table to this file")
	dumpStatus       = flag.Bool("dump", false, "dump the final failsafe status")
	listParams       = flag.Bool("listparams", false, "list the failsafe's parameters as JSON and exit")
	replayFilename   = flag.String("replay", "", "read a flight recording and print it as CSV")
)

func main() {
	flag.Parse()

	lg := log.New(*logLevel, *logDir)

	if *listParams {
		if err := writeParams(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}
	if *replayFilename != "" {
		if err := replay(*replayFilename, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", *replayFilename, err)
			os.Exit(1)
		}
		return
	}

	if *scenarioFilename == "" {
		fmt.Fprintf(os.Stderr, "usage: engoutsim -scenario <file.json> [flags]\nwhere [flags] may be:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	sc, err := LoadScenario(*scenarioFilename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *parmFilename != "" {
		params, err := sitl.LoadParmFile(*parmFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		// Scenario parameters take precedence over the file's defaults.
		maps.Copy(params, sc.Sim.Params)
		sc.Sim.Params = params
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := NewRunner(sc, lg)
	if err != nil {
		lg.Errorf("%v", err)
		os.Exit(1)
	}
	r.Speedup = *speedup

	if *recordFilename != "" {
		r.Recorder, err = recorder.Create(*recordFilename, recorder.Header{
			Started:  r.Sim.Now(),
			Scenario: sc.Name,
			Params:   r.Sim.Values(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, r, *listen, lg); err != nil {
		lg.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if r.Recorder != nil {
		if err := r.Recorder.Close(); err != nil {
			lg.Errorf("%s: %v", *recordFilename, err)
		}
	}
	if *saveParams != "" {
		if err := r.Sim.SaveParams(*saveParams); err != nil {
			lg.Errorf("%s: %v", *saveParams, err)
		}
	}
	if *dumpStatus {
		godump.Dump(r.Failsafe.Status())
	}

	for _, t := range r.Texts() {
		fmt.Printf("%s %-8s %s\n", t.Time.Sub(r.start).Round(100*time.Millisecond), t.Severity, t.Text)
	}
	if err := r.Verify(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PASS %s\n", sc.Name)
}

// run flies the scenario and, if addr is given, serves the ground link
// until the flight is over.
func run(ctx context.Context, r *Runner, addr string, lg *log.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	if addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
		l, err := groundlink.Listen(host, port)
		if err != nil {
			return err
		}
		fmt.Printf("Ground link on http://%s/stats\n", l.Addr())

		r.Hub = groundlink.NewHub(lg.With("component", "groundlink"))
		r.Hub.Now = r.Sim.Now
		srv := &http.Server{Handler: r.Hub.Handler(r.Sim)}

		eg.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			r.Hub.Close()
			return srv.Shutdown(context.Background())
		})
	}

	eg.Go(func() error {
		defer cancel()
		return r.Run(ctx)
	})

	return eg.Wait()
}

// writeParams prints the failsafe's parameter table in declaration order.
func writeParams(w io.Writer) error {
	table := orderedmap.New()
	for _, p := range failsafe.Params {
		entry := orderedmap.New()
		entry.Set("default", p.Default)
		entry.Set("min", p.Min)
		entry.Set("max", p.Max)
		if p.Units != "" {
			entry.Set("units", p.Units)
		}
		entry.Set("description", p.Description)
		table.Set(p.Name, entry)
	}

	b, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func replay(path string, w io.Writer) error {
	rd, err := recorder.Open(path)
	if err != nil {
		return err
	}
	defer rd.Close()

	frames, err := rd.ReadAll()
	if err != nil {
		return err
	}
	return recorder.ExportCSV(w, frames)
}
