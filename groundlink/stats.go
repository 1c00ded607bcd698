// groundlink/stats.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package groundlink

import (
	"fmt"
	"html/template"
	"maps"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/cpu"
)

// ParamSource provides the parameter table shown on the status page;
// param.MemoryStore satisfies it.
type ParamSource interface {
	Values() map[string]float64
}

type paramRow struct {
	Name  string
	Value float64
}

type serverStats struct {
	Uptime           time.Duration
	AllocMemory      uint64
	TotalAllocMemory uint64
	SysMemory        uint64
	TX               int64
	Dropped          int64
	NumGC            uint32
	NumGoRoutines    int
	CPUUsage         int
	Clients          int

	Params   []paramRow
	Messages []Message
}

var templateFuncs = template.FuncMap{
	"bytes": byteCount,
	"clock": func(t time.Time) string { return t.UTC().Format("15:04:05.0") },
}

func byteCount(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

var statsTemplate = template.Must(template.New("").Funcs(templateFuncs).Parse(`
<!DOCTYPE html>
<html>
<head>
<title>engout ground link</title>
</head>
<style>
table {
  border-collapse: collapse;
  width: 100%;
}

th, td {
  border: 1px solid #dddddd;
  padding: 8px;
  text-align: left;
}

tr:nth-child(even) {
  background-color: #f2f2f2;
}

#log {
    font-family: "Courier New", monospace;
    width: 100%;
    height: 400px;
    font-size: 12px;
    overflow: auto;
    white-space: pre-wrap;
    border: 1px solid #ccc;
    padding: 10px;
}
</style>
<body>
<h1>Server Status</h1>
<ul>
  <li>Uptime: {{.Uptime}}</li>
  <li>CPU usage: {{.CPUUsage}}%</li>
  <li>Ground link clients: {{.Clients}} ({{.Dropped}} dropped)</li>
  <li>Bandwidth: {{bytes .TX}} TX</li>
  <li>Allocated memory: {{.AllocMemory}} MB</li>
  <li>Total allocated memory: {{.TotalAllocMemory}} MB</li>
  <li>System memory: {{.SysMemory}} MB</li>
  <li>Garbage collection passes: {{.NumGC}}</li>
  <li>Running goroutines: {{.NumGoRoutines}}</li>
</ul>

<h1>Messages</h1>
<div id="log">
{{range .Messages}}{{clock .Time}} {{.Severity}} {{.Text}}
{{end}}</div>

<h1>Parameters</h1>
<table>
  <tr>
  <th>Name</th>
  <th>Value</th>
  </tr>
{{range .Params}}
  <tr>
  <td><tt>{{.Name}}</tt></td>
  <td>{{.Value}}</td>
  </tr>
{{end}}
</table>

</body>
</html>
`))

func (h *Hub) statsHandler(params ParamSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		// Sample over zero time so the page does not block; the first
		// call after startup reports 0.
		usage, _ := cpu.Percent(0, false)

		stats := serverStats{
			Uptime:           time.Since(h.start).Round(time.Second),
			AllocMemory:      m.Alloc / (1024 * 1024),
			TotalAllocMemory: m.TotalAlloc / (1024 * 1024),
			SysMemory:        m.Sys / (1024 * 1024),
			TX:               h.txBytes.Load(),
			Dropped:          h.dropped.Load(),
			NumGC:            m.NumGC,
			NumGoRoutines:    runtime.NumGoroutine(),
			Clients:          h.Clients(),
			Messages:         h.History(),
		}
		if len(usage) > 0 {
			stats.CPUUsage = int(usage[0] + 0.5)
		}
		if params != nil {
			values := params.Values()
			for _, name := range slices.Sorted(maps.Keys(values)) {
				stats.Params = append(stats.Params, paramRow{Name: name, Value: values[name]})
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := statsTemplate.Execute(w, stats); err != nil {
			h.lg.Errorf("stats template: %v", err)
		}
	}
}

// Handler returns the ground link ServeMux: /ws for the message stream,
// /stats for the status page and the pprof endpoints.
func (h *Hub) Handler(params ParamSource) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.ServeWS)
	stats := h.statsHandler(params)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats(w, r)
		h.lg.Debugf("%s: served stats request", r.URL.String())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// Listen tries port, port+1, ... port+9 on host and returns the first
// listener that could be opened.
func Listen(host string, port int) (net.Listener, error) {
	var err error
	for i := range 10 {
		var l net.Listener
		if l, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i))); err == nil {
			return l, nil
		}
		if port == 0 {
			break
		}
	}
	return nil, err
}
