// Package snapshot implements the Snapshot Builder: on-demand, point-in-time
// views over the Process Store and Alert Bus for the HTTP surface. Every
// view is taken under the Store's own short read critical section (or its
// Version()-backed consistency), so a snapshot never observes a half-applied
// event.
package snapshot

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/metrics"
	"github.com/linnixhq/linnixd/internal/rules"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/window"
)

// Builder answers the Snapshot Builder's read-side queries. It holds no state of
// its own beyond references to the components it reads.
type Builder struct {
	store   *store.Store
	win     *window.Window
	bus     *alerts.Bus
	engine  *rules.Engine
	metrics *metrics.Metrics
	started time.Time
	version string
}

// New builds a Builder over the given components. version is the daemon's
// build version string, surfaced at /status.
func New(st *store.Store, w *window.Window, bus *alerts.Bus, engine *rules.Engine, m *metrics.Metrics, version string) *Builder {
	return &Builder{
		store:   st,
		win:     w,
		bus:     bus,
		engine:  engine,
		metrics: m,
		started: time.Now(),
		version: version,
	}
}

// ProcessListOptions controls processes() filtering, sorting, and paging.
type ProcessListOptions struct {
	Filter string // "key=value", AND-only, e.g. "state=LIVE"
	Sort   string // "field:asc" or "field:desc"
	Limit  int    // 0 means unlimited
}

// Processes returns the filtered, sorted, limited process list.
func (b *Builder) Processes(opts ProcessListOptions) []store.Process {
	list := b.store.List()

	if opts.Filter != "" {
		list = filterProcesses(list, opts.Filter)
	}
	if opts.Sort != "" {
		sortProcesses(list, opts.Sort)
	}
	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	return list
}

func filterProcesses(list []store.Process, expr string) []store.Process {
	parts := strings.SplitN(expr, "=", 2)
	if len(parts) != 2 {
		return list
	}
	key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	out := list[:0:0]
	for _, p := range list {
		if matchesFilter(p, key, val) {
			out = append(out, p)
		}
	}
	return out
}

func matchesFilter(p store.Process, key, val string) bool {
	switch key {
	case "state":
		return strings.EqualFold(p.State.String(), val)
	case "comm":
		return strings.Contains(strings.ToLower(p.Comm), strings.ToLower(val))
	case "ppid":
		n, err := strconv.ParseUint(val, 10, 32)
		return err == nil && p.Ppid == uint32(n)
	case "cgroup":
		return strings.Contains(p.CgroupPath, val)
	default:
		return true
	}
}

func sortProcesses(list []store.Process, spec string) {
	field, dir := spec, "asc"
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		field, dir = spec[:idx], spec[idx+1:]
	}
	less := processLess(field)
	if less == nil {
		return
	}
	if strings.EqualFold(dir, "desc") {
		sort.Slice(list, func(i, j int) bool { return less(list[j], list[i]) })
	} else {
		sort.Slice(list, func(i, j int) bool { return less(list[i], list[j]) })
	}
}

func processLess(field string) func(a, b store.Process) bool {
	switch field {
	case "pid":
		return func(a, b store.Process) bool { return a.Pid < b.Pid }
	case "cpu_pct":
		return func(a, b store.Process) bool { return a.CPUPctMilli < b.CPUPctMilli }
	case "rss_bytes":
		return func(a, b store.Process) bool { return a.RSSBytes < b.RSSBytes }
	case "start_ts":
		return func(a, b store.Process) bool { return a.StartTsNs < b.StartTsNs }
	case "comm":
		return func(a, b store.Process) bool { return a.Comm < b.Comm }
	default:
		return nil
	}
}

// Process returns a single process by pid.
func (b *Builder) Process(pid uint32) (store.Process, bool) {
	return b.store.Get(pid)
}

// GraphView is the lineage + descendants view graph(pid) returns.
type GraphView struct {
	Pid                 uint32      `json:"pid"`
	Ancestors           []uint32    `json:"ancestors"`
	AncestorsTruncated  bool        `json:"ancestors_truncated"`
	Descendants         []uint32    `json:"descendants"`
	DescendantsTruncated bool       `json:"descendants_truncated"`
}

// Graph returns the bounded ancestor chain and descendant subtree for pid.
func (b *Builder) Graph(pid uint32) GraphView {
	lineage := b.store.Lineage(pid)
	desc := b.store.Descendants(pid)
	return GraphView{
		Pid:                  pid,
		Ancestors:            lineage.Chain,
		AncestorsTruncated:   lineage.Truncated,
		Descendants:          desc.Pids,
		DescendantsTruncated: desc.Truncated,
	}
}

// SystemView is the system() aggregate view.
type SystemView struct {
	ProcessCount  int     `json:"process_count"`
	LiveCount     int     `json:"live_count"`
	CPUPctMilli   uint64  `json:"cpu_pct_milli"`
	RSSBytesTotal uint64  `json:"rss_bytes_total"`
	EventRate1s   float64 `json:"event_rate_1s"`
	EventRate10s  float64 `json:"event_rate_10s"`
	EventRate60s  float64 `json:"event_rate_60s"`
}

// System aggregates CPU/memory/process counts and event rate averages over
// three trailing windows, sourced from the Window Buffer's projections so it
// never touches Process Store internals beyond the read-only List.
func (b *Builder) System(nowNs uint64) SystemView {
	list := b.store.List()
	view := SystemView{ProcessCount: len(list)}

	for _, p := range list {
		if p.State == store.Live {
			view.LiveCount++
			if p.CPUPctMilli != 65535 {
				view.CPUPctMilli += uint64(p.CPUPctMilli)
			}
			view.RSSBytesTotal += p.RSSBytes
		}
	}

	view.EventRate1s = b.eventRate(nowNs, 1*time.Second)
	view.EventRate10s = b.eventRate(nowNs, 10*time.Second)
	view.EventRate60s = b.eventRate(nowNs, 60*time.Second)
	return view
}

func (b *Builder) eventRate(nowNs uint64, span time.Duration) float64 {
	spanNs := uint64(span.Nanoseconds())
	since := uint64(0)
	if spanNs < nowNs {
		since = nowNs - spanNs
	}
	n := b.win.Count(since, nowNs, nil)
	return float64(n) / span.Seconds()
}

// Status is the /status response: version, uptime, probe posture.
type Status struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ProbesAttached int    `json:"probes_attached"`
	ProbesSkipped  int    `json:"probes_skipped"`
}

func (b *Builder) Status(probesAttached, probesSkipped int) Status {
	return Status{
		Version:        b.version,
		UptimeSeconds:  int64(time.Since(b.started).Seconds()),
		ProbesAttached: probesAttached,
		ProbesSkipped:  probesSkipped,
	}
}

// Timeline returns the recent alert history, oldest first, optionally
// bounded to the last n entries.
func (b *Builder) Timeline(limit int) []alerts.SequencedAlert {
	list := b.bus.List()
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// Alert returns a single alert by id.
func (b *Builder) Alert(id string) (alerts.SequencedAlert, bool) {
	return b.bus.Get(id)
}

// Metrics returns the JSON operator metrics view.
func (b *Builder) Metrics() metrics.JSONSnapshot {
	return b.metrics.Snapshot()
}

// Rules returns the currently active rule set, for operators inspecting
// what configuration is live after a hot reload.
func (b *Builder) Rules() []rules.Rule {
	return b.engine.Rules()
}
