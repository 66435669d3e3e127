package rules

import (
	"sort"
	"strconv"

	"github.com/linnixhq/linnixd/internal/kernel"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/window"
)

// candidate is one grouping's worth of evidence for a rule that may or may
// not clear threshold. subjectKey is what cooldown/dedup is keyed on.
type candidate struct {
	subjectKey  string
	subjectPid  *uint32
	subjectPpid *uint32
	value       float64
	counts      map[string]uint64
	offenders   []uint32
}

func u32ptr(v uint32) *uint32 { return &v }

func topOffenders(counts map[uint32]uint64, limit int) []uint32 {
	type pc struct {
		pid uint32
		n   uint64
	}
	list := make([]pc, 0, len(counts))
	for pid, n := range counts {
		list = append(list, pc{pid, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n > list[j].n
		}
		return list[i].pid < list[j].pid
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]uint32, len(list))
	for i, p := range list {
		out[i] = p.pid
	}
	return out
}

func windowBounds(nowNs uint64, seconds uint32) (since, until uint64) {
	span := uint64(seconds) * 1e9
	until = nowNs
	if span > nowNs {
		since = 0
	} else {
		since = nowNs - span
	}
	return since, until
}

// detectForkRate groups FORK events per rule.GroupBy and fires when
// count/window_seconds >= threshold.
func detectForkRate(r Rule, w *window.Window, st *store.Store, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	forks := w.Query(since, until, window.ByKind(kernel.EventFork))
	if len(forks) == 0 {
		return nil
	}

	groups := map[string]map[uint32]uint64{}
	groupPid := map[string]*uint32{}
	groupPpid := map[string]*uint32{}

	for _, f := range forks {
		key := "*"
		var pid, ppid *uint32
		switch r.GroupBy {
		case GroupPPID:
			key = keyOf(f.Ppid)
			ppid = u32ptr(f.Ppid)
		case GroupCgroup:
			if p, ok := st.Get(f.Pid); ok && p.CgroupPath != "" {
				key = p.CgroupPath
			} else {
				key = "*"
			}
		default:
			key = "*"
		}
		if _, ok := groups[key]; !ok {
			groups[key] = map[uint32]uint64{}
			groupPid[key] = pid
			groupPpid[key] = ppid
		}
		groups[key][f.Pid]++
	}

	var out []candidate
	for key, counts := range groups {
		total := uint64(0)
		for _, n := range counts {
			total += n
		}
		rate := float64(total) / float64(r.WindowSeconds)
		if rate < r.Threshold {
			continue
		}
		out = append(out, candidate{
			subjectKey:  key,
			subjectPid:  groupPid[key],
			subjectPpid: groupPpid[key],
			value:       rate,
			counts:      map[string]uint64{"forks": total},
			offenders:   topOffenders(counts, 5),
		})
	}
	return out
}

// detectExecRate groups EXEC events per rule.GroupBy and fires when
// count/window_seconds >= threshold, the same shape as detectForkRate but
// keyed on process image replacement rather than process creation.
func detectExecRate(r Rule, w *window.Window, st *store.Store, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	execs := w.Query(since, until, window.ByKind(kernel.EventExec))
	if len(execs) == 0 {
		return nil
	}

	groups := map[string]map[uint32]uint64{}
	groupPid := map[string]*uint32{}
	groupPpid := map[string]*uint32{}

	for _, e := range execs {
		key := "*"
		var pid, ppid *uint32
		switch r.GroupBy {
		case GroupPPID:
			key = keyOf(e.Ppid)
			ppid = u32ptr(e.Ppid)
		case GroupCgroup:
			if p, ok := st.Get(e.Pid); ok && p.CgroupPath != "" {
				key = p.CgroupPath
			} else {
				key = "*"
			}
		default:
			key = "*"
		}
		if _, ok := groups[key]; !ok {
			groups[key] = map[uint32]uint64{}
			groupPid[key] = pid
			groupPpid[key] = ppid
		}
		groups[key][e.Pid]++
	}

	var out []candidate
	for key, counts := range groups {
		total := uint64(0)
		for _, n := range counts {
			total += n
		}
		rate := float64(total) / float64(r.WindowSeconds)
		if rate < r.Threshold {
			continue
		}
		out = append(out, candidate{
			subjectKey:  key,
			subjectPid:  groupPid[key],
			subjectPpid: groupPpid[key],
			value:       rate,
			counts:      map[string]uint64{"execs": total},
			offenders:   topOffenders(counts, 5),
		})
	}
	return out
}

// detectForkBurst fires globally when >= threshold FORK events land anywhere
// in the trailing window.
func detectForkBurst(r Rule, w *window.Window, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	forks := w.Query(since, until, window.ByKind(kernel.EventFork))
	if float64(len(forks)) < r.Threshold {
		return nil
	}
	counts := map[uint32]uint64{}
	for _, f := range forks {
		counts[f.Pid]++
	}
	return []candidate{{
		subjectKey: "*",
		value:      float64(len(forks)),
		counts:     map[string]uint64{"forks": uint64(len(forks))},
		offenders:  topOffenders(counts, 5),
	}}
}

// detectRunawayTree fires for a ppid whose subtree spawned >= threshold
// FORK events in the window.
func detectRunawayTree(r Rule, w *window.Window, st *store.Store, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	forks := w.Query(since, until, window.ByKind(kernel.EventFork))
	if len(forks) == 0 {
		return nil
	}

	candidatePpids := map[uint32]struct{}{}
	for _, f := range forks {
		candidatePpids[f.Ppid] = struct{}{}
	}

	var out []candidate
	for ppid := range candidatePpids {
		if ppid == 0 {
			continue
		}
		desc := st.Descendants(ppid)
		subtree := map[uint32]struct{}{ppid: {}}
		for _, d := range desc.Pids {
			subtree[d] = struct{}{}
		}

		counts := map[uint32]uint64{}
		var total uint64
		for _, f := range forks {
			if _, in := subtree[f.Ppid]; in {
				counts[f.Pid]++
				total++
			}
		}
		if float64(total) < r.Threshold {
			continue
		}
		out = append(out, candidate{
			subjectKey: keyOf(ppid),
			subjectPpid: u32ptr(ppid),
			value:      float64(total),
			counts:     map[string]uint64{"forks": total},
			offenders:  topOffenders(counts, 5),
		})
	}
	return out
}

// detectShortJobFlood pairs FORK/EXIT projections sharing a pid whose
// lifetime is within max_lifetime_ms, firing when >= threshold such pairs
// land in the window.
func detectShortJobFlood(r Rule, w *window.Window, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	forks := w.Query(since, until, window.ByKind(kernel.EventFork))
	exits := w.Query(since, until, window.ByKind(kernel.EventExit))
	if len(exits) == 0 {
		return nil
	}

	startOf := make(map[uint32]uint64, len(forks))
	for _, f := range forks {
		startOf[f.Pid] = f.TsNs
	}

	maxLifetimeNs := r.MaxLifetimeMs * 1e6
	counts := map[uint32]uint64{}
	var total uint64
	for _, e := range exits {
		start, ok := startOf[e.Pid]
		if !ok || e.TsNs < start {
			continue
		}
		if e.TsNs-start <= maxLifetimeNs {
			counts[e.Pid]++
			total++
		}
	}
	if float64(total) < r.Threshold {
		return nil
	}
	return []candidate{{
		subjectKey: "*",
		value:      float64(total),
		counts:     map[string]uint64{"short_jobs": total},
		offenders:  topOffenders(counts, 5),
	}}
}

// detectMemGrowth groups RSS_SAMPLE projections by pid, fits a straight-line
// slope across the window's first and last sample, and fires when the slope
// clears rate AND the latest sample clears the absolute floor.
func detectMemGrowth(r Rule, w *window.Window, nowNs uint64) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	samples := w.Query(since, until, window.ByKind(kernel.EventRSSSample))
	if len(samples) == 0 {
		return nil
	}

	type span struct {
		firstTs, lastTs     uint64
		firstVal, lastVal   uint64
		n                   uint64
	}
	byPid := map[uint32]*span{}
	for _, s := range samples {
		sp, ok := byPid[s.Pid]
		if !ok {
			sp = &span{firstTs: s.TsNs, firstVal: s.Value, lastTs: s.TsNs, lastVal: s.Value}
			byPid[s.Pid] = sp
		}
		sp.n++
		if s.TsNs < sp.firstTs {
			sp.firstTs, sp.firstVal = s.TsNs, s.Value
		}
		if s.TsNs >= sp.lastTs {
			sp.lastTs, sp.lastVal = s.TsNs, s.Value
		}
	}

	var out []candidate
	for pid, sp := range byPid {
		if sp.lastTs <= sp.firstTs {
			continue
		}
		if sp.lastVal < r.RSSFloorBytes {
			continue
		}
		seconds := float64(sp.lastTs-sp.firstTs) / 1e9
		if seconds <= 0 {
			continue
		}
		slope := (float64(sp.lastVal) - float64(sp.firstVal)) / seconds
		if slope < r.RateBytesPerSec {
			continue
		}
		out = append(out, candidate{
			subjectKey: keyOf(pid),
			subjectPid: u32ptr(pid),
			value:      slope,
			counts:     map[string]uint64{"rss_bytes": sp.lastVal, "samples": sp.n},
			offenders:  []uint32{pid},
		})
	}
	return out
}

// detectCPUSubtree sums CPU_SAMPLE ns deltas across a ppid's subtree,
// converts to a pct of available CPU across the window, and fires when the
// aggregate clears threshold across at least min_samples observations.
func detectCPUSubtree(r Rule, w *window.Window, st *store.Store, nowNs uint64, cores int) []candidate {
	since, until := windowBounds(nowNs, r.WindowSeconds)
	samples := w.Query(since, until, window.ByKind(kernel.EventCPUSample))
	if len(samples) == 0 {
		return nil
	}

	candidatePpids := map[uint32]struct{}{}
	for _, s := range samples {
		candidatePpids[s.Ppid] = struct{}{}
	}

	seconds := float64(r.WindowSeconds)
	if cores < 1 {
		cores = 1
	}
	capacityNs := seconds * 1e9 * float64(cores)

	var out []candidate
	for ppid := range candidatePpids {
		if ppid == 0 {
			continue
		}
		desc := st.Descendants(ppid)
		subtree := map[uint32]struct{}{ppid: {}}
		for _, d := range desc.Pids {
			subtree[d] = struct{}{}
		}

		var nsTotal uint64
		counts := map[uint32]uint64{}
		var sampleCount uint64
		for _, s := range samples {
			if _, in := subtree[s.Pid]; !in {
				continue
			}
			nsTotal += s.Value
			counts[s.Pid]++
			sampleCount++
		}
		if sampleCount < uint64(r.MinSamples) {
			continue
		}
		pctFloat := float64(nsTotal) * 100.0 / capacityNs
		if pctFloat < r.Threshold {
			continue
		}
		out = append(out, candidate{
			subjectKey: keyOf(ppid),
			subjectPpid: u32ptr(ppid),
			value:      pctFloat,
			counts:     map[string]uint64{"cpu_ns": nsTotal, "samples": sampleCount},
			offenders:  topOffenders(counts, 5),
		})
	}
	return out
}

func keyOf(pid uint32) string {
	if pid == 0 {
		return "*"
	}
	return strconv.FormatUint(uint64(pid), 10)
}
