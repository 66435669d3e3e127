// Package store implements the Process Store: the single-writer, many-
// reader live task table, its ancestry index, RSS/CPU accounting, and the
// tag cache. All mutation flows through Apply, called from exactly one
// goroutine (the daemon's post-decode consumer); reads take a short shared
// lock over a consistent view, matching the single-writer actor pattern
// spec §5 and §9 describe.
package store

import (
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnixhq/linnixd/internal/kernel"
)

// State is a Process's lifecycle stage.
type State int

const (
	Live State = iota
	Exited
)

func (s State) String() string {
	if s == Live {
		return "LIVE"
	}
	return "EXITED"
}

// Process is the live task record spec §3 describes.
type Process struct {
	Pid, Tgid, Ppid uint32
	StartTsNs       uint64
	Comm            string
	CgroupPath      string
	Tags            []string

	CPUNsTotal  uint64
	CPUPctMilli uint32 // 0..100000, 65535 = unknown
	RSSBytes    uint64
	MemPctMilli uint32

	State    State
	ExitTsNs uint64
	ExitCode int32

	lastCPUSampleTsNs uint64
	reparentTarget    uint32 // nearest LIVE ancestor observed at exit time, for GC closure
}

// Snapshot returns a shallow copy safe to hand to a reader; Tags is copied
// since it's the only reference field.
func (p *Process) Snapshot() Process {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	return cp
}

const unknownCPUPct = 65535

// Counters are the operator-visible invariant/repair counters.
type Counters struct {
	LineageGapsTotal          atomic.Uint64
	PidReuseTotal             atomic.Uint64
	StoreInvariantViolations  atomic.Uint64
}

type pendingExit struct {
	tsNs     uint64
	exitCode int32
	queuedAt time.Time
}

// Store is the authoritative in-memory process table.
type Store struct {
	mu sync.RWMutex

	processes map[uint32]*Process
	parent    map[uint32]uint32
	children  map[uint32]map[uint32]struct{}
	pending   map[uint32]pendingExit

	version atomic.Uint64

	reorderWindow  time.Duration
	gcHorizon      time.Duration
	maxDepth       int
	maxDescendants int
	cores          int

	systemRSSBytes atomic.Uint64

	Counters Counters

	tagCache *TagCache
}

// New builds an empty Store. reorderWindow/gcHorizon/maxDepth/maxDescendants
// come from config.TuningConfig; tagCache may be nil (tags then fall back
// to heuristics only).
func New(reorderWindow, gcHorizon time.Duration, maxDepth, maxDescendants int, tagCache *TagCache) *Store {
	s := &Store{
		processes:      make(map[uint32]*Process),
		parent:         make(map[uint32]uint32),
		children:       make(map[uint32]map[uint32]struct{}),
		pending:        make(map[uint32]pendingExit),
		reorderWindow:  reorderWindow,
		gcHorizon:      gcHorizon,
		maxDepth:       maxDepth,
		maxDescendants: maxDescendants,
		cores:          runtime.NumCPU(),
		tagCache:       tagCache,
	}
	if s.cores < 1 {
		s.cores = 1
	}
	return s
}

// SetSystemRSSTotal updates the denominator mem_pct_milli is derived from.
func (s *Store) SetSystemRSSTotal(total uint64) {
	s.systemRSSBytes.Store(total)
}

// Version returns the current write version, for callers that want a
// cheap "did anything change" check without taking the read lock.
func (s *Store) Version() uint64 { return s.version.Load() }

// Apply is the single entry point for mutation. Must only ever be called
// from one goroutine.
func (s *Store) Apply(ev kernel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case kernel.EventFork:
		s.applyFork(ev)
	case kernel.EventExec:
		s.applyExec(ev)
	case kernel.EventExit:
		s.applyExit(ev)
	case kernel.EventRSSSample:
		s.applyRSS(ev)
	case kernel.EventCPUSample:
		s.applyCPU(ev)
	}

	s.version.Add(1)
}

func (s *Store) applyFork(ev kernel.Event) {
	if existing, ok := s.processes[ev.Pid]; ok {
		s.Counters.PidReuseTotal.Add(1)
		s.unlinkChild(existing.Ppid, ev.Pid)
	}

	p := &Process{
		Pid:         ev.Pid,
		Tgid:        ev.Tgid,
		Ppid:        ev.Ppid,
		StartTsNs:   ev.TsNs,
		Comm:        ev.Comm,
		CgroupPath:  ev.CgroupPath,
		CPUPctMilli: unknownCPUPct,
		State:       Live,
	}
	p.Tags = s.deriveTags(p.Comm)

	s.processes[ev.Pid] = p
	s.parent[ev.Pid] = ev.Ppid
	s.linkChild(ev.Ppid, ev.Pid)

	if pend, ok := s.pending[ev.Pid]; ok {
		delete(s.pending, ev.Pid)
		s.finishExit(p, pend.tsNs, pend.exitCode)
	}
}

func (s *Store) applyExec(ev kernel.Event) {
	p, ok := s.processes[ev.Pid]
	if !ok {
		p = s.repairMissing(ev)
	}
	if p.Comm != ev.Comm {
		p.CPUNsTotal = 0
		p.lastCPUSampleTsNs = 0
		p.Comm = ev.Comm
		p.Tags = s.deriveTags(p.Comm)
	}
	if ev.CgroupPath != "" {
		p.CgroupPath = ev.CgroupPath
	}
}

func (s *Store) applyExit(ev kernel.Event) {
	p, ok := s.processes[ev.Pid]
	if !ok {
		var code int32
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		s.pending[ev.Pid] = pendingExit{tsNs: ev.TsNs, exitCode: code, queuedAt: time.Now()}
		return
	}
	var code int32
	if ev.ExitCode != nil {
		code = *ev.ExitCode
	}
	s.finishExit(p, ev.TsNs, code)
}

func (s *Store) finishExit(p *Process, tsNs uint64, code int32) {
	p.State = Exited
	p.ExitTsNs = tsNs
	p.ExitCode = code
	p.reparentTarget = s.nearestLiveAncestor(p.Ppid)
}

func (s *Store) applyRSS(ev kernel.Event) {
	p, ok := s.processes[ev.Pid]
	if !ok {
		p = s.repairMissing(ev)
	}
	if ev.RSSBytes == nil {
		return
	}
	p.RSSBytes = *ev.RSSBytes
	total := s.systemRSSBytes.Load()
	if total > 0 {
		pct := float64(p.RSSBytes) * 100000.0 / float64(total)
		p.MemPctMilli = clampMilli(pct)
	}
}

func (s *Store) applyCPU(ev kernel.Event) {
	p, ok := s.processes[ev.Pid]
	if !ok {
		p = s.repairMissing(ev)
	}
	if ev.CPUNsDelta == nil {
		return
	}
	delta := *ev.CPUNsDelta
	prevTotal := p.CPUNsTotal
	newTotal := prevTotal + delta
	if newTotal < prevTotal {
		// overflow only; genuine pid-reuse resets happen via applyFork
		// replacing the record entirely.
		newTotal = delta
	}
	p.CPUNsTotal = newTotal

	if p.lastCPUSampleTsNs != 0 && ev.TsNs > p.lastCPUSampleTsNs {
		deltaTNs := ev.TsNs - p.lastCPUSampleTsNs
		pct := float64(delta) * 100000.0 / (float64(deltaTNs) * float64(s.cores))
		p.CPUPctMilli = clampMilli(pct)
	}
	p.lastCPUSampleTsNs = ev.TsNs
}

// repairMissing creates a best-effort record for a pid observed in
// EXEC/EXIT/SAMPLE without a prior FORK, per spec §7's "count and repair by
// truncation" policy for StoreInvariant violations.
func (s *Store) repairMissing(ev kernel.Event) *Process {
	s.Counters.StoreInvariantViolations.Add(1)
	p := &Process{
		Pid:         ev.Pid,
		Tgid:        ev.Tgid,
		Ppid:        ev.Ppid,
		StartTsNs:   ev.TsNs,
		Comm:        ev.Comm,
		CgroupPath:  ev.CgroupPath,
		CPUPctMilli: unknownCPUPct,
		State:       Live,
	}
	p.Tags = s.deriveTags(p.Comm)
	s.processes[ev.Pid] = p
	s.parent[ev.Pid] = ev.Ppid
	s.linkChild(ev.Ppid, ev.Pid)
	return p
}

func (s *Store) linkChild(ppid, pid uint32) {
	set, ok := s.children[ppid]
	if !ok {
		set = make(map[uint32]struct{})
		s.children[ppid] = set
	}
	set[pid] = struct{}{}
}

func (s *Store) unlinkChild(ppid, pid uint32) {
	if set, ok := s.children[ppid]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(s.children, ppid)
		}
	}
}

func (s *Store) nearestLiveAncestor(ppid uint32) uint32 {
	seen := make(map[uint32]struct{})
	cur := ppid
	for depth := 0; depth < s.maxDepth; depth++ {
		if cur == 0 {
			return 0
		}
		if _, loop := seen[cur]; loop {
			return 0
		}
		seen[cur] = struct{}{}
		if p, ok := s.processes[cur]; ok && p.State == Live {
			return cur
		}
		next, ok := s.parent[cur]
		if !ok {
			return 0
		}
		cur = next
	}
	return 0
}

func (s *Store) deriveTags(comm string) []string {
	if s.tagCache != nil {
		if tags, ok := s.tagCache.Get(comm); ok {
			return tags
		}
	}
	tags := heuristicTags(comm)
	if s.tagCache != nil {
		s.tagCache.PutAsync(comm, tags)
	}
	return tags
}

// heuristicTags applies deterministic, offline-safe tagging used when the
// cache misses and no reasoner enrichment is available.
func heuristicTags(comm string) []string {
	lc := strings.ToLower(comm)
	var tags []string
	switch {
	case strings.Contains(lc, "sh"):
		tags = append(tags, "shell")
	case strings.Contains(lc, "python"):
		tags = append(tags, "python")
	case strings.Contains(lc, "node"):
		tags = append(tags, "node")
	}
	if len(tags) > 16 {
		tags = tags[:16]
	}
	return tags
}

func clampMilli(pct float64) uint32 {
	if pct < 0 {
		return 0
	}
	if pct > 100000 {
		return 100000
	}
	return uint32(pct + 0.5)
}

// SweepPending discards any EXIT that never found its matching FORK within
// the reorder window, counting it as a repaired invariant violation rather
// than buffering it forever.
func (s *Store) SweepPending(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, pend := range s.pending {
		if now.Sub(pend.queuedAt) >= s.reorderWindow {
			delete(s.pending, pid)
			s.Counters.StoreInvariantViolations.Add(1)
		}
	}
}

// Get returns a copy of the process record for pid, if present.
func (s *Store) Get(pid uint32) (Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[pid]
	if !ok {
		return Process{}, false
	}
	return p.Snapshot(), true
}

// List returns a copy of every process currently known, sorted by pid for
// deterministic output.
func (s *Store) List() []Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// LineageResult is the ancestor chain returned by Lineage.
type LineageResult struct {
	Chain     []uint32 // root-ward, nearest parent first
	Truncated bool
}

// Lineage returns the ancestor chain for pid to the root, truncated at
// MAX_DEPTH. Only recorded processes enter the chain: an unrecorded
// ancestor ends it, counting a lineage_gaps_total increment and marking the
// result truncated, except when that ancestor is pid 1 (init), which is
// treated as the root.
func (s *Store) Lineage(pid uint32) LineageResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []uint32
	seen := map[uint32]struct{}{pid: {}}
	cur, ok := s.parent[pid]
	gap := false
	for depth := 0; ok && cur != 0 && depth < s.maxDepth; depth++ {
		if _, loop := seen[cur]; loop {
			break
		}
		next, known := s.parent[cur]
		if !known {
			gap = cur != 1
			cur = 0
			break
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)
		cur = next
	}

	truncated := len(chain) >= s.maxDepth
	if ok && cur != 0 {
		// ran out of depth before reaching a recorded root
		truncated = true
	}
	if gap {
		s.Counters.LineageGapsTotal.Add(1)
		truncated = true
	}
	return LineageResult{Chain: chain, Truncated: truncated}
}

// DescendantsResult is the bounded subtree returned by Descendants.
type DescendantsResult struct {
	Pids      []uint32
	Truncated bool
}

// Descendants runs a breadth-first search over the lineage index bounded
// by MAX_DESCENDANTS and MAX_DEPTH.
func (s *Store) Descendants(pid uint32) DescendantsResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type item struct {
		pid   uint32
		depth int
	}
	var out []uint32
	truncated := false
	queue := []item{{pid: pid, depth: 0}}
	visited := map[uint32]struct{}{pid: {}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= s.maxDepth {
			if len(s.children[cur.pid]) > 0 {
				truncated = true
			}
			continue
		}
		for child := range s.children[cur.pid] {
			if _, ok := visited[child]; ok {
				continue
			}
			visited[child] = struct{}{}
			if len(out) >= s.maxDescendants {
				truncated = true
				break
			}
			out = append(out, child)
			queue = append(queue, item{pid: child, depth: cur.depth + 1})
		}
		if len(out) >= s.maxDescendants {
			truncated = true
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return DescendantsResult{Pids: out, Truncated: truncated}
}

// GC removes EXITED processes older than the GC horizon, re-parenting any
// remaining LIVE descendant through the nearest LIVE ancestor recorded at
// exit time so lineage closure is preserved.
func (s *Store) GC(now uint64 /* ts_ns */) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizonNs := uint64(s.gcHorizon.Nanoseconds())
	removed := 0
	for pid, p := range s.processes {
		if p.State != Exited {
			continue
		}
		if now < p.ExitTsNs || now-p.ExitTsNs < horizonNs {
			continue
		}

		for child := range s.children[pid] {
			s.parent[child] = p.reparentTarget
			s.linkChild(p.reparentTarget, child)
		}
		if pp, ok := s.parent[pid]; ok {
			s.unlinkChild(pp, pid)
		}
		delete(s.children, pid)
		delete(s.parent, pid)
		delete(s.processes, pid)
		removed++
	}
	return removed
}

// BackfillFromProc scans live pids from /proc at startup and synthesizes
// FORK-equivalents so ancestry queries succeed without having observed the
// real FORK. Tasks that exit mid-scan are skipped rather than erroring.
func (s *Store) BackfillFromProc(nowNs uint64) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}

	for _, entry := range entries {
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		stat, err := os.ReadFile("/proc/" + entry.Name() + "/stat")
		if err != nil {
			continue // exited mid-scan, or not a process dir
		}
		comm, ppid, ok := parseProcStat(string(stat))
		if !ok {
			continue
		}

		s.mu.Lock()
		if _, exists := s.processes[pid]; !exists {
			p := &Process{
				Pid:         pid,
				Tgid:        pid,
				Ppid:        ppid,
				StartTsNs:   nowNs,
				Comm:        comm,
				CPUPctMilli: unknownCPUPct,
				State:       Live,
			}
			p.Tags = s.deriveTags(comm)
			s.processes[pid] = p
			s.parent[pid] = ppid
			s.linkChild(ppid, pid)
		}
		s.mu.Unlock()
	}
	return nil
}

// parseProcStat extracts comm and ppid from a /proc/<pid>/stat line. comm
// is parenthesized and may itself contain spaces/parens, so the fields
// after the closing paren are located from the end of the line.
func parseProcStat(line string) (comm string, ppid uint32, ok bool) {
	open := strings.IndexByte(line, '(')
	close := strings.LastIndexByte(line, ')')
	if open < 0 || close < 0 || close < open {
		return "", 0, false
	}
	comm = line[open+1 : close]

	rest := strings.Fields(line[close+1:])
	if len(rest) < 2 {
		return "", 0, false
	}
	// rest[0] = state, rest[1] = ppid
	ppid64, err := strconv.ParseUint(rest[1], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return comm, uint32(ppid64), true
}
