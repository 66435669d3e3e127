// Package window implements the Window Buffer: a time-bounded, append-only
// sequence of event projections that is the sole input to the Rule
// Engine's detectors. It stores projections, not full events, so that
// full-fidelity event streaming (the Stream Hub) and bounded detector
// memory are decoupled concerns, per spec §9.
package window

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/linnixhq/linnixd/internal/kernel"
)

// Projection is the bounded view of one Event the detectors need: identity
// and grouping keys plus an optional numeric magnitude (RSS bytes, CPU ns
// delta) for the few detectors that aggregate a value rather than a count.
type Projection struct {
	TsNs     uint64
	Pid      uint32
	Ppid     uint32
	Kind     kernel.EventKind
	CommHash uint64
	Value    uint64
}

// HashComm gives callers a stable grouping key without storing the string
// itself in the window.
func HashComm(comm string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(comm))
	return h.Sum64()
}

// ProjectionOf derives a Projection from a decoded Event.
func ProjectionOf(ev kernel.Event) Projection {
	p := Projection{
		TsNs:     ev.TsNs,
		Pid:      ev.Pid,
		Ppid:     ev.Ppid,
		Kind:     ev.Kind,
		CommHash: HashComm(ev.Comm),
	}
	switch ev.Kind {
	case kernel.EventRSSSample:
		if ev.RSSBytes != nil {
			p.Value = *ev.RSSBytes
		}
	case kernel.EventCPUSample:
		if ev.CPUNsDelta != nil {
			p.Value = *ev.CPUNsDelta
		}
	}
	return p
}

// Window is the bounded ring of projections. Append, Query and Tick all take
// mu, so they may run concurrently, since the Rule Engine may evaluate
// incrementally while a tick runs eviction.
type Window struct {
	mu sync.Mutex

	buf  []Projection
	head int

	maxAge     time.Duration
	maxEntries int
}

// New builds a Window bounded by wall-clock duration maxAge and entry cap
// maxEntries (spec §3 defaults: 30s / 200000).
func New(maxAge time.Duration, maxEntries int) *Window {
	return &Window{
		maxAge:     maxAge,
		maxEntries: maxEntries,
	}
}

// Append adds a projection and evicts anything now out of bounds. O(1)
// amortized: eviction only ever advances head, and the backing slice is
// compacted once head crosses half its length.
func (w *Window) Append(p Projection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p)
	w.evictLocked(p.TsNs)
	w.compactLocked()
}

// Tick runs eviction driven by wall-clock progress alone, for the 1-Hz
// housekeeping pass spec §4.D describes (keeps the window honest even
// during a quiet period with no new events).
func (w *Window) Tick(nowNs uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(nowNs)
	w.compactLocked()
}

func (w *Window) evictLocked(nowNs uint64) {
	cutoff := uint64(0)
	if uint64(w.maxAge.Nanoseconds()) < nowNs {
		cutoff = nowNs - uint64(w.maxAge.Nanoseconds())
	}
	for w.head < len(w.buf) && w.buf[w.head].TsNs < cutoff {
		w.head++
	}
	for len(w.buf)-w.head > w.maxEntries {
		w.head++
	}
}

func (w *Window) compactLocked() {
	if w.head == 0 || w.head < len(w.buf)/2 {
		return
	}
	remaining := len(w.buf) - w.head
	copy(w.buf, w.buf[w.head:])
	w.buf = w.buf[:remaining]
	w.head = 0
}

// Len returns the number of live (non-evicted) entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf) - w.head
}

// ReduceCap shrinks the entry cap by factor (0,1], evicting down to the new
// cap immediately, and returns the number of entries evicted. This is the
// Window's half of the RSS soft-cap degradation path (spec §5: "trimming
// the window (reduce N)"), applied before the daemon ever sheds a
// subscriber.
func (w *Window) ReduceCap(factor float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	newCap := int(float64(w.maxEntries) * factor)
	if newCap < 1 {
		newCap = 1
	}
	w.maxEntries = newCap

	before := len(w.buf) - w.head
	for len(w.buf)-w.head > w.maxEntries {
		w.head++
	}
	w.compactLocked()
	return before - (len(w.buf) - w.head)
}

// MaxEntries reports the current entry cap, reduced from its configured
// default if ReduceCap has fired.
func (w *Window) MaxEntries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxEntries
}

// Predicate filters projections during a Query.
type Predicate func(Projection) bool

// ByPid matches a specific pid.
func ByPid(pid uint32) Predicate {
	return func(p Projection) bool { return p.Pid == pid }
}

// ByPpid matches a specific ppid.
func ByPpid(ppid uint32) Predicate {
	return func(p Projection) bool { return p.Ppid == ppid }
}

// ByKind matches a specific event kind.
func ByKind(k kernel.EventKind) Predicate {
	return func(p Projection) bool { return p.Kind == k }
}

// And composes predicates with logical AND.
func And(preds ...Predicate) Predicate {
	return func(p Projection) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// Query returns every live projection within [sinceNs, untilNs] matching
// pred (nil matches everything). The returned slice is a copy: callers
// never see the live backing array.
func (w *Window) Query(sinceNs, untilNs uint64, pred Predicate) []Projection {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Projection
	for i := w.head; i < len(w.buf); i++ {
		p := w.buf[i]
		if p.TsNs < sinceNs || p.TsNs > untilNs {
			continue
		}
		if pred != nil && !pred(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Count is a Query that only needs the count, avoiding the copy.
func (w *Window) Count(sinceNs, untilNs uint64, pred Predicate) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for i := w.head; i < len(w.buf); i++ {
		p := w.buf[i]
		if p.TsNs < sinceNs || p.TsNs > untilNs {
			continue
		}
		if pred != nil && !pred(p) {
			continue
		}
		n++
	}
	return n
}
