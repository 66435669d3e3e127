package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/kernel"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/ulid"
	"github.com/linnixhq/linnixd/internal/window"
)

// EscalateFactor is the threshold multiple past which a rule's severity is
// bumped one band, capped at Critical, per the engine's escalation policy.
const EscalateFactor = 2.0

// Engine evaluates the active rule set against the Window Buffer and Store,
// enforcing per-(rule_id, subject_key) cooldown and dedup, and emitting
// fired alerts through onFire. It never mutates Store state — it only reads
// projections and lineage.
type Engine struct {
	mu    sync.Mutex
	rules []Rule

	// cooldowns[ruleID][subjectKey] = ts_ns of last fire.
	cooldowns map[string]map[string]uint64

	w     *window.Window
	st    *store.Store
	cores int

	onFire func(alerts.Alert)
}

// NewEngine builds an Engine bound to w and st. cores is used to turn
// aggregate CPU-ns sums into a percentage for CPU_SUBTREE.
func NewEngine(w *window.Window, st *store.Store, cores int, rs []Rule) *Engine {
	e := &Engine{
		rules:     append([]Rule(nil), rs...),
		cooldowns: make(map[string]map[string]uint64),
		w:         w,
		st:        st,
		cores:     cores,
	}
	return e
}

// SetOnFire registers the callback invoked for every alert the engine
// decides to emit (in practice, Bus.Publish).
func (e *Engine) SetOnFire(fn func(alerts.Alert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFire = fn
}

// SetRules hot-swaps the active rule set at the next tick boundary.
// Cooldown state for rule ids present in both the old and new set is
// carried over; removed rule ids discard their state, matching the
// hot-reload contract.
func (e *Engine) SetRules(rs []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make(map[string]map[string]uint64, len(rs))
	for _, r := range rs {
		if state, ok := e.cooldowns[r.ID]; ok {
			kept[r.ID] = state
		}
	}
	e.rules = append([]Rule(nil), rs...)
	e.cooldowns = kept
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// OnEvent is called from the single-writer decode path after the Process
// Store has applied ev; it triggers an incremental evaluation pass.
func (e *Engine) OnEvent(ev kernel.Event) {
	e.Evaluate(ev.TsNs)
}

// Tick runs the 1-Hz time-based evaluation pass, needed even during a quiet
// period so windowed rules still expire and re-fire correctly.
func (e *Engine) Tick(nowNs uint64) {
	e.Evaluate(nowNs)
}

type firing struct {
	rule Rule
	cand candidate
}

// Evaluate runs every active rule's detector, applies cooldown/dedup, and
// emits the survivors in tie-break order: higher severity first, then lower
// rule_id lexicographically.
func (e *Engine) Evaluate(nowNs uint64) {
	e.mu.Lock()
	rulesCopy := append([]Rule(nil), e.rules...)
	onFire := e.onFire
	e.mu.Unlock()

	var fired []firing
	for _, r := range rulesCopy {
		if r.WindowSeconds == 0 {
			continue
		}
		cands := e.runDetector(r, nowNs)
		for _, c := range cands {
			if !e.arm(r, c.subjectKey, nowNs) {
				continue
			}
			fired = append(fired, firing{rule: r, cand: c})
		}
	}
	if len(fired) == 0 {
		return
	}

	sort.Slice(fired, func(i, j int) bool {
		si := e.severityOf(fired[i].rule, fired[i].cand)
		sj := e.severityOf(fired[j].rule, fired[j].cand)
		if si != sj {
			return si > sj
		}
		return fired[i].rule.ID < fired[j].rule.ID
	})

	for _, f := range fired {
		a := e.buildAlert(f.rule, f.cand, nowNs)
		slog.Info("rule fired", "rule_id", f.rule.ID, "subject", f.cand.subjectKey, "severity", a.Severity.String())
		if onFire != nil {
			onFire(a)
		}
	}
}

func (e *Engine) runDetector(r Rule, nowNs uint64) []candidate {
	switch r.Kind {
	case ForkRate:
		return detectForkRate(r, e.w, e.st, nowNs)
	case ExecRate:
		return detectExecRate(r, e.w, e.st, nowNs)
	case ForkBurst:
		return detectForkBurst(r, e.w, nowNs)
	case RunawayTree:
		return detectRunawayTree(r, e.w, e.st, nowNs)
	case ShortJobFlood:
		return detectShortJobFlood(r, e.w, nowNs)
	case MemGrowth:
		return detectMemGrowth(r, e.w, nowNs)
	case CPUSubtree:
		return detectCPUSubtree(r, e.w, e.st, nowNs, e.cores)
	default:
		return nil
	}
}

// arm enforces cooldown and dedup: a rule fires at most once per
// cooldown_seconds per (rule_id, subject_key). The cooldown clock resets
// only on an actual fire, never on a suppressed candidate.
func (e *Engine) arm(r Rule, subjectKey string, nowNs uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.cooldowns[r.ID]
	if !ok {
		state = make(map[string]uint64)
		e.cooldowns[r.ID] = state
	}
	cooldownNs := uint64(r.CooldownSeconds) * 1e9
	if last, ok := state[subjectKey]; ok && nowNs-last < cooldownNs {
		return false
	}
	state[subjectKey] = nowNs
	return true
}

// severityOf returns the rule's configured severity, escalated one band if
// the candidate's value clears EscalateFactor times threshold.
func (e *Engine) severityOf(r Rule, c candidate) alerts.Severity {
	sev := r.Severity()
	threshold := r.Threshold
	if r.Kind == MemGrowth {
		threshold = r.RateBytesPerSec
	}
	if threshold > 0 && c.value >= threshold*EscalateFactor {
		return sev.Escalate()
	}
	return sev
}

func (e *Engine) buildAlert(r Rule, c candidate, nowNs uint64) alerts.Alert {
	return alerts.Alert{
		ID:          ulid.NewString(time.Unix(0, int64(nowNs))),
		TsNs:        nowNs,
		RuleID:      r.ID,
		Severity:    e.severityOf(r, c),
		SubjectPid:  c.subjectPid,
		SubjectPpid: c.subjectPpid,
		Message:     renderMessage(r, c),
		Evidence: alerts.Evidence{
			Counts:        c.counts,
			TopOffenders:  c.offenders,
			WindowSeconds: r.WindowSeconds,
		},
	}
}

// renderMessage fills {{subject}} and {{value}} placeholders in the rule's
// message template; unknown placeholders are left untouched.
func renderMessage(r Rule, c candidate) string {
	msg := r.MessageTemplate
	if msg == "" {
		msg = fmt.Sprintf("%s fired for %s", r.ID, c.subjectKey)
	}
	msg = strings.ReplaceAll(msg, "{{subject}}", c.subjectKey)
	msg = strings.ReplaceAll(msg, "{{value}}", fmt.Sprintf("%.2f", c.value))
	return msg
}
