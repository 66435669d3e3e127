package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/kernel"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/window"
)

func sec(s float64) uint64 { return uint64(s * 1e9) }

func newTestEngine(rs []Rule) (*Engine, *window.Window, *store.Store) {
	w := window.New(time.Minute, 100000)
	st := store.New(2*time.Second, time.Minute, 64, 10000, nil)
	return NewEngine(w, st, 1, rs), w, st
}

func TestForkBurstFiresAndCoolsDown(t *testing.T) {
	rs := []Rule{{ID: "burst", Kind: ForkBurst, Threshold: 3, WindowSeconds: 5, CooldownSeconds: 10, MinSeverity: "High"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	for i := uint32(1); i <= 4; i++ {
		w.Append(window.Projection{TsNs: sec(1), Pid: i, Kind: kernel.EventFork})
	}
	e.Evaluate(sec(1))
	require.Len(t, got, 1)
	assert.Equal(t, "burst", got[0].RuleID)
	assert.Equal(t, alerts.High, got[0].Severity)

	// Second evaluation within cooldown window must not re-fire.
	e.Evaluate(sec(2))
	assert.Len(t, got, 1)
}

func TestSeverityEscalatesPastDoubleThreshold(t *testing.T) {
	rs := []Rule{{ID: "burst", Kind: ForkBurst, Threshold: 2, WindowSeconds: 5, CooldownSeconds: 10, MinSeverity: "Medium"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	for i := uint32(1); i <= 5; i++ {
		w.Append(window.Projection{TsNs: sec(1), Pid: i, Kind: kernel.EventFork})
	}
	e.Evaluate(sec(1))
	require.Len(t, got, 1)
	assert.Equal(t, alerts.High, got[0].Severity)
}

func TestCooldownIsPerSubjectKey(t *testing.T) {
	rs := []Rule{{ID: "forkrate", Kind: ForkRate, Threshold: 0.1, WindowSeconds: 5, CooldownSeconds: 10, GroupBy: GroupPPID, MinSeverity: "Info"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 10, Ppid: 100, Kind: kernel.EventFork})
	w.Append(window.Projection{TsNs: sec(1), Pid: 20, Ppid: 200, Kind: kernel.EventFork})
	e.Evaluate(sec(1))
	assert.Len(t, got, 2)
}

func TestHotReloadCarriesOverCooldownForPreservedRuleID(t *testing.T) {
	rs := []Rule{{ID: "burst", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 100, MinSeverity: "Info"}}
	e, w, _ := newTestEngine(rs)
	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 1, Kind: kernel.EventFork})
	e.Evaluate(sec(1))
	require.Len(t, got, 1)

	// Reload with the same rule id: cooldown state must persist.
	e.SetRules([]Rule{{ID: "burst", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 100, MinSeverity: "Info"}})
	w.Append(window.Projection{TsNs: sec(2), Pid: 2, Kind: kernel.EventFork})
	e.Evaluate(sec(2))
	assert.Len(t, got, 1, "cooldown should have been carried over across reload")
}

func TestHotReloadDiscardsStateForRemovedRuleID(t *testing.T) {
	rs := []Rule{{ID: "burst", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 100, MinSeverity: "Info"}}
	e, w, _ := newTestEngine(rs)
	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 1, Kind: kernel.EventFork})
	e.Evaluate(sec(1))
	require.Len(t, got, 1)

	e.SetRules([]Rule{{ID: "burst2", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 100, MinSeverity: "Info"}})
	w.Append(window.Projection{TsNs: sec(2), Pid: 2, Kind: kernel.EventFork})
	e.Evaluate(sec(2))
	require.Len(t, got, 2)
	assert.Equal(t, "burst2", got[1].RuleID)
}

func TestTieBreakOrdersHigherSeverityFirstThenRuleID(t *testing.T) {
	rs := []Rule{
		{ID: "zzz_low", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 10, MinSeverity: "Info"},
		{ID: "aaa_high", Kind: ForkRate, Threshold: 0.1, WindowSeconds: 5, CooldownSeconds: 10, GroupBy: GroupGlobal, MinSeverity: "Critical"},
	}
	e, w, _ := newTestEngine(rs)
	var order []string
	e.SetOnFire(func(a alerts.Alert) { order = append(order, a.RuleID) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 1, Kind: kernel.EventFork})
	e.Evaluate(sec(1))
	require.Len(t, order, 2)
	assert.Equal(t, "aaa_high", order[0])
	assert.Equal(t, "zzz_low", order[1])
}

func TestRunawayTreeCountsDescendantForks(t *testing.T) {
	rs := []Rule{{ID: "runaway", Kind: RunawayTree, Threshold: 2, WindowSeconds: 5, CooldownSeconds: 10, MinSeverity: "High"}}
	e, w, st := newTestEngine(rs)

	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: sec(1), Pid: 1, Ppid: 0, Comm: "root"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: sec(1), Pid: 2, Ppid: 1, Comm: "child"})

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 3, Ppid: 2, Kind: kernel.EventFork})
	w.Append(window.Projection{TsNs: sec(1), Pid: 4, Ppid: 2, Kind: kernel.EventFork})
	e.Evaluate(sec(1))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].SubjectPpid)
	assert.Equal(t, uint32(1), *got[0].SubjectPpid)
}

func TestMemGrowthFiresOnSlopeAndFloor(t *testing.T) {
	rs := []Rule{{ID: "memgrowth", Kind: MemGrowth, WindowSeconds: 5, CooldownSeconds: 10, RateBytesPerSec: 1000, RSSFloorBytes: 5000, MinSeverity: "Medium"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 9, Kind: kernel.EventRSSSample, Value: 1000})
	w.Append(window.Projection{TsNs: sec(3), Pid: 9, Kind: kernel.EventRSSSample, Value: 6000})
	e.Evaluate(sec(3))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].SubjectPid)
	assert.Equal(t, uint32(9), *got[0].SubjectPid)
}

func TestMemGrowthSkipsBelowFloor(t *testing.T) {
	rs := []Rule{{ID: "memgrowth", Kind: MemGrowth, WindowSeconds: 5, CooldownSeconds: 10, RateBytesPerSec: 100, RSSFloorBytes: 50000, MinSeverity: "Medium"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 9, Kind: kernel.EventRSSSample, Value: 100})
	w.Append(window.Projection{TsNs: sec(3), Pid: 9, Kind: kernel.EventRSSSample, Value: 1000})
	e.Evaluate(sec(3))

	assert.Empty(t, got)
}

func TestExecRateFiresPerPpidGroup(t *testing.T) {
	rs := []Rule{{ID: "execrate", Kind: ExecRate, Threshold: 0.3, WindowSeconds: 5, CooldownSeconds: 10, GroupBy: GroupPPID, MinSeverity: "Medium"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	w.Append(window.Projection{TsNs: sec(1), Pid: 10, Ppid: 100, Kind: kernel.EventExec})
	w.Append(window.Projection{TsNs: sec(1), Pid: 11, Ppid: 100, Kind: kernel.EventExec})
	w.Append(window.Projection{TsNs: sec(1), Pid: 20, Ppid: 200, Kind: kernel.EventFork})
	e.Evaluate(sec(1))

	require.Len(t, got, 1)
	assert.Equal(t, "execrate", got[0].RuleID)
	require.NotNil(t, got[0].SubjectPpid)
	assert.Equal(t, uint32(100), *got[0].SubjectPpid)
}

func TestEvidenceBoundsTopOffendersToFive(t *testing.T) {
	rs := []Rule{{ID: "burst", Kind: ForkBurst, Threshold: 1, WindowSeconds: 5, CooldownSeconds: 10, MinSeverity: "Info"}}
	e, w, _ := newTestEngine(rs)

	var got []alerts.Alert
	e.SetOnFire(func(a alerts.Alert) { got = append(got, a) })

	for i := uint32(1); i <= 9; i++ {
		w.Append(window.Projection{TsNs: sec(1), Pid: i, Kind: kernel.EventFork})
	}
	e.Evaluate(sec(1))

	require.Len(t, got, 1)
	assert.LessOrEqual(t, len(got[0].Evidence.TopOffenders), 5)
}
