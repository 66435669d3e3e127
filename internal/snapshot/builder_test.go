package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/kernel"
	"github.com/linnixhq/linnixd/internal/metrics"
	"github.com/linnixhq/linnixd/internal/rules"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/window"
)

func newTestBuilder() (*Builder, *store.Store, *window.Window, *alerts.Bus) {
	st := store.New(2*time.Second, time.Minute, 64, 10000, nil)
	w := window.New(time.Minute, 100000)
	bus := alerts.New(1024)
	eng := rules.NewEngine(w, st, 1, nil)
	m := metrics.New()
	return New(st, w, bus, eng, m, "test"), st, w, bus
}

func TestProcessesFiltersByState(t *testing.T) {
	b, st, _, _ := newTestBuilder()
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 1, Comm: "a"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 2, Comm: "b"})
	st.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 2, Pid: 2})

	live := b.Processes(ProcessListOptions{Filter: "state=LIVE"})
	require.Len(t, live, 1)
	assert.Equal(t, uint32(1), live[0].Pid)
}

func TestProcessesSortsDescByPid(t *testing.T) {
	b, st, _, _ := newTestBuilder()
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 1, Comm: "a"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 5, Comm: "b"})

	got := b.Processes(ProcessListOptions{Sort: "pid:desc"})
	require.Len(t, got, 2)
	assert.Equal(t, uint32(5), got[0].Pid)
	assert.Equal(t, uint32(1), got[1].Pid)
}

func TestProcessesRespectsLimit(t *testing.T) {
	b, st, _, _ := newTestBuilder()
	for i := uint32(1); i <= 5; i++ {
		st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: i, Comm: "a"})
	}
	got := b.Processes(ProcessListOptions{Limit: 2})
	assert.Len(t, got, 2)
}

func TestGraphReturnsLineageAndDescendants(t *testing.T) {
	b, st, _, _ := newTestBuilder()
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 1, Ppid: 0, Comm: "root"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 2, Ppid: 1, Comm: "child"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 3, Ppid: 2, Comm: "grandchild"})

	g := b.Graph(2)
	assert.Equal(t, []uint32{1}, g.Ancestors)
	assert.Equal(t, []uint32{3}, g.Descendants)
}

func TestSystemAggregatesLiveProcesses(t *testing.T) {
	b, st, _, _ := newTestBuilder()
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 1, Comm: "a"})
	st.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 2, Comm: "b"})
	st.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 2, Pid: 2})

	sys := b.System(3)
	assert.Equal(t, 2, sys.ProcessCount)
	assert.Equal(t, 1, sys.LiveCount)
}

func TestTimelineBoundsToLimit(t *testing.T) {
	b, _, _, bus := newTestBuilder()
	for i := 0; i < 5; i++ {
		bus.Publish(alerts.Alert{ID: string(rune('a' + i))})
	}
	got := b.Timeline(2)
	assert.Len(t, got, 2)
}

func TestStatusReportsUptimeAndProbes(t *testing.T) {
	b, _, _, _ := newTestBuilder()
	s := b.Status(3, 1)
	assert.Equal(t, "test", s.Version)
	assert.Equal(t, 3, s.ProbesAttached)
	assert.Equal(t, 1, s.ProbesSkipped)
}
