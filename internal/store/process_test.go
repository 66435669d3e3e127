package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnixhq/linnixd/internal/kernel"
)

func newTestStore() *Store {
	return New(200*time.Millisecond, 60*time.Second, 64, 10000, nil)
}

func TestForkThenExecThenExit(t *testing.T) {
	s := newTestStore()
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 10, Tgid: 10, Ppid: 1, Comm: "sh"})
	p, ok := s.Get(10)
	require.True(t, ok)
	assert.Equal(t, Live, p.State)
	assert.Equal(t, "sh", p.Comm)

	s.Apply(kernel.Event{Kind: kernel.EventExec, TsNs: 2, Pid: 10, Tgid: 10, Ppid: 1, Comm: "bash"})
	p, _ = s.Get(10)
	assert.Equal(t, "bash", p.Comm)

	code := int32(0)
	s.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 3, Pid: 10, Tgid: 10, Ppid: 1, Comm: "bash", ExitCode: &code})
	p, _ = s.Get(10)
	assert.Equal(t, Exited, p.State)
}

func TestExecWithoutPriorForkIsRepairedAndCounted(t *testing.T) {
	s := newTestStore()
	s.Apply(kernel.Event{Kind: kernel.EventExec, TsNs: 1, Pid: 99, Tgid: 99, Ppid: 1, Comm: "orphan"})
	p, ok := s.Get(99)
	require.True(t, ok)
	assert.Equal(t, "orphan", p.Comm)
	assert.Equal(t, uint64(1), s.Counters.StoreInvariantViolations.Load())
}

func TestCPUNsTotalMonotonicAcrossPidReuse(t *testing.T) {
	s := newTestStore()
	delta1 := uint64(1_000_000_000)
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 500, Tgid: 500, Ppid: 1, Comm: "old"})
	s.Apply(kernel.Event{Kind: kernel.EventCPUSample, TsNs: 2, Pid: 500, CPUNsDelta: &delta1})

	code := int32(0)
	s.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 3, Pid: 500, ExitCode: &code})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 4, Pid: 500, Tgid: 500, Ppid: 1, Comm: "new"})

	delta2 := uint64(100_000_000)
	s.Apply(kernel.Event{Kind: kernel.EventCPUSample, TsNs: 5, Pid: 500, CPUNsDelta: &delta2})

	p, ok := s.Get(500)
	require.True(t, ok)
	assert.Equal(t, delta2, p.CPUNsTotal)
	assert.Equal(t, uint64(1), s.Counters.PidReuseTotal.Load())
}

func TestLineageAndDescendants(t *testing.T) {
	s := newTestStore()
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 100, Ppid: 1, Comm: "root"})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 2, Pid: 200, Ppid: 100, Comm: "mid"})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 3, Pid: 201, Ppid: 200, Comm: "leaf"})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 4, Pid: 202, Ppid: 201, Comm: "leafer"})

	lin := s.Lineage(202)
	assert.Equal(t, []uint32{201, 200, 100}, lin.Chain)
	assert.False(t, lin.Truncated)

	desc := s.Descendants(100)
	assert.ElementsMatch(t, []uint32{200, 201, 202}, desc.Pids)
	assert.False(t, desc.Truncated)
}

func TestLineageGapCounted(t *testing.T) {
	s := newTestStore()
	s.Apply(kernel.Event{Kind: kernel.EventExec, TsNs: 1, Pid: 5, Ppid: 999, Comm: "x"})
	lin := s.Lineage(5)
	assert.True(t, lin.Truncated)
	assert.Equal(t, uint64(1), s.Counters.LineageGapsTotal.Load())
}

func TestGCPreservesLineageClosure(t *testing.T) {
	s := newTestStore()
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 1, Pid: 1, Ppid: 0, Comm: "init"})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 2, Pid: 2, Ppid: 1, Comm: "mid"})
	s.Apply(kernel.Event{Kind: kernel.EventFork, TsNs: 3, Pid: 3, Ppid: 2, Comm: "leaf"})

	code := int32(0)
	s.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 4, Pid: 2, ExitCode: &code})

	removed := s.GC(uint64((61 * time.Second).Nanoseconds()) + 4)
	assert.Equal(t, 1, removed)

	lin := s.Lineage(3)
	assert.Equal(t, []uint32{1}, lin.Chain)
}

func TestSweepPendingDiscardsUnmatchedExit(t *testing.T) {
	s := newTestStore()
	code := int32(0)
	s.Apply(kernel.Event{Kind: kernel.EventExit, TsNs: 1, Pid: 7, ExitCode: &code})
	s.SweepPending(time.Now().Add(time.Second))
	assert.Equal(t, uint64(1), s.Counters.StoreInvariantViolations.Load())
}

func TestParseProcStat(t *testing.T) {
	comm, ppid, ok := parseProcStat("1234 (my proc) S 1 1234 1234 0 -1 4194304")
	require.True(t, ok)
	assert.Equal(t, "my proc", comm)
	assert.Equal(t, uint32(1), ppid)
}
