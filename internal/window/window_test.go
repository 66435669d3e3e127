package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/linnixhq/linnixd/internal/kernel"
)

func ns(s float64) uint64 { return uint64(s * 1e9) }

func TestAppendAndQueryWithinWindow(t *testing.T) {
	w := New(5*time.Second, 1000)
	w.Append(Projection{TsNs: ns(1), Pid: 10, Kind: kernel.EventFork})
	w.Append(Projection{TsNs: ns(2), Pid: 11, Kind: kernel.EventFork})

	got := w.Query(0, ns(10), ByKind(kernel.EventFork))
	assert.Len(t, got, 2)
}

func TestEvictsEntriesOlderThanWindow(t *testing.T) {
	w := New(2*time.Second, 1000)
	w.Append(Projection{TsNs: ns(1), Pid: 1})
	w.Append(Projection{TsNs: ns(5), Pid: 2}) // advances the window past pid 1

	assert.Equal(t, 1, w.Len())
	got := w.Query(0, ns(10), nil)
	assert.Len(t, got, 1)
	assert.Equal(t, uint32(2), got[0].Pid)
}

func TestEvictsOldestAtEntryCap(t *testing.T) {
	w := New(time.Hour, 3)
	for i := uint64(0); i < 5; i++ {
		w.Append(Projection{TsNs: ns(float64(i) + 1), Pid: uint32(i)})
	}
	assert.Equal(t, 3, w.Len())
	got := w.Query(0, ns(100), nil)
	pids := make([]uint32, len(got))
	for i, p := range got {
		pids[i] = p.Pid
	}
	assert.Equal(t, []uint32{2, 3, 4}, pids)
}

func TestTickEvictsWithoutAppend(t *testing.T) {
	w := New(1*time.Second, 1000)
	w.Append(Projection{TsNs: ns(1), Pid: 1})
	w.Tick(ns(5))
	assert.Equal(t, 0, w.Len())
}

func TestByPpidPredicate(t *testing.T) {
	w := New(time.Hour, 1000)
	w.Append(Projection{TsNs: ns(1), Pid: 2, Ppid: 100})
	w.Append(Projection{TsNs: ns(2), Pid: 3, Ppid: 200})

	got := w.Query(0, ns(100), ByPpid(100))
	assert.Len(t, got, 1)
	assert.Equal(t, uint32(2), got[0].Pid)
}

func TestCountMatchesQueryLength(t *testing.T) {
	w := New(time.Hour, 1000)
	for i := 0; i < 10; i++ {
		w.Append(Projection{TsNs: ns(float64(i) + 1), Pid: uint32(i), Kind: kernel.EventFork})
	}
	assert.Equal(t, len(w.Query(0, ns(100), nil)), w.Count(0, ns(100), nil))
}

func TestReduceCapEvictsDownToNewCap(t *testing.T) {
	w := New(time.Hour, 10)
	for i := uint64(0); i < 10; i++ {
		w.Append(Projection{TsNs: ns(float64(i) + 1), Pid: uint32(i)})
	}
	assert.Equal(t, 10, w.Len())

	evicted := w.ReduceCap(0.5)
	assert.Equal(t, 5, evicted)
	assert.Equal(t, 5, w.Len())
	assert.Equal(t, 5, w.MaxEntries())

	got := w.Query(0, ns(100), nil)
	pids := make([]uint32, len(got))
	for i, p := range got {
		pids[i] = p.Pid
	}
	assert.Equal(t, []uint32{5, 6, 7, 8, 9}, pids)
}

func TestReduceCapNeverGoesBelowOne(t *testing.T) {
	w := New(time.Hour, 10)
	w.ReduceCap(0.0001)
	assert.Equal(t, 1, w.MaxEntries())
}

func TestReduceCapLowersSubsequentAppendCap(t *testing.T) {
	w := New(time.Hour, 4)
	w.ReduceCap(0.5) // cap now 2
	for i := uint64(0); i < 5; i++ {
		w.Append(Projection{TsNs: ns(float64(i) + 1), Pid: uint32(i)})
	}
	assert.Equal(t, 2, w.Len())
}
