package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncEventsUpdatesSnapshot(t *testing.T) {
	m := New()
	m.IncEvents("fork")
	m.IncEvents("fork")
	m.IncEvents("exit")

	snap := m.Snapshot()
	assert.Equal(t, float64(2), snap.EventsTotal["fork"])
	assert.Equal(t, float64(1), snap.EventsTotal["exit"])
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.IncLineageGaps()
	m.IncPidReuse()
	m.IncPidReuse()
	m.IncAlertsEmitted()

	snap := m.Snapshot()
	assert.Equal(t, float64(1), snap.LineageGapsTotal)
	assert.Equal(t, float64(2), snap.PidReuseTotal)
	assert.Equal(t, float64(1), snap.AlertsEmittedTotal)
}

func TestSetSelfResourceUsageRoundTrips(t *testing.T) {
	m := New()
	m.SetSelfResourceUsage(12.5, 1048576)

	snap := m.Snapshot()
	assert.Equal(t, 12.5, snap.SelfCPUSeconds)
	assert.Equal(t, float64(1048576), snap.SelfRSSBytes)
}

func TestSetProbeCounts(t *testing.T) {
	m := New()
	m.SetProbeCounts(3, 1)

	snap := m.Snapshot()
	assert.Equal(t, float64(3), snap.ProbesAttached)
	assert.Equal(t, float64(1), snap.ProbesSkipped)
}

func TestResourceCapDegradationCounters(t *testing.T) {
	m := New()
	m.IncWindowTrim()
	m.IncSamplingHalved()
	m.IncSamplingHalved()
	m.SetSamplingIntervalMs(2000)

	snap := m.Snapshot()
	assert.Equal(t, float64(1), snap.WindowTrimTotal)
	assert.Equal(t, float64(2), snap.SamplingHalvedTotal)
	assert.Equal(t, float64(2000), snap.SamplingIntervalMs)
}
