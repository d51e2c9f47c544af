package nitra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfilerDisabledByDefaultRecordsNothing(t *testing.T) {
	p := NewProfiler()
	p.Record(EventChannelActivated, "Channel", "activated")

	snap := p.Snapshot()
	assert.Equal(t, uint64(0), snap.Count(EventChannelActivated))
}

func TestProfilerNilReceiverRecordIsNoop(t *testing.T) {
	var p *Profiler
	assert.NotPanics(t, func() { p.Record(EventChannelActivated, "Channel", "activated") })
}

func TestProfilerEnableRecordsAndDisableStops(t *testing.T) {
	p := NewProfiler()
	p.Enable()

	p.Record(EventChannelActivated, "Channel", "activated")
	p.Record(EventChannelActivated, "Channel", "activated again")
	p.Record(EventChannelClosed, "Channel", "closed")

	p.Disable()
	p.Record(EventChannelActivated, "Channel", "after disable, should not count")

	snap := p.Snapshot()
	assert.Equal(t, uint64(2), snap.Count(EventChannelActivated))
	assert.Equal(t, uint64(1), snap.Count(EventChannelClosed))
	assert.Equal(t, uint64(0), snap.Count(EventSocketAccepted))
}

func TestProfilerEnableResetsPriorEvents(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.Record(EventChannelActivated, "Channel", "first epoch")
	p.Enable()

	snap := p.Snapshot()
	assert.Equal(t, uint64(0), snap.Count(EventChannelActivated))
}

func TestProfileVisitDeliversEventsInOrder(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.Record(EventChannelActivated, "Channel", "one")
	p.Record(EventChannelClosed, "Channel", "two")
	p.Record(EventSocketAccepted, "Acceptor", "three")

	snap := p.Snapshot()

	var kinds []EventKind
	snap.Visit(ProfileEventReaderFunc(func(e ProfileEvent) {
		kinds = append(kinds, e.Kind)
	}))

	assert.Equal(t, []EventKind{EventChannelActivated, EventChannelClosed, EventSocketAccepted}, kinds)
}

func TestProfileRateIsZeroForZeroDuration(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	snap := p.Snapshot()
	assert.Equal(t, float64(0), snap.Rate(EventChannelActivated))
}

func TestProfileRateReflectsCountOverDuration(t *testing.T) {
	fixed := time.Unix(0, 0)
	p := &Profiler{now: func() time.Time { return fixed }}
	p.Enable()

	fixed = fixed.Add(time.Second)
	p.Record(EventChannelActivated, "Channel", "one")
	fixed = fixed.Add(time.Second)
	p.Record(EventChannelActivated, "Channel", "two")

	snap := p.Snapshot()
	assert.Equal(t, 2*time.Second, snap.Duration())
	assert.Equal(t, uint64(2), snap.Count(EventChannelActivated))
	assert.InDelta(t, 1.0, snap.Rate(EventChannelActivated), 0.01)
}

func TestProfileOrchestratorUpAndIdleTime(t *testing.T) {
	fixed := time.Unix(0, 0)
	p := &Profiler{now: func() time.Time { return fixed }}
	p.Enable()

	// First Waiting has no prior WokeUp, so it contributes nothing to up-time.
	p.Record(EventOrchestratorWaiting, "Orchestrator", "waiting")

	fixed = fixed.Add(50 * time.Millisecond)
	p.Record(EventOrchestratorWokeUp, "Orchestrator", "woke up")

	fixed = fixed.Add(10 * time.Millisecond)
	p.Record(EventOrchestratorWaiting, "Orchestrator", "waiting")

	fixed = fixed.Add(20 * time.Millisecond)
	p.Record(EventOrchestratorWokeUp, "Orchestrator", "woke up")

	snap := p.Snapshot()
	// up-time: gap from the first WokeUp to the second Waiting = 10ms.
	assert.Equal(t, 10*time.Millisecond, snap.OrchestratorUpTime())
	// idle-time: gap from the first Waiting to the first WokeUp (50ms), plus
	// the gap from the second Waiting to the second WokeUp (20ms).
	assert.Equal(t, 70*time.Millisecond, snap.OrchestratorIdleTime())
}

func TestProfileOrchestratorUpAndIdleTimeWithNoEventsIsZero(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	snap := p.Snapshot()
	assert.Equal(t, time.Duration(0), snap.OrchestratorUpTime())
	assert.Equal(t, time.Duration(0), snap.OrchestratorIdleTime())
}

func TestProfileSummaryContainsEveryTrackedRow(t *testing.T) {
	p := NewProfiler()
	p.Enable()
	p.Record(EventChannelActivated, "Channel", "activated")

	summary := p.Snapshot().Summary()
	assert.Contains(t, summary, "Profile Summary")
	for _, row := range summaryRows {
		assert.Contains(t, summary, row.label)
	}
}
