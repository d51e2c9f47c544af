package nitra

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventKind identifies the category of a recorded ProfileEvent. Grounded on
// original_source/src/Profiler.cc's per-event-type subclasses of
// ProfileEvent; Go favors one tagged struct over a class per event.
type EventKind string

const (
	EventChannelActivated          EventKind = "channel.activated"
	EventChannelClosed             EventKind = "channel.closed"
	EventChannelWaitedReadable     EventKind = "channel.read.waited"
	EventChannelBecameReadable     EventKind = "channel.read.became_readable"
	EventChannelTimedOutReading    EventKind = "channel.read.timed_out"
	EventChannelReading            EventKind = "channel.read.reading"
	EventChannelWaitedWritable     EventKind = "channel.write.waited"
	EventChannelBecameWritable     EventKind = "channel.write.became_writable"
	EventChannelTimedOutWriting    EventKind = "channel.write.timed_out"
	EventChannelWriting            EventKind = "channel.write.writing"
	EventChannelWroteFullResponse  EventKind = "channel.write.complete"
	EventOrchestratorSignalled     EventKind = "orchestrator.signalled"
	EventOrchestratorWaiting       EventKind = "orchestrator.waiting"
	EventOrchestratorWokeUp        EventKind = "orchestrator.woke_up"
	EventOrchestratorCapturedTasks EventKind = "orchestrator.captured_tasks"
	EventPollerDispatched          EventKind = "poller.dispatched"
	EventSocketQueued              EventKind = "acceptor.socket_queued"
	EventSocketDequeued            EventKind = "acceptor.socket_dequeued"
	EventSocketAccepted            EventKind = "acceptor.socket_accepted"
	EventSocketRejected            EventKind = "acceptor.socket_rejected"
)

// ProfileEvent is a single timestamped occurrence recorded by the Profiler.
// Source names the component that recorded it (e.g. "Channel",
// "Orchestrator"); Summary is a short human-readable description.
type ProfileEvent struct {
	Kind      EventKind
	Source    string
	Summary   string
	Timestamp time.Time
}

// ProfileEventReader consumes events one at a time, the Go analogue of the
// source's ProfileEventReader visitor. Visit feeds every event in a Profile
// to Read in recorded order.
type ProfileEventReader interface {
	Read(ProfileEvent)
}

// ProfileEventReaderFunc adapts a plain function to a ProfileEventReader.
type ProfileEventReaderFunc func(ProfileEvent)

func (f ProfileEventReaderFunc) Read(e ProfileEvent) { f(e) }

// Profiler is a process-wide, lock-guarded append-only event log. It is
// disabled (a no-op) until Enable is called, matching the source's
// Profiler::_enabled gate so that profiling has zero cost when unused.
type Profiler struct {
	mu        sync.Mutex
	enabled   bool
	events    []ProfileEvent
	start     time.Time
	now       func() time.Time
	latencies map[string]*latencyTracker
}

// NewProfiler creates a disabled Profiler. Call Enable to begin recording.
func NewProfiler() *Profiler {
	return &Profiler{now: time.Now}
}

// Enable begins recording and resets the start-of-profile time point.
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
	p.events = nil
	p.start = p.now()
}

// Disable stops recording without discarding the events already collected.
func (p *Profiler) Disable() {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
}

// Record appends a new event if the profiler is enabled; otherwise it is a
// cheap no-op.
func (p *Profiler) Record(kind EventKind, source, summary string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	p.events = append(p.events, ProfileEvent{
		Kind:      kind,
		Source:    source,
		Summary:   summary,
		Timestamp: p.now(),
	})
}

// RecordLatency adds a latency sample to the named series (e.g.
// "response.flush"), tracking P50/P90/P99 via a streaming P-square
// estimator. A nil Profiler or a disabled one is a no-op.
func (p *Profiler) RecordLatency(series string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	if p.latencies == nil {
		p.latencies = make(map[string]*latencyTracker)
	}
	t, ok := p.latencies[series]
	if !ok {
		t = newLatencyTracker()
		p.latencies[series] = t
	}
	t.observe(d.Seconds())
}

// Snapshot captures an immutable Profile over the events and latency
// samples recorded so far.
func (p *Profiler) Snapshot() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := make([]ProfileEvent, len(p.events))
	copy(events, p.events)

	end := p.now()
	if len(events) > 0 {
		end = events[len(events)-1].Timestamp
	}

	latencies := make(map[string]latencySnapshot, len(p.latencies))
	for series, t := range p.latencies {
		latencies[series] = latencySnapshot{
			count: t.count,
			mean:  t.sum / float64(max(t.count, 1)),
			p50:   t.p50.Quantile(),
			p90:   t.p90.Quantile(),
			p99:   t.p99.Quantile(),
			max:   t.max,
		}
	}

	return Profile{events: events, start: p.start, end: end, latencies: latencies}
}

// latencySnapshot is an immutable view over one latencyTracker, all
// durations expressed in seconds (matching time.Duration.Seconds).
type latencySnapshot struct {
	count             int
	mean, p50, p90, p99, max float64
}

// Profile is a point-in-time, read-only view over a recorded event log.
// Grounded on original_source/src/Profiler.cc's Profile class.
type Profile struct {
	events    []ProfileEvent
	start     time.Time
	end       time.Time
	latencies map[string]latencySnapshot
}

// Visit feeds every event, in recorded order, to reader.
func (p Profile) Visit(reader ProfileEventReader) {
	for _, e := range p.events {
		reader.Read(e)
	}
}

// Duration is the elapsed time the profile spans.
func (p Profile) Duration() time.Duration { return p.end.Sub(p.start) }

// Count returns the number of recorded events of the given kind.
func (p Profile) Count(kind EventKind) uint64 {
	var n uint64
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Rate returns Count(kind) divided by the profile's duration in seconds.
func (p Profile) Rate(kind EventKind) float64 {
	seconds := p.Duration().Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(p.Count(kind)) / seconds
}

// LatencyPercentile returns the estimated pXX (50, 90, or 99) for series, or
// zero if no samples were recorded for it. Any other percentile argument
// returns zero: only the three tracked by RecordLatency are available.
func (p Profile) LatencyPercentile(series string, percentile int) time.Duration {
	s, ok := p.latencies[series]
	if !ok {
		return 0
	}
	switch percentile {
	case 50:
		return time.Duration(s.p50 * float64(time.Second))
	case 90:
		return time.Duration(s.p90 * float64(time.Second))
	case 99:
		return time.Duration(s.p99 * float64(time.Second))
	default:
		return 0
	}
}

// LatencyCount returns the number of samples recorded for series.
func (p Profile) LatencyCount(series string) int {
	return p.latencies[series].count
}

// activityUpTime sums, for each begin event after at least one prior end
// event, the gap since that last end event: how long the activity spent
// "up" waiting to start again. Grounded on original_source/src/Profiler.cc's
// ActivityCalculator<Begin,End>::GetUpTime.
func (p Profile) activityUpTime(begin, end EventKind) time.Duration {
	var total time.Duration
	var lastEnd time.Time
	seenEnd := false
	for _, e := range p.events {
		switch e.Kind {
		case end:
			lastEnd = e.Timestamp
			seenEnd = true
		case begin:
			if seenEnd {
				total += e.Timestamp.Sub(lastEnd)
			}
		}
	}
	return total
}

// activityIdleTime sums, for each end event after at least one prior begin
// event, the gap since that last begin event: how long the activity spent
// running before it ended. Grounded on original_source/src/Profiler.cc's
// ActivityCalculator<Begin,End>::GetIdleTime.
func (p Profile) activityIdleTime(begin, end EventKind) time.Duration {
	var total time.Duration
	var lastBegin time.Time
	seenBegin := false
	for _, e := range p.events {
		switch e.Kind {
		case begin:
			lastBegin = e.Timestamp
			seenBegin = true
		case end:
			if seenBegin {
				total += e.Timestamp.Sub(lastBegin)
			}
		}
	}
	return total
}

// OrchestratorUpTime returns the total time the orchestrator spent working
// between waking up and going back to wait: the sum of each
// OrchestratorWaiting-to-previous-OrchestratorWokeUp gap. Grounded on
// original_source/src/Profiler.cc's GetOrchestratorUpTime.
func (p Profile) OrchestratorUpTime() time.Duration {
	return p.activityUpTime(EventOrchestratorWaiting, EventOrchestratorWokeUp)
}

// OrchestratorIdleTime returns the total time the orchestrator spent
// waiting to wake up: the sum of each
// OrchestratorWokeUp-to-previous-OrchestratorWaiting gap. Grounded on
// original_source/src/Profiler.cc's GetOrchestratorIdleTime.
func (p Profile) OrchestratorIdleTime() time.Duration {
	return p.activityIdleTime(EventOrchestratorWaiting, EventOrchestratorWokeUp)
}

// summaryRow is one line of Profile.Summary's report, grouping a
// human-readable label with the EventKind whose count/rate it shows.
type summaryRow struct {
	label string
	kind  EventKind
}

var summaryRows = []summaryRow{
	{"[Channel] # Activated", EventChannelActivated},
	{"[Channel] # Closed", EventChannelClosed},
	{"[Channel::Read] # Waited for Readability", EventChannelWaitedReadable},
	{"[Channel::Read] # Became Readable", EventChannelBecameReadable},
	{"[Channel::Read] # Timed Out on Reading", EventChannelTimedOutReading},
	{"[Channel::Read] # Reading", EventChannelReading},
	{"[Channel::Write] # Waited for Writability", EventChannelWaitedWritable},
	{"[Channel::Write] # Became Writable", EventChannelBecameWritable},
	{"[Channel::Write] # Timed Out on Writing", EventChannelTimedOutWriting},
	{"[Channel::Write] # Writing", EventChannelWriting},
	{"[Channel::Write] # Wrote Full Response", EventChannelWroteFullResponse},
	{"[Orchestrator] # Signalled", EventOrchestratorSignalled},
	{"[Orchestrator] # Waiting", EventOrchestratorWaiting},
	{"[Orchestrator] # Woke Up", EventOrchestratorWokeUp},
	{"[Orchestrator] # Times Captured Tasks", EventOrchestratorCapturedTasks},
	{"[Poller] # Events Dispatched", EventPollerDispatched},
	{"[Acceptor] # Sockets Queued", EventSocketQueued},
	{"[Acceptor] # Sockets Dequeued", EventSocketDequeued},
	{"[Acceptor] # Sockets Accepted", EventSocketAccepted},
	{"[Acceptor] # Sockets Rejected (rate limited)", EventSocketRejected},
}

// Summary renders a human-readable report equivalent to the source's
// Profile::GetSummary, one line per tracked event kind plus its rate.
func (p Profile) Summary() string {
	var b strings.Builder
	b.WriteString("Profile Summary\n")
	b.WriteString("===============\n")
	fmt.Fprintf(&b, "[General] Duration: %.3f seconds\n", p.Duration().Seconds())
	for _, row := range summaryRows {
		fmt.Fprintf(&b, "%s: %d (%.2f/sec)\n", row.label, p.Count(row.kind), p.Rate(row.kind))
	}
	fmt.Fprintf(&b, "[Orchestrator] Up Time: %s\n", p.OrchestratorUpTime())
	fmt.Fprintf(&b, "[Orchestrator] Idle Time: %s\n", p.OrchestratorIdleTime())
	for series, s := range p.latencies {
		fmt.Fprintf(&b, "[Latency] %s: n=%d p50=%s p90=%s p99=%s max=%s\n",
			series, s.count,
			time.Duration(s.p50*float64(time.Second)),
			time.Duration(s.p90*float64(time.Second)),
			time.Duration(s.p99*float64(time.Second)),
			time.Duration(s.max*float64(time.Second)),
		)
	}
	return b.String()
}
