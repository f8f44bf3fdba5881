package engine

import (
	"sync"
	"time"
)

// EventKind classifies execution tracker entries.
type EventKind string

const (
	EventStepStart    EventKind = "step_start"
	EventStepComplete EventKind = "step_complete"
	EventStepFailed   EventKind = "step_failed"
	EventDecision     EventKind = "decision"       // conditional/while evaluated
	EventLoopIter     EventKind = "loop_iteration" // iteration start
	EventStateWrite   EventKind = "state_write"
	EventStatusChange EventKind = "status_change"
	EventSubAgent     EventKind = "sub_agent" // spawn/terminate/aggregate
	EventWarning      EventKind = "warning"
)

// Event is one execution tracker entry.
type Event struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"ts"`
	Kind    EventKind      `json:"kind"`
	StepID  string         `json:"step_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Tracker is a fixed-capacity ring buffer of execution events, one per
// instance. When full, the oldest events are dropped.
type Tracker struct {
	mu    sync.Mutex
	buf   []Event
	head  int // index of oldest event
	count int
	seq   uint64
}

// NewTracker allocates a tracker holding at most capacity events.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Tracker{buf: make([]Event, capacity)}
}

// Record appends an event, evicting the oldest when full.
func (t *Tracker) Record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if t.count < len(t.buf) {
		t.buf[(t.head+t.count)%len(t.buf)] = ev
		t.count++
		return
	}
	t.buf[t.head] = ev
	t.head = (t.head + 1) % len(t.buf)
}

// Warn records a warning event.
func (t *Tracker) Warn(stepID, message string, details map[string]any) {
	t.Record(Event{Kind: EventWarning, StepID: stepID, Message: message, Details: details})
}

// Events returns a copy of the buffered events, oldest first.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.buf[(t.head+i)%len(t.buf)]
	}
	return out
}

// Len reports the number of buffered events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
