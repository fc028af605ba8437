package observability

import (
	"sync"
	"time"
)

// EventType names an execution lifecycle event.
type EventType string

const (
	EventExecutionStart    EventType = "execution.start"
	EventExecutionEnd      EventType = "execution.end"
	EventSecurityRejection EventType = "execution.rejected"
	EventFallback          EventType = "execution.fallback"
	EventEmergencyStop     EventType = "execution.emergency_stop"
)

// Event is one entry in the execution timeline.
type Event struct {
	Type        EventType     `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
	ExecutionID string        `json:"execution_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Agent       string        `json:"agent,omitempty"`
	Backend     string        `json:"backend,omitempty"`
	Kind        string        `json:"kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// EventLog keeps the most recent events in a fixed-size ring. It is safe for
// concurrent use.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewEventLog creates a log holding up to size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 256
	}
	return &EventLog{events: make([]Event, size)}
}

// Record appends an event, overwriting the oldest once the log is full.
func (l *EventLog) Record(e Event) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to limit events, newest first. A limit <= 0 returns all.
func (l *EventLog) Recent(limit int) []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.events)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}

// BySession returns the retained events for sessionID, oldest first.
func (l *EventLog) BySession(sessionID string) []Event {
	recent := l.Recent(0)
	var out []Event
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].SessionID == sessionID {
			out = append(out, recent[i])
		}
	}
	return out
}
