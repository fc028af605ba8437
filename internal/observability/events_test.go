package observability

import (
	"sync"
	"testing"
)

func TestEventLogRecent(t *testing.T) {
	log := NewEventLog(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		log.Record(Event{Type: EventExecutionEnd, ExecutionID: id})
	}

	recent := log.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	want := []string{"d", "c", "b"}
	for i, e := range recent {
		if e.ExecutionID != want[i] {
			t.Errorf("recent[%d] = %s, want %s", i, e.ExecutionID, want[i])
		}
		if e.Timestamp.IsZero() {
			t.Errorf("recent[%d] has no timestamp", i)
		}
	}
	if got := log.Recent(1); len(got) != 1 || got[0].ExecutionID != "d" {
		t.Fatalf("Recent(1) = %+v", got)
	}
}

func TestEventLogBySession(t *testing.T) {
	log := NewEventLog(10)
	log.Record(Event{Type: EventExecutionStart, SessionID: "s1", ExecutionID: "1"})
	log.Record(Event{Type: EventExecutionStart, SessionID: "s2", ExecutionID: "2"})
	log.Record(Event{Type: EventExecutionEnd, SessionID: "s1", ExecutionID: "1"})

	events := log.BySession("s1")
	if len(events) != 2 || events[0].Type != EventExecutionStart || events[1].Type != EventExecutionEnd {
		t.Fatalf("events = %+v", events)
	}
}

func TestEventLogConcurrent(t *testing.T) {
	log := NewEventLog(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				log.Record(Event{Type: EventExecutionEnd})
				_ = log.Recent(5)
			}
		}()
	}
	wg.Wait()
	if len(log.Recent(0)) != 64 {
		t.Fatalf("len = %d, want 64", len(log.Recent(0)))
	}
}

func TestNilEventLog(t *testing.T) {
	var log *EventLog
	log.Record(Event{})
	if log.Recent(1) != nil {
		t.Fatal("nil log should return nil")
	}
}
