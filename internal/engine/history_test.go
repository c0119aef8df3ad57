package engine

import (
	"fmt"
	"testing"
	"time"
)

func TestHistoryBoundedPerRule(t *testing.T) {
	h := NewHistory(3)

	for i := 0; i < 5; i++ {
		h.Append(Record{
			ExecutionID: fmt.Sprintf("e%d", i),
			RuleID:      "r1",
			Timestamp:   time.Now(),
		})
	}

	recs := h.Query("r1", time.Time{}, time.Time{}, 0)
	if len(recs) != 3 {
		t.Fatalf("history holds %d records, want 3", len(recs))
	}
	// Newest first; the two oldest were evicted.
	if recs[0].ExecutionID != "e4" || recs[2].ExecutionID != "e2" {
		t.Errorf("records = %v, %v, %v", recs[0].ExecutionID, recs[1].ExecutionID, recs[2].ExecutionID)
	}
}

func TestHistoryQueryWindow(t *testing.T) {
	h := NewHistory(10)
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h.Append(Record{
			ExecutionID: fmt.Sprintf("e%d", i),
			RuleID:      "r1",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
	}

	recs := h.Query("r1", base.Add(time.Minute), base.Add(3*time.Minute), 0)
	if len(recs) != 3 {
		t.Fatalf("window returned %d records, want 3", len(recs))
	}
	if recs[0].ExecutionID != "e3" || recs[2].ExecutionID != "e1" {
		t.Errorf("window = %v .. %v", recs[0].ExecutionID, recs[2].ExecutionID)
	}

	limited := h.Query("r1", time.Time{}, time.Time{}, 2)
	if len(limited) != 2 || limited[0].ExecutionID != "e4" {
		t.Errorf("limited query = %v", limited)
	}
}

func TestHistoryStats(t *testing.T) {
	h := NewHistory(10)
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	h.Append(Record{RuleID: "r1", Triggered: true, Timestamp: base})
	h.Append(Record{RuleID: "r1", Triggered: false, Timestamp: base.Add(time.Minute)})
	h.Append(Record{RuleID: "r1", Triggered: true, Timestamp: base.Add(2 * time.Minute)})

	count, last := h.Stats("r1")
	if count != 2 {
		t.Errorf("trigger count = %d, want 2", count)
	}
	if !last.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("last triggered = %v", last)
	}

	count, last = h.Stats("unknown")
	if count != 0 || !last.IsZero() {
		t.Errorf("unknown rule stats = %d, %v", count, last)
	}
}

func TestHistoryPurge(t *testing.T) {
	h := NewHistory(10)
	h.Append(Record{RuleID: "r1", Triggered: true, Timestamp: time.Now()})
	h.Purge("r1")

	if recs := h.Query("r1", time.Time{}, time.Time{}, 0); len(recs) != 0 {
		t.Errorf("purged rule still has %d records", len(recs))
	}
	if count, _ := h.Stats("r1"); count != 0 {
		t.Errorf("purged rule still has stats: %d", count)
	}
}

func TestCooldownTracker(t *testing.T) {
	c := newCooldownTracker()
	now := time.Now()

	if !c.eligible("r1", time.Minute, now) {
		t.Fatal("fresh rule should be eligible")
	}
	if !c.markFired("r1", time.Minute, now, false) {
		t.Fatal("first markFired should succeed")
	}
	if c.markFired("r1", time.Minute, now.Add(30*time.Second), false) {
		t.Error("markFired inside the window should fail")
	}
	if c.eligible("r1", time.Minute, now.Add(30*time.Second)) {
		t.Error("rule inside the window should be ineligible")
	}
	if !c.markFired("r1", time.Minute, now.Add(61*time.Second), false) {
		t.Error("markFired after the window should succeed")
	}

	if !c.markFired("r2", 0, now, false) {
		t.Error("zero cooldown should always fire")
	}
	if !c.markFired("r2", 0, now, false) {
		t.Error("zero cooldown should always fire again")
	}

	// Force bypasses the check but still restarts the window.
	if !c.markFired("r1", time.Minute, now.Add(70*time.Second), true) {
		t.Error("forced markFired should succeed")
	}
	if c.eligible("r1", time.Minute, now.Add(80*time.Second)) {
		t.Error("forced firing should restart the cooldown window")
	}
}
