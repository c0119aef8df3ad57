package engine

import (
	"sync"
	"time"

	"github.com/enpowerstack/rulesrv/internal/action"
)

// Record is the audit entry for one evaluation attempt. Appended
// unconditionally, including NotTriggered and Failed outcomes.
type Record struct {
	ExecutionID     string          `json:"execution_id"`
	RuleID          string          `json:"rule_id"`
	Triggered       bool            `json:"triggered"`
	ConditionResult bool            `json:"condition_result"`
	Actions         []action.Result `json:"actions_executed,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	Timestamp       time.Time       `json:"timestamp"`
	Error           string          `json:"error,omitempty"`
}

// History keeps a bounded FIFO of records per rule plus firing stats for
// the rule detail endpoint.
type History struct {
	mu    sync.Mutex
	limit int
	rules map[string]*ruleHistory
}

type ruleHistory struct {
	records       []Record
	triggerCount  int64
	lastTriggered time.Time
}

// NewHistory creates a history keeping at most limit records per rule.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 100
	}
	return &History{limit: limit, rules: make(map[string]*ruleHistory)}
}

// Append records an outcome, evicting the oldest record once the per-rule
// bound is reached.
func (h *History) Append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.rules[rec.RuleID]
	if rh == nil {
		rh = &ruleHistory{}
		h.rules[rec.RuleID] = rh
	}
	if len(rh.records) >= h.limit {
		copy(rh.records, rh.records[1:])
		rh.records = rh.records[:len(rh.records)-1]
	}
	rh.records = append(rh.records, rec)
	if rec.Triggered {
		rh.triggerCount++
		if rec.Timestamp.After(rh.lastTriggered) {
			rh.lastTriggered = rec.Timestamp
		}
	}
}

// Query returns records in the time window, newest first.
func (h *History) Query(ruleID string, start, end time.Time, limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.rules[ruleID]
	if rh == nil {
		return nil
	}
	var out []Record
	for i := len(rh.records) - 1; i >= 0; i-- {
		rec := rh.records[i]
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns the firing count and last firing time for a rule.
func (h *History) Stats(ruleID string) (int64, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rh := h.rules[ruleID]
	if rh == nil {
		return 0, time.Time{}
	}
	return rh.triggerCount, rh.lastTriggered
}

// Purge drops all state for a deleted rule.
func (h *History) Purge(ruleID string) {
	h.mu.Lock()
	delete(h.rules, ruleID)
	h.mu.Unlock()
}
