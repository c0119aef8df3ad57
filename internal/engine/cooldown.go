package engine

import (
	"sync"
	"time"
)

// cooldownTracker keeps the last firing time per rule id. The mutex makes
// the check-and-set atomic so two concurrent evaluations cannot both pass
// the cooldown gate.
type cooldownTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{last: make(map[string]time.Time)}
}

// eligible is the read-only scheduler-side filter.
func (c *cooldownTracker) eligible(ruleID string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[ruleID]
	return !ok || !now.Before(last.Add(cooldown))
}

// markFired atomically re-checks eligibility and records the firing time.
// With force set, the check is skipped but the timestamp still advances.
func (c *cooldownTracker) markFired(ruleID string, cooldown time.Duration, now time.Time, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && cooldown > 0 {
		if last, ok := c.last[ruleID]; ok && now.Before(last.Add(cooldown)) {
			return false
		}
	}
	c.last[ruleID] = now
	return true
}

func (c *cooldownTracker) forget(ruleID string) {
	c.mu.Lock()
	delete(c.last, ruleID)
	c.mu.Unlock()
}
