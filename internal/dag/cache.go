package dag

import (
	"sync"

	"github.com/enpowerstack/rulesrv/internal/rule"
)

// Cache holds compiled plans keyed by rule id. A plan is reused only while
// its version matches the rule's current version, so a stale entry after an
// update is recompiled lazily on the next execution. Compilation happens
// outside the lock, so unrelated rules never wait on each other's compiles.
type Cache struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewCache creates an empty plan cache.
func NewCache() *Cache {
	return &Cache{plans: make(map[string]*Plan)}
}

// Get returns the cached plan for the rule, compiling it if absent or
// stale.
func (c *Cache) Get(r *rule.Rule) (*Plan, error) {
	c.mu.RLock()
	cached := c.plans[r.ID]
	c.mu.RUnlock()
	if cached != nil && cached.Version == r.Version {
		return cached, nil
	}

	plan, err := Compile(r.EffectiveGraph())
	if err != nil {
		return nil, err
	}
	plan.RuleID = r.ID
	plan.Version = r.Version

	c.mu.Lock()
	c.plans[r.ID] = plan
	c.mu.Unlock()
	return plan, nil
}

// Invalidate drops the plan for a rule id.
func (c *Cache) Invalidate(ruleID string) {
	c.mu.Lock()
	delete(c.plans, ruleID)
	c.mu.Unlock()
}
