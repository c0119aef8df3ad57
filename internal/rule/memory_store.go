package rule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. Used for tests and for
// running without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	rules  map[string]*Rule
	groups map[string]*Group
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:  make(map[string]*Rule),
		groups: make(map[string]*Group),
	}
}

// Create adds a new rule, failing on duplicate ids.
func (s *MemoryStore) Create(ctx context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, r.ID)
	}
	now := time.Now()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	stored := *r
	s.rules[r.ID] = &stored
	return nil
}

// Update merges the patch and bumps the version counter.
func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := patch.Apply(*existing)
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()
	s.rules[id] = &updated

	result := updated
	return &result, nil
}

// Get retrieves a rule by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result := *r
	return &result, nil
}

// List returns matching rules ordered by id, with the total match count.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Rule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Rule
	for _, r := range s.rules {
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		if filter.GroupID != "" && r.GroupID != filter.GroupID {
			continue
		}
		copied := *r
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.Limit
		if start >= total {
			return []*Rule{}, total, nil
		}
		end := start + filter.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

// Delete removes a rule.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// CreateGroup adds a group.
func (s *MemoryStore) CreateGroup(ctx context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("%w: group %s", ErrConflict, g.ID)
	}
	g.CreatedAt = time.Now()
	stored := *g
	s.groups[g.ID] = &stored
	return nil
}

// GetGroup retrieves a group by id.
func (s *MemoryStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, exists := s.groups[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	result := *g
	return &result, nil
}

// ListGroups returns all groups ordered by id.
func (s *MemoryStore) ListGroups(ctx context.Context) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		copied := *g
		groups = append(groups, &copied)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// DeleteGroup removes a group. Rules keep their group_id; the grouping is
// advisory.
func (s *MemoryStore) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[id]; !exists {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	delete(s.groups, id)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
