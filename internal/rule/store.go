package rule

import (
	"context"
	"errors"
)

// Store errors.
var (
	ErrNotFound      = errors.New("rule not found")
	ErrConflict      = errors.New("rule already exists")
	ErrGroupNotFound = errors.New("group not found")
)

// Filter narrows List results. A nil Enabled matches both states. Limit <= 0
// disables pagination.
type Filter struct {
	Enabled *bool
	GroupID string
	Page    int
	Limit   int
}

// Store is the durable rule registry. Implementations serialize concurrent
// mutations to the same rule id and never expose a partially updated rule.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, id string, patch Patch) (*Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, filter Filter) ([]*Rule, int, error)
	Delete(ctx context.Context, id string) error

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	DeleteGroup(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}
