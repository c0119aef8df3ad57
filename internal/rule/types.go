// Package rule defines the rule data model and its persistence contract.
package rule

import (
	"errors"
	"fmt"
	"time"
)

// Trigger types.
const (
	TriggerDataChange = "data_change"
	TriggerAlarm      = "alarm_event"
	TriggerSchedule   = "schedule"
	TriggerCombined   = "combined"
)

// Combined-trigger logic.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// Node types.
const (
	NodeInput     = "input"
	NodeTransform = "transform"
	NodeCondition = "condition"
	NodeAction    = "action"
)

// maxTriggerDepth bounds combined-trigger nesting.
const maxTriggerDepth = 4

// Rule is a stored rule definition. A rule carries either a Graph or, for
// simple rules, a bare Condition plus Actions which are normalized into an
// implicit graph at compile time.
type Rule struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Enabled         bool         `json:"enabled"`
	Priority        int          `json:"priority"`
	CooldownSeconds int          `json:"cooldown_seconds"`
	Trigger         Trigger      `json:"trigger"`
	Graph           *Graph       `json:"graph,omitempty"`
	Condition       string       `json:"condition,omitempty"`
	Actions         []ActionSpec `json:"actions,omitempty"`
	GroupID         string       `json:"group_id,omitempty"`
	Version         int          `json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Trigger decides when a rule becomes a candidate for evaluation.
type Trigger struct {
	Type          string    `json:"type"`
	SourcePattern string    `json:"source_pattern,omitempty"`
	AlarmIDs      []string  `json:"alarm_ids,omitempty"`
	CronExpr      string    `json:"cron_expr,omitempty"`
	Logic         string    `json:"logic,omitempty"`
	SubTriggers   []Trigger `json:"sub_triggers,omitempty"`
}

// Graph is a rule's internal data/condition/action flow. Nodes are kept as
// an ordered list so independent nodes execute in declaration order.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node is one step in a rule graph. The populated fields depend on Type.
type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// input
	SourceKey string `json:"source_key,omitempty"`
	Field     string `json:"field,omitempty"`
	Default   any    `json:"default,omitempty"`

	// transform
	Formula string `json:"formula,omitempty"`

	// condition
	Expr string `json:"expr,omitempty"`

	// action
	ActionType string         `json:"action_type,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// ActionSpec is a simple rule's action entry.
type ActionSpec struct {
	Type   string         `json:"action_type"`
	Config map[string]any `json:"config,omitempty"`
}

// Group is a thin organizational layer over rules.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrInvalid marks rule-format validation failures.
var ErrInvalid = errors.New("invalid rule")

// Validate checks the fields the store requires. Graph-level validation is
// performed separately by the DAG compiler.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds must not be negative", ErrInvalid)
	}
	if r.Graph == nil && r.Condition == "" {
		return fmt.Errorf("%w: rule needs a graph or a condition", ErrInvalid)
	}
	if r.Graph != nil && len(r.Graph.Nodes) == 0 {
		return fmt.Errorf("%w: graph has no nodes", ErrInvalid)
	}
	return r.Trigger.validate(0)
}

func (t Trigger) validate(depth int) error {
	if depth > maxTriggerDepth {
		return fmt.Errorf("%w: combined trigger nested deeper than %d", ErrInvalid, maxTriggerDepth)
	}
	switch t.Type {
	case TriggerDataChange:
		if t.SourcePattern == "" {
			return fmt.Errorf("%w: data_change trigger needs source_pattern", ErrInvalid)
		}
	case TriggerAlarm:
		if len(t.AlarmIDs) == 0 {
			return fmt.Errorf("%w: alarm_event trigger needs alarm_ids", ErrInvalid)
		}
	case TriggerSchedule:
		if t.CronExpr == "" {
			return fmt.Errorf("%w: schedule trigger needs cron_expr", ErrInvalid)
		}
	case TriggerCombined:
		if t.Logic != LogicAnd && t.Logic != LogicOr {
			return fmt.Errorf("%w: combined trigger logic must be and/or", ErrInvalid)
		}
		if len(t.SubTriggers) == 0 {
			return fmt.Errorf("%w: combined trigger needs sub_triggers", ErrInvalid)
		}
		for _, sub := range t.SubTriggers {
			if err := sub.validate(depth + 1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalid, t.Type)
	}
	return nil
}

// EffectiveGraph returns the rule's graph, synthesizing one for simple
// condition+actions rules: a single condition node wired to one action
// node per action.
func (r *Rule) EffectiveGraph() *Graph {
	if r.Graph != nil {
		return r.Graph
	}
	g := &Graph{
		Nodes: []Node{{ID: "condition", Type: NodeCondition, Expr: r.Condition}},
	}
	for i, a := range r.Actions {
		id := fmt.Sprintf("action-%d", i)
		g.Nodes = append(g.Nodes, Node{ID: id, Type: NodeAction, ActionType: a.Type, Config: a.Config})
		g.Edges = append(g.Edges, Edge{From: "condition", To: id})
	}
	return g
}

// CronExprs collects every cron expression reachable through the trigger.
func (t Trigger) CronExprs() []string {
	var exprs []string
	if t.Type == TriggerSchedule && t.CronExpr != "" {
		exprs = append(exprs, t.CronExpr)
	}
	for _, sub := range t.SubTriggers {
		exprs = append(exprs, sub.CronExprs()...)
	}
	return exprs
}

// Patch is a partial rule update. Nil fields are left unchanged.
type Patch struct {
	Name            *string       `json:"name,omitempty"`
	Description     *string       `json:"description,omitempty"`
	Enabled         *bool         `json:"enabled,omitempty"`
	Priority        *int          `json:"priority,omitempty"`
	CooldownSeconds *int          `json:"cooldown_seconds,omitempty"`
	Trigger         *Trigger      `json:"trigger,omitempty"`
	Graph           *Graph        `json:"graph,omitempty"`
	Condition       *string       `json:"condition,omitempty"`
	Actions         *[]ActionSpec `json:"actions,omitempty"`
	GroupID         *string       `json:"group_id,omitempty"`
}

// Apply merges the patch into a copy of the rule. The version counter is
// bumped by the store, not here.
func (p Patch) Apply(r Rule) Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.CooldownSeconds != nil {
		r.CooldownSeconds = *p.CooldownSeconds
	}
	if p.Trigger != nil {
		r.Trigger = *p.Trigger
	}
	if p.Graph != nil {
		r.Graph = p.Graph
	}
	if p.Condition != nil {
		r.Condition = *p.Condition
	}
	if p.Actions != nil {
		r.Actions = *p.Actions
	}
	if p.GroupID != nil {
		r.GroupID = *p.GroupID
	}
	return r
}
