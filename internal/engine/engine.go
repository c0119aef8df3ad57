// Package engine evaluates rules: the scheduler decides which rules run
// for an event, the engine walks each rule's compiled plan, resolves
// values, evaluates conditions and dispatches actions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/enpowerstack/rulesrv/internal/action"
	"github.com/enpowerstack/rulesrv/internal/condition"
	"github.com/enpowerstack/rulesrv/internal/dag"
	"github.com/enpowerstack/rulesrv/internal/rule"
	"github.com/enpowerstack/rulesrv/internal/shadow"
)

// Validation sentinels surfaced to the API layer.
var (
	ErrInvalidCondition = errors.New("invalid condition")
	ErrInvalidAction    = errors.New("invalid action")
)

// ValueStore is the read side of the value store adapter.
type ValueStore interface {
	Read(ctx context.Context, sourceKey, field string) (any, error)
	BatchRead(ctx context.Context, refs []shadow.FieldRef) ([]any, error)
}

// Config holds the engine's runtime knobs.
type Config struct {
	MaxParallel      int
	QueueSize        int
	ExecutionTimeout time.Duration
	HistoryLimit     int
}

func (c Config) withDefaults() Config {
	if c.MaxParallel < 1 {
		c.MaxParallel = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = 64
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Second
	}
	if c.HistoryLimit < 1 {
		c.HistoryLimit = 100
	}
	return c
}

// Engine owns rule lifecycle (validated create/update/delete over the
// store) and rule execution. Execution state for each evaluation is local
// to that evaluation; cooldown and history are keyed per rule id and
// guarded internally.
type Engine struct {
	store     rule.Store
	values    ValueStore
	eval      *condition.Evaluator
	actions   *action.Table
	plans     *dag.Cache
	history   *History
	cooldowns *cooldownTracker
	cfg       Config
	log       *slog.Logger
	metrics   *Metrics

	onRulesChanged func()
}

// New creates an engine.
func New(store rule.Store, values ValueStore, eval *condition.Evaluator, actions *action.Table, cfg Config, log *slog.Logger, metrics *Metrics) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:     store,
		values:    values,
		eval:      eval,
		actions:   actions,
		plans:     dag.NewCache(),
		history:   NewHistory(cfg.HistoryLimit),
		cooldowns: newCooldownTracker(),
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
	}
}

// SetOnRulesChanged installs the callback invoked after any rule mutation,
// used by the scheduler to resync cron entries.
func (e *Engine) SetOnRulesChanged(fn func()) {
	e.onRulesChanged = fn
}

func (e *Engine) notifyChanged() {
	if e.onRulesChanged != nil {
		e.onRulesChanged()
	}
}

// AddRule validates the rule (format, graph, expressions, action types)
// and persists it. Invalid rules never reach the hot path.
func (e *Engine) AddRule(ctx context.Context, r *rule.Rule) error {
	if err := e.validateRule(r); err != nil {
		return err
	}
	if err := e.store.Create(ctx, r); err != nil {
		return err
	}
	e.notifyChanged()
	return nil
}

// UpdateRule validates the patched rule, persists it and invalidates the
// cached plan. In-flight executions keep the plan they started with.
func (e *Engine) UpdateRule(ctx context.Context, id string, patch rule.Patch) (*rule.Rule, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := patch.Apply(*current)
	if err := e.validateRule(&merged); err != nil {
		return nil, err
	}
	updated, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.plans.Invalidate(id)
	e.notifyChanged()
	return updated, nil
}

// DeleteRule removes the rule with its cooldown and history state.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.plans.Invalidate(id)
	e.cooldowns.forget(id)
	e.history.Purge(id)
	e.notifyChanged()
	return nil
}

// cronParser mirrors the scheduler's runner (six fields with seconds).
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (e *Engine) validateRule(r *rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, expr := range r.Trigger.CronExprs() {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%w: cron_expr %q: %v", rule.ErrInvalid, expr, err)
		}
	}
	plan, err := dag.Compile(r.EffectiveGraph())
	if err != nil {
		return err
	}
	for _, n := range plan.Order {
		switch n.Type {
		case rule.NodeTransform:
			if err := e.eval.Validate(n.Formula); err != nil {
				return fmt.Errorf("%w: node %s: %v", ErrInvalidCondition, n.ID, err)
			}
		case rule.NodeCondition:
			if err := e.eval.Validate(n.Expr); err != nil {
				return fmt.Errorf("%w: node %s: %v", ErrInvalidCondition, n.ID, err)
			}
		case rule.NodeAction:
			if !e.actions.Has(n.ActionType) {
				return fmt.Errorf("%w: node %s: unknown action type %q", ErrInvalidAction, n.ID, n.ActionType)
			}
		}
	}
	return nil
}

// TestCondition evaluates an expression against a caller-supplied context
// without touching the store or dispatching actions.
func (e *Engine) TestCondition(expr string, vars map[string]any) (bool, error) {
	matched, err := e.eval.Condition(expr, vars)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return matched, nil
}

// HistoryRecords returns execution records for a rule, newest first.
func (e *Engine) HistoryRecords(ruleID string, start, end time.Time, limit int) []Record {
	return e.history.Query(ruleID, start, end, limit)
}

// RuleStats returns the firing count and last firing time for a rule.
func (e *Engine) RuleStats(ruleID string) (int64, time.Time) {
	return e.history.Stats(ruleID)
}

// Execute runs one evaluation of the rule for the event. Errors never
// escape the rule boundary: every outcome, including panics inside node
// evaluation, ends as a recorded result.
func (e *Engine) Execute(ctx context.Context, r *rule.Rule, ev Event, force bool) Record {
	started := time.Now()
	rec := Record{
		ExecutionID: uuid.NewString(),
		RuleID:      r.ID,
		Timestamp:   started,
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				rec.Error = fmt.Sprintf("panic: %v", p)
				e.log.Error("rule evaluation panicked", "rule_id", r.ID, "panic", p)
			}
		}()
		e.run(ctx, r, ev, force, &rec)
	}()

	rec.DurationMS = time.Since(started).Milliseconds()
	e.history.Append(rec)
	e.observe(rec)
	return rec
}

func (e *Engine) observe(rec Record) {
	if e.metrics == nil {
		return
	}
	outcome := OutcomeNotTriggered
	switch {
	case rec.Error != "":
		outcome = OutcomeFailed
	case rec.Triggered:
		outcome = OutcomeTriggered
	}
	e.metrics.Executions.WithLabelValues(outcome).Inc()
	for _, res := range rec.Actions {
		e.metrics.Actions.WithLabelValues(res.Type, string(res.Status)).Inc()
	}
}

func (e *Engine) run(ctx context.Context, r *rule.Rule, ev Event, force bool, rec *Record) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	plan, err := e.plans.Get(r)
	if err != nil {
		rec.Error = err.Error()
		return
	}

	vars := e.triggerVars(ctx, ev)

	conditionResult := true
	for _, n := range plan.Order {
		if ctx.Err() != nil {
			rec.Error = "execution timeout"
			return
		}
		switch n.Type {
		case rule.NodeInput:
			if err := e.resolveInput(ctx, n, vars); err != nil {
				rec.Error = err.Error()
				return
			}
		case rule.NodeTransform:
			// A failed formula leaves the variable unresolved, which
			// fails downstream conditions safely.
			if v, err := e.eval.Formula(n.Formula, vars); err == nil {
				vars[n.ID] = v
			} else {
				e.log.Debug("transform failed", "rule_id", r.ID, "node", n.ID, "error", err)
			}
		case rule.NodeCondition:
			ok, err := e.eval.Condition(n.Expr, vars)
			if err != nil {
				rec.Error = err.Error()
				return
			}
			vars[n.ID] = ok
			conditionResult = conditionResult && ok
		}
	}
	rec.ConditionResult = conditionResult

	if !conditionResult {
		return
	}

	cooldown := time.Duration(r.CooldownSeconds) * time.Second
	if !e.cooldowns.markFired(r.ID, cooldown, time.Now(), force) {
		// Lost the race against a concurrent firing, or a manual run
		// without force while in cooldown.
		rec.Error = "suppressed: cooldown active"
		return
	}
	rec.Triggered = true

	actx := action.Context{
		RuleID:        r.ID,
		TriggerSource: ev.Source(),
		Variables:     vars,
	}
	for _, n := range plan.Order {
		if n.Type != rule.NodeAction {
			continue
		}
		if ctx.Err() != nil {
			rec.Error = "execution timeout"
			rec.Actions = append(rec.Actions, action.Result{
				Type:   n.ActionType,
				Status: action.StatusTimedOut,
				Detail: "execution deadline exceeded before dispatch",
			})
			continue
		}
		rec.Actions = append(rec.Actions, e.actions.Dispatch(ctx, n.ActionType, n.Config, actx))
	}
}

// resolveInput reads one input node's value. A missing field falls back to
// the node default, or is left unresolved so conditions fail safe; a store
// failure without a default fails the evaluation.
func (e *Engine) resolveInput(ctx context.Context, n rule.Node, vars map[string]any) error {
	v, err := e.values.Read(ctx, n.SourceKey, n.Field)
	switch {
	case err == nil:
		vars[n.ID] = v
	case errors.Is(err, shadow.ErrNotFound):
		if n.Default != nil {
			vars[n.ID] = n.Default
		}
	default:
		if n.Default != nil {
			vars[n.ID] = n.Default
			return nil
		}
		return fmt.Errorf("data unavailable: %v", err)
	}
	return nil
}

// triggerVars seeds the variable map from the event: changed fields are
// resolved eagerly so simple rules can reference them by name, and the
// manual-execution context is merged in.
func (e *Engine) triggerVars(ctx context.Context, ev Event) map[string]any {
	vars := map[string]any{
		"trigger_source": ev.Source(),
	}
	switch ev.Kind {
	case EventData:
		if len(ev.ChangedFields) > 0 {
			refs := make([]shadow.FieldRef, len(ev.ChangedFields))
			for i, f := range ev.ChangedFields {
				refs[i] = shadow.FieldRef{SourceKey: ev.SourceKey, Field: f}
			}
			values, err := e.values.BatchRead(ctx, refs)
			if err != nil {
				e.log.Warn("trigger field read failed", "source_key", ev.SourceKey, "error", err)
				break
			}
			for i, f := range ev.ChangedFields {
				if values[i] == nil {
					continue
				}
				vars[f] = values[i]
				vars[ev.SourceKey+":"+f] = values[i]
			}
		}
	case EventAlarm:
		vars["alarm_id"] = ev.AlarmID
		vars["alarm_triggered"] = ev.AlarmTriggered
	}
	for k, v := range ev.Context {
		vars[k] = v
	}
	return vars
}
