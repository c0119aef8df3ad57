package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enpowerstack/rulesrv/internal/action"
	"github.com/enpowerstack/rulesrv/internal/condition"
	"github.com/enpowerstack/rulesrv/internal/dag"
	"github.com/enpowerstack/rulesrv/internal/rule"
	"github.com/enpowerstack/rulesrv/internal/shadow"
)

// fakeValues is an in-process ValueStore keyed by "sourceKey/field".
type fakeValues struct {
	mu     sync.Mutex
	values map[string]any
	err    error
}

func newFakeValues() *fakeValues {
	return &fakeValues{values: make(map[string]any)}
}

func (f *fakeValues) set(sourceKey, field string, v any) {
	f.mu.Lock()
	f.values[sourceKey+"/"+field] = v
	f.mu.Unlock()
}

func (f *fakeValues) Read(ctx context.Context, sourceKey, field string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[sourceKey+"/"+field]
	if !ok {
		return nil, shadow.ErrNotFound
	}
	return v, nil
}

func (f *fakeValues) BatchRead(ctx context.Context, refs []shadow.FieldRef) ([]any, error) {
	out := make([]any, len(refs))
	for i, ref := range refs {
		v, err := f.Read(ctx, ref.SourceKey, ref.Field)
		if err != nil && !errors.Is(err, shadow.ErrNotFound) {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// recordingHandler remembers every dispatch, optionally failing.
type recordingHandler struct {
	mu        sync.Mutex
	kind      string
	calls     []action.Context
	fail      error
	failTimes int
}

func (h *recordingHandler) Type() string { return h.kind }
func (h *recordingHandler) Policy() action.Policy {
	return action.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
}

func (h *recordingHandler) Execute(ctx context.Context, config map[string]any, actx action.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, actx)
	if h.fail != nil && (h.failTimes == 0 || len(h.calls) <= h.failTimes) {
		return h.fail
	}
	return nil
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(logWriter{t}, nil))
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type testRig struct {
	engine  *Engine
	store   *rule.MemoryStore
	values  *fakeValues
	publish *recordingHandler
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := rule.NewMemoryStore()
	values := newFakeValues()
	publish := &recordingHandler{kind: "publish"}

	actions := action.NewTable(testLogger(t))
	actions.Register(publish)

	eng := New(store, values, condition.New(1e-9), actions, Config{
		MaxParallel:      2,
		QueueSize:        16,
		ExecutionTimeout: 5 * time.Second,
		HistoryLimit:     50,
	}, testLogger(t), nil)

	return &testRig{engine: eng, store: store, values: values, publish: publish}
}

func simpleRule(id string) *rule.Rule {
	return &rule.Rule{
		ID:        id,
		Name:      id,
		Enabled:   true,
		Trigger:   rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "sensor:*"},
		Condition: "temperature > 30",
		Actions:   []rule.ActionSpec{{Type: "publish", Config: map[string]any{"topic": "alarm:temp", "payload": "hot"}}},
	}
}

func manualEvent(vars map[string]any) Event {
	return Event{Kind: EventManual, Context: vars, Time: time.Now()}
}

func TestExecuteSimpleRuleTriggered(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")

	rec := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
	if rec.Error != "" {
		t.Fatalf("execution failed: %s", rec.Error)
	}
	if !rec.Triggered || !rec.ConditionResult {
		t.Fatalf("record = %+v, want triggered", rec)
	}
	if len(rec.Actions) != 1 {
		t.Fatalf("actions = %v, want one", rec.Actions)
	}
	if rec.Actions[0].Type != "publish" || rec.Actions[0].Status != action.StatusSuccess {
		t.Errorf("action result = %+v", rec.Actions[0])
	}
	if rig.publish.callCount() != 1 {
		t.Errorf("handler called %d times, want 1", rig.publish.callCount())
	}
}

func TestExecuteNotTriggered(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")

	rec := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 20.0}), false)
	if rec.Triggered || rec.ConditionResult {
		t.Fatalf("record = %+v, want not triggered", rec)
	}
	if len(rec.Actions) != 0 {
		t.Errorf("no actions should run, got %v", rec.Actions)
	}
	// A no-op evaluation must not start a cooldown window.
	if !rig.engine.cooldowns.eligible("r1", time.Hour, time.Now()) {
		t.Error("cooldown must be untouched by a not-triggered evaluation")
	}
}

func TestExecuteDAGPlan(t *testing.T) {
	rig := newTestRig(t)
	rig.values.set("meter:1", "phase_a", 60.0)
	rig.values.set("meter:1", "phase_b", 50.0)

	r := &rule.Rule{
		ID:      "dag1",
		Name:    "total load",
		Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "meter:*"},
		Graph: &rule.Graph{
			Nodes: []rule.Node{
				{ID: "A", Type: rule.NodeInput, SourceKey: "meter:1", Field: "phase_a"},
				{ID: "B", Type: rule.NodeInput, SourceKey: "meter:1", Field: "phase_b"},
				{ID: "C", Type: rule.NodeTransform, Formula: "A + B"},
				{ID: "D", Type: rule.NodeCondition, Expr: "C > 100"},
				{ID: "E", Type: rule.NodeAction, ActionType: "publish", Config: map[string]any{"topic": "load"}},
			},
			Edges: []rule.Edge{
				{From: "A", To: "C"}, {From: "B", To: "C"},
				{From: "C", To: "D"}, {From: "D", To: "E"},
			},
		},
	}

	rec := rig.engine.Execute(context.Background(), r, Event{Kind: EventData, SourceKey: "meter:1", Time: time.Now()}, false)
	if rec.Error != "" {
		t.Fatalf("execution failed: %s", rec.Error)
	}
	if !rec.Triggered {
		t.Fatalf("record = %+v, want triggered", rec)
	}
	if rig.publish.callCount() != 1 {
		t.Fatalf("handler called %d times, want 1", rig.publish.callCount())
	}
	actx := rig.publish.calls[0]
	if actx.Variables["C"] != 110.0 {
		t.Errorf("transform output = %v, want 110", actx.Variables["C"])
	}
	if actx.Variables["D"] != true {
		t.Errorf("condition output = %v, want true", actx.Variables["D"])
	}
}

func TestExecuteCooldownSuppression(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")
	r.CooldownSeconds = 300

	first := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
	if !first.Triggered {
		t.Fatalf("first execution should trigger: %+v", first)
	}

	second := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
	if second.Triggered {
		t.Fatal("second execution inside the cooldown window must not trigger")
	}
	if len(second.Actions) != 0 {
		t.Errorf("suppressed execution ran actions: %v", second.Actions)
	}
	if rig.publish.callCount() != 1 {
		t.Errorf("handler called %d times, want 1", rig.publish.callCount())
	}
}

func TestExecuteForceBypassesCooldown(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")
	r.CooldownSeconds = 300

	rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
	forced := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), true)
	if !forced.Triggered {
		t.Fatalf("forced execution should bypass cooldown: %+v", forced)
	}
	if rig.publish.callCount() != 2 {
		t.Errorf("handler called %d times, want 2", rig.publish.callCount())
	}
}

func TestExecuteMissingDataSafety(t *testing.T) {
	rig := newTestRig(t)

	r := &rule.Rule{
		ID:      "r1",
		Name:    "missing input",
		Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "sensor:*"},
		Graph: &rule.Graph{
			Nodes: []rule.Node{
				{ID: "input1", Type: rule.NodeInput, SourceKey: "sensor:9", Field: "absent"},
				{ID: "cond", Type: rule.NodeCondition, Expr: "input1 > 30"},
				{ID: "act", Type: rule.NodeAction, ActionType: "publish"},
			},
			Edges: []rule.Edge{{From: "input1", To: "cond"}, {From: "cond", To: "act"}},
		},
	}

	rec := rig.engine.Execute(context.Background(), r, Event{Kind: EventData, SourceKey: "sensor:9", Time: time.Now()}, false)
	if rec.Error != "" {
		t.Fatalf("missing data must not fail the evaluation: %s", rec.Error)
	}
	if rec.Triggered || rec.ConditionResult {
		t.Fatalf("record = %+v, want not triggered", rec)
	}
}

func TestExecuteInputDefault(t *testing.T) {
	rig := newTestRig(t)

	r := &rule.Rule{
		ID:      "r1",
		Name:    "defaulted input",
		Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "sensor:*"},
		Graph: &rule.Graph{
			Nodes: []rule.Node{
				{ID: "input1", Type: rule.NodeInput, SourceKey: "sensor:9", Field: "absent", Default: 99.0},
				{ID: "cond", Type: rule.NodeCondition, Expr: "input1 > 30"},
				{ID: "act", Type: rule.NodeAction, ActionType: "publish"},
			},
			Edges: []rule.Edge{{From: "input1", To: "cond"}, {From: "cond", To: "act"}},
		},
	}

	rec := rig.engine.Execute(context.Background(), r, Event{Kind: EventData, SourceKey: "sensor:9", Time: time.Now()}, false)
	if !rec.Triggered {
		t.Fatalf("default value should satisfy the condition: %+v", rec)
	}
}

func TestExecuteStoreFailureWithoutDefault(t *testing.T) {
	rig := newTestRig(t)
	rig.values.err = errors.New("connection refused")

	r := &rule.Rule{
		ID:      "r1",
		Name:    "store down",
		Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "sensor:*"},
		Graph: &rule.Graph{
			Nodes: []rule.Node{
				{ID: "input1", Type: rule.NodeInput, SourceKey: "sensor:9", Field: "t"},
				{ID: "cond", Type: rule.NodeCondition, Expr: "input1 > 30"},
			},
			Edges: []rule.Edge{{From: "input1", To: "cond"}},
		},
	}

	rec := rig.engine.Execute(context.Background(), r, Event{Kind: EventData, SourceKey: "sensor:9", Time: time.Now()}, false)
	if rec.Error == "" || !strings.Contains(rec.Error, "data unavailable") {
		t.Fatalf("record error = %q, want data unavailable", rec.Error)
	}
	if rec.Triggered {
		t.Error("failed evaluation must not trigger")
	}
}

func TestExecuteFailedActionStillRecorded(t *testing.T) {
	rig := newTestRig(t)
	rig.publish.fail = errors.New("broker down")

	rec := rig.engine.Execute(context.Background(), simpleRule("r1"), manualEvent(map[string]any{"temperature": 35.0}), false)
	if !rec.Triggered {
		t.Fatalf("record = %+v, want triggered", rec)
	}
	if len(rec.Actions) != 1 || rec.Actions[0].Status != action.StatusFailed {
		t.Errorf("action result = %+v, want failed", rec.Actions)
	}
}

func TestExecuteActionRetryCountRecorded(t *testing.T) {
	rig := newTestRig(t)
	rig.publish.fail = errors.New("transient")
	rig.publish.failTimes = 2

	rec := rig.engine.Execute(context.Background(), simpleRule("r1"), manualEvent(map[string]any{"temperature": 35.0}), false)
	if len(rec.Actions) != 1 {
		t.Fatalf("actions = %v", rec.Actions)
	}
	res := rec.Actions[0]
	if res.Status != action.StatusSuccess {
		t.Fatalf("action status = %s, want success after retries", res.Status)
	}
	if res.Retries != 2 {
		t.Errorf("retries = %d, want 2", res.Retries)
	}
}

func TestExecuteDeterministicActionOrder(t *testing.T) {
	rig := newTestRig(t)
	second := &recordingHandler{kind: "notify"}
	rig.engine.actions.Register(second)

	r := simpleRule("r1")
	r.Actions = []rule.ActionSpec{
		{Type: "publish", Config: map[string]any{"topic": "one"}},
		{Type: "notify", Config: map[string]any{"url": "http://example"}},
	}

	for i := 0; i < 10; i++ {
		rec := rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), true)
		if len(rec.Actions) != 2 {
			t.Fatalf("actions = %v", rec.Actions)
		}
		if rec.Actions[0].Type != "publish" || rec.Actions[1].Type != "notify" {
			t.Fatalf("run %d: action order = %v, %v", i, rec.Actions[0].Type, rec.Actions[1].Type)
		}
	}
}

func TestAddRuleValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	bad := simpleRule("bad-cond")
	bad.Condition = "temperature >"
	if err := rig.engine.AddRule(ctx, bad); !errors.Is(err, ErrInvalidCondition) {
		t.Errorf("malformed condition: got %v, want ErrInvalidCondition", err)
	}

	bad = simpleRule("bad-action")
	bad.Actions = []rule.ActionSpec{{Type: "teleport"}}
	if err := rig.engine.AddRule(ctx, bad); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("unknown action: got %v, want ErrInvalidAction", err)
	}

	bad = simpleRule("bad-cron")
	bad.Trigger = rule.Trigger{Type: rule.TriggerSchedule, CronExpr: "not a cron"}
	if err := rig.engine.AddRule(ctx, bad); !errors.Is(err, rule.ErrInvalid) {
		t.Errorf("bad cron: got %v, want ErrInvalid", err)
	}

	cyclic := simpleRule("cycle")
	cyclic.Condition = ""
	cyclic.Graph = &rule.Graph{
		Nodes: []rule.Node{
			{ID: "X", Type: rule.NodeInput, SourceKey: "s", Field: "f"},
			{ID: "Y", Type: rule.NodeTransform, Formula: "X + 1"},
		},
		Edges: []rule.Edge{{From: "X", To: "Y"}, {From: "Y", To: "X"}},
	}
	var vErr *dag.ValidationError
	if err := rig.engine.AddRule(ctx, cyclic); !errors.As(err, &vErr) || vErr.Code != dag.CodeCycleDetected {
		t.Errorf("cyclic graph: got %v, want CycleDetected", err)
	}

	if _, err := rig.store.Get(ctx, "bad-cond"); !errors.Is(err, rule.ErrNotFound) {
		t.Error("invalid rules must never be persisted")
	}

	good := simpleRule("good")
	if err := rig.engine.AddRule(ctx, good); err != nil {
		t.Fatalf("AddRule failed for a valid rule: %v", err)
	}
}

func TestUpdateRuleInvalidatesPlan(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	r := simpleRule("r1")
	if err := rig.engine.AddRule(ctx, r); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	// Prime the plan cache.
	stored, _ := rig.store.Get(ctx, "r1")
	rig.engine.Execute(ctx, stored, manualEvent(map[string]any{"temperature": 35.0}), false)

	cond := "temperature > 90"
	updated, err := rig.engine.UpdateRule(ctx, "r1", rule.Patch{Condition: &cond})
	if err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	rec := rig.engine.Execute(ctx, updated, manualEvent(map[string]any{"temperature": 35.0}), true)
	if rec.ConditionResult {
		t.Error("execution used the stale plan after update")
	}
}

func TestUpdateRuleRejectsInvalidPatch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.AddRule(ctx, simpleRule("r1")); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	cond := "temperature >"
	if _, err := rig.engine.UpdateRule(ctx, "r1", rule.Patch{Condition: &cond}); !errors.Is(err, ErrInvalidCondition) {
		t.Errorf("got %v, want ErrInvalidCondition", err)
	}

	stored, _ := rig.store.Get(ctx, "r1")
	if stored.Condition != "temperature > 30" || stored.Version != 1 {
		t.Errorf("rejected update must not change the stored rule: %+v", stored)
	}
}

func TestDeleteRuleClearsState(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	r := simpleRule("r1")
	r.CooldownSeconds = 300
	if err := rig.engine.AddRule(ctx, r); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	stored, _ := rig.store.Get(ctx, "r1")
	rig.engine.Execute(ctx, stored, manualEvent(map[string]any{"temperature": 35.0}), false)

	if err := rig.engine.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if recs := rig.engine.HistoryRecords("r1", time.Time{}, time.Time{}, 0); len(recs) != 0 {
		t.Errorf("history should be purged, got %d records", len(recs))
	}
	if !rig.engine.cooldowns.eligible("r1", time.Hour, time.Now()) {
		t.Error("cooldown state should be forgotten")
	}
	if err := rig.engine.DeleteRule(ctx, "r1"); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestTestCondition(t *testing.T) {
	rig := newTestRig(t)

	matched, err := rig.engine.TestCondition("soc < 20 AND charging == false", map[string]any{"soc": 15.0, "charging": false})
	if err != nil {
		t.Fatalf("TestCondition failed: %v", err)
	}
	if !matched {
		t.Error("condition should match")
	}

	if _, err := rig.engine.TestCondition("soc <", nil); !errors.Is(err, ErrInvalidCondition) {
		t.Errorf("got %v, want ErrInvalidCondition", err)
	}
}

func TestRuleStats(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")

	for i := 0; i < 3; i++ {
		rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), true)
	}
	rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 10.0}), true)

	count, last := rig.engine.RuleStats("r1")
	if count != 3 {
		t.Errorf("trigger count = %d, want 3", count)
	}
	if last.IsZero() {
		t.Error("last triggered should be set")
	}
}

func TestHistoryRecordFields(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")

	rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
	recs := rig.engine.HistoryRecords("r1", time.Time{}, time.Time{}, 0)
	if len(recs) != 1 {
		t.Fatalf("history has %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ExecutionID == "" {
		t.Error("record should carry an execution id")
	}
	if rec.RuleID != "r1" || !rec.Triggered {
		t.Errorf("record = %+v", rec)
	}
	if rec.Timestamp.IsZero() {
		t.Error("record should carry a timestamp")
	}
}

func TestExecuteIsolationBetweenRules(t *testing.T) {
	rig := newTestRig(t)
	rig.values.err = errors.New("partial outage")

	failing := &rule.Rule{
		ID:      "fails",
		Name:    "fails",
		Enabled: true,
		Trigger: rule.Trigger{Type: rule.TriggerDataChange, SourcePattern: "sensor:*"},
		Graph: &rule.Graph{
			Nodes: []rule.Node{
				{ID: "input1", Type: rule.NodeInput, SourceKey: "sensor:1", Field: "t"},
				{ID: "cond", Type: rule.NodeCondition, Expr: "in > 0"},
			},
			Edges: []rule.Edge{{From: "input1", To: "cond"}},
		},
	}

	recFail := rig.engine.Execute(context.Background(), failing, Event{Kind: EventData, SourceKey: "sensor:1", Time: time.Now()}, false)
	if recFail.Error == "" {
		t.Fatal("first rule should fail")
	}

	recOK := rig.engine.Execute(context.Background(), simpleRule("ok"), manualEvent(map[string]any{"temperature": 35.0}), false)
	if recOK.Error != "" || !recOK.Triggered {
		t.Fatalf("independent rule affected by sibling failure: %+v", recOK)
	}
}

func TestEngineConcurrentCooldownSingleFire(t *testing.T) {
	rig := newTestRig(t)
	r := simpleRule("r1")
	r.CooldownSeconds = 300

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rig.engine.Execute(context.Background(), r, manualEvent(map[string]any{"temperature": 35.0}), false)
		}()
	}
	wg.Wait()

	if got := rig.publish.callCount(); got != 1 {
		t.Errorf("concurrent evaluations fired %d times, want exactly 1", got)
	}
}

func TestTriggerVarsFromDataEvent(t *testing.T) {
	rig := newTestRig(t)
	rig.values.set("sensor:1", "temperature", 35.0)

	r := simpleRule("r1")
	ev := Event{
		Kind:          EventData,
		SourceKey:     "sensor:1",
		ChangedFields: []string{"temperature"},
		Time:          time.Now(),
	}
	rec := rig.engine.Execute(context.Background(), r, ev, false)
	if !rec.Triggered {
		t.Fatalf("changed field should seed the condition variable: %+v", rec)
	}
	vars := rig.publish.calls[0].Variables
	if vars["sensor:1:temperature"] != 35.0 {
		t.Errorf("colon-qualified variable missing: %v", vars)
	}
	if vars["trigger_source"] != "sensor:1" {
		t.Errorf("trigger_source = %v", vars["trigger_source"])
	}
}

func TestExecuteRecordsDuration(t *testing.T) {
	rig := newTestRig(t)
	rec := rig.engine.Execute(context.Background(), simpleRule("r1"), manualEvent(map[string]any{"temperature": 35.0}), false)
	if rec.DurationMS < 0 {
		t.Errorf("duration = %d", rec.DurationMS)
	}
	if fmt.Sprint(rec.Timestamp.Year()) == "1" {
		t.Error("timestamp not set")
	}
}
