package engine

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/enpowerstack/rulesrv/internal/rule"
)

type task struct {
	r  *rule.Rule
	ev Event
}

// Scheduler matches incoming events against rule triggers, runs cron
// schedules, and feeds matched rules to a bounded worker pool. Under
// sustained overload the queue drops new work rather than blocking the
// ingest path.
type Scheduler struct {
	engine *Engine
	store  rule.Store
	log    *slog.Logger

	queue chan task
	wg    sync.WaitGroup
	quit  chan struct{}

	cronMu  sync.Mutex
	cron    *cron.Cron
	entries map[string][]cron.EntryID
}

// NewScheduler creates a scheduler over the engine's store and worker
// configuration.
func NewScheduler(e *Engine, log *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:  e,
		store:   e.store,
		log:     log,
		queue:   make(chan task, e.cfg.QueueSize),
		quit:    make(chan struct{}),
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string][]cron.EntryID),
	}
}

// Start spawns the worker pool, syncs cron entries from the store and
// starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	for i := 0; i < s.engine.cfg.MaxParallel; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	if err := s.ReloadSchedules(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts cron, drains the queue and waits for in-flight evaluations.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.quit)
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			if s.engine.metrics != nil {
				s.engine.metrics.QueueDepth.Set(float64(len(s.queue)))
			}
			s.engine.Execute(context.Background(), t.r, t.ev, false)
		case <-s.quit:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case t := <-s.queue:
					s.engine.Execute(context.Background(), t.r, t.ev, false)
				default:
					return
				}
			}
		}
	}
}

// HandleEvent finds enabled rules whose trigger matches the event, filters
// out rules in cooldown and enqueues the rest ordered by priority.
func (s *Scheduler) HandleEvent(ctx context.Context, ev Event) {
	enabled := true
	rules, _, err := s.store.List(ctx, rule.Filter{Enabled: &enabled})
	if err != nil {
		s.log.Error("rule listing failed", "error", err)
		return
	}

	now := time.Now()
	var matched []*rule.Rule
	for _, r := range rules {
		if !triggerMatches(r.Trigger, ev, r.ID) {
			continue
		}
		cooldown := time.Duration(r.CooldownSeconds) * time.Second
		if !s.engine.cooldowns.eligible(r.ID, cooldown, now) {
			s.log.Debug("rule in cooldown", "rule_id", r.ID)
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	for _, r := range matched {
		s.enqueue(task{r: r, ev: ev})
	}
}

func (s *Scheduler) enqueue(t task) {
	select {
	case s.queue <- t:
		if s.engine.metrics != nil {
			s.engine.metrics.QueueDepth.Set(float64(len(s.queue)))
		}
	default:
		s.log.Warn("evaluation dropped, queue full", "rule_id", t.r.ID, "source", t.ev.Source())
		s.engine.history.Append(Record{
			ExecutionID: "",
			RuleID:      t.r.ID,
			Timestamp:   time.Now(),
			Error:       "overloaded: evaluation queue full",
		})
		if s.engine.metrics != nil {
			s.engine.metrics.Dropped.Inc()
			s.engine.metrics.Executions.WithLabelValues(OutcomeOverloaded).Inc()
		}
	}
}

// ReloadSchedules resyncs cron entries with the schedule triggers currently
// in the store. Called at startup and after every rule mutation.
func (s *Scheduler) ReloadSchedules(ctx context.Context) error {
	enabled := true
	rules, _, err := s.store.List(ctx, rule.Filter{Enabled: &enabled})
	if err != nil {
		return err
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	for _, ids := range s.entries {
		for _, id := range ids {
			s.cron.Remove(id)
		}
	}
	s.entries = make(map[string][]cron.EntryID)

	for _, r := range rules {
		ruleID := r.ID
		for _, expr := range r.Trigger.CronExprs() {
			id, err := s.cron.AddFunc(expr, func() {
				s.HandleEvent(context.Background(), Event{
					Kind:   EventSchedule,
					RuleID: ruleID,
					Time:   time.Now(),
				})
			})
			if err != nil {
				// Cron expressions are vetted on write, so a bad one here
				// means the store holds a rule from an older schema.
				s.log.Error("cron registration failed", "rule_id", ruleID, "expr", expr, "error", err)
				continue
			}
			s.entries[ruleID] = append(s.entries[ruleID], id)
		}
	}
	return nil
}

// triggerMatches reports whether the trigger fires for the event. Combined
// triggers recurse with AND/OR over their sub-triggers.
func triggerMatches(t rule.Trigger, ev Event, ruleID string) bool {
	switch t.Type {
	case rule.TriggerDataChange:
		if ev.Kind != EventData {
			return false
		}
		if t.SourcePattern == "" {
			return true
		}
		ok, err := path.Match(t.SourcePattern, ev.SourceKey)
		return err == nil && ok
	case rule.TriggerAlarm:
		if ev.Kind != EventAlarm || !ev.AlarmTriggered {
			return false
		}
		if len(t.AlarmIDs) == 0 {
			return true
		}
		for _, id := range t.AlarmIDs {
			if id == ev.AlarmID {
				return true
			}
		}
		return false
	case rule.TriggerSchedule:
		return ev.Kind == EventSchedule && ev.RuleID == ruleID
	case rule.TriggerCombined:
		if t.Logic == rule.LogicAnd {
			for _, sub := range t.SubTriggers {
				if !triggerMatches(sub, ev, ruleID) {
					return false
				}
			}
			return len(t.SubTriggers) > 0
		}
		for _, sub := range t.SubTriggers {
			if triggerMatches(sub, ev, ruleID) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
