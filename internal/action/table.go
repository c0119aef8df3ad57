// Package action dispatches rule actions to registered handlers with
// per-handler retry and timeout policies.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Result statuses.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRetried  Status = "retried"
	StatusTimedOut Status = "timed_out"
)

// Result is the outcome of one dispatched action.
type Result struct {
	Type    string `json:"action_type"`
	Status  Status `json:"status"`
	Retries int    `json:"retries"`
	Detail  string `json:"detail,omitempty"`
}

// Context carries the originating execution's data into handlers.
type Context struct {
	RuleID        string
	TriggerSource string
	Variables     map[string]any
}

// Policy controls retries and the per-attempt deadline for one handler
// type.
type Policy struct {
	MaxAttempts  int
	Timeout      time.Duration
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Handler executes one action type.
type Handler interface {
	Type() string
	Policy() Policy
	Execute(ctx context.Context, config map[string]any, actx Context) error
}

// Table maps action-type tags to handlers. Handlers are registered at
// startup; dispatch is read-only afterwards.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *slog.Logger
}

// NewTable creates an empty dispatch table.
func NewTable(log *slog.Logger) *Table {
	return &Table{handlers: make(map[string]Handler), log: log}
}

// Register adds a handler, replacing any previous handler of the same type.
func (t *Table) Register(h Handler) {
	t.mu.Lock()
	t.handlers[h.Type()] = h
	t.mu.Unlock()
}

// Has reports whether a handler is registered for the action type.
func (t *Table) Has(actionType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[actionType]
	return ok
}

// Dispatch runs the handler for the action type under its retry policy. A
// handler failure never propagates as an error; the outcome is always
// reported through the Result.
func (t *Table) Dispatch(ctx context.Context, actionType string, config map[string]any, actx Context) Result {
	t.mu.RLock()
	h := t.handlers[actionType]
	t.mu.RUnlock()
	if h == nil {
		return Result{Type: actionType, Status: StatusFailed, Detail: "no handler registered"}
	}

	policy := h.Policy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{Type: actionType, Status: StatusTimedOut, Retries: attempt - 1, Detail: ctx.Err().Error()}
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		err := t.runAttempt(ctx, h, policy, config, actx)
		if err == nil {
			return Result{Type: actionType, Status: StatusSuccess, Retries: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{Type: actionType, Status: StatusTimedOut, Retries: attempt, Detail: err.Error()}
		}
		t.log.Warn("action attempt failed",
			"action_type", actionType, "rule_id", actx.RuleID,
			"attempt", attempt+1, "status", StatusRetried, "error", err)
	}

	status := StatusFailed
	if errors.Is(lastErr, context.DeadlineExceeded) {
		status = StatusTimedOut
	}
	return Result{Type: actionType, Status: status, Retries: policy.MaxAttempts - 1, Detail: lastErr.Error()}
}

func (t *Table) runAttempt(ctx context.Context, h Handler, policy Policy, config map[string]any, actx Context) (err error) {
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Execute(ctx, config, actx)
}
