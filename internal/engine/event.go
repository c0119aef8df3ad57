package engine

import "time"

// EventKind classifies trigger events.
type EventKind string

const (
	EventData     EventKind = "data_change"
	EventAlarm    EventKind = "alarm_event"
	EventSchedule EventKind = "schedule"
	EventManual   EventKind = "manual"
)

// Event is one external trigger occurrence: a data change on a source key,
// an alarm state change, a schedule tick targeted at a rule, or a manual
// execution request.
type Event struct {
	Kind           EventKind
	SourceKey      string
	ChangedFields  []string
	AlarmID        string
	AlarmTriggered bool
	RuleID         string
	Context        map[string]any
	Time           time.Time
}

// Source names the trigger origin for records and action context.
func (ev Event) Source() string {
	switch ev.Kind {
	case EventData:
		return ev.SourceKey
	case EventAlarm:
		return ev.AlarmID
	case EventSchedule:
		return "schedule:" + ev.RuleID
	default:
		return "manual"
	}
}
