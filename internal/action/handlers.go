package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Action type tags.
const (
	TypeControl  = "control"
	TypeAlarm    = "alarm"
	TypeNotify   = "notify"
	TypePublish  = "publish"
	TypeSetValue = "set_value"
)

// Publisher sends a message to the external pub/sub channel.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ShadowWriter is the write side of the value store adapter.
type ShadowWriter interface {
	WriteDesired(ctx context.Context, sourceKey, field string, value any) error
	SetValue(ctx context.Context, key, field string, value any, ttl time.Duration) error
}

// Control writes a desired field through the shadow adapter. Confirmed
// writes only; retried per policy.
type Control struct {
	Shadow ShadowWriter
	Retry  Policy
}

type controlConfig struct {
	SourceKey string `mapstructure:"source_key"`
	Field     string `mapstructure:"field"`
	Value     any    `mapstructure:"value"`
	ValueFrom string `mapstructure:"value_from"`
}

func (c *Control) Type() string   { return TypeControl }
func (c *Control) Policy() Policy { return c.Retry }

func (c *Control) Execute(ctx context.Context, config map[string]any, actx Context) error {
	var conf controlConfig
	if err := mapstructure.Decode(config, &conf); err != nil {
		return fmt.Errorf("control: decode config: %w", err)
	}
	if conf.SourceKey == "" || conf.Field == "" {
		return errors.New("control: source_key and field are required")
	}
	value := conf.Value
	if conf.ValueFrom != "" {
		v, ok := actx.Variables[conf.ValueFrom]
		if !ok {
			return fmt.Errorf("control: variable %q is not resolved", conf.ValueFrom)
		}
		value = v
	}
	return c.Shadow.WriteDesired(ctx, conf.SourceKey, conf.Field, value)
}

// Alarm publishes a structured alarm event. Single best-effort send;
// consumers deduplicate by alarm id and status.
type Alarm struct {
	Pub   Publisher
	Topic string
}

type alarmConfig struct {
	AlarmID  string `mapstructure:"alarm_id"`
	Severity string `mapstructure:"severity"`
	Message  string `mapstructure:"message"`
}

type alarmEvent struct {
	AlarmID     string    `json:"alarm_id"`
	RuleID      string    `json:"rule_id"`
	Source      string    `json:"source"`
	Severity    string    `json:"severity,omitempty"`
	Message     string    `json:"message,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

func (a *Alarm) Type() string   { return TypeAlarm }
func (a *Alarm) Policy() Policy { return Policy{MaxAttempts: 1, Timeout: 5 * time.Second} }

func (a *Alarm) Execute(ctx context.Context, config map[string]any, actx Context) error {
	var conf alarmConfig
	if err := mapstructure.Decode(config, &conf); err != nil {
		return fmt.Errorf("alarm: decode config: %w", err)
	}
	if conf.AlarmID == "" {
		return errors.New("alarm: alarm_id is required")
	}
	payload, err := json.Marshal(alarmEvent{
		AlarmID:     conf.AlarmID,
		RuleID:      actx.RuleID,
		Source:      actx.TriggerSource,
		Severity:    conf.Severity,
		Message:     conf.Message,
		TriggeredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return a.Pub.Publish(a.Topic, payload)
}

// Notify posts a JSON payload to a webhook. Retried with a short timeout.
type Notify struct {
	Client *http.Client
	Retry  Policy
}

type notifyConfig struct {
	URL     string         `mapstructure:"url"`
	Payload map[string]any `mapstructure:"payload"`
}

func (n *Notify) Type() string   { return TypeNotify }
func (n *Notify) Policy() Policy { return n.Retry }

func (n *Notify) Execute(ctx context.Context, config map[string]any, actx Context) error {
	var conf notifyConfig
	if err := mapstructure.Decode(config, &conf); err != nil {
		return fmt.Errorf("notify: decode config: %w", err)
	}
	if conf.URL == "" {
		return errors.New("notify: url is required")
	}
	body := map[string]any{
		"rule_id": actx.RuleID,
		"source":  actx.TriggerSource,
	}
	for k, v := range conf.Payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Publish writes a message to the external pub/sub channel. Best effort,
// no retry.
type Publish struct {
	Pub Publisher
}

type publishConfig struct {
	Topic   string `mapstructure:"topic"`
	Payload any    `mapstructure:"payload"`
}

func (p *Publish) Type() string   { return TypePublish }
func (p *Publish) Policy() Policy { return Policy{MaxAttempts: 1, Timeout: 5 * time.Second} }

func (p *Publish) Execute(ctx context.Context, config map[string]any, actx Context) error {
	var conf publishConfig
	if err := mapstructure.Decode(config, &conf); err != nil {
		return fmt.Errorf("publish: decode config: %w", err)
	}
	if conf.Topic == "" {
		return errors.New("publish: topic is required")
	}
	var payload []byte
	switch v := conf.Payload.(type) {
	case string:
		payload = []byte(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = data
	}
	return p.Pub.Publish(conf.Topic, payload)
}

// SetValue stores an arbitrary key/value with optional TTL in the shared
// store. Same retry policy as Control.
type SetValue struct {
	Shadow ShadowWriter
	Retry  Policy
}

type setValueConfig struct {
	Key        string `mapstructure:"key"`
	Field      string `mapstructure:"field"`
	Value      any    `mapstructure:"value"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

func (s *SetValue) Type() string   { return TypeSetValue }
func (s *SetValue) Policy() Policy { return s.Retry }

func (s *SetValue) Execute(ctx context.Context, config map[string]any, actx Context) error {
	var conf setValueConfig
	if err := mapstructure.Decode(config, &conf); err != nil {
		return fmt.Errorf("set_value: decode config: %w", err)
	}
	if conf.Key == "" || conf.Field == "" {
		return errors.New("set_value: key and field are required")
	}
	ttl := time.Duration(conf.TTLSeconds) * time.Second
	return s.Shadow.SetValue(ctx, conf.Key, conf.Field, conf.Value, ttl)
}
